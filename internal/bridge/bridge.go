// Package bridge composes the core: it receives inbound chat events,
// resolves their working context, arms the response correlator, feeds the
// inbound queue, and dispatches hook callbacks back to the chat platform.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/chat-bridge/internal/chat"
	"github.com/workspace/chat-bridge/internal/correlator"
	"github.com/workspace/chat-bridge/internal/format"
	"github.com/workspace/chat-bridge/internal/persistence"
	"github.com/workspace/chat-bridge/internal/procctl"
	"github.com/workspace/chat-bridge/internal/queue"
	"github.com/workspace/chat-bridge/internal/registry"
	"github.com/workspace/chat-bridge/internal/retry"
)

// ErrCorrelationMiss is returned when a callback carries no channel and
// no active context was ever recorded. Such callbacks are dropped, never
// delivered to a guessed destination.
var ErrCorrelationMiss = errors.New("callback has no resolvable channel context")

// ProcessController is the slice of procctl.Controller the coordinator
// uses; tests substitute a fake.
type ProcessController interface {
	IsRunning() bool
	State() procctl.State
	SendInput(text string) error
	Restart() error
	StartedAt() time.Time
	LastRestart() time.Time
}

// Outcome is the terminal state of a callback.
type Outcome string

const (
	// OutcomeDispatched means the callback was delivered to the channel.
	OutcomeDispatched Outcome = "dispatched"
	// OutcomeSuppressed means the callback was a duplicate within the
	// retention window.
	OutcomeSuppressed Outcome = "suppressed"
)

// Coordinator wires the core components together.
type Coordinator struct {
	registry   *registry.Registry
	correlator *correlator.Correlator
	queue      *queue.Queue
	ctl        ProcessController
	transport  chat.Transport
	formatter  *format.Formatter
	store      *persistence.Store
	retryCfg   retry.Config

	// mu makes arm-context-then-enqueue atomic so two events cannot
	// interleave their context switches. The cross-channel race between
	// an armed context and an earlier in-flight response is inherent to
	// the side-channel design and documented in DESIGN.md.
	//
	// lastContext is only valid for the child instance identified by
	// lastStart: a fresh child begins in the default working directory,
	// so the cache dies with the instance that received the switch.
	mu          sync.Mutex
	lastContext string
	lastStart   time.Time
}

// New creates a coordinator.
func New(reg *registry.Registry, corr *correlator.Correlator, q *queue.Queue, ctl ProcessController, transport chat.Transport, formatter *format.Formatter, store *persistence.Store, retryCfg retry.Config) *Coordinator {
	return &Coordinator{
		registry:   reg,
		correlator: corr,
		queue:      q,
		ctl:        ctl,
		transport:  transport,
		formatter:  formatter,
		store:      store,
		retryCfg:   retryCfg,
	}
}

// Run drains the inbound queue into the child process until ctx is
// cancelled. Exactly one Run must be active: it is the single consumer
// that keeps context switches and their messages contiguous on the PTY.
func (b *Coordinator) Run(ctx context.Context) {
	b.queue.Drain(ctx, b.deliver)
}

// HandleInbound processes one chat event through authorize, resolve,
// arm, and enqueue. Unauthorized events are logged and silently dropped.
func (b *Coordinator) HandleInbound(ev chat.InboundEvent) {
	log := slog.With("eventId", uuid.NewString(), "channel", ev.ChannelID)

	if !b.registry.IsAuthorized(ev.UserID) {
		log.Warn("Dropping event from unauthorized sender", "user", ev.UserID)
		return
	}

	binding := b.registry.Resolve(ev.ChannelID)

	if !b.ctl.IsRunning() {
		log.Warn("Child process not running for inbound event, attempting start")
		b.notify(ev.ChannelID, "The agent is not running. Attempting to start it...")
		if err := b.ctl.Restart(); err != nil {
			log.Error("Child process start failed", "error", err)
			b.notify(ev.ChannelID, "Failed to start the agent. An operator needs to look at this.")
			return
		}
		b.notify(ev.ChannelID, "Agent started.")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Arm before the input can reach the child: the hook may fire the
	// moment the response completes.
	if err := b.correlator.ArmContext(ev.ChannelID); err != nil {
		log.Error("Arming active context failed, dropping event", "error", err)
		return
	}

	// Every item carries its path; whether a switch is actually injected
	// is decided at delivery time against the live child instance.
	item := queue.Item{ChannelID: ev.ChannelID, SwitchPath: binding.Path, Text: ev.Text}

	if err := b.queue.Enqueue(item); err != nil {
		log.Warn("Inbound queue rejected event", "error", err)
		b.notify(ev.ChannelID, "The bridge is overloaded right now; please resend in a moment.")
		return
	}

	if err := b.store.RecordActivity(ev.ChannelID, time.Now()); err != nil {
		log.Warn("Recording channel activity failed", "error", err)
	}

	log.Info("Inbound event enqueued",
		"user", ev.UserID,
		"path", binding.Path,
		"queueDepth", b.queue.Depth(),
	)
}

// deliver writes one queued item to the child. The directory switch and
// the message are sent back-to-back by this single consumer, so no other
// input can land between them. A child found dead mid-delivery is
// restarted once and the whole item is replayed, switch included.
func (b *Coordinator) deliver(item queue.Item) {
	err := b.deliverItem(item)
	if errors.Is(err, procctl.ErrNotRunning) {
		slog.Warn("Child process not running during delivery, restarting")
		if rerr := b.ctl.Restart(); rerr != nil {
			err = fmt.Errorf("restart after dead child: %w", rerr)
		} else {
			err = b.deliverItem(item)
		}
	}
	if err != nil {
		slog.Error("Input delivery failed",
			"channel", item.ChannelID, "error", err)
		b.notify(item.ChannelID, "Delivery to the agent failed; please resend your message.")
	}
}

// deliverItem injects one item, prefixing a directory switch unless this
// exact child instance already received one for the same path. The start
// time comparison covers every restart path (crash auto-restart, lazy
// start, operator restart): a new instance invalidates the cached
// context no matter who started it.
func (b *Coordinator) deliverItem(item queue.Item) error {
	started := b.ctl.StartedAt()

	b.mu.Lock()
	needSwitch := item.SwitchPath != "" &&
		(item.SwitchPath != b.lastContext || !started.Equal(b.lastStart))
	b.mu.Unlock()

	if needSwitch {
		if err := b.ctl.SendInput("cd " + item.SwitchPath); err != nil {
			return fmt.Errorf("context switch: %w", err)
		}
	}
	if err := b.ctl.SendInput(item.Text); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctl.StartedAt().Equal(started) {
		if item.SwitchPath != "" {
			b.lastContext = item.SwitchPath
			b.lastStart = started
		}
	} else {
		// The child restarted between the sends; its directory is
		// unknown, so the next item re-issues the switch.
		b.lastContext = ""
	}
	return nil
}

// HandleCallback processes one hook callback: resolve the destination
// channel, dedup, format, and dispatch. channelID may be empty, in which
// case the durable active context decides.
func (b *Coordinator) HandleCallback(ctx context.Context, channelID, text string) (Outcome, error) {
	if channelID == "" {
		resolved, err := b.correlator.ActiveContext()
		if err != nil {
			if errors.Is(err, correlator.ErrNoContext) {
				return "", ErrCorrelationMiss
			}
			return "", fmt.Errorf("resolve active context: %w", err)
		}
		channelID = resolved
	}

	ok, err := b.correlator.ShouldDispatch(channelID, text)
	if err != nil {
		return "", fmt.Errorf("dedup check: %w", err)
	}
	if !ok {
		slog.Info("Duplicate callback suppressed", "channel", channelID)
		return OutcomeSuppressed, nil
	}

	res := b.formatter.Format(text)
	if err := b.dispatch(ctx, channelID, res); err != nil {
		return "", fmt.Errorf("dispatch to channel %s: %w", channelID, err)
	}

	slog.Info("Callback dispatched", "channel", channelID, "truncated", res.Truncated)
	return OutcomeDispatched, nil
}

// dispatch delivers a formatted result: chunked messages, or a preview
// plus file upload when the output exceeded the message budget.
func (b *Coordinator) dispatch(ctx context.Context, channelID string, res format.Result) error {
	if res.File != nil {
		if err := b.dispatchText(ctx, channelID, res.Text); err != nil {
			return err
		}
		return retry.Do(ctx, b.retryCfg, "upload-file", func(ctx context.Context) error {
			return asPermanentIfClientError(b.transport.UploadFile(ctx, channelID, res.File, res.Filename))
		})
	}

	if len(res.Chunks) > 1 {
		for _, chunk := range res.Chunks {
			if err := b.dispatchText(ctx, channelID, chunk); err != nil {
				return err
			}
		}
		return nil
	}

	return b.dispatchText(ctx, channelID, res.Text)
}

func (b *Coordinator) dispatchText(ctx context.Context, channelID, text string) error {
	return retry.Do(ctx, b.retryCfg, "post-message", func(ctx context.Context) error {
		return asPermanentIfClientError(b.transport.PostMessage(ctx, channelID, text))
	})
}

// asPermanentIfClientError marks 4xx platform responses as permanent so
// they are not retried.
func asPermanentIfClientError(err error) error {
	var statusErr *chat.StatusError
	if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
		return retry.Permanent(err)
	}
	return err
}

// notify posts a best-effort operational note to a channel, outside the
// dedup path.
func (b *Coordinator) notify(channelID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.transport.PostMessage(ctx, channelID, text); err != nil {
		slog.Warn("Channel notification failed", "channel", channelID, "error", err)
	}
}

// QueueDepth reports pending inbound items for status.
func (b *Coordinator) QueueDepth() int {
	return b.queue.Depth()
}

// ActiveContext returns the currently armed channel, or "" when none.
func (b *Coordinator) ActiveContext() string {
	id, err := b.correlator.ActiveContext()
	if err != nil {
		return ""
	}
	return id
}

// LastContextPath returns the working directory last injected into the
// child.
func (b *Coordinator) LastContextPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastContext
}

// ChannelStats summarizes one channel for status reporting.
type ChannelStats struct {
	ChannelID    string    `json:"channelId"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	MessageCount int       `json:"messageCount"`
	LastActivity time.Time `json:"lastActivity,omitzero"`
}

// Stats merges the static channel map with stored activity counters.
func (b *Coordinator) Stats() ([]ChannelStats, error) {
	activity, err := b.store.AllActivity()
	if err != nil {
		return nil, fmt.Errorf("load activity: %w", err)
	}
	byChannel := make(map[string]persistence.ChannelActivity, len(activity))
	for _, a := range activity {
		byChannel[a.ChannelID] = a
	}

	var out []ChannelStats
	for _, binding := range b.registry.Bindings() {
		stats := ChannelStats{
			ChannelID: binding.ChannelID,
			Name:      binding.Name,
			Path:      binding.Path,
		}
		if a, ok := byChannel[binding.ChannelID]; ok {
			stats.MessageCount = a.MessageCount
			stats.LastActivity = a.LastActivity
		}
		out = append(out, stats)
		delete(byChannel, binding.ChannelID)
	}

	// Channels that saw traffic through the default binding.
	for id, a := range byChannel {
		out = append(out, ChannelStats{
			ChannelID:    id,
			Path:         b.registry.Resolve(id).Path,
			MessageCount: a.MessageCount,
			LastActivity: a.LastActivity,
		})
	}
	return out, nil
}

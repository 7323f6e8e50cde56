package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StatusError reports a non-success HTTP status from the chat platform.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat platform returned status %d: %s", e.Code, e.Body)
}

// Config holds chat platform connection settings.
type Config struct {
	// SocketURL is the websocket endpoint delivering inbound events.
	SocketURL string
	// Token authenticates both the socket and the HTTP endpoints.
	Token string
	// PostURL receives outbound messages.
	PostURL string
	// UploadURL receives file uploads.
	UploadURL string

	HTTPTimeout    time.Duration
	ReconnectDelay time.Duration
}

// Client implements the socket-mode subscription and the Transport
// interface over the platform's HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client

	handlerMu sync.RWMutex
	handler   func(InboundEvent)

	// events decouples the handler from the socket read goroutine: acks
	// must keep flowing even while the handler is busy with outbound
	// HTTP, or the platform redelivers envelopes.
	events chan InboundEvent
}

// envelope is the socket-mode frame pushed by the platform. Event frames
// must be acknowledged by envelope ID or the platform redelivers them.
type envelope struct {
	EnvelopeID string        `json:"envelope_id"`
	Type       string        `json:"type"` // hello, event, disconnect
	Event      *eventPayload `json:"event,omitempty"`
}

type eventPayload struct {
	Channel string `json:"channel"`
	User    string `json:"user"`
	Text    string `json:"text"`
	BotID   string `json:"bot_id,omitempty"`
	Subtype string `json:"subtype,omitempty"`
}

type envelopeAck struct {
	EnvelopeID string `json:"envelope_id"`
}

// NewClient creates a chat client. Call OnEvent before Run.
func NewClient(cfg Config) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		events:     make(chan InboundEvent, 64),
	}
}

// OnEvent registers the handler invoked for each inbound event. The
// handler runs on a dispatch goroutine, one event at a time in arrival
// order, never on the connection's read goroutine.
func (c *Client) OnEvent(handler func(InboundEvent)) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()
}

// Run maintains the socket subscription until ctx is cancelled,
// reconnecting with a fixed delay after any connection failure.
func (c *Client) Run(ctx context.Context) error {
	if c.cfg.SocketURL == "" {
		return fmt.Errorf("no socket URL configured")
	}

	go c.dispatchLoop(ctx)

	for {
		err := c.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("Chat socket disconnected, reconnecting",
			"error", err,
			"delay", c.cfg.ReconnectDelay,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// runConn dials once and pumps events until the connection drops or ctx
// is cancelled.
func (c *Client) runConn(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.SocketURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial chat socket (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial chat socket: %w", err)
	}
	defer conn.Close()

	slog.Info("Chat socket connected", "url", c.cfg.SocketURL)

	// Unblock the read loop when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	var writeMu sync.Mutex
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read envelope: %w", err)
		}

		switch env.Type {
		case "hello":
			slog.Debug("Chat socket hello received")
		case "disconnect":
			// The platform asks clients to reconnect (e.g. deploys).
			return fmt.Errorf("server requested disconnect")
		case "event":
			if env.EnvelopeID != "" {
				writeMu.Lock()
				err := conn.WriteJSON(envelopeAck{EnvelopeID: env.EnvelopeID})
				writeMu.Unlock()
				if err != nil {
					return fmt.Errorf("ack envelope: %w", err)
				}
			}
			c.deliver(env.Event)
		default:
			slog.Debug("Ignoring unknown envelope type", "type", env.Type)
		}
	}
}

// deliver filters one event payload and queues it for the dispatch
// goroutine. Bot echoes and empty messages are dropped here so they
// never reach the coordinator. The queue sheds events rather than block
// the read loop when the handler falls too far behind.
func (c *Client) deliver(ev *eventPayload) {
	if ev == nil {
		return
	}
	if ev.BotID != "" || ev.Subtype != "" {
		return
	}
	if strings.TrimSpace(ev.Text) == "" {
		return
	}

	event := InboundEvent{
		ChannelID: ev.Channel,
		UserID:    ev.User,
		Text:      ev.Text,
	}
	select {
	case c.events <- event:
	default:
		slog.Warn("Inbound event buffer full, dropping event", "channel", ev.Channel)
	}
}

// dispatchLoop feeds queued events to the handler, preserving arrival
// order.
func (c *Client) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-c.events:
			c.handlerMu.RLock()
			handler := c.handler
			c.handlerMu.RUnlock()
			if handler != nil {
				handler(event)
			}
		}
	}
}

// PostMessage sends formatted text to a channel via the platform HTTP API.
func (c *Client) PostMessage(ctx context.Context, channelID, text string) error {
	if c.cfg.PostURL == "" {
		return fmt.Errorf("no post URL configured")
	}

	body, err := json.Marshal(map[string]string{
		"channel": channelID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.PostURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	return c.do(req)
}

// UploadFile attaches a file to a channel, used when output exceeds the
// message budget.
func (c *Client) UploadFile(ctx context.Context, channelID string, content []byte, filename string) error {
	if c.cfg.UploadURL == "" {
		return fmt.Errorf("no upload URL configured")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("channel", channelID); err != nil {
		return fmt.Errorf("write channel field: %w", err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create file field: %w", err)
	}
	if _, err := fw.Write(content); err != nil {
		return fmt.Errorf("write file content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalize upload body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadURL, &buf)
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

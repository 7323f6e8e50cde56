// Package procctl owns the single long-lived child process and its
// pseudo-terminal. It exposes start/stop/send/restart, drains terminal
// output into a bounded diagnostic buffer, and recovers from unexpected
// child exits up to a failure budget.
package procctl

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// State describes the controller's view of the child process.
type State string

const (
	// StateStopped means no child is running and none is being recovered.
	StateStopped State = "stopped"
	// StateRunning means a live child owns the PTY.
	StateRunning State = "running"
	// StateDegraded means the failure budget was exhausted; auto-restart
	// is disabled until an explicit Restart.
	StateDegraded State = "degraded"
)

// ErrNotRunning is returned by SendInput when no live child exists.
var ErrNotRunning = errors.New("child process is not running")

// ErrAlreadyRunning is returned by Start when a live child exists.
var ErrAlreadyRunning = errors.New("child process is already running")

// StartupStep is one scripted keystroke sent to the child shortly after
// start, used to dismiss interactive first-run prompts.
type StartupStep struct {
	Input string
	Delay time.Duration
}

// Config holds the child command and supervision settings.
type Config struct {
	Command string
	Args    []string
	WorkDir string
	Env     []string
	Rows    int
	Cols    int

	// SubmitDelay separates the input text from the line-submit key so
	// the child's line editor has settled before Enter arrives.
	SubmitDelay time.Duration
	// StopGrace bounds the wait between SIGINT and SIGKILL.
	StopGrace time.Duration
	// RestartCooldown: exits within this uptime count as rapid failures,
	// and the controller pauses this long before an automatic restart.
	RestartCooldown time.Duration
	// FailureBudget is the number of consecutive rapid exits tolerated
	// before the controller degrades.
	FailureBudget int

	// StartupSequence is replayed after each start.
	StartupSequence []StartupStep

	// BufferSize caps the diagnostic output buffer (0 = 256 KB).
	BufferSize int
	// OnOutput, when set, observes raw terminal output chunks.
	OnOutput func([]byte)
}

// Controller manages the single child process. At most one live child
// exists at any time; writes to its input are serialized internally.
type Controller struct {
	cfg Config

	mu          sync.Mutex
	writeMu     sync.Mutex
	cmd         *exec.Cmd
	ptmx        *os.File
	state       State
	stopping    bool
	failures    int
	gen         uint64
	done        chan struct{}
	startedAt   time.Time
	lastRestart time.Time

	output *outputBuffer
}

// New creates a controller. The child is not started until Start.
func New(cfg Config) *Controller {
	if cfg.Rows <= 0 {
		cfg.Rows = 24
	}
	if cfg.Cols <= 0 {
		cfg.Cols = 80
	}
	if cfg.SubmitDelay <= 0 {
		cfg.SubmitDelay = 100 * time.Millisecond
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = 5 * time.Second
	}
	if cfg.FailureBudget <= 0 {
		cfg.FailureBudget = 3
	}
	return &Controller{
		cfg:    cfg,
		state:  StateStopped,
		output: newOutputBuffer(cfg.BufferSize),
	}
}

// Start spawns the child on a fresh PTY and begins draining its output.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked()
}

func (c *Controller) startLocked() error {
	if c.state == StateRunning {
		return ErrAlreadyRunning
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.WorkDir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(c.cfg.Rows),
		Cols: uint16(c.cfg.Cols),
	})
	if err != nil {
		return fmt.Errorf("start child %s: %w", c.cfg.Command, err)
	}

	c.gen++
	gen := c.gen
	done := make(chan struct{})

	c.cmd = cmd
	c.ptmx = ptmx
	c.state = StateRunning
	c.stopping = false
	c.done = done
	c.startedAt = time.Now()

	slog.Info("Child process started",
		"command", c.cfg.Command,
		"pid", cmd.Process.Pid,
		"workDir", c.cfg.WorkDir,
	)

	go c.drain(gen, cmd, ptmx, done)
	if len(c.cfg.StartupSequence) > 0 {
		go c.playStartupSequence(gen, ptmx)
	}
	return nil
}

// drain continuously copies terminal output into the diagnostic buffer
// until the PTY reaches end-of-stream, then reaps the child and hands off
// to exit handling.
func (c *Controller) drain(gen uint64, cmd *exec.Cmd, ptmx *os.File, done chan struct{}) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			_, _ = c.output.Write(buf[:n])
			if c.cfg.OnOutput != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				c.cfg.OnOutput(chunk)
			}
		}
		if err != nil {
			break
		}
	}

	err := cmd.Wait()
	_ = ptmx.Close()

	c.mu.Lock()
	if c.gen != gen {
		// A newer handle superseded this one.
		c.mu.Unlock()
		close(done)
		return
	}
	deliberate := c.stopping
	uptime := time.Since(c.startedAt)
	c.state = StateStopped
	c.cmd = nil
	c.ptmx = nil
	c.mu.Unlock()
	close(done)

	if deliberate {
		return
	}

	slog.Warn("Child process exited unexpectedly", "error", err, "uptime", uptime.Round(time.Millisecond))
	go c.autoRestart(gen, uptime)
}

// autoRestart performs the single automatic recovery attempt for one
// observed exit, degrading once the failure budget is exhausted.
func (c *Controller) autoRestart(gen uint64, uptime time.Duration) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateStopped {
		c.mu.Unlock()
		return
	}
	if uptime < c.cfg.RestartCooldown {
		c.failures++
	} else {
		c.failures = 0
	}
	if c.failures >= c.cfg.FailureBudget {
		c.state = StateDegraded
		failures := c.failures
		c.mu.Unlock()
		slog.Error("Child process failure budget exhausted, controller degraded",
			"consecutiveFailures", failures,
		)
		return
	}
	rapid := c.failures > 0
	c.mu.Unlock()

	if rapid {
		time.Sleep(c.cfg.RestartCooldown)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != StateStopped {
		// An operator restart won the race.
		return
	}
	c.lastRestart = time.Now()
	if err := c.startLocked(); err != nil {
		c.state = StateDegraded
		slog.Error("Automatic child restart failed, controller degraded", "error", err)
		return
	}
	slog.Info("Child process automatically restarted")
}

// playStartupSequence replays the configured first-run keystrokes. Writes
// go through the PTY directly: the sequence runs before any queued input
// is delivered and must not append line submits of its own.
func (c *Controller) playStartupSequence(gen uint64, ptmx *os.File) {
	for _, step := range c.cfg.StartupSequence {
		if step.Delay > 0 {
			time.Sleep(step.Delay)
		}
		c.mu.Lock()
		stale := c.gen != gen || c.state != StateRunning
		c.mu.Unlock()
		if stale {
			return
		}
		if _, err := ptmx.WriteString(step.Input); err != nil {
			slog.Warn("Startup sequence write failed", "error", err)
			return
		}
	}
}

// SendInput writes text followed by the line-submit key to the child's
// terminal. Calls are serialized; callers composing a context switch with
// a message must still deliver both through one queue consumer so no
// other input interleaves between them.
func (c *Controller) SendInput(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.state != StateRunning || c.ptmx == nil {
		c.mu.Unlock()
		return ErrNotRunning
	}
	ptmx := c.ptmx
	c.mu.Unlock()

	if _, err := ptmx.WriteString(text); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	time.Sleep(c.cfg.SubmitDelay)
	if _, err := ptmx.WriteString("\r"); err != nil {
		return fmt.Errorf("submit input: %w", err)
	}
	return nil
}

// Stop terminates the child. Graceful sends SIGINT and escalates to
// SIGKILL after the grace period; otherwise SIGKILL immediately. Stop on
// a stopped controller also cancels any auto-restart still waiting out
// its cooldown, so a recent crash cannot respawn the child after
// shutdown.
func (c *Controller) Stop(graceful bool) {
	c.mu.Lock()
	if c.state != StateRunning || c.cmd == nil {
		c.gen++
		c.mu.Unlock()
		return
	}
	c.stopping = true
	cmd := c.cmd
	done := c.done
	c.mu.Unlock()

	if graceful {
		_ = cmd.Process.Signal(syscall.SIGINT)
		select {
		case <-done:
			return
		case <-time.After(c.cfg.StopGrace):
		}
	}

	_ = cmd.Process.Kill()
	<-done
}

// Restart stops any live child and starts a fresh one with the original
// command, working directory, and environment. It clears a degraded state
// and resets the failure budget; this is the operator escape hatch.
func (c *Controller) Restart() error {
	c.Stop(true)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	if c.state == StateDegraded {
		c.state = StateStopped
	}
	c.lastRestart = time.Now()
	return c.startLocked()
}

// IsRunning reports whether a live child owns the PTY.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRunning
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartedAt returns when the current child was started (zero if none).
func (c *Controller) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// LastRestart returns the time of the most recent restart, automatic or
// operator-triggered (zero if the child has never been restarted).
func (c *Controller) LastRestart() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRestart
}

// Pid returns the child's process ID, or 0 when not running.
func (c *Controller) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning || c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Output returns a snapshot of recent terminal output for diagnostics.
func (c *Controller) Output() []byte {
	return c.output.Snapshot()
}

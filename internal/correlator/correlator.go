// Package correlator attributes asynchronous hook callbacks to the
// channel that caused them and suppresses duplicate deliveries.
//
// The child's hook mechanism fires as a separate process with no direct
// call-graph connection to the bridge, so correlation happens through a
// durable side record: the bridge writes the active channel to a state
// file immediately before delivering input, and the hook reads that file
// independently when the response completes.
package correlator

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/workspace/chat-bridge/internal/persistence"
)

// ErrNoContext is returned when a callback arrives and no active context
// was ever recorded. The callback must be dropped, never routed to a
// guessed destination.
var ErrNoContext = errors.New("no active context recorded")

// Correlator owns the active-context state file and the dedup decision.
// Fingerprints are scoped per channel so concurrent channels cannot
// suppress each other's responses.
type Correlator struct {
	statePath string
	store     *persistence.Store
	retention time.Duration

	mu      sync.Mutex
	current string
}

// New creates a correlator. statePath is the file the external hook
// process reads; retention bounds how long a fingerprint suppresses
// repeats.
func New(statePath string, store *persistence.Store, retention time.Duration) *Correlator {
	if retention <= 0 {
		retention = 60 * time.Second
	}
	return &Correlator{
		statePath: statePath,
		store:     store,
		retention: retention,
	}
}

// ArmContext durably records channelID as the active context. The write
// is atomic (temp file + rename) because the hook may read it at any
// moment from another process. Must be called strictly before the
// corresponding input reaches the child.
func (c *Correlator) ArmContext(channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Dir(c.statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".current_channel-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(channelID); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpName, c.statePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit state file: %w", err)
	}

	c.current = channelID
	return nil
}

// ActiveContext returns the channel recorded by the last ArmContext. It
// reads the durable file rather than memory so the answer survives a
// bridge restart with responses still in flight.
func (c *Correlator) ActiveContext() (string, error) {
	data, err := os.ReadFile(c.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoContext
		}
		return "", fmt.Errorf("read state file: %w", err)
	}
	channelID := strings.TrimSpace(string(data))
	if channelID == "" {
		return "", ErrNoContext
	}
	return channelID, nil
}

// ShouldDispatch decides whether a callback payload for a channel is new
// (dispatch) or a repeat within the retention window (suppress). A true
// result records the fingerprint so the next identical payload is
// suppressed.
func (c *Correlator) ShouldDispatch(channelID, text string) (bool, error) {
	fp := Fingerprint(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	last, err := c.store.LastDispatch(channelID)
	if err != nil {
		return false, fmt.Errorf("load last dispatch: %w", err)
	}
	now := time.Now()
	if last != nil && last.Fingerprint == fp && now.Sub(last.DispatchedAt) < c.retention {
		return false, nil
	}

	if err := c.store.RecordDispatch(channelID, fp, now); err != nil {
		return false, fmt.Errorf("record dispatch: %w", err)
	}
	return true, nil
}

// Fingerprint returns the content hash used for dedup. The hook binary
// uses the same function for its own local suppression state.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

package correlator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/chat-bridge/internal/persistence"
)

func newTestCorrelator(t *testing.T, retention time.Duration) *Correlator {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(filepath.Join(dir, "state", "current_channel"), store, retention)
}

func TestArmContext_RoundTrip(t *testing.T) {
	c := newTestCorrelator(t, time.Minute)

	_, err := c.ActiveContext()
	assert.ErrorIs(t, err, ErrNoContext)

	require.NoError(t, c.ArmContext("C01"))
	got, err := c.ActiveContext()
	require.NoError(t, err)
	assert.Equal(t, "C01", got)

	// Re-arming replaces the record.
	require.NoError(t, c.ArmContext("C02"))
	got, err = c.ActiveContext()
	require.NoError(t, err)
	assert.Equal(t, "C02", got)
}

func TestArmContext_ReadableByOtherProcess(t *testing.T) {
	c := newTestCorrelator(t, time.Minute)
	require.NoError(t, c.ArmContext("C07"))

	// The hook reads the file directly; it must contain exactly the
	// channel ID.
	data, err := os.ReadFile(c.statePath)
	require.NoError(t, err)
	assert.Equal(t, "C07", string(data))
}

func TestShouldDispatch_SuppressesRepeat(t *testing.T) {
	c := newTestCorrelator(t, time.Minute)

	ok, err := c.ShouldDispatch("C01", "hi")
	require.NoError(t, err)
	assert.True(t, ok, "first delivery dispatches")

	ok, err = c.ShouldDispatch("C01", "hi")
	require.NoError(t, err)
	assert.False(t, ok, "identical payload within retention suppresses")

	ok, err = c.ShouldDispatch("C01", "different")
	require.NoError(t, err)
	assert.True(t, ok, "new payload dispatches")

	// The earlier fingerprint was replaced, so the original payload
	// dispatches again.
	ok, err = c.ShouldDispatch("C01", "hi")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShouldDispatch_PerChannelScope(t *testing.T) {
	c := newTestCorrelator(t, time.Minute)

	ok, err := c.ShouldDispatch("C01", "same text")
	require.NoError(t, err)
	assert.True(t, ok)

	// The same payload on another channel is not a duplicate.
	ok, err = c.ShouldDispatch("C02", "same text")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShouldDispatch_RetentionExpiry(t *testing.T) {
	c := newTestCorrelator(t, 50*time.Millisecond)

	ok, err := c.ShouldDispatch("C01", "hi")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(80 * time.Millisecond)

	ok, err = c.ShouldDispatch("C01", "hi")
	require.NoError(t, err)
	assert.True(t, ok, "fingerprint past retention no longer suppresses")
}

func TestFingerprint_Stable(t *testing.T) {
	assert.Equal(t, Fingerprint("abc"), Fingerprint("abc"))
	assert.NotEqual(t, Fingerprint("abc"), Fingerprint("abd"))
	assert.Len(t, Fingerprint(""), 64)
}

package procctl

import "sync"

// outputBuffer is a fixed-size circular buffer holding the most recent
// terminal output from the child. It exists for diagnostics only:
// responses are never extracted from the terminal stream. Oldest data is
// overwritten when full. Safe for concurrent use.
type outputBuffer struct {
	buf      []byte
	capacity int
	writePos int   // next position to write at, wraps at capacity
	written  int64 // total bytes ever written, used to detect wrap-around
	mu       sync.Mutex
}

func newOutputBuffer(capacity int) *outputBuffer {
	if capacity <= 0 {
		capacity = 262144 // 256 KB default
	}
	return &outputBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends data, overwriting the oldest bytes if full. Implements
// io.Writer.
func (b *outputBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)

	// Input larger than capacity: keep only the last capacity bytes.
	if n >= b.capacity {
		copy(b.buf, p[n-b.capacity:])
		b.writePos = 0
		b.written += int64(n)
		return n, nil
	}

	firstChunk := b.capacity - b.writePos
	if firstChunk >= n {
		copy(b.buf[b.writePos:], p)
	} else {
		copy(b.buf[b.writePos:], p[:firstChunk])
		copy(b.buf, p[firstChunk:])
	}

	b.writePos = (b.writePos + n) % b.capacity
	b.written += int64(n)
	return n, nil
}

// Snapshot returns a linearized copy of the buffered data, oldest first.
func (b *outputBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	length := b.length()
	if length == 0 {
		return nil
	}

	result := make([]byte, length)
	if b.written <= int64(b.capacity) {
		copy(result, b.buf[:length])
	} else {
		tailLen := b.capacity - b.writePos
		copy(result, b.buf[b.writePos:])
		copy(result[tailLen:], b.buf[:b.writePos])
	}
	return result
}

// Len returns the number of bytes currently stored.
func (b *outputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length()
}

func (b *outputBuffer) length() int {
	if b.written <= int64(b.capacity) {
		return int(b.written)
	}
	return b.capacity
}

// Reset clears the buffer.
func (b *outputBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writePos = 0
	b.written = 0
}

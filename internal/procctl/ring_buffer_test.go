package procctl

import (
	"bytes"
	"sync"
	"testing"
)

func TestOutputBuffer_WriteUnderCapacity(t *testing.T) {
	b := newOutputBuffer(64)
	data := []byte("hello world")
	n, err := b.Write(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(data) {
		t.Fatalf("expected %d bytes written, got %d", len(data), n)
	}
	if b.Len() != len(data) {
		t.Fatalf("expected len %d, got %d", len(data), b.Len())
	}
	if got := b.Snapshot(); !bytes.Equal(got, data) {
		t.Fatalf("expected %q, got %q", data, got)
	}
}

func TestOutputBuffer_WrapAround(t *testing.T) {
	b := newOutputBuffer(8)
	b.Write([]byte("abcdef"))
	b.Write([]byte("ghijk"))

	if b.Len() != 8 {
		t.Fatalf("expected len 8, got %d", b.Len())
	}
	expected := []byte("defghijk")
	if got := b.Snapshot(); !bytes.Equal(got, expected) {
		t.Fatalf("expected %q, got %q", expected, got)
	}
}

func TestOutputBuffer_WriteLargerThanCapacity(t *testing.T) {
	b := newOutputBuffer(4)
	b.Write([]byte("abcdefghij"))
	expected := []byte("ghij")
	if got := b.Snapshot(); !bytes.Equal(got, expected) {
		t.Fatalf("expected %q, got %q", expected, got)
	}
}

func TestOutputBuffer_Reset(t *testing.T) {
	b := newOutputBuffer(16)
	b.Write([]byte("some data"))
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer after reset, got %d", b.Len())
	}
	if got := b.Snapshot(); got != nil {
		t.Fatalf("expected nil snapshot, got %q", got)
	}
}

func TestOutputBuffer_ConcurrentWrites(t *testing.T) {
	b := newOutputBuffer(1024)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Write([]byte("0123456789"))
			}
		}()
	}
	wg.Wait()
	if b.Len() != 1024 {
		t.Fatalf("expected full buffer, got %d", b.Len())
	}
}

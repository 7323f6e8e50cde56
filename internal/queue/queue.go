// Package queue serializes concurrent inbound chat events into a single
// ordered stream for delivery to the child process.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrFull is returned by Enqueue when the configured high-water mark is
// reached. A zero limit disables the check.
var ErrFull = errors.New("inbound queue is full")

// Item is one unit of input awaiting delivery. When SwitchPath is set the
// consumer injects a directory change before the message; keeping both in
// one item guarantees no other input interleaves between them.
type Item struct {
	ChannelID  string
	SwitchPath string
	Text       string
	EnqueuedAt time.Time
}

// Queue is a FIFO of inbound items. Enqueue may be called from any
// goroutine; Drain must be run by exactly one consumer.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	signal   chan struct{}
	delay    time.Duration
	maxDepth int
}

// New creates a queue. delay enforces minimum spacing between deliveries
// to coalesce bursts; maxDepth above zero rejects enqueues past the mark.
func New(delay time.Duration, maxDepth int) *Queue {
	return &Queue{
		signal:   make(chan struct{}, 1),
		delay:    delay,
		maxDepth: maxDepth,
	}
}

// Enqueue appends an item to the tail.
func (q *Queue) Enqueue(item Item) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if q.maxDepth > 0 && len(q.items) >= q.maxDepth {
		q.mu.Unlock()
		return ErrFull
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Depth returns the number of items awaiting delivery.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain delivers items in FIFO order until ctx is cancelled. Each item is
// consumed exactly once. The configured delay is applied after every
// delivery.
func (q *Queue) Drain(ctx context.Context, deliver func(Item)) {
	for {
		item, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.signal:
				continue
			}
		}

		deliver(item)

		if q.delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.delay):
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

func (q *Queue) pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

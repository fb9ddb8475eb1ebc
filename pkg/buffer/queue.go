// Package buffer provides the bounded outbound queue used per peer
package buffer

import (
	"context"
	"sync"

	"github.com/c360/jsonrpcbus/errors"
)

// OverflowPolicy defines how the queue behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the queue is full.
	DropNewest

	// Block makes Write wait until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the queue lock, with each item dropped by the overflow policy.
type DropCallback[T any] func(item T)

// Option configures a Queue
type Option[T any] func(*Queue[T])

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(q *Queue[T]) {
		q.policy = policy
	}
}

// WithDropCallback sets a callback invoked for every dropped item
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(q *Queue[T]) {
		q.onDrop = callback
	}
}

// Queue is a thread-safe bounded FIFO. Producers Write; a single consumer
// waits on Ready and drains with ReadBatch.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	policy OverflowPolicy
	onDrop DropCallback[T]
	stats  *Statistics

	ready chan struct{} // signaled when items become available
	space chan struct{} // signaled when items are read
	done  chan struct{} // closed by Close
}

// New creates a queue holding at most capacity items (minimum 1)
func New[T any](capacity int, opts ...Option[T]) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		policy:   DropOldest,
		stats:    NewStatistics(),
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) push(item T) {
	q.items[q.head] = item
	q.head = (q.head + 1) % q.capacity
	q.size++
	q.stats.write(q.size)
}

// Write adds an item according to the overflow policy. With Block it waits
// without a deadline; use WriteContext to bound the wait.
func (q *Queue[T]) Write(item T) error {
	return q.WriteContext(context.Background(), item)
}

// WriteContext adds an item; with the Block policy it waits for space until ctx ends.
func (q *Queue[T]) WriteContext(ctx context.Context, item T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return errors.WrapInvalid(errors.ErrPeerClosed, "Queue", "Write", "enqueue")
		}

		if q.size < q.capacity {
			q.push(item)
			q.mu.Unlock()
			signal(q.ready)
			return nil
		}

		switch q.policy {
		case DropOldest:
			var zero T
			dropped := q.items[q.tail]
			q.items[q.tail] = zero
			q.tail = (q.tail + 1) % q.capacity
			q.size--
			q.stats.drop()
			q.push(item)
			q.mu.Unlock()
			signal(q.ready)
			if q.onDrop != nil {
				q.onDrop(dropped)
			}
			return nil

		case DropNewest:
			q.stats.drop()
			q.mu.Unlock()
			if q.onDrop != nil {
				q.onDrop(item)
			}
			return nil
		}

		// Block
		q.mu.Unlock()
		select {
		case <-q.space:
		case <-q.done:
		case <-ctx.Done():
			return errors.WrapTransient(errors.ErrQueueFull, "Queue", "Write", "wait for space")
		}
	}
}

// Read removes and returns the oldest item
func (q *Queue[T]) Read() (T, bool) {
	items := q.ReadBatch(1)
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[0], true
}

// ReadBatch removes and returns up to max items in FIFO order
func (q *Queue[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	q.mu.Lock()
	if q.size == 0 {
		q.mu.Unlock()
		return nil
	}

	n := max
	if n > q.size {
		n = q.size
	}
	out := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		out[i] = q.items[q.tail]
		q.items[q.tail] = zero
		q.tail = (q.tail + 1) % q.capacity
		q.size--
	}
	q.stats.read(n)
	remaining := q.size
	q.mu.Unlock()

	signal(q.space)
	if remaining > 0 {
		signal(q.ready)
	}
	return out
}

// Ready is signaled after a Write; the consumer drains with ReadBatch until it returns nil.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Done is closed by Close
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Capacity returns the maximum number of queued items
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// Stats returns the queue's counters
func (q *Queue[T]) Stats() *Statistics {
	return q.stats
}

// Close rejects further writes and wakes blocked writers. Queued items can
// still be read. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed reports whether Close was called
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

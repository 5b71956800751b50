package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

const (
	// DefaultCapacity is the per-subscriber buffer used when none is given.
	DefaultCapacity = 512
)

// ErrClosed is returned by Pop once a closed queue has been drained.
var ErrClosed = errors.New("eventbus: queue closed")

// Queue is a bounded FIFO with a drop-oldest overflow policy. Push never
// blocks; when the queue is full the oldest element is evicted to make room.
// A Queue is meant to be drained by a single consumer.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	size  int

	ready  chan struct{}
	done   chan struct{}
	closed bool

	dropped atomic.Uint64
}

// NewQueue returns an empty queue holding at most capacity elements.
// A capacity <= 0 falls back to DefaultCapacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{
		items: make([]T, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends v. It reports whether an older element was evicted. Pushing
// to a closed queue is a no-op.
func (q *Queue[T]) Push(v T) (evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	capacity := len(q.items)
	if q.size == capacity {
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % capacity
		q.size--
		evicted = true
	}

	q.items[(q.head+q.size)%capacity] = v
	q.size++
	q.mu.Unlock()

	if evicted {
		q.dropped.Add(1)
	}

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return evicted
}

// TryPop removes and returns the oldest element without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.size == 0 {
		return zero, false
	}

	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--

	return v, true
}

// Pop waits for the next element. It returns ctx.Err() when ctx is done and
// ErrClosed once the queue is closed and empty.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryPop(); ok {
			return v, nil
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.done:
			if v, ok := q.TryPop(); ok {
				return v, nil
			}
			var zero T
			return zero, ErrClosed
		case <-q.ready:
		}
	}
}

// Ready is signalled after a Push. A receive does not guarantee an element
// is still present; follow it with TryPop.
func (q *Queue[T]) Ready() <-chan struct{} { return q.ready }

// Done is closed by Close.
func (q *Queue[T]) Done() <-chan struct{} { return q.done }

// Close stops accepting new elements. Elements already queued can still be
// popped. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue[T]) Cap() int { return len(q.items) }

// Dropped is the number of elements evicted by Push since creation.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }

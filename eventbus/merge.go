package eventbus

import (
	"context"
	"iter"
	"reflect"
)

// Merged fans in several queues. Next returns from whichever queue has an
// element first and only blocks when all of them are empty. The scan start
// rotates after every hit so a busy queue cannot starve a quiet one.
type Merged[T any] struct {
	queues []*Queue[T]
	next   int
}

// Merge combines queues into a single consumer view. The queues stay owned by
// their creators; Merged never closes them.
func Merge[T any](queues ...*Queue[T]) *Merged[T] {
	return &Merged[T]{queues: queues}
}

// MergeSubscriptions is Merge over the queues of subs.
func MergeSubscriptions[T any](subs ...*Subscription[T]) *Merged[T] {
	queues := make([]*Queue[T], len(subs))
	for i, s := range subs {
		queues[i] = s.Queue()
	}
	return Merge(queues...)
}

// Next returns the next element from any queue. It returns ErrClosed once
// every queue is closed and drained.
func (m *Merged[T]) Next(ctx context.Context) (T, error) {
	var zero T

	for {
		n := len(m.queues)
		for i := 0; i < n; i++ {
			idx := (m.next + i) % n
			if v, ok := m.queues[idx].TryPop(); ok {
				m.next = (idx + 1) % n
				return v, nil
			}
		}

		cases := make([]reflect.SelectCase, 0, 2*n+1)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

		open := 0
		for _, q := range m.queues {
			if isClosed(q) {
				continue
			}
			open++
			cases = append(cases,
				reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(q.Ready())},
				reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(q.Done())},
			)
		}

		if open == 0 {
			// Everything closed; one last sweep for elements pushed before Close.
			for _, q := range m.queues {
				if v, ok := q.TryPop(); ok {
					return v, nil
				}
			}
			return zero, ErrClosed
		}

		if chosen, _, _ := reflect.Select(cases); chosen == 0 {
			return zero, ctx.Err()
		}
	}
}

// All yields merged elements until ctx is done or every queue is closed.
func (m *Merged[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := m.Next(ctx)
			if err != nil {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

func isClosed[T any](q *Queue[T]) bool {
	select {
	case <-q.Done():
		return true
	default:
		return false
	}
}

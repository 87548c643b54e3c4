// Package queue provides a bounded multi-producer/multi-consumer queue with
// blocking, timed and non-blocking operations.
package queue

import (
	"context"
	"time"
)

// DefaultSize is the capacity used when New is given a non-positive size.
const DefaultSize = 1000

// Queue is a bounded FIFO queue safe for concurrent use.
type Queue[T any] struct {
	items chan T
}

// New returns a queue holding at most size items.
func New[T any](size int) *Queue[T] {
	if size <= 0 {
		size = DefaultSize
	}
	return &Queue[T]{items: make(chan T, size)}
}

// Put blocks until there is room for v or ctx is done.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	select {
	case q.items <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut adds v if there is room and reports whether it did.
func (q *Queue[T]) TryPut(v T) bool {
	select {
	case q.items <- v:
		return true
	default:
		return false
	}
}

// Take blocks until an item is available or ctx is done.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	select {
	case v := <-q.items:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TakeTimeout waits at most d for an item. ok is false on timeout.
func (q *Queue[T]) TakeTimeout(d time.Duration) (v T, ok bool) {
	select {
	case v = <-q.items:
		return v, true
	default:
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case v = <-q.items:
		return v, true
	case <-t.C:
		return v, false
	}
}

// Drain removes every queued item and returns them in FIFO order.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		select {
		case v := <-q.items:
			out = append(out, v)
		default:
			return out
		}
	}
}

// Clear discards every queued item and returns how many were dropped.
func (q *Queue[T]) Clear() int { return len(q.Drain()) }

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.items) }

// Package queue provides the unbounded FIFO used to hand values between the
// capture callback, the transcription worker and transcript consumers.
//
// No operation blocks: producers append under a short critical section and
// consumers take whatever is present. The queue never drops values, so a
// consumer that falls behind lets it grow without limit.
package queue

import (
	"sync"

	list "github.com/bahlo/generic-list-go"
)

// Queue is an unbounded, order-preserving, goroutine-safe FIFO.
type Queue[T any] struct {
	mu    sync.Mutex
	items *list.List[T]
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{items: list.New[T]()}
}

// Push appends v at the tail.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items.PushBack(v)
	q.mu.Unlock()
}

// TryPop removes and returns the head, or reports false when empty.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		var zero T
		return zero, false
	}
	return q.items.Remove(front), true
}

// Drain removes every queued value in one step and returns them oldest first.
// It returns nil when the queue is empty.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil
	}
	out := make([]T, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}
	q.items.Init()
	return out
}

// Clear discards all queued values and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.items.Len()
	q.items.Init()
	return n
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

package signal

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO whose push never blocks. A single consumer drains it.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{notify: make(chan struct{}, 1)}
}

func (q *queue[T]) push(item T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wake()
}

// close stops accepting items. Items already queued are still drained.
func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain removes every queued item. closed reports that no further items will arrive.
func (q *queue[T]) drain() (items []T, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, q.items = q.items, nil
	return items, q.closed
}

// wait blocks until items may be available or ctx ends.
func (q *queue[T]) wait(ctx context.Context) bool {
	select {
	case <-q.notify:
		return true
	case <-ctx.Done():
		return false
	}
}

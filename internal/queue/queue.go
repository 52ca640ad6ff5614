package queue

import (
	"sync"
)

// Queue is a generic thread-safe FIFO with an optional capacity.
// When the capacity is reached, Push drops the oldest items so the newest are always kept.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	limit int
}

// New creates a new empty queue. A limit <= 0 means unbounded.
func New[T any](limit int) *Queue[T] {
	return &Queue[T]{
		items: make([]T, 0),
		limit: limit,
	}
}

// Push appends items to the queue and returns how many old items were dropped to make room.
func (q *Queue[T]) Push(items ...T) (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
	if q.limit > 0 && len(q.items) > q.limit {
		dropped = len(q.items) - q.limit
		// copy into a fresh slice so the dropped prefix can be collected
		kept := make([]T, q.limit, q.limit+1)
		copy(kept, q.items[dropped:])
		q.items = kept
	}
	return dropped
}

// Replace discards everything queued and leaves only v.
func (q *Queue[T]) Replace(v T) (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped = len(q.items)
	q.items = append(q.items[:0], v)
	return dropped
}

// Pop removes and returns the first item. Returns zero value if empty.
func (q *Queue[T]) Pop() T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

// Empty returns true if the queue has no items.
func (q *Queue[T]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Len returns the number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Limit returns the configured capacity, 0 when unbounded.
func (q *Queue[T]) Limit() int {
	return q.limit
}

// Snapshot returns a copy of the queued items without removing them.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Clear removes all items from the queue.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}

// GetAndEmpty returns all items and clears the queue.
func (q *Queue[T]) GetAndEmpty() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := q.items
	q.items = make([]T, 0, cap(q.items))
	return result
}

// Package queue provides the FIFO lanes used for outbound and broadcast delivery.
package queue

import (
	"errors"
	"sync"
)

// Errors
var (
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
)

// Ring is a thread-safe FIFO that doubles its backing array when it
// reaches 70% full, up to an optional hard limit.
type Ring[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	limit    int // 0 = unbounded
	closed   bool

	// Stats
	pushed      int64
	popped      int64
	rejected    int64
	resizeCount int
}

// NewRing creates a ring with the given initial capacity.
// limit caps the number of queued items; 0 means unbounded.
func NewRing[T any](initialCapacity, limit int) *Ring[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &Ring[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		limit:    limit,
	}
}

// Push appends an item.
func (r *Ring[T]) Push(item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.rejected++
		return ErrClosed
	}
	if r.limit > 0 && r.count >= r.limit {
		r.rejected++
		return ErrFull
	}

	threshold := (r.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if r.count+1 >= threshold {
		r.grow()
	}

	r.buf[r.tail] = item
	r.tail = (r.tail + 1) % r.capacity
	r.count++
	r.pushed++
	return nil
}

// TryPop removes the oldest item without blocking.
func (r *Ring[T]) TryPop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.popLocked(), true
}

// DrainTo removes up to max items (all when max <= 0) in FIFO order.
func (r *Ring[T]) DrainTo(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}

	n := r.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = r.popLocked()
	}
	return result
}

// Close rejects further pushes. Queued items remain drainable.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Clear drops every queued item and returns how many were dropped.
func (r *Ring[T]) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.count
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.tail, r.count = 0, 0, 0
	return n
}

// Len returns the number of queued items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Stats returns ring statistics.
func (r *Ring[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Count:       r.count,
		Capacity:    r.capacity,
		Pushed:      r.pushed,
		Popped:      r.popped,
		Rejected:    r.rejected,
		ResizeCount: r.resizeCount,
	}
}

// Stats contains ring statistics.
type Stats struct {
	Count       int
	Capacity    int
	Pushed      int64
	Popped      int64
	Rejected    int64
	ResizeCount int
}

// popLocked removes the head item. Must be called with lock held and count > 0.
func (r *Ring[T]) popLocked() T {
	item := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero // Clear reference for GC
	r.head = (r.head + 1) % r.capacity
	r.count--
	r.popped++
	return item
}

// grow doubles the capacity. Must be called with lock held.
func (r *Ring[T]) grow() {
	newCapacity := r.capacity * 2
	newBuf := make([]T, newCapacity)

	if r.count > 0 {
		if r.head < r.tail {
			copy(newBuf, r.buf[r.head:r.tail])
		} else {
			n := copy(newBuf, r.buf[r.head:])
			copy(newBuf[n:], r.buf[:r.tail])
		}
	}

	r.buf = newBuf
	r.head = 0
	r.tail = r.count
	r.capacity = newCapacity
	r.resizeCount++
}

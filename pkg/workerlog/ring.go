package workerlog

import "sync"

// DefaultHistory is the number of entries a worker keeps when no capacity is configured.
const DefaultHistory = 10

// Ring is a fixed-capacity FIFO buffer. When full, Append evicts the oldest
// element. It is safe for concurrent use.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	head  int // index of the oldest element
	n     int
}

// NewRing creates a ring holding at most capacity elements.
// A non-positive capacity falls back to DefaultHistory.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultHistory
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Append adds v, evicting the oldest element if the ring is full.
func (r *Ring[T]) Append(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := len(r.items)
	if r.n < c {
		r.items[(r.head+r.n)%c] = v
		r.n++
		return
	}
	r.items[r.head] = v
	r.head = (r.head + 1) % c
}

// Snapshot returns the elements oldest-first. The returned slice is a copy.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.n)
	c := len(r.items)
	for i := range out {
		out[i] = r.items[(r.head+i)%c]
	}
	return out
}

// Len returns the number of elements currently held.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Cap returns the ring's capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

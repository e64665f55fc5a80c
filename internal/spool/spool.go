// Package spool buffers flushed batches between the aggregator and the
// drain surface.
package spool

import "sync"

// Spool is a bounded FIFO. When full, pushing evicts the oldest entry and
// counts the eviction.
type Spool[T any] struct {
	capacity int

	mu struct {
		sync.Mutex
		items   []T
		dropped uint64
	}
}

// New returns a spool holding up to capacity entries. Capacities below one
// are treated as one.
func New[T any](capacity int) *Spool[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Spool[T]{capacity: capacity}
}

// Push appends item, evicting the oldest entry if the spool is full.
func (s *Spool[T]) Push(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mu.items) >= s.capacity {
		copy(s.mu.items, s.mu.items[1:])
		s.mu.items = s.mu.items[:len(s.mu.items)-1]
		s.mu.dropped++
	}
	s.mu.items = append(s.mu.items, item)
}

// PopAll empties the spool and returns its contents in arrival order.
func (s *Spool[T]) PopAll() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.mu.items
	s.mu.items = nil
	return items
}

// Len returns the number of spooled entries.
func (s *Spool[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mu.items)
}

// Dropped returns how many entries were evicted since creation.
func (s *Spool[T]) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.dropped
}

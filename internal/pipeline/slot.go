package pipeline

import (
	"context"
	"sync"
)

// Slot is a single-value hand-off between one producer and one consumer.
// Put never blocks: a value the consumer has not taken yet is overwritten.
// Occupancy never exceeds one.
type Slot[T any] struct {
	mu     sync.Mutex
	value  T
	full   bool
	closed bool
	ready  chan struct{}
}

func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{ready: make(chan struct{}, 1)}
}

// Put stores v. It reports whether an untaken value was overwritten, and
// whether the slot is still open; a closed slot discards v.
func (s *Slot[T]) Put(v T) (dropped bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	dropped = s.full
	s.value = v
	s.full = true
	select {
	case s.ready <- struct{}{}:
	default:
	}
	return dropped, true
}

// Take blocks until a value is available, the slot is closed, or ctx is done.
// The second result is false in the latter two cases.
func (s *Slot[T]) Take(ctx context.Context) (T, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			var zero T
			return zero, false
		}
		if s.full {
			v := s.value
			var zero T
			s.value = zero
			s.full = false
			s.mu.Unlock()
			return v, true
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Close discards any pending value and wakes a blocked Take. It is idempotent.
func (s *Slot[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	var zero T
	s.value = zero
	s.full = false
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Len reports the current occupancy, 0 or 1.
func (s *Slot[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return 1
	}
	return 0
}

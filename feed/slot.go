// Package feed provides the single-slot handoff between the frame receiver
// and the inference stage.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoFrame is returned by Take when nothing was offered before the
	// timeout. Callers are expected to retry.
	ErrNoFrame = errors.New("feed: no frame available")

	ErrClosed = errors.New("feed: slot closed")
)

// Stats is a point-in-time copy of the slot counters.
type Stats struct {
	Offered uint64
	Evicted uint64
	Taken   uint64
}

// Slot holds at most one value. Offer replaces whatever is stored, so the
// consumer always takes the newest value and never a backlog. Offer never
// blocks; Take blocks up to its timeout.
//
// A Slot is meant for one producer and one consumer goroutine, although all
// methods are safe for concurrent use.
type Slot[T any] struct {
	mu     sync.Mutex
	item   T
	full   bool
	closed bool
	stats  Stats

	// ready carries at most one wakeup token for a blocked Take.
	ready chan struct{}

	// release is invoked on values the slot drops without handing them out.
	release func(T)
}

// NewSlot creates an empty slot. release may be nil; when set it is called
// for every evicted value and for a value still held when the slot closes.
func NewSlot[T any](release func(T)) *Slot[T] {
	return &Slot[T]{
		ready:   make(chan struct{}, 1),
		release: release,
	}
}

// Offer stores v, evicting the previously stored value if the consumer has
// not taken it yet. It reports whether an eviction happened. Offering to a
// closed slot releases v immediately.
func (s *Slot[T]) Offer(v T) (evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.drop(v)
		return false
	}

	s.stats.Offered++
	if s.full {
		s.stats.Evicted++
		s.drop(s.item)
		evicted = true
	}
	s.item = v
	s.full = true

	select {
	case s.ready <- struct{}{}:
	default:
		// A wakeup is already pending.
	}
	return evicted
}

// Take waits up to timeout for a value and empties the slot.
func (s *Slot[T]) Take(timeout time.Duration) (T, error) {
	return s.TakeContext(context.Background(), timeout)
}

// TakeContext is Take with an additional cancellation signal.
func (s *Slot[T]) TakeContext(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.full {
			v := s.item
			s.item = zero
			s.full = false
			s.stats.Taken++
			s.mu.Unlock()
			return v, nil
		}
		if s.closed {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		s.mu.Unlock()

		// Tokens may be stale (the value was taken on a previous pass), so
		// the slot is re-checked after every wakeup.
		select {
		case <-s.ready:
		case <-timer.C:
			return zero, ErrNoFrame
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns 1 if a value is waiting, 0 otherwise.
func (s *Slot[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return 1
	}
	return 0
}

func (s *Slot[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close releases any held value and wakes a blocked Take, which then returns
// ErrClosed. Close is idempotent.
func (s *Slot[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.full {
		var zero T
		s.drop(s.item)
		s.item = zero
		s.full = false
	}
	close(s.ready)
}

func (s *Slot[T]) drop(v T) {
	if s.release != nil {
		s.release(v)
	}
}

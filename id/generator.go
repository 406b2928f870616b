package id

import "sync/atomic"

// Generator provides unique, monotonically increasing IDs.
type Generator interface {
	NextID() uint64
}

// Sequence is a lock-free monotonic counter. IDs start at 1; zero is never
// handed out so callers can use it as "absent".
type Sequence struct {
	last atomic.Uint64
}

// NewSequence creates a sequence whose first NextID returns start+1.
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(start)
	return s
}

// NextID returns the next value. Values are never reused.
func (s *Sequence) NextID() uint64 {
	return s.last.Add(1)
}

// Current returns the most recently issued value (0 if none).
func (s *Sequence) Current() uint64 {
	return s.last.Load()
}

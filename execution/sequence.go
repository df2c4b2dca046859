package execution

import "sync/atomic"

// seqGen produces monotonically increasing sequence numbers for a single run.
type seqGen struct {
	counter atomic.Uint64
}

// Next returns the next sequence number (1-indexed).
func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}

// NewSequencer returns a function yielding 1, 2, 3, ... safely across
// goroutines. Executors use it to stamp Event.Seq.
func NewSequencer() func() uint64 {
	var s seqGen
	return s.Next
}

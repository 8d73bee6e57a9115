// Package sequencer implements the fair emission reorder buffer: when a
// process requires strictly-increasing tuple-index emission despite
// out-of-order completion, a task's bound outputs wait in a sliding
// buffer until every earlier tuple has been released.
package sequencer

import (
	"sync"

	"github.com/flowforge/taskproc/internal/invariant"
)

// EmitFunc is called, in tuple-index order, once a slot is ready to
// release. The Sequencer holds its internal mutex while calling it, so it
// must not call back into the Sequencer.
type EmitFunc func(slot any)

// Sequencer buffers completions until they can be released in ascending
// tuple-index order. An unfair Sequencer (Fair=false) releases
// immediately on arrival.
type Sequencer struct {
	mu             sync.Mutex
	fair           bool
	currentEmitted int64
	buffer         map[int64]any
	emit           EmitFunc
}

// New returns a Sequencer. When fair is false, Arrive calls emit
// synchronously with no buffering.
func New(fair bool, emit EmitFunc) *Sequencer {
	return &Sequencer{fair: fair, buffer: make(map[int64]any), emit: emit}
}

// Arrive records that tupleIndex has completed with the given slot value.
// If the sequencer is unfair, slot is released immediately. If fair, it
// is placed in the buffer and every contiguous ready slot starting at the
// current emission cursor is released in order.
func (s *Sequencer) Arrive(tupleIndex int64, slot any) {
	if !s.fair {
		s.emit(slot)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset := tupleIndex - s.currentEmitted
	invariant.Hold(offset >= 0, "sequencer: tuple %d arrived after cursor %d already advanced past it", tupleIndex, s.currentEmitted)

	s.buffer[tupleIndex] = slot

	for {
		next, ok := s.buffer[s.currentEmitted]
		if !ok {
			break
		}
		delete(s.buffer, s.currentEmitted)
		s.emit(next)
		s.currentEmitted++
	}
}

// Pending returns the number of slots currently buffered awaiting
// release, for diagnostics and tests.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

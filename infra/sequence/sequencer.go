package sequence

import "sync/atomic"

// Sequencer hands out strictly increasing ids for journal records and
// exported kernel events.
type Sequencer struct {
	next atomic.Uint64
}

// New creates a sequencer whose first Next returns start+1.
// On a fresh journal start = 0; after replay start = last replayed seq.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued id.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Observe moves the sequencer forward to v if it is behind. Replay calls it
// for every record so ids never repeat across restarts.
func (s *Sequencer) Observe(v uint64) {
	for {
		cur := s.next.Load()
		if v <= cur || s.next.CompareAndSwap(cur, v) {
			return
		}
	}
}

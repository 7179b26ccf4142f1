package sequence

import "testing"

func TestSequencer_NextAndObserve(t *testing.T) {
	s := New(10)
	if s.Next() != 11 {
		t.Fatal("expected 11")
	}

	s.Observe(5)
	if s.Current() != 11 {
		t.Fatalf("observe moved sequencer backwards to %d", s.Current())
	}

	s.Observe(40)
	if s.Next() != 41 {
		t.Fatalf("expected 41 after observing 40, got %d", s.Current())
	}
}

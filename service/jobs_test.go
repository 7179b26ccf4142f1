package service

import (
	"testing"

	"shipwreck/infra/journal"
	"shipwreck/infra/outbox"
	"shipwreck/infra/queue"
	"shipwreck/infra/wire"
	"shipwreck/snapshot"
)

func openOutbox(t *testing.T) *outbox.Outbox {
	t.Helper()
	ob, err := outbox.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ob.Close() })
	return ob
}

func TestEventRecorder(t *testing.T) {
	ob := openOutbox(t)
	ob.Put(41, nil)

	r, err := NewEventRecorder(ob, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Delivered(3, queue.Message{ID: 1, Data: 'x'})

	e, err := ob.Get(42)
	if err != nil {
		t.Fatal(err)
	}
	var ev wire.Event
	if err := ev.Unmarshal(e.Payload); err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 42 || ev.PID != 3 || ev.ID != 1 || ev.Data != 'x' || ev.Time == 0 {
		t.Fatalf("event %+v", ev)
	}
}

func TestEventRecorder_AsKernelSink(t *testing.T) {
	ob := openOutbox(t)
	h := newHarness(t, Options{})
	r, err := NewEventRecorder(ob, nil)
	if err != nil {
		t.Fatal(err)
	}
	h.k.Events().SetSink(r)

	c := h.thread(t)
	c.Syscall(uint32(SysSubscribe), 1)
	h.k.Events().NewUserEvent(1, 'a')
	h.k.Events().NewUserEvent(1, 'b')
	h.k.Events().RunWorkers(h.k)

	counts, _ := ob.Counts()
	if counts[outbox.StateNew] != 2 {
		t.Fatalf("outbox counts %v", counts)
	}
}

func TestSnapshotOnce(t *testing.T) {
	jdir := t.TempDir()
	// small segments so the journal rotates
	j, err := journal.Open(journal.Config{Dir: jdir, SegmentSize: 64})
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	ob := openOutbox(t)
	ob.Put(1, nil)
	ob.Put(2, nil)
	ob.MarkAcked(1)

	h := newHarness(t, Options{Journal: j, Outbox: ob})
	c := h.thread(t)
	for i := range 20 {
		c.Syscall(uint32(SysNull), uint32(i))
	}

	w := &snapshot.Writer{Dir: t.TempDir()}
	if err := h.s.SnapshotOnce(w); err != nil {
		t.Fatal(err)
	}

	s, err := snapshot.Load(w.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if s.Seq != 20 || len(s.State.Procs) != 2 {
		t.Fatalf("snapshot seq %d procs %d", s.Seq, len(s.State.Procs))
	}

	left := 0
	journal.Replay(jdir, func(*journal.Record) error {
		left++
		return nil
	})
	if left >= 20 {
		t.Fatalf("journal not truncated, %d records left", left)
	}

	counts, _ := ob.Counts()
	if counts[outbox.StateAcked] != 0 || counts[outbox.StateNew] != 1 {
		t.Fatalf("outbox counts %v", counts)
	}
}

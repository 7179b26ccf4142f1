package service

import (
	"log/slog"
	"time"

	"shipwreck/infra/outbox"
	"shipwreck/infra/queue"
	"shipwreck/infra/sequence"
	"shipwreck/infra/wire"
)

// EventRecorder stores every user event the kernel delivers in the outbox,
// from where the broadcaster exports it. It is the kernel's event sink.
type EventRecorder struct {
	outbox *outbox.Outbox
	seq    *sequence.Sequencer
	log    *slog.Logger
}

// NewEventRecorder continues numbering after the newest entry already in
// the outbox.
func NewEventRecorder(ob *outbox.Outbox, log *slog.Logger) (*EventRecorder, error) {
	last, err := ob.LastSeq()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &EventRecorder{
		outbox: ob,
		seq:    sequence.New(last),
		log:    log.With("component", "events"),
	}, nil
}

// Delivered implements kernel.EventSink. It runs on the kernel event
// thread; a failed write is logged and the event is not exported.
func (r *EventRecorder) Delivered(pid int, msg queue.Message) {
	ev := wire.Event{
		Seq:  r.seq.Next(),
		PID:  int32(pid),
		ID:   msg.ID,
		Data: msg.Data,
		Time: time.Now().UnixNano(),
	}
	if err := r.outbox.Put(ev.Seq, ev.Marshal()); err != nil {
		r.log.Warn("outbox write failed", "seq", ev.Seq, "pid", pid, "err", err)
	}
}

// Current is the last sequence number handed out.
func (r *EventRecorder) Current() uint64 { return r.seq.Current() }

package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	"shipwreck/infra/queue"
)

type focus int

func (f focus) FocusedPID() int { return int(f) }

type recordingDisplay struct {
	mu   sync.Mutex
	msgs []DisplayMsg
}

func (d *recordingDisplay) Redraw(m DisplayMsg) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, m)
}

func (d *recordingDisplay) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

type recordingSink struct {
	mu  sync.Mutex
	got map[int][]queue.Message
}

func (s *recordingSink) Delivered(pid int, m queue.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.got == nil {
		s.got = make(map[int][]queue.Message)
	}
	s.got[pid] = append(s.got[pid], m)
}

func TestUserEvents_BroadcastToSubscribers(t *testing.T) {
	k := newTestKernel(t)
	ev := k.Events()
	p1, _ := newThreads(t, k, 0)
	p2, _ := newThreads(t, k, 0)
	p3, _ := newThreads(t, k, 0)

	ev.Subscribe(p1, KeyCharDown)
	ev.Subscribe(p2, KeyCharDown)
	ev.Subscribe(p2, KeyCharDown)
	if ev.Subscriptions() != 2 {
		t.Fatalf("duplicate subscription stored: %d", ev.Subscriptions())
	}

	if !ev.NewUserEvent(KeyCharDown, 'a') {
		t.Fatal("enqueue failed")
	}
	if k.MonitorSignal(0, MsgMonitor) != 1 {
		t.Fatalf("kernel signal = %d", k.MonitorSignal(0, MsgMonitor))
	}

	if n := ev.RunWorkers(k); n != 1 {
		t.Fatalf("consumed %d", n)
	}
	for _, pid := range []int{p1, p2} {
		msgs := k.ReceiveMsgs(pid, 10)
		if len(msgs) != 1 || msgs[0].Data != 'a' {
			t.Fatalf("pid %d got %v", pid, msgs)
		}
	}
	if msgs := k.ReceiveMsgs(p3, 10); len(msgs) != 0 {
		t.Fatalf("unsubscribed pid got %v", msgs)
	}
	if k.MonitorSignal(0, MsgMonitor) != 0 {
		t.Fatalf("kernel signal = %d after consuming", k.MonitorSignal(0, MsgMonitor))
	}
}

func TestUserEvents_RoutedToFocus(t *testing.T) {
	k := newTestKernel(t)
	ev := k.Events()
	sink := &recordingSink{}
	ev.SetSink(sink)
	p1, _ := newThreads(t, k, 0)
	p2, _ := newThreads(t, k, 0)
	ev.Subscribe(p1, KeyCharUp)
	ev.Subscribe(p2, KeyCharUp)
	ev.SetRouter(focus(p2))

	ev.NewUserEvent(KeyCharUp, 'z')
	ev.RunWorkers(k)

	if msgs := k.ReceiveMsgs(p1, 10); len(msgs) != 0 {
		t.Fatal("unfocused process received input")
	}
	if msgs := k.ReceiveMsgs(p2, 10); len(msgs) != 1 {
		t.Fatalf("focused process got %v", msgs)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got[p2]) != 1 || len(sink.got) != 1 {
		t.Fatalf("sink saw %v", sink.got)
	}
}

func TestUserEvents_RejectsBadIDs(t *testing.T) {
	k := newTestKernel(t)
	ev := k.Events()
	if ev.NewUserEvent(0, 1) || ev.NewUserEvent(UserEventMax, 1) {
		t.Fatal("accepted an out of range event")
	}
	if err := ev.Subscribe(1, UserEventMax); err == nil {
		t.Fatal("subscribed to an out of range event")
	}
}

func TestUserEvents_SubscriptionPoolExhausts(t *testing.T) {
	k := newTestKernel(t)
	ev := k.Events()
	n := 0
	for e := KeyCharDown; e < UserEventMax; e++ {
		for pid := 1; pid < MaxProcs; pid++ {
			if ev.Subscribe(pid, e) == nil {
				n++
			}
		}
	}
	if n != MaxSubscriptions {
		t.Fatalf("stored %d subscriptions", n)
	}
}

func TestCallbackEvents(t *testing.T) {
	k := newTestKernel(t)
	ev := k.Events()

	var got []int32
	id := ev.RegisterCallback(func(d int32) { got = append(got, d) })
	if ev.NewCallbackEvent(id+100, 1) {
		t.Fatal("queued an unknown callback")
	}
	for i := int32(1); i <= 12; i++ {
		ev.NewCallbackEvent(id, i)
	}

	// workers take at most ten at a time
	if n := ev.RunWorkers(k); n != 10 {
		t.Fatalf("first run consumed %d", n)
	}
	ev.RunWorkers(k)
	if len(got) != 12 || got[0] != 1 || got[11] != 12 {
		t.Fatalf("callbacks ran with %v", got)
	}
}

func TestDisplayWorker_Throttled(t *testing.T) {
	k := newTestKernel(t)
	k.events = newEvents(EventConfig{DisplayThrottle: time.Hour}, k.log)
	k.events.bindSignal(&k.procs[0].monitors[MsgMonitor])
	d := &recordingDisplay{}
	k.events.SetDisplay(d)

	k.events.NewDisplayMsg(DisplayMsg{Event: RedrawScreen})
	k.events.RunWorkers(k)
	if d.count() != 0 {
		t.Fatal("throttled worker ran")
	}

	k.events.deadline = time.Now().Add(-time.Second)
	k.events.RunWorkers(k)
	if d.count() != 1 {
		t.Fatalf("display saw %d messages", d.count())
	}
}

func TestMouseMove_RequestsPointerRedraw(t *testing.T) {
	k := newTestKernel(t)
	d := &recordingDisplay{}
	k.Events().SetDisplay(d)

	k.Events().NewUserEvent(MouseMove, PackMouse(10, -3, false, false))
	k.Events().RunWorkers(k)
	k.Events().RunWorkers(k)

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.msgs) != 1 || d.msgs[0].Event != RedrawMouse {
		t.Fatalf("display saw %v", d.msgs)
	}
}

func TestPackMouse(t *testing.T) {
	x, y, l, r := UnpackMouse(PackMouse(-5, 700, true, false))
	if x != -5 || y != 700 || !l || r {
		t.Fatalf("unpacked %d,%d,%v,%v", x, y, l, r)
	}
}

func TestEventThread_DeliversUnderScheduler(t *testing.T) {
	k := newTestKernel(t)
	pid, _ := newThreads(t, k, 1)
	k.Events().Subscribe(pid, KeyCharDown)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	k.Start(ctx, time.Millisecond)

	for i := int32(1); i <= 5; i++ {
		k.Events().NewUserEvent(KeyCharDown, i)
	}

	var got []queue.Message
	waitFor(t, "delivery", func() bool {
		got = append(got, k.ReceiveMsgs(pid, 10)...)
		return len(got) == 5
	})
	for i, m := range got {
		if m.Data != int32(i+1) {
			t.Fatalf("out of order delivery: %v", got)
		}
	}

	cancel()
	waitFor(t, "halt", k.CPU().Halted)
}

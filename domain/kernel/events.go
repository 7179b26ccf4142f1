package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shipwreck/infra/memory"
	"shipwreck/infra/queue"
)

const (
	// MaxEvents is the default ring size of each event worker.
	MaxEvents        = 16
	MaxSubscriptions = 64

	workerBatch = 10
)

type UserEvent int32

const (
	KeyCharDown UserEvent = iota + 1
	KeyCharUp
	MouseMove
	MouseLeftDown
	MouseLeftUp
	MouseLeftClick
	MouseLeftDragStart
	MouseLeftDragEnd
	MouseRightDown
	MouseRightUp
	MouseRightClick
	MouseRightDragStart
	MouseRightDragEnd
	UserEventMax
)

type DisplayEvent int32

const (
	RedrawScreen DisplayEvent = iota + 1
	RedrawMouse
	RedrawWindow
	RedrawRect
)

// DisplayMsg asks the compositor to repaint. Window is used by
// RedrawWindow, Rect by RedrawRect.
type DisplayMsg struct {
	Event  DisplayEvent
	Window int32
	Rect   Rect
}

// PackMouse encodes a mouse event into a message data word: 12-bit signed
// x and y, then the left and right button bits.
func PackMouse(x, y int, left, right bool) int32 {
	v := uint32(x)&0xFFF | (uint32(y)&0xFFF)<<12
	if left {
		v |= 1 << 24
	}
	if right {
		v |= 1 << 25
	}
	return int32(v)
}

func UnpackMouse(data int32) (x, y int, left, right bool) {
	v := uint32(data)
	x = int(int32(v<<20) >> 20)
	y = int(int32(v<<8) >> 20)
	return x, y, v&(1<<24) != 0, v&(1<<25) != 0
}

// Router tells the user-event worker which process has input focus. A
// FocusedPID of 0 means the desktop has it and nobody is told.
type Router interface {
	FocusedPID() int
}

// Display repaints the screen for display messages.
type Display interface {
	Redraw(msg DisplayMsg)
}

// EventSink observes every user event delivered to a process.
type EventSink interface {
	Delivered(pid int, msg queue.Message)
}

type EventConfig struct {
	QueueSize int
	// DisplayThrottle is the minimum time between two display worker runs.
	DisplayThrottle time.Duration
}

type subscriber struct {
	next int
	pid  int
}

// Events holds the three kernel event workers. Producers never block and
// may run in interrupt context; all consumption happens on the kernel
// event thread.
type Events struct {
	log *slog.Logger

	user     *queue.SharedQueue[queue.Message]
	callback *queue.SharedQueue[queue.Message]
	display  *queue.SharedQueue[DisplayMsg]

	// kernel message monitor
	signal *Monitor

	subMu sync.Mutex
	subs  *memory.Pool[subscriber]
	heads [UserEventMax]int

	callbacks sync.Map // int32 -> func(int32)
	nextCB    atomic.Int32

	router   atomic.Pointer[routerHolder]
	screen   atomic.Pointer[displayHolder]
	sink     atomic.Pointer[sinkHolder]
	throttle time.Duration
	deadline time.Time

	delivered atomic.Uint64
}

type routerHolder struct{ r Router }
type displayHolder struct{ d Display }
type sinkHolder struct{ s EventSink }

func newEvents(cfg EventConfig, log *slog.Logger) *Events {
	size := cfg.QueueSize
	if size == 0 {
		size = MaxEvents
	}
	e := &Events{
		log:      log,
		user:     queue.NewSharedQueue[queue.Message](size),
		callback: queue.NewSharedQueue[queue.Message](size),
		display:  queue.NewSharedQueue[DisplayMsg](size),
		subs:     memory.NewPool[subscriber](MaxSubscriptions),
		throttle: cfg.DisplayThrottle,
		deadline: time.Now().Add(cfg.DisplayThrottle),
	}
	for i := range e.heads {
		e.heads[i] = -1
	}
	return e
}

func (e *Events) SetRouter(r Router)   { e.router.Store(&routerHolder{r: r}) }
func (e *Events) SetDisplay(d Display) { e.screen.Store(&displayHolder{d: d}) }
func (e *Events) SetSink(s EventSink)  { e.sink.Store(&sinkHolder{s: s}) }

// Delivered counts user events handed to processes.
func (e *Events) Delivered() uint64 { return e.delivered.Load() }

func (e *Events) Subscriptions() int { return e.subs.Cap() - e.subs.Free() }

func (e *Events) bindSignal(m *Monitor) { e.signal = m }

func (e *Events) produced() { e.signal.signal.Add(1) }

func (e *Events) consumed(n int) { e.signal.subtractClamped(int32(n)) }

// Pending counts events claimed by producers and not yet consumed.
func (e *Events) Pending() int {
	return e.user.Backlog() + e.callback.Backlog() + e.display.Backlog()
}

// ---------------- Producers ----------------

// NewUserEvent queues a keyboard or mouse event for routing.
func (e *Events) NewUserEvent(ev UserEvent, data int32) bool {
	if ev <= 0 || ev >= UserEventMax {
		return false
	}
	if e.user.Enqueue(queue.Message{ID: int32(ev), Data: data}) < 0 {
		return false
	}
	e.produced()
	return true
}

// RegisterCallback returns a handle that NewCallbackEvent can target. The
// callback runs on the kernel event thread.
func (e *Events) RegisterCallback(fn func(data int32)) int32 {
	id := e.nextCB.Add(1)
	e.callbacks.Store(id, fn)
	return id
}

func (e *Events) NewCallbackEvent(id, data int32) bool {
	if _, ok := e.callbacks.Load(id); !ok {
		return false
	}
	if e.callback.Enqueue(queue.Message{ID: id, Data: data}) < 0 {
		return false
	}
	e.produced()
	return true
}

func (e *Events) NewDisplayMsg(msg DisplayMsg) bool {
	if e.display.Enqueue(msg) < 0 {
		return false
	}
	e.produced()
	return true
}

// ---------------- Subscriptions ----------------

// Subscribe adds pid to the subscribers of ev. Subscribing twice is a
// no-op.
func (e *Events) Subscribe(pid int, ev UserEvent) error {
	if ev <= 0 || ev >= UserEventMax {
		return fmt.Errorf("%w: event %d", ErrBadHandle, ev)
	}
	e.subMu.Lock()
	defer e.subMu.Unlock()

	for i := e.heads[ev]; i >= 0; i = e.subs.At(i).next {
		if e.subs.At(i).pid == pid {
			return nil
		}
	}
	node, idx := e.subs.Get()
	if node == nil {
		return fmt.Errorf("%w: subscription pool exhausted", ErrOutOfMemory)
	}
	node.pid = pid
	node.next = e.heads[ev]
	e.heads[ev] = idx
	return nil
}

// subscribers lists the pids subscribed to ev, newest first.
func (e *Events) subscribers(ev UserEvent) []int {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	var out []int
	for i, n := e.heads[ev], 0; i >= 0 && n < MaxSubscriptions; n++ {
		s := e.subs.At(i)
		out = append(out, s.pid)
		i = s.next
	}
	return out
}

// ---------------- Workers ----------------

// RunWorkers runs each worker once and returns how many events were
// consumed.
func (e *Events) RunWorkers(k *Kernel) int {
	return e.runUser(k) + e.runCallbacks() + e.runDisplay()
}

func (e *Events) runUser(k *Kernel) int {
	q := e.user
	q.GatherNewData()
	if q.Size() <= 0 {
		return 0
	}
	r := q.Dequeue(workerBatch)

	var target int
	routed := false
	if h := e.router.Load(); h != nil && h.r != nil {
		target, routed = h.r.FocusedPID(), true
	}

	for i := 0; i < r.Len(); i++ {
		msg := q.Get(int(r.Head) + i)
		ev := UserEvent(msg.ID)
		if ev == MouseMove {
			e.NewDisplayMsg(DisplayMsg{Event: RedrawMouse})
		}
		for _, pid := range e.subscribers(ev) {
			if routed && pid != target {
				continue
			}
			if k.SendMsg(pid, msg) {
				e.delivered.Add(1)
				if s := e.sink.Load(); s != nil && s.s != nil {
					s.s.Delivered(pid, msg)
				}
			} else {
				e.log.Warn("message queue full", "pid", pid, "event", msg.ID)
			}
		}
	}

	q.Release(r)
	q.GarbageCollect()
	e.consumed(r.Len())
	return r.Len()
}

func (e *Events) runCallbacks() int {
	q := e.callback
	q.GatherNewData()
	if q.Size() <= 0 {
		return 0
	}
	r := q.Dequeue(workerBatch)
	for i := 0; i < r.Len(); i++ {
		msg := q.Get(int(r.Head) + i)
		if fn, ok := e.callbacks.Load(msg.ID); ok {
			fn.(func(int32))(msg.Data)
		}
	}
	q.Release(r)
	q.GarbageCollect()
	e.consumed(r.Len())
	return r.Len()
}

func (e *Events) runDisplay() int {
	if e.throttle > 0 {
		now := time.Now()
		if now.Before(e.deadline) {
			return 0
		}
		e.deadline = now.Add(e.throttle)
	}

	q := e.display
	q.GatherNewData()
	if q.Size() <= 0 {
		return 0
	}
	r := q.Dequeue(workerBatch)
	h := e.screen.Load()
	for i := 0; i < r.Len(); i++ {
		msg := q.Get(int(r.Head) + i)
		if h != nil && h.d != nil {
			h.d.Redraw(msg)
		}
	}
	q.Release(r)
	q.GarbageCollect()
	e.consumed(r.Len())
	return r.Len()
}

// eventLoop is the body of the kernel event thread.
func (k *Kernel) eventLoop(ctx context.Context) {
	self := ThreadRef{PID: 0, TID: EventThread}
	for ctx.Err() == nil {
		if err := k.Monitor(self, 0, MsgMonitor, 0); err != nil {
			return
		}
		k.events.RunWorkers(k)
		if err := k.Yield(self); err != nil {
			return
		}
	}
}

package kernel

import (
	"encoding/binary"
	"sync"

	"shipwreck/domain/vmm"
	"shipwreck/infra/queue"
)

// Rect is a screen rectangle, edges inclusive.
type Rect struct {
	Left, Top, Right, Bottom int32
}

// Window is the descriptor a process keeps for each window it owns. The
// compositor behind the GUI collaborator reads them.
type Window struct {
	ID    int32
	PID   int32
	Rect  Rect
	Flags uint32
}

// Environment page layout. Field order is part of the user ABI.
const (
	envQueueOff   = 0
	envQueueData  = envQueueOff + 12
	envWindowsOff = envQueueData + MaxProcMsgs*8
	windowBytes   = 4 * 7
	envFreeOff    = envWindowsOff + MaxProcWindows*windowBytes
	envFreeData   = envFreeOff + 4
)

// Environment is the per-process block shared with user space: the message
// queue the kernel posts into, the window table, and a bump cursor for
// small allocations in the rest of the page.
type Environment struct {
	// serializes producers and page mirroring
	mu sync.Mutex

	Queue   *queue.MsgQueue
	Windows [MaxProcWindows]Window
	free    uint32

	// kernel address of the backing page
	page uint32
}

func newEnvironment(page uint32) *Environment {
	return &Environment{
		Queue: queue.NewMsgQueue(MaxProcMsgs),
		free:  envFreeData,
		page:  page,
	}
}

// Page returns the kernel address of the backing page.
func (e *Environment) Page() uint32 { return e.page }

// Alloc reserves n bytes in the free area of the page and returns their
// offset from the start of the page.
func (e *Environment) Alloc(n uint32) (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n = (n + 3) &^ 3
	if n == 0 || e.free+n > vmm.PageSize {
		return 0, false
	}
	off := e.free
	e.free += n
	return off, true
}

// encode renders the fixed part of the environment in its page layout.
func (e *Environment) encode() []byte {
	buf := make([]byte, envFreeData)
	le := binary.LittleEndian

	locked, safe := e.Queue.Ranges()
	le.PutUint32(buf[envQueueOff:], uint32(e.Queue.Cap()))
	le.PutUint32(buf[envQueueOff+4:], uint32(locked.Head)|uint32(locked.Tail)<<16)
	le.PutUint32(buf[envQueueOff+8:], uint32(safe.Head)|uint32(safe.Tail)<<16)
	for i := range e.Queue.Cap() {
		m := e.Queue.Get(i)
		le.PutUint32(buf[envQueueData+i*8:], uint32(m.ID))
		le.PutUint32(buf[envQueueData+i*8+4:], uint32(m.Data))
	}

	for i, w := range e.Windows {
		off := envWindowsOff + i*windowBytes
		le.PutUint32(buf[off:], uint32(w.ID))
		le.PutUint32(buf[off+4:], uint32(w.PID))
		le.PutUint32(buf[off+8:], uint32(w.Rect.Left))
		le.PutUint32(buf[off+12:], uint32(w.Rect.Top))
		le.PutUint32(buf[off+16:], uint32(w.Rect.Right))
		le.PutUint32(buf[off+20:], uint32(w.Rect.Bottom))
		le.PutUint32(buf[off+24:], w.Flags)
	}
	le.PutUint32(buf[envFreeOff:], e.free)
	return buf
}

// post enqueues msg as the single producer and mirrors the page.
func (e *Environment) post(msg queue.Message, mem *vmm.PhysicalMemory) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.Queue.Enqueue(msg) {
		return false
	}
	mem.Write(e.page, e.encode())
	return true
}

func (e *Environment) setWindow(slot int, w Window, mem *vmm.PhysicalMemory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Windows[slot] = w
	mem.Write(e.page, e.encode())
}

func (e *Environment) windows() []Window {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Window(nil), e.Windows[:]...)
}

// flush mirrors the environment into its page.
func (e *Environment) flush(mem *vmm.PhysicalMemory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mem.Write(e.page, e.encode())
}

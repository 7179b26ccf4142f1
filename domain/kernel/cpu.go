package kernel

import (
	"sync"
	"sync/atomic"
)

// CPU is the single simulated core. Holding the interrupt mask (Cli) is the
// only way to touch process, thread, lock and monitor state; a thread that
// has to wait halts on the mask and is woken by the next interrupt.
//
// The mask is not reentrant. Exported kernel methods take it themselves, so
// a caller that holds it must Sti before calling them.
type CPU struct {
	mu   sync.Mutex
	wake *sync.Cond

	// interrupts counts delivered interrupts; guarded by mu
	interrupts uint64
	halted     atomic.Bool
}

func NewCPU() *CPU {
	c := &CPU{}
	c.wake = sync.NewCond(&c.mu)
	return c
}

// Cli masks interrupts.
func (c *CPU) Cli() { c.mu.Lock() }

// Sti unmasks interrupts.
func (c *CPU) Sti() { c.mu.Unlock() }

// hlt waits for the next interrupt or wakeup. The mask must be held; it is
// released while waiting and held again on return.
func (c *CPU) hlt() { c.wake.Wait() }

// signal records an interrupt and wakes every halted thread. The mask must
// be held.
func (c *CPU) signal() {
	c.interrupts++
	c.wake.Broadcast()
}

// Halt stops the core for good. Every waiting thread wakes up and sees it.
func (c *CPU) Halt() {
	if c.halted.Swap(true) {
		return
	}
	c.mu.Lock()
	c.wake.Broadcast()
	c.mu.Unlock()
}

// haltLocked is Halt for callers that already hold the mask.
func (c *CPU) haltLocked() {
	c.halted.Store(true)
	c.wake.Broadcast()
}

func (c *CPU) Halted() bool { return c.halted.Load() }

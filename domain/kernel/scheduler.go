package kernel

import (
	"context"
	"fmt"
	"time"
)

// tick is the timer handler: bring message signals up to date, pick the
// next process with runnable threads and the next Running thread inside
// it. Mask held.
func (k *Kernel) tick() {
	// the kernel's signal tracks the event backlog exactly
	kp := &k.procs[0]
	diff := int32(k.events.Pending()) - kp.monitors[MsgMonitor].signal.Load()
	k.notify(kp, MsgMonitor, diff)

	next := 0
	for i := 1; i <= k.numProcs; i++ {
		id := (k.pid + i) % k.numProcs
		p := &k.procs[id]
		if p.cr3 == 0 {
			continue
		}
		if env := p.env.Load(); id != 0 && env != nil {
			// the message signal follows the queue: wake message threads
			// for anything SendMsg queued, drop credit for what they read
			queued := int32(env.Queue.Size())
			k.notify(p, MsgMonitor, queued-p.monitors[MsgMonitor].signal.Load())
		}
		if p.running > 0 {
			next = id
			break
		}
	}

	if next != k.pid {
		k.switches.Add(1)
		k.log.Debug("process switch", "from", k.pid, "to", next)
	}
	k.pid = next
	if next != 0 {
		// kernel threads run in whatever directory is loaded
		k.mm.LoadCR3(k.procs[next].cr3)
	}

	p := &k.procs[next]
	for i := 1; i <= MaxProcThreads; i++ {
		idx := (p.threadIndex + i) % MaxProcThreads
		if p.threads[idx].state == Running {
			p.threadIndex = idx
			return
		}
	}

	// nothing runnable: fall back to the idle thread
	k.pid = 0
	k.procs[0].threadIndex = IdleThread
}

// Tick delivers one timer interrupt.
func (k *Kernel) Tick() error {
	return k.Interrupt(VectorTimer, nil)
}

// Run drives the timer until ctx is done or the CPU halts.
func (k *Kernel) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("kernel: bad tick interval %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := k.Tick(); err != nil {
				return err
			}
		}
	}
}

// Yield gives up the CPU until at least one interrupt has been delivered
// and caller is Running again.
func (k *Kernel) Yield(caller ThreadRef) error {
	k.cpu.Cli()
	defer k.cpu.Sti()
	t := k.thread(caller)
	if t == nil {
		return fmt.Errorf("%w: thread %v", ErrBadHandle, caller)
	}
	seen := k.cpu.interrupts
	for k.cpu.interrupts == seen || t.state != Running {
		if k.cpu.Halted() {
			return ErrHalted
		}
		k.cpu.hlt()
	}
	return nil
}

// Start runs the timer and the kernel event thread until ctx is done, then
// halts the CPU so every waiting thread returns.
func (k *Kernel) Start(ctx context.Context, interval time.Duration) {
	k.cpu.Cli()
	k.ctx = ctx
	k.cpu.Sti()

	go func() {
		if err := k.Run(ctx, interval); err != nil && ctx.Err() == nil {
			k.log.Error("timer stopped", "err", err)
		}
		k.cpu.Halt()
	}()
	go k.eventLoop(ctx)
}

// Switches counts process switches made by the scheduler.
func (k *Kernel) Switches() uint64 { return k.switches.Load() }

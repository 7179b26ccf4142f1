package kernel

import (
	"fmt"
	"sync/atomic"
)

// Lock is a FIFO mutex. Waiters are linked through their thread slots and
// get the lock strictly in arrival order.
type Lock struct {
	owner ThreadRef
	// first waiter
	next ThreadRef
}

// Monitor is a lock plus a signal counter. The counter is atomic so code
// that does not hold the mask, such as SendMsg, can bump it; wakeups still
// happen only under the mask.
type Monitor struct {
	lock   Lock
	signal atomic.Int32
}

// Signal reads the monitor counter.
func (m *Monitor) Signal() int32 { return m.signal.Load() }

// subtractClamped takes diff off the signal without going below zero.
func (m *Monitor) subtractClamped(diff int32) {
	for {
		cur := m.signal.Load()
		next := max(cur-diff, 0)
		if m.signal.CompareAndSwap(cur, next) {
			return
		}
	}
}

// ---------------- Locks ----------------

// Lock acquires lock h of process pid for caller, blocking in FIFO order
// behind earlier waiters. The owner may lock again without blocking.
func (k *Kernel) Lock(caller ThreadRef, pid, h int) error {
	k.cpu.Cli()
	defer k.cpu.Sti()
	t, p, err := k.lockArgs(caller, pid)
	if err != nil {
		return err
	}
	l := p.lock(h)
	if l == nil {
		return fmt.Errorf("%w: lock %d", ErrBadHandle, h)
	}
	return k.acquire(t, l)
}

// Unlock releases lock h and hands it to the first waiter.
func (k *Kernel) Unlock(caller ThreadRef, pid, h int) error {
	k.cpu.Cli()
	defer k.cpu.Sti()
	_, p, err := k.lockArgs(caller, pid)
	if err != nil {
		return err
	}
	l := p.lock(h)
	if l == nil {
		return fmt.Errorf("%w: lock %d", ErrBadHandle, h)
	}
	return k.release(caller, l)
}

func (k *Kernel) lockArgs(caller ThreadRef, pid int) (*Thread, *Process, error) {
	t := k.thread(caller)
	if t == nil {
		return nil, nil, fmt.Errorf("%w: thread %v", ErrBadHandle, caller)
	}
	p := k.proc(pid)
	if p == nil {
		return nil, nil, fmt.Errorf("%w: pid %d", ErrBadHandle, pid)
	}
	return t, p, nil
}

// acquire runs with the mask held.
func (k *Kernel) acquire(t *Thread, l *Lock) error {
	if !l.owner.Valid() || l.owner == t.ref {
		l.owner = t.ref
		return nil
	}

	t.lockNext = NoThread
	if !l.next.Valid() {
		l.next = t.ref
	} else {
		last := k.thread(l.next)
		for last.lockNext.Valid() {
			last = k.thread(last.lockNext)
		}
		last.lockNext = t.ref
	}

	k.suspend(t)
	k.log.Debug("waiting for lock", "thread", t.ref.String(), "owner", l.owner.String())
	return k.park(t)
}

// release runs with the mask held.
func (k *Kernel) release(caller ThreadRef, l *Lock) error {
	if l.owner != caller {
		return fmt.Errorf("%w: %v holds it, not %v", ErrNotOwner, l.owner, caller)
	}
	next := l.next
	l.owner = next
	if !next.Valid() {
		return nil
	}
	nt := k.thread(next)
	l.next = nt.lockNext
	nt.lockNext = NoThread
	k.resume(nt)
	k.log.Debug("lock handed over", "from", caller.String(), "to", next.String())
	return nil
}

// suspend moves t from Running to Waiting. Mask held.
func (k *Kernel) suspend(t *Thread) {
	t.state = Waiting
	k.procs[t.ref.PID].running--
}

// resume moves t back to Running and wakes it. Mask held.
func (k *Kernel) resume(t *Thread) {
	t.state = Running
	k.procs[t.ref.PID].running++
	k.cpu.wake.Broadcast()
}

// park halts until t is Running again. Mask held.
func (k *Kernel) park(t *Thread) error {
	for t.state != Running {
		if k.cpu.Halted() {
			return ErrHalted
		}
		k.cpu.hlt()
	}
	return nil
}

// ---------------- Monitors ----------------

// Monitor locks monitor h of pid, waits until its signal is positive and
// takes diff off it, never going below zero. The caller keeps the monitor
// lock until Unmonitor.
func (k *Kernel) Monitor(caller ThreadRef, pid, h int, diff int32) error {
	k.cpu.Cli()
	defer k.cpu.Sti()
	t, p, err := k.lockArgs(caller, pid)
	if err != nil {
		return err
	}
	m := p.monitor(h)
	if m == nil {
		return fmt.Errorf("%w: monitor %d", ErrBadHandle, h)
	}
	if err := k.acquire(t, &m.lock); err != nil {
		return err
	}

	if m.signal.Load() <= 0 {
		t.waitPID, t.waitMon = pid, h
		k.suspend(t)
		if err := k.park(t); err != nil {
			return err
		}
	}
	m.subtractClamped(diff)
	return nil
}

// Unmonitor releases the monitor lock.
func (k *Kernel) Unmonitor(caller ThreadRef, pid, h int) error {
	k.cpu.Cli()
	defer k.cpu.Sti()
	_, p, err := k.lockArgs(caller, pid)
	if err != nil {
		return err
	}
	m := p.monitor(h)
	if m == nil {
		return fmt.Errorf("%w: monitor %d", ErrBadHandle, h)
	}
	return k.release(caller, &m.lock)
}

// Notify adds diff to the signal of monitor h and wakes its waiter if the
// result is positive.
func (k *Kernel) Notify(pid, h int, diff int32) error {
	k.cpu.Cli()
	defer k.cpu.Sti()
	p := k.proc(pid)
	if p == nil {
		return fmt.Errorf("%w: pid %d", ErrBadHandle, pid)
	}
	if p.monitor(h) == nil {
		return fmt.Errorf("%w: monitor %d", ErrBadHandle, h)
	}
	k.notify(p, h, diff)
	return nil
}

// notify runs with the mask held.
func (k *Kernel) notify(p *Process, h int, diff int32) {
	m := &p.monitors[h]
	if m.signal.Add(diff) <= 0 {
		return
	}
	t := k.thread(m.lock.owner)
	if t == nil || t.state != Waiting || t.waitMon != h || t.waitPID != p.pid {
		return
	}
	t.waitPID, t.waitMon = -1, -1
	k.resume(t)
}

// MonitorSignal reads the signal of monitor h of pid.
func (k *Kernel) MonitorSignal(pid, h int) int32 {
	k.cpu.Cli()
	defer k.cpu.Sti()
	p := k.proc(pid)
	if p == nil || p.monitor(h) == nil {
		return 0
	}
	return p.monitors[h].signal.Load()
}

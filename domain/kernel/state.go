package kernel

import "shipwreck/domain/vmm"

// State is a point-in-time copy of the scheduler-visible kernel state.
type State struct {
	CurrentPID int
	Current    ThreadRef
	Halted     bool
	Interrupts uint64
	Switches   uint64
	Pending    int
	Memory     vmm.Stats
	Procs      []ProcState
}

type ProcState struct {
	PID        int
	CR3        uint32
	Runnable   int
	MsgSignal  int32
	QueuedMsgs int
	Threads    []ThreadState
}

type ThreadState struct {
	TID   int
	State string
	Stack uint32
	Frame TrapFrame
}

// Snapshot copies the current state.
func (k *Kernel) Snapshot() State {
	k.cpu.Cli()
	defer k.cpu.Sti()
	return k.state()
}

// state runs with the mask held.
func (k *Kernel) state() State {
	s := State{
		CurrentPID: k.pid,
		Current:    k.current(),
		Halted:     k.cpu.Halted(),
		Interrupts: k.cpu.interrupts,
		Switches:   k.switches.Load(),
		Pending:    k.events.Pending(),
		Memory:     k.mm.Stats(),
	}
	for pid := 0; pid < k.numProcs; pid++ {
		p := k.proc(pid)
		if p == nil {
			continue
		}
		ps := ProcState{
			PID:       pid,
			CR3:       p.cr3,
			Runnable:  p.running,
			MsgSignal: p.monitors[MsgMonitor].signal.Load(),
		}
		if env := p.env.Load(); env != nil {
			ps.QueuedMsgs = env.Queue.Size()
		}
		for i := range p.threads {
			t := &p.threads[i]
			if t.state == Null {
				continue
			}
			ps.Threads = append(ps.Threads, ThreadState{
				TID:   i,
				State: t.state.String(),
				Stack: t.stack,
				Frame: t.frame,
			})
		}
		s.Procs = append(s.Procs, ps)
	}
	return s
}

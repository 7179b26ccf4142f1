package kernel

import (
	"context"
	"fmt"
	"sync/atomic"

	"shipwreck/domain/vmm"
	"shipwreck/infra/queue"
)

// Process is a control block in the fixed process table. A slot is in use
// once cr3 is set; slots are never released.
type Process struct {
	k   *Kernel
	pid int
	cr3 uint32

	// index of the thread to resume and the number of Running threads
	threadIndex int
	running     int

	files    [MaxProcFiles]File
	locks    [MaxProcLocks]Lock
	monitors [MaxProcMonitors]Monitor
	threads  [MaxProcThreads]Thread

	env atomic.Pointer[Environment]
	// user address of the environment page once mapped, 0 before
	userEnv uint32
}

func (p *Process) init(k *Kernel, pid int, cr3, envPage uint32) {
	p.k = k
	p.pid = pid
	p.cr3 = cr3
	p.env.Store(newEnvironment(envPage))
	for i := range p.locks {
		p.locks[i] = Lock{owner: NoThread, next: NoThread}
	}
	for i := range p.monitors {
		p.monitors[i].lock = Lock{owner: NoThread, next: NoThread}
	}
	for i := range p.threads {
		p.threads[i].ref = ThreadRef{PID: pid, TID: i}
	}
	p.files[Stdin] = NullFile{}
	p.files[Stdout] = k.console
	p.files[Stderr] = k.console
}

func (p *Process) PID() int { return p.pid }

func (p *Process) CR3() uint32 { return p.cr3 }

func (p *Process) lock(h int) *Lock {
	if h < 0 || h >= MaxProcLocks {
		return nil
	}
	return &p.locks[h]
}

func (p *Process) monitor(h int) *Monitor {
	if h < 0 || h >= MaxProcMonitors {
		return nil
	}
	return &p.monitors[h]
}

// NewUserProcess claims the first free process slot and gives it a fresh
// address space and environment. stdin reads nothing; stdout and stderr
// are the kernel console.
func (k *Kernel) NewUserProcess() (int, error) {
	k.cpu.Cli()
	defer k.cpu.Sti()

	pid := -1
	for i := 1; i < MaxProcs; i++ {
		if k.procs[i].cr3 == 0 {
			pid = i
			break
		}
	}
	if pid < 0 {
		return -1, ErrNoProcessSlot
	}

	cr3, err := k.mm.NewAddressSpace()
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	page := k.mm.StaticAllocPages(1)
	if page == 0 {
		return -1, fmt.Errorf("%w: environment page", ErrOutOfMemory)
	}

	k.procs[pid].init(k, pid, cr3, page)
	if pid >= k.numProcs {
		k.numProcs = pid + 1
	}
	k.log.Info("process created", "pid", pid, "cr3", fmt.Sprintf("%#x", cr3))
	return pid, nil
}

// NewUserThread creates a thread in pid with a user stack of stackBytes
// (DefaultStackBytes when 0) and a kernel syscall stack, both mapped in the
// process's address space. A thread whose entry has a program starts
// executing it at once.
func (k *Kernel) NewUserThread(pid int, entry Entry, stackBytes uint32) (ThreadRef, error) {
	k.cpu.Cli()
	defer k.cpu.Sti()

	p := k.proc(pid)
	if p == nil {
		return NoThread, fmt.Errorf("%w: pid %d", ErrBadHandle, pid)
	}
	tid := -1
	for i := range p.threads {
		if p.threads[i].state == Null {
			tid = i
			break
		}
	}
	if tid < 0 {
		return NoThread, ErrNoThreadSlot
	}

	if stackBytes == 0 {
		stackBytes = DefaultStackBytes
	}
	pages := int((stackBytes + vmm.PageSize - 1) / vmm.PageSize)
	stackBytes = uint32(pages) * vmm.PageSize

	space := k.mm.Space(p.cr3)
	stack := space.VirtAllocPages(pages, vmm.UserData)
	if stack == 0 {
		return NoThread, fmt.Errorf("%w: user stack", ErrOutOfMemory)
	}
	sys := space.VirtAllocPages(SyscallStackPages, vmm.KernelData)
	if sys == 0 {
		return NoThread, fmt.Errorf("%w: syscall stack", ErrOutOfMemory)
	}

	if entry.Run == nil {
		entry.Run = k.program(entry.Addr)
	}
	t := &p.threads[tid]
	t.initUser(entry, stack, stackBytes, sys)
	p.running++

	k.log.Debug("thread created",
		"thread", t.ref.String(),
		"eip", fmt.Sprintf("%#x", entry.Addr),
		"stack", fmt.Sprintf("%#x", stack),
	)
	if entry.Run != nil {
		go k.runThread(k.ctx, t.ref, entry)
	}
	return t.ref, nil
}

// runThread executes a thread's program. When the program returns the
// thread is marked Done and stops counting as runnable.
func (k *Kernel) runThread(ctx context.Context, ref ThreadRef, entry Entry) {
	c := &Context{k: k, Ref: ref, Data: entry.Data, ctx: ctx}
	entry.Run(c)

	k.cpu.Cli()
	defer k.cpu.Sti()
	if t := k.thread(ref); t != nil && t.state == Running {
		t.state = Done
		k.procs[ref.PID].running--
		k.log.Debug("thread finished", "thread", ref.String())
	}
}

// ---------------- Files ----------------

// OpenFile stores f in the first free handle of pid.
func (k *Kernel) OpenFile(pid int, f File) (int, error) {
	k.cpu.Cli()
	defer k.cpu.Sti()
	p := k.proc(pid)
	if p == nil {
		return -1, fmt.Errorf("%w: pid %d", ErrBadHandle, pid)
	}
	for i := range p.files {
		if p.files[i] == nil {
			p.files[i] = f
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: file table full", ErrBadHandle)
}

// File returns the file behind handle fh of pid, or nil.
func (k *Kernel) File(pid, fh int) File {
	k.cpu.Cli()
	defer k.cpu.Sti()
	p := k.proc(pid)
	if p == nil || fh < 0 || fh >= MaxProcFiles {
		return nil
	}
	return p.files[fh]
}

// ---------------- Environment ----------------

// MapEnvironment maps the environment page of pid into its address space
// the first time it is asked for and returns the user address.
func (k *Kernel) MapEnvironment(pid int) (uint32, error) {
	k.cpu.Cli()
	defer k.cpu.Sti()
	p := k.proc(pid)
	if p == nil {
		return 0, fmt.Errorf("%w: pid %d", ErrBadHandle, pid)
	}
	if p.userEnv != 0 {
		return p.userEnv, nil
	}
	vaddr := k.mm.NextVirtualPages(1)
	if vaddr == 0 {
		return 0, fmt.Errorf("%w: environment mapping", ErrOutOfMemory)
	}
	env := p.env.Load()
	if err := k.mm.Space(p.cr3).MapTo(vaddr, env.page, vmm.UserData); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	env.flush(k.mm.Memory())
	p.userEnv = vaddr
	return vaddr, nil
}

// SetWindow records a window descriptor in pid's environment.
func (k *Kernel) SetWindow(pid, slot int, w Window) error {
	k.cpu.Cli()
	defer k.cpu.Sti()
	p := k.proc(pid)
	if p == nil || slot < 0 || slot >= MaxProcWindows {
		return ErrBadHandle
	}
	w.PID = int32(pid)
	p.env.Load().setWindow(slot, w, k.mm.Memory())
	return nil
}

// Windows returns a copy of pid's window table.
func (k *Kernel) Windows(pid int) []Window {
	k.cpu.Cli()
	defer k.cpu.Sti()
	p := k.proc(pid)
	if p == nil {
		return nil
	}
	return p.env.Load().windows()
}

// EnvAlloc reserves n bytes in the free area of pid's environment page and
// returns their kernel address.
func (k *Kernel) EnvAlloc(pid int, n uint32) (uint32, error) {
	k.cpu.Cli()
	defer k.cpu.Sti()
	p := k.proc(pid)
	if p == nil {
		return 0, ErrBadHandle
	}
	env := p.env.Load()
	off, ok := env.Alloc(n)
	if !ok {
		return 0, fmt.Errorf("%w: environment page full", ErrOutOfMemory)
	}
	env.flush(k.mm.Memory())
	return env.page + off, nil
}

// SendMsg posts msg to pid's environment queue and bumps its message
// signal. It does not wake anyone; the next tick does. It never takes the
// mask, so interrupt handlers and other processes may call it.
func (k *Kernel) SendMsg(pid int, msg queue.Message) bool {
	if pid < 0 || pid >= MaxProcs {
		return false
	}
	p := &k.procs[pid]
	env := p.env.Load()
	if env == nil || !env.post(msg, k.mm.Memory()) {
		return false
	}
	p.monitors[MsgMonitor].signal.Add(1)
	return true
}

// ReceiveMsgs consumes up to max messages from pid's environment queue. Only
// the process's message thread may call it.
func (k *Kernel) ReceiveMsgs(pid, max int) []queue.Message {
	if pid < 0 || pid >= MaxProcs {
		return nil
	}
	env := k.procs[pid].env.Load()
	if env == nil {
		return nil
	}
	q := env.Queue
	r := q.Dequeue(max)
	if r.Empty() {
		return nil
	}
	out := make([]queue.Message, 0, r.Len())
	for i := 0; i < r.Len(); i++ {
		out = append(out, q.Get(int(r.Head)+i))
	}
	q.Release(r.Len())
	env.flush(k.mm.Memory())
	return out
}

package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"shipwreck/domain/vmm"
)

const (
	MaxProcs        = 16
	MaxProcThreads  = 16
	MaxProcLocks    = 64
	MaxProcMonitors = 64
	MaxProcFiles    = 16
	MaxProcMsgs     = 64
	MaxProcWindows  = 16

	// DefaultStackBytes is the user stack given to threads that ask for 0.
	DefaultStackBytes = 16 * vmm.PageSize
	SyscallStackPages = 16
)

// Reserved monitor handles.
const (
	MsgMonitor   = 0
	InputMonitor = 1
)

// Standard file handles.
const (
	Stdin = iota
	Stdout
	Stderr
)

// Kernel threads of process 0.
const (
	IdleThread  = 0
	EventThread = 1
)

var (
	ErrNoProcessSlot = errors.New("kernel: no free process slot")
	ErrNoThreadSlot  = errors.New("kernel: no free thread slot")
	ErrOutOfMemory   = errors.New("kernel: out of memory")
	ErrBadHandle     = errors.New("kernel: bad handle")
	ErrNotOwner      = errors.New("kernel: caller does not own the lock")
	ErrHalted        = errors.New("kernel: cpu halted")
	ErrBadVector     = errors.New("kernel: vector not available")
)

// TrapGate is the syscall entry. It is installed by the service layer.
type TrapGate interface {
	Syscall(ctx context.Context, caller ThreadRef, code, data uint32) int32
}

// CrashReporter receives the state of the machine when a fatal fault
// halts it.
type CrashReporter interface {
	ReportCrash(c Crash) error
}

type Config struct {
	// Console backs stdout and stderr of every process.
	Console io.Writer
	Events  EventConfig
}

type Kernel struct {
	cpu *CPU
	mm  *vmm.Manager
	log *slog.Logger

	procs    [MaxProcs]Process
	numProcs int
	// current process
	pid int

	idt      [256]Handler
	events   *Events
	programs sync.Map // uint32 -> Program

	gate  atomic.Pointer[gateHolder]
	crash CrashReporter

	console File
	ctx     context.Context

	switches atomic.Uint64
}

type gateHolder struct{ g TrapGate }

// New brings up process 0 on top of an initialized memory manager. Process
// 0 runs in the kernel directory and owns the idle and event threads.
func New(cfg Config, mm *vmm.Manager, log *slog.Logger) (*Kernel, error) {
	if log == nil {
		log = slog.Default()
	}
	console := io.Discard
	if cfg.Console != nil {
		console = cfg.Console
	}
	k := &Kernel{
		cpu:     NewCPU(),
		mm:      mm,
		log:     log,
		console: NewWriterFile(console),
		ctx:     context.Background(),
	}
	k.events = newEvents(cfg.Events, log)
	k.initIDT()

	page := mm.StaticAllocPages(1)
	if page == 0 {
		return nil, fmt.Errorf("%w: kernel environment", ErrOutOfMemory)
	}
	p := &k.procs[0]
	p.init(k, 0, mm.KernelCR3(), page)
	p.userEnv = page
	p.threads[IdleThread].initKernel(Entry{})
	p.threads[EventThread].initKernel(Entry{})
	p.running = 2
	k.numProcs = 1
	k.events.bindSignal(&p.monitors[MsgMonitor])

	log.Info("kernel initialized", "kernel_cr3", fmt.Sprintf("%#x", mm.KernelCR3()))
	return k, nil
}

func (k *Kernel) CPU() *CPU { return k.cpu }

func (k *Kernel) Memory() *vmm.Manager { return k.mm }

func (k *Kernel) Logger() *slog.Logger { return k.log }

func (k *Kernel) Events() *Events { return k.events }

// SetTrapGate installs the syscall entry used by Context.Syscall.
func (k *Kernel) SetTrapGate(g TrapGate) { k.gate.Store(&gateHolder{g: g}) }

func (k *Kernel) SetCrashReporter(r CrashReporter) {
	k.cpu.Cli()
	defer k.cpu.Sti()
	k.crash = r
}

// RegisterProgram binds a user entry address to the program run for it.
// Threads created at that address execute the program.
func (k *Kernel) RegisterProgram(addr uint32, p Program) {
	k.programs.Store(addr, p)
}

func (k *Kernel) program(addr uint32) Program {
	if v, ok := k.programs.Load(addr); ok {
		return v.(Program)
	}
	return nil
}

// ---------------- Lookups (mask held) ----------------

func (k *Kernel) proc(pid int) *Process {
	if pid < 0 || pid >= MaxProcs || k.procs[pid].cr3 == 0 {
		return nil
	}
	return &k.procs[pid]
}

func (k *Kernel) thread(ref ThreadRef) *Thread {
	p := k.proc(ref.PID)
	if p == nil || ref.TID < 0 || ref.TID >= MaxProcThreads {
		return nil
	}
	t := &p.threads[ref.TID]
	if t.state == Null {
		return nil
	}
	return t
}

// current is the thread the scheduler last picked.
func (k *Kernel) current() ThreadRef {
	return ThreadRef{PID: k.pid, TID: k.procs[k.pid].threadIndex}
}

// Current returns the running thread.
func (k *Kernel) Current() ThreadRef {
	k.cpu.Cli()
	defer k.cpu.Sti()
	return k.current()
}

// Space returns the address space of pid.
func (k *Kernel) Space(pid int) (*vmm.AddressSpace, error) {
	k.cpu.Cli()
	defer k.cpu.Sti()
	p := k.proc(pid)
	if p == nil {
		return nil, fmt.Errorf("%w: pid %d", ErrBadHandle, pid)
	}
	return k.mm.Space(p.cr3), nil
}

// ThreadState reports the run state of ref, Null for unknown refs.
func (k *Kernel) ThreadState(ref ThreadRef) RunState {
	k.cpu.Cli()
	defer k.cpu.Sti()
	if t := k.thread(ref); t != nil {
		return t.state
	}
	return Null
}

// ThreadFrame returns the saved trap frame of ref.
func (k *Kernel) ThreadFrame(ref ThreadRef) (TrapFrame, error) {
	k.cpu.Cli()
	defer k.cpu.Sti()
	t := k.thread(ref)
	if t == nil {
		return TrapFrame{}, fmt.Errorf("%w: thread %v", ErrBadHandle, ref)
	}
	return t.frame, nil
}

// SetReturn stores a syscall result in the caller's saved EAX.
func (k *Kernel) SetReturn(ref ThreadRef, v int32) {
	k.cpu.Cli()
	defer k.cpu.Sti()
	if t := k.thread(ref); t != nil {
		t.frame.Regs.EAX = uint32(v)
	}
}

// Runnable returns the runnable thread count of pid.
func (k *Kernel) Runnable(pid int) int {
	k.cpu.Cli()
	defer k.cpu.Sti()
	if p := k.proc(pid); p != nil {
		return p.running
	}
	return 0
}

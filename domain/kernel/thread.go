package kernel

import (
	"fmt"

	"shipwreck/domain/vmm"
)

type RunState uint8

const (
	Null RunState = iota
	Running
	Waiting
	Done
)

func (s RunState) String() string {
	switch s {
	case Null:
		return "NULL"
	case Running:
		return "RUNNING"
	case Waiting:
		return "WAITING"
	case Done:
		return "DONE"
	default:
		return fmt.Sprintf("RunState(%d)", s)
	}
}

// ThreadRef names a thread slot by process and index. Slots are never
// reused, so a ref stays valid for the life of the kernel.
type ThreadRef struct {
	PID int
	TID int
}

// NoThread is the empty ref used for free locks and list ends.
var NoThread = ThreadRef{PID: -1, TID: -1}

func (r ThreadRef) Valid() bool { return r.PID >= 0 && r.TID >= 0 }

func (r ThreadRef) String() string { return fmt.Sprintf("(%d:%d)", r.PID, r.TID) }

// Segment selectors and flags for fresh trap frames.
const (
	KernelCS     uint32 = 0x08
	KernelSS     uint32 = 0x10
	UserCS       uint32 = 0x1B
	UserSS       uint32 = 0x23
	UserEFlags   uint32 = 0x202
	KernelEFlags uint32 = 0x202
)

// Registers is the pushad block of a trap frame.
type Registers struct {
	EDI, ESI, EBP, ESP uint32
	EBX, EDX, ECX, EAX uint32
}

// InterruptParams is what the CPU pushes on a privilege change.
type InterruptParams struct {
	EIP, CS, EFlags uint32
	ESP, SS         uint32
}

// TrapFrame is the saved user state of a thread.
type TrapFrame struct {
	Regs Registers
	Int  InterruptParams
}

// frameBytes is the size of the saved state at the top of a user stack.
const frameBytes = 4 * (8 + 5)

// Entry describes where a new thread starts. Addr is the user entry point
// recorded in the trap frame; Run, when set, is the program executed for it.
type Entry struct {
	Addr uint32
	Run  Program
	Data int32
}

type Thread struct {
	ref   ThreadRef
	state RunState
	frame TrapFrame

	stack       uint32
	stackBytes  uint32
	sysStack    uint32
	sysStackTop uint32
	kernel      bool

	// next waiter on the same lock
	lockNext ThreadRef
	// monitor this thread waits a signal on, -1 when none
	waitPID int
	waitMon int

	entry Entry
}

func (t *Thread) Ref() ThreadRef { return t.ref }

func (t *Thread) State() RunState { return t.state }

func (t *Thread) Frame() TrapFrame { return t.frame }

// initUser lays out a fresh user frame: the saved state sits at the top of
// the stack and the user stack pointer starts just below it.
func (t *Thread) initUser(entry Entry, stack, stackBytes, sysStack uint32) {
	cpuState := stack + stackBytes - frameBytes
	t.stack, t.stackBytes = stack, stackBytes
	t.sysStack = sysStack
	t.sysStackTop = sysStack + SyscallStackPages*vmm.PageSize
	t.entry = entry
	t.waitPID, t.waitMon = -1, -1
	t.lockNext = NoThread
	t.frame = TrapFrame{
		Regs: Registers{ESP: cpuState},
		Int: InterruptParams{
			EIP:    entry.Addr,
			CS:     UserCS,
			EFlags: UserEFlags,
			ESP:    cpuState - 32,
			SS:     UserSS,
		},
	}
	t.frame.Regs.EAX = uint32(entry.Data)
	t.state = Running
}

func (t *Thread) initKernel(entry Entry) {
	t.kernel = true
	t.entry = entry
	t.waitPID, t.waitMon = -1, -1
	t.lockNext = NoThread
	t.frame = TrapFrame{
		Int: InterruptParams{EIP: entry.Addr, CS: KernelCS, EFlags: KernelEFlags, SS: KernelSS},
	}
	t.state = Running
}

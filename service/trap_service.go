package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shipwreck/domain/kernel"
	"shipwreck/infra/journal"
	"shipwreck/infra/outbox"
	"shipwreck/infra/sequence"
	"shipwreck/infra/wire"
)

// GUI is the window manager as seen from the trap gate.
type GUI interface {
	UpdateProc(pid int)
	RedrawProc(pid int)
}

type Options struct {
	FS  kernel.FileSystem
	GUI GUI

	// Journal, when set, receives one record per trap. Seq numbers the
	// records; a fresh sequencer is used when it is nil.
	Journal *journal.Journal
	Seq     *sequence.Sequencer

	// Outbox is garbage collected by the snapshot job.
	Outbox *outbox.Outbox

	Log *slog.Logger
}

/*
TrapService is the ONLY way into the kernel for user code.

A trap enters with interrupts masked. Handlers unmask before anything that
may block or touch user memory, and the mask is always dropped again
before the result is stored in the caller's frame.
*/
type TrapService struct {
	k       *kernel.Kernel
	fs      kernel.FileSystem
	gui     GUI
	journal *journal.Journal
	seq     *sequence.Sequencer
	outbox  *outbox.Outbox
	log     *slog.Logger

	// serializes seq assignment with journal appends so records land in
	// sequence order
	jmu sync.Mutex

	calls  [SysMax]atomic.Uint64
	failed atomic.Uint64
}

func NewTrapService(k *kernel.Kernel, opts Options) *TrapService {
	log := opts.Log
	if log == nil {
		log = k.Logger()
	}
	seq := opts.Seq
	if seq == nil {
		seq = sequence.New(0)
	}
	return &TrapService{
		k:       k,
		fs:      opts.FS,
		gui:     opts.GUI,
		journal: opts.Journal,
		seq:     seq,
		outbox:  opts.Outbox,
		log:     log.With("component", "trap"),
	}
}

// Install makes s the kernel's trap gate.
func (s *TrapService) Install() {
	s.k.SetTrapGate(s)
}

func (s *TrapService) Kernel() *kernel.Kernel { return s.k }

// JournalSeq is the sequence number of the last journaled record.
func (s *TrapService) JournalSeq() uint64 { return s.seq.Current() }

//
// ──────────────────────────────────────────────────────────
// Dispatch
// ──────────────────────────────────────────────────────────
//

// trap is one syscall in flight.
type trap struct {
	s      *TrapService
	c      *kernel.Context
	code   Code
	data   uint32
	masked bool
}

// sti unmasks interrupts. Handlers call it before doing real work; calling
// it twice is harmless.
func (t *trap) sti() {
	if t.masked {
		t.masked = false
		t.s.k.CPU().Sti()
	}
}

func (t *trap) pid() int { return t.c.Ref.PID }

type handler func(t *trap) int32

var handlers [SysMax]handler

func init() {
	handlers = [SysMax]handler{
		SysNull:      sysNull,
		SysAlloc:     sysAlloc,
		SysAllocAt:   sysAllocAt,
		SysOpen:      sysOpen,
		SysSeek:      sysSeek,
		SysRead:      sysRead,
		SysWrite:     sysWrite,
		SysNewThread: sysNewThread,
		SysYield:     sysYield,
		SysGetEnv:    sysGetEnv,
		SysSubscribe: sysSubscribe,
		SysLock:      sysLock,
		SysUnlock:    sysUnlock,
		SysMonitor:   sysMonitor,
		SysUnmonitor: sysUnmonitor,
		SysNotify:    sysNotify,
		SysUpdateGUI: sysUpdateGUI,
		SysRedrawGUI: sysRedrawGUI,
	}
}

// Syscall implements kernel.TrapGate.
func (s *TrapService) Syscall(ctx context.Context, caller kernel.ThreadRef, code, data uint32) int32 {
	if st := s.k.ThreadState(caller); st != kernel.Running {
		s.log.Warn("trap from thread that is not running", "thread", caller.String(), "state", st.String())
		return -1
	}
	cpu := s.k.CPU()
	if cpu.Halted() {
		return -1
	}

	t := &trap{s: s, c: s.k.NewContext(ctx, caller), code: Code(code), data: data}
	cpu.Cli()
	t.masked = true
	result := s.dispatch(t)
	t.sti()

	s.k.SetReturn(caller, result)
	if result < 0 {
		s.failed.Add(1)
	}
	s.record(caller, t.code, data, result)
	return result
}

func (s *TrapService) dispatch(t *trap) int32 {
	if t.code >= SysMax {
		s.log.Warn("syscall out of range", "code", uint32(t.code), "thread", t.c.Ref.String())
		return -1
	}
	s.calls[t.code].Add(1)
	return handlers[t.code](t)
}

// Calls returns how many times each syscall was dispatched.
func (s *TrapService) Calls() map[Code]uint64 {
	out := make(map[Code]uint64, SysMax)
	for c := range SysMax {
		if n := s.calls[c].Load(); n > 0 {
			out[c] = n
		}
	}
	return out
}

// Failed counts traps that returned a negative result.
func (s *TrapService) Failed() uint64 { return s.failed.Load() }

//
// ──────────────────────────────────────────────────────────
// Journal
// ──────────────────────────────────────────────────────────
//

func (s *TrapService) record(caller kernel.ThreadRef, code Code, data uint32, result int32) {
	if s.journal == nil {
		return
	}
	tr := wire.Trap{
		PID:    int32(caller.PID),
		TID:    int32(caller.TID),
		Code:   uint32(code),
		Data:   data,
		Result: result,
		Time:   time.Now().UnixNano(),
	}
	s.appendRecord(journal.RecordSyscall, tr.Marshal())
}

func (s *TrapService) appendRecord(typ journal.RecordType, payload []byte) {
	if s.journal == nil {
		return
	}
	s.jmu.Lock()
	defer s.jmu.Unlock()
	seq := s.seq.Next()
	if err := s.journal.Append(journal.NewRecord(typ, seq, payload)); err != nil {
		s.log.Warn("journal append failed", "type", typ.String(), "seq", seq, "err", err)
	}
}

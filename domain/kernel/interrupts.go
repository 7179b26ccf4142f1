package kernel

import (
	"errors"
	"fmt"
	"time"

	"shipwreck/domain/vmm"
)

// Vector layout.
const (
	VectorPageFault = 0x0E
	VectorIRQBase   = 0x20
	VectorKeyboard  = 0x20
	VectorMouse     = 0x21
	VectorIRQLast   = 0x2F
	VectorTimer     = 0xE0
)

var exceptionNames = [...]string{
	"DIVIDE BY ZERO",
	"DEBUG",
	"NON-MASKABLE INTERRUPT",
	"BREAKPOINT",
	"OVERFLOW",
	"BOUND RANGE EXCEEDED",
	"INVALID OPCODE",
	"DEVICE NOT AVAILABLE",
	"DOUBLE FAULT",
	"COPROCESSOR SEGMENT OVERRUN",
	"INVALID TSS",
	"SEGMENT NOT PRESENT",
	"STACK-SEGMENT FAULT",
	"GENERAL PROTECTION FAULT",
}

// InterruptFrame is what a handler sees: the vector, the interrupted
// thread, the fault code and address for exceptions, and a data word for
// device interrupts.
type InterruptFrame struct {
	Vector uint8
	Caller ThreadRef
	Code   uint32
	CR2    uint32
	Data   int32
}

// Handler runs with the mask held. It must not call exported kernel
// methods, which take the mask themselves.
type Handler func(k *Kernel, f *InterruptFrame) error

// Crash is the machine state captured when a fatal fault halts the CPU.
type Crash struct {
	Time   time.Time
	Vector uint8
	Name   string
	Thread ThreadRef
	Frame  TrapFrame
	Code   uint32
	CR2    uint32
	Reason string
	State  State
}

func (k *Kernel) initIDT() {
	for v := range k.idt {
		k.idt[v] = unhandled
	}
	for v := range exceptionNames {
		k.idt[v] = fatalException
	}
	k.idt[VectorPageFault] = pageFault
	k.idt[VectorTimer] = timer
}

// RegisterIRQ installs a device interrupt handler. Only the device range
// 0x20-0x2F may be replaced.
func (k *Kernel) RegisterIRQ(vector uint8, h Handler) error {
	if vector < VectorIRQBase || vector > VectorIRQLast || h == nil {
		return fmt.Errorf("%w: %#x", ErrBadVector, vector)
	}
	k.cpu.Cli()
	defer k.cpu.Sti()
	k.idt[vector] = h
	return nil
}

// Interrupt delivers vector. The handler runs with the mask held, so
// interrupts never nest; every delivered interrupt wakes halted threads.
// A nil frame means the interrupted thread is the current one.
func (k *Kernel) Interrupt(vector uint8, f *InterruptFrame) error {
	if k.cpu.Halted() {
		return ErrHalted
	}
	k.cpu.Cli()
	defer k.cpu.Sti()
	return k.interrupt(vector, f)
}

func (k *Kernel) interrupt(vector uint8, f *InterruptFrame) error {
	if f == nil {
		f = &InterruptFrame{Caller: k.current()}
	}
	f.Vector = vector
	if !f.Caller.Valid() {
		f.Caller = k.current()
	}
	err := k.idt[vector](k, f)
	k.cpu.signal()
	return err
}

func unhandled(k *Kernel, f *InterruptFrame) error {
	k.log.Warn("unhandled interrupt", "vector", fmt.Sprintf("%#x", f.Vector), "thread", f.Caller.String())
	return nil
}

func fatalException(k *Kernel, f *InterruptFrame) error {
	return k.fatal(f, exceptionNames[f.Vector], nil)
}

func pageFault(k *Kernel, f *InterruptFrame) error {
	p := k.proc(f.Caller.PID)
	if p == nil {
		return k.fatal(f, "PAGE FAULT", ErrBadHandle)
	}
	err := k.mm.HandlePageFault(&vmm.PageFault{Addr: f.CR2, Code: f.Code, CR3: p.cr3})
	if err != nil {
		return k.fatal(f, "PAGE FAULT", err)
	}
	return nil
}

func timer(k *Kernel, f *InterruptFrame) error {
	k.tick()
	return nil
}

// fatal logs the full frame, hands a crash dump to the reporter and halts
// the CPU. Mask held.
func (k *Kernel) fatal(f *InterruptFrame, name string, cause error) error {
	var frame TrapFrame
	if t := k.thread(f.Caller); t != nil {
		frame = t.frame
	}
	reason := name
	if cause != nil {
		reason = fmt.Sprintf("%s: %v", name, cause)
	}

	r := frame.Regs
	k.log.Error("fatal exception",
		"vector", fmt.Sprintf("%#x", f.Vector),
		"name", name,
		"thread", f.Caller.String(),
		"code", fmt.Sprintf("%#x", f.Code),
		"cr2", fmt.Sprintf("%#x", f.CR2),
		"eax", r.EAX, "ebx", r.EBX, "ecx", r.ECX, "edx", r.EDX,
		"esi", r.ESI, "edi", r.EDI, "ebp", r.EBP, "esp", r.ESP,
		"eip", fmt.Sprintf("%#x", frame.Int.EIP),
		"cs", frame.Int.CS,
		"eflags", fmt.Sprintf("%#x", frame.Int.EFlags),
		"user_esp", fmt.Sprintf("%#x", frame.Int.ESP),
		"ss", frame.Int.SS,
		"err", cause,
	)

	if k.crash != nil {
		c := Crash{
			Time:   time.Now(),
			Vector: f.Vector,
			Name:   name,
			Thread: f.Caller,
			Frame:  frame,
			Code:   f.Code,
			CR2:    f.CR2,
			Reason: reason,
			State:  k.state(),
		}
		if err := k.crash.ReportCrash(c); err != nil {
			k.log.Error("crash dump failed", "err", err)
		}
	}

	k.cpu.haltLocked()
	if cause == nil {
		cause = errors.New(name)
	}
	return fmt.Errorf("%w: %v", ErrHalted, cause)
}

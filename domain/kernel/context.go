package kernel

import (
	"context"
	"errors"
	"fmt"

	"shipwreck/domain/vmm"
	"shipwreck/infra/queue"
)

// Program is the code a user or kernel thread runs.
type Program func(c *Context)

// maxFaultRetries bounds how many page faults one user access may take
// before it gives up; every retry resolves at least one faulting page.
const maxFaultRetries = 16

// Context is what a running thread sees of the kernel: who it is and the
// trap gate. User code reaches the kernel only through it.
type Context struct {
	k   *Kernel
	ctx context.Context

	Ref  ThreadRef
	Data int32
}

// NewContext returns a context for an existing thread, for callers that
// drive a thread from outside, such as a remote trap client.
func (k *Kernel) NewContext(ctx context.Context, ref ThreadRef) *Context {
	return &Context{k: k, ctx: ctx, Ref: ref}
}

func (c *Context) Kernel() *Kernel { return c.k }

func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Context) Err() error { return c.ctx.Err() }

// Syscall traps into the kernel. Without an installed gate every call
// fails with -1.
func (c *Context) Syscall(code, data uint32) int32 {
	h := c.k.gate.Load()
	if h == nil || h.g == nil {
		return -1
	}
	return h.g.Syscall(c.ctx, c.Ref, code, data)
}

// Load reads user memory of the thread's process.
func (c *Context) Load(vaddr uint32, buf []byte) error {
	return c.k.UserAccess(c.Ref, func(s *vmm.AddressSpace) error {
		return s.Load(vaddr, buf, vmm.UserMode)
	})
}

// Store writes user memory, taking copy-on-write faults on the way.
func (c *Context) Store(vaddr uint32, buf []byte) error {
	return c.k.UserAccess(c.Ref, func(s *vmm.AddressSpace) error {
		return s.Store(vaddr, buf, vmm.UserMode)
	})
}

// Yield gives up the CPU until the next tick.
func (c *Context) Yield() error { return c.k.Yield(c.Ref) }

// Receive consumes up to max messages from the process's queue.
func (c *Context) Receive(max int) []queue.Message {
	return c.k.ReceiveMsgs(c.Ref.PID, max)
}

// UserAccess runs fn against caller's address space with user privilege.
// A page fault is delivered as interrupt 0x0E and fn is retried once the
// handler returns; a fatal fault halts the CPU and is returned.
func (k *Kernel) UserAccess(caller ThreadRef, fn func(s *vmm.AddressSpace) error) error {
	s, err := k.Space(caller.PID)
	if err != nil {
		return err
	}
	for range maxFaultRetries {
		err = fn(s)
		var pf *vmm.PageFault
		if !errors.As(err, &pf) {
			return err
		}
		f := &InterruptFrame{Caller: caller, Code: pf.Code, CR2: pf.Addr}
		if ierr := k.Interrupt(VectorPageFault, f); ierr != nil {
			return ierr
		}
	}
	return fmt.Errorf("kernel: access kept faulting: %w", err)
}

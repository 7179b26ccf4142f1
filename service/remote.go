package service

import (
	"context"
	"errors"
	"fmt"

	"shipwreck/domain/kernel"
	"shipwreck/infra/journal"
	"shipwreck/infra/wire"
)

// Remote callers drive a thread from outside the kernel: they spawn it,
// trap on its behalf and move bytes in and out of its address space.

var ErrBadRequest = errors.New("service: bad request")

// maxRemoteAccess bounds one remote load or store.
const maxRemoteAccess = maxTransfer

// Spawn creates a thread. With PID 0 it first creates a process for it. A
// thread whose entry address has no registered program is driven entirely
// by its remote caller.
func (s *TrapService) Spawn(req wire.Spawn) (wire.Spawn, error) {
	pid := int(req.PID)
	if pid == 0 {
		var err error
		if pid, err = s.k.NewUserProcess(); err != nil {
			return wire.Spawn{}, err
		}
	}
	ref, err := s.k.NewUserThread(pid, kernel.Entry{Addr: req.Entry, Data: req.Data}, req.StackBytes)
	if err != nil {
		return wire.Spawn{}, err
	}

	reply := req
	reply.PID, reply.TID = int32(ref.PID), int32(ref.TID)
	s.appendRecord(journal.RecordSpawn, reply.Marshal())
	s.log.Info("thread spawned", "thread", ref.String(), "entry", fmt.Sprintf("%#x", req.Entry))
	return reply, nil
}

// Load reads req.Len bytes of the thread's memory with user privilege.
func (s *TrapService) Load(ctx context.Context, req wire.Memory) (wire.Memory, error) {
	if req.Len > maxRemoteAccess {
		return wire.Memory{}, fmt.Errorf("%w: load of %d bytes", ErrBadRequest, req.Len)
	}
	ref, err := s.remoteThread(req)
	if err != nil {
		return wire.Memory{}, err
	}
	buf := make([]byte, req.Len)
	if err := s.k.NewContext(ctx, ref).Load(req.Addr, buf); err != nil {
		s.fault(req, err)
		return wire.Memory{}, err
	}
	reply := req
	reply.Bytes = buf
	return reply, nil
}

// Store writes req.Bytes into the thread's memory with user privilege,
// breaking copy-on-write sharing as needed.
func (s *TrapService) Store(ctx context.Context, req wire.Memory) error {
	if len(req.Bytes) > maxRemoteAccess {
		return fmt.Errorf("%w: store of %d bytes", ErrBadRequest, len(req.Bytes))
	}
	ref, err := s.remoteThread(req)
	if err != nil {
		return err
	}
	if err := s.k.NewContext(ctx, ref).Store(req.Addr, req.Bytes); err != nil {
		s.fault(req, err)
		return err
	}
	return nil
}

func (s *TrapService) remoteThread(req wire.Memory) (kernel.ThreadRef, error) {
	ref := kernel.ThreadRef{PID: int(req.PID), TID: int(req.TID)}
	if st := s.k.ThreadState(ref); st != kernel.Running {
		return kernel.NoThread, fmt.Errorf("%w: thread %v is %v", kernel.ErrBadHandle, ref, st)
	}
	return ref, nil
}

// fault journals a failed remote access.
func (s *TrapService) fault(req wire.Memory, err error) {
	rec := wire.Memory{PID: req.PID, TID: req.TID, Addr: req.Addr, Len: max(req.Len, uint32(len(req.Bytes)))}
	s.appendRecord(journal.RecordFault, rec.Marshal())
	s.log.Warn("remote access failed", "pid", req.PID, "tid", req.TID, "addr", fmt.Sprintf("%#x", req.Addr), "err", err)
}

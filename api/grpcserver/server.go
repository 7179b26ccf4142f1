// Package grpcserver exports the trap gate over gRPC so user programs can
// run outside the kernel process. A remote program spawns a thread, then
// traps and touches memory on that thread's behalf.
package grpcserver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"shipwreck/domain/kernel"
	"shipwreck/infra/wire"
	"shipwreck/service"
	"shipwreck/snapshot"
)

// Server adapts TrapService to gRPC.
type Server struct {
	svc *service.TrapService
	log *slog.Logger
}

func NewServer(svc *service.TrapService, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: svc, log: log.With("component", "grpc")}
}

// NewGRPCServer returns a grpc.Server with the trap service registered and
// call logging installed.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(srv.logCalls))
	g := grpc.NewServer(opts...)
	RegisterTrapServer(g, srv)
	return g
}

// -------------------- Traps --------------------

func (s *Server) Syscall(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var tr wire.Trap
	if err := tr.Unmarshal(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	caller := kernel.ThreadRef{PID: int(tr.PID), TID: int(tr.TID)}
	tr.Result = s.svc.Syscall(ctx, caller, tr.Code, tr.Data)
	tr.Time = time.Now().UnixNano()
	return wrapperspb.Bytes(tr.Marshal()), nil
}

func (s *Server) Spawn(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var sp wire.Spawn
	if err := sp.Unmarshal(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	reply, err := s.svc.Spawn(sp)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(reply.Marshal()), nil
}

// -------------------- Memory --------------------

func (s *Server) Load(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var m wire.Memory
	if err := m.Unmarshal(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	reply, err := s.svc.Load(ctx, m)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(reply.Marshal()), nil
}

func (s *Server) Store(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var m wire.Memory
	if err := m.Unmarshal(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	if err := s.svc.Store(ctx, m); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// -------------------- Queries --------------------

func (s *Server) Snapshot(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	b, err := snapshot.Encode(s.svc.JournalSeq(), s.svc.Kernel().Snapshot())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(b), nil
}

// PostEvent injects a user input event, as a device driver would.
func (s *Server) PostEvent(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	var ev wire.Event
	if err := ev.Unmarshal(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	ok := s.svc.Kernel().Events().NewUserEvent(kernel.UserEvent(ev.ID), ev.Data)
	return wrapperspb.Bool(ok), nil
}

// -------------------- Plumbing --------------------

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("call",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"took", time.Since(start),
	)
	return resp, err
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, wire.ErrMalformed), errors.Is(err, service.ErrBadRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, kernel.ErrBadHandle):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, kernel.ErrNoProcessSlot),
		errors.Is(err, kernel.ErrNoThreadSlot),
		errors.Is(err, kernel.ErrOutOfMemory):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, kernel.ErrHalted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

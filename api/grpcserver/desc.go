package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The trap service has no .proto of its own: every payload is a
// wire-encoded record carried in a BytesValue, so the descriptor is written
// out here the way protoc-gen-go-grpc would emit it.

const ServiceName = "shipwreck.Trap"

const (
	MethodSyscall   = "/" + ServiceName + "/Syscall"
	MethodLoad      = "/" + ServiceName + "/Load"
	MethodStore     = "/" + ServiceName + "/Store"
	MethodSpawn     = "/" + ServiceName + "/Spawn"
	MethodSnapshot  = "/" + ServiceName + "/Snapshot"
	MethodPostEvent = "/" + ServiceName + "/PostEvent"
)

// TrapServer is the server API of shipwreck.Trap.
type TrapServer interface {
	Syscall(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Load(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Store(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Spawn(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Snapshot(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	PostEvent(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error)
}

var TrapServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrapServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Syscall", TrapServer.Syscall),
		unary("Load", TrapServer.Load),
		unary("Store", TrapServer.Store),
		unary("Spawn", TrapServer.Spawn),
		unary("Snapshot", TrapServer.Snapshot),
		unary("PostEvent", TrapServer.PostEvent),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shipwreck/trap",
}

func RegisterTrapServer(s grpc.ServiceRegistrar, srv TrapServer) {
	s.RegisterService(&TrapServiceDesc, srv)
}

// unary builds the method descriptor for one call. Req is a pointer to a
// generated message type.
func unary[Req, Resp proto.Message](name string, call func(TrapServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			var zero Req
			in := zero.ProtoReflect().New().Interface().(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TrapServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(TrapServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

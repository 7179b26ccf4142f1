package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"shipwreck/infra/wire"
	"shipwreck/snapshot"
)

// Client is the remote side of shipwreck.Trap.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Spawn starts a thread; PID 0 asks for a new process.
func (c *Client) Spawn(ctx context.Context, req wire.Spawn) (wire.Spawn, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, MethodSpawn, wrapperspb.Bytes(req.Marshal()), out); err != nil {
		return wire.Spawn{}, err
	}
	var reply wire.Spawn
	err := reply.Unmarshal(out.GetValue())
	return reply, err
}

// Syscall traps on behalf of thread pid:tid and returns the result.
func (c *Client) Syscall(ctx context.Context, pid, tid int32, code, data uint32) (int32, error) {
	req := wire.Trap{PID: pid, TID: tid, Code: code, Data: data}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, MethodSyscall, wrapperspb.Bytes(req.Marshal()), out); err != nil {
		return -1, err
	}
	var reply wire.Trap
	if err := reply.Unmarshal(out.GetValue()); err != nil {
		return -1, err
	}
	return reply.Result, nil
}

func (c *Client) Load(ctx context.Context, pid, tid int32, addr, n uint32) ([]byte, error) {
	req := wire.Memory{PID: pid, TID: tid, Addr: addr, Len: n}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, MethodLoad, wrapperspb.Bytes(req.Marshal()), out); err != nil {
		return nil, err
	}
	var reply wire.Memory
	if err := reply.Unmarshal(out.GetValue()); err != nil {
		return nil, err
	}
	return reply.Bytes, nil
}

func (c *Client) Store(ctx context.Context, pid, tid int32, addr uint32, b []byte) error {
	req := wire.Memory{PID: pid, TID: tid, Addr: addr, Bytes: b}
	return c.cc.Invoke(ctx, MethodStore, wrapperspb.Bytes(req.Marshal()), new(emptypb.Empty))
}

func (c *Client) Snapshot(ctx context.Context) (snapshot.Snapshot, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, MethodSnapshot, &emptypb.Empty{}, out); err != nil {
		return snapshot.Snapshot{}, err
	}
	return snapshot.Decode(out.GetValue())
}

func (c *Client) PostEvent(ctx context.Context, id, data int32) (bool, error) {
	req := wire.Event{ID: id, Data: data}
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, MethodPostEvent, wrapperspb.Bytes(req.Marshal()), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

package service

import (
	"encoding/binary"
	"fmt"
)

// Code is a syscall number. Codes are dense and stable; they are part of
// the user ABI.
type Code uint32

const (
	SysNull Code = iota

	SysAlloc
	SysAllocAt

	SysOpen
	SysSeek
	SysRead
	SysWrite

	SysNewThread
	SysYield

	SysGetEnv
	SysSubscribe

	SysLock
	SysUnlock

	SysMonitor
	SysUnmonitor
	SysNotify

	SysUpdateGUI
	SysRedrawGUI

	SysMax
)

var codeNames = [SysMax]string{
	SysNull:      "null",
	SysAlloc:     "alloc",
	SysAllocAt:   "alloc_at",
	SysOpen:      "open",
	SysSeek:      "seek",
	SysRead:      "read",
	SysWrite:     "write",
	SysNewThread: "new_thread",
	SysYield:     "yield",
	SysGetEnv:    "get_env",
	SysSubscribe: "subscribe",
	SysLock:      "lock",
	SysUnlock:    "unlock",
	SysMonitor:   "monitor",
	SysUnmonitor: "unmonitor",
	SysNotify:    "notify",
	SysUpdateGUI: "update_gui",
	SysRedrawGUI: "redraw_gui",
}

func (c Code) String() string {
	if c < SysMax {
		return codeNames[c]
	}
	return fmt.Sprintf("syscall(%d)", uint32(c))
}

// ---------------- Parameter blocks ----------------
//
// Calls with more than one argument pass the user address of a packed
// little-endian struct in data. The layouts below are those structs.

type AllocAtParams struct {
	Pages uint32
	VAddr uint32
}

type SeekParams struct {
	File   uint32
	Offset int32
}

// IOParams is shared by read and write.
type IOParams struct {
	File   uint32
	Buffer uint32
	Length uint32
}

type ThreadParams struct {
	Function uint32
}

// MonitorParams is shared by monitor and notify.
type MonitorParams struct {
	Monitor int32
	Diff    int32
}

const (
	allocAtSize = 8
	seekSize    = 8
	ioSize      = 12
	threadSize  = 4
	monitorSize = 8
)

func word(b []byte, i int) uint32 { return binary.LittleEndian.Uint32(b[4*i:]) }

func decodeAllocAt(b []byte) AllocAtParams {
	return AllocAtParams{Pages: word(b, 0), VAddr: word(b, 1)}
}

func decodeSeek(b []byte) SeekParams {
	return SeekParams{File: word(b, 0), Offset: int32(word(b, 1))}
}

func decodeIO(b []byte) IOParams {
	return IOParams{File: word(b, 0), Buffer: word(b, 1), Length: word(b, 2)}
}

func decodeThread(b []byte) ThreadParams {
	return ThreadParams{Function: word(b, 0)}
}

func decodeMonitor(b []byte) MonitorParams {
	return MonitorParams{Monitor: int32(word(b, 0)), Diff: int32(word(b, 1))}
}

// Encode returns the in-memory form of p, for callers building parameter
// blocks in user memory.
func (p AllocAtParams) Encode() []byte { return words(p.Pages, p.VAddr) }
func (p SeekParams) Encode() []byte    { return words(p.File, uint32(p.Offset)) }
func (p IOParams) Encode() []byte      { return words(p.File, p.Buffer, p.Length) }
func (p ThreadParams) Encode() []byte  { return words(p.Function) }
func (p MonitorParams) Encode() []byte { return words(uint32(p.Monitor), uint32(p.Diff)) }

func words(v ...uint32) []byte {
	b := make([]byte, 4*len(v))
	for i, w := range v {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
	return b
}

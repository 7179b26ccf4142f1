package journal

import (
	"fmt"
	"time"
)

type RecordType uint8

const (
	RecordSyscall RecordType = iota + 1
	RecordSpawn
	RecordFault
)

func (t RecordType) String() string {
	switch t {
	case RecordSyscall:
		return "SYSCALL"
	case RecordSpawn:
		return "SPAWN"
	case RecordFault:
		return "FAULT"
	default:
		return fmt.Sprintf("RecordType(%d)", t)
	}
}

type Record struct {
	Type RecordType
	Seq  uint64
	Time int64
	Data []byte
}

func NewRecord(t RecordType, seq uint64, data []byte) *Record {
	return &Record{
		Type: t,
		Seq:  seq,
		Time: time.Now().UnixNano(),
		Data: data,
	}
}

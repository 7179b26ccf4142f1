// Package queue implements the kernel's only IPC primitive: a lock-free ring
// of fixed-size records tracked by three watermark ranges.
//
//	locked.head <= safe.head <= safe.tail <= locked.tail   (mod 2^16)
//
// Slots in [locked.head, safe.head) were consumed and are waiting to be
// zeroed and collected. [safe.head, safe.tail) is published and can be
// dequeued. [safe.tail, locked.tail) is claimed by producers that may still
// be writing.
package queue

// MaxRaceTries bounds every CAS loop in this package. A caller that loses
// this many races in a row gets "nothing happened" back.
const MaxRaceTries = 10

// MaxCapacity keeps ring indices unambiguous under 16-bit counter wrap.
const MaxCapacity = 1 << 15

// Range is a pair of wrapping 16-bit counters. It packs into one word so
// both ends move together under a single CAS.
type Range struct {
	Head uint16
	Tail uint16
}

// Len is Tail-Head with wraparound.
func (r Range) Len() int {
	return int(r.Tail - r.Head)
}

func (r Range) Empty() bool {
	return r.Head == r.Tail
}

// head in the low half, tail in the high half
func (r Range) pack() uint32 {
	return uint32(r.Head) | uint32(r.Tail)<<16
}

func unpack(v uint32) Range {
	return Range{Head: uint16(v), Tail: uint16(v >> 16)}
}

// Message is the record type for event and per-process queues. The zero
// Message marks an empty slot, so ID 0 is never a valid message.
type Message struct {
	ID   int32
	Data int32
}

func checkCapacity(size int) {
	if size <= 0 || size&(size-1) != 0 || size > MaxCapacity {
		panic("queue size must be a power of two no larger than 32768")
	}
}

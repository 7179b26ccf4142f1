package queue

import "sync/atomic"

// MsgQueue is the single-producer single-consumer variant used for the
// per-process environment queue. The kernel is the only producer and the
// process's message thread the only consumer, so no side needs CAS: each
// side owns its counters and only loads the other's.
type MsgQueue struct {
	tail  atomic.Uint32 // producer: locked.tail == safe.tail
	_pad1 [60]byte
	head  atomic.Uint32 // consumer: safe.head
	_pad2 [60]byte
	freed atomic.Uint32 // consumer: locked.head

	buf  []Message
	mask uint16
}

func NewMsgQueue(size int) *MsgQueue {
	checkCapacity(size)
	return &MsgQueue{
		buf:  make([]Message, size),
		mask: uint16(size - 1),
	}
}

func (q *MsgQueue) Cap() int { return len(q.buf) }

// Enqueue writes msg and publishes it at once. It returns false when the
// consumer has not released enough slots.
func (q *MsgQueue) Enqueue(msg Message) bool {
	t := uint16(q.tail.Load())
	if int(t-uint16(q.freed.Load())) >= len(q.buf) {
		return false
	}
	q.buf[t&q.mask] = msg
	q.tail.Store(uint32(t + 1))
	return true
}

// Dequeue consumes up to num messages and returns their range. The caller
// reads them with Get and then calls Release.
func (q *MsgQueue) Dequeue(num int) Range {
	h := uint16(q.head.Load())
	n := int(uint16(q.tail.Load()) - h)
	if n == 0 || num <= 0 {
		return Range{}
	}
	if num < n {
		n = num
	}
	q.head.Store(uint32(h + uint16(n)))
	return Range{Head: h, Tail: h + uint16(n)}
}

// Release hands num consumed slots back to the producer. Releasing more
// than was dequeued is ignored.
func (q *MsgQueue) Release(num int) {
	f := uint16(q.freed.Load())
	if num <= 0 || num > int(uint16(q.head.Load())-f) {
		return
	}
	q.freed.Store(uint32(f + uint16(num)))
}

func (q *MsgQueue) Get(i int) Message {
	return q.buf[uint16(i)&q.mask]
}

// Size is the number of published, unconsumed messages.
func (q *MsgQueue) Size() int {
	return int(uint16(q.tail.Load()) - uint16(q.head.Load()))
}

// Ranges returns the locked and safe ranges. For this queue both share the
// producer's tail.
func (q *MsgQueue) Ranges() (locked, safe Range) {
	t := uint16(q.tail.Load())
	return Range{Head: uint16(q.freed.Load()), Tail: t},
		Range{Head: uint16(q.head.Load()), Tail: t}
}

package queue

import "sync/atomic"

// SharedQueue is a lock-free multi-producer multi-consumer ring. Producers
// claim slots by CAS on the locked range; consumers see a slot only after
// GatherNewData has moved safe.tail over it, and only in index order: a
// written slot behind an unwritten one stays invisible until the earlier
// producer finishes.
type SharedQueue[T comparable] struct {
	locked atomic.Uint32
	_pad1  [60]byte
	safe   atomic.Uint32
	_pad2  [60]byte

	gathering  atomic.Bool
	collecting atomic.Bool

	slots []atomic.Pointer[T]
	mask  uint16
}

func NewSharedQueue[T comparable](size int) *SharedQueue[T] {
	checkCapacity(size)
	return &SharedQueue[T]{
		slots: make([]atomic.Pointer[T], size),
		mask:  uint16(size - 1),
	}
}

func (q *SharedQueue[T]) Cap() int { return len(q.slots) }

// Enqueue claims the next slot and writes rec into it. It returns the
// claimed index, or -1 when the ring is full, rec is the zero record, or
// the claim lost MaxRaceTries races.
func (q *SharedQueue[T]) Enqueue(rec T) int {
	var zero T
	if rec == zero {
		return -1
	}
	for i := 0; i < MaxRaceTries; i++ {
		old := q.locked.Load()
		cur := unpack(old)
		if cur.Len()+1 > len(q.slots) {
			return -1
		}
		next := cur
		next.Tail++
		if q.locked.CompareAndSwap(old, next.pack()) {
			v := rec
			q.slots[cur.Tail&q.mask].Store(&v)
			return int(cur.Tail)
		}
	}
	return -1
}

// GatherNewData advances safe.tail over the contiguous run of written slots
// and returns how many it found. Only one caller runs at a time; the others
// return 0 immediately.
func (q *SharedQueue[T]) GatherNewData() int {
	if !q.gathering.CompareAndSwap(false, true) {
		return 0
	}
	defer q.gathering.Store(false)

	claimed := unpack(q.locked.Load()).Tail
	tail := unpack(q.safe.Load()).Tail

	found := uint16(0)
	for pending := claimed - tail; found < pending; found++ {
		if q.slots[(tail+found)&q.mask].Load() == nil {
			break
		}
	}
	if found > 0 {
		// tail is the high half, so the add cannot carry into head
		q.safe.Add(uint32(found) << 16)
	}
	return int(found)
}

// Dequeue claims up to num published records. An empty Range means nothing
// was available or the claim kept losing races. The range must be passed
// to Release once the records are consumed.
func (q *SharedQueue[T]) Dequeue(num int) Range {
	if num <= 0 {
		return Range{}
	}
	for i := 0; i < MaxRaceTries; i++ {
		old := q.safe.Load()
		cur := unpack(old)
		n := cur.Len()
		if n == 0 {
			break
		}
		if num < n {
			n = num
		}
		next := cur
		next.Head += uint16(n)
		if q.safe.CompareAndSwap(old, next.pack()) {
			return Range{Head: cur.Head, Tail: next.Head}
		}
	}
	return Range{}
}

// Get returns the record at ring index i, or the zero record if the slot is
// empty.
func (q *SharedQueue[T]) Get(i int) T {
	if p := q.slots[uint16(i)&q.mask].Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

// Release zeroes the slots of a dequeued range.
func (q *SharedQueue[T]) Release(r Range) {
	for i := r.Head; i != r.Tail; i++ {
		q.slots[i&q.mask].Store(nil)
	}
}

// GarbageCollect advances locked.head over released slots so producers can
// reuse them. It reports whether this call did the collection.
func (q *SharedQueue[T]) GarbageCollect() bool {
	if !q.collecting.CompareAndSwap(false, true) {
		return false
	}
	defer q.collecting.Store(false)

	head := unpack(q.locked.Load()).Head
	consumed := unpack(q.safe.Load()).Head - head

	n := uint16(0)
	for ; n < consumed; n++ {
		if q.slots[(head+n)&q.mask].Load() != nil {
			break
		}
	}
	if n == 0 {
		return true
	}
	for i := 0; i < MaxRaceTries; i++ {
		old := q.locked.Load()
		cur := unpack(old)
		cur.Head += n
		if q.locked.CompareAndSwap(old, cur.pack()) {
			break
		}
	}
	return true
}

// Size is a snapshot of the published, unconsumed record count.
func (q *SharedQueue[T]) Size() int {
	return unpack(q.safe.Load()).Len()
}

// Backlog counts every record claimed by a producer and not yet dequeued,
// published or not.
func (q *SharedQueue[T]) Backlog() int {
	return int(unpack(q.locked.Load()).Tail - unpack(q.safe.Load()).Head)
}

// Ranges returns a snapshot of the locked and safe ranges.
func (q *SharedQueue[T]) Ranges() (locked, safe Range) {
	return unpack(q.locked.Load()), unpack(q.safe.Load())
}

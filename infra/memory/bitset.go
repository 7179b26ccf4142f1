package memory

import "sync/atomic"

// BitAllocator is a fixed-capacity bitset. A clear bit is free, a set bit is
// in use. A block holding all-ones is either full or transiently locked by
// LockBlock; both read as "nothing free here".
type BitAllocator struct {
	blocks []atomic.Uint32
	bits   int
	rnd    Prand
}

// NewBitAllocator creates an allocator for n bits. Bits past n in the last
// block are set at construction so they are never handed out.
func NewBitAllocator(n int) *BitAllocator {
	if n <= 0 {
		panic("BitAllocator size must be positive")
	}
	b := &BitAllocator{
		blocks: make([]atomic.Uint32, (n+31)/32),
		bits:   n,
	}
	if tail := uint32(n % 32); tail != 0 {
		b.blocks[len(b.blocks)-1].Store(highOnes(32 - tail))
	}
	return b
}

func (b *BitAllocator) Capacity() int { return b.bits }
func (b *BitAllocator) Blocks() int   { return len(b.blocks) }

// BlockOf returns the block holding bit i.
func BlockOf(i int) int { return i / 32 }

// LockNextBit claims one free bit, starting the scan at a pseudo-random
// block. It returns the bit index or -1.
func (b *BitAllocator) LockNextBit() int {
	return b.LockNextBitFrom(int(b.rnd.Next() % uint32(len(b.blocks))))
}

// LockNextBitFrom claims one free bit scanning every block once, starting at
// block start and wrapping. It returns the bit index or -1.
func (b *BitAllocator) LockNextBitFrom(start int) int {
	n := len(b.blocks)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		blk := &b.blocks[idx]
		cur := blk.Load()
		for j := 0; j < 32 && cur != fullBlock; j++ {
			bit := lowestClear(cur)
			if blk.CompareAndSwap(cur, cur|1<<bit) {
				return idx*32 + int(bit)
			}
			cur = blk.Load()
		}
	}
	return -1
}

// UnlockBit frees bit i.
func (b *BitAllocator) UnlockBit(i int) {
	if i < 0 || i >= b.bits {
		return
	}
	b.blocks[i/32].And(^(uint32(1) << (i % 32)))
}

// IsSet reports whether bit i is in use.
func (b *BitAllocator) IsSet(i int) bool {
	if i < 0 || i >= b.bits {
		return false
	}
	return b.blocks[i/32].Load()&(1<<(i%32)) != 0
}

// LockBlock swaps all-ones into block i and returns what was there. A
// result of all-ones means the block was full or someone else holds it.
func (b *BitAllocator) LockBlock(i int) uint32 {
	return b.blocks[i].Swap(fullBlock)
}

// LockNextBlock locks the first block at or after start (wrapping once) that
// had at least one free bit. The caller owns the block until UnlockBlock.
func (b *BitAllocator) LockNextBlock(start int) (idx int, bits uint32, ok bool) {
	n := len(b.blocks)
	for i := 0; i < n; i++ {
		idx = (start + i) % n
		if bits = b.LockBlock(idx); bits != fullBlock {
			return idx, bits, true
		}
	}
	return 0, fullBlock, false
}

// UnlockBlock releases a block taken by LockBlock, storing bits as its new
// value. All-ones is a valid value here and means the block is now full.
func (b *BitAllocator) UnlockBlock(bits uint32, i int) {
	b.blocks[i].Store(bits)
}

// LockBitmask sets mask in block i and returns the bits of mask that were
// not already set. ok is false when the block was full or locked by
// someone else.
func (b *BitAllocator) LockBitmask(i int, mask uint32) (locked uint32, ok bool) {
	if mask == 0 {
		return 0, true
	}
	prev := b.LockBlock(i)
	if prev == fullBlock {
		return 0, false
	}
	b.blocks[i].Store(prev | mask)
	return ^prev & mask, true
}

// LockBitRange permanently reserves bits [start, start+size). It is meant
// for boot time, before anyone else touches the allocator.
func (b *BitAllocator) LockBitRange(start, size int) {
	if size <= 0 || start < 0 || start >= b.bits {
		return
	}
	end := start + size
	if end > b.bits {
		end = b.bits
	}
	first, last := start/32, (end-1)/32

	head := highOnes(uint32(32 - start%32))
	tail := lowOnes(uint32(end - last*32))

	if first == last {
		b.LockBitmask(first, head&tail)
		return
	}
	b.LockBitmask(first, head)
	for i := first + 1; i < last; i++ {
		b.LockBitmask(i, fullBlock)
	}
	b.LockBitmask(last, tail)
}

// FreeCount is a best-effort count of clear bits.
func (b *BitAllocator) FreeCount() int {
	free := 0
	for i := range b.blocks {
		v := b.blocks[i].Load()
		for ; v != fullBlock; v |= 1 << lowestClear(v) {
			free++
		}
	}
	return free
}

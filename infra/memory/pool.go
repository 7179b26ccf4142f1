package memory

// Pool is a fixed-capacity typed slab. Slots are claimed through a
// BitAllocator, so Get and Put are lock-free and never allocate.
type Pool[T any] struct {
	alloc *BitAllocator
	items []T
}

func NewPool[T any](n int) *Pool[T] {
	return &Pool[T]{
		alloc: NewBitAllocator(n),
		items: make([]T, n),
	}
}

// Get claims a free slot and returns it with its index. It returns nil and
// -1 when the pool is exhausted.
func (p *Pool[T]) Get() (*T, int) {
	i := p.alloc.LockNextBit()
	if i < 0 {
		return nil, -1
	}
	return &p.items[i], i
}

// Put zeroes v and returns its slot. Pointers that did not come from this
// pool are ignored.
func (p *Pool[T]) Put(v *T) {
	i := p.IndexOf(v)
	if i < 0 {
		return
	}
	var zero T
	p.items[i] = zero
	p.alloc.UnlockBit(i)
}

// IndexOf returns the slot index of v, or -1 for a foreign pointer.
func (p *Pool[T]) IndexOf(v *T) int {
	if v == nil {
		return -1
	}
	for i := range p.items {
		if &p.items[i] == v {
			return i
		}
	}
	return -1
}

// At returns slot i regardless of whether it is claimed.
func (p *Pool[T]) At(i int) *T {
	if i < 0 || i >= len(p.items) {
		return nil
	}
	return &p.items[i]
}

func (p *Pool[T]) Cap() int  { return len(p.items) }
func (p *Pool[T]) Free() int { return p.alloc.FreeCount() }

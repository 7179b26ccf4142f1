// Package atomics holds the bounded-retry compare-and-swap helpers shared by
// the allocators and queues. None of them spin forever: a caller that keeps
// losing the race gets a sentinel back and decides what to do.
package atomics

import "sync/atomic"

// MaxAddTries bounds the CAS loop in AddLimit.
const MaxAddTries = 10

// Swap stores v and returns the previous value.
func Swap(addr *atomic.Uint32, v uint32) uint32 {
	return addr.Swap(v)
}

// AddLimit atomically adds diff to *addr unless the result would exceed
// limit. It returns the value before the add on success, and limit when the
// add would overflow or the race was lost MaxAddTries times in a row.
//
// Callers must never let *addr reach limit on their own.
func AddLimit(addr *atomic.Uint32, diff, limit uint32) uint32 {
	cur := addr.Load()
	for i := 0; i < MaxAddTries; i++ {
		if cur > limit || diff > limit-cur {
			return limit
		}
		if addr.CompareAndSwap(cur, cur+diff) {
			return cur
		}
		cur = addr.Load()
	}
	return limit
}

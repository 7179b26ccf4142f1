// Package memory provides the fixed-capacity allocators the kernel is built
// on: BitAllocator, a lock-free bitset where each bit is one page (or one
// pool slot), and Pool, a typed slab that hands out slots from a
// BitAllocator.
//
// Everything here is safe to call from interrupt context. Bits are claimed
// with CAS and whole 32-bit blocks are claimed by swapping in all-ones, so no
// operation ever waits on another caller.
package memory

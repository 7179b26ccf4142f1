// Package vmm simulates x86 two-level paging on top of a flat physical
// memory: page directories and tables live in simulated RAM, every address
// space maps its own tables at 4MiB through directory slot PDirSelfIndex,
// and loads and stores go through an MMU walk that raises *PageFault.
//
// The Manager owns the physical page bitset, the early-boot static heap,
// the shared virtual bump pointer and copy-on-write recovery.
package vmm

// Package snapshot persists point-in-time copies of the kernel state. A
// state snapshot records how far the trap journal had got so older journal
// segments can be dropped; a crash dump is written when a fatal fault halts
// the CPU. Both are gob files and are only ever read back for inspection.
package snapshot

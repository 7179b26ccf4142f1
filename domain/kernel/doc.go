// Package kernel is the process and thread core: the process table, FIFO
// locks and counting monitors, the round-robin scheduler, the interrupt
// table and the kernel event workers.
//
// Simulated threads are goroutines. The CPU's interrupt mask serializes
// every state transition, so at most one thread changes kernel state at a
// time and a blocked thread sleeps on the mask until an interrupt or a
// wakeup makes it Running again.
package kernel

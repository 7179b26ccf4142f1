// Package service is the trap boundary of the kernel. Every syscall a user
// thread makes, local or remote, enters through TrapService, which checks
// the call, runs its handler against the kernel and journals the result.
//
// It also hosts the jobs that sit next to the gate: exporting delivered
// events to the outbox, replaying the trap journal and writing periodic
// state snapshots.
package service

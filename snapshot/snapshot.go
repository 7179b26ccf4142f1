package snapshot

import (
	"time"

	"shipwreck/domain/kernel"
)

type Snapshot struct {
	// Seq is the last journaled trap covered by the snapshot.
	Seq     uint64
	Created time.Time
	State   kernel.State
}

type CrashDump struct {
	Created time.Time
	Crash   kernel.Crash
}

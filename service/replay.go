package service

import (
	"fmt"
	"log/slog"

	"shipwreck/infra/journal"
	"shipwreck/infra/sequence"
	"shipwreck/infra/wire"
)

// JournalStats summarizes a trap journal.
type JournalStats struct {
	LastSeq  uint64
	Syscalls int
	Failed   int
	Spawns   int
	Faults   int
	ByCode   map[Code]int
	ByPID    map[int32]int
}

/*
ReplayJournal reads the trap journal in dir and moves seqGen past its
last record.

IMPORTANT:
- This MUST run before the gate accepts traps, or sequence numbers repeat
- Threads are not recreated: the journal is an audit trail, not a log of
  state to rebuild
*/
func ReplayJournal(dir string, seqGen *sequence.Sequencer, log *slog.Logger) (JournalStats, error) {
	st := JournalStats{
		ByCode: make(map[Code]int),
		ByPID:  make(map[int32]int),
	}
	lastSeq, err := journal.Replay(dir, func(rec *journal.Record) error {
		switch rec.Type {
		case journal.RecordSyscall:
			var tr wire.Trap
			if err := tr.Unmarshal(rec.Data); err != nil {
				return fmt.Errorf("seq %d: %w", rec.Seq, err)
			}
			st.Syscalls++
			st.ByCode[Code(tr.Code)]++
			st.ByPID[tr.PID]++
			if tr.Result < 0 {
				st.Failed++
			}
		case journal.RecordSpawn:
			var sp wire.Spawn
			if err := sp.Unmarshal(rec.Data); err != nil {
				return fmt.Errorf("seq %d: %w", rec.Seq, err)
			}
			st.Spawns++
		case journal.RecordFault:
			st.Faults++
		}
		return nil
	})
	if err != nil {
		return st, err
	}
	st.LastSeq = lastSeq

	// Resume sequencing AFTER replay
	seqGen.Observe(lastSeq)

	if log != nil {
		log.Info("journal replay completed",
			"last_seq", lastSeq,
			"syscalls", st.Syscalls,
			"failed", st.Failed,
			"spawns", st.Spawns,
			"faults", st.Faults,
		)
	}
	return st, nil
}

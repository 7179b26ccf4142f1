package service

import (
	"context"
	"time"

	"shipwreck/snapshot"
)

// SnapshotOnce writes the kernel state and drops what it makes redundant:
// journal segments up to the snapshot and acknowledged outbox entries.
func (s *TrapService) SnapshotOnce(w *snapshot.Writer) error {
	seq := s.seq.Current()

	// Write snapshot
	if err := w.Write(seq, s.k.Snapshot()); err != nil {
		return err
	}

	// Truncate the journal after the snapshot
	if s.journal != nil {
		if err := s.journal.TruncateBefore(seq); err != nil {
			s.log.Warn("journal truncation failed", "seq", seq, "err", err)
		}
	}

	// GC the outbox (acked only)
	if s.outbox != nil {
		last, err := s.outbox.LastSeq()
		if err == nil {
			var n int
			n, err = s.outbox.TruncateAckedUpTo(last)
			if n > 0 {
				s.log.Debug("outbox truncated", "entries", n)
			}
		}
		if err != nil {
			s.log.Warn("outbox truncation failed", "err", err)
		}
	}
	return nil
}

func (s *TrapService) StartSnapshotJob(ctx context.Context, w *snapshot.Writer, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.SnapshotOnce(w); err != nil {
					s.log.Error("snapshot failed", "err", err)
				}
			}
		}
	}()
}

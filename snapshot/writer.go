package snapshot

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"shipwreck/domain/kernel"
)

const (
	snapshotFile = "snapshot.bin"
	crashPattern = "crash-*.bin"
)

type Writer struct {
	Dir string
}

// Write replaces the snapshot file. The new file is written aside and
// renamed so a reader never sees a partial snapshot.
func (w *Writer) Write(seq uint64, state kernel.State) error {
	s := Snapshot{
		Seq:     seq,
		Created: time.Now(),
		State:   state,
	}
	return w.writeFile(snapshotFile, &s)
}

// Encode returns the gob form of a snapshot of state, for sending it
// elsewhere instead of writing it to disk.
func Encode(seq uint64, state kernel.State) ([]byte, error) {
	var buf bytes.Buffer
	s := Snapshot{Seq: seq, Created: time.Now(), State: state}
	if err := gob.NewEncoder(&buf).Encode(&s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReportCrash writes a crash dump named after its time.
func (w *Writer) ReportCrash(c kernel.Crash) error {
	d := CrashDump{Created: time.Now(), Crash: c}
	name := fmt.Sprintf("crash-%d.bin", d.Created.UnixNano())
	return w.writeFile(name, &d)
}

func (w *Writer) writeFile(name string, v any) error {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(w.Dir, name+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(w.Dir, name))
}

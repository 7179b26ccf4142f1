package snapshot

import (
	"bytes"
	"encoding/gob"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Load reads the snapshot in dir. A missing snapshot is not an error: it
// returns a zero Snapshot.
func Load(dir string) (Snapshot, error) {
	var s Snapshot
	err := decodeFile(filepath.Join(dir, snapshotFile), &s)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, nil
	}
	return s, err
}

func LoadCrash(path string) (CrashDump, error) {
	var d CrashDump
	err := decodeFile(path, &d)
	return d, err
}

func decodeFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}

// Decode reads a snapshot produced by Encode.
func Decode(b []byte) (Snapshot, error) {
	var s Snapshot
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&s)
	return s, err
}

// Package journal is an append-only, segmented log of what crossed the
// trap gate. Every record is framed as
//
//	[type:1][seq:8][time:8][len:4][payload][crc:4]
//
// big-endian, with a CRC-32C over header and payload.
package journal

import (
	"encoding/binary"
	"errors"
	"os"
	"sync"
)

const headerSize = 1 + 8 + 8 + 4

var (
	ErrClosed  = errors.New("journal: closed")
	ErrCorrupt = errors.New("journal: corrupt record")
)

type Config struct {
	Dir         string
	SegmentSize int64
	// Sync fsyncs after every append.
	Sync bool
}

type Journal struct {
	mu       sync.Mutex
	dir      string
	segSize  int64
	sync     bool
	current  *segment
	segIndex int
}

// Open starts a fresh segment after any that already exist in Dir, so a
// torn tail left by a crash is never appended to.
func Open(cfg Config) (*Journal, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	files, err := segments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	index := 0
	if len(files) > 0 {
		index = segmentIndex(files[len(files)-1]) + 1
	}

	seg, err := openSegment(cfg.Dir, index)
	if err != nil {
		return nil, err
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 64 << 20
	}
	return &Journal{
		dir:      cfg.Dir,
		segSize:  cfg.SegmentSize,
		sync:     cfg.Sync,
		current:  seg,
		segIndex: index,
	}, nil
}

func encode(r *Record) []byte {
	payloadLen := uint32(len(r.Data))
	buf := make([]byte, headerSize+payloadLen+4)

	buf[0] = byte(r.Type)
	binary.BigEndian.PutUint64(buf[1:9], r.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(buf[17:21], payloadLen)
	copy(buf[headerSize:], r.Data)

	binary.BigEndian.PutUint32(buf[headerSize+payloadLen:], checksum(buf[:headerSize+payloadLen]))
	return buf
}

func (j *Journal) Append(r *Record) error {
	buf := encode(r)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil {
		return ErrClosed
	}
	if err := j.current.append(buf); err != nil {
		return err
	}
	if j.sync {
		if err := j.current.sync(); err != nil {
			return err
		}
	}
	if j.current.offset >= j.segSize {
		return j.rotate()
	}
	return nil
}

func (j *Journal) rotate() error {
	_ = j.current.close()
	j.segIndex++

	seg, err := openSegment(j.dir, j.segIndex)
	if err != nil {
		j.current = nil
		return err
	}
	j.current = seg
	return nil
}

// TruncateBefore removes closed segments whose records all have sequence
// numbers up to seq. The segment being written is kept.
func (j *Journal) TruncateBefore(seq uint64) error {
	j.mu.Lock()
	active := j.segIndex
	j.mu.Unlock()

	files, err := segments(j.dir)
	if err != nil {
		return err
	}
	for _, path := range files {
		if segmentIndex(path) >= active {
			continue
		}
		maxSeq, err := maxSeqInSegment(path)
		if err != nil {
			continue
		}
		if maxSeq <= seq {
			if err := os.Remove(path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil {
		return nil
	}
	err := j.current.close()
	j.current = nil
	return err
}

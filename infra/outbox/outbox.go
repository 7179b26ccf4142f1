// Package outbox keeps kernel events that must leave the machine in
// pebble until a broker has acknowledged them. Entries move
// NEW -> SENT -> ACKED, or to FAILED and back to SENT on retry.
package outbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// -------------------- State --------------------

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var ErrBadEntry = errors.New("outbox: invalid entry")

// -------------------- Entry --------------------

type Entry struct {
	Seq         uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

const entryHeader = 1 + 4 + 8

// [state:1][retries:4][lastAttempt:8][payload]
func encodeEntry(e Entry) []byte {
	buf := make([]byte, entryHeader+len(e.Payload))
	buf[0] = byte(e.State)
	binary.BigEndian.PutUint32(buf[1:5], e.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(e.LastAttempt))
	copy(buf[entryHeader:], e.Payload)
	return buf
}

func decodeEntry(seq uint64, b []byte) (Entry, error) {
	if len(b) < entryHeader {
		return Entry{}, fmt.Errorf("%w: %d bytes", ErrBadEntry, len(b))
	}
	return Entry{
		Seq:         seq,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     append([]byte(nil), b[entryHeader:]...),
	}, nil
}

// -------------------- Outbox --------------------

type Outbox struct {
	db *pebble.DB
}

func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Put stores a new entry for seq.
func (o *Outbox) Put(seq uint64, payload []byte) error {
	return o.db.Set(keyFor(seq), encodeEntry(Entry{State: StateNew, Payload: payload}), pebble.Sync)
}

func (o *Outbox) Get(seq uint64) (Entry, error) {
	val, closer, err := o.db.Get(keyFor(seq))
	if err != nil {
		return Entry{}, err
	}
	defer closer.Close()
	return decodeEntry(seq, val)
}

func (o *Outbox) MarkSent(seq uint64) error {
	return o.update(seq, func(e *Entry) { e.State = StateSent })
}

func (o *Outbox) MarkAcked(seq uint64) error {
	return o.update(seq, func(e *Entry) { e.State = StateAcked })
}

// MarkFailed records a failed attempt.
func (o *Outbox) MarkFailed(seq uint64) error {
	return o.update(seq, func(e *Entry) {
		e.State = StateFailed
		e.Retries++
	})
}

func (o *Outbox) update(seq uint64, fn func(*Entry)) error {
	e, err := o.Get(seq)
	if err != nil {
		return err
	}
	fn(&e)
	e.LastAttempt = time.Now().UnixNano()
	return o.db.Set(keyFor(seq), encodeEntry(e), pebble.Sync)
}

// -------------------- Scan --------------------

func (o *Outbox) scan(fn func(e Entry) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		e, err := decodeEntry(seq, iter.Value())
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

// ScanPending visits every entry not yet acknowledged, in sequence order.
// SENT entries are included: a crash between send and ack means they may
// not have arrived.
func (o *Outbox) ScanPending(fn func(e Entry) error) error {
	return o.scan(func(e Entry) error {
		if e.State == StateAcked {
			return nil
		}
		return fn(e)
	})
}

// Counts returns the number of entries in each state.
func (o *Outbox) Counts() (map[State]int, error) {
	out := make(map[State]int)
	err := o.scan(func(e Entry) error {
		out[e.State]++
		return nil
	})
	return out, err
}

// LastSeq is the highest sequence number stored, 0 when empty.
func (o *Outbox) LastSeq() (uint64, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

// TruncateAckedUpTo deletes acknowledged entries with seq <= upTo.
func (o *Outbox) TruncateAckedUpTo(upTo uint64) (int, error) {
	batch := o.db.NewBatch()
	defer batch.Close()

	n := 0
	err := o.scan(func(e Entry) error {
		if e.Seq > upTo || e.State != StateAcked {
			return nil
		}
		n++
		return batch.Delete(keyFor(e.Seq), nil)
	})
	if err != nil || n == 0 {
		return 0, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return n, nil
}

// -------------------- Helpers --------------------

const keyPrefix = "event/"

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte(keyPrefix))), "%d", &seq)
	return seq, err
}

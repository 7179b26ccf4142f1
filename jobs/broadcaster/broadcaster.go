// Package broadcaster drains the event outbox into a broker. Delivery is
// at least once: an entry is marked SENT before it is published and ACKED
// only after the broker confirmed it.
package broadcaster

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"shipwreck/infra/outbox"
	"shipwreck/infra/wire"
)

const (
	DefaultInterval   = 250 * time.Millisecond
	DefaultMaxRetries = 5
)

// Publisher sends one keyed event to the broker and returns once it is
// acknowledged.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}

type Config struct {
	Interval time.Duration
	// MaxRetries is how many failed attempts an entry gets before the
	// broadcaster leaves it in FAILED for good.
	MaxRetries uint32
}

type Broadcaster struct {
	outbox *outbox.Outbox
	pub    Publisher
	cfg    Config
	log    *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

var errStopPass = errors.New("stop pass")

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

func New(ob *outbox.Outbox, pub Publisher, cfg Config, log *slog.Logger) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{outbox: ob, pub: pub, cfg: cfg, log: log}
}

// ------------------------------------------------
// START LOOP
// ------------------------------------------------

func (b *Broadcaster) Start(ctx context.Context) {
	b.log.Info("broadcaster started", "interval", b.cfg.Interval)

	go func() {
		ticker := time.NewTicker(b.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := b.ReplayOnce(ctx); err != nil && ctx.Err() == nil {
					b.log.Error("outbox scan failed", "err", err)
				}
			}
		}
	}()
}

// ------------------------------------------------
// REPLAY
// ------------------------------------------------

// ReplayOnce publishes pending entries in sequence order and returns how
// many were acknowledged. A publish failure ends the pass so that events
// of one process never overtake each other.
func (b *Broadcaster) ReplayOnce(ctx context.Context) (int, error) {
	n := 0
	err := b.outbox.ScanPending(func(e outbox.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.State == outbox.StateFailed && e.Retries >= b.cfg.MaxRetries {
			return nil
		}
		if err := b.outbox.MarkSent(e.Seq); err != nil {
			return err
		}

		if err := b.pub.Publish(ctx, partitionKey(e.Payload), e.Payload); err != nil {
			b.failed.Add(1)
			b.log.Warn("publish failed", "seq", e.Seq, "retries", e.Retries, "err", err)
			if err := b.outbox.MarkFailed(e.Seq); err != nil {
				return err
			}
			return errStopPass
		}

		if err := b.outbox.MarkAcked(e.Seq); err != nil {
			return err
		}
		b.published.Add(1)
		n++
		return nil
	})
	if errors.Is(err, errStopPass) {
		err = nil
	}
	return n, err
}

func (b *Broadcaster) Published() uint64 { return b.published.Load() }
func (b *Broadcaster) Failed() uint64    { return b.failed.Load() }

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

func (b *Broadcaster) Close() error {
	return b.pub.Close()
}

// partitionKey keys events by receiving process. Undecodable payloads go
// out unkeyed.
func partitionKey(payload []byte) []byte {
	var ev wire.Event
	if err := ev.Unmarshal(payload); err != nil {
		return nil
	}
	return []byte(strconv.Itoa(int(ev.PID)))
}

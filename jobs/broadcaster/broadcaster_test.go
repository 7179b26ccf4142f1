package broadcaster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"shipwreck/infra/outbox"
	"shipwreck/infra/wire"
)

func setup(t *testing.T, cfg Config) (*outbox.Outbox, *mocks.SyncProducer, *Broadcaster) {
	t.Helper()
	ob, err := outbox.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ob.Close() })

	producer := mocks.NewSyncProducer(t, ProducerConfig())
	b := New(ob, NewSaramaPublisherFrom(producer, "kernel-events"), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { b.Close() })
	return ob, producer, b
}

func putEvents(t *testing.T, ob *outbox.Outbox, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		ev := wire.Event{Seq: uint64(i), PID: 2, ID: 1, Data: int32('a' + i)}
		if err := ob.Put(ev.Seq, ev.Marshal()); err != nil {
			t.Fatal(err)
		}
	}
}

func state(t *testing.T, ob *outbox.Outbox, seq uint64) outbox.Entry {
	t.Helper()
	e, err := ob.Get(seq)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestReplayOnce_PublishesInOrder(t *testing.T) {
	ob, producer, b := setup(t, Config{})
	putEvents(t, ob, 3)

	for i := 1; i <= 3; i++ {
		want := int32('a' + i)
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			var ev wire.Event
			if err := ev.Unmarshal(val); err != nil {
				return err
			}
			if ev.Data != want {
				return fmt.Errorf("published %d, want %d", ev.Data, want)
			}
			return nil
		})
	}

	n, err := b.ReplayOnce(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		if e := state(t, ob, seq); e.State != outbox.StateAcked {
			t.Fatalf("seq %d is %v", seq, e.State)
		}
	}
	if b.Published() != 3 {
		t.Fatalf("published %d", b.Published())
	}
}

func TestReplayOnce_FailureEndsPass(t *testing.T) {
	ob, producer, b := setup(t, Config{})
	putEvents(t, ob, 3)

	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	n, err := b.ReplayOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if e := state(t, ob, 2); e.State != outbox.StateFailed || e.Retries != 1 {
		t.Fatalf("seq 2: %+v", e)
	}
	if e := state(t, ob, 3); e.State != outbox.StateNew {
		t.Fatalf("seq 3 overtook seq 2: %v", e.State)
	}

	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	if n, _ := b.ReplayOnce(context.Background()); n != 2 {
		t.Fatalf("retry pass acked %d", n)
	}
	if b.Failed() != 1 {
		t.Fatalf("failed %d", b.Failed())
	}
}

func TestReplayOnce_GivesUpAfterMaxRetries(t *testing.T) {
	ob, producer, b := setup(t, Config{MaxRetries: 1})
	putEvents(t, ob, 1)

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	b.ReplayOnce(context.Background())

	// no expectation left: a second publish attempt would fail the test
	if n, err := b.ReplayOnce(context.Background()); n != 0 || err != nil {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if e := state(t, ob, 1); e.State != outbox.StateFailed {
		t.Fatalf("state %v", e.State)
	}
}

func TestReplayOnce_CancelledContext(t *testing.T) {
	ob, _, b := setup(t, Config{})
	putEvents(t, ob, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.ReplayOnce(ctx); err != context.Canceled {
		t.Fatalf("got %v", err)
	}
}

func TestPartitionKey(t *testing.T) {
	ev := wire.Event{PID: 7, ID: 1}
	if k := string(partitionKey(ev.Marshal())); k != "7" {
		t.Fatalf("key %q", k)
	}
	if partitionKey([]byte{0xFF}) != nil {
		t.Fatal("garbage payload got a key")
	}
}

package queue

import "testing"

func TestMsgQueueBasic(t *testing.T) {
	q := NewMsgQueue(4)

	for i := 1; i <= 4; i++ {
		if !q.Enqueue(Message{ID: 1, Data: int32(i)}) {
			t.Fatalf("enqueue %d failed unexpectedly", i)
		}
	}
	if q.Enqueue(Message{ID: 1, Data: 5}) {
		t.Fatal("expected full queue to refuse enqueue")
	}

	r := q.Dequeue(2)
	if r.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", r.Len())
	}
	if q.Get(int(r.Head)).Data != 1 || q.Get(int(r.Head)+1).Data != 2 {
		t.Error("messages out of order")
	}

	// dequeued but not released: producer still blocked
	if q.Enqueue(Message{ID: 1, Data: 5}) {
		t.Fatal("slot reused before release")
	}

	q.Release(2)
	if !q.Enqueue(Message{ID: 1, Data: 5}) {
		t.Fatal("enqueue after release failed")
	}
	if q.Size() != 3 {
		t.Errorf("expected size 3, got %d", q.Size())
	}
}

func TestMsgQueueOverRelease(t *testing.T) {
	q := NewMsgQueue(4)
	q.Enqueue(Message{ID: 1})
	q.Dequeue(1)

	q.Release(3)
	locked, _ := q.Ranges()
	if locked.Head != 0 {
		t.Fatalf("over-release moved locked head to %d", locked.Head)
	}
}

func TestMsgQueueEmpty(t *testing.T) {
	q := NewMsgQueue(2)
	if r := q.Dequeue(1); !r.Empty() {
		t.Error("expected empty range")
	}
}

package dlq

import (
	"errors"
	"testing"
	"time"
)

type recordingReprocessor struct {
	routed []Envelope
}

func (r *recordingReprocessor) Route(env Envelope) {
	r.routed = append(r.routed, env)
}

func TestQueue_PushAndDequeueFIFO(t *testing.T) {
	q := New(10)
	q.Push(Envelope{ToID: "m1", Event: "e1"}, FailureExecutionError, errors.New("boom"), time.Now())
	q.Push(Envelope{ToID: "m1", Event: "e2"}, FailureExecutionError, errors.New("boom"), time.Now())

	first, ok := q.TryDequeue()
	if !ok || first.Envelope.Event != "e1" {
		t.Fatalf("expected e1 first, got %+v (ok=%v)", first, ok)
	}
	second, ok := q.TryDequeue()
	if !ok || second.Envelope.Event != "e2" {
		t.Fatalf("expected e2 second, got %+v (ok=%v)", second, ok)
	}
	if _, ok := q.TryDequeue(); ok {
		t.Fatal("expected the queue to be empty")
	}
}

// TestQueue_DLQBound covers invariant 10: DLQ size never exceeds
// capacity, and the oldest-drop counter tracks every overflow.
func TestQueue_DLQBound(t *testing.T) {
	q := New(3)
	for i := 0; i < 5; i++ {
		q.Push(Envelope{Event: string(rune('a' + i))}, FailureMailboxOverflow, nil, time.Now())
	}
	stats := q.Stats()
	if stats.Size != 3 {
		t.Fatalf("expected size capped at capacity 3, got %d", stats.Size)
	}
	if stats.DroppedCount != 2 {
		t.Fatalf("expected 2 dropped entries, got %d", stats.DroppedCount)
	}

	snap := q.Snapshot()
	if len(snap) != 3 || snap[0].Envelope.Event != "c" {
		t.Fatalf("expected the oldest two entries to have been dropped, got %+v", snap)
	}
}

func TestQueue_Reprocess(t *testing.T) {
	q := New(10)
	q.Push(Envelope{ToID: "m1", Event: "e1"}, FailureTransitionTimeout, nil, time.Now())
	q.Push(Envelope{ToID: "m2", Event: "e2"}, FailureTransitionTimeout, nil, time.Now())

	r := &recordingReprocessor{}
	n := q.Reprocess(10, r)
	if n != 2 {
		t.Fatalf("expected 2 entries reprocessed, got %d", n)
	}
	if len(r.routed) != 2 || r.routed[0].ToID != "m1" || r.routed[1].ToID != "m2" {
		t.Fatalf("unexpected routed envelopes: %+v", r.routed)
	}
	if stats := q.Stats(); stats.Size != 0 {
		t.Fatalf("expected the queue to be drained after Reprocess, got size %d", stats.Size)
	}
}

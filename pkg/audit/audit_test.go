package audit

import (
	"testing"
	"time"

	"github.com/xstatenet/core/pkg/appendlog"
)

func newTestStore(t *testing.T) appendlog.Store {
	t.Helper()
	cfg := appendlog.DefaultFSStoreConfig(t.TempDir())
	cfg.Durability = appendlog.DurabilityFsync
	store, err := appendlog.NewFSStore(cfg)
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLog_WriteAndTail(t *testing.T) {
	l := New(newTestStore(t))
	l.Write(Record{At: time.Now(), FromID: "a", ToID: "b", Event: "PING", Status: "Delivered"})
	l.Write(Record{At: time.Now(), FromID: "b", ToID: "a", Event: "PONG", Status: "Delivered"})

	records, err := l.Tail(0, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Event != "PING" || records[1].Event != "PONG" {
		t.Fatalf("unexpected record order: %+v", records)
	}
}

func TestLog_NilSafe(t *testing.T) {
	var l *Log
	l.Write(Record{Event: "ignored"}) // must not panic
	records, err := l.Tail(0, 10)
	if err != nil || records != nil {
		t.Fatalf("expected a nil *Log to report (nil, nil), got (%v, %v)", records, err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("expected a nil *Log to close cleanly, got %v", err)
	}
}

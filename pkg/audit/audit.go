// Package audit records every cross-machine send the orchestrator
// processes into an append-only log, so a host can replay or inspect
// the exact sequence of sends that produced a machine's current
// state — independent of, and surviving past, the bounded in-memory
// DLQ and the scoped notification channels.
package audit

import (
	"encoding/json"
	"time"

	"github.com/xstatenet/core/pkg/appendlog"
)

// Record is one logged send, mirroring bus.Envelope plus outcome.
type Record struct {
	At            time.Time `json:"at"`
	FromID        string    `json:"fromId"`
	ToID          string    `json:"toId"`
	Event         string    `json:"event"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Status        string    `json:"status"`
	Err           string    `json:"err,omitempty"`
}

// Log appends Records to an appendlog.Store, one JSON object per
// record. Safe for concurrent use since appendlog.Store already
// serializes Append internally.
type Log struct {
	store appendlog.Store
}

// New wraps store as an audit Log. Pass appendlog.NewFSStore for a
// disk-backed trail, or any other Store implementation.
func New(store appendlog.Store) *Log {
	return &Log{store: store}
}

// Write appends rec, swallowing backpressure rejections into the
// store's own RejectedAppends counter rather than blocking or failing
// the send path that triggered it — an audit trail must never be the
// reason a dispatch slows down.
func (l *Log) Write(rec Record) {
	if l == nil || l.store == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_, _ = l.store.Append(data)
}

// Tail returns up to limit Records at or after offset, in the
// store's on-disk order.
func (l *Log) Tail(from appendlog.Offset, limit int) ([]Record, error) {
	if l == nil || l.store == nil {
		return nil, nil
	}
	raw, err := l.store.Read(from, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for _, r := range raw {
		var rec Record
		if err := json.Unmarshal(r.Data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying store.
func (l *Log) Close() error {
	if l == nil || l.store == nil {
		return nil
	}
	return l.store.Close()
}

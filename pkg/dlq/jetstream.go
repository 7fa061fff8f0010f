package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// JetStreamConfig configures the optional durable DLQ backend, for
// hosts that want dead-lettered envelopes to survive an orchestrator
// restart. The in-memory Queue remains the default per spec.md's
// "Persisted state: none by default" — this backend is strictly
// additive. Grounded on the teacher's JetStream cluster event bus
// stream-provisioning pattern (LimitsPolicy retention, idempotent
// stream creation via StreamInfo).
type JetStreamConfig struct {
	URL            string
	Prefix         string // default "xstatenet"
	StreamMaxAge   time.Duration
	StreamStorage  nats.StorageType
	StreamReplicas int
	AckWait        time.Duration
	MaxAckPending  int
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Prefix == "" {
		c.Prefix = "xstatenet"
	}
	if c.StreamMaxAge <= 0 {
		c.StreamMaxAge = 7 * 24 * time.Hour
	}
	if c.StreamStorage == 0 {
		c.StreamStorage = nats.FileStorage
	}
	if c.StreamReplicas <= 0 {
		c.StreamReplicas = 1
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 1024
	}
	return c
}

// DurableQueue persists DLQ entries to a NATS JetStream stream in
// addition to keeping the in-memory Queue's bounded view, so an
// operator can inspect and reprocess dead letters after a restart.
type DurableQueue struct {
	*Queue
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewDurableQueue connects to NATS, provisions the dead-letter stream
// idempotently, and wraps an in-memory Queue of the given capacity.
func NewDurableQueue(ctx context.Context, capacity int, cfg JetStreamConfig) (*DurableQueue, error) {
	cfg = cfg.withDefaults()

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dlq: connect to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("dlq: jetstream context: %w", err)
	}

	streamName := cfg.Prefix + "-dlq"
	subject := cfg.Prefix + ".dlq.entries"
	if _, err := js.StreamInfo(streamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  []string{subject},
			Retention: nats.LimitsPolicy,
			MaxAge:    cfg.StreamMaxAge,
			Storage:   cfg.StreamStorage,
			Replicas:  cfg.StreamReplicas,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("dlq: provision stream: %w", err)
		}
	}

	return &DurableQueue{Queue: New(capacity), nc: nc, js: js, subject: subject}, nil
}

// Push persists the entry to JetStream (best-effort: a publish error
// is logged by the caller via the returned error) in addition to
// recording it in the bounded in-memory view.
func (d *DurableQueue) Push(ctx context.Context, env Envelope, kind FailureKind, cause error, observedAt time.Time) (Entry, error) {
	entry := d.Queue.Push(env, kind, cause, observedAt)
	data, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("dlq: marshal entry: %w", err)
	}
	if _, err := d.js.Publish(d.subject, data, nats.Context(ctx)); err != nil {
		return entry, fmt.Errorf("dlq: persist entry: %w", err)
	}
	return entry, nil
}

// Close releases the underlying NATS connection.
func (d *DurableQueue) Close() {
	d.nc.Close()
}

// Package nats adapts the orchestrator's RemoteDelivery contract onto
// NATS, so a machine registered on a different process (or a
// different orchestrator instance in the same process) can still be
// addressed by SendEventAsync and by deferred inter-machine sends.
//
// Address mapping, one subject per target machine:
//   - deliver: <prefix>.deliver.<machineID>   (request/reply)
//
// A remote-bound send is issued as a NATS request so the caller learns
// whether some peer actually accepted the envelope (ok=true) within
// the request timeout; a peer that doesn't own machineID never
// receives the subject at all, since each peer only subscribes to the
// machines it currently has registered locally.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/xstatenet/core/pkg/bus"
	"github.com/xstatenet/core/pkg/logging"
	"github.com/xstatenet/core/pkg/orchestrator"
)

// Config configures the NATS-backed RemoteDelivery adapter.
type Config struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// Prefix is prepended to all subjects. Default: "xstatenet".
	Prefix string

	// Name is an optional NATS connection name.
	Name string

	// RequestTimeout is used by Deliver when the caller's context
	// carries no deadline.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "xstatenet"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	return c
}

// wireEnvelope is the JSON form of bus.Envelope put on the wire.
type wireEnvelope struct {
	FromID        string `json:"fromId"`
	ToID          string `json:"toId"`
	Event         string `json:"event"`
	Payload       any    `json:"payload,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Adapter is an orchestrator.RemoteDelivery backed by a NATS
// connection. Register every machine that should be reachable from
// other peers with Expose; Deliver is called by the local
// orchestrator for sends addressed to machines it doesn't own.
type Adapter struct {
	cfg    Config
	nc     *natsgo.Conn
	orch   *orchestrator.Orchestrator
	logger logging.Logger

	mu   sync.Mutex
	subs map[string]*natsgo.Subscription
}

// New connects to NATS and returns an Adapter that routes inbound
// deliveries into orch.
func New(cfg Config, orch *orchestrator.Orchestrator, logger logging.Logger) (*Adapter, error) {
	cfg = cfg.withDefaults()
	url := cfg.URL
	if url == "" {
		url = natsgo.DefaultURL
	}
	nc, err := natsgo.Connect(url, func(o *natsgo.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transport/nats: connect: %w", err)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Adapter{cfg: cfg, nc: nc, orch: orch, logger: logger, subs: map[string]*natsgo.Subscription{}}, nil
}

func (a *Adapter) subject(machineID string) string {
	return a.cfg.Prefix + ".deliver." + machineID
}

// Expose subscribes to deliveries for a machine registered on the
// local orchestrator, so remote peers can reach it through Deliver.
// Call after orch.Register for the same id.
func (a *Adapter) Expose(machineID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.subs[machineID]; ok {
		return nil
	}
	subject := a.subject(machineID)
	sub, err := a.nc.Subscribe(subject, a.onMsg)
	if err != nil {
		return fmt.Errorf("transport/nats: subscribe %s: %w", subject, err)
	}
	a.subs[machineID] = sub
	return nil
}

// Withdraw unsubscribes machineID, typically paired with an
// orchestrator Unregister.
func (a *Adapter) Withdraw(machineID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sub, ok := a.subs[machineID]; ok {
		_ = sub.Unsubscribe()
		delete(a.subs, machineID)
	}
}

func (a *Adapter) onMsg(nm *natsgo.Msg) {
	var wire wireEnvelope
	if err := json.Unmarshal(nm.Data, &wire); err != nil {
		a.logger.Warnf("transport/nats: malformed envelope on %s: %v", nm.Subject, err)
		return
	}
	if !a.orch.Has(wire.ToID) {
		// Not actually ours (stale Expose, or a race with Withdraw); no reply means the sender tries the next peer.
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	defer cancel()
	result := a.orch.SendEventAsync(ctx, wire.FromID, wire.ToID, wire.Event, wire.Payload, wire.CorrelationID, false, 0)
	if nm.Reply != "" {
		ack := []byte("ok")
		if result.Status == orchestrator.Rejected || result.Status == orchestrator.TargetNotFound {
			ack = []byte("reject:" + string(result.Status))
		}
		_ = a.nc.Publish(nm.Reply, ack)
	}
}

// Deliver implements orchestrator.RemoteDelivery by issuing a NATS
// request on the target's subject; ok=true only once some peer has
// replied, meaning it owns the machine. An "ok" reply (the envelope
// was accepted for local dispatch) returns a nil error; a rejection
// reply returns ok=true with an error carrying the peer's reason.
func (a *Adapter) Deliver(ctx context.Context, env bus.Envelope) (bool, error) {
	data, err := json.Marshal(wireEnvelope{FromID: env.FromID, ToID: env.ToID, Event: env.Event, Payload: env.Payload, CorrelationID: env.CorrelationID})
	if err != nil {
		return false, err
	}
	timeout := a.cfg.RequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			timeout = d
		}
	}
	resp, err := a.nc.Request(a.subject(env.ToID), data, timeout)
	if err != nil {
		if err == natsgo.ErrNoResponders || err == natsgo.ErrTimeout {
			return false, nil
		}
		return false, err
	}
	if string(resp.Data) == "ok" {
		return true, nil
	}
	return true, fmt.Errorf("transport/nats: %s", resp.Data)
}

// Close drains and closes the NATS connection.
func (a *Adapter) Close() {
	_ = a.nc.Drain()
	a.nc.Close()
}

var _ orchestrator.RemoteDelivery = (*Adapter)(nil)

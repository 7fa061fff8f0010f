// Package orchestrator implements component C5: a pool of event
// buses, the machine registry, routing of cross-bus and remote sends,
// and the public SendEventAsync contract.
package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xstatenet/core/pkg/audit"
	"github.com/xstatenet/core/pkg/bus"
	"github.com/xstatenet/core/pkg/channels"
	"github.com/xstatenet/core/pkg/concurrency"
	"github.com/xstatenet/core/pkg/failfast"
	"github.com/xstatenet/core/pkg/logging"
	"github.com/xstatenet/core/pkg/xsm"
)

// Status values returned by SendEventAsync, per spec.md §6.
type Status string

const (
	Delivered      Status = "Delivered"
	Dispatched     Status = "Dispatched"
	TargetNotFound Status = "TargetNotFound"
	Cancelled      Status = "Cancelled"
	TimedOut       Status = "TimedOut"
	Rejected       Status = "Rejected"
)

// SendResult is returned to SendEventAsync callers.
type SendResult struct {
	Status          Status
	ResultingDigest string // a cheap digest of the resulting active-state set, when waitForDispatch is set
	Err             error
}

// OverflowPolicy selects mailbox backpressure behavior.
type OverflowPolicy int

const (
	OverflowWait OverflowPolicy = iota
	OverflowDropNewest
)

// DrainPolicy selects Unregister behavior for a machine's pending mailbox.
type DrainPolicy int

const (
	DrainPending DrainPolicy = iota
	CancelPending
)

// RemoteDelivery is the pluggable transport interface named in
// spec.md §1/§6. Concrete adapters (NATS, WebSocket) live outside the
// core as companion packages.
type RemoteDelivery interface {
	// Deliver attempts to hand env to a machine not registered on this
	// orchestrator instance. ok=false means the target is not
	// reachable through this adapter (try the next, or TargetNotFound).
	Deliver(ctx context.Context, env bus.Envelope) (ok bool, err error)
}

// Config holds host-facing configuration options, per spec.md §6.
type Config struct {
	BusCount               int
	MailboxCapacity        int
	OverflowPolicy         OverflowPolicy
	ShutdownGrace          time.Duration
	MaxEventlessMicrosteps int
	EnableAdaptiveTimeout  bool
	AdaptiveMultiplier     float64
	DLQCapacity            int
	RequireSignedGroups    bool
}

func (c Config) withDefaults() Config {
	if c.BusCount <= 0 {
		c.BusCount = 4
	}
	if c.MailboxCapacity <= 0 {
		c.MailboxCapacity = 10000
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.MaxEventlessMicrosteps <= 0 {
		c.MaxEventlessMicrosteps = 100
	}
	if c.AdaptiveMultiplier <= 0 {
		c.AdaptiveMultiplier = 1.5
	}
	if c.DLQCapacity <= 0 {
		c.DLQCapacity = 10000
	}
	return c
}

type registryEntry struct {
	busIndex     int
	channelGroup int
}

// Orchestrator is the top-level handle a host constructs once; there
// are no process-wide globals.
type Orchestrator struct {
	cfg    Config
	logger logging.Logger

	buses  []*bus.Bus
	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	mu       sync.RWMutex
	registry map[string]registryEntry // copy-on-write update on register/unregister

	remotes []RemoteDelivery

	subs    *channels.Bus
	onError func(machineID string, err error)
	audit   *audit.Log
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

func WithLogger(l logging.Logger) Option { return func(o *Orchestrator) { o.logger = l } }
func WithRemoteDelivery(r RemoteDelivery) Option {
	return func(o *Orchestrator) { o.remotes = append(o.remotes, r) }
}
func WithUnhandledErrorSink(fn func(machineID string, err error)) Option {
	return func(o *Orchestrator) { o.onError = fn }
}
func WithAuditLog(l *audit.Log) Option { return func(o *Orchestrator) { o.audit = l } }

// New constructs and starts an Orchestrator with cfg.BusCount buses.
func New(cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		logger:   logging.NewDefaultLogger(),
		registry: map[string]registryEntry{},
		subs:     channels.New(64),
	}
	for _, opt := range opts {
		opt(o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.ctx, o.cancel = ctx, cancel
	eg, _ := errgroup.WithContext(ctx)
	o.eg = eg
	for i := 0; i < cfg.BusCount; i++ {
		b := bus.New(i, o, o.logger.WithFields(map[string]any{"bus": i}))
		o.buses = append(o.buses, b)
		o.eg.Go(func() error {
			b.Run(o.ctx)
			return nil
		})
	}
	return o
}

func busIndexFor(id string, count int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32()) % count
}

// Register assigns id a bus by hash and hands the machine to that bus,
// rejecting duplicates. It does not call Start on the machine.
func (o *Orchestrator) Register(id string, machine xsm.Machine, channelGroup int) error {
	failfast.If(id != "", "orchestrator: machine id must not be empty")
	failfast.NotNil(machine, "machine")
	o.mu.Lock()
	if _, exists := o.registry[id]; exists {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: duplicate id %q", id)
	}
	idx := busIndexFor(id, len(o.buses))
	o.registry[id] = registryEntry{busIndex: idx, channelGroup: channelGroup}
	o.mu.Unlock()

	mailbox := concurrency.NewBoundedMailbox(o.cfg.MailboxCapacity)
	o.buses[idx].Register(id, machine, mailbox, channelGroup)
	return nil
}

// AddRemoteDelivery registers a RemoteDelivery adapter after
// construction, for transports (e.g. a NATS connection) that need a
// live *Orchestrator to build themselves against.
func (o *Orchestrator) AddRemoteDelivery(r RemoteDelivery) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remotes = append(o.remotes, r)
}

// Has reports whether id is registered on this orchestrator instance.
// Transport adapters use this to decide whether an inbound remote
// envelope addresses a locally-registered machine before accepting it.
func (o *Orchestrator) Has(id string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.registry[id]
	return ok
}

// Unregister removes a machine per the configured drain policy.
func (o *Orchestrator) Unregister(id string, policy DrainPolicy) {
	o.mu.Lock()
	entry, ok := o.registry[id]
	if ok {
		delete(o.registry, id)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	o.buses[entry.busIndex].Unregister(id, policy == DrainPending)
}

// SendEventAsync is the public send contract, per spec.md §6.
func (o *Orchestrator) SendEventAsync(ctx context.Context, fromID, toID, name string, payload any, correlationID string, waitForDispatch bool, timeout time.Duration) (result SendResult) {
	if o.audit != nil {
		defer func() {
			rec := audit.Record{At: time.Now(), FromID: fromID, ToID: toID, Event: name, CorrelationID: correlationID, Status: string(result.Status)}
			if result.Err != nil {
				rec.Err = result.Err.Error()
			}
			o.audit.Write(rec)
		}()
	}
	select {
	case <-ctx.Done():
		return SendResult{Status: Cancelled, Err: ctx.Err()}
	default:
	}

	o.mu.RLock()
	fromEntry, fromKnown := o.registry[fromID]
	toEntry, toKnown := o.registry[toID]
	remotes := o.remotes
	o.mu.RUnlock()

	if !toKnown {
		for _, r := range remotes {
			dctx := ctx
			var cancel context.CancelFunc
			if timeout > 0 {
				dctx, cancel = context.WithTimeout(ctx, timeout)
			}
			ok, err := r.Deliver(dctx, bus.Envelope{FromID: fromID, ToID: toID, Event: name, Payload: payload, CorrelationID: correlationID})
			if cancel != nil {
				cancel()
			}
			if ok {
				return SendResult{Status: Dispatched, Err: err}
			}
		}
		return SendResult{Status: TargetNotFound}
	}

	if fromKnown && fromEntry.channelGroup != toEntry.channelGroup {
		return SendResult{Status: Rejected, Err: fmt.Errorf("orchestrator: channel group mismatch (%d != %d)", fromEntry.channelGroup, toEntry.channelGroup)}
	}

	ev := xsm.Event{Name: name, Payload: payload, CorrelationID: correlationID}
	var reply chan bus.DispatchOutcome
	var enqueueErr error
	if waitForDispatch {
		reply = make(chan bus.DispatchOutcome, 1)
	}
	if o.cfg.OverflowPolicy == OverflowWait {
		sendCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			sendCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		enqueueErr = o.buses[toEntry.busIndex].EnqueueLocalBlocking(sendCtx, toID, ev, reply)
		if cancel != nil {
			cancel()
		}
	} else if waitForDispatch {
		enqueueErr = o.buses[toEntry.busIndex].EnqueueLocalAwait(toID, ev, reply)
	} else {
		enqueueErr = o.buses[toEntry.busIndex].EnqueueLocal(toID, ev)
	}
	if enqueueErr != nil {
		return SendResult{Status: Rejected, Err: enqueueErr}
	}

	if !waitForDispatch {
		return SendResult{Status: Delivered}
	}

	deadline := timeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	select {
	case outcome := <-reply:
		h := fnv.New32a()
		for _, s := range outcome.Result.NewActiveStates {
			_, _ = h.Write([]byte(s))
			_, _ = h.Write([]byte{0})
		}
		return SendResult{Status: Dispatched, ResultingDigest: fmt.Sprintf("%08x", h.Sum32()), Err: outcome.Err}
	case <-time.After(deadline):
		return SendResult{Status: TimedOut}
	case <-ctx.Done():
		return SendResult{Status: Cancelled, Err: ctx.Err()}
	}
}

// Route is called by buses to forward deferred sends; it may target a
// machine on the same bus, another bus, or a remote machine.
func (o *Orchestrator) Route(env bus.Envelope) {
	o.mu.RLock()
	toEntry, ok := o.registry[env.ToID]
	remotes := o.remotes
	o.mu.RUnlock()
	if !ok {
		for _, r := range remotes {
			if delivered, _ := r.Deliver(o.ctx, env); delivered {
				return
			}
		}
		o.logger.Warnf("orchestrator: deferred send to unknown target %q dropped", env.ToID)
		return
	}
	if err := o.buses[toEntry.busIndex].EnqueueLocal(env.ToID, xsm.Event{Name: env.Event, Payload: env.Payload, CorrelationID: env.CorrelationID}); err != nil {
		o.logger.Warnf("orchestrator: failed to route deferred send to %q: %v", env.ToID, err)
	}
}

// Subscribe registers a filtered sink for state-change notifications,
// delegating to the scoped channels bus (component C8).
func (o *Orchestrator) Subscribe(filter channels.Filter, sink func(channels.Notification)) channels.Handle {
	return o.subs.Subscribe(filter, sink)
}

func (o *Orchestrator) Unsubscribe(h channels.Handle) {
	o.subs.Unsubscribe(h)
}

// publish notifies subscribers of a machine's new configuration; it
// is wired from an xsm.Observer attached at Register time by hosts
// that want notifications (see NewObserverFor).
func (o *Orchestrator) publish(n channels.Notification) {
	o.subs.Publish(n)
}

// Shutdown cancels the buses' context and waits up to grace for every
// bus loop to return. Once they have, each registered machine is
// unregistered with CancelPending, which closes its mailbox and stops
// it, cancelling its remaining services, activities and timers. If
// grace runs out first, machines are left registered and running.
func (o *Orchestrator) Shutdown(grace time.Duration) {
	if grace <= 0 {
		grace = o.cfg.ShutdownGrace
	}
	o.cancel()
	done := make(chan struct{})
	go func() {
		_ = o.eg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		o.logger.Warnf("orchestrator: shutdown grace period (%s) exceeded", grace)
		return
	}
	o.mu.RLock()
	ids := make([]string, 0, len(o.registry))
	for id := range o.registry {
		ids = append(ids, id)
	}
	o.mu.RUnlock()
	for _, id := range ids {
		o.Unregister(id, CancelPending)
	}
}

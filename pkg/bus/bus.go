// Package bus implements the Event Bus (component C4): one
// cooperative worker owning a fixed set of machines, draining their
// mailboxes in round-robin, applying events to interpreters, and
// flushing deferred sends only after each dispatch completes.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/xstatenet/core/pkg/concurrency"
	"github.com/xstatenet/core/pkg/failfast"
	"github.com/xstatenet/core/pkg/logging"
	"github.com/xstatenet/core/pkg/xsm"
)

// Envelope is one routed event, either an external send or a deferred
// send collected from a dispatch.
type Envelope struct {
	FromID        string
	ToID          string
	Event         string
	Payload       any
	CorrelationID string
}

// DispatchOutcome reports what happened to a routed envelope.
type DispatchOutcome struct {
	Status string // Delivered, Dispatched, TargetNotFound, Cancelled, Rejected
	Result xsm.DispatchResult
	Err    error
}

// Router is implemented by the Orchestrator; a Bus calls it to hand
// off deferred sends and to look up where a target id lives.
type Router interface {
	Route(env Envelope)
}

type registeredMachine struct {
	id           string
	machine      xsm.Machine
	mailbox      concurrency.Mailbox
	channelGroup int
}

// Bus owns a fixed set of machines assigned at registration time and
// drains their mailboxes cooperatively on a single goroutine.
type Bus struct {
	id     int
	logger logging.Logger
	router Router

	mu       sync.RWMutex
	machines map[string]*registeredMachine
	order    []string // round-robin cursor order

	wake    chan struct{}
	stopped chan struct{}
}

func New(id int, router Router, logger logging.Logger) *Bus {
	failfast.NotNil(router, "router")
	failfast.NotNil(logger, "logger")
	return &Bus{
		id:       id,
		logger:   logger,
		router:   router,
		machines: map[string]*registeredMachine{},
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
}

// Register assigns a machine to this bus. The caller (Orchestrator)
// has already decided the hash assignment.
func (b *Bus) Register(id string, machine xsm.Machine, mailbox concurrency.Mailbox, channelGroup int) {
	failfast.If(id != "", "bus: machine id must not be empty")
	failfast.NotNil(machine, "machine")
	failfast.NotNil(mailbox, "mailbox")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.machines[id] = &registeredMachine{id: id, machine: machine, mailbox: mailbox, channelGroup: channelGroup}
	b.order = append(b.order, id)
}

// Unregister removes a machine; drainPolicy decides whether its
// mailbox is drained (dispatched) or simply dropped before removal.
func (b *Bus) Unregister(id string, drain bool) {
	b.mu.Lock()
	m, ok := b.machines[id]
	if ok {
		delete(b.machines, id)
		for i, oid := range b.order {
			if oid == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if drain {
		for {
			raw, has, _ := m.mailbox.TryReceive()
			if !has {
				break
			}
			if msg, ok := raw.(mailboxMsg); ok {
				m.machine.Dispatch(context.Background(), msg.event)
			}
		}
	}
	m.mailbox.Close()
	m.machine.Stop()
}

// ChannelGroup returns the channel group a registered machine
// belongs to, used by the Orchestrator to enforce tenant isolation.
func (b *Bus) ChannelGroup(id string) (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.machines[id]
	if !ok {
		return 0, false
	}
	return m.channelGroup, true
}

// Has reports whether id is registered on this bus.
func (b *Bus) Has(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.machines[id]
	return ok
}

// mailboxMsg is what actually travels through a machine's Mailbox: the
// event plus an optional reply channel for callers that opted into
// waitForDispatch.
type mailboxMsg struct {
	event xsm.Event
	reply chan DispatchOutcome
}

// EnqueueLocal delivers an event into a locally owned machine's
// mailbox and signals the bus loop. Used both for externally routed
// sends and deferred sends whose target lives on this bus.
func (b *Bus) EnqueueLocal(id string, ev xsm.Event) error {
	return b.enqueue(id, ev, nil)
}

// EnqueueLocalAwait is EnqueueLocal but also delivers the dispatch
// outcome on reply once it completes, for waitForDispatch callers.
func (b *Bus) EnqueueLocalAwait(id string, ev xsm.Event, reply chan DispatchOutcome) error {
	return b.enqueue(id, ev, reply)
}

func (b *Bus) enqueue(id string, ev xsm.Event, reply chan DispatchOutcome) error {
	b.mu.RLock()
	m, ok := b.machines[id]
	b.mu.RUnlock()
	if !ok {
		return concurrency.ErrMailboxClosed
	}
	if err := m.mailbox.Send(mailboxMsg{event: ev, reply: reply}); err != nil {
		return err
	}
	b.signal()
	return nil
}

// EnqueueLocalBlocking is EnqueueLocal, but on a full mailbox it
// blocks (bounded by ctx) for space instead of returning
// ErrMailboxFull immediately — the OverflowWait backpressure policy.
// Only the Orchestrator's external SendEventAsync entry point uses
// this; deferred sends flushed through Route always use the
// non-blocking EnqueueLocal, since the bus's own draining goroutine
// would otherwise deadlock waiting on space it alone can free.
func (b *Bus) EnqueueLocalBlocking(ctx context.Context, id string, ev xsm.Event, reply chan DispatchOutcome) error {
	b.mu.RLock()
	m, ok := b.machines[id]
	b.mu.RUnlock()
	if !ok {
		return concurrency.ErrMailboxClosed
	}
	msg := mailboxMsg{event: ev, reply: reply}
	switch err := m.mailbox.Send(msg); err {
	case nil:
		b.signal()
		return nil
	case concurrency.ErrMailboxFull:
		// fall through to the blocking path below
	default:
		return err
	}
	if err := m.mailbox.SendWait(ctx, msg); err != nil {
		return err
	}
	b.signal()
	return nil
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run is the bus's cooperative main loop: wait for a wake signal,
// round-robin every mailbox with pending data, dispatch one event
// per mailbox per pass, and flush deferred sends through the Router
// only after each dispatch returns.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.stopped)
	ticker := time.NewTicker(50 * time.Millisecond) // catches missed wakes under test timing
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		case <-ticker.C:
		}
		for b.drainOnePass(ctx) {
			// keep draining while any mailbox still had work this pass
		}
	}
}

// drainOnePass pops at most one event per machine, in round-robin
// order, and reports whether any machine had work (so the caller can
// keep looping without waiting for a fresh wake signal).
func (b *Bus) drainOnePass(ctx context.Context) bool {
	b.mu.RLock()
	order := append([]string(nil), b.order...)
	b.mu.RUnlock()

	any := false
	for _, id := range order {
		b.mu.RLock()
		m, ok := b.machines[id]
		b.mu.RUnlock()
		if !ok {
			continue
		}
		raw, has, err := m.mailbox.TryReceive()
		if err != nil || !has {
			continue
		}
		msg, ok := raw.(mailboxMsg)
		if !ok {
			continue
		}
		any = true
		result := m.machine.Dispatch(ctx, msg.event)
		for _, ds := range result.DeferredSends {
			b.router.Route(Envelope{
				FromID: id, ToID: ds.TargetID, Event: ds.Event,
				Payload: ds.Payload, CorrelationID: ds.CorrelationID,
			})
		}
		if msg.reply != nil {
			select {
			case msg.reply <- DispatchOutcome{Status: "Dispatched", Result: result, Err: result.Err}:
			default:
			}
		}
	}
	return any
}

// Stopped returns a channel closed once Run has returned.
func (b *Bus) Stopped() <-chan struct{} { return b.stopped }

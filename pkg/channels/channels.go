// Package channels implements component C8: scoped pub/sub for
// observers. State-change notifications fan out to in-process
// subscribers with best-effort, bounded delivery — a slow subscriber
// is skipped rather than blocking the publisher, and a drop counter
// is incremented, per §4.7.
package channels

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xstatenet/core/pkg/xsm"
)

// Filter selects which notifications a subscriber receives. An empty
// MachineID or EventName matches any value for that field.
type Filter struct {
	MachineID string
	EventName string
}

func (f Filter) matches(machineID, eventName string) bool {
	if f.MachineID != "" && f.MachineID != machineID {
		return false
	}
	if f.EventName != "" && f.EventName != eventName {
		return false
	}
	return true
}

// Notification is published per state change.
type Notification struct {
	MachineID        string
	Snapshot         xsm.Snapshot
	FiredTransitions []string
}

// Handle identifies a subscription for Unsubscribe.
type Handle uint64

type subscriber struct {
	handle  Handle
	filter  Filter
	queue   chan Notification
	dropped uint64
	done    chan struct{}
}

// Bus is a scoped pub/sub bus. The zero value is not usable; use New.
type Bus struct {
	mu        sync.RWMutex
	subs      map[Handle]*subscriber
	nextID    uint64
	queueSize int
}

// New builds a Bus whose per-subscriber queues hold queueSize
// notifications before the bus starts dropping for that subscriber.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{subs: map[Handle]*subscriber{}, queueSize: queueSize}
}

// Subscribe registers sink to receive notifications matching filter.
// sink runs on its own goroutine, reading from a bounded queue; it
// must not call back into the orchestrator synchronously.
func (b *Bus) Subscribe(filter Filter, sink func(Notification)) Handle {
	b.mu.Lock()
	b.nextID++
	id := Handle(b.nextID)
	sub := &subscriber{handle: id, filter: filter, queue: make(chan Notification, b.queueSize), done: make(chan struct{})}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case n := <-sub.queue:
				sink(n)
			case <-sub.done:
				return
			}
		}
	}()
	return id
}

// Unsubscribe stops delivery to handle and releases its goroutine.
func (b *Bus) Unsubscribe(handle Handle) {
	b.mu.Lock()
	sub, ok := b.subs[handle]
	if ok {
		delete(b.subs, handle)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Publish fans a notification out to every matching subscriber,
// best-effort: a full queue is skipped, not blocked on.
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		// FiredTransitions entries read "source-EVENT->[targets]"; an
		// EventName filter matches when any of them fired on that event.
		event := ""
		for _, fired := range n.FiredTransitions {
			if sub.filter.EventName != "" && strings.Contains(fired, "-"+sub.filter.EventName+"->") {
				event = sub.filter.EventName
				break
			}
		}
		if !sub.filter.matches(n.MachineID, event) {
			continue
		}
		select {
		case sub.queue <- n:
		default:
			atomic.AddUint64(&sub.dropped, 1)
		}
	}
}

// DroppedCount reports how many notifications have been dropped for a
// subscriber because its queue was full.
func (b *Bus) DroppedCount(handle Handle) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[handle]
	if !ok {
		return 0
	}
	return atomic.LoadUint64(&sub.dropped)
}

// Package xsm implements the statechart interpreter (component C2):
// configuration management, transition selection, entry/exit
// ordering, history recording, invoked-service and activity
// lifecycles, and "after" timers.
package xsm

import (
	"context"
	"time"

	"github.com/xstatenet/core/pkg/logging"
	"github.com/xstatenet/core/pkg/xsmdef"
)

// Event is one input to Dispatch.
type Event struct {
	Name          string
	Payload       any
	CorrelationID string
}

// DeferredSend is a cross-machine send requested by an action during a
// dispatch. It is collected, never invoked synchronously, and flushed
// by the owning Event Bus only after the triggering dispatch returns —
// the core deadlock-avoidance invariant.
type DeferredSend struct {
	TargetID      string
	Event         string
	Payload       any
	CorrelationID string
}

// ActionContext is the opaque parameter given to actions, guards,
// services, and activities. Its only core-defined capability beyond
// reading context data is RequestSend, whose effect is buffered and
// flushed after the dispatch completes.
type ActionContext struct {
	ctx           context.Context
	Event         Event
	Data          map[string]any
	requestedSend *[]DeferredSend
}

// RequestSend buffers a deferred send; it never blocks and never
// invokes the target synchronously.
func (a *ActionContext) RequestSend(targetID, event string, payload any) {
	*a.requestedSend = append(*a.requestedSend, DeferredSend{
		TargetID: targetID, Event: event, Payload: payload, CorrelationID: a.Event.CorrelationID,
	})
}

// Context returns the cancellation context for the current dispatch;
// services and activities must select on Done().
func (a *ActionContext) Context() context.Context { return a.ctx }

type ActionFunc func(ec *ActionContext) error
type GuardFunc func(ec *ActionContext) bool

// ServiceFunc runs to completion or cancellation; its result or error
// becomes a done.invoke.<id>/error.platform.<id> event.
type ServiceFunc func(ctx context.Context, ec *ActionContext) (any, error)

// ActivityFunc runs until its context is cancelled; it produces no
// terminal event, only side effects via RequestSend.
type ActivityFunc func(ctx context.Context, ec *ActionContext)

// Resolver supplies callables for the references named in an
// xsmdef.Definition, and doubles as an xsmdef.Resolver for Validate.
type Resolver struct {
	Actions    map[xsmdef.ActionRef]ActionFunc
	Guards     map[xsmdef.GuardRef]GuardFunc
	Services   map[xsmdef.ServiceRef]ServiceFunc
	Activities map[xsmdef.ActivityRef]ActivityFunc
	Delays     map[xsmdef.DelayRef]time.Duration
}

func NewResolver() *Resolver {
	return &Resolver{
		Actions:    map[xsmdef.ActionRef]ActionFunc{},
		Guards:     map[xsmdef.GuardRef]GuardFunc{},
		Services:   map[xsmdef.ServiceRef]ServiceFunc{},
		Activities: map[xsmdef.ActivityRef]ActivityFunc{},
		Delays:     map[xsmdef.DelayRef]time.Duration{},
	}
}

func (r *Resolver) HasAction(a xsmdef.ActionRef) bool    { _, ok := r.Actions[a]; return ok }
func (r *Resolver) HasGuard(g xsmdef.GuardRef) bool       { _, ok := r.Guards[g]; return ok }
func (r *Resolver) HasService(s xsmdef.ServiceRef) bool   { _, ok := r.Services[s]; return ok }
func (r *Resolver) HasActivity(a xsmdef.ActivityRef) bool { _, ok := r.Activities[a]; return ok }
func (r *Resolver) HasDelay(d xsmdef.DelayRef) bool       { _, ok := r.Delays[d]; return ok }

// WithAction, WithGuard, etc. register a callable and return the
// receiver for chaining, mirroring the fluent registration style used
// throughout the corpus for guard/action/handler maps.
func (r *Resolver) WithAction(name xsmdef.ActionRef, fn ActionFunc) *Resolver {
	r.Actions[name] = fn
	return r
}
func (r *Resolver) WithGuard(name xsmdef.GuardRef, fn GuardFunc) *Resolver {
	r.Guards[name] = fn
	return r
}
func (r *Resolver) WithService(name xsmdef.ServiceRef, fn ServiceFunc) *Resolver {
	r.Services[name] = fn
	return r
}
func (r *Resolver) WithActivity(name xsmdef.ActivityRef, fn ActivityFunc) *Resolver {
	r.Activities[name] = fn
	return r
}
func (r *Resolver) WithDelay(name xsmdef.DelayRef, d time.Duration) *Resolver {
	r.Delays[name] = d
	return r
}

// Status is the machine lifecycle per the data model.
type Status int

const (
	StatusUninitialized Status = iota
	StatusRunning
	StatusStopped
	StatusError
)

// Snapshot is a read-only copy of a Configuration, safe to hand to
// external readers (pub/sub subscribers, persistence adapters) since
// the live Configuration is owned exclusively by the bus during
// dispatch.
type Snapshot struct {
	MachineID    string
	ActiveStates []string
	ContextData  map[string]any
	Status       Status
}

// DispatchResult is returned by Dispatch and Start.
type DispatchResult struct {
	NewActiveStates  []string
	FiredTransitions []string
	DeferredSends    []DeferredSend
	Err              error
}

// Options configure an Interpreter.
type Options struct {
	Logger                 logging.Logger
	Observer               Observer
	MaxEventlessMicrosteps int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.NewDefaultLogger()
	}
	if o.MaxEventlessMicrosteps <= 0 {
		o.MaxEventlessMicrosteps = 100
	}
	return o
}

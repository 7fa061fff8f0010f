// Package timeout implements component C6: a composable decorator
// that imposes per-state and per-transition deadlines around an inner
// xsm.Machine, feeds the adaptive-timeout learner, and escalates
// expired operations to the dead-letter queue. Individual actions are
// not timed: Config.DefaultActionTimeout is accepted but not enforced,
// and a transition deadline covers the whole Dispatch call.
package timeout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xstatenet/core/pkg/dlq"
	"github.com/xstatenet/core/pkg/logging"
	"github.com/xstatenet/core/pkg/xsm"
)

// EventName for the default state-residency timeout event.
const DefaultTimeoutEventName = "state.timeout"

// Config mirrors spec.md §6's timeout-protected wrapper configuration.
type Config struct {
	DefaultStateTimeout      time.Duration
	DefaultTransitionTimeout time.Duration
	DefaultActionTimeout     time.Duration
	EnableRecovery           bool
	TimeoutEventName         string
	SendTimeoutsToDLQ        bool
	EnableAdaptiveTimeout    bool
	AdaptiveMultiplier       float64
}

func (c Config) withDefaults() Config {
	if c.TimeoutEventName == "" {
		c.TimeoutEventName = DefaultTimeoutEventName
	}
	return c
}

// Wrapper decorates an inner xsm.Machine with deadline enforcement.
// It registers as a machine under its own identity; other machines
// address the wrapper, never the inner interpreter directly.
type Wrapper struct {
	id      string
	inner   xsm.Machine
	cfg     Config
	logger  logging.Logger
	learner *AdaptiveLearner
	dlqSink *dlq.Queue

	mu           sync.Mutex
	stateEntered time.Time
	stateTimer   *time.Timer
	stateName    string
}

var _ xsm.Machine = (*Wrapper)(nil)

// New wraps inner under id with cfg's deadlines. dlqQueue may be nil
// if SendTimeoutsToDLQ is false.
func New(id string, inner xsm.Machine, cfg Config, dlqQueue *dlq.Queue, logger logging.Logger) *Wrapper {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Wrapper{
		id:      id,
		inner:   inner,
		cfg:     cfg,
		logger:  logger,
		learner: NewAdaptiveLearner(cfg.AdaptiveMultiplier, 30),
		dlqSink: dlqQueue,
	}
}

// Dispatch forwards event to the inner machine under a transition
// deadline, times the call for the adaptive learner, and DLQs the
// original event on timeout. Per S6, cancellation of an in-flight
// dispatch is best-effort: if the inner call has already started, it
// runs to completion even after the wrapper reports TimedOut to its
// caller.
func (w *Wrapper) Dispatch(ctx context.Context, event xsm.Event) xsm.DispatchResult {
	opName := fmt.Sprintf("dispatch:%s", event.Name)
	deadline := w.learner.Resolve(opName, w.transitionTimeout(event), w.cfg.EnableAdaptiveTimeout)

	start := time.Now()
	resultCh := make(chan xsm.DispatchResult, 1)
	go func() {
		resultCh <- w.inner.Dispatch(ctx, event)
	}()

	if deadline <= 0 {
		result := <-resultCh
		w.learner.Observe(opName, time.Since(start))
		w.onDispatchSettled(event, result.Err)
		return result
	}

	select {
	case result := <-resultCh:
		w.learner.Observe(opName, time.Since(start))
		w.onDispatchSettled(event, result.Err)
		return result
	case <-time.After(deadline):
		w.logger.Warnf("wrapper %s: transition timeout on event %q after %s", w.id, event.Name, deadline)
		if w.cfg.SendTimeoutsToDLQ && w.dlqSink != nil {
			w.dlqSink.Push(dlq.Envelope{ToID: w.id, Event: event.Name, Payload: event.Payload, CorrelationID: event.CorrelationID},
				dlq.FailureTransitionTimeout, fmt.Errorf("transition timeout after %s", deadline), time.Now())
		}
		return xsm.DispatchResult{Err: fmt.Errorf("timeout: %w", context.DeadlineExceeded)}
	}
}

func (w *Wrapper) transitionTimeout(event xsm.Event) time.Duration {
	if event.Name == w.cfg.TimeoutEventName {
		return 0
	}
	return w.cfg.DefaultTransitionTimeout
}

// onDispatchSettled tracks state residency and, when the leaf state
// changes and DefaultStateTimeout is set, arms a time.AfterFunc that
// runs fireStateTimeout to enforce the state-timeout deadline.
func (w *Wrapper) onDispatchSettled(event xsm.Event, err error) {
	if err != nil {
		return
	}
	snap := w.inner.Snapshot()
	w.mu.Lock()
	defer w.mu.Unlock()
	current := currentLeaf(snap)
	if current != w.stateName {
		if w.stateTimer != nil {
			w.stateTimer.Stop()
		}
		w.stateName = current
		w.stateEntered = time.Now()
		if w.cfg.DefaultStateTimeout > 0 {
			w.stateTimer = time.AfterFunc(w.cfg.DefaultStateTimeout, w.fireStateTimeout)
		}
	}
}

func currentLeaf(snap xsm.Snapshot) string {
	if len(snap.ActiveStates) == 0 {
		return ""
	}
	return snap.ActiveStates[len(snap.ActiveStates)-1]
}

func (w *Wrapper) fireStateTimeout() {
	w.logger.Warnf("wrapper %s: state %q exceeded residency timeout", w.id, w.stateName)
	result := w.inner.Dispatch(context.Background(), xsm.Event{Name: w.cfg.TimeoutEventName})
	if len(result.FiredTransitions) == 0 && w.dlqSink != nil {
		w.dlqSink.Push(dlq.Envelope{ToID: w.id, Event: w.cfg.TimeoutEventName},
			dlq.FailureStateTimeout, fmt.Errorf("no handler for %s in state %q", w.cfg.TimeoutEventName, w.stateName), time.Now())
	}
}

func (w *Wrapper) Stop() {
	w.mu.Lock()
	if w.stateTimer != nil {
		w.stateTimer.Stop()
	}
	w.mu.Unlock()
	w.inner.Stop()
}

func (w *Wrapper) Snapshot() xsm.Snapshot { return w.inner.Snapshot() }

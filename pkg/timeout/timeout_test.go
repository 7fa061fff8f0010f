package timeout

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/xstatenet/core/pkg/dlq"
	"github.com/xstatenet/core/pkg/xsm"
)

// fakeMachine is a minimal xsm.Machine double for exercising Wrapper
// without a full interpreter.
type fakeMachine struct {
	dispatch func(ctx context.Context, ev xsm.Event) xsm.DispatchResult
	snapshot xsm.Snapshot
}

func (f *fakeMachine) Dispatch(ctx context.Context, ev xsm.Event) xsm.DispatchResult {
	return f.dispatch(ctx, ev)
}
func (f *fakeMachine) Stop()                    {}
func (f *fakeMachine) Snapshot() xsm.Snapshot { return f.snapshot }

// TestAdaptiveLearner_Convergence covers invariant 9: after enough
// samples drawn from Normal(mu, sigma^2), the recommendation lies
// within [mu+2*sigma, mu+4*sigma] given the default multiplier/k.
func TestAdaptiveLearner_Convergence(t *testing.T) {
	const mu = 100 * float64(time.Millisecond)
	const sigma = 10 * float64(time.Millisecond)

	learner := NewAdaptiveLearner(1.5, 30)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		sample := mu + rng.NormFloat64()*sigma
		if sample < 0 {
			sample = 0
		}
		learner.Observe("op", time.Duration(sample))
	}

	recommended, ok := learner.Recommend("op")
	if !ok {
		t.Fatal("expected the learner to be warmed up after 200 samples")
	}
	lower := time.Duration(mu + 2*sigma)
	upper := time.Duration(mu + 4*sigma)
	if recommended < lower || recommended > upper {
		t.Fatalf("expected recommendation in [%s, %s], got %s", lower, upper, recommended)
	}
}

func TestAdaptiveLearner_NotWarmedUpBeforeThreshold(t *testing.T) {
	learner := NewAdaptiveLearner(1.5, 30)
	for i := 0; i < 5; i++ {
		learner.Observe("op", 10*time.Millisecond)
	}
	if _, ok := learner.Recommend("op"); ok {
		t.Fatal("did not expect a recommendation before warmupSamples is reached")
	}
}

func TestAdaptiveLearner_RejectsOutliers(t *testing.T) {
	learner := NewAdaptiveLearner(1.5, 2)
	learner.Observe("op", 10*time.Millisecond)
	learner.Observe("op", 10*time.Millisecond)
	learner.Observe("op", 20*time.Hour) // far above the sample ceiling

	recommended, ok := learner.Recommend("op")
	if !ok {
		t.Fatal("expected the learner to be warmed up")
	}
	if recommended > time.Second {
		t.Fatalf("expected the outlier sample to be rejected, got recommendation %s", recommended)
	}
}

func TestAdaptiveLearner_ResolveFallsBackWhenDisabled(t *testing.T) {
	learner := NewAdaptiveLearner(1.5, 30)
	got := learner.Resolve("op", 5*time.Second, false)
	if got != 5*time.Second {
		t.Fatalf("expected the static timeout when adaptive is disabled, got %s", got)
	}
}

// TestWrapper_TransitionTimeout covers scenario S6: a transition whose
// inner dispatch exceeds the configured deadline reports TimedOut to
// the caller and is recorded in the DLQ, even though the inner
// dispatch itself still runs to completion (best-effort cancellation).
func TestWrapper_TransitionTimeout(t *testing.T) {
	innerDone := make(chan struct{})
	inner := &fakeMachine{dispatch: func(ctx context.Context, ev xsm.Event) xsm.DispatchResult {
		time.Sleep(200 * time.Millisecond)
		close(innerDone)
		return xsm.DispatchResult{}
	}}

	dlqQueue := dlq.New(10)
	w := New("work-1", inner, Config{
		DefaultTransitionTimeout: 50 * time.Millisecond,
		SendTimeoutsToDLQ:        true,
	}, dlqQueue, nil)

	start := time.Now()
	result := w.Dispatch(context.Background(), xsm.Event{Name: "GO"})
	elapsed := time.Since(start)

	if result.Err == nil {
		t.Fatal("expected a timeout error from the wrapper")
	}
	if elapsed > 150*time.Millisecond {
		t.Fatalf("expected the wrapper to return promptly at the deadline, took %s", elapsed)
	}

	stats := dlqQueue.Stats()
	if stats.Size != 1 {
		t.Fatalf("expected one DLQ entry after the transition timeout, got %d", stats.Size)
	}
	entries := dlqQueue.Snapshot()
	if entries[0].Envelope.Event != "GO" || entries[0].FailureKind != dlq.FailureTransitionTimeout {
		t.Fatalf("unexpected DLQ entry: %+v", entries[0])
	}

	select {
	case <-innerDone:
	case <-time.After(time.Second):
		t.Fatal("expected the inner dispatch to still complete (best-effort cancellation)")
	}
}

func TestWrapper_NoTimeoutWhenWithinDeadline(t *testing.T) {
	inner := &fakeMachine{dispatch: func(ctx context.Context, ev xsm.Event) xsm.DispatchResult {
		return xsm.DispatchResult{}
	}}
	w := New("work-2", inner, Config{DefaultTransitionTimeout: time.Second}, nil, nil)
	result := w.Dispatch(context.Background(), xsm.Event{Name: "GO"})
	if result.Err != nil {
		t.Fatalf("expected no error for a dispatch well within the deadline, got %v", result.Err)
	}
}

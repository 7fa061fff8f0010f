package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xstatenet/core/pkg/appendlog"
	"github.com/xstatenet/core/pkg/audit"
	"github.com/xstatenet/core/pkg/bus"
	"github.com/xstatenet/core/pkg/xsm"
)

// fakeMachine is a hand-rolled xsm.Machine double driven entirely by a
// test-supplied callback, so orchestrator-level tests can script
// exactly the DeferredSends and active-state transitions a scenario
// needs without standing up a full interpreter.
type fakeMachine struct {
	mu      sync.Mutex
	active  string
	onEvent func(ev xsm.Event) xsm.DispatchResult
}

func (f *fakeMachine) Dispatch(ctx context.Context, ev xsm.Event) xsm.DispatchResult {
	if f.onEvent == nil {
		return xsm.DispatchResult{}
	}
	return f.onEvent(ev)
}

func (f *fakeMachine) Stop() {}

func (f *fakeMachine) Snapshot() xsm.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return xsm.Snapshot{ActiveStates: []string{f.active}}
}

func (f *fakeMachine) setActive(s string) {
	f.mu.Lock()
	f.active = s
	f.mu.Unlock()
}

func (f *fakeMachine) activeState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOrchestrator_SendEventAsync_TargetNotFound(t *testing.T) {
	o := New(Config{BusCount: 1})
	defer o.Shutdown(time.Second)

	result := o.SendEventAsync(context.Background(), "", "ghost", "GO", nil, "", false, 0)
	if result.Status != TargetNotFound {
		t.Fatalf("expected TargetNotFound, got %v (err=%v)", result.Status, result.Err)
	}
}

func TestOrchestrator_SendEventAsync_Delivered(t *testing.T) {
	o := New(Config{BusCount: 2})
	defer o.Shutdown(time.Second)

	m := &fakeMachine{}
	if err := o.Register("m1", m, 0); err != nil {
		t.Fatalf("register: %v", err)
	}

	result := o.SendEventAsync(context.Background(), "", "m1", "GO", nil, "", false, 0)
	if result.Status != Delivered {
		t.Fatalf("expected Delivered, got %v (err=%v)", result.Status, result.Err)
	}
}

func TestOrchestrator_SendEventAsync_WaitForDispatch(t *testing.T) {
	o := New(Config{BusCount: 2})
	defer o.Shutdown(time.Second)

	m := &fakeMachine{onEvent: func(ev xsm.Event) xsm.DispatchResult {
		return xsm.DispatchResult{}
	}}
	if err := o.Register("m1", m, 0); err != nil {
		t.Fatalf("register: %v", err)
	}

	result := o.SendEventAsync(context.Background(), "", "m1", "GO", nil, "", true, 2*time.Second)
	if result.Status != Dispatched {
		t.Fatalf("expected Dispatched, got %v (err=%v)", result.Status, result.Err)
	}
}

func TestOrchestrator_ChannelGroupMismatchRejected(t *testing.T) {
	o := New(Config{BusCount: 2})
	defer o.Shutdown(time.Second)

	m1 := &fakeMachine{}
	m2 := &fakeMachine{}
	if err := o.Register("m1", m1, 1); err != nil {
		t.Fatalf("register m1: %v", err)
	}
	if err := o.Register("m2", m2, 2); err != nil {
		t.Fatalf("register m2: %v", err)
	}

	result := o.SendEventAsync(context.Background(), "m1", "m2", "GO", nil, "", false, 0)
	if result.Status != Rejected {
		t.Fatalf("expected Rejected across channel groups, got %v", result.Status)
	}
}

func TestOrchestrator_OverflowDropNewestRejectsOnFullMailbox(t *testing.T) {
	o := New(Config{BusCount: 1, MailboxCapacity: 1, OverflowPolicy: OverflowDropNewest})
	defer o.Shutdown(time.Second)

	started := make(chan struct{})
	block := make(chan struct{})
	var once sync.Once
	m := &fakeMachine{onEvent: func(ev xsm.Event) xsm.DispatchResult {
		once.Do(func() { close(started) })
		<-block
		return xsm.DispatchResult{}
	}}
	if err := o.Register("m1", m, 0); err != nil {
		t.Fatalf("register: %v", err)
	}

	if r := o.SendEventAsync(context.Background(), "", "m1", "FIRST", nil, "", false, 0); r.Status != Delivered {
		t.Fatalf("expected Delivered, got %v", r.Status)
	}
	// Wait for the bus to actually pull FIRST into dispatch (blocking on
	// <-block), freeing the 1-capacity mailbox for exactly one more send.
	<-started

	o.SendEventAsync(context.Background(), "", "m1", "FILL", nil, "", false, 0)

	result := o.SendEventAsync(context.Background(), "", "m1", "OVERFLOW", nil, "", false, 0)
	close(block)
	if result.Status != Rejected {
		t.Fatalf("expected Rejected under OverflowDropNewest on a full mailbox, got %v (err=%v)", result.Status, result.Err)
	}
}

func TestOrchestrator_OverflowWaitBlocksUntilSpaceFrees(t *testing.T) {
	o := New(Config{BusCount: 1, MailboxCapacity: 1, OverflowPolicy: OverflowWait})
	defer o.Shutdown(time.Second)

	started := make(chan struct{})
	block := make(chan struct{})
	var once sync.Once
	var dispatched []string
	var mu sync.Mutex
	m := &fakeMachine{onEvent: func(ev xsm.Event) xsm.DispatchResult {
		if ev.Name == "FIRST" {
			once.Do(func() { close(started) })
			<-block
		}
		mu.Lock()
		dispatched = append(dispatched, ev.Name)
		mu.Unlock()
		return xsm.DispatchResult{}
	}}
	if err := o.Register("m1", m, 0); err != nil {
		t.Fatalf("register: %v", err)
	}

	if r := o.SendEventAsync(context.Background(), "", "m1", "FIRST", nil, "", false, 0); r.Status != Delivered {
		t.Fatalf("expected Delivered, got %v", r.Status)
	}
	<-started

	done := make(chan SendResult, 1)
	go func() {
		done <- o.SendEventAsync(context.Background(), "", "m1", "WAITING", nil, "", false, 5*time.Second)
	}()

	select {
	case <-done:
		t.Fatal("SendEventAsync returned before the mailbox had free space")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)

	select {
	case result := <-done:
		if result.Status != Delivered {
			t.Fatalf("expected Delivered once space freed, got %v (err=%v)", result.Status, result.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendEventAsync did not unblock after space freed")
	}

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dispatched) == 2
	})
}

func TestOrchestrator_OverflowWaitRespectsTimeout(t *testing.T) {
	o := New(Config{BusCount: 1, MailboxCapacity: 1, OverflowPolicy: OverflowWait})
	defer o.Shutdown(time.Second)

	block := make(chan struct{})
	defer close(block)
	m := &fakeMachine{onEvent: func(ev xsm.Event) xsm.DispatchResult {
		<-block
		return xsm.DispatchResult{}
	}}
	if err := o.Register("m1", m, 0); err != nil {
		t.Fatalf("register: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		r := o.SendEventAsync(context.Background(), "", "m1", "FIRST", nil, "", false, 0)
		return r.Status == Delivered
	})

	result := o.SendEventAsync(context.Background(), "", "m1", "WAITING", nil, "", false, 50*time.Millisecond)
	if result.Status != Rejected {
		t.Fatalf("expected Rejected once the send timeout elapses, got %v (err=%v)", result.Status, result.Err)
	}
}

func TestOrchestrator_DuplicateRegisterRejected(t *testing.T) {
	o := New(Config{BusCount: 1})
	defer o.Shutdown(time.Second)

	if err := o.Register("m1", &fakeMachine{}, 0); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := o.Register("m1", &fakeMachine{}, 0); err == nil {
		t.Fatal("expected an error registering a duplicate id")
	}
}

// TestOrchestrator_CrossMachineDeferredSendNoDeadlock covers scenario
// S5: two machines exchange a PING/PONG via deferred sends, and
// SendEventAsync never blocks on either machine's entry action.
func TestOrchestrator_CrossMachineDeferredSendNoDeadlock(t *testing.T) {
	o := New(Config{BusCount: 4})
	defer o.Shutdown(time.Second)

	var a, b *fakeMachine
	a = &fakeMachine{onEvent: func(ev xsm.Event) xsm.DispatchResult {
		switch ev.Name {
		case "start":
			a.setActive("waiting")
			return xsm.DispatchResult{DeferredSends: []xsm.DeferredSend{{TargetID: "B", Event: "PING"}}}
		case "PONG":
			a.setActive("done")
		}
		return xsm.DispatchResult{}
	}}
	b = &fakeMachine{onEvent: func(ev xsm.Event) xsm.DispatchResult {
		switch ev.Name {
		case "start":
			b.setActive("waiting")
			return xsm.DispatchResult{DeferredSends: []xsm.DeferredSend{{TargetID: "A", Event: "PONG"}}}
		case "PING":
			b.setActive("done")
		}
		return xsm.DispatchResult{}
	}}

	if err := o.Register("A", a, 0); err != nil {
		t.Fatalf("register A: %v", err)
	}
	if err := o.Register("B", b, 0); err != nil {
		t.Fatalf("register B: %v", err)
	}

	startA := make(chan SendResult, 1)
	go func() {
		startA <- o.SendEventAsync(context.Background(), "", "A", "start", nil, "", true, 2*time.Second)
	}()
	startB := make(chan SendResult, 1)
	go func() {
		startB <- o.SendEventAsync(context.Background(), "", "B", "start", nil, "", true, 2*time.Second)
	}()

	select {
	case r := <-startA:
		if r.Status != Dispatched {
			t.Fatalf("SendEventAsync(A, start) did not complete cleanly: %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("SendEventAsync(A, start) blocked — deferred send deadlock")
	}
	select {
	case r := <-startB:
		if r.Status != Dispatched {
			t.Fatalf("SendEventAsync(B, start) did not complete cleanly: %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("SendEventAsync(B, start) blocked — deferred send deadlock")
	}

	waitUntil(t, 2*time.Second, func() bool { return a.activeState() == "done" })
	waitUntil(t, 2*time.Second, func() bool { return b.activeState() == "done" })
}

func TestOrchestrator_AddRemoteDeliveryAfterConstruction(t *testing.T) {
	o := New(Config{BusCount: 1})
	defer o.Shutdown(time.Second)

	delivered := make(chan bus.Envelope, 1)
	remote := remoteDeliveryFunc(func(ctx context.Context, env bus.Envelope) (bool, error) {
		delivered <- env
		return true, nil
	})
	o.AddRemoteDelivery(remote)

	result := o.SendEventAsync(context.Background(), "local", "remote-machine", "GO", nil, "corr-1", false, time.Second)
	if result.Status != Dispatched {
		t.Fatalf("expected Dispatched via remote delivery, got %v (err=%v)", result.Status, result.Err)
	}

	select {
	case env := <-delivered:
		if env.ToID != "remote-machine" || env.Event != "GO" {
			t.Fatalf("unexpected envelope delivered remotely: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("remote adapter never observed the envelope")
	}
}

type remoteDeliveryFunc func(ctx context.Context, env bus.Envelope) (bool, error)

func (f remoteDeliveryFunc) Deliver(ctx context.Context, env bus.Envelope) (bool, error) {
	return f(ctx, env)
}

func TestOrchestrator_AuditLogRecordsSends(t *testing.T) {
	cfg := appendlog.DefaultFSStoreConfig(t.TempDir())
	cfg.Durability = appendlog.DurabilityFsync
	store, err := appendlog.NewFSStore(cfg)
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	defer store.Close()

	o := New(Config{BusCount: 1}, WithAuditLog(audit.New(store)))
	defer o.Shutdown(time.Second)

	if err := o.Register("m1", &fakeMachine{}, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	o.SendEventAsync(context.Background(), "caller", "m1", "GO", nil, "corr-9", false, 0)

	var records []audit.Record
	waitUntil(t, 2*time.Second, func() bool {
		records, err = audit.New(store).Tail(0, 10)
		return err == nil && len(records) == 1
	})
	if records[0].FromID != "caller" || records[0].ToID != "m1" || records[0].Event != "GO" {
		t.Fatalf("unexpected audit record: %+v", records[0])
	}
}

func TestOrchestrator_HasAndUnregister(t *testing.T) {
	o := New(Config{BusCount: 1})
	defer o.Shutdown(time.Second)

	if o.Has("m1") {
		t.Fatal("did not expect m1 to be registered yet")
	}
	if err := o.Register("m1", &fakeMachine{}, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !o.Has("m1") {
		t.Fatal("expected m1 to be registered")
	}
	o.Unregister("m1", DrainPending)
	if o.Has("m1") {
		t.Fatal("expected m1 to be removed after Unregister")
	}
}

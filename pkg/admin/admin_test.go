package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/xstatenet/core/pkg/dlq"
	"github.com/xstatenet/core/pkg/orchestrator"
	"github.com/xstatenet/core/pkg/xsm"
)

type fakeMachine struct {
	snapshot xsm.Snapshot
	dispatch func(ctx context.Context, ev xsm.Event) xsm.DispatchResult
}

func (f *fakeMachine) Dispatch(ctx context.Context, ev xsm.Event) xsm.DispatchResult {
	return f.dispatch(ctx, ev)
}
func (f *fakeMachine) Stop()                    {}
func (f *fakeMachine) Snapshot() xsm.Snapshot { return f.snapshot }

func newInMemoryFastHTTP(t *testing.T, handler fasthttp.RequestHandler) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}

	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ln)
		close(done)
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		_ = srv.Shutdown()
		<-done
	})

	return &fasthttp.Client{Dial: func(addr string) (net.Conn, error) { return ln.Dial() }}
}

func doRequest(t *testing.T, client *fasthttp.Client, method, path string, body []byte) (int, []byte) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI("http://admin" + path)
	if body != nil {
		req.SetBody(body)
	}
	if err := client.DoTimeout(req, resp, 2*time.Second); err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp.StatusCode(), append([]byte(nil), resp.Body()...)
}

func TestServer_ListAndGetMachine(t *testing.T) {
	orch := orchestrator.New(orchestrator.Config{BusCount: 1})
	t.Cleanup(func() { orch.Shutdown(time.Second) })

	registry := NewRegistry()
	m := &fakeMachine{snapshot: xsm.Snapshot{MachineID: "m1", ActiveStates: []string{"root.idle"}}}
	if err := orch.Register("m1", m, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	registry.Add("m1", m)

	server := New(orch, registry, nil, nil)
	client := newInMemoryFastHTTP(t, server.Handler())

	status, body := doRequest(t, client, "GET", "/api/machines", nil)
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	var listResp struct {
		Machines []string `json:"machines"`
	}
	if err := json.Unmarshal(body, &listResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listResp.Machines) != 1 || listResp.Machines[0] != "m1" {
		t.Fatalf("expected [m1], got %v", listResp.Machines)
	}

	status, body = doRequest(t, client, "GET", "/api/machines/m1", nil)
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	var snap xsm.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.MachineID != "m1" {
		t.Fatalf("expected machine id m1, got %q", snap.MachineID)
	}

	status, _ = doRequest(t, client, "GET", "/api/machines/ghost", nil)
	if status != 404 {
		t.Fatalf("expected 404 for an unknown machine, got %d", status)
	}
}

func TestServer_SendEvent(t *testing.T) {
	orch := orchestrator.New(orchestrator.Config{BusCount: 1})
	t.Cleanup(func() { orch.Shutdown(time.Second) })

	received := make(chan string, 1)
	m := &fakeMachine{dispatch: func(ctx context.Context, ev xsm.Event) xsm.DispatchResult {
		received <- ev.Name
		return xsm.DispatchResult{}
	}}
	if err := orch.Register("m1", m, 0); err != nil {
		t.Fatalf("register: %v", err)
	}

	server := New(orch, NewRegistry(), nil, nil)
	client := newInMemoryFastHTTP(t, server.Handler())

	body, _ := json.Marshal(sendEventRequest{Event: "GO", WaitForResult: true, TimeoutMS: 1000})
	status, respBody := doRequest(t, client, "POST", "/api/machines/m1/events", body)
	if status != 200 {
		t.Fatalf("expected 200, got %d: %s", status, respBody)
	}

	select {
	case name := <-received:
		if name != "GO" {
			t.Fatalf("expected GO to reach the machine, got %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the event to reach the registered machine")
	}
}

func TestServer_SendEventToUnknownMachine(t *testing.T) {
	orch := orchestrator.New(orchestrator.Config{BusCount: 1})
	t.Cleanup(func() { orch.Shutdown(time.Second) })

	server := New(orch, NewRegistry(), nil, nil)
	client := newInMemoryFastHTTP(t, server.Handler())

	body, _ := json.Marshal(sendEventRequest{Event: "GO"})
	status, _ := doRequest(t, client, "POST", "/api/machines/ghost/events", body)
	if status != 404 {
		t.Fatalf("expected 404 for an unknown target machine, got %d", status)
	}
}

func TestServer_DLQStatsAndReprocess(t *testing.T) {
	orch := orchestrator.New(orchestrator.Config{BusCount: 1})
	t.Cleanup(func() { orch.Shutdown(time.Second) })

	received := make(chan string, 1)
	m := &fakeMachine{dispatch: func(ctx context.Context, ev xsm.Event) xsm.DispatchResult {
		received <- ev.Name
		return xsm.DispatchResult{}
	}}
	if err := orch.Register("m1", m, 0); err != nil {
		t.Fatalf("register: %v", err)
	}

	dlqQueue := dlq.New(10)
	dlqQueue.Push(dlq.Envelope{FromID: "admin", ToID: "m1", Event: "RETRY"}, dlq.FailureTransitionTimeout, errors.New("boom"), time.Now())

	server := New(orch, NewRegistry(), dlqQueue, nil)
	client := newInMemoryFastHTTP(t, server.Handler())

	status, body := doRequest(t, client, "GET", "/api/dlq", nil)
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	var statsResp struct {
		Stats dlq.Stats `json:"stats"`
	}
	if err := json.Unmarshal(body, &statsResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if statsResp.Stats.Size != 1 {
		t.Fatalf("expected one DLQ entry, got %+v", statsResp.Stats)
	}

	reqBody, _ := json.Marshal(reprocessRequest{Count: 1})
	status, body = doRequest(t, client, "POST", "/api/dlq/reprocess", reqBody)
	if status != 200 {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}

	select {
	case name := <-received:
		if name != "RETRY" {
			t.Fatalf("expected the reprocessed event to reach m1, got %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the reprocessed entry to be routed")
	}
	if stats := dlqQueue.Stats(); stats.Size != 0 {
		t.Fatalf("expected the DLQ to be drained after reprocessing, got size %d", stats.Size)
	}
}

// Package admin exposes a read-only (plus targeted write) HTTP
// introspection surface over an orchestrator, built on fasthttp:
// listing registered machines, reading a machine's current snapshot,
// sending a single event, and reprocessing dead-lettered entries.
package admin

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/xstatenet/core/pkg/bus"
	"github.com/xstatenet/core/pkg/dlq"
	"github.com/xstatenet/core/pkg/logging"
	"github.com/xstatenet/core/pkg/orchestrator"
	"github.com/xstatenet/core/pkg/xsm"
)

// reprocessor adapts Orchestrator.Route to dlq.Reprocessor, converting
// dlq's wire-shaped Envelope to bus.Envelope.
type reprocessor struct{ orch *orchestrator.Orchestrator }

func (r reprocessor) Route(env dlq.Envelope) {
	r.orch.Route(bus.Envelope{FromID: env.FromID, ToID: env.ToID, Event: env.Event, Payload: env.Payload, CorrelationID: env.CorrelationID})
}

// Registry is the subset of bookkeeping the admin server needs beyond
// what Orchestrator itself exposes: a directory of machine IDs to
// Snapshot providers, since Orchestrator's internal registry isn't
// walkable from outside pkg/orchestrator.
type Registry struct {
	mu       sync.RWMutex
	machines map[string]xsm.Machine
}

// NewRegistry builds an empty machine directory. Hosts call Add/Remove
// alongside Orchestrator.Register/Unregister.
func NewRegistry() *Registry {
	return &Registry{machines: map[string]xsm.Machine{}}
}

func (r *Registry) Add(id string, m xsm.Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines[id] = m
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, id)
}

func (r *Registry) Get(id string) (xsm.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[id]
	return m, ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	return ids
}

// Server is a fasthttp-backed admin API over an Orchestrator.
//
// Routes:
//
//	GET  /health
//	GET  /api/machines                 -> list of machine IDs
//	GET  /api/machines/{id}            -> xsm.Snapshot
//	POST /api/machines/{id}/events     -> {event, payload, correlationId, waitForResult, timeoutMs}
//	GET  /api/dlq                      -> dlq.Stats + recent entries
//	POST /api/dlq/reprocess            -> {count} -> reprocesses up to count entries
type Server struct {
	orch     *orchestrator.Orchestrator
	registry *Registry
	dlq      *dlq.Queue
	logger   logging.Logger
}

func New(orch *orchestrator.Orchestrator, registry *Registry, dlqQueue *dlq.Queue, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Server{orch: orch, registry: registry, dlq: dlqQueue, logger: logger}
}

// Handler returns the fasthttp.RequestHandler to pass to fasthttp.Server.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("application/json")
		path := string(ctx.Path())
		method := string(ctx.Method())

		switch {
		case path == "/health" && method == "GET":
			s.writeJSON(ctx, 200, map[string]any{"status": "ok"})
		case path == "/api/machines" && method == "GET":
			s.handleListMachines(ctx)
		case matchPrefix(path, "/api/machines/") && method == "GET" && !hasSuffix(path, "/events"):
			s.handleGetMachine(ctx, trimPrefix(trimSuffix(path, "/events"), "/api/machines/"))
		case matchPrefix(path, "/api/machines/") && hasSuffix(path, "/events") && method == "POST":
			s.handleSendEvent(ctx, trimSuffix(trimPrefix(path, "/api/machines/"), "/events"))
		case path == "/api/dlq" && method == "GET":
			s.handleDLQStats(ctx)
		case path == "/api/dlq/reprocess" && method == "POST":
			s.handleDLQReprocess(ctx)
		default:
			s.writeJSON(ctx, 404, map[string]any{"error": "not found"})
		}
	}
}

func (s *Server) handleListMachines(ctx *fasthttp.RequestCtx) {
	s.writeJSON(ctx, 200, map[string]any{"machines": s.registry.IDs()})
}

func (s *Server) handleGetMachine(ctx *fasthttp.RequestCtx, id string) {
	m, ok := s.registry.Get(id)
	if !ok {
		s.writeJSON(ctx, 404, map[string]any{"error": "unknown machine: " + id})
		return
	}
	s.writeJSON(ctx, 200, m.Snapshot())
}

type sendEventRequest struct {
	FromID        string `json:"fromId"`
	Event         string `json:"event"`
	Payload       any    `json:"payload"`
	CorrelationID string `json:"correlationId"`
	WaitForResult bool   `json:"waitForResult"`
	TimeoutMS     int64  `json:"timeoutMs"`
}

func (s *Server) handleSendEvent(ctx *fasthttp.RequestCtx, id string) {
	var req sendEventRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.writeJSON(ctx, 400, map[string]any{"error": "invalid json: " + err.Error()})
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	reqCtx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(reqCtx, timeout)
		defer cancel()
	}
	from := req.FromID
	if from == "" {
		from = "admin"
	}
	result := s.orch.SendEventAsync(reqCtx, from, id, req.Event, req.Payload, req.CorrelationID, req.WaitForResult, timeout)
	status := 200
	if result.Status == orchestrator.TargetNotFound {
		status = 404
	} else if result.Status == orchestrator.Rejected {
		status = 409
	} else if result.Status == orchestrator.TimedOut {
		status = 504
	}
	resp := map[string]any{"status": string(result.Status)}
	if result.Err != nil {
		resp["error"] = result.Err.Error()
	}
	s.writeJSON(ctx, status, resp)
}

func (s *Server) handleDLQStats(ctx *fasthttp.RequestCtx) {
	if s.dlq == nil {
		s.writeJSON(ctx, 200, map[string]any{"entries": []dlq.Entry{}})
		return
	}
	s.writeJSON(ctx, 200, map[string]any{
		"stats":   s.dlq.Stats(),
		"entries": s.dlq.Snapshot(),
	})
}

type reprocessRequest struct {
	Count int `json:"count"`
}

func (s *Server) handleDLQReprocess(ctx *fasthttp.RequestCtx) {
	if s.dlq == nil {
		s.writeJSON(ctx, 200, map[string]any{"reprocessed": 0})
		return
	}
	var req reprocessRequest
	_ = json.Unmarshal(ctx.PostBody(), &req)
	if req.Count <= 0 {
		req.Count = 1
	}
	n := s.dlq.Reprocess(req.Count, reprocessor{orch: s.orch})
	s.writeJSON(ctx, 200, map[string]any{"reprocessed": n})
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		s.logger.Warnf("admin: encode response: %v", err)
	}
}

func matchPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func trimPrefix(s, prefix string) string {
	if matchPrefix(s, prefix) {
		return s[len(prefix):]
	}
	return s
}

func trimSuffix(s, suffix string) string {
	if hasSuffix(s, suffix) {
		return s[:len(s)-len(suffix)]
	}
	return s
}

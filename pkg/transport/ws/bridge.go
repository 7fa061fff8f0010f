// Package ws bridges WebSocket connections to an orchestrator: a
// browser-based timeline GUI connects here to send events into
// registered machines and to subscribe to their transition
// notifications (component C8) without needing a Go client.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xstatenet/core/pkg/channels"
	"github.com/xstatenet/core/pkg/logging"
	"github.com/xstatenet/core/pkg/orchestrator"
)

// wsMessage is the wire envelope for every direction of traffic:
// client->server operations (send, subscribe, unsubscribe) and
// server->client replies/notifications.
type wsMessage struct {
	Op            string `json:"op"`
	ID            string `json:"id,omitempty"`
	FromID        string `json:"fromId,omitempty"`
	MachineID     string `json:"machineId,omitempty"`
	Event         string `json:"event,omitempty"`
	Payload       any    `json:"payload,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	WaitForResult bool   `json:"waitForResult,omitempty"`
	TimeoutMS     int64  `json:"timeoutMs,omitempty"`

	Error        string                  `json:"error,omitempty"`
	Status       string                  `json:"status,omitempty"`
	Notification *channels.Notification  `json:"notification,omitempty"`
}

// Bridge upgrades HTTP connections to WebSocket and routes messages
// into and out of orch.
type Bridge struct {
	orch     *orchestrator.Orchestrator
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]*client
}

// New constructs a Bridge over orch. CheckOrigin is left permissive,
// matching a development-mode default; hosts embedding Bridge behind
// a reverse proxy should tighten it before exposing the handler.
func New(orch *orchestrator.Orchestrator, logger logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Bridge{
		orch:     orch,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  map[*websocket.Conn]*client{},
	}
}

type client struct {
	conn      *websocket.Conn
	bridge    *Bridge
	writeMu   sync.Mutex
	subs      map[string]channels.Handle // subscription id -> handle
	subsMu    sync.Mutex
}

// ServeHTTP implements http.Handler, so Bridge can be mounted directly
// on any mux alongside the admin package's routes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warnf("transport/ws: upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, bridge: b, subs: map[string]channels.Handle{}}
	b.mu.Lock()
	b.clients[conn] = c
	b.mu.Unlock()
	go c.readLoop()
}

func (b *Bridge) removeClient(c *client) {
	b.mu.Lock()
	delete(b.clients, c.conn)
	b.mu.Unlock()
	c.subsMu.Lock()
	for _, h := range c.subs {
		b.orch.Unsubscribe(h)
	}
	c.subsMu.Unlock()
	_ = c.conn.Close()
}

func (c *client) readLoop() {
	defer c.bridge.removeClient(c)
	for {
		var msg wsMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.bridge.logger.Warnf("transport/ws: read error: %v", err)
			}
			return
		}
		switch msg.Op {
		case "send":
			c.handleSend(&msg)
		case "subscribe":
			c.handleSubscribe(&msg)
		case "unsubscribe":
			c.handleUnsubscribe(&msg)
		default:
			c.sendError(&msg, "unknown operation: "+msg.Op)
		}
	}
}

func (c *client) handleSend(msg *wsMessage) {
	timeout := time.Duration(msg.TimeoutMS) * time.Millisecond
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result := c.bridge.orch.SendEventAsync(ctx, msg.FromID, msg.MachineID, msg.Event, msg.Payload, msg.CorrelationID, msg.WaitForResult, timeout)
	reply := wsMessage{Op: "result", ID: msg.ID, Status: string(result.Status)}
	if result.Err != nil {
		reply.Error = result.Err.Error()
	}
	c.write(reply)
}

func (c *client) handleSubscribe(msg *wsMessage) {
	filter := channels.Filter{MachineID: msg.MachineID, EventName: msg.Event}
	handle := c.bridge.orch.Subscribe(filter, func(n channels.Notification) {
		notif := n
		c.write(wsMessage{Op: "notification", ID: msg.ID, Notification: &notif})
	})
	c.subsMu.Lock()
	c.subs[msg.ID] = handle
	c.subsMu.Unlock()
	c.write(wsMessage{Op: "result", ID: msg.ID, Status: "subscribed"})
}

func (c *client) handleUnsubscribe(msg *wsMessage) {
	c.subsMu.Lock()
	handle, ok := c.subs[msg.ID]
	delete(c.subs, msg.ID)
	c.subsMu.Unlock()
	if ok {
		c.bridge.orch.Unsubscribe(handle)
	}
	c.write(wsMessage{Op: "result", ID: msg.ID, Status: "unsubscribed"})
}

func (c *client) sendError(msg *wsMessage, errText string) {
	c.write(wsMessage{Op: "result", ID: msg.ID, Error: errText})
}

func (c *client) write(msg wsMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.bridge.logger.Warnf("transport/ws: write error: %v", err)
	}
}

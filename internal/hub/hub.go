// Package hub implements the WebSocket session surface: one endpoint
// where clients dispatch RPC messages, hold subscriptions, and exchange
// multiplexed binary frames for terminal I/O and file transfers.
package hub

import (
	"context"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/agent"
	"github.com/paseo-sh/paseo/internal/checkout"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/internal/events"
	"github.com/paseo-sh/paseo/internal/events/bus"
	"github.com/paseo-sh/paseo/internal/files"
	"github.com/paseo-sh/paseo/internal/store"
	"github.com/paseo-sh/paseo/internal/terminal"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// Options carries the collaborators the hub dispatches into.
type Options struct {
	ServerID  string
	Version   string
	Agents    *agent.Manager
	Terminals *terminal.Service
	Checkouts *checkout.Service
	Downloads *files.Downloads
	Store     *store.Store
	Bus       bus.EventBus
	Logger    *logger.Logger

	// AllowedOrigins restricts the Origin header on upgrade. Empty
	// allows any origin; the listener binds loopback by default.
	AllowedOrigins []string
}

// Hub accepts WebSocket connections and owns the connected client set.
type Hub struct {
	serverID string
	version  string
	hostname string

	agents    *agent.Manager
	terminals *terminal.Service
	checkouts *checkout.Service
	downloads *files.Downloads
	store     *store.Store
	bus       bus.EventBus
	log       *logger.Logger

	upgrader gorillaws.Upgrader

	mu        sync.Mutex
	clients   map[string]*Client
	everSeen  bool
	permSubs  []bus.Subscription
	shutdown  bool
}

// New creates the hub and installs its host-wide permission fan-out.
func New(opts Options) (*Hub, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	h := &Hub{
		serverID:  opts.ServerID,
		version:   opts.Version,
		hostname:  hostname,
		agents:    opts.Agents,
		terminals: opts.Terminals,
		checkouts: opts.Checkouts,
		downloads: opts.Downloads,
		store:     opts.Store,
		bus:       opts.Bus,
		log:       opts.Logger.WithFields(zap.String("component", "hub")),
		clients:   make(map[string]*Client),
	}
	h.upgrader = gorillaws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	if err := h.subscribePermissions(); err != nil {
		return nil, err
	}
	return h, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// subscribePermissions fans permission lifecycle events out to every
// connected client. Permission prompts must reach all devices, not just
// the ones streaming the agent.
func (h *Hub) subscribePermissions() error {
	requested, err := h.bus.Subscribe(events.BuildPermissionRequestedWildcardSubject(), h.onPermissionRequested)
	if err != nil {
		return err
	}
	resolved, err := h.bus.Subscribe(events.BuildPermissionResolvedWildcardSubject(), h.onPermissionResolved)
	if err != nil {
		requested.Unsubscribe()
		return err
	}
	h.permSubs = []bus.Subscription{requested, resolved}
	return nil
}

func (h *Hub) onPermissionRequested(ctx context.Context, ev *bus.Event) error {
	var req protocol.PermissionRequest
	if !decodeField(ev.Data, "permission", &req) {
		return nil
	}
	h.broadcast(map[string]interface{}{
		"type":       protocol.TypePermissionRequested,
		"agentId":    req.AgentID,
		"permission": &req,
	})
	return nil
}

func (h *Hub) onPermissionResolved(ctx context.Context, ev *bus.Event) error {
	msg := map[string]interface{}{
		"type": protocol.TypePermissionResolved,
	}
	for _, k := range []string{"requestId", "decision", "timedOut", "agentId"} {
		if v, ok := ev.Data[k]; ok {
			msg[k] = v
		}
	}
	h.broadcast(msg)
	return nil
}

// broadcast queues a JSON push on every connected client.
func (h *Hub) broadcast(msg map[string]interface{}) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.sendJSON("", msg)
	}
}

// ServeWS upgrades the request and runs the connection to completion.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), conn, h, h.log)
	resumed := h.register(client)

	h.log.Debug("client connected",
		zap.String("client_id", client.id),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client.sendJSON("", &protocol.Welcome{
		Type:     protocol.TypeWelcome,
		ServerID: h.serverID,
		Hostname: h.hostname,
		Version:  h.version,
		Resumed:  resumed,
	})

	go client.writePump()
	client.readPump(c.Request.Context())
}

// register adds the client. The returned flag reports whether this host
// process has served a connection before, surfaced as welcome.resumed.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	resumed := h.everSeen
	h.everSeen = true
	h.clients[c.id] = c
	return resumed
}

// unregister removes the client and releases everything it held:
// subscriptions, checkout watches, and terminal attachments.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if !present {
		return
	}

	c.teardownAll()
	c.closeOutbox()
	h.log.Debug("client disconnected", zap.String("client_id", c.id))
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and stops the permission fan-out.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return
	}
	h.shutdown = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	subs := h.permSubs
	h.permSubs = nil
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	for _, c := range clients {
		c.conn.Close()
	}
}

// Package mcpbridge mounts a per-agent MCP server on the host's HTTP
// router so UI-facing provider sessions can rename their own agent via
// a set_title tool.
package mcpbridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/internal/events"
	"github.com/paseo-sh/paseo/internal/events/bus"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// TitleSetter is the slice of the agent manager the bridge needs.
type TitleSetter interface {
	SetTitle(ctx context.Context, agentID, title string) error
}

// Bridge hosts one MCP server per agent under /mcp/<agentId>/. Servers
// are created lazily on first request and torn down when the agent is
// archived or deleted.
type Bridge struct {
	setter  TitleSetter
	baseURL string
	log     *logger.Logger

	mu      sync.Mutex
	servers map[string]*agentServer
	subs    []bus.Subscription
}

type agentServer struct {
	sse  *server.SSEServer
	http *server.StreamableHTTPServer
}

// New creates the bridge. baseURL is the externally reachable HTTP root
// of the host, e.g. "http://127.0.0.1:7777".
func New(setter TitleSetter, baseURL string, log *logger.Logger) *Bridge {
	return &Bridge{
		setter:  setter,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		log:     log.WithFields(zap.String("component", "mcp-bridge")),
		servers: map[string]*agentServer{},
	}
}

// URL returns the streamable HTTP endpoint injected into a provider's
// MCP config for one agent.
func (b *Bridge) URL(agentID string) string {
	return fmt.Sprintf("%s/mcp/%s/mcp", b.baseURL, agentID)
}

// RegisterRoutes mounts the bridge on the gin router and subscribes to
// agent teardown events.
func (b *Bridge) RegisterRoutes(router gin.IRouter, eventBus bus.EventBus) error {
	router.Any("/mcp/:agentId/*rest", b.handle)

	teardown := func(ctx context.Context, ev *bus.Event) error {
		switch agent := ev.Data["agent"].(type) {
		case *protocol.Agent:
			b.remove(agent.ID)
		case map[string]interface{}:
			// NATS delivery decodes the snapshot into a generic map.
			if id, ok := agent["id"].(string); ok {
				b.remove(id)
			}
		}
		return nil
	}
	for _, subject := range []string{events.AgentArchived, events.AgentDeleted} {
		sub, err := eventBus.Subscribe(subject, teardown)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}
	return nil
}

func (b *Bridge) handle(c *gin.Context) {
	agentID := c.Param("agentId")
	rest := c.Param("rest")

	srv := b.ensure(agentID)

	switch {
	case rest == "/sse":
		srv.sse.SSEHandler().ServeHTTP(c.Writer, c.Request)
	case rest == "/message":
		srv.sse.MessageHandler().ServeHTTP(c.Writer, c.Request)
	case rest == "/mcp" || strings.HasPrefix(rest, "/mcp/"):
		srv.http.ServeHTTP(c.Writer, c.Request)
	default:
		c.JSON(404, gin.H{"error": "unknown MCP endpoint"})
	}
}

// ensure returns the agent's MCP server, creating it on first use.
func (b *Bridge) ensure(agentID string) *agentServer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if srv, ok := b.servers[agentID]; ok {
		return srv
	}

	m := server.NewMCPServer("paseo", "1.0.0", server.WithToolCapabilities(true))
	m.AddTool(
		mcp.NewTool("set_title",
			mcp.WithDescription("Set the display title of the current coding session."),
			mcp.WithString("title", mcp.Required(), mcp.Description("The new session title")),
		),
		b.setTitleHandler(agentID),
	)

	basePath := "/mcp/" + agentID
	srv := &agentServer{
		sse: server.NewSSEServer(m,
			server.WithBaseURL(b.baseURL),
			server.WithStaticBasePath(basePath),
		),
		http: server.NewStreamableHTTPServer(m,
			server.WithEndpointPath(basePath+"/mcp"),
		),
	}
	b.servers[agentID] = srv
	b.log.Debug("mounted agent MCP server", zap.String("agent_id", agentID))
	return srv
}

func (b *Bridge) setTitleHandler(agentID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := b.setter.SetTitle(ctx, agentID, title); err != nil {
			b.log.Warn("set_title failed", zap.String("agent_id", agentID), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		b.log.Info("agent retitled via MCP", zap.String("agent_id", agentID), zap.String("title", title))
		return mcp.NewToolResultText("title updated"), nil
	}
}

func (b *Bridge) remove(agentID string) {
	b.mu.Lock()
	srv, ok := b.servers[agentID]
	if ok {
		delete(b.servers, agentID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.sse.Shutdown(ctx); err != nil {
		b.log.Debug("SSE shutdown", zap.String("agent_id", agentID), zap.Error(err))
	}
	b.log.Debug("removed agent MCP server", zap.String("agent_id", agentID))
}

// Close tears down every per-agent server and bus subscription.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	servers := b.servers
	b.servers = map[string]*agentServer{}
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	for id, srv := range servers {
		if err := srv.sse.Shutdown(ctx); err != nil {
			b.log.Debug("SSE shutdown", zap.String("agent_id", id), zap.Error(err))
		}
	}
	return nil
}

package mcpbridge

import (
	"context"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/internal/events"
	"github.com/paseo-sh/paseo/internal/events/bus"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

type fakeSetter struct {
	agentID string
	title   string
	err     error
}

func (f *fakeSetter) SetTitle(ctx context.Context, agentID, title string) error {
	f.agentID = agentID
	f.title = title
	return f.err
}

func newTestBridge(t *testing.T, setter TitleSetter) *Bridge {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	return New(setter, "http://127.0.0.1:7777", log)
}

func callSetTitle(t *testing.T, b *Bridge, agentID, title string) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = "set_title"
	req.Params.Arguments = map[string]any{"title": title}
	res, err := b.setTitleHandler(agentID)(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestURLShape(t *testing.T) {
	b := newTestBridge(t, &fakeSetter{})
	assert.Equal(t, "http://127.0.0.1:7777/mcp/abc/mcp", b.URL("abc"))
}

func TestSetTitleForwardsToManager(t *testing.T) {
	setter := &fakeSetter{}
	b := newTestBridge(t, setter)

	res := callSetTitle(t, b, "agent-1", "Fix the parser")
	assert.False(t, res.IsError)
	assert.Equal(t, "agent-1", setter.agentID)
	assert.Equal(t, "Fix the parser", setter.title)
}

func TestSetTitleReportsManagerError(t *testing.T) {
	setter := &fakeSetter{err: apperr.NotFoundf("agent not found")}
	b := newTestBridge(t, setter)

	res := callSetTitle(t, b, "missing", "x")
	assert.True(t, res.IsError)
}

func TestSetTitleRequiresTitle(t *testing.T) {
	b := newTestBridge(t, &fakeSetter{})
	req := mcp.CallToolRequest{}
	req.Params.Name = "set_title"
	req.Params.Arguments = map[string]any{}
	res, err := b.setTitleHandler("a")(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestEnsureIsIdempotent(t *testing.T) {
	b := newTestBridge(t, &fakeSetter{})
	first := b.ensure("agent-1")
	second := b.ensure("agent-1")
	assert.Same(t, first, second)
}

func TestArchiveEventTearsDownServer(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	b := New(&fakeSetter{}, "http://127.0.0.1:7777", log)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	require.NoError(t, b.RegisterRoutes(router, eventBus))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})

	b.ensure("agent-1")
	ev := bus.NewEvent(events.AgentArchived, "test", map[string]interface{}{
		"agent": &protocol.Agent{ID: "agent-1"},
	})
	require.NoError(t, eventBus.Publish(context.Background(), events.AgentArchived, ev))

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.servers["agent-1"]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

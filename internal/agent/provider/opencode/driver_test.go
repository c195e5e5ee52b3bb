package opencode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-sh/paseo/internal/agent/provider"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/pkg/opencode"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

func newTestDriver(t *testing.T, serverURL string) *Driver {
	t.Helper()
	d := New(provider.Config{Kind: protocol.ProviderOpencode, Cwd: "/tmp"}, logger.Default())
	d.sessionID = "ses_1"
	if serverURL != "" {
		d.client = opencode.NewClient(serverURL, "/tmp", "pw", logger.Default())
	}
	return d
}

func nextEvent(t *testing.T, d *Driver) provider.Event {
	t.Helper()
	select {
	case ev := <-d.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for driver event")
		return provider.Event{}
	}
}

func noEvent(t *testing.T, d *Driver) {
	t.Helper()
	select {
	case ev := <-d.events:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func sse(t *testing.T, d *Driver, eventType string, props any) {
	t.Helper()
	raw, err := json.Marshal(props)
	require.NoError(t, err)
	d.handleEvent(&opencode.Event{Type: eventType, Properties: raw})
}

func TestTextPartEmitsOnlyNewSuffix(t *testing.T) {
	d := newTestDriver(t, "")

	// The server resends the whole accumulated text each update.
	sse(t, d, opencode.EventMessagePartUpdated, opencode.MessagePartUpdated{
		Part: opencode.Part{ID: "prt_1", Type: opencode.PartTypeText, SessionID: "ses_1", Text: "Hello"},
	})
	sse(t, d, opencode.EventMessagePartUpdated, opencode.MessagePartUpdated{
		Part: opencode.Part{ID: "prt_1", Type: opencode.PartTypeText, SessionID: "ses_1", Text: "Hello world"},
	})

	ev := nextEvent(t, d)
	require.NotNil(t, ev.Item.AssistantMessage)
	assert.Equal(t, "Hello", ev.Item.AssistantMessage.Text)
	assert.True(t, ev.Item.AssistantMessage.Partial)

	ev = nextEvent(t, d)
	assert.Equal(t, " world", ev.Item.AssistantMessage.Text)

	// An update with no new text is silent.
	sse(t, d, opencode.EventMessagePartUpdated, opencode.MessagePartUpdated{
		Part: opencode.Part{ID: "prt_1", Type: opencode.PartTypeText, SessionID: "ses_1", Text: "Hello world"},
	})
	noEvent(t, d)
}

func TestTextPartPrefersDelta(t *testing.T) {
	d := newTestDriver(t, "")

	sse(t, d, opencode.EventMessagePartUpdated, opencode.MessagePartUpdated{
		Part:  opencode.Part{ID: "prt_2", Type: opencode.PartTypeText, Text: "Hi"},
		Delta: "Hi",
	})
	ev := nextEvent(t, d)
	assert.Equal(t, "Hi", ev.Item.AssistantMessage.Text)
}

func TestToolPartLifecycle(t *testing.T) {
	d := newTestDriver(t, "")

	input, _ := json.Marshal(map[string]any{"command": "ls"})
	running := opencode.Part{
		ID: "prt_3", Type: opencode.PartTypeTool, CallID: "call_1", Tool: "bash",
		State: &opencode.ToolState{Status: opencode.ToolStatusRunning, Input: input},
	}
	sse(t, d, opencode.EventMessagePartUpdated, opencode.MessagePartUpdated{Part: running})

	ev := nextEvent(t, d)
	require.NotNil(t, ev.Item.ToolCall)
	assert.Equal(t, protocol.ToolCallRunning, ev.Item.ToolCall.Status)
	assert.Equal(t, "bash", ev.Item.ToolCall.Name)
	assert.Equal(t, protocol.ToolDetailShell, ev.Item.ToolCall.Detail.Kind)
	assert.Equal(t, "ls", ev.Item.ToolCall.Detail.Command)

	// Repeated running updates are suppressed.
	sse(t, d, opencode.EventMessagePartUpdated, opencode.MessagePartUpdated{Part: running})
	noEvent(t, d)

	done := running
	done.State = &opencode.ToolState{Status: opencode.ToolStatusCompleted, Input: input, Output: "README.md"}
	sse(t, d, opencode.EventMessagePartUpdated, opencode.MessagePartUpdated{Part: done})

	ev = nextEvent(t, d)
	assert.Equal(t, protocol.ToolCallCompleted, ev.Item.ToolCall.Status)
	assert.Equal(t, "README.md", ev.Item.ToolCall.Output)
}

func TestToolPartError(t *testing.T) {
	d := newTestDriver(t, "")

	sse(t, d, opencode.EventMessagePartUpdated, opencode.MessagePartUpdated{
		Part: opencode.Part{
			ID: "prt_4", Type: opencode.PartTypeTool, CallID: "call_2", Tool: "edit",
			State: &opencode.ToolState{Status: opencode.ToolStatusError, Error: "file not found"},
		},
	})

	ev := nextEvent(t, d)
	assert.Equal(t, protocol.ToolCallFailed, ev.Item.ToolCall.Status)
	assert.Equal(t, "file not found", ev.Item.ToolCall.Error)
}

func TestPermissionAsked(t *testing.T) {
	d := newTestDriver(t, "")

	sse(t, d, opencode.EventPermissionAsked, opencode.PermissionAsked{
		ID: "per_1", SessionID: "ses_1", Permission: "bash",
		Patterns: []string{"rm *"},
		Tool:     &opencode.ToolRef{CallID: "call_9"},
	})

	ev := nextEvent(t, d)
	require.Equal(t, provider.EventPermissionRequest, ev.Type)
	assert.Equal(t, "per_1", ev.CallbackID)
	assert.Equal(t, "bash", ev.Name)
	assert.Equal(t, "bash: rm *", ev.Title)
	assert.Equal(t, "call_9", ev.Metadata["callId"])
}

func TestSessionIdleCompletesTurn(t *testing.T) {
	d := newTestDriver(t, "")
	sse(t, d, opencode.EventSessionIdle, opencode.SessionIdle{SessionID: "ses_1"})
	assert.Equal(t, provider.EventTurnCompleted, nextEvent(t, d).Type)
}

func TestSessionErrorFailsTurn(t *testing.T) {
	d := newTestDriver(t, "")
	raw, _ := json.Marshal(map[string]any{
		"sessionID": "ses_1",
		"error":     map[string]any{"name": "ProviderAuthError", "data": map[string]any{"message": "bad api key"}},
	})
	d.handleEvent(&opencode.Event{Type: opencode.EventSessionError, Properties: raw})

	ev := nextEvent(t, d)
	assert.Equal(t, provider.EventTurnFailed, ev.Type)
	assert.Contains(t, ev.Error, "bad api key")
}

func TestResolvePermissionRepliesOnce(t *testing.T) {
	var gotPath string
	var gotReply opencode.PermissionReply
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotReply)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDriver(t, srv.URL)
	err := d.ResolvePermission(context.Background(), "per_1", protocol.PermissionDecision{
		Behavior: protocol.PermissionAllow,
	})
	require.NoError(t, err)
	assert.Equal(t, "/permission/per_1/reply", gotPath)
	assert.Equal(t, opencode.ReplyOnce, gotReply.Reply)
}

package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-sh/paseo/internal/agent/provider"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/pkg/claudecode"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// newTestDriver wires the client to a buffer so stdin writes can be
// inspected. The read loop is never started; messages are injected by
// calling the handlers directly.
func newTestDriver(t *testing.T) (*Driver, *bytes.Buffer) {
	t.Helper()
	d := New(provider.Config{Kind: protocol.ProviderClaude, Cwd: "/tmp"}, logger.Default())

	var stdin bytes.Buffer
	d.client = claudecode.NewClient(&stdin, strings.NewReader(""), logger.Default())
	return d, &stdin
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

func TestSystemMessageUpdatesSession(t *testing.T) {
	d, _ := newTestDriver(t)

	d.handleMessage(&claudecode.Message{Type: claudecode.MessageTypeSystem, SessionID: "sess-1"})

	ev := nextEvent(t, d)
	assert.Equal(t, provider.EventSessionUpdated, ev.Type)
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, "sess-1", d.SessionID())

	// Repeating the same session id is not re-announced.
	d.handleMessage(&claudecode.Message{Type: claudecode.MessageTypeSystem, SessionID: "sess-1"})
	select {
	case ev := <-d.events:
		t.Fatalf("unexpected event %v", ev.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestAssistantBlocksBecomeTimelineItems(t *testing.T) {
	d, _ := newTestDriver(t)

	d.handleMessage(&claudecode.Message{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.AssistantBody{
			Role: "assistant",
			Content: []claudecode.ContentBlock{
				{Type: "text", Text: "Let me check."},
				{Type: "tool_use", ID: "toolu_1", Name: "Bash", Input: map[string]any{"command": "ls"}},
			},
		},
	})

	ev := nextEvent(t, d)
	require.Equal(t, provider.EventTimelineItem, ev.Type)
	require.NotNil(t, ev.Item.AssistantMessage)
	assert.Equal(t, "Let me check.", ev.Item.AssistantMessage.Text)
	assert.True(t, ev.Item.AssistantMessage.Partial)

	ev = nextEvent(t, d)
	require.Equal(t, provider.EventTimelineItem, ev.Type)
	require.NotNil(t, ev.Item.ToolCall)
	assert.Equal(t, "toolu_1", ev.Item.ToolCall.CallID)
	assert.Equal(t, protocol.ToolCallRunning, ev.Item.ToolCall.Status)
	assert.Equal(t, protocol.ToolDetailShell, ev.Item.ToolCall.Detail.Kind)
	assert.Equal(t, "ls", ev.Item.ToolCall.Detail.Command)
}

func TestToolResultCompletesPendingCall(t *testing.T) {
	d, _ := newTestDriver(t)

	d.handleMessage(&claudecode.Message{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.AssistantBody{
			Content: []claudecode.ContentBlock{
				{Type: "tool_use", ID: "toolu_1", Name: "Read", Input: map[string]any{"file_path": "/tmp/x"}},
			},
		},
	})
	nextEvent(t, d)

	output, _ := json.Marshal("file contents")
	d.handleMessage(&claudecode.Message{
		Type: claudecode.MessageTypeUser,
		Message: &claudecode.AssistantBody{
			Content: []claudecode.ContentBlock{
				{Type: "tool_result", ToolUseID: "toolu_1", Content: output},
			},
		},
	})

	ev := nextEvent(t, d)
	require.NotNil(t, ev.Item.ToolCall)
	assert.Equal(t, protocol.ToolCallCompleted, ev.Item.ToolCall.Status)
	assert.Equal(t, "file contents", ev.Item.ToolCall.Output)
	assert.Equal(t, "Read", ev.Item.ToolCall.Name)
	assert.Equal(t, "/tmp/x", ev.Item.ToolCall.Detail.Path)
}

func TestToolResultErrorFailsCall(t *testing.T) {
	d, _ := newTestDriver(t)

	d.handleMessage(&claudecode.Message{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.AssistantBody{
			Content: []claudecode.ContentBlock{
				{Type: "tool_use", ID: "toolu_2", Name: "Bash", Input: map[string]any{"command": "false"}},
			},
		},
	})
	nextEvent(t, d)

	msg, _ := json.Marshal("exit status 1")
	d.handleMessage(&claudecode.Message{
		Type: claudecode.MessageTypeUser,
		Message: &claudecode.AssistantBody{
			Content: []claudecode.ContentBlock{
				{Type: "tool_result", ToolUseID: "toolu_2", Content: msg, IsError: true},
			},
		},
	})

	ev := nextEvent(t, d)
	require.NotNil(t, ev.Item.ToolCall)
	assert.Equal(t, protocol.ToolCallFailed, ev.Item.ToolCall.Status)
	assert.Equal(t, "exit status 1", ev.Item.ToolCall.Error)
}

func TestResultEndsTurn(t *testing.T) {
	d, _ := newTestDriver(t)

	// Streamed text first; the result must not repeat it.
	d.handleMessage(&claudecode.Message{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.AssistantBody{
			Content: []claudecode.ContentBlock{{Type: "text", Text: "done"}},
		},
	})
	nextEvent(t, d)

	full, _ := json.Marshal("done")
	d.handleMessage(&claudecode.Message{Type: claudecode.MessageTypeResult, Result: full})

	ev := nextEvent(t, d)
	assert.Equal(t, provider.EventTurnCompleted, ev.Type)
}

func TestResultWithoutStreamedTextEmitsIt(t *testing.T) {
	d, _ := newTestDriver(t)

	out, _ := json.Marshal("command output")
	d.handleMessage(&claudecode.Message{Type: claudecode.MessageTypeResult, Result: out})

	ev := nextEvent(t, d)
	require.Equal(t, provider.EventTimelineItem, ev.Type)
	require.NotNil(t, ev.Item.AssistantMessage)
	assert.Equal(t, "command output", ev.Item.AssistantMessage.Text)
	assert.False(t, ev.Item.AssistantMessage.Partial)

	ev = nextEvent(t, d)
	assert.Equal(t, provider.EventTurnCompleted, ev.Type)
}

func TestResultErrorFailsTurn(t *testing.T) {
	d, _ := newTestDriver(t)

	msg, _ := json.Marshal("credit balance too low")
	d.handleMessage(&claudecode.Message{
		Type:    claudecode.MessageTypeResult,
		Subtype: "error_during_execution",
		IsError: true,
		Result:  msg,
	})

	ev := nextEvent(t, d)
	assert.Equal(t, provider.EventTurnFailed, ev.Type)
	assert.Equal(t, "credit balance too low", ev.Error)
}

func TestCanUseToolBecomesPermissionEvent(t *testing.T) {
	d, _ := newTestDriver(t)

	d.handleControlRequest("req-1", &claudecode.ControlRequest{
		Subtype:   claudecode.SubtypeCanUseTool,
		ToolName:  "Bash",
		Input:     map[string]any{"command": "rm -rf build"},
		ToolUseID: "toolu_9",
	})

	ev := nextEvent(t, d)
	assert.Equal(t, provider.EventPermissionRequest, ev.Type)
	assert.Equal(t, "req-1", ev.CallbackID)
	assert.Equal(t, protocol.PermissionKindTool, ev.Kind)
	assert.Equal(t, "Bash", ev.Name)
	assert.Equal(t, "rm -rf build", ev.Title)
	assert.Equal(t, "toolu_9", ev.Metadata["toolUseId"])
}

func TestExitPlanModeIsPlanPermission(t *testing.T) {
	d, _ := newTestDriver(t)

	d.handleControlRequest("req-2", &claudecode.ControlRequest{
		Subtype:  claudecode.SubtypeCanUseTool,
		ToolName: "ExitPlanMode",
		Input:    map[string]any{"plan": "1. refactor"},
	})

	ev := nextEvent(t, d)
	assert.Equal(t, protocol.PermissionKindPlan, ev.Kind)
}

func TestResolvePermissionWritesControlResponse(t *testing.T) {
	d, stdin := newTestDriver(t)

	err := d.ResolvePermission(context.Background(), "req-1", protocol.PermissionDecision{
		Behavior: protocol.PermissionAllow,
	})
	require.NoError(t, err)

	var line struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string `json:"subtype"`
			RequestID string `json:"request_id"`
			Result    struct {
				Behavior string `json:"behavior"`
			} `json:"result"`
		} `json:"response"`
	}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &line))
	assert.Equal(t, "control_response", line.Type)
	assert.Equal(t, "success", line.Response.Subtype)
	assert.Equal(t, "req-1", line.Response.RequestID)
	assert.Equal(t, "allow", line.Response.Result.Behavior)
}

func TestResolvePermissionDeny(t *testing.T) {
	d, stdin := newTestDriver(t)

	err := d.ResolvePermission(context.Background(), "req-3", protocol.PermissionDecision{
		Behavior:  protocol.PermissionDeny,
		Message:   "not in this repo",
		Interrupt: true,
	})
	require.NoError(t, err)

	var line struct {
		Response struct {
			Result claudecode.PermissionResult `json:"result"`
		} `json:"response"`
	}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &line))
	assert.Equal(t, "deny", line.Response.Result.Behavior)
	assert.Equal(t, "not in this repo", line.Response.Result.Message)
	require.NotNil(t, line.Response.Result.Interrupt)
	assert.True(t, *line.Response.Result.Interrupt)
}

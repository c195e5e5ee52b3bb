// Package codex drives the Codex app-server over stdio JSON-RPC.
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/agent/provider"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/pkg/codex"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

const (
	defaultBinary = "codex"
	callTimeout   = 30 * time.Second
)

// Mode ids published by the driver. Each maps to an approval policy and
// sandbox pairing on the thread.
const (
	modeReadOnly   = "read-only"
	modeAuto       = "auto"
	modeFullAccess = "full-access"
)

// Driver runs one `codex app-server` subprocess.
type Driver struct {
	cfg    provider.Config
	log    *logger.Logger
	proc   *provider.Proc
	client *codex.Client

	events chan provider.Event
	closed chan struct{}
	once   sync.Once

	nextCallback atomic.Int64

	mu       sync.Mutex
	threadID string
	modeID   string
	// pendingApprovals maps callback ids to the JSON-RPC ids of parked
	// reverse requests.
	pendingApprovals map[string]any
	// pendingTools remembers started items so completion events keep
	// their detail.
	pendingTools map[string]protocol.ToolCall
	// deltaSeen tracks message items already streamed as deltas so the
	// completed item does not repeat the text.
	deltaSeen map[string]bool
}

// New builds a Codex driver from cfg.
func New(cfg provider.Config, log *logger.Logger) *Driver {
	modeID := cfg.ModeID
	if modeID == "" {
		modeID = modeAuto
	}
	return &Driver{
		cfg:              cfg,
		log:              log.WithFields(zap.String("provider", "codex")),
		events:           make(chan provider.Event, 100),
		closed:           make(chan struct{}),
		modeID:           modeID,
		pendingApprovals: make(map[string]any),
		pendingTools:     make(map[string]protocol.ToolCall),
		deltaSeen:        make(map[string]bool),
	}
}

// Start spawns the app-server, initializes it, and opens or resumes the
// thread.
func (d *Driver) Start(ctx context.Context) error {
	bin := d.cfg.Binary
	if bin == "" {
		bin = defaultBinary
	}

	args := []string{"app-server"}
	if d.cfg.MCPServerURL != "" {
		args = append(args, "-c", fmt.Sprintf("mcp_servers.paseo.url=%q", d.cfg.MCPServerURL))
	}

	p, err := provider.Spawn(bin, args, d.cfg.Cwd, d.cfg.Env, d.log)
	if err != nil {
		return err
	}
	d.proc = p

	d.client = codex.NewClient(p.Stdin(), p.Stdout(), d.log)
	d.client.OnNotification(d.handleNotification)
	d.client.OnRequest(d.handleApprovalRequest)
	d.client.Start(context.Background())

	go d.watchExit()

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	initParams := &codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "paseo", Version: "1"},
	}
	if err := d.client.Call(callCtx, codex.MethodInitialize, initParams, nil); err != nil {
		d.teardown()
		return p.FailureError("codex initialize", err)
	}
	if err := d.client.Notify(codex.MethodInitialized, nil); err != nil {
		d.teardown()
		return p.FailureError("codex initialized", err)
	}

	if err := d.openThread(callCtx); err != nil {
		d.teardown()
		return err
	}
	return nil
}

func (d *Driver) openThread(ctx context.Context) error {
	policy, sandbox := d.modePolicy()

	var thread *codex.Thread
	if d.cfg.ResumeSessionID != "" {
		var res codex.ThreadResumeResult
		params := &codex.ThreadResumeParams{
			ThreadID:       d.cfg.ResumeSessionID,
			Cwd:            d.cfg.Cwd,
			ApprovalPolicy: policy,
			SandboxPolicy:  sandbox,
		}
		if err := d.client.Call(ctx, codex.MethodThreadResume, params, &res); err != nil {
			return d.proc.FailureError("codex thread resume", err)
		}
		thread = res.Thread
	} else {
		var res codex.ThreadStartResult
		params := &codex.ThreadStartParams{
			Model:          d.cfg.Model,
			Cwd:            d.cfg.Cwd,
			ApprovalPolicy: policy,
			SandboxPolicy:  sandbox,
		}
		if err := d.client.Call(ctx, codex.MethodThreadStart, params, &res); err != nil {
			return d.proc.FailureError("codex thread start", err)
		}
		thread = res.Thread
	}

	if thread == nil || thread.ID == "" {
		return d.proc.FailureError("codex thread", fmt.Errorf("server returned no thread id"))
	}

	d.mu.Lock()
	d.threadID = thread.ID
	d.mu.Unlock()
	d.emit(provider.Event{Type: provider.EventSessionUpdated, SessionID: thread.ID})
	return nil
}

func (d *Driver) modePolicy() (string, *codex.SandboxPolicy) {
	d.mu.Lock()
	modeID := d.modeID
	d.mu.Unlock()

	switch modeID {
	case modeReadOnly:
		return "untrusted", &codex.SandboxPolicy{Type: "read-only"}
	case modeFullAccess:
		return "never", &codex.SandboxPolicy{Type: "danger-full-access"}
	default:
		return "on-request", &codex.SandboxPolicy{Type: "workspace-write", NetworkAccess: true}
	}
}

// SessionID returns the thread id.
func (d *Driver) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threadID
}

// StartTurn submits user input; images ride along as data URLs.
func (d *Driver) StartTurn(ctx context.Context, text string, images []protocol.Image) error {
	input := make([]codex.UserInput, 0, len(images)+1)
	for _, img := range images {
		input = append(input, codex.UserInput{
			Type: "image",
			URL:  fmt.Sprintf("data:%s;base64,%s", img.MediaType, img.Data),
		})
	}
	if text != "" {
		input = append(input, codex.UserInput{Type: "text", Text: text})
	}

	d.mu.Lock()
	threadID := d.threadID
	d.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	params := &codex.TurnStartParams{ThreadID: threadID, Input: input}
	if err := d.client.Call(callCtx, codex.MethodTurnStart, params, nil); err != nil {
		return d.proc.FailureError("codex turn start", err)
	}
	return nil
}

// Events returns the normalized stream.
func (d *Driver) Events() <-chan provider.Event { return d.events }

// ResolvePermission answers a parked approval reverse request.
func (d *Driver) ResolvePermission(ctx context.Context, callbackID string, decision protocol.PermissionDecision) error {
	d.mu.Lock()
	rpcID, ok := d.pendingApprovals[callbackID]
	delete(d.pendingApprovals, callbackID)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown approval callback %q", callbackID)
	}

	verdict := codex.DecisionDecline
	switch decision.Behavior {
	case protocol.PermissionAllow, protocol.PermissionAllowModifiedInput:
		verdict = codex.DecisionAccept
	case protocol.PermissionDeny:
		if decision.Interrupt {
			verdict = codex.DecisionCancel
		}
	}
	if err := d.client.Respond(rpcID, &codex.ApprovalResponse{Decision: verdict}, nil); err != nil {
		return d.proc.FailureError("answering approval", err)
	}
	return nil
}

// Cancel interrupts the in-flight turn.
func (d *Driver) Cancel(ctx context.Context) error {
	d.mu.Lock()
	threadID := d.threadID
	d.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	params := &codex.TurnInterruptParams{ThreadID: threadID}
	if err := d.client.Call(callCtx, codex.MethodTurnInterrupt, params, nil); err != nil {
		return d.proc.FailureError("codex turn interrupt", err)
	}
	return nil
}

// SetMode reopens the thread with the new approval policy; the server
// has no policy switch on a live thread.
func (d *Driver) SetMode(ctx context.Context, modeID string) error {
	switch modeID {
	case modeReadOnly, modeAuto, modeFullAccess:
	default:
		return fmt.Errorf("unknown codex mode %q", modeID)
	}

	d.mu.Lock()
	d.modeID = modeID
	threadID := d.threadID
	d.mu.Unlock()

	policy, sandbox := d.modePolicy()
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	params := &codex.ThreadResumeParams{
		ThreadID:       threadID,
		Cwd:            d.cfg.Cwd,
		ApprovalPolicy: policy,
		SandboxPolicy:  sandbox,
	}
	var res codex.ThreadResumeResult
	if err := d.client.Call(callCtx, codex.MethodThreadResume, params, &res); err != nil {
		return d.proc.FailureError("codex mode change", err)
	}
	return nil
}

// Modes lists the approval policy pairings.
func (d *Driver) Modes() []protocol.Mode {
	return []protocol.Mode{
		{ID: modeReadOnly, Name: "Read Only", Description: "No writes, every command asks"},
		{ID: modeAuto, Name: "Auto", Description: "Workspace writes allowed, escalations ask"},
		{ID: modeFullAccess, Name: "Full Access", Description: "No sandbox, nothing asks"},
	}
}

// Models queries model/list.
func (d *Driver) Models(ctx context.Context) ([]protocol.Model, error) {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	var res codex.ModelListResult
	if err := d.client.Call(callCtx, codex.MethodModelList, nil, &res); err != nil {
		return nil, d.proc.FailureError("codex model list", err)
	}
	out := make([]protocol.Model, 0, len(res.Models))
	for _, m := range res.Models {
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		out = append(out, protocol.Model{ID: m.ID, Name: name, Description: m.Description})
	}
	return out, nil
}

// Commands reports none; the app-server has no slash commands.
func (d *Driver) Commands() []protocol.Command { return nil }

// SessionPersistence reports that threads survive via thread/resume.
func (d *Driver) SessionPersistence() provider.PersistenceKind {
	return provider.PersistenceResumable
}

// Close stops the read loop and tears down the subprocess.
func (d *Driver) Close(ctx context.Context) error {
	d.once.Do(func() { close(d.closed) })
	if d.client != nil {
		d.client.Close()
	}
	if d.proc != nil {
		return d.proc.Shutdown(ctx)
	}
	return nil
}

func (d *Driver) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.Close(ctx)
}

func (d *Driver) emit(ev provider.Event) {
	select {
	case d.events <- ev:
	case <-d.closed:
	}
}

func (d *Driver) watchExit() {
	select {
	case <-d.proc.Done():
		select {
		case <-d.closed:
		default:
			if err := d.proc.ExitErr(); err != nil {
				d.emit(provider.Event{
					Type:  provider.EventTurnFailed,
					Error: d.proc.FailureError("codex process exited", err).Error(),
				})
			}
			d.once.Do(func() { close(d.closed) })
		}
	case <-d.closed:
	}
	close(d.events)
}

func (d *Driver) handleNotification(method string, params json.RawMessage) {
	switch method {
	case codex.NotifyItemStarted:
		var p codex.ItemParams
		if json.Unmarshal(params, &p) == nil && p.Item != nil {
			d.handleItemStarted(p.Item)
		}
	case codex.NotifyItemCompleted:
		var p codex.ItemParams
		if json.Unmarshal(params, &p) == nil && p.Item != nil {
			d.handleItemCompleted(p.Item)
		}
	case codex.NotifyItemAgentMessageDelta:
		var p codex.AgentMessageDeltaParams
		if json.Unmarshal(params, &p) == nil && p.Delta != "" {
			d.mu.Lock()
			d.deltaSeen[p.ItemID] = true
			d.mu.Unlock()
			d.emit(provider.Event{
				Type: provider.EventTimelineItem,
				Item: &protocol.TimelineItem{
					Type:             protocol.ItemAssistantMessage,
					AssistantMessage: &protocol.AssistantMessage{Text: p.Delta, Partial: true},
				},
			})
		}
	case codex.NotifyTurnCompleted:
		var p codex.TurnCompletedParams
		if json.Unmarshal(params, &p) != nil {
			return
		}
		if p.Success || p.Error == "" {
			d.emit(provider.Event{Type: provider.EventTurnCompleted})
		} else {
			d.emit(provider.Event{Type: provider.EventTurnFailed, Error: p.Error})
		}
	case codex.NotifyError:
		var p codex.ErrorParams
		if json.Unmarshal(params, &p) == nil && p.Message != "" {
			d.emit(provider.Event{Type: provider.EventTurnFailed, Error: p.Message})
		}
	}
}

func (d *Driver) handleItemStarted(item *codex.Item) {
	call, ok := d.toolCallFor(item)
	if !ok {
		return
	}
	call.Status = protocol.ToolCallRunning

	d.mu.Lock()
	d.pendingTools[item.ID] = call
	d.mu.Unlock()

	d.emit(provider.Event{
		Type: provider.EventTimelineItem,
		Item: &protocol.TimelineItem{Type: protocol.ItemToolCall, ToolCall: &call},
	})
}

func (d *Driver) handleItemCompleted(item *codex.Item) {
	switch item.Type {
	case "agentMessage":
		d.mu.Lock()
		streamed := d.deltaSeen[item.ID]
		delete(d.deltaSeen, item.ID)
		d.mu.Unlock()
		if streamed {
			return
		}
		if text := item.PlainText(); text != "" {
			d.emit(provider.Event{
				Type: provider.EventTimelineItem,
				Item: &protocol.TimelineItem{
					Type:             protocol.ItemAssistantMessage,
					AssistantMessage: &protocol.AssistantMessage{Text: text},
				},
			})
		}
		return
	case "commandExecution", "fileChange", "mcpToolCall":
	default:
		return
	}

	d.mu.Lock()
	call, ok := d.pendingTools[item.ID]
	delete(d.pendingTools, item.ID)
	d.mu.Unlock()
	if !ok {
		if call, ok = d.toolCallFor(item); !ok {
			return
		}
	}

	failed := item.Status == "failed"
	if item.Type == "commandExecution" {
		call.Output = item.AggregatedOutput
		if item.ExitCode != nil && *item.ExitCode != 0 {
			failed = true
		}
	}
	if failed {
		call.Status = protocol.ToolCallFailed
		if call.Error == nil {
			call.Error = &protocol.TurnError{Message: call.Output}
		}
	} else {
		call.Status = protocol.ToolCallCompleted
	}
	d.emit(provider.Event{
		Type: provider.EventTimelineItem,
		Item: &protocol.TimelineItem{Type: protocol.ItemToolCall, ToolCall: &call},
	})
}

// toolCallFor maps a codex item to a tool call skeleton. Message and
// reasoning items report not-a-tool.
func (d *Driver) toolCallFor(item *codex.Item) (protocol.ToolCall, bool) {
	switch item.Type {
	case "commandExecution":
		return protocol.ToolCall{
			CallID: item.ID,
			Name:   "shell",
			Detail: protocol.ToolDetail{Kind: protocol.ToolDetailShell, Command: item.Command},
		}, true
	case "fileChange":
		path := ""
		kind := protocol.ToolDetailEdit
		if len(item.Changes) > 0 {
			path = item.Changes[0].Path
			if item.Changes[0].Kind.Type == "add" {
				kind = protocol.ToolDetailWrite
			}
		}
		return protocol.ToolCall{
			CallID: item.ID,
			Name:   "apply_patch",
			Detail: protocol.ToolDetail{Kind: kind, Path: path},
		}, true
	case "mcpToolCall":
		var input map[string]any
		if len(item.Arguments) > 0 {
			_ = json.Unmarshal(item.Arguments, &input)
		}
		return protocol.ToolCall{
			CallID: item.ID,
			Name:   fmt.Sprintf("%s/%s", item.Server, item.Tool),
			Detail: protocol.ToolDetail{Kind: protocol.ToolDetailUnknown, Raw: input},
		}, true
	default:
		return protocol.ToolCall{}, false
	}
}

func (d *Driver) handleApprovalRequest(id any, method string, params json.RawMessage) {
	callbackID := fmt.Sprintf("approval-%d", d.nextCallback.Add(1))

	var ev provider.Event
	switch method {
	case codex.RequestCmdExecApproval:
		var p codex.CommandApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			_ = d.client.Respond(id, nil, &codex.Error{Code: codex.InvalidParams, Message: "bad approval params"})
			return
		}
		ev = provider.Event{
			Type:       provider.EventPermissionRequest,
			CallbackID: callbackID,
			Kind:       protocol.PermissionKindTool,
			Name:       "shell",
			Title:      p.Command,
			Input:      map[string]any{"command": p.Command, "cwd": p.Cwd},
			Metadata:   map[string]any{"itemId": p.ItemID, "reasoning": p.Reasoning},
		}
	case codex.RequestFileChangeApproval:
		var p codex.FileChangeApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			_ = d.client.Respond(id, nil, &codex.Error{Code: codex.InvalidParams, Message: "bad approval params"})
			return
		}
		ev = provider.Event{
			Type:       provider.EventPermissionRequest,
			CallbackID: callbackID,
			Kind:       protocol.PermissionKindTool,
			Name:       "apply_patch",
			Title:      p.Path,
			Input:      map[string]any{"path": p.Path, "diff": p.Diff},
			Metadata:   map[string]any{"itemId": p.ItemID, "reasoning": p.Reasoning},
		}
	default:
		_ = d.client.Respond(id, nil, &codex.Error{Code: codex.MethodNotFound, Message: "method not found"})
		return
	}

	d.mu.Lock()
	d.pendingApprovals[callbackID] = id
	d.mu.Unlock()
	d.emit(ev)
}

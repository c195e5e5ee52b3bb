// Package claude drives the Claude Code CLI in streaming mode.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/agent/provider"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/pkg/claudecode"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

const (
	defaultBinary     = "claude"
	initializeTimeout = 30 * time.Second
	controlTimeout    = 10 * time.Second
)

// Driver runs one `claude -p` subprocess speaking stream-json on stdio.
type Driver struct {
	cfg    provider.Config
	log    *logger.Logger
	proc   *provider.Proc
	client *claudecode.Client

	events chan provider.Event
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	sessionID string
	commands  []protocol.Command
	models    []protocol.Model
	// pendingTools remembers each tool_use block so the matching
	// tool_result can be emitted with its name and detail intact.
	pendingTools map[string]protocol.ToolCall
	// textStreamed guards against re-emitting the turn's text when the
	// result message repeats it.
	textStreamed bool
}

// New builds a Claude driver from cfg.
func New(cfg provider.Config, log *logger.Logger) *Driver {
	return &Driver{
		cfg:          cfg,
		log:          log.WithFields(zap.String("provider", "claude")),
		events:       make(chan provider.Event, 100),
		closed:       make(chan struct{}),
		pendingTools: make(map[string]protocol.ToolCall),
	}
}

// Start spawns the CLI and runs the initialize handshake.
func (d *Driver) Start(ctx context.Context) error {
	bin := d.cfg.Binary
	if bin == "" {
		bin = defaultBinary
	}

	args := []string{
		"-p",
		"--input-format=stream-json",
		"--output-format=stream-json",
		"--verbose",
	}
	if d.cfg.Model != "" {
		args = append(args, "--model", d.cfg.Model)
	}
	if d.cfg.ResumeSessionID != "" {
		args = append(args, "--resume", d.cfg.ResumeSessionID)
	}
	if d.cfg.ModeID != "" && d.cfg.ModeID != "default" {
		args = append(args, "--permission-mode", d.cfg.ModeID)
	}
	if d.cfg.MCPServerURL != "" {
		args = append(args, "--mcp-config", mcpConfigJSON(d.cfg.MCPServerURL))
	}

	p, err := provider.Spawn(bin, args, d.cfg.Cwd, d.cfg.Env, d.log)
	if err != nil {
		return err
	}
	d.proc = p

	d.client = claudecode.NewClient(p.Stdin(), p.Stdout(), d.log)
	d.client.OnControlRequest(d.handleControlRequest)
	d.client.OnMessage(d.handleMessage)
	// The read loop outlives the caller's request context.
	d.client.Start(context.Background())

	go d.watchExit()

	init, err := d.client.Initialize(ctx, initializeTimeout)
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(shutdownCtx)
		return p.FailureError("claude initialize", err)
	}

	d.mu.Lock()
	for _, cmd := range init.Commands {
		d.commands = append(d.commands, protocol.Command{
			Name:         cmd.Name,
			Description:  cmd.Description,
			ArgumentHint: cmd.ArgumentHint,
		})
	}
	for _, m := range init.Models {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		d.models = append(d.models, protocol.Model{ID: m.ID, Name: name, Description: m.Description})
	}
	d.mu.Unlock()
	return nil
}

// SessionID returns the CLI session id once the first system message
// arrived.
func (d *Driver) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// StartTurn submits a prompt, with images attached as base64 content
// blocks.
func (d *Driver) StartTurn(ctx context.Context, text string, images []protocol.Image) error {
	blocks := make([]claudecode.ImageContent, 0, len(images))
	for _, img := range images {
		blocks = append(blocks, claudecode.ImageContent{
			Type: "image",
			Source: claudecode.ImageSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      img.Data,
			},
		})
	}
	d.mu.Lock()
	d.textStreamed = false
	d.mu.Unlock()
	if err := d.client.Prompt(text, blocks); err != nil {
		return d.proc.FailureError("sending prompt", err)
	}
	return nil
}

// Events returns the normalized stream.
func (d *Driver) Events() <-chan provider.Event { return d.events }

// ResolvePermission answers a parked can_use_tool control request.
func (d *Driver) ResolvePermission(ctx context.Context, callbackID string, decision protocol.PermissionDecision) error {
	result := &claudecode.PermissionResult{}
	switch decision.Behavior {
	case protocol.PermissionAllow:
		result.Behavior = claudecode.BehaviorAllow
	case protocol.PermissionAllowModifiedInput:
		result.Behavior = claudecode.BehaviorAllow
		result.UpdatedInput = decision.Input
	case protocol.PermissionDeny:
		result.Behavior = claudecode.BehaviorDeny
		result.Message = decision.Message
		if decision.Interrupt {
			t := true
			result.Interrupt = &t
		}
	default:
		return fmt.Errorf("unknown permission behavior %q", decision.Behavior)
	}
	if err := d.client.RespondToControl(callbackID, result, ""); err != nil {
		return d.proc.FailureError("answering permission", err)
	}
	return nil
}

// Cancel interrupts the in-flight turn.
func (d *Driver) Cancel(ctx context.Context) error {
	if err := d.client.Interrupt(ctx, controlTimeout); err != nil {
		return d.proc.FailureError("interrupting turn", err)
	}
	return nil
}

// SetMode switches the CLI permission mode.
func (d *Driver) SetMode(ctx context.Context, modeID string) error {
	if err := d.client.SetPermissionMode(ctx, modeID, controlTimeout); err != nil {
		return d.proc.FailureError("setting permission mode", err)
	}
	return nil
}

// Modes lists the CLI permission modes.
func (d *Driver) Modes() []protocol.Mode {
	return []protocol.Mode{
		{ID: "default", Name: "Default", Description: "Ask before side-effecting tools"},
		{ID: "plan", Name: "Plan", Description: "Read-only planning, no edits"},
		{ID: "acceptEdits", Name: "Accept Edits", Description: "File edits run without asking"},
		{ID: "bypassPermissions", Name: "Bypass Permissions", Description: "All tools run without asking"},
	}
}

// Models lists the models published at initialization.
func (d *Driver) Models(ctx context.Context) ([]protocol.Model, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.Model, len(d.models))
	copy(out, d.models)
	return out, nil
}

// Commands lists the slash commands published at initialization.
func (d *Driver) Commands() []protocol.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.Command, len(d.commands))
	copy(out, d.commands)
	return out
}

// SessionPersistence reports that sessions survive via --resume.
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
			err := d.proc.ExitErr()
			if err != nil {
				d.emit(provider.Event{
					Type:  provider.EventTurnFailed,
					Error: d.proc.FailureError("claude process exited", err).Error(),
				})
			}
			d.once.Do(func() { close(d.closed) })
		}
	case <-d.closed:
	}
	close(d.events)
}

func (d *Driver) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	if req.Subtype != claudecode.SubtypeCanUseTool {
		d.log.Warn("unexpected control request", zap.String("subtype", req.Subtype))
		_ = d.client.RespondToControl(requestID, nil, fmt.Sprintf("unsupported control request %q", req.Subtype))
		return
	}

	kind := protocol.PermissionKindTool
	if req.ToolName == "ExitPlanMode" {
		kind = protocol.PermissionKindPlan
	}
	d.emit(provider.Event{
		Type:       provider.EventPermissionRequest,
		CallbackID: requestID,
		Kind:       kind,
		Name:       req.ToolName,
		Title:      permissionTitle(req.ToolName, req.Input),
		Input:      req.Input,
		Metadata:   map[string]any{"toolUseId": req.ToolUseID},
	})
}

func (d *Driver) handleMessage(msg *claudecode.Message) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		d.handleSystem(msg)
	case claudecode.MessageTypeAssistant:
		d.handleAssistant(msg)
	case claudecode.MessageTypeUser:
		d.handleToolResults(msg)
	case claudecode.MessageTypeResult:
		d.handleResult(msg)
	}
}

func (d *Driver) handleSystem(msg *claudecode.Message) {
	if msg.SessionID == "" {
		return
	}
	d.mu.Lock()
	changed := d.sessionID != msg.SessionID
	d.sessionID = msg.SessionID
	d.mu.Unlock()
	if changed {
		d.emit(provider.Event{Type: provider.EventSessionUpdated, SessionID: msg.SessionID})
	}
}

func (d *Driver) handleAssistant(msg *claudecode.Message) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			d.mu.Lock()
			d.textStreamed = true
			d.mu.Unlock()
			d.emit(provider.Event{
				Type: provider.EventTimelineItem,
				Item: &protocol.TimelineItem{
					Type: protocol.ItemAssistantMessage,
					AssistantMessage: &protocol.AssistantMessage{
						Text:    block.Text,
						Partial: true,
					},
				},
			})
		case "tool_use":
			call := protocol.ToolCall{
				CallID: block.ID,
				Name:   block.Name,
				Status: protocol.ToolCallRunning,
				Detail: provider.ClassifyTool(block.Name, block.Input),
			}
			d.mu.Lock()
			d.pendingTools[block.ID] = call
			d.mu.Unlock()
			d.emit(provider.Event{
				Type: provider.EventTimelineItem,
				Item: &protocol.TimelineItem{Type: protocol.ItemToolCall, ToolCall: &call},
			})
		}
	}
}

func (d *Driver) handleToolResults(msg *claudecode.Message) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}

		d.mu.Lock()
		call, ok := d.pendingTools[block.ToolUseID]
		delete(d.pendingTools, block.ToolUseID)
		d.mu.Unlock()
		if !ok {
			call = protocol.ToolCall{
				CallID: block.ToolUseID,
				Detail: protocol.ToolDetail{Kind: protocol.ToolDetailUnknown},
			}
		}

		output := resultContentText(block.Content)
		if block.IsError {
			call.Status = protocol.ToolCallFailed
			call.Error = &protocol.TurnError{Message: output}
		} else {
			call.Status = protocol.ToolCallCompleted
			call.Output = output
		}
		d.emit(provider.Event{
			Type: provider.EventTimelineItem,
			Item: &protocol.TimelineItem{Type: protocol.ItemToolCall, ToolCall: &call},
		})
	}
}

func (d *Driver) handleResult(msg *claudecode.Message) {
	if msg.IsError {
		text := msg.ResultText()
		if text == "" {
			text = msg.Subtype
		}
		d.emit(provider.Event{Type: provider.EventTurnFailed, Error: text})
		return
	}
	// Slash commands and other non-streamed turns deliver their text
	// only in the result; streamed turns already emitted theirs.
	d.mu.Lock()
	streamed := d.textStreamed
	d.mu.Unlock()
	if text := msg.ResultText(); text != "" && !streamed {
		d.emit(provider.Event{
			Type: provider.EventTimelineItem,
			Item: &protocol.TimelineItem{
				Type:             protocol.ItemAssistantMessage,
				AssistantMessage: &protocol.AssistantMessage{Text: text},
			},
		})
	}
	d.emit(provider.Event{Type: provider.EventTurnCompleted})
}

// resultContentText flattens a tool_result content field, which the CLI
// sends as either a string or a content-block array.
func resultContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []claudecode.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			out += b.Text
		}
		return out
	}
	return ""
}

func permissionTitle(toolName string, input map[string]any) string {
	if cmd, ok := input["command"].(string); ok && cmd != "" {
		return cmd
	}
	if path, ok := input["file_path"].(string); ok && path != "" {
		return fmt.Sprintf("%s: %s", toolName, path)
	}
	return toolName
}

func mcpConfigJSON(url string) string {
	cfg := map[string]any{
		"mcpServers": map[string]any{
			"paseo": map[string]any{"type": "http", "url": url},
		},
	}
	data, _ := json.Marshal(cfg)
	return string(data)
}

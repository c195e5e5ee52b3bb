// Package opencode drives an `opencode serve` subprocess over its REST
// API and SSE event stream.
package opencode

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/agent/provider"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/pkg/opencode"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

const (
	defaultBinary = "opencode"
	healthTimeout = 30 * time.Second
	// urlTimeout bounds the wait for the listening line; npx installs
	// can take a while on first run.
	urlTimeout = 180 * time.Second

	urlPrefix = "opencode server listening on "
)

// Driver runs one opencode server and a session on it.
type Driver struct {
	cfg    provider.Config
	log    *logger.Logger
	proc   *provider.Proc
	client *opencode.Client

	events chan provider.Event
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	sessionID string
	// partText tracks cumulative text per part so each SSE update emits
	// only the new suffix.
	partText map[string]string
	// toolStatus tracks the last emitted status per tool call to
	// suppress repeated running updates.
	toolStatus map[string]protocol.ToolCallStatus
}

// New builds an OpenCode driver from cfg.
func New(cfg provider.Config, log *logger.Logger) *Driver {
	return &Driver{
		cfg:        cfg,
		log:        log.WithFields(zap.String("provider", "opencode")),
		events:     make(chan provider.Event, 100),
		closed:     make(chan struct{}),
		partText:   make(map[string]string),
		toolStatus: make(map[string]protocol.ToolCallStatus),
	}
}

// Start spawns the server, waits for its URL and health, and opens or
// resumes the session.
func (d *Driver) Start(ctx context.Context) error {
	bin := d.cfg.Binary
	if bin == "" {
		bin = defaultBinary
	}
	password := opencode.GeneratePassword()

	env := append([]string{
		"OPENCODE_SERVER_PASSWORD=" + password,
		`OPENCODE_PERMISSION={"edit":"ask","bash":"ask","webfetch":"ask","external_directory":"ask"}`,
	}, d.cfg.Env...)

	p, err := provider.Spawn(bin, []string{"serve", "--port", "0", "--print-logs"}, d.cfg.Cwd, env, d.log)
	if err != nil {
		return err
	}
	d.proc = p

	serverURL, err := d.waitForServerURL(ctx)
	if err != nil {
		d.teardown()
		return p.FailureError("opencode server url", err)
	}

	d.client = opencode.NewClient(serverURL, d.cfg.Cwd, password, d.log)
	d.client.OnEvent(d.handleEvent)

	if err := d.client.WaitForHealth(ctx, healthTimeout); err != nil {
		d.teardown()
		return p.FailureError("opencode health", err)
	}

	sessionID := d.cfg.ResumeSessionID
	if sessionID == "" {
		if sessionID, err = d.client.CreateSession(ctx); err != nil {
			d.teardown()
			return p.FailureError("opencode create session", err)
		}
	}
	d.mu.Lock()
	d.sessionID = sessionID
	d.mu.Unlock()

	if err := d.client.StartEventStream(context.Background(), sessionID); err != nil {
		d.teardown()
		return p.FailureError("opencode event stream", err)
	}

	go d.watchExit()
	d.emit(provider.Event{Type: provider.EventSessionUpdated, SessionID: sessionID})
	return nil
}

// waitForServerURL scans stdout for the listening line, then keeps the
// pipe drained so the server never blocks on a full buffer.
func (d *Driver) waitForServerURL(ctx context.Context) (string, error) {
	deadline := time.Now().Add(urlTimeout)
	scanner := bufio.NewScanner(d.proc.Stdout())
	var tail []string

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", fmt.Errorf("read stdout: %w", err)
			}
			return "", fmt.Errorf("server exited before printing url: %s", strings.Join(tail, "; "))
		}
		line := scanner.Text()
		if len(tail) >= 12 {
			tail = tail[1:]
		}
		tail = append(tail, line)

		if url, found := strings.CutPrefix(line, urlPrefix); found {
			go func() {
				for scanner.Scan() {
				}
			}()
			return strings.TrimSpace(url), nil
		}
	}
	return "", fmt.Errorf("timed out waiting for server url: %s", strings.Join(tail, "; "))
}

// SessionID returns the server session id.
func (d *Driver) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// StartTurn submits a prompt; images ride along as file parts with data
// URLs.
func (d *Driver) StartTurn(ctx context.Context, text string, images []protocol.Image) error {
	parts := make([]opencode.PartInput, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, opencode.PartInput{
			Type: "file",
			Mime: img.MediaType,
			URL:  fmt.Sprintf("data:%s;base64,%s", img.MediaType, img.Data),
		})
	}
	if text != "" {
		parts = append(parts, opencode.PartInput{Type: opencode.PartTypeText, Text: text})
	}

	var model *opencode.ModelSpec
	if d.cfg.Model != "" {
		if providerID, modelID, ok := strings.Cut(d.cfg.Model, "/"); ok {
			model = &opencode.ModelSpec{ProviderID: providerID, ModelID: modelID}
		}
	}

	d.mu.Lock()
	sessionID := d.sessionID
	d.mu.Unlock()

	if err := d.client.Prompt(ctx, sessionID, parts, model); err != nil {
		return d.proc.FailureError("opencode prompt", err)
	}
	return nil
}

// Events returns the normalized stream.
func (d *Driver) Events() <-chan provider.Event { return d.events }

// ResolvePermission replies to a parked permission prompt. Denying with
// Interrupt also aborts the session.
func (d *Driver) ResolvePermission(ctx context.Context, callbackID string, decision protocol.PermissionDecision) error {
	reply := opencode.ReplyReject
	switch decision.Behavior {
	case protocol.PermissionAllow, protocol.PermissionAllowModifiedInput:
		reply = opencode.ReplyOnce
	}
	if err := d.client.ReplyPermission(ctx, callbackID, reply, decision.Message); err != nil {
		return d.proc.FailureError("opencode permission reply", err)
	}
	if reply == opencode.ReplyReject && decision.Interrupt {
		d.mu.Lock()
		sessionID := d.sessionID
		d.mu.Unlock()
		d.client.Abort(ctx, sessionID)
	}
	return nil
}

// Cancel aborts the running session.
func (d *Driver) Cancel(ctx context.Context) error {
	d.mu.Lock()
	sessionID := d.sessionID
	d.mu.Unlock()
	d.client.Abort(ctx, sessionID)
	return nil
}

// SetMode is unsupported; permissions are fixed at spawn via
// OPENCODE_PERMISSION.
func (d *Driver) SetMode(ctx context.Context, modeID string) error {
	if modeID != "default" {
		return fmt.Errorf("opencode has no mode %q", modeID)
	}
	return nil
}

// Modes publishes the single fixed mode.
func (d *Driver) Modes() []protocol.Mode {
	return []protocol.Mode{
		{ID: "default", Name: "Default", Description: "Side-effecting tools ask"},
	}
}

// Models queries the server's provider catalog. Model ids are
// provider/model pairs.
func (d *Driver) Models(ctx context.Context) ([]protocol.Model, error) {
	res, err := d.client.ListModels(ctx)
	if err != nil {
		return nil, d.proc.FailureError("opencode list models", err)
	}
	var out []protocol.Model
	for _, prov := range res.All {
		for _, m := range prov.Models {
			out = append(out, protocol.Model{
				ID:   prov.ID + "/" + m.ID,
				Name: fmt.Sprintf("%s (%s)", m.Name, prov.Name),
			})
		}
	}
	return out, nil
}

// Commands reports none; the server has no slash command surface.
func (d *Driver) Commands() []protocol.Command { return nil }

// SessionPersistence reports that sessions survive in the server's own
// storage.
func (d *Driver) SessionPersistence() provider.PersistenceKind {
	return provider.PersistenceResumable
}

// Close tears down the event stream and the subprocess.
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
					Error: d.proc.FailureError("opencode process exited", err).Error(),
				})
			}
			d.once.Do(func() { close(d.closed) })
		}
	case <-d.closed:
	}
	close(d.events)
}

func (d *Driver) handleEvent(event *opencode.Event) {
	switch event.Type {
	case opencode.EventMessagePartUpdated:
		var p opencode.MessagePartUpdated
		if err := event.DecodeProperties(&p); err != nil {
			return
		}
		d.handlePart(&p)
	case opencode.EventPermissionAsked:
		var p opencode.PermissionAsked
		if err := event.DecodeProperties(&p); err != nil {
			return
		}
		d.handlePermission(&p)
	case opencode.EventSessionIdle:
		d.resetTurnState()
		d.emit(provider.Event{Type: provider.EventTurnCompleted})
	case opencode.EventSessionError:
		var p opencode.SessionError
		if err := event.DecodeProperties(&p); err != nil {
			return
		}
		msg := "session error"
		if p.Error != nil {
			msg = p.Error.Text()
		}
		d.resetTurnState()
		d.emit(provider.Event{Type: provider.EventTurnFailed, Error: msg})
	}
}

func (d *Driver) resetTurnState() {
	d.mu.Lock()
	d.partText = make(map[string]string)
	d.toolStatus = make(map[string]protocol.ToolCallStatus)
	d.mu.Unlock()
}

func (d *Driver) handlePart(p *opencode.MessagePartUpdated) {
	switch p.Part.Type {
	case opencode.PartTypeText:
		d.handleTextPart(&p.Part, p.Delta)
	case opencode.PartTypeTool:
		d.handleToolPart(&p.Part)
	}
}

// handleTextPart emits only the unseen suffix; the server resends the
// whole accumulated text on every update.
func (d *Driver) handleTextPart(part *opencode.Part, delta string) {
	d.mu.Lock()
	seen := d.partText[part.ID]
	fragment := delta
	if fragment == "" && strings.HasPrefix(part.Text, seen) {
		fragment = part.Text[len(seen):]
	}
	if fragment != "" {
		d.partText[part.ID] = seen + fragment
	}
	d.mu.Unlock()

	if fragment == "" {
		return
	}
	d.emit(provider.Event{
		Type: provider.EventTimelineItem,
		Item: &protocol.TimelineItem{
			Type:             protocol.ItemAssistantMessage,
			AssistantMessage: &protocol.AssistantMessage{Text: fragment, Partial: true},
		},
	})
}

func (d *Driver) handleToolPart(part *opencode.Part) {
	if part.State == nil || part.CallID == "" {
		return
	}

	var status protocol.ToolCallStatus
	switch part.State.Status {
	case opencode.ToolStatusPending, opencode.ToolStatusRunning:
		status = protocol.ToolCallRunning
	case opencode.ToolStatusCompleted:
		status = protocol.ToolCallCompleted
	case opencode.ToolStatusError:
		status = protocol.ToolCallFailed
	default:
		return
	}

	d.mu.Lock()
	last, known := d.toolStatus[part.CallID]
	if known && last == status {
		d.mu.Unlock()
		return
	}
	d.toolStatus[part.CallID] = status
	d.mu.Unlock()

	call := protocol.ToolCall{
		CallID: part.CallID,
		Name:   part.Tool,
		Status: status,
		Detail: provider.ClassifyTool(part.Tool, part.State.InputMap()),
	}
	if status == protocol.ToolCallFailed {
		call.Error = &protocol.TurnError{Message: part.State.Error}
		if part.State.Error == "" {
			call.Error = &protocol.TurnError{Message: part.State.Output}
		}
	} else if status == protocol.ToolCallCompleted {
		call.Output = part.State.Output
	}
	d.emit(provider.Event{
		Type: provider.EventTimelineItem,
		Item: &protocol.TimelineItem{Type: protocol.ItemToolCall, ToolCall: &call},
	})
}

func (d *Driver) handlePermission(p *opencode.PermissionAsked) {
	title := p.Permission
	if len(p.Patterns) > 0 {
		title = fmt.Sprintf("%s: %s", p.Permission, strings.Join(p.Patterns, ", "))
	}
	metadata := map[string]any{}
	for k, v := range p.Metadata {
		metadata[k] = v
	}
	if p.Tool != nil {
		metadata["callId"] = p.Tool.CallID
	}
	// The server permission id doubles as the reply target, so it is
	// the callback id verbatim.
	d.emit(provider.Event{
		Type:       provider.EventPermissionRequest,
		CallbackID: p.ID,
		Kind:       protocol.PermissionKindTool,
		Name:       p.Permission,
		Title:      title,
		Input:      map[string]any{"patterns": p.Patterns},
		Metadata:   metadata,
	})
}

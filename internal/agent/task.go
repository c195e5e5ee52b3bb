package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/agent/provider"
	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/internal/events"
	"github.com/paseo-sh/paseo/internal/events/bus"
	"github.com/paseo-sh/paseo/internal/permission"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// opQueueSize bounds how many operations may wait on an agent.
const opQueueSize = 16

// resolveTimeout bounds the provider round trip for a permission
// decision.
const resolveTimeout = 30 * time.Second

type taskFunc func(ctx context.Context, t *task) error

type op struct {
	ctx   context.Context
	fn    taskFunc
	reply chan error
}

// permOutcome carries a broker decision back into the task loop.
type permOutcome struct {
	requestID  string
	callbackID string
	outcome    permission.Outcome
}

type pendingPerm struct {
	callbackID string
	quit       chan struct{}
}

type turnEnd int

const (
	turnEndCompleted turnEnd = iota
	turnEndCanceled
	turnEndFailed
)

// task is the single goroutine that owns an agent's provider driver.
// Operations and provider events are selected in one loop, so status
// transitions never race.
type task struct {
	agent *Agent
	mgr   *Manager
	log   *logger.Logger

	ops      chan op
	outcomes chan permOutcome
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool

	// Loop-owned state below; only the task goroutine touches it.
	driver       provider.Driver
	driverEvents <-chan provider.Event
	inTurn       bool
	canceling    bool
	// swallowTurnEnd drops the driver's next turn-end event after the
	// host already recorded the outcome itself.
	swallowTurnEnd bool
	refreshPending bool
	pendingPerms   map[string]*pendingPerm
	runningCalls   map[string]*protocol.ToolCall
	// crashed records an unexpected provider exit; the next spawn
	// bumps the timeline epoch.
	crashed bool
	// rehydrateMarkerPending defers the session_rehydrated marker of a
	// boot-time rehydration until the agent is next initialized.
	rehydrateMarkerPending bool
}

func newTask(a *Agent, m *Manager) *task {
	return &task{
		agent:        a,
		mgr:          m,
		log:          m.log.WithAgentID(a.rec.ID),
		ops:          make(chan op, opQueueSize),
		outcomes:     make(chan permOutcome, opQueueSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		pendingPerms: make(map[string]*pendingPerm),
		runningCalls: make(map[string]*protocol.ToolCall),
	}
}

func (t *task) start() {
	t.started = true
	go t.loop()
}

func (t *task) stop() {
	t.stopOnce.Do(func() { close(t.quit) })
}

func (t *task) loop() {
	defer close(t.done)
	for {
		select {
		case o := <-t.ops:
			o.reply <- o.fn(o.ctx, t)
		case ev, ok := <-t.driverEvents:
			if !ok {
				t.driverEvents = nil
				t.handleDriverExit()
				continue
			}
			t.handleEvent(ev)
		case po := <-t.outcomes:
			t.handleOutcome(po)
		case <-t.quit:
			return
		}
	}
}

// enqueue runs fn in the task goroutine and waits for its result.
func (t *task) enqueue(ctx context.Context, fn taskFunc) error {
	o := op{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case t.ops <- o:
	case <-t.done:
		return apperr.Validationf("agent %s is archived", t.agent.ID())
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.reply:
		return err
	case <-t.done:
		return apperr.Validationf("agent %s is archived", t.agent.ID())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueAsync submits fn without waiting; errors are logged by fn
// itself or dropped.
func (t *task) enqueueAsync(fn taskFunc) {
	o := op{ctx: context.Background(), fn: fn, reply: make(chan error, 1)}
	select {
	case t.ops <- o:
	case <-t.done:
	}
}

// shutdown stops the provider and the loop. Used by manager Close.
func (t *task) shutdown(ctx context.Context) {
	if !t.started {
		return
	}
	_ = t.enqueue(ctx, func(ctx context.Context, t *task) error {
		t.closeDriver(ctx)
		t.stop()
		return nil
	})
	select {
	case <-t.done:
	case <-ctx.Done():
	}
}

// ensureDriver spawns or resumes the provider. Idempotent; the first
// initialization after a rehydration also writes the epoch marker.
func (t *task) ensureDriver(ctx context.Context) error {
	if t.driver != nil {
		return nil
	}

	a := t.agent
	if t.crashed {
		if _, err := a.log.BumpEpoch(ctx); err != nil {
			t.log.Error("failed to bump epoch", zap.Error(err))
		}
		a.mu.Lock()
		a.rec.Epoch = a.log.Cursor().Epoch
		a.mu.Unlock()
		t.crashed = false
		t.rehydrateMarkerPending = false
		t.save(ctx)
	} else if t.rehydrateMarkerPending {
		t.rehydrateMarkerPending = false
		t.appendItem(ctx, &protocol.TimelineItem{Type: protocol.ItemSessionRehydrated})
	}

	a.mu.Lock()
	cfg := provider.Config{
		Kind:             protocol.ProviderKind(a.rec.Provider),
		Cwd:              a.rec.Cwd,
		ModeID:           a.rec.ModeID,
		Model:            a.rec.Model,
		ThinkingOptionID: a.rec.ThinkingOptionID,
		ResumeSessionID:  a.rec.ProviderSessionID,
	}
	uiAgent := a.rec.Labels[protocol.LabelUI] == "true"
	agentID := a.rec.ID
	a.mu.Unlock()

	if uiAgent && t.mgr.opts.MCPServerURL != nil {
		cfg.MCPServerURL = t.mgr.opts.MCPServerURL(agentID)
	}

	drv, err := t.mgr.factory.New(cfg)
	if err != nil {
		return err
	}
	if err := drv.Start(ctx); err != nil {
		t.setStatus(protocol.StatusError, err.Error())
		t.save(ctx)
		t.mgr.publishState(a)
		return apperr.Wrap(apperr.ProviderFailure, err, "starting %s provider", cfg.Kind)
	}

	t.driver = drv
	t.driverEvents = drv.Events()
	if t.agent.status() == protocol.StatusInitializing {
		t.setStatus(protocol.StatusIdle, "")
		t.save(ctx)
		t.mgr.publishState(a)
	}
	t.log.Info("provider started",
		zap.String("provider", string(cfg.Kind)),
		zap.Bool("resumed", cfg.ResumeSessionID != ""))
	return nil
}

// closeDriver tears the provider down without treating the exit as a
// crash.
func (t *task) closeDriver(ctx context.Context) {
	if t.driver == nil {
		return
	}
	drv := t.driver
	t.driver = nil
	t.driverEvents = nil
	if err := drv.Close(ctx); err != nil {
		t.log.Warn("provider close failed", zap.Error(err))
	}
}

func (t *task) sendMessage(ctx context.Context, text string, images []protocol.Image) error {
	if text == "" && len(images) == 0 {
		return apperr.Validationf("message must carry text or an image")
	}
	switch t.agent.status() {
	case protocol.StatusIdle, protocol.StatusInitializing, protocol.StatusError:
		// An errored agent accepts a fresh turn; the provider respawn
		// clears the error.
	default:
		return apperr.Busyf("agent_busy")
	}
	if err := t.ensureDriver(ctx); err != nil {
		return err
	}

	t.appendItem(ctx, &protocol.TimelineItem{
		Type:        protocol.ItemUserMessage,
		UserMessage: &protocol.UserMessage{Text: text, Images: images},
	})
	t.appendItem(ctx, &protocol.TimelineItem{Type: protocol.ItemTurnStarted})
	t.setStatus(protocol.StatusRunning, "")
	t.swallowTurnEnd = false
	t.agent.touch()

	if err := t.driver.StartTurn(ctx, text, images); err != nil {
		t.appendItem(ctx, &protocol.TimelineItem{
			Type:       protocol.ItemTurnFailed,
			TurnFailed: &protocol.TurnError{Message: err.Error()},
		})
		t.setStatus(protocol.StatusError, err.Error())
		t.save(ctx)
		t.mgr.publishState(t.agent)
		return apperr.Wrap(apperr.ProviderFailure, err, "starting turn")
	}
	t.inTurn = true
	t.save(ctx)
	t.mgr.publishState(t.agent)
	return nil
}

func (t *task) cancelTurn(ctx context.Context, reason string) error {
	if !t.inTurn {
		// Cancel on an idle agent is a no-op.
		return nil
	}
	t.dropPendingPermissions(ctx, reason)
	t.canceling = true
	if t.driver == nil {
		t.finishTurn(ctx, turnEndCanceled, "")
		return nil
	}
	if err := t.driver.Cancel(ctx); err != nil {
		return apperr.Wrap(apperr.ProviderFailure, err, "canceling turn")
	}
	return nil
}

// dropPendingPermissions resolves every parked request as canceled and
// tells the provider no.
func (t *task) dropPendingPermissions(ctx context.Context, reason string) {
	if len(t.pendingPerms) == 0 {
		return
	}
	if reason == "" {
		reason = "canceled"
	}
	t.mgr.broker.CancelAgent(t.agent.ID())
	for id, pp := range t.pendingPerms {
		close(pp.quit)
		delete(t.pendingPerms, id)
		if t.driver != nil {
			err := t.driver.ResolvePermission(ctx, pp.callbackID, protocol.PermissionDecision{
				Behavior: protocol.PermissionDeny,
				Message:  reason,
			})
			if err != nil {
				t.log.Warn("failed to deny permission on cancel",
					zap.String("request_id", id), zap.Error(err))
			}
		}
	}
}

func (t *task) refresh(ctx context.Context) error {
	if t.inTurn {
		t.refreshPending = true
		return nil
	}
	t.closeDriver(ctx)
	return t.ensureDriver(ctx)
}

func (t *task) setMode(ctx context.Context, modeID string) error {
	if modeID == "" {
		return apperr.Validationf("modeId is required")
	}
	if t.inTurn {
		return apperr.Busyf("cannot switch modes during a turn")
	}
	if t.driver != nil {
		if err := t.driver.SetMode(ctx, modeID); err != nil {
			return apperr.Wrap(apperr.Validation, err, "set_mode")
		}
	}
	t.agent.mu.Lock()
	t.agent.rec.ModeID = modeID
	t.agent.mu.Unlock()
	t.save(ctx)
	t.mgr.publishState(t.agent)
	return nil
}

func (t *task) modes(ctx context.Context) ([]protocol.Mode, error) {
	if err := t.ensureDriver(ctx); err != nil {
		return nil, err
	}
	return t.driver.Modes(), nil
}

func (t *task) update(ctx context.Context, params protocol.UpdateAgent) error {
	a := t.agent
	a.mu.Lock()
	if params.Title != nil {
		a.rec.Title = *params.Title
	}
	if params.Model != nil {
		a.rec.Model = *params.Model
	}
	if params.ThinkingOptionID != nil {
		a.rec.ThinkingOptionID = *params.ThinkingOptionID
	}
	for k, v := range params.Labels {
		if v == "" {
			delete(a.rec.Labels, k)
			continue
		}
		if a.rec.Labels == nil {
			a.rec.Labels = make(map[string]string)
		}
		a.rec.Labels[k] = v
	}
	a.mu.Unlock()
	t.save(ctx)
	t.mgr.publishState(a)
	return nil
}

func (t *task) archive(ctx context.Context) error {
	t.dropPendingPermissions(ctx, "canceled")
	t.closeDriver(ctx)

	now := time.Now().UTC()
	a := t.agent
	a.mu.Lock()
	a.rec.ArchivedAt = &now
	a.rec.Status = string(protocol.StatusArchived)
	a.rec.LastError = ""
	a.mu.Unlock()

	t.inTurn = false
	t.canceling = false
	t.runningCalls = make(map[string]*protocol.ToolCall)
	t.save(ctx)
	t.mgr.publishState(a)
	t.log.Info("agent archived")
	t.stop()
	return nil
}

// handleEvent routes one provider stream event.
func (t *task) handleEvent(ev provider.Event) {
	ctx := context.Background()
	t.agent.touch()

	switch ev.Type {
	case provider.EventTimelineItem:
		if ev.Item != nil {
			t.appendItem(ctx, ev.Item)
		}

	case provider.EventPermissionRequest:
		t.openPermission(ctx, ev)

	case provider.EventTurnCompleted:
		if t.swallowTurnEnd {
			t.swallowTurnEnd = false
			return
		}
		if t.canceling {
			t.finishTurn(ctx, turnEndCanceled, "")
			return
		}
		t.finishTurn(ctx, turnEndCompleted, "")

	case provider.EventTurnFailed:
		if t.swallowTurnEnd {
			t.swallowTurnEnd = false
			return
		}
		if t.canceling {
			t.finishTurn(ctx, turnEndCanceled, "")
			return
		}
		t.finishTurn(ctx, turnEndFailed, ev.Error)

	case provider.EventSessionUpdated:
		t.agent.mu.Lock()
		t.agent.rec.ProviderSessionID = ev.SessionID
		t.agent.mu.Unlock()
		t.save(ctx)
	}
}

// handleDriverExit reacts to the events channel closing without a
// deliberate teardown: the provider process died.
func (t *task) handleDriverExit() {
	ctx := context.Background()
	if t.driver != nil {
		drv := t.driver
		t.driver = nil
		go func() { _ = drv.Close(context.Background()) }()
	}
	t.crashed = true

	if !t.inTurn {
		t.log.Warn("provider exited while idle")
		return
	}
	if t.canceling {
		t.finishTurn(ctx, turnEndCanceled, "")
		return
	}
	t.log.Warn("provider exited mid-turn")
	t.finishTurn(ctx, turnEndFailed, "provider exited")
}

// openPermission parks the provider callback with the broker and flips
// the agent to awaiting_permission.
func (t *task) openPermission(ctx context.Context, ev provider.Event) {
	ticket := t.mgr.broker.Open(protocol.PermissionRequest{
		AgentID:  t.agent.ID(),
		Kind:     ev.Kind,
		Name:     ev.Name,
		Title:    ev.Title,
		Input:    ev.Input,
		Metadata: ev.Metadata,
	})
	req := ticket.Request
	pp := &pendingPerm{callbackID: ev.CallbackID, quit: make(chan struct{})}
	t.pendingPerms[req.ID] = pp
	go t.forwardOutcome(req.ID, pp, ticket)

	t.appendItem(ctx, &protocol.TimelineItem{
		Type:              protocol.ItemPermissionRequest,
		PermissionRequest: &req,
	})
	t.setStatus(protocol.StatusAwaitingPermission, "")
	t.save(ctx)
	t.mgr.publishState(t.agent)

	t.publishStream(&protocol.AgentStreamEvent{
		AgentID:    t.agent.ID(),
		Event:      protocol.StreamPermissionRequested,
		Permission: &req,
	})
	busEv := bus.NewEvent(events.PermissionRequested, "agent-task", map[string]interface{}{
		"permission": &req,
	})
	if err := t.mgr.bus.Publish(ctx, events.BuildPermissionRequestedSubject(req.AgentID), busEv); err != nil {
		t.log.Warn("failed to publish permission request", zap.Error(err))
	}
}

// forwardOutcome bridges a broker ticket into the task loop.
func (t *task) forwardOutcome(requestID string, pp *pendingPerm, ticket *permission.Ticket) {
	select {
	case out := <-ticket.Outcome():
		select {
		case t.outcomes <- permOutcome{requestID: requestID, callbackID: pp.callbackID, outcome: out}:
		case <-t.quit:
		}
	case <-pp.quit:
	case <-t.quit:
	}
}

// handleOutcome delivers a broker decision to the provider and settles
// the agent status.
func (t *task) handleOutcome(po permOutcome) {
	pp, ok := t.pendingPerms[po.requestID]
	if !ok {
		return
	}
	delete(t.pendingPerms, po.requestID)
	close(pp.quit)

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	decision := po.outcome.Decision
	if t.driver != nil {
		if err := t.driver.ResolvePermission(ctx, po.callbackID, decision); err != nil {
			t.log.Warn("failed to deliver permission decision",
				zap.String("request_id", po.requestID), zap.Error(err))
		}
	}

	t.publishStream(&protocol.AgentStreamEvent{
		AgentID:  t.agent.ID(),
		Event:    protocol.StreamPermissionResolved,
		Decision: &decision,
	})
	busEv := bus.NewEvent(events.PermissionResolved, "agent-task", map[string]interface{}{
		"requestId": po.requestID,
		"decision":  &decision,
		"timedOut":  po.outcome.TimedOut,
	})
	if err := t.mgr.bus.Publish(ctx, events.BuildPermissionResolvedSubject(t.agent.ID()), busEv); err != nil {
		t.log.Warn("failed to publish permission resolution", zap.Error(err))
	}

	if po.outcome.TimedOut {
		// Nobody answered: the deny was delivered on the client's
		// behalf and the turn is failed outright.
		if t.driver != nil {
			_ = t.driver.Cancel(ctx)
		}
		t.finishTurn(ctx, turnEndFailed, "permission request timed out")
		// The provider will still report its own turn end after the
		// cancel; drop it.
		t.swallowTurnEnd = true
		return
	}

	if decision.Behavior == protocol.PermissionDeny && decision.Interrupt {
		// The driver propagates the interrupt; treat the rest of the
		// turn as a cancellation.
		t.canceling = true
	}

	if len(t.pendingPerms) == 0 && t.inTurn &&
		t.agent.status() == protocol.StatusAwaitingPermission {
		t.setStatus(protocol.StatusRunning, "")
		t.save(ctx)
		t.mgr.publishState(t.agent)
	}
}

// finishTurn records the turn outcome and settles status. Running tool
// calls reach their cancellation checkpoint here.
func (t *task) finishTurn(ctx context.Context, end turnEnd, errMsg string) {
	if !t.inTurn {
		return
	}
	t.dropPendingPermissions(ctx, "canceled")

	if end != turnEndCompleted {
		for _, tc := range t.runningCalls {
			canceled := *tc
			canceled.Status = protocol.ToolCallCanceled
			t.appendItem(ctx, &protocol.TimelineItem{Type: protocol.ItemToolCall, ToolCall: &canceled})
		}
	}
	t.runningCalls = make(map[string]*protocol.ToolCall)

	switch end {
	case turnEndFailed:
		t.appendItem(ctx, &protocol.TimelineItem{
			Type:       protocol.ItemTurnFailed,
			TurnFailed: &protocol.TurnError{Message: errMsg},
		})
		t.setStatus(protocol.StatusError, errMsg)
		t.publishStream(&protocol.AgentStreamEvent{
			AgentID: t.agent.ID(),
			Event:   protocol.StreamTurnFailed,
			Error:   errMsg,
		})
	default:
		// Cancellations settle as a completed turn with no error.
		t.appendItem(ctx, &protocol.TimelineItem{Type: protocol.ItemTurnCompleted})
		t.setStatus(protocol.StatusIdle, "")
		t.publishStream(&protocol.AgentStreamEvent{
			AgentID: t.agent.ID(),
			Event:   protocol.StreamTurnCompleted,
		})
	}

	t.inTurn = false
	t.canceling = false
	t.swallowTurnEnd = false

	a := t.agent
	a.mu.Lock()
	a.unseenTurn = a.log.SubscriberCount() == 0
	a.mu.Unlock()

	t.save(ctx)
	t.mgr.publishState(a)

	if t.refreshPending {
		t.refreshPending = false
		t.closeDriver(ctx)
		if err := t.ensureDriver(ctx); err != nil {
			t.log.Warn("deferred refresh failed", zap.Error(err))
		}
	}
}

// appendItem writes to the timeline and fans the entry out on the
// stream subject. Tool call lifecycle is tracked for cancellation.
func (t *task) appendItem(ctx context.Context, item *protocol.TimelineItem) {
	if item.Type == protocol.ItemToolCall && item.ToolCall != nil {
		if item.ToolCall.Status == protocol.ToolCallRunning {
			t.runningCalls[item.ToolCall.CallID] = item.ToolCall
		} else {
			delete(t.runningCalls, item.ToolCall.CallID)
		}
	}
	cur, err := t.agent.log.Append(ctx, item)
	if err != nil {
		t.log.Error("failed to append timeline item",
			zap.String("item_type", string(item.Type)), zap.Error(err))
		return
	}
	t.publishStream(&protocol.AgentStreamEvent{
		AgentID: t.agent.ID(),
		Event:   protocol.StreamTimeline,
		Cursor:  &cur,
		Item:    item,
	})
}

func (t *task) publishStream(ev *protocol.AgentStreamEvent) {
	ev.Type = "agent_stream"
	busEv := bus.NewEvent(events.AgentStream, "agent-task", map[string]interface{}{
		"event": ev,
	})
	if err := t.mgr.bus.Publish(context.Background(), events.BuildAgentStreamSubject(ev.AgentID), busEv); err != nil {
		t.log.Warn("failed to publish stream event", zap.Error(err))
	}
}

func (t *task) setStatus(st protocol.AgentStatus, lastErr string) {
	t.agent.mu.Lock()
	t.agent.rec.Status = string(st)
	t.agent.rec.LastError = lastErr
	t.agent.mu.Unlock()
}

// save persists the current snapshot. Persistence failures are logged,
// not propagated; the runtime state stays authoritative.
func (t *task) save(ctx context.Context) {
	t.agent.mu.Lock()
	rec := *t.agent.rec
	t.agent.mu.Unlock()
	if err := t.mgr.store.Agents().Save(ctx, &rec); err != nil {
		t.log.Error("failed to persist agent snapshot", zap.Error(err))
	}
}

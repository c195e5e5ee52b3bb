package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/agent/provider"
	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/internal/events"
	"github.com/paseo-sh/paseo/internal/events/bus"
	"github.com/paseo-sh/paseo/internal/permission"
	"github.com/paseo-sh/paseo/internal/store"
	"github.com/paseo-sh/paseo/internal/timeline"
	"github.com/paseo-sh/paseo/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

// DriverFactory builds provider drivers. Satisfied by
// provider/registry.Factory; tests substitute fakes.
type DriverFactory interface {
	New(cfg provider.Config) (provider.Driver, error)
}

// MCPURLFunc returns the per-agent MCP bridge URL injected into
// ui-labeled agents, or "" to skip injection.
type MCPURLFunc func(agentID string) string

// Options tunes the manager.
type Options struct {
	// TimelineMaxItems bounds the in-memory window per agent.
	TimelineMaxItems int
	// MCPServerURL resolves the set_title bridge for ui-labeled agents.
	MCPServerURL MCPURLFunc
}

// Manager owns the runtime agent set and exposes every per-agent
// operation the hub dispatches.
type Manager struct {
	store   *store.Store
	factory DriverFactory
	broker  *permission.Broker
	bus     bus.EventBus
	log     *logger.Logger
	opts    Options

	mu     sync.Mutex
	agents map[string]*Agent
	closed bool
}

// NewManager wires the manager. Call Load before serving requests so
// agents persisted by a previous run are reachable.
func NewManager(st *store.Store, factory DriverFactory, broker *permission.Broker, eventBus bus.EventBus, log *logger.Logger, opts Options) *Manager {
	return &Manager{
		store:   st,
		factory: factory,
		broker:  broker,
		bus:     eventBus,
		log:     log.WithFields(zap.String("component", "agent-manager")),
		opts:    opts,
		agents:  make(map[string]*Agent),
	}
}

// Load rehydrates non-archived agents from the store. Each comes back
// idle in a bumped epoch; the session_rehydrated marker and the
// provider respawn are deferred until the agent is next initialized.
func (m *Manager) Load(ctx context.Context) error {
	recs, err := m.store.Agents().List(ctx, true)
	if err != nil {
		return apperr.Wrap(apperr.HostFatal, err, "loading agents")
	}
	for _, rec := range recs {
		if rec.ArchivedAt == nil {
			rec.Epoch++
			rec.Status = string(protocol.StatusIdle)
			rec.LastError = ""
			if err := m.store.Agents().Save(ctx, rec); err != nil {
				return apperr.Wrap(apperr.HostFatal, err, "rehydrating agent %s", rec.ID)
			}
		}
		a := m.newAgent(rec)
		if rec.ArchivedAt == nil {
			a.task.rehydrateMarkerPending = true
			a.task.start()
		}
		m.mu.Lock()
		m.agents[rec.ID] = a
		m.mu.Unlock()
		m.log.Info("agent rehydrated",
			zap.String("agent_id", rec.ID),
			zap.Int64("epoch", rec.Epoch),
			zap.Bool("archived", rec.ArchivedAt != nil))
	}
	return nil
}

func (m *Manager) newAgent(rec *store.AgentRecord) *Agent {
	logOpts := []timeline.Option{timeline.WithStore(m.store.Timeline())}
	if m.opts.TimelineMaxItems > 0 {
		logOpts = append(logOpts, timeline.WithMaxItems(m.opts.TimelineMaxItems))
	}
	a := &Agent{
		rec: rec,
		log: timeline.New(rec.ID, rec.Epoch, logOpts...),
	}
	a.task = newTask(a, m)
	return a
}

// Create allocates an agent, persists its snapshot, and spawns the
// provider in the background. The returned snapshot is in status
// initializing; an agent_state event follows once the provider is up.
func (m *Manager) Create(ctx context.Context, params protocol.CreateAgent) (*protocol.Agent, error) {
	if params.Cwd == "" || !filepath.IsAbs(params.Cwd) {
		return nil, apperr.Validationf("cwd must be an absolute path")
	}
	cfg := provider.Config{Kind: params.Provider, Cwd: params.Cwd}
	if err := cfg.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "create_agent")
	}

	now := time.Now().UTC()
	rec := &store.AgentRecord{
		ID:               uuid.New().String(),
		Provider:         string(params.Provider),
		Cwd:              params.Cwd,
		Title:            params.Title,
		Status:           string(protocol.StatusInitializing),
		ModeID:           params.ModeID,
		Model:            params.Model,
		ThinkingOptionID: params.ThinkingOptionID,
		Labels:           params.Labels,
		Epoch:            1,
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	if rec.Title == "" {
		rec.Title = filepath.Base(params.Cwd)
	}
	if err := m.store.Agents().Save(ctx, rec); err != nil {
		return nil, apperr.Wrap(apperr.HostFatal, err, "persisting agent")
	}

	a := m.newAgent(rec)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, apperr.New(apperr.HostFatal, "manager shutting down")
	}
	m.agents[rec.ID] = a
	m.mu.Unlock()

	a.task.start()
	m.publishDirectory(events.AgentCreated, a)
	m.log.Info("agent created",
		zap.String("agent_id", rec.ID),
		zap.String("provider", rec.Provider),
		zap.String("cwd", rec.Cwd))

	// Spawn eagerly but off the request path; opencode startup can
	// take a while.
	a.task.enqueueAsync(func(ctx context.Context, t *task) error {
		return t.ensureDriver(ctx)
	})
	return a.Snapshot(m.broker), nil
}

// Get returns the snapshot of one agent.
func (m *Manager) Get(agentID string) (*protocol.Agent, error) {
	a, err := m.lookup(agentID)
	if err != nil {
		return nil, err
	}
	return a.Snapshot(m.broker), nil
}

// List returns snapshots of all agents, oldest first.
func (m *Manager) List(includeArchived bool) []*protocol.Agent {
	m.mu.Lock()
	all := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		all = append(all, a)
	}
	m.mu.Unlock()

	snaps := make([]*protocol.Agent, 0, len(all))
	for _, a := range all {
		if !includeArchived && a.archived() {
			continue
		}
		snaps = append(snaps, a.Snapshot(m.broker))
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	return snaps
}

// Directory returns snapshots of non-archived ui-labeled agents.
func (m *Manager) Directory() []*protocol.Agent {
	all := m.List(false)
	out := make([]*protocol.Agent, 0, len(all))
	for _, snap := range all {
		if snap.Labels[protocol.LabelUI] == "true" {
			out = append(out, snap)
		}
	}
	return out
}

// Lookup returns the runtime agent, for the hub's stream plumbing.
func (m *Manager) Lookup(agentID string) (*Agent, error) {
	return m.lookup(agentID)
}

// SendMessage appends the user message and starts a turn. Rejected
// with a busy error unless the agent is idle.
func (m *Manager) SendMessage(ctx context.Context, agentID, text string, images []protocol.Image) error {
	return m.do(ctx, agentID, func(ctx context.Context, t *task) error {
		return t.sendMessage(ctx, text, images)
	})
}

// CancelTurn aborts the in-flight turn. A no-op on idle agents.
func (m *Manager) CancelTurn(ctx context.Context, agentID string) error {
	return m.do(ctx, agentID, func(ctx context.Context, t *task) error {
		return t.cancelTurn(ctx, "")
	})
}

// RespondToPermission delivers a client decision. The broker validates
// the request id; the agent task forwards the decision to the provider.
func (m *Manager) RespondToPermission(ctx context.Context, agentID, requestID string, decision protocol.PermissionDecision) error {
	if _, err := m.lookup(agentID); err != nil {
		return err
	}
	switch decision.Behavior {
	case protocol.PermissionAllow, protocol.PermissionAllowModifiedInput, protocol.PermissionDeny:
	default:
		return apperr.Validationf("unknown decision behavior %q", decision.Behavior)
	}
	return m.broker.Resolve(agentID, requestID, decision)
}

// EnsureInitialized spawns or resumes the provider if it is not
// already running.
func (m *Manager) EnsureInitialized(ctx context.Context, agentID string) error {
	return m.do(ctx, agentID, func(ctx context.Context, t *task) error {
		return t.ensureDriver(ctx)
	})
}

// Refresh restarts the provider with session resume. Never preempts: a
// running turn completes first.
func (m *Manager) Refresh(ctx context.Context, agentID string) error {
	return m.do(ctx, agentID, func(ctx context.Context, t *task) error {
		return t.refresh(ctx)
	})
}

// SetMode switches the provider mode. Applied live when the provider
// is up, otherwise recorded for the next spawn.
func (m *Manager) SetMode(ctx context.Context, agentID, modeID string) error {
	return m.do(ctx, agentID, func(ctx context.Context, t *task) error {
		return t.setMode(ctx, modeID)
	})
}

// Update mutates agent metadata. Nil fields are untouched; a label
// mapped to "" is removed.
func (m *Manager) Update(ctx context.Context, params protocol.UpdateAgent) (*protocol.Agent, error) {
	a, err := m.lookup(params.AgentID)
	if err != nil {
		return nil, err
	}
	err = m.do(ctx, params.AgentID, func(ctx context.Context, t *task) error {
		return t.update(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	m.publishDirectory(events.AgentUpdated, a)
	return a.Snapshot(m.broker), nil
}

// SetTitle renames the agent. Called by the MCP bridge when the agent
// invokes its set_title tool.
func (m *Manager) SetTitle(ctx context.Context, agentID, title string) error {
	if title == "" {
		return apperr.Validationf("title must not be empty")
	}
	_, err := m.Update(ctx, protocol.UpdateAgent{AgentID: agentID, Title: &title})
	return err
}

// Archive stops the provider, cancels pending permissions, and marks
// the timeline read-only. Idempotent.
func (m *Manager) Archive(ctx context.Context, agentID string) error {
	a, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	if a.archived() {
		return nil
	}
	if err := m.do(ctx, agentID, func(ctx context.Context, t *task) error {
		return t.archive(ctx)
	}); err != nil {
		return err
	}
	m.publishDirectory(events.AgentArchived, a)
	return nil
}

// Delete removes an archived agent's snapshot and timeline.
func (m *Manager) Delete(ctx context.Context, agentID string) error {
	a, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	if !a.archived() {
		return apperr.Busyf("agent must be archived before deletion")
	}
	if err := m.store.Agents().Delete(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFoundf("agent %s not found", agentID)
		}
		return apperr.Wrap(apperr.HostFatal, err, "deleting agent")
	}
	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()
	m.publishDirectory(events.AgentDeleted, a)
	m.log.Info("agent deleted", zap.String("agent_id", agentID))
	return nil
}

// Modes lists the provider's published modes.
func (m *Manager) Modes(ctx context.Context, agentID string) ([]protocol.Mode, error) {
	var modes []protocol.Mode
	err := m.do(ctx, agentID, func(ctx context.Context, t *task) error {
		var err error
		modes, err = t.modes(ctx)
		return err
	})
	return modes, err
}

// Models lists the provider's published models. When the provider is
// not running it is initialized first.
func (m *Manager) Models(ctx context.Context, agentID string) ([]protocol.Model, error) {
	var models []protocol.Model
	err := m.do(ctx, agentID, func(ctx context.Context, t *task) error {
		if err := t.ensureDriver(ctx); err != nil {
			return err
		}
		var err error
		models, err = t.driver.Models(ctx)
		return err
	})
	return models, err
}

// Commands lists the provider slash commands captured at
// initialization.
func (m *Manager) Commands(ctx context.Context, agentID string) ([]protocol.Command, error) {
	var cmds []protocol.Command
	err := m.do(ctx, agentID, func(ctx context.Context, t *task) error {
		if err := t.ensureDriver(ctx); err != nil {
			return err
		}
		cmds = t.driver.Commands()
		return nil
	})
	return cmds, err
}

// Close shuts every agent task down and waits for provider processes
// to exit.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		all = append(all, a)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range all {
		a := a
		g.Go(func() error {
			a.task.shutdown(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) lookup(agentID string) (*Agent, error) {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return nil, apperr.NotFoundf("agent %s not found", agentID)
	}
	return a, nil
}

// do runs fn inside the agent's task goroutine and waits for the
// result, so operations serialize with provider events.
func (m *Manager) do(ctx context.Context, agentID string, fn taskFunc) error {
	a, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	if a.archived() {
		return apperr.Validationf("agent %s is archived", agentID)
	}
	return a.task.enqueue(ctx, fn)
}

// publishState pushes the full snapshot on the agent's state subject.
func (m *Manager) publishState(a *Agent) {
	snap := a.Snapshot(m.broker)
	ev := bus.NewEvent(events.AgentState, "agent-manager", map[string]interface{}{
		"agent": snap,
	})
	if err := m.bus.Publish(context.Background(), events.BuildAgentStateSubject(snap.ID), ev); err != nil {
		m.log.Warn("failed to publish agent state", zap.String("agent_id", snap.ID), zap.Error(err))
	}
}

func (m *Manager) publishDirectory(eventType string, a *Agent) {
	snap := a.Snapshot(m.broker)
	ev := bus.NewEvent(eventType, "agent-manager", map[string]interface{}{
		"agent": snap,
	})
	if err := m.bus.Publish(context.Background(), eventType, ev); err != nil {
		m.log.Warn("failed to publish directory event", zap.String("agent_id", snap.ID), zap.Error(err))
	}
}

package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-sh/paseo/internal/agent/provider"
	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/internal/common/config"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/internal/events/bus"
	"github.com/paseo-sh/paseo/internal/permission"
	"github.com/paseo-sh/paseo/internal/store"
	"github.com/paseo-sh/paseo/internal/timeline"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// fakeDriver is a scriptable provider: tests push events and inspect
// the calls the task made.
type fakeDriver struct {
	mu        sync.Mutex
	events    chan provider.Event
	turns     []string
	resolved  []resolvedPerm
	cancels   int
	modeID    string
	sessionID string
	closed    bool
	startErr  error
}

type resolvedPerm struct {
	callbackID string
	decision   protocol.PermissionDecision
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{events: make(chan provider.Event, 32)}
}

func (d *fakeDriver) Start(ctx context.Context) error { return d.startErr }
func (d *fakeDriver) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

func (d *fakeDriver) StartTurn(ctx context.Context, text string, images []protocol.Image) error {
	d.mu.Lock()
	d.turns = append(d.turns, text)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Events() <-chan provider.Event { return d.events }

func (d *fakeDriver) ResolvePermission(ctx context.Context, callbackID string, decision protocol.PermissionDecision) error {
	d.mu.Lock()
	d.resolved = append(d.resolved, resolvedPerm{callbackID: callbackID, decision: decision})
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Cancel(ctx context.Context) error {
	d.mu.Lock()
	d.cancels++
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) SetMode(ctx context.Context, modeID string) error {
	d.mu.Lock()
	d.modeID = modeID
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Modes() []protocol.Mode {
	return []protocol.Mode{{ID: "default", Name: "Default"}}
}

func (d *fakeDriver) Models(ctx context.Context) ([]protocol.Model, error) {
	return []protocol.Model{{ID: "fake-1", Name: "Fake"}}, nil
}

func (d *fakeDriver) Commands() []protocol.Command { return nil }

func (d *fakeDriver) SessionPersistence() provider.PersistenceKind {
	return provider.PersistenceResumable
}

func (d *fakeDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	return nil
}

func (d *fakeDriver) turnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.turns)
}

func (d *fakeDriver) resolvedCalls() []resolvedPerm {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]resolvedPerm, len(d.resolved))
	copy(out, d.resolved)
	return out
}

func (d *fakeDriver) cancelCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancels
}

func (d *fakeDriver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// fakeFactory hands out drivers in order and records the configs it saw.
type fakeFactory struct {
	mu      sync.Mutex
	drivers []*fakeDriver
	configs []provider.Config
}

func (f *fakeFactory) New(cfg provider.Config) (provider.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	d := newFakeDriver()
	f.drivers = append(f.drivers, d)
	return d, nil
}

func (f *fakeFactory) driver(i int) *fakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.drivers) {
		return nil
	}
	return f.drivers[i]
}

func (f *fakeFactory) config(i int) provider.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[i]
}

type harness struct {
	mgr     *Manager
	factory *fakeFactory
	broker  *permission.Broker
	store   *store.Store
}

func newHarness(t *testing.T, permTimeout time.Duration) *harness {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)

	st, err := store.Open(config.StorageConfig{Driver: "sqlite"}, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	factory := &fakeFactory{}
	broker := permission.NewBroker(permTimeout, log)
	mgr := NewManager(st, factory, broker, bus.NewMemoryEventBus(log), log, Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return &harness{mgr: mgr, factory: factory, broker: broker, store: st}
}

func (h *harness) createIdleAgent(t *testing.T) string {
	t.Helper()
	snap, err := h.mgr.Create(context.Background(), protocol.CreateAgent{
		Provider: protocol.ProviderClaude,
		Cwd:      "/tmp/x",
		Title:    "A",
	})
	require.NoError(t, err)
	require.Equal(t, protocol.StatusInitializing, snap.Status)
	h.waitStatus(t, snap.ID, protocol.StatusIdle)
	return snap.ID
}

func (h *harness) waitStatus(t *testing.T, agentID string, want protocol.AgentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := h.mgr.Get(agentID)
		return err == nil && snap.Status == want
	}, 2*time.Second, 5*time.Millisecond, "agent never reached status %s", want)
}

func (h *harness) itemTypes(t *testing.T, agentID string) []protocol.TimelineItemType {
	t.Helper()
	a, err := h.mgr.Lookup(agentID)
	require.NoError(t, err)
	evs, err := a.Timeline().Read(context.Background(), timeline.Query{
		Direction:  timeline.DirectionTail,
		Projection: timeline.ProjectionRaw,
	})
	require.NoError(t, err)
	types := make([]protocol.TimelineItemType, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Entry.Item.Type)
	}
	return types
}

func TestCreateAgentSpawnsProviderAndGoesIdle(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createIdleAgent(t)

	cfg := h.factory.config(0)
	assert.Equal(t, protocol.ProviderClaude, cfg.Kind)
	assert.Equal(t, "/tmp/x", cfg.Cwd)

	snap, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "A", snap.Title)
	assert.False(t, snap.RequiresAttention)
}

func TestCreateAgentRejectsRelativeCwd(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.mgr.Create(context.Background(), protocol.CreateAgent{
		Provider: protocol.ProviderClaude,
		Cwd:      "relative/path",
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Validation))
}

func TestSimpleTurn(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createIdleAgent(t)
	drv := h.factory.driver(0)

	require.NoError(t, h.mgr.SendMessage(context.Background(), id, "hi", nil))
	h.waitStatus(t, id, protocol.StatusRunning)
	require.Equal(t, 1, drv.turnCount())

	drv.events <- provider.Event{Type: provider.EventTimelineItem, Item: &protocol.TimelineItem{
		Type:             protocol.ItemAssistantMessage,
		AssistantMessage: &protocol.AssistantMessage{Text: "hello"},
	}}
	drv.events <- provider.Event{Type: provider.EventTurnCompleted}
	h.waitStatus(t, id, protocol.StatusIdle)

	assert.Equal(t, []protocol.TimelineItemType{
		protocol.ItemUserMessage,
		protocol.ItemTurnStarted,
		protocol.ItemAssistantMessage,
		protocol.ItemTurnCompleted,
	}, h.itemTypes(t, id))

	snap, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Empty(t, snap.LastError)
	// The turn ended with nobody watching.
	assert.True(t, snap.RequiresAttention)
}

func TestSendMessageWhileRunningIsBusy(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createIdleAgent(t)

	require.NoError(t, h.mgr.SendMessage(context.Background(), id, "first", nil))
	h.waitStatus(t, id, protocol.StatusRunning)

	err := h.mgr.SendMessage(context.Background(), id, "second", nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Busy))
}

func TestPermissionCycle(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createIdleAgent(t)
	drv := h.factory.driver(0)

	require.NoError(t, h.mgr.SendMessage(context.Background(), id, "run ls", nil))
	drv.events <- provider.Event{
		Type:       provider.EventPermissionRequest,
		CallbackID: "cb-1",
		Kind:       protocol.PermissionKindTool,
		Name:       "Bash",
		Title:      "ls",
		Input:      map[string]any{"command": "ls"},
	}
	h.waitStatus(t, id, protocol.StatusAwaitingPermission)

	snap, err := h.mgr.Get(id)
	require.NoError(t, err)
	require.Len(t, snap.PendingPermissions, 1)
	req := snap.PendingPermissions[0]
	assert.Equal(t, protocol.PermissionKindTool, req.Kind)
	assert.Equal(t, "Bash", req.Name)
	assert.True(t, snap.RequiresAttention)

	err = h.mgr.RespondToPermission(context.Background(), id, req.ID, protocol.PermissionDecision{
		Behavior: protocol.PermissionAllow,
	})
	require.NoError(t, err)
	h.waitStatus(t, id, protocol.StatusRunning)

	resolved := drv.resolvedCalls()
	require.Len(t, resolved, 1)
	assert.Equal(t, "cb-1", resolved[0].callbackID)
	assert.Equal(t, protocol.PermissionAllow, resolved[0].decision.Behavior)

	// The agent advances exactly once; a duplicate decision errors.
	err = h.mgr.RespondToPermission(context.Background(), id, req.ID, protocol.PermissionDecision{
		Behavior: protocol.PermissionAllow,
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Validation))

	drv.events <- provider.Event{Type: provider.EventTimelineItem, Item: &protocol.TimelineItem{
		Type: protocol.ItemToolCall,
		ToolCall: &protocol.ToolCall{CallID: "t1", Name: "Bash", Status: protocol.ToolCallRunning,
			Detail: protocol.ToolDetail{Kind: protocol.ToolDetailShell, Command: "ls"}},
	}}
	drv.events <- provider.Event{Type: provider.EventTimelineItem, Item: &protocol.TimelineItem{
		Type: protocol.ItemToolCall,
		ToolCall: &protocol.ToolCall{CallID: "t1", Name: "Bash", Status: protocol.ToolCallCompleted,
			Detail: protocol.ToolDetail{Kind: protocol.ToolDetailShell, Command: "ls"}},
	}}
	drv.events <- provider.Event{Type: provider.EventTurnCompleted}
	h.waitStatus(t, id, protocol.StatusIdle)
}

func TestRespondToPermissionUnknownRequest(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createIdleAgent(t)

	err := h.mgr.RespondToPermission(context.Background(), id, "nope", protocol.PermissionDecision{
		Behavior: protocol.PermissionAllow,
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestCancelDuringTool(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createIdleAgent(t)
	drv := h.factory.driver(0)

	require.NoError(t, h.mgr.SendMessage(context.Background(), id, "work", nil))
	drv.events <- provider.Event{Type: provider.EventTimelineItem, Item: &protocol.TimelineItem{
		Type: protocol.ItemToolCall,
		ToolCall: &protocol.ToolCall{CallID: "t1", Name: "Bash", Status: protocol.ToolCallRunning,
			Detail: protocol.ToolDetail{Kind: protocol.ToolDetailShell, Command: "sleep 60"}},
	}}
	h.waitStatus(t, id, protocol.StatusRunning)

	require.NoError(t, h.mgr.CancelTurn(context.Background(), id))
	require.Eventually(t, func() bool { return drv.cancelCount() == 1 }, time.Second, 5*time.Millisecond)

	// Provider acknowledges the interrupt with a failed turn; the host
	// settles it as a cancellation.
	drv.events <- provider.Event{Type: provider.EventTurnFailed, Error: "interrupted"}
	h.waitStatus(t, id, protocol.StatusIdle)

	snap, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Empty(t, snap.LastError)

	types := h.itemTypes(t, id)
	assert.Equal(t, protocol.ItemTurnCompleted, types[len(types)-1])
	assert.Equal(t, protocol.ItemToolCall, types[len(types)-2])

	a, err := h.mgr.Lookup(id)
	require.NoError(t, err)
	evs, err := a.Timeline().Read(context.Background(), timeline.Query{
		Direction:  timeline.DirectionTail,
		Projection: timeline.ProjectionRaw,
	})
	require.NoError(t, err)
	last := evs[len(evs)-2].Entry.Item.ToolCall
	assert.Equal(t, protocol.ToolCallCanceled, last.Status)

	// The agent is usable again.
	require.NoError(t, h.mgr.SendMessage(context.Background(), id, "again", nil))
}

func TestCancelTurnIdleIsNoop(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createIdleAgent(t)
	require.NoError(t, h.mgr.CancelTurn(context.Background(), id))

	snap, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusIdle, snap.Status)
}

func TestCancelDuringAwaitingPermission(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createIdleAgent(t)
	drv := h.factory.driver(0)

	require.NoError(t, h.mgr.SendMessage(context.Background(), id, "run", nil))
	drv.events <- provider.Event{
		Type:       provider.EventPermissionRequest,
		CallbackID: "cb-1",
		Kind:       protocol.PermissionKindTool,
		Name:       "Bash",
	}
	h.waitStatus(t, id, protocol.StatusAwaitingPermission)

	snap, err := h.mgr.Get(id)
	require.NoError(t, err)
	reqID := snap.PendingPermissions[0].ID

	require.NoError(t, h.mgr.CancelTurn(context.Background(), id))
	drv.events <- provider.Event{Type: provider.EventTurnFailed, Error: "interrupted"}
	h.waitStatus(t, id, protocol.StatusIdle)

	// The provider was told no.
	resolved := drv.resolvedCalls()
	require.Len(t, resolved, 1)
	assert.Equal(t, protocol.PermissionDeny, resolved[0].decision.Behavior)
	assert.Equal(t, "canceled", resolved[0].decision.Message)

	// A late decision reports the cancellation.
	err = h.mgr.RespondToPermission(context.Background(), id, reqID, protocol.PermissionDecision{
		Behavior: protocol.PermissionAllow,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_canceled")
}

func TestPermissionTimeoutFailsTurn(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	id := h.createIdleAgent(t)
	drv := h.factory.driver(0)

	require.NoError(t, h.mgr.SendMessage(context.Background(), id, "run", nil))
	drv.events <- provider.Event{
		Type:       provider.EventPermissionRequest,
		CallbackID: "cb-1",
		Kind:       protocol.PermissionKindTool,
		Name:       "Bash",
	}
	h.waitStatus(t, id, protocol.StatusAwaitingPermission)
	h.waitStatus(t, id, protocol.StatusError)

	snap, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Contains(t, snap.LastError, "timed out")
	assert.Empty(t, snap.PendingPermissions)

	resolved := drv.resolvedCalls()
	require.Len(t, resolved, 1)
	assert.Equal(t, protocol.PermissionDeny, resolved[0].decision.Behavior)

	types := h.itemTypes(t, id)
	assert.Equal(t, protocol.ItemTurnFailed, types[len(types)-1])
}

func TestProviderExitMidTurnFailsAndRehydrates(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createIdleAgent(t)
	drv := h.factory.driver(0)

	require.NoError(t, h.mgr.SendMessage(context.Background(), id, "hi", nil))
	h.waitStatus(t, id, protocol.StatusRunning)
	drv.events <- provider.Event{Type: provider.EventSessionUpdated, SessionID: "sess-9"}
	require.NoError(t, drv.Close(context.Background()))

	h.waitStatus(t, id, protocol.StatusError)
	snap, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "provider exited", snap.LastError)
	assert.Equal(t, int64(1), snap.TimelineCursor.Epoch)

	// The next message respawns the provider with session resume and a
	// bumped epoch.
	require.NoError(t, h.mgr.SendMessage(context.Background(), id, "again", nil))
	h.waitStatus(t, id, protocol.StatusRunning)

	cfg := h.factory.config(1)
	assert.Equal(t, "sess-9", cfg.ResumeSessionID)

	snap, err = h.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.TimelineCursor.Epoch)

	types := h.itemTypes(t, id)
	assert.Equal(t, protocol.ItemSessionRehydrated, types[0])
}

func TestUpdateAgentMetadata(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createIdleAgent(t)

	title := "renamed"
	snap, err := h.mgr.Update(context.Background(), protocol.UpdateAgent{
		AgentID: id,
		Title:   &title,
		Labels:  map[string]string{"ui": "true", "team": "core"},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", snap.Title)
	assert.Equal(t, "true", snap.Labels["ui"])

	// Empty value removes the label.
	snap, err = h.mgr.Update(context.Background(), protocol.UpdateAgent{
		AgentID: id,
		Labels:  map[string]string{"team": ""},
	})
	require.NoError(t, err)
	_, ok := snap.Labels["team"]
	assert.False(t, ok)

	dir := h.mgr.Directory()
	require.Len(t, dir, 1)
	assert.Equal(t, id, dir[0].ID)
}

func TestSetModePersists(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createIdleAgent(t)
	drv := h.factory.driver(0)

	require.NoError(t, h.mgr.SetMode(context.Background(), id, "plan"))
	assert.Equal(t, "plan", drv.modeID)

	snap, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "plan", snap.ModeID)
}

func TestArchiveAndDelete(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createIdleAgent(t)
	drv := h.factory.driver(0)

	// Delete before archive is rejected.
	err := h.mgr.Delete(context.Background(), id)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Busy))

	require.NoError(t, h.mgr.Archive(context.Background(), id))
	snap, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusArchived, snap.Status)
	assert.NotNil(t, snap.ArchivedAt)
	assert.True(t, drv.isClosed())

	// Archived agents accept no operations.
	err = h.mgr.SendMessage(context.Background(), id, "hi", nil)
	require.Error(t, err)

	require.NoError(t, h.mgr.Delete(context.Background(), id))
	_, err = h.mgr.Get(id)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestLoadRehydratesPersistedAgents(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	dbPath := filepath.Join(t.TempDir(), "state.db")

	st, err := store.Open(config.StorageConfig{Driver: "sqlite"}, dbPath)
	require.NoError(t, err)
	rec := &store.AgentRecord{
		ID:                "ag-1",
		Provider:          "claude",
		Cwd:               "/tmp/x",
		Title:             "A",
		Status:            "running",
		ProviderSessionID: "sess-1",
		Epoch:             3,
		CreatedAt:         time.Now().UTC(),
		LastActivityAt:    time.Now().UTC(),
	}
	require.NoError(t, st.Agents().Save(context.Background(), rec))
	require.NoError(t, st.Close())

	st, err = store.Open(config.StorageConfig{Driver: "sqlite"}, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	factory := &fakeFactory{}
	mgr := NewManager(st, factory, permission.NewBroker(0, log), bus.NewMemoryEventBus(log), log, Options{})
	require.NoError(t, mgr.Load(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})

	snap, err := mgr.Get("ag-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusIdle, snap.Status)
	assert.Equal(t, int64(4), snap.TimelineCursor.Epoch)

	// First initialization resumes the session and writes the marker.
	require.NoError(t, mgr.EnsureInitialized(context.Background(), "ag-1"))
	cfg := factory.config(0)
	assert.Equal(t, "sess-1", cfg.ResumeSessionID)

	a, err := mgr.Lookup("ag-1")
	require.NoError(t, err)
	evs, err := a.Timeline().Read(context.Background(), timeline.Query{Direction: timeline.DirectionTail})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.ItemSessionRehydrated, evs[0].Entry.Item.Type)
}

func TestRefreshRestartsProviderWithResume(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createIdleAgent(t)
	drv := h.factory.driver(0)
	drv.events <- provider.Event{Type: provider.EventSessionUpdated, SessionID: "sess-2"}

	// Wait for the session id to land in the persisted snapshot.
	require.Eventually(t, func() bool {
		rec, err := h.store.Agents().Get(context.Background(), id)
		return err == nil && rec.ProviderSessionID == "sess-2"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.mgr.Refresh(context.Background(), id))
	assert.True(t, drv.isClosed())

	cfg := h.factory.config(1)
	assert.Equal(t, "sess-2", cfg.ResumeSessionID)

	// Same epoch: a deliberate restart is not a crash.
	snap, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.TimelineCursor.Epoch)
}

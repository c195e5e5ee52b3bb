// Package agent owns the runtime set of managed agents. Each agent
// couples a persisted snapshot, an append-only timeline log, and a
// single task goroutine that serializes operations against provider
// stream events.
package agent

import (
	"sync"
	"time"

	"github.com/paseo-sh/paseo/internal/permission"
	"github.com/paseo-sh/paseo/internal/store"
	"github.com/paseo-sh/paseo/internal/timeline"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// Agent is one managed agent. The snapshot record is owned by the
// agent's task; readers take the mutex and copy.
type Agent struct {
	mu  sync.Mutex
	rec *store.AgentRecord
	log *timeline.Log

	// unseenTurn is set when a turn finishes with no live stream
	// subscriber and cleared when a client next observes the agent.
	unseenTurn bool

	task *task
}

// ID returns the agent id.
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec.ID
}

// Timeline returns the agent's log for reads and subscriptions.
func (a *Agent) Timeline() *timeline.Log { return a.log }

// Snapshot renders the client-visible view of the agent.
func (a *Agent) Snapshot(broker *permission.Broker) *protocol.Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(broker)
}

func (a *Agent) snapshotLocked(broker *permission.Broker) *protocol.Agent {
	rec := a.rec
	snap := &protocol.Agent{
		ID:               rec.ID,
		Provider:         protocol.ProviderKind(rec.Provider),
		Cwd:              rec.Cwd,
		Title:            rec.Title,
		Status:           protocol.AgentStatus(rec.Status),
		ModeID:           rec.ModeID,
		Model:            rec.Model,
		ThinkingOptionID: rec.ThinkingOptionID,
		LastError:        rec.LastError,
		TimelineCursor:   a.log.Cursor(),
		ArchivedAt:       rec.ArchivedAt,
		CreatedAt:        rec.CreatedAt,
		LastActivityAt:   rec.LastActivityAt,
	}
	if len(rec.Labels) > 0 {
		snap.Labels = make(map[string]string, len(rec.Labels))
		for k, v := range rec.Labels {
			snap.Labels[k] = v
		}
	}
	for _, req := range broker.Pending(rec.ID) {
		r := req
		snap.PendingPermissions = append(snap.PendingPermissions, &r)
	}
	snap.RequiresAttention = snap.Status == protocol.StatusAwaitingPermission ||
		snap.Status == protocol.StatusError ||
		a.unseenTurn
	return snap
}

// MarkObserved clears the unseen-turn attention flag; the hub calls it
// when a client subscribes to or reads the agent's stream.
func (a *Agent) MarkObserved() {
	a.mu.Lock()
	a.unseenTurn = false
	a.mu.Unlock()
}

// status reads the current lifecycle state.
func (a *Agent) status() protocol.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return protocol.AgentStatus(a.rec.Status)
}

func (a *Agent) archived() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec.ArchivedAt != nil
}

// touch refreshes lastActivityAt.
func (a *Agent) touch() {
	a.mu.Lock()
	a.rec.LastActivityAt = time.Now().UTC()
	a.mu.Unlock()
}

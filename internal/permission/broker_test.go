package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

func newBroker(timeout time.Duration) *Broker {
	return NewBroker(timeout, logger.Default())
}

func open(b *Broker, agentID, name string) *Ticket {
	return b.Open(protocol.PermissionRequest{
		AgentID: agentID,
		Kind:    protocol.PermissionKindTool,
		Name:    name,
	})
}

func TestResolveDeliversOutcome(t *testing.T) {
	b := newBroker(0)
	ticket := open(b, "agent-1", "Bash")

	err := b.Resolve("agent-1", ticket.Request.ID, protocol.PermissionDecision{
		Behavior: protocol.PermissionAllow,
	})
	require.NoError(t, err)

	select {
	case out := <-ticket.Outcome():
		assert.Equal(t, protocol.PermissionAllow, out.Decision.Behavior)
		assert.False(t, out.TimedOut)
	case <-time.After(time.Second):
		t.Fatal("no outcome delivered")
	}
	assert.Empty(t, b.Pending("agent-1"))
}

func TestResolveTwiceIsAlreadyResolved(t *testing.T) {
	b := newBroker(0)
	ticket := open(b, "agent-1", "Bash")

	require.NoError(t, b.Resolve("agent-1", ticket.Request.ID, protocol.PermissionDecision{
		Behavior: protocol.PermissionAllow,
	}))
	err := b.Resolve("agent-1", ticket.Request.ID, protocol.PermissionDecision{
		Behavior: protocol.PermissionAllow,
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Validation))
	assert.Contains(t, err.Error(), "request_already_resolved")
}

func TestResolveUnknownIsNotFound(t *testing.T) {
	b := newBroker(0)
	err := b.Resolve("agent-1", "nope", protocol.PermissionDecision{Behavior: protocol.PermissionAllow})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
	assert.Contains(t, err.Error(), "request_not_found")
}

func TestResolveWrongAgentIsNotFound(t *testing.T) {
	b := newBroker(0)
	ticket := open(b, "agent-1", "Bash")
	err := b.Resolve("agent-2", ticket.Request.ID, protocol.PermissionDecision{Behavior: protocol.PermissionAllow})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestPendingKeepsArrivalOrder(t *testing.T) {
	b := newBroker(0)
	first := open(b, "agent-1", "Bash")
	second := open(b, "agent-1", "Edit")
	open(b, "agent-2", "Write")

	pending := b.Pending("agent-1")
	require.Len(t, pending, 2)
	assert.Equal(t, "Bash", pending[0].Name)
	assert.Equal(t, "Edit", pending[1].Name)

	// Requests are independently addressable: resolving the second
	// leaves the first pending.
	require.NoError(t, b.Resolve("agent-1", second.Request.ID, protocol.PermissionDecision{
		Behavior: protocol.PermissionDeny,
	}))
	pending = b.Pending("agent-1")
	require.Len(t, pending, 1)
	assert.Equal(t, first.Request.ID, pending[0].ID)
}

func TestCancelAgentTombstonesPending(t *testing.T) {
	b := newBroker(0)
	ticket := open(b, "agent-1", "Bash")
	open(b, "agent-1", "Edit")

	assert.Equal(t, 2, b.CancelAgent("agent-1"))
	assert.Empty(t, b.Pending("agent-1"))

	// No outcome is delivered on cancel; the turn is being torn down.
	select {
	case out := <-ticket.Outcome():
		t.Fatalf("unexpected outcome after cancel: %+v", out)
	case <-time.After(20 * time.Millisecond):
	}

	err := b.Resolve("agent-1", ticket.Request.ID, protocol.PermissionDecision{
		Behavior: protocol.PermissionAllow,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_canceled")
}

func TestTimeoutAutoDenies(t *testing.T) {
	b := newBroker(20 * time.Millisecond)
	ticket := open(b, "agent-1", "Bash")

	select {
	case out := <-ticket.Outcome():
		assert.True(t, out.TimedOut)
		assert.Equal(t, protocol.PermissionDeny, out.Decision.Behavior)
		assert.Equal(t, "timeout", out.Decision.Message)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	assert.Empty(t, b.Pending("agent-1"))

	err := b.Resolve("agent-1", ticket.Request.ID, protocol.PermissionDecision{
		Behavior: protocol.PermissionAllow,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_already_resolved")
}

func TestGet(t *testing.T) {
	b := newBroker(0)
	ticket := open(b, "agent-1", "Bash")

	got, ok := b.Get("agent-1", ticket.Request.ID)
	require.True(t, ok)
	assert.Equal(t, "Bash", got.Name)

	_, ok = b.Get("agent-2", ticket.Request.ID)
	assert.False(t, ok)
}

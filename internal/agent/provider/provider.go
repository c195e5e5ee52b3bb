// Package provider defines the uniform driver surface over the upstream
// agent CLIs. Each driver owns its subprocess and normalizes the
// provider's native protocol into a single stream of Events; the agent
// manager never touches provider stdio directly.
package provider

import (
	"context"
	"fmt"

	"github.com/paseo-sh/paseo/pkg/protocol"
)

// PersistenceKind describes whether a provider session survives a host
// restart.
type PersistenceKind string

const (
	// PersistenceResumable sessions can be reloaded by id after the
	// subprocess exits.
	PersistenceResumable PersistenceKind = "resumable"
	// PersistenceEphemeral sessions die with the subprocess.
	PersistenceEphemeral PersistenceKind = "ephemeral"
)

// EventType discriminates driver stream events.
type EventType string

const (
	// EventTimelineItem carries a normalized timeline item.
	EventTimelineItem EventType = "timeline_item"
	// EventPermissionRequest asks the host to arbitrate a side-effecting
	// tool call. The driver parks the native callback until
	// ResolvePermission is called with the event's CallbackID.
	EventPermissionRequest EventType = "permission_request"
	// EventTurnCompleted ends the turn successfully.
	EventTurnCompleted EventType = "turn_completed"
	// EventTurnFailed ends the turn with an error.
	EventTurnFailed EventType = "turn_failed"
	// EventSessionUpdated reports the provider-native session id, used
	// for rehydration after a restart.
	EventSessionUpdated EventType = "session_updated"
)

// Event is one normalized provider stream event.
type Event struct {
	Type EventType

	// Item is set for EventTimelineItem.
	Item *protocol.TimelineItem

	// Permission fields, set for EventPermissionRequest.
	CallbackID string
	Kind       protocol.PermissionKind
	Name       string
	Title      string
	Input      map[string]any
	Metadata   map[string]any

	// Error is set for EventTurnFailed.
	Error string

	// SessionID is set for EventSessionUpdated.
	SessionID string
}

// Config carries everything a driver needs to spawn and steer its
// subprocess.
type Config struct {
	Kind protocol.ProviderKind
	// Binary overrides the provider executable looked up on PATH.
	Binary string
	// Cwd is the absolute working directory; providers are never
	// spawned relative.
	Cwd    string
	ModeID string
	Model  string
	// ThinkingOptionID is a provider-specific reasoning knob; drivers
	// that have no equivalent ignore it.
	ThinkingOptionID string
	// ResumeSessionID reloads a persisted provider session.
	ResumeSessionID string
	// MCPServerURL, when set, is injected into the provider so the
	// host's in-process tools (set_title) are reachable.
	MCPServerURL string
	// Env is appended to the subprocess environment.
	Env []string
}

// Driver is the capability set every provider adapter implements.
type Driver interface {
	// Start spawns the subprocess and performs the provider handshake.
	Start(ctx context.Context) error
	// SessionID returns the provider-native session id once known.
	SessionID() string
	// StartTurn submits a user message, beginning a turn. Events for
	// the turn arrive on Events().
	StartTurn(ctx context.Context, text string, images []protocol.Image) error
	// Events returns the normalized stream. The channel is closed when
	// the driver shuts down.
	Events() <-chan Event
	// ResolvePermission delivers a decision for a parked
	// EventPermissionRequest.
	ResolvePermission(ctx context.Context, callbackID string, decision protocol.PermissionDecision) error
	// Cancel aborts the in-flight turn.
	Cancel(ctx context.Context) error
	// SetMode switches the provider's permission/operation mode.
	SetMode(ctx context.Context, modeID string) error
	// Modes lists the provider's published modes.
	Modes() []protocol.Mode
	// Models lists the provider's published models.
	Models(ctx context.Context) ([]protocol.Model, error)
	// Commands lists slash commands captured at initialization.
	Commands() []protocol.Command
	// SessionPersistence reports whether the session can be resumed.
	SessionPersistence() PersistenceKind
	// Close stops the subprocess and releases resources.
	Close(ctx context.Context) error
}

// Validate rejects configs no driver could act on.
func (c *Config) Validate() error {
	if c.Cwd == "" {
		return fmt.Errorf("provider config requires an absolute cwd")
	}
	switch c.Kind {
	case protocol.ProviderClaude, protocol.ProviderCodex, protocol.ProviderOpencode:
		return nil
	default:
		return fmt.Errorf("unknown provider %q", c.Kind)
	}
}

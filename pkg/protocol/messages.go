package protocol

import "time"

// Request payloads (client → host). The hub strips the envelope; these
// structs carry only the type-specific parameters.

// Heartbeat is sent by every client roughly every 15 seconds.
type Heartbeat struct {
	DeviceType     string    `json:"deviceType"`
	FocusedAgentID string    `json:"focusedAgentId,omitempty"`
	AppVisible     bool      `json:"appVisible"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// RegisterPushToken persists a push-notification token for this client.
type RegisterPushToken struct {
	Platform string `json:"platform"`
	Token    string `json:"token"`
}

// CreateAgent spawns a new agent session.
type CreateAgent struct {
	Provider         ProviderKind      `json:"provider"`
	Cwd              string            `json:"cwd"`
	Title            string            `json:"title,omitempty"`
	ModeID           string            `json:"modeId,omitempty"`
	Model            string            `json:"model,omitempty"`
	ThinkingOptionID string            `json:"thinkingOptionId,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
}

// SendMessage starts a turn with a user message.
type SendMessage struct {
	AgentID string  `json:"agentId"`
	Text    string  `json:"text"`
	Images  []Image `json:"images,omitempty"`
}

// AgentRef addresses an agent for single-target operations
// (cancel_turn, archive_agent, delete_agent, fetch_agent,
// ensure_agent_initialized, refresh_agent, list_commands).
type AgentRef struct {
	AgentID string `json:"agentId"`
}

// RespondToPermission resolves a pending permission request.
type RespondToPermission struct {
	AgentID   string             `json:"agentId"`
	RequestID string             `json:"permissionRequestId"`
	Decision  PermissionDecision `json:"decision"`
}

// UpdateAgent mutates agent metadata. Nil fields are untouched; a
// label mapped to the empty string is removed.
type UpdateAgent struct {
	AgentID          string            `json:"agentId"`
	Title            *string           `json:"title,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	Model            *string           `json:"model,omitempty"`
	ThinkingOptionID *string           `json:"thinkingOptionId,omitempty"`
}

// FetchAgents lists agent snapshots.
type FetchAgents struct {
	IncludeArchived bool `json:"includeArchived,omitempty"`
}

// FetchAgentTimeline pages through an agent's timeline.
type FetchAgentTimeline struct {
	AgentID string `json:"agentId"`
	// Direction is "tail" (default) or "after".
	Direction string  `json:"direction,omitempty"`
	Cursor    *Cursor `json:"cursor,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	// Projection is "projected" (default) or "raw".
	Projection string `json:"projection,omitempty"`
}

// SetMode switches the agent's provider mode.
type SetMode struct {
	AgentID string `json:"agentId"`
	ModeID  string `json:"modeId"`
}

// ListProviderModels lists a provider's published models.
type ListProviderModels struct {
	Provider ProviderKind `json:"provider"`
	AgentID  string       `json:"agentId,omitempty"`
}

// SubscribeAgent opens an agent_stream subscription. FromCursor replays
// timeline items after the cursor before live events.
type SubscribeAgent struct {
	SubscriptionID string  `json:"subscriptionId"`
	AgentID        string  `json:"agentId"`
	FromCursor     *Cursor `json:"fromCursor,omitempty"`
}

// SubscriptionRef addresses an existing subscription.
type SubscriptionRef struct {
	SubscriptionID string `json:"subscriptionId"`
}

// SubscribeAgentDirectory opens an agent_directory subscription.
type SubscribeAgentDirectory struct {
	SubscriptionID string `json:"subscriptionId"`
}

// SubscribeCheckoutDiff opens a checkout_diff subscription on a git
// working copy.
type SubscribeCheckoutDiff struct {
	SubscriptionID string   `json:"subscriptionId"`
	Cwd            string   `json:"cwd"`
	Mode           DiffMode `json:"mode"`
}

// ExploreFilesystem lists one directory level.
type ExploreFilesystem struct {
	Path string `json:"path"`
}

// RequestDownloadToken asks for a token to stream a file over the
// multiplex file channel.
type RequestDownloadToken struct {
	Path string `json:"path"`
}

// GetHighlightedDiff returns syntax-highlighted diff lines for one file.
type GetHighlightedDiff struct {
	Cwd  string   `json:"cwd"`
	Path string   `json:"path"`
	Mode DiffMode `json:"mode,omitempty"`
}

// CheckoutRef addresses a git working copy (checkout_status,
// checkout_pr_status, list_terminals).
type CheckoutRef struct {
	Cwd string `json:"cwd"`
}

// CreateTerminal creates an additional named terminal in a cwd.
type CreateTerminal struct {
	Cwd  string `json:"cwd"`
	Name string `json:"name,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Cols int    `json:"cols,omitempty"`
}

// SubscribeTerminal opens a terminal subscription. Rows/Cols are the
// subscriber's viewport hints, applied if the PTY has no size yet.
type SubscribeTerminal struct {
	SubscriptionID string `json:"subscriptionId"`
	TerminalID     string `json:"terminalId"`
	Rows           int    `json:"rows,omitempty"`
	Cols           int    `json:"cols,omitempty"`
}

// SendTerminalInput writes input, resizes, or signals a terminal.
type SendTerminalInput struct {
	TerminalID string            `json:"terminalId"`
	InputType  TerminalInputType `json:"inputType"`
	Data       string            `json:"data,omitempty"`
	Rows       int               `json:"rows,omitempty"`
	Cols       int               `json:"cols,omitempty"`
	Signal     string            `json:"signal,omitempty"`
}

// TerminalRef addresses a terminal (kill_terminal).
type TerminalRef struct {
	TerminalID string `json:"terminalId"`
}

// TimelineEntry is one addressed item in a fetch_agent_timeline response
// or a subscribe_agent replay. An epoch-bump entry carries no item; its
// cursor is the fresh position the reader should continue from.
type TimelineEntry struct {
	Cursor      Cursor        `json:"cursor"`
	Item        *TimelineItem `json:"item,omitempty"`
	EpochBumped bool          `json:"epochBumped,omitempty"`
}

// Event payloads (host → client pushes).

// AgentStreamEventType discriminates agent_stream events.
type AgentStreamEventType string

const (
	StreamTimeline            AgentStreamEventType = "timeline"
	StreamPermissionRequested AgentStreamEventType = "permission_requested"
	StreamPermissionResolved  AgentStreamEventType = "permission_resolved"
	StreamTurnCompleted       AgentStreamEventType = "turn_completed"
	StreamTurnFailed          AgentStreamEventType = "turn_failed"
)

// AgentStreamEvent is one push on an agent_stream subscription.
type AgentStreamEvent struct {
	Type           string               `json:"type"` // always "agent_stream"
	SubscriptionID string               `json:"subscriptionId"`
	AgentID        string               `json:"agentId"`
	Event          AgentStreamEventType `json:"event"`
	Cursor         *Cursor              `json:"cursor,omitempty"`
	Item           *TimelineItem        `json:"item,omitempty"`
	Permission     *PermissionRequest   `json:"permission,omitempty"`
	Decision       *PermissionDecision  `json:"decision,omitempty"`
	Error          string               `json:"error,omitempty"`
	// EpochBumped tells a replaying subscriber its cursor crossed an
	// epoch boundary and Cursor is the fresh position.
	EpochBumped bool `json:"epochBumped,omitempty"`
}

// AgentStateEvent pushes a full agent snapshot.
type AgentStateEvent struct {
	Type  string `json:"type"` // always "agent_state"
	Agent *Agent `json:"agent"`
}

// AgentDirectoryUpdate pushes membership or metadata changes of the
// user-facing agent set.
type AgentDirectoryUpdate struct {
	Type           string   `json:"type"` // always "agent_directory_update"
	SubscriptionID string   `json:"subscriptionId"`
	Agents         []*Agent `json:"agents"`
}

// CheckoutDiffUpdate pushes the recomputed dirty-file list.
type CheckoutDiffUpdate struct {
	Type           string     `json:"type"` // always "checkout_diff_update"
	SubscriptionID string     `json:"subscriptionId"`
	Cwd            string     `json:"cwd"`
	Mode           DiffMode   `json:"mode"`
	Files          []FileDiff `json:"files"`
}

// TerminalStateEvent pushes a terminal screen snapshot.
type TerminalStateEvent struct {
	Type           string         `json:"type"` // always "terminal_state"
	SubscriptionID string         `json:"subscriptionId"`
	State          *TerminalState `json:"state"`
}

package protocol

import "time"

// ProviderKind names an upstream agent CLI.
type ProviderKind string

const (
	ProviderClaude   ProviderKind = "claude"
	ProviderCodex    ProviderKind = "codex"
	ProviderOpencode ProviderKind = "opencode"
)

// AgentStatus is the lifecycle state of a managed agent.
type AgentStatus string

const (
	StatusInitializing       AgentStatus = "initializing"
	StatusIdle               AgentStatus = "idle"
	StatusRunning            AgentStatus = "running"
	StatusAwaitingPermission AgentStatus = "awaiting_permission"
	StatusError              AgentStatus = "error"
	StatusArchived           AgentStatus = "archived"
)

// LabelUI marks an agent as user-facing: listed in the directory and
// given the set_title self-identification tool.
const LabelUI = "ui"

// Cursor addresses a position in an agent's timeline. Seq is strictly
// increasing within an epoch; the epoch bumps when the agent is
// rehydrated after a restart.
type Cursor struct {
	Epoch int64 `json:"epoch"`
	Seq   int64 `json:"seq"`
}

// Before reports whether c addresses an earlier position than other.
func (c Cursor) Before(other Cursor) bool {
	if c.Epoch != other.Epoch {
		return c.Epoch < other.Epoch
	}
	return c.Seq < other.Seq
}

// Agent is the client-visible snapshot of a managed agent.
type Agent struct {
	ID                 string               `json:"id"`
	Provider           ProviderKind         `json:"provider"`
	Cwd                string               `json:"cwd"`
	Title              string               `json:"title"`
	Status             AgentStatus          `json:"status"`
	ModeID             string               `json:"modeId,omitempty"`
	Model              string               `json:"model,omitempty"`
	ThinkingOptionID   string               `json:"thinkingOptionId,omitempty"`
	Labels             map[string]string    `json:"labels,omitempty"`
	LastError          string               `json:"lastError,omitempty"`
	PendingPermissions []*PermissionRequest `json:"pendingPermissions,omitempty"`
	TimelineCursor     Cursor               `json:"timelineCursor"`
	RequiresAttention  bool                 `json:"requiresAttention"`
	ArchivedAt         *time.Time           `json:"archivedAt,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
	LastActivityAt     time.Time            `json:"lastActivityAt"`
}

// Mode is one of a provider's published permission/operation modes.
type Mode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Model is a provider-published model choice.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Command is a provider slash command captured at initialization.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ArgumentHint string `json:"argumentHint,omitempty"`
}

// PermissionKind classifies what a permission request is asking for.
type PermissionKind string

const (
	PermissionKindTool     PermissionKind = "tool"
	PermissionKindPlan     PermissionKind = "plan"
	PermissionKindQuestion PermissionKind = "question"
	PermissionKindMode     PermissionKind = "mode"
	PermissionKindOther    PermissionKind = "other"
)

// PermissionRequest is a provider-initiated prompt awaiting a client
// decision.
type PermissionRequest struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agentId"`
	Kind        PermissionKind `json:"kind"`
	Name        string         `json:"name"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// PermissionBehavior is the client's verdict on a permission request.
type PermissionBehavior string

const (
	PermissionAllow              PermissionBehavior = "allow"
	PermissionAllowModifiedInput PermissionBehavior = "allow_with_modified_input"
	PermissionDeny               PermissionBehavior = "deny"
)

// PermissionDecision carries a verdict and its variant-specific fields.
type PermissionDecision struct {
	Behavior PermissionBehavior `json:"behavior"`
	// Input replaces the tool input when Behavior is
	// allow_with_modified_input.
	Input map[string]any `json:"input,omitempty"`
	// Message optionally explains a deny to the provider.
	Message string `json:"message,omitempty"`
	// Interrupt cancels the turn after a deny is delivered.
	Interrupt bool `json:"interrupt,omitempty"`
}

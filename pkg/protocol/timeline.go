package protocol

// TimelineItemType discriminates the timeline item union.
type TimelineItemType string

const (
	ItemUserMessage       TimelineItemType = "user_message"
	ItemAssistantMessage  TimelineItemType = "assistant_message"
	ItemToolCall          TimelineItemType = "tool_call"
	ItemPermissionRequest TimelineItemType = "permission_request"
	ItemTurnStarted       TimelineItemType = "turn_started"
	ItemTurnCompleted     TimelineItemType = "turn_completed"
	ItemTurnFailed        TimelineItemType = "turn_failed"
	ItemSessionRehydrated TimelineItemType = "session_rehydrated"
)

// TimelineItem is the tagged union of everything that can appear on an
// agent's timeline. Exactly the variant named by Type is populated.
type TimelineItem struct {
	Type TimelineItemType `json:"type"`

	UserMessage       *UserMessage       `json:"userMessage,omitempty"`
	AssistantMessage  *AssistantMessage  `json:"assistantMessage,omitempty"`
	ToolCall          *ToolCall          `json:"toolCall,omitempty"`
	PermissionRequest *PermissionRequest `json:"permissionRequest,omitempty"`
	TurnFailed        *TurnError         `json:"turnFailed,omitempty"`
}

// UserMessage is a message sent by the user to the agent. Images are
// base64-encoded payloads forwarded to providers that accept them.
type UserMessage struct {
	Text   string  `json:"text"`
	Images []Image `json:"images,omitempty"`
}

// Image is an inline attachment on a user message.
type Image struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// AssistantMessage is agent output text. Partial marks an in-flight
// delta that a later item of the same turn supersedes.
type AssistantMessage struct {
	Text    string `json:"text"`
	Partial bool   `json:"partial,omitempty"`
}

// ToolCallStatus is the lifecycle state of a tool call.
type ToolCallStatus string

const (
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
	ToolCallCanceled  ToolCallStatus = "canceled"
)

// ToolDetailKind classifies what a tool call does.
type ToolDetailKind string

const (
	ToolDetailShell         ToolDetailKind = "shell"
	ToolDetailRead          ToolDetailKind = "read"
	ToolDetailEdit          ToolDetailKind = "edit"
	ToolDetailWrite         ToolDetailKind = "write"
	ToolDetailSearch        ToolDetailKind = "search"
	ToolDetailSubAgent      ToolDetailKind = "sub_agent"
	ToolDetailWorktreeSetup ToolDetailKind = "worktree_setup"
	ToolDetailUnknown       ToolDetailKind = "unknown"
)

// ToolCall records one tool invocation. Error is set iff Status is
// failed. Detail is always present; unknown tools carry kind "unknown".
type ToolCall struct {
	CallID string         `json:"callId"`
	Name   string         `json:"name"`
	Status ToolCallStatus `json:"status"`
	Detail ToolDetail     `json:"detail"`
	Output string         `json:"output,omitempty"`
	Error  *TurnError     `json:"error,omitempty"`
}

// ToolDetail is the kind-specific view of a tool call's input.
type ToolDetail struct {
	Kind ToolDetailKind `json:"kind"`
	// Command is the shell command line (kind shell).
	Command string `json:"command,omitempty"`
	// Path is the target file (kinds read, edit, write).
	Path string `json:"path,omitempty"`
	// Query is the search pattern (kind search).
	Query string `json:"query,omitempty"`
	// Description summarizes sub-agent and worktree work.
	Description string `json:"description,omitempty"`
	// Raw preserves the provider's input for unknown kinds.
	Raw map[string]any `json:"raw,omitempty"`
}

// TurnError describes a turn or tool failure.
type TurnError struct {
	Message string `json:"message"`
}

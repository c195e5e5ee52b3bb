// Package claudecode speaks the Claude Code CLI stream-json protocol:
// newline-framed JSON over stdin/stdout, with a control channel layered
// on top for initialization, permission callbacks, and interrupts.
package claudecode

import "encoding/json"

// Stdout message types.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeResult          = "result"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	SubtypeInitialize        = "initialize"
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors in a can_use_tool response.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Message is one line of CLI stdout. Type selects which fields carry
// meaning.
type Message struct {
	Type string `json:"type"`

	// Control traffic.
	RequestID string           `json:"request_id,omitempty"`
	Request   *ControlRequest  `json:"request,omitempty"`
	Response  *ControlResponse `json:"response,omitempty"`

	// System messages carry the session identity.
	SessionID     string `json:"session_id,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`

	// Assistant messages.
	Message *AssistantBody `json:"message,omitempty"`

	// Result messages. Result is a string on error, an object on
	// success.
	Subtype    string          `json:"subtype,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
}

// ResultText extracts the result as plain text regardless of whether the
// CLI sent a string or an object.
func (m *Message) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Result, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// AssistantBody is the message payload of an assistant line.
type AssistantBody struct {
	Role    string         `json:"role"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one entry of an assistant content array.
type ContentBlock struct {
	Type string `json:"type"`

	// text blocks.
	Text string `json:"text,omitempty"`

	// thinking blocks.
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ControlRequest is a CLI→host control call, most importantly the
// can_use_tool permission callback.
type ControlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponse is the response object inside a control_response line,
// in either direction.
type ControlResponse struct {
	Subtype   string            `json:"subtype"` // success | error
	RequestID string            `json:"request_id,omitempty"`
	Result    *PermissionResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Init      *InitializeResult `json:"response,omitempty"`
}

// PermissionResult answers a can_use_tool request.
type PermissionResult struct {
	Behavior     string `json:"behavior"`
	UpdatedInput any    `json:"updatedInput,omitempty"`
	Message      string `json:"message,omitempty"`
	Interrupt    *bool  `json:"interrupt,omitempty"`
}

// InitializeResult is the payload of a successful initialize response.
type InitializeResult struct {
	Commands []SlashCommand `json:"commands,omitempty"`
	Agents   []string       `json:"agents,omitempty"`
	Models   []ModelInfo    `json:"models,omitempty"`
}

// SlashCommand is one CLI slash command published at initialization.
type SlashCommand struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argument_hint,omitempty"`
}

// ModelInfo is a model choice published at initialization.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// outgoingControlRequest is a host→CLI control call.
type outgoingControlRequest struct {
	Type      string             `json:"type"` // control_request
	RequestID string             `json:"request_id"`
	Request   controlRequestBody `json:"request"`
}

type controlRequestBody struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`
}

// outgoingControlResponse answers a CLI control request.
type outgoingControlResponse struct {
	Type     string           `json:"type"` // control_response
	Response *ControlResponse `json:"response"`
}

// promptMessage is a user prompt line. Content is a plain string for
// text-only prompts and a content-block array when images are attached.
type promptMessage struct {
	Type    string     `json:"type"` // user
	Message promptBody `json:"message"`
}

type promptBody struct {
	Role    string `json:"role"` // user
	Content any    `json:"content"`
}

// TextContent is a text block of a mixed-content prompt.
type TextContent struct {
	Type string `json:"type"` // text
	Text string `json:"text"`
}

// ImageContent is a base64 image block of a mixed-content prompt.
type ImageContent struct {
	Type   string      `json:"type"` // image
	Source ImageSource `json:"source"`
}

// ImageSource carries the encoded image bytes.
type ImageSource struct {
	Type      string `json:"type"` // base64
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

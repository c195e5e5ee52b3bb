// Package opencode speaks the OpenCode server protocol: a REST API for
// session control plus a Server-Sent Events stream for message parts,
// permission prompts, and session state.
package opencode

import "encoding/json"

// SSE event types on /event.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventPermissionAsked    = "permission.asked"
	EventPermissionReplied  = "permission.replied"
	EventSessionIdle        = "session.idle"
	EventSessionError       = "session.error"
)

// Message part types.
const (
	PartTypeText      = "text"
	PartTypeReasoning = "reasoning"
	PartTypeTool      = "tool"
)

// Tool part status values.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// Permission reply values.
const (
	ReplyOnce   = "once"
	ReplyReject = "reject"
)

// HealthResponse is GET /global/health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse is POST /session.
type SessionResponse struct {
	ID string `json:"id"`
}

// ModelSpec selects the model for a prompt.
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// PartInput is one element of a prompt. Text parts carry Text; file
// parts carry a data URL for inline images.
type PartInput struct {
	Type string `json:"type"` // text, file
	Text string `json:"text,omitempty"`
	Mime string `json:"mime,omitempty"`
	URL  string `json:"url,omitempty"`
}

// PromptRequest is POST /session/{id}/message.
type PromptRequest struct {
	Model *ModelSpec  `json:"model,omitempty"`
	Agent string      `json:"agent,omitempty"`
	Parts []PartInput `json:"parts"`
}

// PermissionReply is POST /permission/{id}/reply.
type PermissionReply struct {
	Reply   string `json:"reply"`
	Message string `json:"message,omitempty"`
}

// Event is the envelope of every SSE event.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// DecodeProperties unmarshals the event payload into out.
func (e *Event) DecodeProperties(out any) error {
	if len(e.Properties) == 0 {
		return nil
	}
	return json.Unmarshal(e.Properties, out)
}

// MessageUpdated carries message.updated.
type MessageUpdated struct {
	Info MessageInfo `json:"info"`
}

// MessageInfo is message metadata.
type MessageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"` // user, assistant
}

// MessagePartUpdated carries message.part.updated.
type MessagePartUpdated struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// Part is one fragment of an assistant message.
type Part struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	MessageID string     `json:"messageID"`
	SessionID string     `json:"sessionID"`
	Text      string     `json:"text,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	State     *ToolState `json:"state,omitempty"`
}

// ToolState is the execution state of a tool part.
type ToolState struct {
	Status   string          `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Title    string          `json:"title,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// InputMap decodes the tool input as a generic map.
func (s *ToolState) InputMap() map[string]any {
	if len(s.Input) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(s.Input, &m); err != nil {
		return nil
	}
	return m
}

// PermissionAsked carries permission.asked.
type PermissionAsked struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Patterns   []string       `json:"patterns,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Tool       *ToolRef       `json:"tool,omitempty"`
}

// ToolRef links a permission prompt to its tool call.
type ToolRef struct {
	CallID string `json:"callID"`
}

// SessionIdle carries session.idle.
type SessionIdle struct {
	SessionID string `json:"sessionID"`
}

// SessionError carries session.error.
type SessionError struct {
	SessionID string    `json:"sessionID"`
	Error     *APIError `json:"error,omitempty"`
}

// APIError is the server's error object; the message lives either at
// the top level or under data.
type APIError struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

// Text returns the best available error message.
func (e *APIError) Text() string {
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Kind()
}

// Kind returns the error's type name.
func (e *APIError) Kind() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Type != "" {
		return e.Type
	}
	return "unknown"
}

// ProviderListResponse is GET /provider.
type ProviderListResponse struct {
	All []ProviderInfo `json:"all"`
}

// ProviderInfo is one upstream model provider.
type ProviderInfo struct {
	ID     string                   `json:"id"`
	Name   string                   `json:"name,omitempty"`
	Models map[string]ProviderModel `json:"models,omitempty"`
}

// ProviderModel is one model published by a provider.
type ProviderModel struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

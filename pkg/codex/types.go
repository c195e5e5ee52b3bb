// Package codex speaks the Codex app-server protocol: a JSON-RPC 2.0
// variant over stdio that omits the "jsonrpc" header field. The server
// pushes notifications for thread items and issues reverse requests for
// command and file-change approvals.
package codex

import "encoding/json"

// Request is a host→server call. Notifications omit the id.
type Request struct {
	ID     any             `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request in either direction.
type Response struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Host→server methods.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // notification
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
	MethodModelList     = "model/list"
)

// Server→host notifications and reverse requests.
const (
	NotifyThreadStarted              = "thread/started"
	NotifyTurnStarted                = "turn/started"
	NotifyTurnCompleted              = "turn/completed"
	NotifyItemStarted                = "item/started"
	NotifyItemCompleted              = "item/completed"
	NotifyItemAgentMessageDelta      = "item/agentMessage/delta"
	NotifyItemCmdExecOutputDelta     = "item/commandExecution/outputDelta"
	NotifyError                      = "error"
	RequestCmdExecApproval           = "item/commandExecution/requestApproval"
	RequestFileChangeApproval        = "item/fileChange/requestApproval"
)

// Approval decisions for reverse requests.
const (
	DecisionAccept  = "accept"
	DecisionDecline = "decline"
	DecisionCancel  = "cancel"
)

// InitializeParams identifies the client.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo names the connecting host.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ThreadStartParams opens a fresh thread.
type ThreadStartParams struct {
	Model          string         `json:"model,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"` // untrusted, on-request, never
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
}

// SandboxPolicy constrains what the agent may touch. Type values are
// kebab-case: read-only, workspace-write, danger-full-access.
type SandboxPolicy struct {
	Type          string   `json:"type"`
	WritableRoots []string `json:"writableRoots,omitempty"`
	NetworkAccess bool     `json:"networkAccess,omitempty"`
}

// Thread is a Codex conversation.
type Thread struct {
	ID        string `json:"id"`
	Preview   string `json:"preview,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// ThreadStartResult wraps the new thread.
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadResumeParams reopens a persisted thread.
type ThreadResumeParams struct {
	ThreadID       string         `json:"threadId"`
	Cwd            string         `json:"cwd,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"`
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
}

// ThreadResumeResult wraps the resumed thread.
type ThreadResumeResult struct {
	Thread *Thread `json:"thread"`
}

// UserInput is one element of a turn's input.
type UserInput struct {
	Type string `json:"type"` // text, image
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"` // data: URL for inline images
}

// TurnStartParams starts a turn on a thread.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// TurnInterruptParams aborts the in-flight turn.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
}

// Item is one unit of turn output: a message, a command execution, a
// file change, or reasoning.
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`   // userMessage, agentMessage, commandExecution, fileChange, reasoning, mcpToolCall
	Status string `json:"status"` // inProgress, completed, failed

	// commandExecution.
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`

	// fileChange.
	Changes []FileChange `json:"changes,omitempty"`

	// agentMessage and reasoning. The server sends these either as a
	// plain string or as typed content parts.
	Text    string          `json:"text,omitempty"`
	Content FlexibleContent `json:"content,omitempty"`
	Summary FlexibleContent `json:"summary,omitempty"`

	// mcpToolCall.
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// PlainText flattens an item's message text.
func (it *Item) PlainText() string {
	if it.Text != "" {
		return it.Text
	}
	var out string
	for _, part := range it.Content {
		out += part.Text
	}
	return out
}

// FileChange is one edit within a fileChange item.
type FileChange struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
	Diff string         `json:"diff,omitempty"`
}

// FileChangeKind tags how the file changed: add, modify, delete.
type FileChangeKind struct {
	Type string `json:"type"`
}

// ContentPart is a typed fragment of message content.
type ContentPart struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// FlexibleContent accepts both the string and the content-part-array
// encodings the server uses interchangeably.
type FlexibleContent []ContentPart

func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*fc = parts
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fc = []ContentPart{{Type: "text", Text: str}}
		return nil
	}
	*fc = nil
	return nil
}

// ItemParams carries item/started and item/completed notifications.
type ItemParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// AgentMessageDeltaParams carries item/agentMessage/delta.
type AgentMessageDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// TurnCompletedParams carries turn/completed.
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// CommandApprovalParams is the reverse request for running a command.
type CommandApprovalParams struct {
	ThreadID  string `json:"threadId"`
	TurnID    string `json:"turnId"`
	ItemID    string `json:"itemId"`
	Command   string `json:"command"`
	Cwd       string `json:"cwd,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// FileChangeApprovalParams is the reverse request for applying an edit.
type FileChangeApprovalParams struct {
	ThreadID  string `json:"threadId"`
	TurnID    string `json:"turnId"`
	ItemID    string `json:"itemId"`
	Path      string `json:"path"`
	Diff      string `json:"diff,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ApprovalResponse answers either approval reverse request.
type ApprovalResponse struct {
	Decision string `json:"decision"`
}

// ErrorParams carries the error notification.
type ErrorParams struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Model is one entry of a model/list result.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
}

// ModelListResult wraps model/list.
type ModelListResult struct {
	Models []Model `json:"models"`
}

// Package protocol defines the client-visible wire types for the host's
// WebSocket surface: the flat JSON envelope, the message taxonomy, and
// the payload structs shared between the host and its clients.
//
// Every inbound message carries a "type"; RPC-style messages also carry a
// "requestId" and receive exactly one "<type>_response" with the same id.
// Server pushes (stream events, subscription updates) carry no requestId.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the decoded head of any inbound JSON frame. Payload retains
// the full original message so handlers can unmarshal their typed params.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"-"`
}

// ParseEnvelope decodes the type and requestId from a raw frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}
	env.Payload = data
	return &env, nil
}

// ResponseType derives the response message type for a request type.
func ResponseType(requestType string) string { return requestType + "_response" }

// Inbound message types (client → host).
const (
	// Session bootstrap.
	TypeHeartbeat         = "heartbeat"
	TypeRegisterPushToken = "register_push_token"

	// Agent lifecycle.
	TypeCreateAgent            = "create_agent"
	TypeSendMessage            = "send_message"
	TypeCancelTurn             = "cancel_turn"
	TypeRespondToPermission    = "respond_to_permission"
	TypeArchiveAgent           = "archive_agent"
	TypeUpdateAgent            = "update_agent"
	TypeDeleteAgent            = "delete_agent"
	TypeFetchAgents            = "fetch_agents"
	TypeFetchAgent             = "fetch_agent"
	TypeFetchAgentTimeline     = "fetch_agent_timeline"
	TypeEnsureAgentInitialized = "ensure_agent_initialized"
	TypeRefreshAgent           = "refresh_agent"
	TypeSetMode                = "set_mode"
	TypeListProviderModels     = "list_provider_models"
	TypeListCommands           = "list_commands"

	// Agent streams and the directory.
	TypeSubscribeAgent            = "subscribe_agent"
	TypeUnsubscribeAgent          = "unsubscribe_agent"
	TypeSubscribeAgentDirectory   = "subscribe_agent_directory"
	TypeUnsubscribeAgentDirectory = "unsubscribe_agent_directory"

	// Files and git.
	TypeExploreFilesystem       = "explore_filesystem"
	TypeRequestDownloadToken    = "request_download_token"
	TypeSubscribeCheckoutDiff   = "subscribe_checkout_diff"
	TypeUnsubscribeCheckoutDiff = "unsubscribe_checkout_diff"
	TypeGetHighlightedDiff      = "get_highlighted_diff"
	TypeCheckoutStatus          = "checkout_status"
	TypeCheckoutPRStatus        = "checkout_pr_status"

	// Terminals.
	TypeListTerminals       = "list_terminals"
	TypeCreateTerminal      = "create_terminal"
	TypeSubscribeTerminal   = "subscribe_terminal"
	TypeUnsubscribeTerminal = "unsubscribe_terminal"
	TypeSendTerminalInput   = "send_terminal_input"
	TypeKillTerminal        = "kill_terminal"
)

// Outbound message types (host → client).
const (
	TypeWelcome              = "welcome"
	TypeHeartbeatAck         = "heartbeat_ack"
	TypeAgentState           = "agent_state"
	TypeAgentStream          = "agent_stream"
	TypeAgentDirectoryUpdate = "agent_directory_update"
	TypePermissionRequested  = "permission_requested"
	TypePermissionResolved   = "permission_resolved"
	TypeCheckoutDiffUpdate   = "checkout_diff_update"
	TypeHighlightedDiff      = "highlighted_diff_update"
	TypeTerminalState        = "terminal_state"
	TypeError                = "error"
)

// Response is the generic RPC response envelope. Concrete payload fields
// are flattened next to it by each response struct.
type Response struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Error     string `json:"error,omitempty"`
}

// Welcome is the first server→client frame on every connection.
type Welcome struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	Resumed  bool   `json:"resumed"`
}

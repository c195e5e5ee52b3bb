// Package events provides event subjects and helpers for the host event system.
package events

// Event types for the agent directory
const (
	AgentCreated  = "agent.created"
	AgentUpdated  = "agent.updated"
	AgentArchived = "agent.archived"
	AgentDeleted  = "agent.deleted"
)

// Event types for per-agent streams
const (
	AgentStream = "agent.stream" // Timeline items and streaming deltas
	AgentState  = "agent.state"  // Full agent snapshot after a state change
)

// Event types for permission requests
const (
	PermissionRequested = "permission.requested" // Agent parked a turn on a permission
	PermissionResolved  = "permission.resolved"  // Permission approved, denied, or timed out
)

// Event types for terminal I/O
const (
	TerminalOutput = "terminal.output" // Raw PTY output bytes
	TerminalState  = "terminal.state"  // Screen snapshot or lifecycle change
	TerminalExit   = "terminal.exit"   // Terminal process exited
)

// Event types for checkout (working tree) watching
const (
	CheckoutDiffUpdated = "checkout.diff" // Recomputed diff for a watched checkout
)

// BuildAgentStreamSubject creates an agent stream subject for a specific agent
func BuildAgentStreamSubject(agentID string) string {
	return AgentStream + "." + agentID
}

// BuildAgentStreamWildcardSubject creates a wildcard subscription for all agent stream events
func BuildAgentStreamWildcardSubject() string {
	return AgentStream + ".*"
}

// BuildAgentStateSubject creates an agent state subject for a specific agent
func BuildAgentStateSubject(agentID string) string {
	return AgentState + "." + agentID
}

// BuildAgentStateWildcardSubject creates a wildcard subscription for all agent state events
func BuildAgentStateWildcardSubject() string {
	return AgentState + ".*"
}

// BuildPermissionRequestedSubject creates a permission request subject for a specific agent
func BuildPermissionRequestedSubject(agentID string) string {
	return PermissionRequested + "." + agentID
}

// BuildPermissionRequestedWildcardSubject creates a wildcard subscription for all permission requests
func BuildPermissionRequestedWildcardSubject() string {
	return PermissionRequested + ".*"
}

// BuildPermissionResolvedSubject creates a permission resolution subject for a specific agent
func BuildPermissionResolvedSubject(agentID string) string {
	return PermissionResolved + "." + agentID
}

// BuildPermissionResolvedWildcardSubject creates a wildcard subscription for all permission resolutions
func BuildPermissionResolvedWildcardSubject() string {
	return PermissionResolved + ".*"
}

// BuildTerminalOutputSubject creates a terminal output subject for a specific terminal
func BuildTerminalOutputSubject(terminalID string) string {
	return TerminalOutput + "." + terminalID
}

// BuildTerminalOutputWildcardSubject creates a wildcard subscription for all terminal output events
func BuildTerminalOutputWildcardSubject() string {
	return TerminalOutput + ".*"
}

// BuildTerminalStateSubject creates a terminal state subject for a specific terminal
func BuildTerminalStateSubject(terminalID string) string {
	return TerminalState + "." + terminalID
}

// BuildTerminalStateWildcardSubject creates a wildcard subscription for all terminal state events
func BuildTerminalStateWildcardSubject() string {
	return TerminalState + ".*"
}

// BuildTerminalExitSubject creates a terminal exit subject for a specific terminal
func BuildTerminalExitSubject(terminalID string) string {
	return TerminalExit + "." + terminalID
}

// BuildTerminalExitWildcardSubject creates a wildcard subscription for all terminal exit events
func BuildTerminalExitWildcardSubject() string {
	return TerminalExit + ".*"
}

// BuildCheckoutDiffSubject creates a checkout diff subject for a specific watch
func BuildCheckoutDiffSubject(watchID string) string {
	return CheckoutDiffUpdated + "." + watchID
}

// BuildCheckoutDiffWildcardSubject creates a wildcard subscription for all checkout diff events
func BuildCheckoutDiffWildcardSubject() string {
	return CheckoutDiffUpdated + ".*"
}

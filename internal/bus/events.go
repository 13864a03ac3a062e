package bus

// Event names emitted by the host. These strings are the contract the rest
// of the system (CLI tail, external subscribers) depends on. Subscribers
// match on the exact name or on "*" for everything.
const (
	EventAgentStarted    = "agent:started"
	EventAgentStopped    = "agent:stopped"
	EventAgentMessage    = "agent:message"
	EventAgentThinking   = "agent:thinking"
	EventAgentToolCall   = "agent:tool_call"
	EventAgentToolResult = "agent:tool_result"
	EventAgentError      = "agent:error"

	EventSubagentSpawned   = "subagent:spawned"
	EventSubagentCompleted = "subagent:completed"

	EventApprovalRequested = "approval:requested"
	EventApprovalResolved  = "approval:resolved"

	EventHeartbeatRan = "heartbeat:ran"

	EventAutonomyTurnStarted        = "autonomy:turn_started"
	EventAutonomyTurnCompleted      = "autonomy:turn_completed"
	EventAutonomyPrecheckSkipped    = "autonomy:precheck_skipped"
	EventAutonomyGuardrailTriggered = "autonomy:guardrail_triggered"
	EventAutonomySensorUpdated      = "autonomy:sensor_updated"
	EventAutonomySensorError        = "autonomy:sensor_error"
	EventAutonomyNotificationPushed = "autonomy:notification_pushed"
)

package websocket

// Action constants for client requests
const (
	// Health
	ActionHealthCheck = "health.check"

	// Session actions (orchestrator endpoint)
	ActionSessionCreate = "session.create"
	ActionSessionJoin   = "session.join"
	ActionSessionLeave  = "session.leave"
	ActionSessionRecent = "session.recent"

	// Orchestration actions (orchestrator endpoint)
	ActionOrchestrationSend = "orchestration.send"

	// Agent actions (agent endpoint)
	ActionAgentSend        = "agent.send"
	ActionAgentExecuteTool = "agent.execute_tool"
	ActionAgentSubscribe   = "agent.subscribe"
	ActionAgentUnsubscribe = "agent.unsubscribe"
)

// Server push method names (server -> client). These match the public hub
// surface, so clients dispatch on them directly.
const (
	PushConnected                = "Connected"
	PushReceiveError             = "ReceiveError"
	PushSessionCreated           = "SessionCreated"
	PushSessionJoined            = "SessionJoined"
	PushSessionEnded             = "SessionEnded"
	PushReceiveAgentResponse     = "ReceiveAgentResponse"
	PushToolExecutionUpdate      = "ToolExecutionUpdate"
	PushAgentStatusUpdate        = "AgentStatusUpdate"
	PushOrchestrationPlanCreated = "OrchestrationPlanCreated"
	PushOrchestrationProgress    = "OrchestrationProgress"
	PushOrchestrationCompleted   = "OrchestrationCompleted"
)

// Error codes
const (
	ErrorCodeBadRequest         = "BAD_REQUEST"
	ErrorCodeNotFound           = "NOT_FOUND"
	ErrorCodeInternalError      = "INTERNAL_ERROR"
	ErrorCodeForbidden          = "FORBIDDEN"
	ErrorCodePreconditionFailed = "PRECONDITION_FAILED"
	ErrorCodeTimeout            = "TIMEOUT"
	ErrorCodeCancelled          = "CANCELLED"
	ErrorCodeAdapterFailure     = "ADAPTER_FAILURE"
	ErrorCodeValidation         = "VALIDATION_ERROR"
	ErrorCodeUnknownAction      = "UNKNOWN_ACTION"
)

// Package events defines event types and subject builders for the agentmesh
// event system.
package events

// Event types for sessions
const (
	SessionCreated = "session.created"
	SessionEnded   = "session.ended"
	MessageAdded   = "message.added"
)

// Event types for agents
const (
	AgentStatusChanged = "agent.status_changed"
)

// Event types for orchestration
const (
	OrchestrationStepCompleted = "orchestration.step_completed"
	OrchestrationProgress      = "orchestration.progress"
)

// BuildSessionSubject creates a session-scoped subject for an event type
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildSessionWildcardSubject creates a wildcard subscription for all
// session-scoped events of a type
func BuildSessionWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildAgentStatusSubject creates an agent status subject for a specific agent
func BuildAgentStatusSubject(agentID string) string {
	return AgentStatusChanged + "." + agentID
}

// BuildAgentStatusWildcardSubject creates a wildcard subscription for all
// agent status events
func BuildAgentStatusWildcardSubject() string {
	return AgentStatusChanged + ".*"
}

// BuildMessageAddedSubject creates a message subject for a specific session
func BuildMessageAddedSubject(sessionID string) string {
	return MessageAdded + "." + sessionID
}

// BuildMessageAddedWildcardSubject creates a wildcard subscription for all
// message events
func BuildMessageAddedWildcardSubject() string {
	return MessageAdded + ".*"
}

// BuildStepCompletedSubject creates a step-completed subject for a session
func BuildStepCompletedSubject(sessionID string) string {
	return OrchestrationStepCompleted + "." + sessionID
}

// BuildStepCompletedWildcardSubject creates a wildcard subscription for all
// step-completed events
func BuildStepCompletedWildcardSubject() string {
	return OrchestrationStepCompleted + ".*"
}

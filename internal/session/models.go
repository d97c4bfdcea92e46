// Package session holds the conversation domain model and the session
// manager that governs it.
package session

import "time"

// Type classifies how a session is driven.
type Type string

const (
	TypeSingleAgent  Type = "single_agent"
	TypeMultiAgent   Type = "multi_agent"
	TypeOrchestrated Type = "orchestrated"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusArchived  Status = "archived"
)

// Role identifies the author role of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// UserAgentID is the sentinel agent id for messages authored by the user.
const UserAgentID = "user"

// Session is a conversation context binding participants and messages.
type Session struct {
	ID                  string                 `json:"id"`
	Name                string                 `json:"name"`
	Type                Type                   `json:"type"`
	Status              Status                 `json:"status"`
	CreatedAt           time.Time              `json:"created_at"`
	LastActivityAt      time.Time              `json:"last_activity_at"`
	ParticipantAgentIDs []string               `json:"participant_agent_ids"` // insertion order is significant
	Messages            []*AgentMessage        `json:"messages,omitempty"`
	Context             map[string]interface{} `json:"context,omitempty"`
	WorkingDirectory    string                 `json:"working_directory,omitempty"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	out := *s
	out.ParticipantAgentIDs = append([]string(nil), s.ParticipantAgentIDs...)
	if s.Messages != nil {
		out.Messages = make([]*AgentMessage, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	if s.Context != nil {
		out.Context = make(map[string]interface{}, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	return &out
}

// AgentMessage is one entry in a session's message log. Immutable once
// appended.
type AgentMessage struct {
	ID             string                 `json:"id"`
	SessionID      string                 `json:"session_id"`
	AgentID        string                 `json:"agent_id"` // authoring agent id, or UserAgentID
	Role           Role                   `json:"role"`
	Content        string                 `json:"content"`
	Timestamp      time.Time              `json:"timestamp"`
	Attachments    []Attachment           `json:"attachments,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	ToolCalls      []*ToolCall            `json:"tool_calls,omitempty"`
	SequenceNumber int64                  `json:"sequence_number"`
}

// Attachment describes a file carried by a message.
type Attachment struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
	Content  []byte `json:"content,omitempty"`
}

// ToolCall is a structured request to run a named tool.
type ToolCall struct {
	ID         string                 `json:"id"`
	ToolName   string                 `json:"tool_name"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Result     *ToolResult            `json:"result,omitempty"`
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	Success       bool                   `json:"success"`
	Output        string                 `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	ExecutionTime time.Duration          `json:"execution_time"`
}

// Snapshot captures a session's state at a point in time.
type Snapshot struct {
	ID           string                 `json:"id"`
	SessionID    string                 `json:"session_id"`
	CreatedAt    time.Time              `json:"created_at"`
	Description  string                 `json:"description,omitempty"`
	SessionState *Session               `json:"session_state"`
	AgentStates  map[string]interface{} `json:"agent_states,omitempty"`
}

// CreateSessionRequest carries the parameters for creating a session.
type CreateSessionRequest struct {
	Name             string   `json:"name"`
	Type             Type     `json:"type"`
	AgentIDs         []string `json:"agent_ids,omitempty"`
	WorkingDirectory string   `json:"working_directory,omitempty"`
}

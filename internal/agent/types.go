// Package agent implements the agent runtime: the status state machine,
// streaming message delivery, tool dispatch and the factory/registry.
package agent

import (
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentmesh/agentmesh/internal/session"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusReady         Status = "ready"
	StatusProcessing    Status = "processing"
	StatusError         Status = "error"
	StatusShutdown      Status = "shutdown"
)

// validTransitions encodes the agent state machine. Shutdown is terminal.
var validTransitions = map[Status][]Status{
	StatusUninitialized: {StatusInitializing, StatusError, StatusShutdown},
	StatusInitializing:  {StatusReady, StatusError, StatusShutdown},
	StatusReady:         {StatusProcessing, StatusError, StatusShutdown},
	StatusProcessing:    {StatusReady, StatusError, StatusShutdown},
	StatusError:         {StatusInitializing, StatusShutdown},
	StatusShutdown:      {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Capabilities describes what an agent adapter supports.
type Capabilities struct {
	SupportsStreaming      bool     `json:"supports_streaming"`
	SupportsTools          bool     `json:"supports_tools"`
	SupportsFileOperations bool     `json:"supports_file_operations"`
	SupportedModels        []string `json:"supported_models,omitempty"`
}

// ResponseType classifies a streamed response chunk.
type ResponseType string

const (
	ResponseTypeAssistant ResponseType = "assistant"
	ResponseTypeTool      ResponseType = "tool"
	ResponseTypeError     ResponseType = "error"
)

// AgentResponse is one chunk of an agent's reply. A completed turn produces
// at least one chunk; the final chunk carries IsComplete=true.
type AgentResponse struct {
	Content    string                 `json:"content"`
	Type       ResponseType           `json:"type"`
	IsComplete bool                   `json:"is_complete"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	ToolCalls  []*session.ToolCall    `json:"tool_calls,omitempty"`
}

// MetadataCancelled marks the terminal chunk of a cancelled stream.
const MetadataCancelled = "cancelled"

// AgentInfo is the registry's public view of an agent.
type AgentInfo struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Type           string       `json:"type"`
	Status         Status       `json:"status"`
	Capabilities   Capabilities `json:"capabilities"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
}

// Limits bounds the agent runtime. A zero value leaves that dimension
// unbounded.
type Limits struct {
	// MaxConcurrent caps how many agents may be in Processing at once.
	MaxConcurrent int
	// StreamChunkMaxSize caps the size of a streamed response chunk.
	StreamChunkMaxSize int
	// ToolTimeout bounds a single tool call.
	ToolTimeout time.Duration
}

// Config carries adapter configuration. The core treats it as opaque apart
// from the identity fields.
type Config struct {
	ID       string                 `json:"id" yaml:"id"`
	Name     string                 `json:"name" yaml:"name"`
	Type     string                 `json:"type" yaml:"type"`
	Settings map[string]interface{} `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Stamped by the registry before the factory runs. The gate is shared
	// by every agent the registry creates.
	limits Limits
	gate   *semaphore.Weighted
}

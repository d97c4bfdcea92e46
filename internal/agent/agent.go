package agent

import (
	"context"

	"github.com/agentmesh/agentmesh/internal/session"
)

// Agent is the contract every adapter implements. Adapters know nothing
// about transports; the hub layer consumes streams and fans chunks out.
type Agent interface {
	// Info returns the agent's identity and capabilities
	Info() AgentInfo

	// Status returns the current lifecycle status
	Status() Status

	// Capabilities returns what this adapter supports
	Capabilities() Capabilities

	// Initialize prepares the agent for use. On success the agent is Ready.
	Initialize(ctx context.Context) error

	// SendMessage produces the complete response for a message in one piece
	SendMessage(ctx context.Context, msg *session.AgentMessage) (*AgentResponse, error)

	// SendMessageStream produces a finite sequence of response chunks. The
	// final chunk has IsComplete=true. The channel is closed when the turn
	// ends. Single consumer: the adapter produces the next chunk only after
	// the previous one has been accepted. Cancelling the context terminates
	// the stream within a bounded time; the terminal chunk then carries a
	// cancelled marker in its metadata.
	SendMessageStream(ctx context.Context, msg *session.AgentMessage) (<-chan *AgentResponse, error)

	// ExecuteTool runs a named tool exposed by this agent
	ExecuteTool(ctx context.Context, call *session.ToolCall) (*session.ToolResult, error)

	// Reset returns an errored agent to a usable state
	Reset(ctx context.Context) error

	// Shutdown releases the agent's resources. Terminal.
	Shutdown(ctx context.Context) error
}

// Package router delivers agent, tool and orchestration messages to the
// correct transport groups.
package router

import (
	"strings"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	gw "github.com/agentmesh/agentmesh/internal/gateway/websocket"
	"github.com/agentmesh/agentmesh/internal/orchestrator"
	ws "github.com/agentmesh/agentmesh/pkg/websocket"
)

// GroupSender is the transport surface the router needs. The WebSocket hub
// satisfies it.
type GroupSender interface {
	BroadcastToGroup(group string, msg *ws.Message)
}

// AgentResponseDto is the wire shape for a streamed agent response chunk.
type AgentResponseDto struct {
	AgentID   string               `json:"agent_id"`
	SessionID string               `json:"session_id"`
	Response  *agent.AgentResponse `json:"response"`
	CommandID string               `json:"command_id,omitempty"`
}

// ToolExecutionDto is the wire shape for a tool execution update.
type ToolExecutionDto struct {
	AgentID   string      `json:"agent_id"`
	SessionID string      `json:"session_id"`
	Update    interface{} `json:"update"`
}

// MessageRouter fans logical addressing intents out to transport groups.
// Transport failures are logged and swallowed so producers never block on a
// dead subscriber.
type MessageRouter struct {
	sender GroupSender
	logger *logger.Logger
}

// NewMessageRouter creates a router over a transport
func NewMessageRouter(sender GroupSender, log *logger.Logger) *MessageRouter {
	return &MessageRouter{
		sender: sender,
		logger: log.WithFields(zap.String("component", "message_router")),
	}
}

// RouteAgentMessage fans a response chunk out to the agent group and the
// session group as a ReceiveAgentResponse push.
func (r *MessageRouter) RouteAgentMessage(sessionID, agentID string, response *agent.AgentResponse, commandID string) {
	dto := AgentResponseDto{
		AgentID:   agentID,
		SessionID: sessionID,
		Response:  response,
		CommandID: commandID,
	}

	msg, err := ws.NewNotification(ws.PushReceiveAgentResponse, dto)
	if err != nil {
		r.logger.Error("Failed to build agent response notification",
			zap.String("session_id", sessionID),
			zap.String("agent_id", agentID),
			zap.Error(err))
		return
	}

	r.sender.BroadcastToGroup(gw.AgentGroup(agentID), msg)
	r.sender.BroadcastToGroup(gw.SessionGroup(sessionID), msg)
}

// RouteToolExecutionUpdate fans a tool execution update out to the agent
// group and the session group.
func (r *MessageRouter) RouteToolExecutionUpdate(sessionID, agentID string, update interface{}) {
	dto := ToolExecutionDto{
		AgentID:   agentID,
		SessionID: sessionID,
		Update:    update,
	}

	msg, err := ws.NewNotification(ws.PushToolExecutionUpdate, dto)
	if err != nil {
		r.logger.Error("Failed to build tool execution notification",
			zap.String("session_id", sessionID),
			zap.String("agent_id", agentID),
			zap.Error(err))
		return
	}

	r.sender.BroadcastToGroup(gw.AgentGroup(agentID), msg)
	r.sender.BroadcastToGroup(gw.SessionGroup(sessionID), msg)
}

// RouteOrchestrationUpdate pushes orchestration progress to the session
// group only.
func (r *MessageRouter) RouteOrchestrationUpdate(sessionID string, progress *orchestrator.Progress) {
	msg, err := ws.NewNotification(ws.PushOrchestrationProgress, progress)
	if err != nil {
		r.logger.Error("Failed to build orchestration notification",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	r.sender.BroadcastToGroup(gw.SessionGroup(sessionID), msg)
}

// BroadcastToSession pushes an arbitrary method to a session group. Method
// names beginning with "Agent" belong to the agent hub surface and the rest
// to the orchestrator hub surface; both share the same transport, so the
// distinction only affects logging.
func (r *MessageRouter) BroadcastToSession(sessionID, method string, payload interface{}) {
	msg, err := ws.NewNotification(method, payload)
	if err != nil {
		r.logger.Error("Failed to build session notification",
			zap.String("session_id", sessionID),
			zap.String("method", method),
			zap.Error(err))
		return
	}

	surface := "orchestrator"
	if strings.HasPrefix(method, "Agent") {
		surface = "agent"
	}
	r.logger.Debug("Broadcasting to session",
		zap.String("session_id", sessionID),
		zap.String("method", method),
		zap.String("hub", surface))

	r.sender.BroadcastToGroup(gw.SessionGroup(sessionID), msg)
}

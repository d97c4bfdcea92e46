// Package handlers exposes the agent-facing WebSocket surface: sending
// messages, executing tools and subscribing to agent status.
package handlers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/common/apperr"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	gw "github.com/agentmesh/agentmesh/internal/gateway/websocket"
	"github.com/agentmesh/agentmesh/internal/router"
	"github.com/agentmesh/agentmesh/internal/session"
	"github.com/agentmesh/agentmesh/internal/session/manager"
	ws "github.com/agentmesh/agentmesh/pkg/websocket"
)

// SendMessageRequest asks an agent to respond within a session.
type SendMessageRequest struct {
	SessionID   string               `json:"session_id"`
	AgentID     string               `json:"agent_id"`
	Content     string               `json:"content"`
	Attachments []session.Attachment `json:"attachments,omitempty"`
	CommandID   string               `json:"command_id,omitempty"`
}

// ExecuteToolRequest runs a named tool on an agent.
type ExecuteToolRequest struct {
	SessionID  string                 `json:"session_id,omitempty"`
	AgentID    string                 `json:"agent_id"`
	ToolName   string                 `json:"tool_name"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// ToolExecutionResponse is the reply to ExecuteToolRequest. Failures are
// carried in the body, never as a transport error.
type ToolExecutionResponse struct {
	Success       bool   `json:"success"`
	Output        string `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`
	ExecutionTime int64  `json:"execution_time_ms"`
}

// SubscribeRequest names the agent whose status the caller wants.
type SubscribeRequest struct {
	AgentID string `json:"agent_id"`
}

// AgentStatusDto is pushed to a subscriber on join and on status changes.
type AgentStatusDto struct {
	AgentID      string             `json:"agent_id"`
	Status       agent.Status       `json:"status"`
	Capabilities agent.Capabilities `json:"capabilities"`
}

// ErrorDto is the ReceiveError payload for void agent methods.
type ErrorDto struct {
	Error     string `json:"error"`
	AgentID   string `json:"agent_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Transport is the hub surface the handlers need. The gateway hub
// satisfies it.
type Transport interface {
	SendToConnection(connectionID string, msg *ws.Message) bool
	JoinGroup(connectionID, group string) bool
	LeaveGroup(connectionID, group string)
}

// AgentHandlers implements the agent hub surface over the shared transport.
type AgentHandlers struct {
	hub      Transport
	registry *agent.Registry
	sessions *manager.Manager
	router   *router.MessageRouter
	logger   *logger.Logger
}

// NewAgentHandlers creates the agent hub handlers
func NewAgentHandlers(hub Transport, registry *agent.Registry, sessions *manager.Manager, r *router.MessageRouter, log *logger.Logger) *AgentHandlers {
	return &AgentHandlers{
		hub:      hub,
		registry: registry,
		sessions: sessions,
		router:   r,
		logger:   log.WithFields(zap.String("component", "agent_handlers")),
	}
}

// Register installs the agent actions on a dispatcher
func (h *AgentHandlers) Register(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionAgentSend, h.handleSend)
	d.RegisterFunc(ws.ActionAgentExecuteTool, h.handleExecuteTool)
	d.RegisterFunc(ws.ActionAgentSubscribe, h.handleSubscribe)
	d.RegisterFunc(ws.ActionAgentUnsubscribe, h.handleUnsubscribe)
}

// pushError delivers a ReceiveError notification to the calling connection.
// Void methods report every failure this way instead of erroring the
// dispatch.
func (h *AgentHandlers) pushError(ctx context.Context, dto ErrorDto) {
	connID, ok := gw.ConnectionIDFromContext(ctx)
	if !ok {
		h.logger.Warn("No connection in context for error push", zap.String("error", dto.Error))
		return
	}
	msg, err := ws.NewNotification(ws.PushReceiveError, dto)
	if err != nil {
		h.logger.Error("Failed to build error notification", zap.Error(err))
		return
	}
	h.hub.SendToConnection(connID, msg)
}

// handleSend implements SendAgentMessage: append the user message, stream
// the agent's reply through the router, then append one aggregated assistant
// record carrying all tool calls.
func (h *AgentHandlers) handleSend(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SendMessageRequest
	if err := msg.ParsePayload(&req); err != nil {
		h.pushError(ctx, ErrorDto{Error: "Invalid send request: " + err.Error()})
		return nil, nil
	}
	if req.SessionID == "" || req.AgentID == "" {
		h.pushError(ctx, ErrorDto{Error: "session_id and agent_id are required", AgentID: req.AgentID, SessionID: req.SessionID})
		return nil, nil
	}

	s, err := h.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		h.pushError(ctx, ErrorDto{Error: "Failed to load session: " + err.Error(), SessionID: req.SessionID})
		return nil, nil
	}
	if s == nil {
		h.pushError(ctx, ErrorDto{Error: fmt.Sprintf("Session %s not found", req.SessionID), SessionID: req.SessionID})
		return nil, nil
	}

	userMsg := &session.AgentMessage{
		SessionID:   req.SessionID,
		AgentID:     session.UserAgentID,
		Role:        session.RoleUser,
		Content:     req.Content,
		Attachments: req.Attachments,
	}
	if err := h.sessions.AddMessage(ctx, req.SessionID, userMsg); err != nil {
		code := ws.ErrorCodeInternalError
		if apperr.Is(err, apperr.KindPreconditionFailed) {
			code = ws.ErrorCodePreconditionFailed
		}
		h.pushError(ctx, ErrorDto{Error: code + ": " + err.Error(), AgentID: req.AgentID, SessionID: req.SessionID})
		return nil, nil
	}

	ag, ok := h.registry.GetAgent(req.AgentID)
	if !ok {
		h.pushError(ctx, ErrorDto{Error: fmt.Sprintf("Agent %s not found", req.AgentID), AgentID: req.AgentID, SessionID: req.SessionID})
		return nil, nil
	}

	// The stream outlives this request; only the connection identity is
	// carried over.
	connID, _ := gw.ConnectionIDFromContext(ctx)
	userID, _ := gw.UserIDFromContext(ctx)
	streamCtx := gw.WithConnectionInfo(context.Background(), connID, userID)
	go h.streamResponse(streamCtx, ag, &req, userMsg)

	return nil, nil
}

// streamResponse consumes the agent's chunk stream, routing every chunk to
// the agent and session groups, and records the aggregated assistant reply.
func (h *AgentHandlers) streamResponse(ctx context.Context, ag agent.Agent, req *SendMessageRequest, userMsg *session.AgentMessage) {
	stream, err := ag.SendMessageStream(ctx, userMsg)
	if err != nil {
		h.pushError(ctx, ErrorDto{Error: "Agent failed to start: " + err.Error(), AgentID: req.AgentID, SessionID: req.SessionID})
		return
	}

	var content string
	var toolCalls []*session.ToolCall
	cancelled := false
	for chunk := range stream {
		h.router.RouteAgentMessage(req.SessionID, req.AgentID, chunk, req.CommandID)

		if chunk.Type == agent.ResponseTypeAssistant {
			content += chunk.Content
		}
		toolCalls = append(toolCalls, chunk.ToolCalls...)
		if chunk.IsComplete {
			if v, ok := chunk.Metadata[agent.MetadataCancelled].(bool); ok && v {
				cancelled = true
			}
		}
	}

	assistantMsg := &session.AgentMessage{
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		Role:      session.RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
	}
	if cancelled {
		assistantMsg.Metadata = map[string]interface{}{agent.MetadataCancelled: true}
	}
	if err := h.sessions.AddMessage(ctx, req.SessionID, assistantMsg); err != nil {
		h.logger.Error("Failed to record assistant message",
			zap.String("session_id", req.SessionID),
			zap.String("agent_id", req.AgentID),
			zap.Error(err))
	}
}

// handleExecuteTool runs a tool and always answers with a
// ToolExecutionResponse; failures travel in the body.
func (h *AgentHandlers) handleExecuteTool(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	started := time.Now()
	respond := func(resp ToolExecutionResponse) (*ws.Message, error) {
		resp.ExecutionTime = time.Since(started).Milliseconds()
		return ws.NewResponse(msg.ID, msg.Action, resp)
	}

	var req ExecuteToolRequest
	if err := msg.ParsePayload(&req); err != nil {
		return respond(ToolExecutionResponse{Error: "Invalid tool request: " + err.Error()})
	}
	if req.AgentID == "" || req.ToolName == "" {
		return respond(ToolExecutionResponse{Error: "agent_id and tool_name are required"})
	}

	ag, ok := h.registry.GetAgent(req.AgentID)
	if !ok {
		return respond(ToolExecutionResponse{Error: fmt.Sprintf("Agent %s not found", req.AgentID)})
	}

	call := &session.ToolCall{
		ToolName:   req.ToolName,
		Parameters: req.Parameters,
	}
	result, err := ag.ExecuteTool(ctx, call)
	if err != nil {
		return respond(ToolExecutionResponse{Error: err.Error()})
	}

	if req.SessionID != "" {
		h.router.RouteToolExecutionUpdate(req.SessionID, req.AgentID, map[string]interface{}{
			"tool_name": req.ToolName,
			"success":   result.Success,
		})
	}

	return respond(ToolExecutionResponse{
		Success: result.Success,
		Output:  result.Output,
		Error:   result.Error,
	})
}

// handleSubscribe joins the caller to the agent's group and immediately
// pushes the agent's current status.
func (h *AgentHandlers) handleSubscribe(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil || req.AgentID == "" {
		h.pushError(ctx, ErrorDto{Error: "Invalid subscribe request"})
		return nil, nil
	}

	connID, ok := gw.ConnectionIDFromContext(ctx)
	if !ok {
		return nil, nil
	}

	ag, found := h.registry.GetAgent(req.AgentID)
	if !found {
		h.pushError(ctx, ErrorDto{Error: fmt.Sprintf("Agent %s not found", req.AgentID), AgentID: req.AgentID})
		return nil, nil
	}

	h.hub.JoinGroup(connID, gw.AgentGroup(req.AgentID))

	status, err := ws.NewNotification(ws.PushAgentStatusUpdate, AgentStatusDto{
		AgentID:      req.AgentID,
		Status:       ag.Status(),
		Capabilities: ag.Capabilities(),
	})
	if err != nil {
		h.logger.Error("Failed to build status notification", zap.Error(err))
		return nil, nil
	}
	h.hub.SendToConnection(connID, status)
	return nil, nil
}

// handleUnsubscribe removes the caller from the agent's group.
func (h *AgentHandlers) handleUnsubscribe(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil || req.AgentID == "" {
		h.pushError(ctx, ErrorDto{Error: "Invalid unsubscribe request"})
		return nil, nil
	}

	connID, ok := gw.ConnectionIDFromContext(ctx)
	if !ok {
		return nil, nil
	}
	h.hub.LeaveGroup(connID, gw.AgentGroup(req.AgentID))
	return nil, nil
}

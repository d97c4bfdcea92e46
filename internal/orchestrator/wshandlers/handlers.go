// Package wshandlers exposes the orchestrator-facing WebSocket surface:
// session lifecycle actions and multi-agent orchestration runs.
package wshandlers

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	gw "github.com/agentmesh/agentmesh/internal/gateway/websocket"
	"github.com/agentmesh/agentmesh/internal/orchestrator"
	"github.com/agentmesh/agentmesh/internal/router"
	"github.com/agentmesh/agentmesh/internal/session"
	"github.com/agentmesh/agentmesh/internal/session/manager"
	ws "github.com/agentmesh/agentmesh/pkg/websocket"
)

const defaultRecentCount = 10

// Transport is the hub surface the handlers need. The gateway hub
// satisfies it.
type Transport interface {
	SendToConnection(connectionID string, msg *ws.Message) bool
	JoinGroup(connectionID, group string) bool
	LeaveGroup(connectionID, group string)
}

// CreateSessionResponse answers session.create.
type CreateSessionResponse struct {
	Success   bool             `json:"success"`
	SessionID string           `json:"session_id,omitempty"`
	Session   *session.Session `json:"session,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// JoinSessionRequest names the session to join or leave.
type JoinSessionRequest struct {
	SessionID string `json:"session_id"`
}

// SessionJoinedDto is pushed to the caller after a successful join.
type SessionJoinedDto struct {
	SessionID string           `json:"session_id"`
	Session   *session.Session `json:"session"`
}

// RecentSessionsRequest asks for the most recently active sessions.
type RecentSessionsRequest struct {
	Count int `json:"count"`
}

// RecentSessionsResponse answers session.recent.
type RecentSessionsResponse struct {
	Sessions []*session.Session `json:"sessions"`
}

// OrchestrationMessageRequest starts a multi-agent run within a session.
type OrchestrationMessageRequest struct {
	SessionID string                `json:"session_id"`
	Message   string                `json:"message"`
	AgentIDs  []string              `json:"agent_ids,omitempty"`
	Strategy  orchestrator.Strategy `json:"strategy,omitempty"`
}

// ErrorDto is the ReceiveError payload for void orchestrator methods.
type ErrorDto struct {
	Error     string `json:"error"`
	SessionID string `json:"session_id,omitempty"`
}

// OrchestratorHandlers implements the orchestrator hub surface.
type OrchestratorHandlers struct {
	hub          Transport
	connections  *gw.ConnectionManager
	sessions     *manager.Manager
	orchestrator *orchestrator.Orchestrator
	router       *router.MessageRouter
	logger       *logger.Logger

	// One cancellable run per session at a time.
	mu      sync.Mutex
	running map[string]*run
}

// run identifies one plan execution so a finished run only clears its own
// registration.
type run struct {
	cancel context.CancelFunc
}

// NewOrchestratorHandlers creates the orchestrator hub handlers
func NewOrchestratorHandlers(hub Transport, connections *gw.ConnectionManager, sessions *manager.Manager, o *orchestrator.Orchestrator, r *router.MessageRouter, log *logger.Logger) *OrchestratorHandlers {
	return &OrchestratorHandlers{
		hub:          hub,
		connections:  connections,
		sessions:     sessions,
		orchestrator: o,
		router:       r,
		logger:       log.WithFields(zap.String("component", "orchestrator_handlers")),
		running:      make(map[string]*run),
	}
}

// Register installs the session and orchestration actions on a dispatcher
func (h *OrchestratorHandlers) Register(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionSessionCreate, h.handleCreateSession)
	d.RegisterFunc(ws.ActionSessionJoin, h.handleJoinSession)
	d.RegisterFunc(ws.ActionSessionLeave, h.handleLeaveSession)
	d.RegisterFunc(ws.ActionSessionRecent, h.handleRecentSessions)
	d.RegisterFunc(ws.ActionOrchestrationSend, h.handleOrchestrationSend)
}

// CancelSession cancels the session's in-flight orchestration run, if any.
func (h *OrchestratorHandlers) CancelSession(sessionID string) {
	h.mu.Lock()
	r, ok := h.running[sessionID]
	h.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// Stop cancels every in-flight run.
func (h *OrchestratorHandlers) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.running {
		r.cancel()
		delete(h.running, id)
	}
}

func (h *OrchestratorHandlers) pushError(ctx context.Context, dto ErrorDto) {
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

// handleCreateSession creates a session, joins the caller to its group and
// announces it to that group. Failures come back as Success=false.
func (h *OrchestratorHandlers) handleCreateSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	respond := func(resp CreateSessionResponse) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, resp)
	}

	var req session.CreateSessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return respond(CreateSessionResponse{Error: "Invalid create request: " + err.Error()})
	}

	s, err := h.sessions.CreateSession(ctx, &req)
	if err != nil {
		return respond(CreateSessionResponse{Error: err.Error()})
	}

	if connID, ok := gw.ConnectionIDFromContext(ctx); ok {
		h.hub.JoinGroup(connID, gw.SessionGroup(s.ID))
		h.connections.AddUserToSession(connID, s.ID)
	}
	h.router.BroadcastToSession(s.ID, ws.PushSessionCreated, s)

	return respond(CreateSessionResponse{Success: true, SessionID: s.ID, Session: s})
}

// handleJoinSession adds the caller to an existing session's group and
// confirms with SessionJoined. An unknown session is a ReceiveError, not a
// join.
func (h *OrchestratorHandlers) handleJoinSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req JoinSessionRequest
	if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" {
		h.pushError(ctx, ErrorDto{Error: "Invalid join request"})
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

	connID, ok := gw.ConnectionIDFromContext(ctx)
	if !ok {
		return nil, nil
	}
	h.hub.JoinGroup(connID, gw.SessionGroup(s.ID))
	h.connections.AddUserToSession(connID, s.ID)

	joined, err := ws.NewNotification(ws.PushSessionJoined, SessionJoinedDto{SessionID: s.ID, Session: s})
	if err != nil {
		h.logger.Error("Failed to build joined notification", zap.Error(err))
		return nil, nil
	}
	h.hub.SendToConnection(connID, joined)
	return nil, nil
}

// handleLeaveSession removes the caller from a session's group.
func (h *OrchestratorHandlers) handleLeaveSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req JoinSessionRequest
	if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" {
		h.pushError(ctx, ErrorDto{Error: "Invalid leave request"})
		return nil, nil
	}

	connID, ok := gw.ConnectionIDFromContext(ctx)
	if !ok {
		return nil, nil
	}
	h.hub.LeaveGroup(connID, gw.SessionGroup(req.SessionID))
	h.connections.RemoveUserFromSession(connID, req.SessionID)
	return nil, nil
}

// handleRecentSessions answers with the most recently active sessions.
func (h *OrchestratorHandlers) handleRecentSessions(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req RecentSessionsRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid recent request", nil)
	}
	if req.Count <= 0 {
		req.Count = defaultRecentCount
	}

	sessions, err := h.sessions.GetRecentSessions(ctx, req.Count)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	return ws.NewResponse(msg.ID, msg.Action, RecentSessionsResponse{Sessions: sessions})
}

// handleOrchestrationSend creates a plan for the session, announces it, and
// executes it in the background. Progress and completion arrive as pushes to
// the session group.
func (h *OrchestratorHandlers) handleOrchestrationSend(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req OrchestrationMessageRequest
	if err := msg.ParsePayload(&req); err != nil {
		h.pushError(ctx, ErrorDto{Error: "Invalid orchestration request: " + err.Error()})
		return nil, nil
	}
	if req.SessionID == "" || req.Message == "" {
		h.pushError(ctx, ErrorDto{Error: "session_id and message are required", SessionID: req.SessionID})
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

	agentIDs := req.AgentIDs
	if len(agentIDs) == 0 {
		agentIDs = s.ParticipantAgentIDs
	}

	plan, err := h.orchestrator.CreatePlan(&orchestrator.PlanRequest{
		SessionID: req.SessionID,
		Goal:      req.Message,
		AgentIDs:  agentIDs,
		Strategy:  req.Strategy,
	})
	if err != nil {
		h.pushError(ctx, ErrorDto{Error: "Failed to create plan: " + err.Error(), SessionID: req.SessionID})
		return nil, nil
	}

	userMsg := &session.AgentMessage{
		SessionID: req.SessionID,
		AgentID:   session.UserAgentID,
		Role:      session.RoleUser,
		Content:   req.Message,
		Metadata:  map[string]interface{}{"plan_id": plan.ID},
	}
	if err := h.sessions.AddMessage(ctx, req.SessionID, userMsg); err != nil {
		h.pushError(ctx, ErrorDto{Error: "Failed to record message: " + err.Error(), SessionID: req.SessionID})
		return nil, nil
	}

	h.router.BroadcastToSession(req.SessionID, ws.PushOrchestrationPlanCreated, plan)

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel}
	h.mu.Lock()
	if prev, ok := h.running[req.SessionID]; ok {
		prev.cancel()
	}
	h.running[req.SessionID] = r
	h.mu.Unlock()

	go h.runPlan(runCtx, r, plan)
	return nil, nil
}

// runPlan executes a plan to completion and announces the result.
func (h *OrchestratorHandlers) runPlan(ctx context.Context, r *run, plan *orchestrator.Plan) {
	defer func() {
		r.cancel()
		h.mu.Lock()
		if h.running[plan.SessionID] == r {
			delete(h.running, plan.SessionID)
		}
		h.mu.Unlock()
	}()

	result, err := h.orchestrator.ExecutePlan(ctx, plan, h.router)
	if err != nil {
		h.logger.Error("Plan execution failed",
			zap.String("plan_id", plan.ID),
			zap.String("session_id", plan.SessionID),
			zap.Error(err))
		h.router.BroadcastToSession(plan.SessionID, ws.PushOrchestrationCompleted, orchestrator.Result{
			PlanID:  plan.ID,
			Success: false,
		})
		return
	}

	h.router.BroadcastToSession(plan.SessionID, ws.PushOrchestrationCompleted, result)
}

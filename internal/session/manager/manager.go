// Package manager implements session lifecycle on top of the repository:
// creation, ordered message appends, context merging, snapshots and the
// process-wide current session.
package manager

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/apperr"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/session"
	"github.com/agentmesh/agentmesh/internal/session/repository"
)

// Manager owns session lifecycle and the ordered message log.
type Manager struct {
	repo   repository.Repository
	bus    bus.EventBus
	logger *logger.Logger

	// Last session created or explicitly switched to by this process.
	// Single-user assumption; multi-user deployments should not use it.
	currentID atomic.Value // string
}

// NewManager creates a session manager
func NewManager(repo repository.Repository, eventBus bus.EventBus, log *logger.Logger) *Manager {
	m := &Manager{
		repo:   repo,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "session_manager")),
	}
	m.currentID.Store("")
	return m
}

// CreateSession creates an active session with an empty message log and
// makes it current. Emits SessionCreated.
func (m *Manager) CreateSession(ctx context.Context, req *session.CreateSessionRequest) (*session.Session, error) {
	if req == nil {
		return nil, apperr.InvalidArgument("create session request must not be nil")
	}

	now := time.Now().UTC()
	s := &session.Session{
		ID:                  uuid.New().String(),
		Name:                req.Name,
		Type:                req.Type,
		Status:              session.StatusActive,
		CreatedAt:           now,
		LastActivityAt:      now,
		ParticipantAgentIDs: append([]string(nil), req.AgentIDs...),
		WorkingDirectory:    req.WorkingDirectory,
	}
	if s.Type == "" {
		s.Type = session.TypeSingleAgent
	}

	if err := m.repo.CreateSession(ctx, s); err != nil {
		return nil, err
	}

	m.currentID.Store(s.ID)
	m.logger.Info("Session created",
		zap.String("session_id", s.ID),
		zap.String("session_type", string(s.Type)))

	m.publish(ctx, events.SessionCreated, events.BuildSessionSubject(events.SessionCreated, s.ID), map[string]interface{}{
		"session_id":   s.ID,
		"session_type": string(s.Type),
		"name":         s.Name,
	})
	return s, nil
}

// GetSession returns a session or nil when absent. An empty id is absent
// without a repository call.
func (m *Manager) GetSession(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, nil
	}

	s, err := m.repo.GetSession(ctx, id)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetCurrentSession returns the process-wide current session, or nil
func (m *Manager) GetCurrentSession(ctx context.Context) (*session.Session, error) {
	id, _ := m.currentID.Load().(string)
	return m.GetSession(ctx, id)
}

// SetCurrent switches the process-wide current session
func (m *Manager) SetCurrent(id string) {
	m.currentID.Store(id)
}

// GetRecentSessions returns up to count sessions by last activity
// descending. Non-positive counts return empty without hitting the
// repository.
func (m *Manager) GetRecentSessions(ctx context.Context, count int) ([]*session.Session, error) {
	if count <= 0 {
		return nil, nil
	}
	return m.repo.ListRecentSessions(ctx, count)
}

// AddMessage appends a message to a session's log. The repository assigns
// the sequence number; MessageAdded is emitted after the append is durable.
func (m *Manager) AddMessage(ctx context.Context, sessionID string, msg *session.AgentMessage) error {
	if sessionID == "" {
		return apperr.InvalidArgument("session id must not be empty")
	}
	if msg == nil {
		return apperr.InvalidArgument("message must not be nil")
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.SessionID = sessionID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	if err := m.repo.AddMessage(ctx, sessionID, msg); err != nil {
		return err
	}

	m.publish(ctx, events.MessageAdded, events.BuildMessageAddedSubject(sessionID), map[string]interface{}{
		"session_id":      sessionID,
		"message_id":      msg.ID,
		"agent_id":        msg.AgentID,
		"role":            string(msg.Role),
		"sequence_number": msg.SequenceNumber,
	})
	return nil
}

// UpdateSessionContext merges entries into a session's context
func (m *Manager) UpdateSessionContext(ctx context.Context, sessionID string, entries map[string]interface{}) error {
	if sessionID == "" {
		return apperr.InvalidArgument("session id must not be empty")
	}
	if len(entries) == 0 {
		return nil
	}

	s, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if s.Context == nil {
		s.Context = make(map[string]interface{}, len(entries))
	}
	for k, v := range entries {
		s.Context[k] = v
	}
	s.LastActivityAt = time.Now().UTC()

	return m.repo.UpdateSession(ctx, s)
}

// EndSession completes a session. Returns false for an empty or unknown id.
// Ending an already-completed session is idempotent and still emits
// SessionEnded.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}

	s, err := m.repo.GetSession(ctx, sessionID)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.Status = session.StatusCompleted
	s.LastActivityAt = time.Now().UTC()
	if err := m.repo.UpdateSession(ctx, s); err != nil {
		return false, err
	}

	m.logger.Info("Session ended", zap.String("session_id", sessionID))
	m.publish(ctx, events.SessionEnded, events.BuildSessionSubject(events.SessionEnded, sessionID), map[string]interface{}{
		"session_id": sessionID,
	})
	return true, nil
}

// CreateSnapshot captures a session's current state. AgentStates is
// supplied by the caller when available.
func (m *Manager) CreateSnapshot(ctx context.Context, sessionID, description string, agentStates map[string]interface{}) (*session.Snapshot, error) {
	if sessionID == "" {
		return nil, apperr.InvalidArgument("session id must not be empty")
	}

	s, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	snapshot := &session.Snapshot{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		CreatedAt:    time.Now().UTC(),
		Description:  description,
		SessionState: s,
		AgentStates:  agentStates,
	}
	if err := m.repo.SaveSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// publish emits a bus event, logging failures instead of surfacing them
func (m *Manager) publish(ctx context.Context, eventType, subject string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, "session-manager", data)
	if err := m.bus.Publish(ctx, subject, event); err != nil {
		m.logger.Warn("Failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

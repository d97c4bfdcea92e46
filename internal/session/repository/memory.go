package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/common/apperr"
	"github.com/agentmesh/agentmesh/internal/session"
)

// sessionRecord keeps a stored session together with its sequence counter.
type sessionRecord struct {
	mu      sync.Mutex
	session *session.Session
	lastSeq int64
}

// MemoryRepository is an in-memory Repository for tests and ephemeral runs.
type MemoryRepository struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionRecord
	snapshots map[string]*session.Snapshot
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:  make(map[string]*sessionRecord),
		snapshots: make(map[string]*session.Snapshot),
	}
}

// CreateSession stores a new session
func (r *MemoryRepository) CreateSession(ctx context.Context, s *session.Session) error {
	if s == nil || s.ID == "" {
		return apperr.InvalidArgument("session requires an id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return apperr.Newf(apperr.KindPreconditionFailed, "session %s already exists", s.ID)
	}
	r.sessions[s.ID] = &sessionRecord{session: s.Clone()}
	return nil
}

// GetSession returns a copy of a session with its full message log
func (r *MemoryRepository) GetSession(ctx context.Context, id string) (*session.Session, error) {
	r.mu.RLock()
	rec, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFoundf("session %s not found", id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.session.Clone(), nil
}

// UpdateSession replaces the stored session state. The message log is owned
// by AddMessage and kept as-is.
func (r *MemoryRepository) UpdateSession(ctx context.Context, s *session.Session) error {
	if s == nil || s.ID == "" {
		return apperr.InvalidArgument("session requires an id")
	}

	r.mu.RLock()
	rec, ok := r.sessions[s.ID]
	r.mu.RUnlock()
	if !ok {
		return apperr.NotFoundf("session %s not found", s.ID)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	messages := rec.session.Messages
	rec.session = s.Clone()
	rec.session.Messages = messages
	return nil
}

// ListRecentSessions returns up to limit sessions ordered by last activity
// descending. Ties break by CreatedAt descending, then ID ascending.
func (r *MemoryRepository) ListRecentSessions(ctx context.Context, limit int) ([]*session.Session, error) {
	if limit <= 0 {
		return nil, nil
	}

	r.mu.RLock()
	all := make([]*session.Session, 0, len(r.sessions))
	for _, rec := range r.sessions {
		rec.mu.Lock()
		all = append(all, rec.session.Clone())
		rec.mu.Unlock()
	}
	r.mu.RUnlock()

	sortByRecency(all)

	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListActiveSessions returns every session with Active status, ordered like
// ListRecentSessions.
func (r *MemoryRepository) ListActiveSessions(ctx context.Context) ([]*session.Session, error) {
	r.mu.RLock()
	var all []*session.Session
	for _, rec := range r.sessions {
		rec.mu.Lock()
		if rec.session.Status == session.StatusActive {
			all = append(all, rec.session.Clone())
		}
		rec.mu.Unlock()
	}
	r.mu.RUnlock()

	sortByRecency(all)
	return all, nil
}

// sortByRecency orders sessions by last activity descending, ties broken by
// CreatedAt descending, then ID ascending.
func sortByRecency(all []*session.Session) {
	sort.Slice(all, func(i, j int) bool {
		if !all[i].LastActivityAt.Equal(all[j].LastActivityAt) {
			return all[i].LastActivityAt.After(all[j].LastActivityAt)
		}
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
}

// AddMessage appends a message, assigning the next sequence number. The
// per-session lock serializes concurrent appenders; distinct sessions do
// not contend.
func (r *MemoryRepository) AddMessage(ctx context.Context, sessionID string, msg *session.AgentMessage) error {
	if sessionID == "" {
		return apperr.InvalidArgument("session id must not be empty")
	}
	if msg == nil {
		return apperr.InvalidArgument("message must not be nil")
	}

	r.mu.RLock()
	rec, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return apperr.NotFoundf("session %s not found", sessionID)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.session.Status == session.StatusCompleted || rec.session.Status == session.StatusArchived {
		return apperr.Newf(apperr.KindPreconditionFailed, "session %s no longer accepts messages", sessionID)
	}

	rec.lastSeq++
	stored := *msg
	stored.SequenceNumber = rec.lastSeq
	rec.session.Messages = append(rec.session.Messages, &stored)
	if stored.Timestamp.After(rec.session.LastActivityAt) {
		rec.session.LastActivityAt = stored.Timestamp
	}
	msg.SequenceNumber = stored.SequenceNumber
	return nil
}

// ListMessages returns the full message log in sequence order
func (r *MemoryRepository) ListMessages(ctx context.Context, sessionID string) ([]*session.AgentMessage, error) {
	r.mu.RLock()
	rec, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFoundf("session %s not found", sessionID)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]*session.AgentMessage, len(rec.session.Messages))
	copy(out, rec.session.Messages)
	return out, nil
}

// SaveSnapshot stores a snapshot
func (r *MemoryRepository) SaveSnapshot(ctx context.Context, snapshot *session.Snapshot) error {
	if snapshot == nil || snapshot.ID == "" {
		return apperr.InvalidArgument("snapshot requires an id")
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[snapshot.ID] = snapshot
	return nil
}

// GetSnapshot returns a snapshot by ID
func (r *MemoryRepository) GetSnapshot(ctx context.Context, id string) (*session.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot, ok := r.snapshots[id]
	if !ok {
		return nil, apperr.NotFoundf("snapshot %s not found", id)
	}
	return snapshot, nil
}

// Close is a no-op for the in-memory repository
func (r *MemoryRepository) Close() error { return nil }

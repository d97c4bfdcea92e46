// Package repository defines the session storage contract and its in-memory
// implementation.
package repository

import (
	"context"

	"github.com/agentmesh/agentmesh/internal/session"
)

// Repository defines the interface for session storage operations. Message
// sequence numbers are assigned here, atomically per session, so they stay
// dense and strictly increasing under concurrent writers.
type Repository interface {
	// Session operations
	CreateSession(ctx context.Context, s *session.Session) error
	GetSession(ctx context.Context, id string) (*session.Session, error)
	UpdateSession(ctx context.Context, s *session.Session) error
	ListRecentSessions(ctx context.Context, limit int) ([]*session.Session, error)
	ListActiveSessions(ctx context.Context) ([]*session.Session, error)

	// Message operations
	AddMessage(ctx context.Context, sessionID string, msg *session.AgentMessage) error
	ListMessages(ctx context.Context, sessionID string) ([]*session.AgentMessage, error)

	// Snapshot operations
	SaveSnapshot(ctx context.Context, snapshot *session.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*session.Snapshot, error)

	Close() error
}

// Package sqlite provides the SQLite-backed session repository.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentmesh/agentmesh/internal/common/apperr"
	"github.com/agentmesh/agentmesh/internal/session"
)

// Repository provides SQLite-based session storage operations.
type Repository struct {
	db *sqlx.DB
}

// New opens (or creates) the database at path and initializes the schema.
func New(path string) (*Repository, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &Repository{db: db}
	if err := repo.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL,
		participant_agent_ids TEXT NOT NULL DEFAULT '[]',
		context TEXT NOT NULL DEFAULT '{}',
		working_directory TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		agent_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		attachments TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		tool_calls TEXT NOT NULL DEFAULT '[]',
		sequence_number INTEGER NOT NULL,
		UNIQUE(session_id, sequence_number)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		session_state TEXT NOT NULL,
		agent_states TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity_at);
	`
	_, err := r.db.Exec(schema)
	return err
}

// CreateSession stores a new session
func (r *Repository) CreateSession(ctx context.Context, s *session.Session) error {
	if s == nil || s.ID == "" {
		return apperr.InvalidArgument("session requires an id")
	}

	participants, err := json.Marshal(s.ParticipantAgentIDs)
	if err != nil {
		return fmt.Errorf("failed to serialize participants: %w", err)
	}
	contextJSON, err := marshalMap(s.Context)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, type, status, created_at, last_activity_at, participant_agent_ids, context, working_directory)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Name, string(s.Type), string(s.Status), s.CreatedAt, s.LastActivityAt, string(participants), contextJSON, s.WorkingDirectory)
	return err
}

// GetSession retrieves a session with its full message log
func (r *Repository) GetSession(ctx context.Context, id string) (*session.Session, error) {
	s := &session.Session{}
	var sessionType, status, participantsJSON, contextJSON string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, type, status, created_at, last_activity_at, participant_agent_ids, context, working_directory
		FROM sessions WHERE id = ?
	`, id).Scan(&s.ID, &s.Name, &sessionType, &status, &s.CreatedAt, &s.LastActivityAt, &participantsJSON, &contextJSON, &s.WorkingDirectory)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("session %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	s.Type = session.Type(sessionType)
	s.Status = session.Status(status)
	if err := json.Unmarshal([]byte(participantsJSON), &s.ParticipantAgentIDs); err != nil {
		return nil, fmt.Errorf("failed to deserialize participants: %w", err)
	}
	if contextJSON != "" && contextJSON != "{}" {
		if err := json.Unmarshal([]byte(contextJSON), &s.Context); err != nil {
			return nil, fmt.Errorf("failed to deserialize context: %w", err)
		}
	}

	messages, err := r.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Messages = messages
	return s, nil
}

// UpdateSession replaces the stored session state. Messages are owned by
// AddMessage and left untouched.
func (r *Repository) UpdateSession(ctx context.Context, s *session.Session) error {
	if s == nil || s.ID == "" {
		return apperr.InvalidArgument("session requires an id")
	}

	participants, err := json.Marshal(s.ParticipantAgentIDs)
	if err != nil {
		return fmt.Errorf("failed to serialize participants: %w", err)
	}
	contextJSON, err := marshalMap(s.Context)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET name = ?, type = ?, status = ?, last_activity_at = ?, participant_agent_ids = ?, context = ?, working_directory = ?
		WHERE id = ?
	`, s.Name, string(s.Type), string(s.Status), s.LastActivityAt, string(participants), contextJSON, s.WorkingDirectory, s.ID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFoundf("session %s not found", s.ID)
	}
	return nil
}

// ListRecentSessions returns up to limit sessions ordered by last activity
// descending, ties broken by created_at descending then id ascending.
// Message logs are not loaded.
func (r *Repository) ListRecentSessions(ctx context.Context, limit int) ([]*session.Session, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, type, status, created_at, last_activity_at, participant_agent_ids, context, working_directory
		FROM sessions
		ORDER BY last_activity_at DESC, created_at DESC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ListActiveSessions returns every session with active status, ordered like
// ListRecentSessions. Message logs are not loaded.
func (r *Repository) ListActiveSessions(ctx context.Context) ([]*session.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, type, status, created_at, last_activity_at, participant_agent_ids, context, working_directory
		FROM sessions
		WHERE status = ?
		ORDER BY last_activity_at DESC, created_at DESC, id ASC
	`, string(session.StatusActive))
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// collectSessions drains and closes a session row set
func collectSessions(rows *sql.Rows) ([]*session.Session, error) {
	defer func() { _ = rows.Close() }()

	var out []*session.Session
	for rows.Next() {
		s := &session.Session{}
		var sessionType, status, participantsJSON, contextJSON string
		if err := rows.Scan(&s.ID, &s.Name, &sessionType, &status, &s.CreatedAt, &s.LastActivityAt, &participantsJSON, &contextJSON, &s.WorkingDirectory); err != nil {
			return nil, err
		}
		s.Type = session.Type(sessionType)
		s.Status = session.Status(status)
		if err := json.Unmarshal([]byte(participantsJSON), &s.ParticipantAgentIDs); err != nil {
			return nil, fmt.Errorf("failed to deserialize participants: %w", err)
		}
		if contextJSON != "" && contextJSON != "{}" {
			if err := json.Unmarshal([]byte(contextJSON), &s.Context); err != nil {
				return nil, fmt.Errorf("failed to deserialize context: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AddMessage appends a message, assigning the next sequence number inside a
// transaction so concurrent appenders to the same session stay dense and
// strictly increasing.
func (r *Repository) AddMessage(ctx context.Context, sessionID string, msg *session.AgentMessage) error {
	if sessionID == "" {
		return apperr.InvalidArgument("session id must not be empty")
	}
	if msg == nil {
		return apperr.InvalidArgument("message must not be nil")
	}

	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("failed to serialize attachments: %w", err)
	}
	metadataJSON, err := marshalMap(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to serialize tool calls: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFoundf("session %s not found", sessionID)
	}
	if err != nil {
		return err
	}
	if status == string(session.StatusCompleted) || status == string(session.StatusArchived) {
		return apperr.Newf(apperr.KindPreconditionFailed, "session %s no longer accepts messages", sessionID)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE session_id = ?
	`, sessionID).Scan(&seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, agent_id, role, content, timestamp, attachments, metadata, tool_calls, sequence_number)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, sessionID, msg.AgentID, string(msg.Role), msg.Content, msg.Timestamp, string(attachments), metadataJSON, string(toolCalls), seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = ? WHERE id = ? AND last_activity_at < ?
	`, msg.Timestamp, sessionID, msg.Timestamp); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	// Assigned only after durable commit
	msg.SequenceNumber = seq
	return nil
}

// ListMessages returns the full message log in sequence order
func (r *Repository) ListMessages(ctx context.Context, sessionID string) ([]*session.AgentMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, agent_id, role, content, timestamp, attachments, metadata, tool_calls, sequence_number
		FROM messages WHERE session_id = ? ORDER BY sequence_number ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*session.AgentMessage
	for rows.Next() {
		msg := &session.AgentMessage{}
		var role, attachmentsJSON, metadataJSON, toolCallsJSON string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.AgentID, &role, &msg.Content, &msg.Timestamp, &attachmentsJSON, &metadataJSON, &toolCallsJSON, &msg.SequenceNumber); err != nil {
			return nil, err
		}
		msg.Role = session.Role(role)
		if attachmentsJSON != "" && attachmentsJSON != "[]" {
			if err := json.Unmarshal([]byte(attachmentsJSON), &msg.Attachments); err != nil {
				return nil, fmt.Errorf("failed to deserialize attachments: %w", err)
			}
		}
		if metadataJSON != "" && metadataJSON != "{}" {
			if err := json.Unmarshal([]byte(metadataJSON), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to deserialize metadata: %w", err)
			}
		}
		if toolCallsJSON != "" && toolCallsJSON != "[]" {
			if err := json.Unmarshal([]byte(toolCallsJSON), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to deserialize tool calls: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SaveSnapshot stores a snapshot
func (r *Repository) SaveSnapshot(ctx context.Context, snapshot *session.Snapshot) error {
	if snapshot == nil || snapshot.ID == "" {
		return apperr.InvalidArgument("snapshot requires an id")
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	state, err := json.Marshal(snapshot.SessionState)
	if err != nil {
		return fmt.Errorf("failed to serialize session state: %w", err)
	}
	agentStates, err := marshalMap(snapshot.AgentStates)
	if err != nil {
		return fmt.Errorf("failed to serialize agent states: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (id, session_id, created_at, description, session_state, agent_states)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snapshot.ID, snapshot.SessionID, snapshot.CreatedAt, snapshot.Description, string(state), agentStates)
	return err
}

// GetSnapshot retrieves a snapshot by ID
func (r *Repository) GetSnapshot(ctx context.Context, id string) (*session.Snapshot, error) {
	snapshot := &session.Snapshot{}
	var stateJSON, agentStatesJSON string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, created_at, description, session_state, agent_states
		FROM snapshots WHERE id = ?
	`, id).Scan(&snapshot.ID, &snapshot.SessionID, &snapshot.CreatedAt, &snapshot.Description, &stateJSON, &agentStatesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("snapshot %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stateJSON), &snapshot.SessionState); err != nil {
		return nil, fmt.Errorf("failed to deserialize session state: %w", err)
	}
	if agentStatesJSON != "" && agentStatesJSON != "{}" {
		if err := json.Unmarshal([]byte(agentStatesJSON), &snapshot.AgentStates); err != nil {
			return nil, fmt.Errorf("failed to deserialize agent states: %w", err)
		}
	}
	return snapshot, nil
}

// marshalMap serializes a map to JSON, defaulting empty to "{}"
func marshalMap(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

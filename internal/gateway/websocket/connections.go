package websocket

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// ConnectionManager tracks which user owns each connection and which
// sessions each connection has joined. It holds presence state only;
// broadcast membership lives in the hub's groups.
type ConnectionManager struct {
	// connection ID -> user ID
	connections map[string]string

	// user ID -> set of connection IDs
	userConnections map[string]map[string]bool

	// connection ID -> set of session IDs
	connSessions map[string]map[string]bool

	// session ID -> set of connection IDs
	sessionConns map[string]map[string]bool

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewConnectionManager creates an empty connection manager
func NewConnectionManager(log *logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		connections:     make(map[string]string),
		userConnections: make(map[string]map[string]bool),
		connSessions:    make(map[string]map[string]bool),
		sessionConns:    make(map[string]map[string]bool),
		logger:          log.WithFields(zap.String("component", "connection_manager")),
	}
}

// AddConnection records a connection for a user. Re-adding an existing
// connection ID reassigns it to the new user.
func (m *ConnectionManager) AddConnection(connectionID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.connections[connectionID]; ok && prev != userID {
		m.dropUserConnection(prev, connectionID)
	}

	m.connections[connectionID] = userID
	if _, ok := m.userConnections[userID]; !ok {
		m.userConnections[userID] = make(map[string]bool)
	}
	m.userConnections[userID][connectionID] = true

	m.logger.Debug("Connection added",
		zap.String("connection_id", connectionID),
		zap.String("user_id", userID))
}

// RemoveConnection drops a connection along with all of its session
// memberships. Unknown connection IDs are a no-op.
func (m *ConnectionManager) RemoveConnection(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID, ok := m.connections[connectionID]
	if !ok {
		return
	}

	delete(m.connections, connectionID)
	m.dropUserConnection(userID, connectionID)

	for sessionID := range m.connSessions[connectionID] {
		m.dropSessionConn(sessionID, connectionID)
	}
	delete(m.connSessions, connectionID)

	m.logger.Debug("Connection removed",
		zap.String("connection_id", connectionID),
		zap.String("user_id", userID))
}

// dropUserConnection updates the reverse index. Caller holds the lock.
func (m *ConnectionManager) dropUserConnection(userID, connectionID string) {
	if conns, ok := m.userConnections[userID]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(m.userConnections, userID)
		}
	}
}

// dropSessionConn updates the session index. Caller holds the lock.
func (m *ConnectionManager) dropSessionConn(sessionID, connectionID string) {
	if conns, ok := m.sessionConns[sessionID]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(m.sessionConns, sessionID)
		}
	}
}

// AddUserToSession records session membership for a connection. Returns
// false if the connection is unknown or already a member.
func (m *ConnectionManager) AddUserToSession(connectionID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[connectionID]; !ok {
		return false
	}
	if m.connSessions[connectionID][sessionID] {
		return false
	}

	if _, ok := m.connSessions[connectionID]; !ok {
		m.connSessions[connectionID] = make(map[string]bool)
	}
	m.connSessions[connectionID][sessionID] = true

	if _, ok := m.sessionConns[sessionID]; !ok {
		m.sessionConns[sessionID] = make(map[string]bool)
	}
	m.sessionConns[sessionID][connectionID] = true

	return true
}

// RemoveUserFromSession drops session membership for a connection. Returns
// false if the connection was not a member.
func (m *ConnectionManager) RemoveUserFromSession(connectionID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connSessions[connectionID][sessionID] {
		return false
	}

	delete(m.connSessions[connectionID], sessionID)
	if len(m.connSessions[connectionID]) == 0 {
		delete(m.connSessions, connectionID)
	}
	m.dropSessionConn(sessionID, connectionID)

	return true
}

// GetUserID returns the user that owns a connection
func (m *ConnectionManager) GetUserID(connectionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	userID, ok := m.connections[connectionID]
	return userID, ok
}

// GetConnectionIDs returns all connection IDs for a user
func (m *ConnectionManager) GetConnectionIDs(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := m.userConnections[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// IsUserOnline reports whether a user has at least one open connection
func (m *ConnectionManager) IsUserOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.userConnections[userID]) > 0
}

// GetUserSessions returns the sessions a connection has joined
func (m *ConnectionManager) GetUserSessions(connectionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := m.connSessions[connectionID]
	out := make([]string, 0, len(sessions))
	for id := range sessions {
		out = append(out, id)
	}
	return out
}

// GetSessionUsers returns the distinct users with a connection in a session
func (m *ConnectionManager) GetSessionUsers(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for connID := range m.sessionConns[sessionID] {
		userID, ok := m.connections[connID]
		if !ok || seen[userID] {
			continue
		}
		seen[userID] = true
		out = append(out, userID)
	}
	return out
}

// ConnectionCount returns the number of tracked connections
func (m *ConnectionManager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

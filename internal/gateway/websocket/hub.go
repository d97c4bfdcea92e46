// Package websocket provides the unified WebSocket gateway for all client
// operations: session management, agent messaging and orchestration.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	ws "github.com/agentmesh/agentmesh/pkg/websocket"
)

// AgentGroup names the broadcast group for subscribers of a single agent.
func AgentGroup(agentID string) string {
	return "agent-" + agentID
}

// SessionGroup names the broadcast group for participants of a session.
func SessionGroup(sessionID string) string {
	return "session-" + sessionID
}

// Hub manages all WebSocket client connections and named broadcast groups.
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Clients addressable by connection ID
	clientsByID map[string]*Client

	// Named broadcast groups ("agent-{id}", "session-{id}")
	groups map[string]map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel for broadcasting notifications to everyone
	broadcast chan *ws.Message

	// Message dispatcher
	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		clientsByID: make(map[string]*Client),
		groups:      make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *ws.Message, 256),
		dispatcher:  dispatcher,
		logger:      log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// addClient registers a client and greets it with a Connected notification.
func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.clientsByID[client.ID] = client
	h.mu.Unlock()

	h.logger.Debug("Client registered",
		zap.String("connection_id", client.ID),
		zap.String("user_id", client.UserID))

	if msg, err := ws.NewNotification(ws.PushConnected, map[string]interface{}{
		"connection_id": client.ID,
		"user_id":       client.UserID,
	}); err == nil {
		client.sendMessage(msg)
	}
}

// closeAllClients closes all client connections
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		delete(h.clientsByID, client.ID)
	}
	h.groups = make(map[string]map[*Client]bool)
}

// removeClient removes a client from the hub and all its groups
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		delete(h.clientsByID, client.ID)
		close(client.send)

		for group := range client.groups {
			if members, ok := h.groups[group]; ok {
				delete(members, client)
				if len(members) == 0 {
					delete(h.groups, group)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("connection_id", client.ID))
}

// broadcastMessage sends a message to all connected clients
func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to all connected clients
func (h *Hub) Broadcast(msg *ws.Message) {
	h.broadcast <- msg
}

// BroadcastToGroup sends a notification to all members of a named group.
// Unknown groups are a no-op.
func (h *Hub) BroadcastToGroup(group string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	// Copy the membership before unlocking: the group map is mutated by
	// JoinGroup/LeaveGroup under the write lock.
	h.mu.RLock()
	members := make([]*Client, 0, len(h.groups[group]))
	for client := range h.groups[group] {
		members = append(members, client)
	}
	h.mu.RUnlock()

	for _, client := range members {
		select {
		case client.send <- data:
		default:
			// Buffer full
		}
	}
}

// SendToConnection sends a notification to one connection. Returns false if
// the connection is not registered.
func (h *Hub) SendToConnection(connectionID string, msg *ws.Message) bool {
	h.mu.RLock()
	client, ok := h.clientsByID[connectionID]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	client.sendMessage(msg)
	return true
}

// JoinGroup adds a connection to a named group. Joining twice is a no-op.
// Returns false if the connection is not registered.
func (h *Hub) JoinGroup(connectionID, group string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clientsByID[connectionID]
	if !ok {
		return false
	}

	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[*Client]bool)
	}
	h.groups[group][client] = true
	client.groups[group] = true

	h.logger.Debug("Client joined group",
		zap.String("connection_id", connectionID),
		zap.String("group", group))
	return true
}

// LeaveGroup removes a connection from a named group. Leaving a group the
// connection is not in is a no-op.
func (h *Hub) LeaveGroup(connectionID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clientsByID[connectionID]
	if !ok {
		return
	}

	delete(client.groups, group)
	if members, ok := h.groups[group]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// GroupSize returns the number of connections in a group
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}

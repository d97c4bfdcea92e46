package websocket

import (
	"encoding/json"
	"testing"

	ws "github.com/agentmesh/agentmesh/pkg/websocket"
)

// newHubClient wires a client into the hub directly, bypassing the register
// channel so tests don't need a running hub loop or a real socket.
func newHubClient(t *testing.T, h *Hub, connID, userID string) *Client {
	t.Helper()
	client := NewClient(connID, userID, nil, h, newTestLogger(t))
	h.mu.Lock()
	h.clients[client] = true
	h.clientsByID[connID] = client
	h.mu.Unlock()
	return client
}

func receiveMessage(t *testing.T, c *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		return &msg
	default:
		t.Fatal("Expected a message in the send buffer")
		return nil
	}
}

func TestHub_JoinGroupAndBroadcast(t *testing.T) {
	h := NewHub(ws.NewDispatcher(), newTestLogger(t))

	a := newHubClient(t, h, "conn-a", "alice")
	b := newHubClient(t, h, "conn-b", "bob")
	c := newHubClient(t, h, "conn-c", "carol")

	if !h.JoinGroup("conn-a", SessionGroup("s1")) {
		t.Fatal("Expected JoinGroup to succeed")
	}
	if !h.JoinGroup("conn-b", SessionGroup("s1")) {
		t.Fatal("Expected JoinGroup to succeed")
	}

	msg, err := ws.NewNotification(ws.PushSessionJoined, map[string]interface{}{"session_id": "s1"})
	if err != nil {
		t.Fatalf("NewNotification failed: %v", err)
	}
	h.BroadcastToGroup(SessionGroup("s1"), msg)

	if got := receiveMessage(t, a); got.Action != ws.PushSessionJoined {
		t.Errorf("Expected %s, got %s", ws.PushSessionJoined, got.Action)
	}
	if got := receiveMessage(t, b); got.Action != ws.PushSessionJoined {
		t.Errorf("Expected %s, got %s", ws.PushSessionJoined, got.Action)
	}
	if len(c.send) != 0 {
		t.Error("Expected non-member to receive nothing")
	}
}

func TestHub_JoinGroupIdempotent(t *testing.T) {
	h := NewHub(ws.NewDispatcher(), newTestLogger(t))
	a := newHubClient(t, h, "conn-a", "alice")

	h.JoinGroup("conn-a", AgentGroup("coder"))
	h.JoinGroup("conn-a", AgentGroup("coder"))

	if h.GroupSize(AgentGroup("coder")) != 1 {
		t.Errorf("Expected group size 1, got %d", h.GroupSize(AgentGroup("coder")))
	}

	msg, _ := ws.NewNotification(ws.PushAgentStatusUpdate, nil)
	h.BroadcastToGroup(AgentGroup("coder"), msg)

	receiveMessage(t, a)
	if len(a.send) != 0 {
		t.Error("Expected exactly one delivery despite double join")
	}
}

func TestHub_JoinGroupUnknownConnection(t *testing.T) {
	h := NewHub(ws.NewDispatcher(), newTestLogger(t))

	if h.JoinGroup("nope", SessionGroup("s1")) {
		t.Error("Expected JoinGroup to fail for unknown connection")
	}
}

func TestHub_LeaveGroup(t *testing.T) {
	h := NewHub(ws.NewDispatcher(), newTestLogger(t))
	a := newHubClient(t, h, "conn-a", "alice")

	h.JoinGroup("conn-a", SessionGroup("s1"))
	h.LeaveGroup("conn-a", SessionGroup("s1"))

	// Leaving a group we're not in is a no-op
	h.LeaveGroup("conn-a", SessionGroup("s1"))

	msg, _ := ws.NewNotification(ws.PushSessionJoined, nil)
	h.BroadcastToGroup(SessionGroup("s1"), msg)

	if len(a.send) != 0 {
		t.Error("Expected no delivery after leaving the group")
	}
	if h.GroupSize(SessionGroup("s1")) != 0 {
		t.Errorf("Expected empty group, got size %d", h.GroupSize(SessionGroup("s1")))
	}
}

func TestHub_BroadcastToUnknownGroup(t *testing.T) {
	h := NewHub(ws.NewDispatcher(), newTestLogger(t))
	a := newHubClient(t, h, "conn-a", "alice")

	msg, _ := ws.NewNotification(ws.PushSessionJoined, nil)
	h.BroadcastToGroup(SessionGroup("missing"), msg)

	if len(a.send) != 0 {
		t.Error("Expected no delivery for unknown group")
	}
}

func TestHub_BroadcastDuringMembershipChurn(t *testing.T) {
	h := NewHub(ws.NewDispatcher(), newTestLogger(t))

	// The anchor keeps the group (and its map) alive while another
	// connection joins and leaves it.
	newHubClient(t, h, "conn-anchor", "alice")
	newHubClient(t, h, "conn-b", "bob")
	if !h.JoinGroup("conn-anchor", SessionGroup("s1")) {
		t.Fatal("Expected JoinGroup to succeed")
	}

	msg, err := ws.NewNotification(ws.PushSessionJoined, map[string]interface{}{"session_id": "s1"})
	if err != nil {
		t.Fatalf("NewNotification failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			h.BroadcastToGroup(SessionGroup("s1"), msg)
		}
	}()
	for i := 0; i < 500; i++ {
		h.JoinGroup("conn-b", SessionGroup("s1"))
		h.LeaveGroup("conn-b", SessionGroup("s1"))
	}
	<-done

	if h.GroupSize(SessionGroup("s1")) != 1 {
		t.Errorf("Expected only the anchor in the group, got %d", h.GroupSize(SessionGroup("s1")))
	}
}

func TestHub_SendToConnection(t *testing.T) {
	h := NewHub(ws.NewDispatcher(), newTestLogger(t))
	a := newHubClient(t, h, "conn-a", "alice")
	b := newHubClient(t, h, "conn-b", "bob")

	msg, _ := ws.NewNotification(ws.PushReceiveError, map[string]interface{}{"code": ws.ErrorCodeNotFound})
	if !h.SendToConnection("conn-a", msg) {
		t.Fatal("Expected SendToConnection to succeed")
	}

	if got := receiveMessage(t, a); got.Action != ws.PushReceiveError {
		t.Errorf("Expected %s, got %s", ws.PushReceiveError, got.Action)
	}
	if len(b.send) != 0 {
		t.Error("Expected other connection to receive nothing")
	}

	if h.SendToConnection("nope", msg) {
		t.Error("Expected SendToConnection to fail for unknown connection")
	}
}

func TestHub_RemoveClientCleansGroups(t *testing.T) {
	h := NewHub(ws.NewDispatcher(), newTestLogger(t))
	a := newHubClient(t, h, "conn-a", "alice")

	h.JoinGroup("conn-a", SessionGroup("s1"))
	h.JoinGroup("conn-a", AgentGroup("coder"))

	h.removeClient(a)

	if h.GroupSize(SessionGroup("s1")) != 0 {
		t.Error("Expected session group to be empty after removal")
	}
	if h.GroupSize(AgentGroup("coder")) != 0 {
		t.Error("Expected agent group to be empty after removal")
	}
	if h.GetClientCount() != 0 {
		t.Errorf("Expected 0 clients, got %d", h.GetClientCount())
	}
}

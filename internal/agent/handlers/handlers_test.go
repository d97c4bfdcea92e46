package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	gw "github.com/agentmesh/agentmesh/internal/gateway/websocket"
	"github.com/agentmesh/agentmesh/internal/router"
	"github.com/agentmesh/agentmesh/internal/session"
	"github.com/agentmesh/agentmesh/internal/session/manager"
	"github.com/agentmesh/agentmesh/internal/session/repository"
	ws "github.com/agentmesh/agentmesh/pkg/websocket"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// fakeTransport records per-connection pushes and group membership calls.
type fakeTransport struct {
	mu       sync.Mutex
	pushes   map[string][]*ws.Message
	joined   []string
	left     []string
	rejected bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{pushes: make(map[string][]*ws.Message)}
}

func (f *fakeTransport) SendToConnection(connectionID string, msg *ws.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejected {
		return false
	}
	f.pushes[connectionID] = append(f.pushes[connectionID], msg)
	return true
}

func (f *fakeTransport) JoinGroup(connectionID, group string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, connectionID+"|"+group)
	return true
}

func (f *fakeTransport) LeaveGroup(connectionID, group string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, connectionID+"|"+group)
}

func (f *fakeTransport) pushesFor(connID string) []*ws.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ws.Message(nil), f.pushes[connID]...)
}

// fakeSender records router broadcasts.
type fakeSender struct {
	mu    sync.Mutex
	calls []struct {
		group string
		msg   *ws.Message
	}
}

func (s *fakeSender) BroadcastToGroup(group string, msg *ws.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, struct {
		group string
		msg   *ws.Message
	}{group, msg})
}

func (s *fakeSender) snapshot() []struct {
	group string
	msg   *ws.Message
} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]struct {
		group string
		msg   *ws.Message
	}(nil), s.calls...)
}

type fixture struct {
	handlers  *AgentHandlers
	transport *fakeTransport
	sender    *fakeSender
	sessions  *manager.Manager
	registry  *agent.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	registry := agent.NewRegistry(eventBus, agent.Limits{}, log)
	registry.RegisterFactory(agent.EchoAgentType, agent.NewEchoAgentFactory())
	if _, err := registry.CreateAgent(context.Background(), agent.Config{
		ID:       "echo-1",
		Name:     "Echo",
		Type:     agent.EchoAgentType,
		Settings: map[string]interface{}{"chunk_size": 4},
	}); err != nil {
		t.Fatalf("Failed to create agent: %v", err)
	}
	t.Cleanup(func() { registry.Shutdown(context.Background()) })

	sessions := manager.NewManager(repository.NewMemoryRepository(), eventBus, log)
	transport := newFakeTransport()
	sender := &fakeSender{}
	r := router.NewMessageRouter(sender, log)

	return &fixture{
		handlers:  NewAgentHandlers(transport, registry, sessions, r, log),
		transport: transport,
		sender:    sender,
		sessions:  sessions,
		registry:  registry,
	}
}

func callerCtx(connID string) context.Context {
	return gw.WithConnectionInfo(context.Background(), connID, "user-1")
}

func request(t *testing.T, action string, payload interface{}) *ws.Message {
	t.Helper()
	msg, err := ws.NewRequest("req-1", action, payload)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	return msg
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestHandleSend_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx("c1")

	s, err := f.sessions.CreateSession(ctx, &session.CreateSessionRequest{Name: "chat"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	msg := request(t, ws.ActionAgentSend, SendMessageRequest{
		SessionID: s.ID,
		AgentID:   "echo-1",
		Content:   "hello world",
		CommandID: "cmd-1",
	})
	resp, err := f.handlers.handleSend(ctx, msg)
	if err != nil || resp != nil {
		t.Fatalf("Expected void handler, got %v / %v", resp, err)
	}

	// Stream completion is observable through the recorded assistant message
	waitFor(t, func() bool {
		got, _ := f.sessions.GetSession(ctx, s.ID)
		return got != nil && len(got.Messages) == 2
	}, "assistant message")

	got, _ := f.sessions.GetSession(ctx, s.ID)
	if got.Messages[0].Role != session.RoleUser || got.Messages[0].Content != "hello world" {
		t.Errorf("Unexpected user message: %+v", got.Messages[0])
	}
	if got.Messages[0].SequenceNumber != 1 || got.Messages[1].SequenceNumber != 2 {
		t.Errorf("Unexpected sequencing: %d, %d", got.Messages[0].SequenceNumber, got.Messages[1].SequenceNumber)
	}
	assistant := got.Messages[1]
	if assistant.Role != session.RoleAssistant || assistant.AgentID != "echo-1" {
		t.Errorf("Unexpected assistant message: %+v", assistant)
	}
	if assistant.Content != "Echo: hello world" {
		t.Errorf("Expected aggregated content, got %q", assistant.Content)
	}

	// Chunks were fanned out to the agent and session groups in order
	calls := f.sender.snapshot()
	if len(calls) < 2 {
		t.Fatalf("Expected routed chunks, got %d calls", len(calls))
	}
	sawAgent, sawSession := false, false
	for _, c := range calls {
		if c.msg.Action != ws.PushReceiveAgentResponse {
			t.Errorf("Unexpected action %s", c.msg.Action)
		}
		switch c.group {
		case gw.AgentGroup("echo-1"):
			sawAgent = true
		case gw.SessionGroup(s.ID):
			sawSession = true
		}
	}
	if !sawAgent || !sawSession {
		t.Error("Expected fan-out to both groups")
	}

	var dto router.AgentResponseDto
	if err := json.Unmarshal(calls[len(calls)-1].msg.Payload, &dto); err != nil {
		t.Fatalf("Failed to decode final chunk: %v", err)
	}
	if !dto.Response.IsComplete || dto.CommandID != "cmd-1" {
		t.Errorf("Unexpected final chunk: %+v", dto)
	}
}

func TestHandleSend_UnknownSession(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx("c1")

	msg := request(t, ws.ActionAgentSend, SendMessageRequest{
		SessionID: "nope",
		AgentID:   "echo-1",
		Content:   "hi",
	})
	if _, err := f.handlers.handleSend(ctx, msg); err != nil {
		t.Fatalf("Handler must not error: %v", err)
	}

	pushes := f.transport.pushesFor("c1")
	if len(pushes) != 1 || pushes[0].Action != ws.PushReceiveError {
		t.Fatalf("Expected one ReceiveError, got %+v", pushes)
	}
	var dto ErrorDto
	if err := json.Unmarshal(pushes[0].Payload, &dto); err != nil {
		t.Fatalf("Failed to decode error: %v", err)
	}
	if !strings.Contains(dto.Error, "Session nope not found") {
		t.Errorf("Unexpected error text: %q", dto.Error)
	}
}

func TestHandleSend_UnknownAgent(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx("c1")

	s, _ := f.sessions.CreateSession(ctx, &session.CreateSessionRequest{Name: "chat"})
	msg := request(t, ws.ActionAgentSend, SendMessageRequest{
		SessionID: s.ID,
		AgentID:   "ghost",
		Content:   "hi",
	})
	if _, err := f.handlers.handleSend(ctx, msg); err != nil {
		t.Fatalf("Handler must not error: %v", err)
	}

	pushes := f.transport.pushesFor("c1")
	if len(pushes) != 1 || pushes[0].Action != ws.PushReceiveError {
		t.Fatalf("Expected one ReceiveError, got %+v", pushes)
	}
	var dto ErrorDto
	_ = json.Unmarshal(pushes[0].Payload, &dto)
	if !strings.Contains(dto.Error, "Agent ghost not found") || dto.AgentID != "ghost" {
		t.Errorf("Unexpected error dto: %+v", dto)
	}

	// The user message is still on the log; only the reply is missing
	got, _ := f.sessions.GetSession(ctx, s.ID)
	if len(got.Messages) != 1 || got.Messages[0].Role != session.RoleUser {
		t.Errorf("Expected only the user message, got %+v", got.Messages)
	}
}

func TestHandleSend_CompletedSessionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx("c1")

	s, _ := f.sessions.CreateSession(ctx, &session.CreateSessionRequest{Name: "chat"})
	if _, err := f.sessions.EndSession(ctx, s.ID); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	msg := request(t, ws.ActionAgentSend, SendMessageRequest{
		SessionID: s.ID,
		AgentID:   "echo-1",
		Content:   "too late",
	})
	if _, err := f.handlers.handleSend(ctx, msg); err != nil {
		t.Fatalf("Handler must not error: %v", err)
	}

	pushes := f.transport.pushesFor("c1")
	if len(pushes) != 1 || pushes[0].Action != ws.PushReceiveError {
		t.Fatalf("Expected one ReceiveError, got %+v", pushes)
	}
	var dto ErrorDto
	_ = json.Unmarshal(pushes[0].Payload, &dto)
	if !strings.Contains(dto.Error, ws.ErrorCodePreconditionFailed) {
		t.Errorf("Expected precondition failure, got %q", dto.Error)
	}
}

func TestHandleSend_StreamStartFailure(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx("c1")

	s, err := f.sessions.CreateSession(ctx, &session.CreateSessionRequest{Name: "chat"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Force the agent into Error so the stream cannot start
	ag, ok := f.registry.GetAgent("echo-1")
	if !ok {
		t.Fatal("Agent missing from registry")
	}
	if err := ag.(*agent.EchoAgent).SetStatus(context.Background(), agent.StatusError); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	msg := request(t, ws.ActionAgentSend, SendMessageRequest{
		SessionID: s.ID,
		AgentID:   "echo-1",
		Content:   "hello",
	})
	if _, err := f.handlers.handleSend(ctx, msg); err != nil {
		t.Fatalf("Handler must not error: %v", err)
	}

	// The failure surfaces asynchronously on the calling connection
	waitFor(t, func() bool {
		return len(f.transport.pushesFor("c1")) > 0
	}, "error push")

	pushes := f.transport.pushesFor("c1")
	if len(pushes) != 1 || pushes[0].Action != ws.PushReceiveError {
		t.Fatalf("Expected one ReceiveError, got %+v", pushes)
	}
	var dto ErrorDto
	if err := json.Unmarshal(pushes[0].Payload, &dto); err != nil {
		t.Fatalf("Failed to decode error: %v", err)
	}
	if !strings.Contains(dto.Error, "Agent failed to start") {
		t.Errorf("Unexpected error text: %q", dto.Error)
	}
	if dto.AgentID != "echo-1" || dto.SessionID != s.ID {
		t.Errorf("Expected agent and session identity on the error, got %+v", dto)
	}

	// No chunks were routed; only the user message made the log
	if calls := f.sender.snapshot(); len(calls) != 0 {
		t.Errorf("Expected no routed chunks, got %d", len(calls))
	}
	got, _ := f.sessions.GetSession(ctx, s.ID)
	if len(got.Messages) != 1 || got.Messages[0].Role != session.RoleUser {
		t.Errorf("Expected only the user message, got %+v", got.Messages)
	}
}

func TestHandleExecuteTool(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx("c1")

	msg := request(t, ws.ActionAgentExecuteTool, ExecuteToolRequest{
		AgentID:    "echo-1",
		ToolName:   "echo",
		Parameters: map[string]interface{}{"text": "ping"},
	})
	resp, err := f.handlers.handleExecuteTool(ctx, msg)
	if err != nil {
		t.Fatalf("Handler must not error: %v", err)
	}
	if resp == nil || resp.Type != ws.MessageTypeResponse {
		t.Fatalf("Expected response message, got %+v", resp)
	}

	var body ToolExecutionResponse
	if err := resp.ParsePayload(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !body.Success || body.Output != "ping" {
		t.Errorf("Unexpected tool response: %+v", body)
	}
	if body.ExecutionTime < 0 {
		t.Errorf("Negative execution time: %d", body.ExecutionTime)
	}
}

func TestHandleExecuteTool_FailuresWrapped(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx("c1")

	cases := []struct {
		name string
		req  ExecuteToolRequest
	}{
		{"unknown agent", ExecuteToolRequest{AgentID: "ghost", ToolName: "echo"}},
		{"unknown tool", ExecuteToolRequest{AgentID: "echo-1", ToolName: "launch_missiles"}},
		{"missing fields", ExecuteToolRequest{}},
		{"schema violation", ExecuteToolRequest{AgentID: "echo-1", ToolName: "echo", Parameters: map[string]interface{}{"text": 42}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := f.handlers.handleExecuteTool(ctx, request(t, ws.ActionAgentExecuteTool, tc.req))
			if err != nil {
				t.Fatalf("Handler must not error: %v", err)
			}
			var body ToolExecutionResponse
			if err := resp.ParsePayload(&body); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if body.Success || body.Error == "" {
				t.Errorf("Expected failure in body, got %+v", body)
			}
		})
	}
}

func TestHandleSubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx("c1")

	msg := request(t, ws.ActionAgentSubscribe, SubscribeRequest{AgentID: "echo-1"})
	if _, err := f.handlers.handleSubscribe(ctx, msg); err != nil {
		t.Fatalf("Handler must not error: %v", err)
	}

	f.transport.mu.Lock()
	joined := append([]string(nil), f.transport.joined...)
	f.transport.mu.Unlock()
	if len(joined) != 1 || joined[0] != "c1|"+gw.AgentGroup("echo-1") {
		t.Errorf("Expected group join, got %v", joined)
	}

	pushes := f.transport.pushesFor("c1")
	if len(pushes) != 1 || pushes[0].Action != ws.PushAgentStatusUpdate {
		t.Fatalf("Expected immediate status push, got %+v", pushes)
	}
	var dto AgentStatusDto
	if err := json.Unmarshal(pushes[0].Payload, &dto); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if dto.AgentID != "echo-1" || dto.Status != agent.StatusReady {
		t.Errorf("Unexpected status dto: %+v", dto)
	}
	if !dto.Capabilities.SupportsStreaming {
		t.Error("Expected capabilities in status push")
	}
}

func TestHandleSubscribe_UnknownAgent(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx("c1")

	msg := request(t, ws.ActionAgentSubscribe, SubscribeRequest{AgentID: "ghost"})
	if _, err := f.handlers.handleSubscribe(ctx, msg); err != nil {
		t.Fatalf("Handler must not error: %v", err)
	}

	if len(f.transport.joined) != 0 {
		t.Errorf("Expected no group join, got %v", f.transport.joined)
	}
	pushes := f.transport.pushesFor("c1")
	if len(pushes) != 1 || pushes[0].Action != ws.PushReceiveError {
		t.Fatalf("Expected ReceiveError, got %+v", pushes)
	}
}

func TestHandleUnsubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx("c1")

	msg := request(t, ws.ActionAgentUnsubscribe, SubscribeRequest{AgentID: "echo-1"})
	if _, err := f.handlers.handleUnsubscribe(ctx, msg); err != nil {
		t.Fatalf("Handler must not error: %v", err)
	}

	if len(f.transport.left) != 1 || f.transport.left[0] != "c1|"+gw.AgentGroup("echo-1") {
		t.Errorf("Expected group leave, got %v", f.transport.left)
	}
}

func TestRegisterInstallsActions(t *testing.T) {
	f := newFixture(t)
	d := ws.NewDispatcher()
	f.handlers.Register(d)

	for _, action := range []string{
		ws.ActionAgentSend,
		ws.ActionAgentExecuteTool,
		ws.ActionAgentSubscribe,
		ws.ActionAgentUnsubscribe,
	} {
		if !d.HasHandler(action) {
			t.Errorf("Missing handler for %s", action)
		}
	}
}

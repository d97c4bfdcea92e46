package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/agent/tools"
	"github.com/agentmesh/agentmesh/internal/common/apperr"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/session"
)

// EchoAgentType identifies the built-in scripted adapter. It is used for
// local development and as the reference implementation of the streaming
// and tool contracts.
const EchoAgentType = "echo"

// cancelGrace bounds how long a cancelled stream waits to hand the terminal
// chunk to a slow consumer.
const cancelGrace = 200 * time.Millisecond

// EchoAgent replies with its input, streamed in fixed-size chunks. A message
// whose metadata carries "tool" runs that tool mid-turn and interleaves a
// tool chunk into the stream.
type EchoAgent struct {
	*BaseAgent
	tools     *tools.Registry
	chunkSize int
	prefix    string
}

// NewEchoAgent builds an echo adapter from its configuration. Recognized
// settings: chunk_size (int), prefix (string).
func NewEchoAgent(cfg Config, eventBus bus.EventBus, log *logger.Logger) *EchoAgent {
	chunkSize := 64
	if v, ok := cfg.Settings["chunk_size"]; ok {
		switch n := v.(type) {
		case int:
			chunkSize = n
		case float64:
			chunkSize = int(n)
		}
	}
	if chunkSize <= 0 {
		chunkSize = 64
	}
	if max := cfg.limits.StreamChunkMaxSize; max > 0 && chunkSize > max {
		chunkSize = max
	}

	prefix := "Echo: "
	if v, ok := cfg.Settings["prefix"].(string); ok {
		prefix = v
	}

	caps := Capabilities{
		SupportsStreaming: true,
		SupportsTools:     true,
	}

	a := &EchoAgent{
		BaseAgent: NewBaseAgent(cfg, caps, eventBus, log),
		tools:     tools.NewRegistry(nil, cfg.limits.ToolTimeout, log),
		chunkSize: chunkSize,
		prefix:    prefix,
	}
	a.registerBuiltinTools()
	return a
}

// NewEchoAgentFactory returns the factory for the echo adapter family
func NewEchoAgentFactory() Factory {
	return func(cfg Config, eventBus bus.EventBus, log *logger.Logger) (Agent, error) {
		return NewEchoAgent(cfg, eventBus, log), nil
	}
}

func (a *EchoAgent) registerBuiltinTools() {
	_ = a.tools.Register(&tools.Handler{
		Name:        "echo",
		Description: "Returns the text parameter unchanged",
		ParameterSchema: []byte(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
		Execute: func(ctx context.Context, params map[string]interface{}) (string, map[string]interface{}, error) {
			text, _ := params["text"].(string)
			return text, nil, nil
		},
	})
	_ = a.tools.Register(&tools.Handler{
		Name:        "current_time",
		Description: "Returns the current UTC time",
		Execute: func(ctx context.Context, params map[string]interface{}) (string, map[string]interface{}, error) {
			return time.Now().UTC().Format(time.RFC3339), nil, nil
		},
	})
}

// Tools exposes the agent's tool registry so callers can add handlers
func (a *EchoAgent) Tools() *tools.Registry { return a.tools }

// Initialize moves the agent to Ready
func (a *EchoAgent) Initialize(ctx context.Context) error {
	if err := a.SetStatus(ctx, StatusInitializing); err != nil {
		return err
	}
	return a.SetStatus(ctx, StatusReady)
}

// SendMessage produces the complete response in one piece by draining the
// stream.
func (a *EchoAgent) SendMessage(ctx context.Context, msg *session.AgentMessage) (*AgentResponse, error) {
	stream, err := a.SendMessageStream(ctx, msg)
	if err != nil {
		return nil, err
	}

	var content string
	var toolCalls []*session.ToolCall
	var metadata map[string]interface{}
	for chunk := range stream {
		if chunk.Type == ResponseTypeAssistant {
			content += chunk.Content
		}
		toolCalls = append(toolCalls, chunk.ToolCalls...)
		if chunk.IsComplete {
			metadata = chunk.Metadata
		}
	}

	return &AgentResponse{
		Content:    content,
		Type:       ResponseTypeAssistant,
		IsComplete: true,
		Timestamp:  time.Now().UTC(),
		Metadata:   metadata,
		ToolCalls:  toolCalls,
	}, nil
}

// SendMessageStream streams the reply in fixed-size chunks. The channel is
// unbuffered: the next chunk is produced only after the consumer accepts
// the previous one.
func (a *EchoAgent) SendMessageStream(ctx context.Context, msg *session.AgentMessage) (<-chan *AgentResponse, error) {
	if msg == nil {
		return nil, apperr.InvalidArgument("message must not be nil")
	}
	if err := a.SetStatus(ctx, StatusProcessing); err != nil {
		return nil, err
	}

	out := make(chan *AgentResponse)
	go a.stream(ctx, msg, out)
	return out, nil
}

func (a *EchoAgent) stream(ctx context.Context, msg *session.AgentMessage, out chan<- *AgentResponse) {
	defer close(out)
	defer func() {
		// The caller's context may already be cancelled
		if err := a.SetStatus(context.Background(), StatusReady); err != nil {
			a.Logger().Warn("Failed to return agent to ready", zap.Error(err))
		}
	}()
	a.Touch()

	reply := a.prefix + msg.Content
	chunks := splitChunks(reply, a.chunkSize)

	var toolCall *session.ToolCall
	if name, ok := msg.Metadata["tool"].(string); ok && name != "" {
		toolCall = a.runScriptedTool(ctx, msg, name)
	}

	// Emit all assistant chunks but hold the terminal marker for the end
	for i, chunk := range chunks {
		last := i == len(chunks)-1 && toolCall == nil
		resp := &AgentResponse{
			Content:    chunk,
			Type:       ResponseTypeAssistant,
			IsComplete: last,
			Timestamp:  time.Now().UTC(),
		}
		if !a.deliver(ctx, out, resp) {
			return
		}
	}

	if toolCall != nil {
		resp := &AgentResponse{
			Content:    fmt.Sprintf("Executed tool %s", toolCall.ToolName),
			Type:       ResponseTypeTool,
			IsComplete: true,
			Timestamp:  time.Now().UTC(),
			ToolCalls:  []*session.ToolCall{toolCall},
		}
		a.deliver(ctx, out, resp)
	}
}

// deliver hands a chunk to the consumer, honoring cancellation. On
// cancellation it pushes a terminal chunk with a cancelled marker and
// reports false.
func (a *EchoAgent) deliver(ctx context.Context, out chan<- *AgentResponse, resp *AgentResponse) bool {
	// Check cancellation first so it wins over a ready consumer
	select {
	case <-ctx.Done():
	default:
		select {
		case out <- resp:
			return true
		case <-ctx.Done():
		}
	}

	final := &AgentResponse{
		Type:       ResponseTypeAssistant,
		IsComplete: true,
		Timestamp:  time.Now().UTC(),
		Metadata:   map[string]interface{}{MetadataCancelled: true},
	}
	select {
	case out <- final:
	case <-time.After(cancelGrace):
	}
	return false
}

// runScriptedTool executes a named tool mid-turn and returns the populated
// call, or nil if the stream should carry no tool chunk.
func (a *EchoAgent) runScriptedTool(ctx context.Context, msg *session.AgentMessage, name string) *session.ToolCall {
	params, _ := msg.Metadata["tool_params"].(map[string]interface{})
	call := &session.ToolCall{
		ID:         uuid.New().String(),
		ToolName:   name,
		Parameters: params,
	}

	result, err := a.tools.Execute(ctx, call)
	if err != nil {
		a.Logger().Warn("Scripted tool failed",
			zap.String("tool", name),
			zap.Error(err))
		result = &session.ToolResult{Success: false, Error: err.Error()}
	}
	call.Result = result
	return call
}

// ExecuteTool runs a named tool through the registry with Processing status
// for the duration of the call.
func (a *EchoAgent) ExecuteTool(ctx context.Context, call *session.ToolCall) (*session.ToolResult, error) {
	if err := a.SetStatus(ctx, StatusProcessing); err != nil {
		return nil, err
	}
	defer func() {
		if err := a.SetStatus(context.Background(), StatusReady); err != nil {
			a.Logger().Warn("Failed to return agent to ready", zap.Error(err))
		}
	}()
	a.Touch()

	return a.tools.Execute(ctx, call)
}

// Reset returns an errored agent to Ready
func (a *EchoAgent) Reset(ctx context.Context) error {
	switch a.Status() {
	case StatusReady:
		return nil
	case StatusError, StatusUninitialized:
		return a.Initialize(ctx)
	default:
		return apperr.Newf(apperr.KindPreconditionFailed, "agent %s cannot reset from %s", a.ID(), a.Status())
	}
}

// Shutdown stops the agent permanently
func (a *EchoAgent) Shutdown(ctx context.Context) error {
	return a.SetStatus(ctx, StatusShutdown)
}

// splitChunks cuts a string into rune-safe pieces of at most size runes.
// An empty input still yields one empty chunk so every turn produces at
// least one response.
func splitChunks(s string, size int) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return []string{""}
	}

	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

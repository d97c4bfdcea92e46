// Package tools provides the tool registry shared by agent adapters:
// registration, JSON Schema parameter validation, approval gating and
// bounded execution.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/apperr"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/session"
)

// ExecuteFunc runs a tool with validated parameters and returns its output.
type ExecuteFunc func(ctx context.Context, params map[string]interface{}) (string, map[string]interface{}, error)

// Handler describes one registered tool.
type Handler struct {
	Name             string
	Description      string
	RequiresApproval bool
	ParameterSchema  json.RawMessage // JSON Schema for params, optional
	Execute          ExecuteFunc
}

// Approver decides whether a tool call that requires approval may run.
type Approver interface {
	Approve(ctx context.Context, call *session.ToolCall) (bool, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, call *session.ToolCall) (bool, error)

// Approve implements Approver
func (f ApproverFunc) Approve(ctx context.Context, call *session.ToolCall) (bool, error) {
	return f(ctx, call)
}

// AlwaysAllow approves every call.
func AlwaysAllow() Approver {
	return ApproverFunc(func(ctx context.Context, call *session.ToolCall) (bool, error) {
		return true, nil
	})
}

// AlwaysDeny rejects every call.
func AlwaysDeny() Approver {
	return ApproverFunc(func(ctx context.Context, call *session.ToolCall) (bool, error) {
		return false, nil
	})
}

// AskOnce wraps an approver and caches the first decision per tool name.
func AskOnce(inner Approver) Approver {
	var mu sync.Mutex
	decisions := make(map[string]bool)
	return ApproverFunc(func(ctx context.Context, call *session.ToolCall) (bool, error) {
		mu.Lock()
		decision, ok := decisions[call.ToolName]
		mu.Unlock()
		if ok {
			return decision, nil
		}

		decision, err := inner.Approve(ctx, call)
		if err != nil {
			return false, err
		}
		mu.Lock()
		decisions[call.ToolName] = decision
		mu.Unlock()
		return decision, nil
	})
}

// registered pairs a handler with its compiled parameter schema.
type registered struct {
	handler *Handler
	schema  *jsonschema.Schema
}

// Registry holds tools for one agent and executes calls against them.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*registered
	approver Approver
	timeout  time.Duration
	logger   *logger.Logger
}

// NewRegistry creates an empty tool registry. A nil approver allows all
// calls; a zero timeout disables the execution deadline.
func NewRegistry(approver Approver, timeout time.Duration, log *logger.Logger) *Registry {
	if approver == nil {
		approver = AlwaysAllow()
	}
	return &Registry{
		tools:    make(map[string]*registered),
		approver: approver,
		timeout:  timeout,
		logger:   log.WithFields(zap.String("component", "tool_registry")),
	}
}

// Register adds a tool. The parameter schema, if present, is compiled once
// here so validation failures surface at registration time.
func (r *Registry) Register(h *Handler) error {
	if h == nil || h.Name == "" {
		return apperr.InvalidArgument("tool handler requires a name")
	}
	if h.Execute == nil {
		return apperr.InvalidArgument("tool handler requires an execute function")
	}

	var schema *jsonschema.Schema
	if len(h.ParameterSchema) > 0 {
		var doc any
		if err := json.Unmarshal(h.ParameterSchema, &doc); err != nil {
			return apperr.Wrap(apperr.KindInvalidArgument, "invalid parameter schema", err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return apperr.Wrap(apperr.KindInvalidArgument, "invalid parameter schema", err)
		}
		compiled, err := c.Compile("schema.json")
		if err != nil {
			return apperr.Wrap(apperr.KindInvalidArgument, "invalid parameter schema", err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[h.Name] = &registered{handler: h, schema: schema}
	return nil
}

// Get returns a tool by name
func (r *Registry) Get(name string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

// List returns the registered tool names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Execute validates and runs a tool call. Missing tools, invalid parameters
// and rejected approvals fail with classified errors; runtime failures and
// timeouts are returned inside the result.
func (r *Registry) Execute(ctx context.Context, call *session.ToolCall) (*session.ToolResult, error) {
	if call == nil || call.ToolName == "" {
		return nil, apperr.InvalidArgument("tool call requires a tool name")
	}

	r.mu.RLock()
	reg, ok := r.tools[call.ToolName]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFoundf("tool %s not found", call.ToolName)
	}

	if reg.schema != nil {
		// The validator expects plain decoded JSON values
		params := call.Parameters
		if params == nil {
			params = map[string]interface{}{}
		}
		if err := reg.schema.Validate(normalizeParams(params)); err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidArgument,
				fmt.Sprintf("invalid parameters for tool %s", call.ToolName), err)
		}
	}

	if reg.handler.RequiresApproval {
		approved, err := r.approver.Approve(ctx, call)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "approval check failed", err)
		}
		if !approved {
			return nil, apperr.PermissionDenied("tool " + call.ToolName + " was not approved")
		}
	}

	execCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	type outcome struct {
		output   string
		metadata map[string]interface{}
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		output, metadata, err := reg.handler.Execute(execCtx, call.Parameters)
		done <- outcome{output: output, metadata: metadata, err: err}
	}()

	select {
	case <-execCtx.Done():
		r.logger.Warn("Tool execution deadline exceeded",
			zap.String("tool", call.ToolName),
			zap.Duration("timeout", r.timeout))
		return &session.ToolResult{
			Success:       false,
			Error:         "timeout",
			ExecutionTime: time.Since(start),
		}, nil
	case out := <-done:
		result := &session.ToolResult{
			Success:       out.err == nil,
			Output:        out.output,
			Metadata:      out.metadata,
			ExecutionTime: time.Since(start),
		}
		if out.err != nil {
			result.Error = out.err.Error()
		}
		return result, nil
	}
}

// normalizeParams round-trips parameters through JSON so typed values (ints,
// structs) become the plain values the schema validator understands.
func normalizeParams(params map[string]interface{}) interface{} {
	data, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return params
	}
	return out
}

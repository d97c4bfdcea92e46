package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentmesh/agentmesh/internal/common/apperr"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// BaseAgent holds the state shared by all adapters: identity, capabilities
// and the status machine with event emission. Adapters embed it.
type BaseAgent struct {
	id           string
	name         string
	agentType    string
	capabilities Capabilities
	createdAt    time.Time

	mu           sync.RWMutex
	status       Status
	lastActivity time.Time
	gateHeld     bool

	gate   *semaphore.Weighted
	bus    bus.EventBus
	logger *logger.Logger
}

// NewBaseAgent creates the shared agent state in Uninitialized status
func NewBaseAgent(cfg Config, caps Capabilities, eventBus bus.EventBus, log *logger.Logger) *BaseAgent {
	now := time.Now().UTC()
	return &BaseAgent{
		id:           cfg.ID,
		name:         cfg.Name,
		agentType:    cfg.Type,
		capabilities: caps,
		createdAt:    now,
		status:       StatusUninitialized,
		lastActivity: now,
		gate:         cfg.gate,
		bus:          eventBus,
		logger:       log.WithAgentID(cfg.ID),
	}
}

// ID returns the agent's identity
func (a *BaseAgent) ID() string { return a.id }

// Name returns the agent's display name
func (a *BaseAgent) Name() string { return a.name }

// Type returns the adapter family
func (a *BaseAgent) Type() string { return a.agentType }

// Capabilities returns what this adapter supports
func (a *BaseAgent) Capabilities() Capabilities { return a.capabilities }

// Status returns the current lifecycle status
func (a *BaseAgent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Info returns the registry view of this agent
func (a *BaseAgent) Info() AgentInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return AgentInfo{
		ID:             a.id,
		Name:           a.name,
		Type:           a.agentType,
		Status:         a.status,
		Capabilities:   a.capabilities,
		CreatedAt:      a.createdAt,
		LastActivityAt: a.lastActivity,
	}
}

// Logger returns the agent-scoped logger
func (a *BaseAgent) Logger() *logger.Logger { return a.logger }

// Touch updates the last activity timestamp
func (a *BaseAgent) Touch() {
	a.mu.Lock()
	a.lastActivity = time.Now().UTC()
	a.mu.Unlock()
}

// SetStatus transitions the agent to a new status, emitting an
// AgentStatusChanged event. Illegal transitions fail with a precondition
// error and leave the status unchanged. When the registry installed a
// concurrency gate, entering Processing acquires a slot (blocking until
// one frees or ctx ends) and leaving Processing releases it.
func (a *BaseAgent) SetStatus(ctx context.Context, to Status) error {
	acquired := false
	if to == StatusProcessing && a.gate != nil {
		if err := a.gate.Acquire(ctx, 1); err != nil {
			return apperr.Wrap(apperr.KindCancelled, "waiting for a processing slot", err)
		}
		acquired = true
	}

	a.mu.Lock()
	from := a.status
	if from == to {
		a.mu.Unlock()
		if acquired {
			a.gate.Release(1)
		}
		return nil
	}
	if !CanTransition(from, to) {
		a.mu.Unlock()
		if acquired {
			a.gate.Release(1)
		}
		return apperr.Newf(apperr.KindPreconditionFailed, "agent %s cannot transition from %s to %s", a.id, from, to)
	}
	a.status = to
	a.lastActivity = time.Now().UTC()
	if acquired {
		a.gateHeld = true
	} else if from == StatusProcessing && a.gateHeld {
		a.gateHeld = false
		a.gate.Release(1)
	}
	a.mu.Unlock()

	a.logger.Debug("Agent status changed",
		zap.String("old_status", string(from)),
		zap.String("new_status", string(to)))

	event := bus.NewEvent(events.AgentStatusChanged, "agent-runtime", map[string]interface{}{
		"agent_id":   a.id,
		"old_status": string(from),
		"new_status": string(to),
	})
	if err := a.bus.Publish(ctx, events.BuildAgentStatusSubject(a.id), event); err != nil {
		a.logger.Warn("Failed to publish status change", zap.Error(err))
	}

	return nil
}

package agent

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentmesh/agentmesh/internal/common/apperr"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// Factory builds an adapter of one family from its configuration.
type Factory func(cfg Config, eventBus bus.EventBus, log *logger.Logger) (Agent, error)

// Registry owns the process-wide agent instances: exactly one per ID.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]Agent
	factories map[string]Factory

	bus    bus.EventBus
	limits Limits
	gate   *semaphore.Weighted
	logger *logger.Logger
}

// NewRegistry creates an empty agent registry. The limits apply to every
// agent it creates; a MaxConcurrent above zero installs a shared gate on
// the Processing status.
func NewRegistry(eventBus bus.EventBus, limits Limits, log *logger.Logger) *Registry {
	var gate *semaphore.Weighted
	if limits.MaxConcurrent > 0 {
		gate = semaphore.NewWeighted(int64(limits.MaxConcurrent))
	}
	return &Registry{
		agents:    make(map[string]Agent),
		factories: make(map[string]Factory),
		bus:       eventBus,
		limits:    limits,
		gate:      gate,
		logger:    log.WithFields(zap.String("component", "agent_registry")),
	}
}

// RegisterFactory installs the constructor for an adapter family
func (r *Registry) RegisterFactory(agentType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[agentType] = factory
}

// CreateAgent builds and initializes an agent from its configuration.
// Duplicate IDs are rejected; unknown adapter families fail NotFound; an
// adapter that fails to initialize is not registered.
func (r *Registry) CreateAgent(ctx context.Context, cfg Config) (Agent, error) {
	if cfg.ID == "" {
		return nil, apperr.InvalidArgument("agent config requires an id")
	}

	r.mu.Lock()
	if _, exists := r.agents[cfg.ID]; exists {
		r.mu.Unlock()
		return nil, apperr.Newf(apperr.KindPreconditionFailed, "agent %s already exists", cfg.ID)
	}
	factory, ok := r.factories[cfg.Type]
	r.mu.Unlock()
	if !ok {
		return nil, apperr.NotFoundf("unknown agent type %s", cfg.Type)
	}

	cfg.limits = r.limits
	cfg.gate = r.gate
	a, err := factory(cfg, r.bus, r.logger)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAdapterFailure, "agent construction failed", err)
	}

	if err := a.Initialize(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindAdapterFailure, "agent initialization failed", err)
	}

	r.mu.Lock()
	// Re-check: another caller may have won the race during Initialize
	if _, exists := r.agents[cfg.ID]; exists {
		r.mu.Unlock()
		_ = a.Shutdown(ctx)
		return nil, apperr.Newf(apperr.KindPreconditionFailed, "agent %s already exists", cfg.ID)
	}
	r.agents[cfg.ID] = a
	r.mu.Unlock()

	r.logger.Info("Agent created",
		zap.String("agent_id", cfg.ID),
		zap.String("agent_type", cfg.Type))
	return a, nil
}

// GetAgent returns an agent by ID
func (r *Registry) GetAgent(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// RegisterAgent installs an agent under an ID, shutting down any previous
// instance first.
func (r *Registry) RegisterAgent(ctx context.Context, id string, a Agent) {
	r.mu.Lock()
	prev := r.agents[id]
	r.agents[id] = a
	r.mu.Unlock()

	if prev != nil {
		if err := prev.Shutdown(ctx); err != nil {
			r.logger.Warn("Failed to shut down replaced agent",
				zap.String("agent_id", id),
				zap.Error(err))
		}
	}
}

// RemoveAgent shuts down and removes an agent. Unknown IDs are a no-op.
func (r *Registry) RemoveAgent(ctx context.Context, id string) {
	r.mu.Lock()
	a := r.agents[id]
	delete(r.agents, id)
	r.mu.Unlock()

	if a != nil {
		if err := a.Shutdown(ctx); err != nil {
			r.logger.Warn("Failed to shut down agent",
				zap.String("agent_id", id),
				zap.Error(err))
		}
	}
}

// ListConfiguredAgents returns the public view of all registered agents,
// ordered by ID.
func (r *Registry) ListConfiguredAgents() []AgentInfo {
	r.mu.RLock()
	infos := make([]AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		infos = append(infos, a.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Shutdown stops every registered agent
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	agents := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.agents = make(map[string]Agent)
	r.mu.Unlock()

	for _, a := range agents {
		if err := a.Shutdown(ctx); err != nil {
			r.logger.Warn("Agent shutdown failed", zap.Error(err))
		}
	}
	r.logger.Info("Agent registry shut down", zap.Int("agents", len(agents)))
}

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/common/apperr"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/session"
)

const defaultParallelismCap = 8

// AgentSource resolves agent ids at execution time. The agent registry
// satisfies it.
type AgentSource interface {
	GetAgent(id string) (agent.Agent, bool)
}

// ProgressSink receives progress pushes during plan execution. The message
// router satisfies it.
type ProgressSink interface {
	RouteOrchestrationUpdate(sessionID string, progress *Progress)
}

// Options tune plan execution.
type Options struct {
	// ParallelismCap bounds concurrent step execution. Zero means the
	// default of 8; the effective bound never exceeds the number of
	// distinct agents in the plan.
	ParallelismCap int

	// StepTimeout bounds each step's agent call. Zero means no timeout.
	StepTimeout time.Duration
}

// Orchestrator creates and executes multi-agent plans.
type Orchestrator struct {
	agents AgentSource
	bus    bus.EventBus
	logger *logger.Logger
	opts   Options
}

// NewOrchestrator creates an orchestrator over an agent source
func NewOrchestrator(agents AgentSource, eventBus bus.EventBus, opts Options, log *logger.Logger) *Orchestrator {
	if opts.ParallelismCap <= 0 {
		opts.ParallelismCap = defaultParallelismCap
	}
	return &Orchestrator{
		agents: agents,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "orchestrator")),
		opts:   opts,
	}
}

// CreatePlan builds a plan for the request. See CreatePlan in plan.go for
// the per-strategy wiring.
func (o *Orchestrator) CreatePlan(req *PlanRequest) (*Plan, error) {
	plan, err := CreatePlan(req)
	if err != nil {
		return nil, err
	}
	o.logger.Info("Plan created",
		zap.String("plan_id", plan.ID),
		zap.String("session_id", plan.SessionID),
		zap.String("strategy", string(plan.Strategy)),
		zap.Int("steps", len(plan.Steps)))
	return plan, nil
}

// ExecutePlan runs a plan to a terminal state. Steps become eligible when
// all their dependencies have completed; eligible steps run concurrently up
// to the parallelism bound. A failed step marks its transitive dependents
// Skipped. Cancelling the context stops launching new steps; in-flight steps
// receive the signal and are awaited.
//
// Each step transition pushes Progress through the sink and publishes a
// step-completed event on the bus. The returned Result is non-nil whenever
// the plan was structurally valid, including after cancellation.
func (o *Orchestrator) ExecutePlan(ctx context.Context, plan *Plan, sink ProgressSink) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	result := &Result{
		PlanID:    plan.ID,
		StartedAt: time.Now().UTC(),
	}

	distinct := make(map[string]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		distinct[step.AgentID] = true
	}
	capacity := int64(len(distinct))
	if capacity > int64(o.opts.ParallelismCap) {
		capacity = int64(o.opts.ParallelismCap)
	}
	sem := semaphore.NewWeighted(capacity)

	// mu guards step status and the finished counter. Publishes are
	// ticketed by completion number and delivered outside the lock, so
	// observers see transitions in completion order while sink and bus
	// I/O never happens under the state lock.
	var mu sync.Mutex
	pubTurn := sync.NewCond(&mu)
	nextPub := 1
	finished := 0
	total := len(plan.Steps)

	for {
		// Check before marking anything Running so cancellation never
		// strands a step in that state.
		if ctx.Err() != nil {
			break
		}
		eligible := o.eligibleSteps(&mu, plan)
		if len(eligible) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, step := range eligible {
			wg.Add(1)
			go func(step *Step) {
				defer wg.Done()

				if err := sem.Acquire(ctx, 1); err != nil {
					mu.Lock()
					step.Status = StepPending
					mu.Unlock()
					return
				}
				defer sem.Release(1)

				res := o.executeStep(ctx, plan, step)

				mu.Lock()
				step.Result = res
				if res.Success {
					step.Status = StepCompleted
				} else {
					step.Status = StepFailed
				}
				finished++
				ticket := finished
				progress := &Progress{
					CurrentStep:     finished,
					TotalSteps:      total,
					CurrentAgent:    step.AgentID,
					CurrentTask:     step.Task,
					PercentComplete: 100 * float64(finished) / float64(total),
				}
				for nextPub != ticket {
					pubTurn.Wait()
				}
				mu.Unlock()

				if sink != nil {
					sink.RouteOrchestrationUpdate(plan.SessionID, progress)
				}
				o.publishStepCompleted(ctx, plan, step)

				mu.Lock()
				nextPub++
				pubTurn.Broadcast()
				mu.Unlock()
			}(step)
		}
		wg.Wait()
	}

	// Whatever is still pending had a failed or never-run dependency, or
	// execution was cancelled before it launched.
	mu.Lock()
	for _, step := range plan.Steps {
		if step.Status == StepPending {
			step.Status = StepSkipped
		}
	}
	success := true
	for _, step := range plan.Steps {
		if step.Status != StepCompleted {
			success = false
		}
		if step.Result != nil {
			result.StepResults = append(result.StepResults, step.Result)
		}
	}
	mu.Unlock()

	result.Success = success
	result.CompletedAt = time.Now().UTC()

	o.logger.Info("Plan finished",
		zap.String("plan_id", plan.ID),
		zap.String("session_id", plan.SessionID),
		zap.Bool("success", result.Success),
		zap.Int("steps", total))
	return result, nil
}

// eligibleSteps marks and returns every pending step whose dependencies have
// all completed.
func (o *Orchestrator) eligibleSteps(mu *sync.Mutex, plan *Plan) []*Step {
	mu.Lock()
	defer mu.Unlock()

	byID := make(map[string]*Step, len(plan.Steps))
	for _, step := range plan.Steps {
		byID[step.ID] = step
	}

	var eligible []*Step
	for _, step := range plan.Steps {
		if step.Status != StepPending {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			if byID[dep].Status != StepCompleted {
				ready = false
				break
			}
		}
		if ready {
			step.Status = StepRunning
			eligible = append(eligible, step)
		}
	}
	return eligible
}

// executeStep resolves the step's agent and runs its task to completion.
// Failures are captured in the result, never returned.
func (o *Orchestrator) executeStep(ctx context.Context, plan *Plan, step *Step) *StepResult {
	res := &StepResult{
		StepID:  step.ID,
		AgentID: step.AgentID,
	}
	defer func() { res.CompletedAt = time.Now().UTC() }()

	ag, ok := o.agents.GetAgent(step.AgentID)
	if !ok {
		res.Error = "agent " + step.AgentID + " not found"
		o.logger.Warn("Step agent missing",
			zap.String("plan_id", plan.ID),
			zap.String("step_id", step.ID),
			zap.String("agent_id", step.AgentID))
		return res
	}

	if o.opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.StepTimeout)
		defer cancel()
	}

	msg := &session.AgentMessage{
		ID:        uuid.New().String(),
		SessionID: plan.SessionID,
		AgentID:   session.UserAgentID,
		Role:      session.RoleUser,
		Content:   step.Task,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]interface{}{
			"plan_id": plan.ID,
			"step_id": step.ID,
		},
	}

	resp, err := ag.SendMessage(ctx, msg)
	if err != nil {
		res.Error = err.Error()
		if apperr.Is(err, apperr.KindCancelled) || ctx.Err() != nil {
			res.Error = "step cancelled: " + err.Error()
		}
		o.logger.Warn("Step failed",
			zap.String("plan_id", plan.ID),
			zap.String("step_id", step.ID),
			zap.String("agent_id", step.AgentID),
			zap.Error(err))
		return res
	}

	res.Success = true
	res.Content = resp.Content
	return res
}

// publishStepCompleted emits the step transition on the event bus, logging
// failures instead of surfacing them.
func (o *Orchestrator) publishStepCompleted(ctx context.Context, plan *Plan, step *Step) {
	event := bus.NewEvent(events.OrchestrationStepCompleted, "orchestrator", map[string]interface{}{
		"session_id": plan.SessionID,
		"plan_id":    plan.ID,
		"step_id":    step.ID,
		"agent_id":   step.AgentID,
		"status":     string(step.Status),
		"order":      step.Order,
	})
	if err := o.bus.Publish(ctx, events.BuildStepCompletedSubject(plan.SessionID), event); err != nil {
		o.logger.Warn("Failed to publish step event",
			zap.String("plan_id", plan.ID),
			zap.String("step_id", step.ID),
			zap.Error(err))
	}
}

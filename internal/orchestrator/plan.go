// Package orchestrator coordinates multi-step plans across agents sharing a
// session: plan construction per strategy, dependency-ordered execution with
// bounded concurrency, progress reporting and cancellation.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/common/apperr"
)

// Strategy selects how plan steps depend on each other.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	// Adaptive plans may grow while executing. Without a planning
	// collaborator they degrade to a sequential chain.
	StrategyAdaptive Strategy = "adaptive"
)

// StepStatus is the lifecycle of a single plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult captures the outcome of one executed step.
type StepResult struct {
	StepID      string    `json:"step_id"`
	AgentID     string    `json:"agent_id"`
	Success     bool      `json:"success"`
	Content     string    `json:"content,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Step is one unit of work assigned to an agent. DependsOn lists step ids
// that must complete before this step becomes eligible.
type Step struct {
	ID        string      `json:"id"`
	Order     int         `json:"order"`
	AgentID   string      `json:"agent_id"`
	Task      string      `json:"task"`
	DependsOn []string    `json:"depends_on,omitempty"`
	Status    StepStatus  `json:"status"`
	Result    *StepResult `json:"result,omitempty"`
}

// Plan is a DAG of steps working toward a goal within one session.
type Plan struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Goal      string    `json:"goal"`
	Strategy  Strategy  `json:"strategy"`
	Steps     []*Step   `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// Progress is a point-in-time view of plan execution. CurrentStep counts
// finished steps; PercentComplete is 100*completed/total.
type Progress struct {
	CurrentStep     int     `json:"current_step"`
	TotalSteps      int     `json:"total_steps"`
	CurrentAgent    string  `json:"current_agent"`
	CurrentTask     string  `json:"current_task"`
	PercentComplete float64 `json:"percent_complete"`
}

// Result is the terminal outcome of an executed plan.
type Result struct {
	PlanID      string        `json:"plan_id"`
	Success     bool          `json:"success"`
	StepResults []*StepResult `json:"step_results"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// PlanRequest describes the plan to construct.
type PlanRequest struct {
	SessionID string   `json:"session_id"`
	Goal      string   `json:"goal"`
	AgentIDs  []string `json:"agent_ids"`
	Strategy  Strategy `json:"strategy"`
}

// CreatePlan builds a plan with one step per requested agent, wired per
// strategy. Sequential and adaptive plans chain each step on its
// predecessor; parallel plans have no dependencies.
func CreatePlan(req *PlanRequest) (*Plan, error) {
	if req == nil {
		return nil, apperr.InvalidArgument("plan request must not be nil")
	}
	if req.SessionID == "" {
		return nil, apperr.InvalidArgument("plan requires a session id")
	}
	if len(req.AgentIDs) == 0 {
		return nil, apperr.InvalidArgument("plan requires at least one agent")
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategySequential
	}
	switch strategy {
	case StrategySequential, StrategyParallel, StrategyAdaptive:
	default:
		return nil, apperr.Newf(apperr.KindInvalidArgument, "unknown strategy %q", strategy)
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		SessionID: req.SessionID,
		Goal:      req.Goal,
		Strategy:  strategy,
		Steps:     make([]*Step, 0, len(req.AgentIDs)),
		CreatedAt: time.Now().UTC(),
	}

	for i, agentID := range req.AgentIDs {
		if agentID == "" {
			return nil, apperr.Newf(apperr.KindInvalidArgument, "agent id at position %d is empty", i)
		}
		step := &Step{
			ID:      fmt.Sprintf("%s-step-%d", plan.ID, i+1),
			Order:   i + 1,
			AgentID: agentID,
			Task:    req.Goal,
			Status:  StepPending,
		}
		if strategy != StrategyParallel && i > 0 {
			step.DependsOn = []string{plan.Steps[i-1].ID}
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

// Validate checks plan structural invariants: unique step ids, known
// dependencies and an acyclic dependency graph.
func (p *Plan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return apperr.InvalidArgument("plan has no steps")
	}

	byID := make(map[string]*Step, len(p.Steps))
	for _, step := range p.Steps {
		if step.ID == "" {
			return apperr.InvalidArgument("step id must not be empty")
		}
		if _, dup := byID[step.ID]; dup {
			return apperr.Newf(apperr.KindInvalidArgument, "duplicate step id %s", step.ID)
		}
		byID[step.ID] = step
	}

	// DFS cycle check: 0 unvisited, 1 on stack, 2 done.
	state := make(map[string]int, len(p.Steps))
	var visit func(id string) error
	visit = func(id string) error {
		step, ok := byID[id]
		if !ok {
			return apperr.Newf(apperr.KindInvalidArgument, "step depends on unknown step %s", id)
		}
		switch state[id] {
		case 1:
			return apperr.Newf(apperr.KindInvalidArgument, "dependency cycle through step %s", id)
		case 2:
			return nil
		}
		state[id] = 1
		for _, dep := range step.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = 2
		return nil
	}
	for _, step := range p.Steps {
		if err := visit(step.ID); err != nil {
			return err
		}
	}
	return nil
}

package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antigravity-dev/looper/internal/worker"
)

// Decomposition is the planner's proposal for splitting a complex step.
type Decomposition struct {
	Subtasks     []*Step `json:"subtasks"`
	ParallelSafe bool    `json:"parallel_safe"`
}

// Planner produces and maintains the execution plan. It owns the step
// pointer, in-place decompositions, and the single sub-plan attempt a
// failed main step is allowed.
type Planner struct {
	client *worker.Client
	logger *slog.Logger

	mu                 sync.Mutex
	plan               *Plan
	subPlan            *Plan
	subPlanParent      *Step
	complexStepTimeout time.Duration
}

func NewPlanner(client *worker.Client, complexStepTimeout time.Duration, logger *slog.Logger) *Planner {
	if complexStepTimeout <= 0 {
		complexStepTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		client:             client,
		complexStepTimeout: complexStepTimeout,
		logger:             logger,
	}
}

// planSchema constrains the planner's structured reply.
const planSchema = `{
	"type": "object",
	"required": ["steps"],
	"properties": {
		"steps": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["number", "description", "complexity"],
				"properties": {
					"number": {"type": "integer"},
					"description": {"type": "string"},
					"complexity": {"type": "string", "enum": ["simple", "medium", "complex"]},
					"dependencies": {"type": "array", "items": {"type": "integer"}},
					"verification_criteria": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

// CreatePlan asks the planner model for an ordered plan of steps.
func (pl *Planner) CreatePlan(ctx context.Context, goal, initialContext, workingDir string) (*Plan, error) {
	prompt := buildPlanPrompt(goal, initialContext, workingDir)
	reply, err := pl.client.SendPromptWithRetry(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("planner call: %w", err)
	}

	p, err := parsePlanReply(reply)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = time.Now()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("planner produced invalid plan: %w", err)
	}

	pl.mu.Lock()
	pl.plan = p
	pl.mu.Unlock()
	pl.logger.Info("plan created", "steps", len(p.Steps))
	return p, nil
}

// RestorePlan installs a plan restored from persistence.
func (pl *Planner) RestorePlan(p *Plan) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.plan = p
}

// Plan returns the root plan.
func (pl *Planner) Plan() *Plan {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.plan
}

// ActivePlan returns the plan execution currently runs against: the
// sub-plan when one is active, the root plan otherwise.
func (pl *Planner) ActivePlan() *Plan {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.subPlan != nil {
		return pl.subPlan
	}
	return pl.plan
}

// InSubPlan reports whether a sub-plan is executing.
func (pl *Planner) InSubPlan() bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.subPlan != nil
}

// CurrentStep returns the runnable step the engine should work on,
// marking it in_progress.
func (pl *Planner) CurrentStep() *Step {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	active := pl.activePlanLocked()
	if active == nil {
		return nil
	}
	step := active.CurrentStep()
	if step == nil && pl.subPlan != nil && pl.subPlan.IsComplete() {
		pl.completeSubPlanLocked()
		if pl.plan != nil {
			step = pl.plan.CurrentStep()
		}
	}
	if step != nil && step.Status == StatusPending {
		step.Status = StatusInProgress
		step.StartTime = time.Now()
	}
	return step
}

func (pl *Planner) activePlanLocked() *Plan {
	if pl.subPlan != nil {
		return pl.subPlan
	}
	return pl.plan
}

// AdvanceStep marks the current step completed and moves the pointer.
// A finished sub-plan completes its parent step.
func (pl *Planner) AdvanceStep() *Step {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	active := pl.activePlanLocked()
	if active == nil {
		return nil
	}
	step := active.CurrentStep()
	if step == nil {
		return nil
	}
	step.Status = StatusCompleted
	step.EndTime = time.Now()

	if pl.subPlan != nil && pl.subPlan.IsComplete() {
		pl.completeSubPlanLocked()
	}
	return step
}

// completeSubPlanLocked folds a successful sub-plan back into the root:
// the parent step is completed through the alternative approach.
func (pl *Planner) completeSubPlanLocked() {
	if pl.subPlanParent != nil {
		pl.subPlanParent.Status = StatusCompleted
		pl.subPlanParent.EndTime = time.Now()
		pl.subPlanParent.FailureReason = ""
	}
	pl.subPlan = nil
	pl.subPlanParent = nil
}

// FailCurrentStep marks the current step failed with a reason.
func (pl *Planner) FailCurrentStep(reason string) *Step {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	active := pl.activePlanLocked()
	if active == nil {
		return nil
	}
	step := active.CurrentStep()
	if step == nil {
		return nil
	}
	step.Status = StatusFailed
	step.FailureReason = reason
	step.EndTime = time.Now()
	return step
}

// SkipCurrentStep marks the current step skipped.
func (pl *Planner) SkipCurrentStep(reason string) *Step {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	active := pl.activePlanLocked()
	if active == nil {
		return nil
	}
	step := active.CurrentStep()
	if step == nil {
		return nil
	}
	step.Status = StatusSkipped
	step.FailureReason = reason
	step.EndTime = time.Now()
	return step
}

// ShouldDecomposeStep reports whether a step warrants in-place
// decomposition: declared complex, or running past the timeout.
func (pl *Planner) ShouldDecomposeStep(step *Step, elapsed time.Duration) bool {
	if step == nil || step.IsSubStep || len(step.DecomposedInto) > 0 {
		return false
	}
	return step.Complexity == ComplexityComplex || elapsed > pl.complexStepTimeout
}

// DecomposeComplexStep asks the planner to split a step into ordered
// subtasks.
func (pl *Planner) DecomposeComplexStep(ctx context.Context, step *Step, workingDir string) (*Decomposition, error) {
	prompt := fmt.Sprintf(`Break the following step into 2-5 smaller ordered subtasks.

Step %d: %s

Working directory: %s

Respond with JSON only: {"subtasks": [{"number": 1, "description": "...", "complexity": "simple|medium|complex", "verification_criteria": ["..."]}], "parallel_safe": false}`,
		step.Number, step.Description, workingDir)

	reply, err := pl.client.SendPromptWithRetry(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("decompose step %d: %w", step.Number, err)
	}

	raw := structuredOrExtracted(reply)
	if raw == "" {
		return nil, fmt.Errorf("decompose step %d: no JSON in planner reply", step.Number)
	}
	var d Decomposition
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("decompose step %d: %w", step.Number, err)
	}
	if len(d.Subtasks) == 0 {
		return nil, fmt.Errorf("decompose step %d: empty subtask list", step.Number)
	}
	for i, sub := range d.Subtasks {
		sub.Number = i + 1
		sub.Status = StatusPending
		sub.IsSubStep = true
		sub.ParentStepNumber = step.Number
	}
	return &d, nil
}

// InjectSubtasks splices a decomposition into the current step.
func (pl *Planner) InjectSubtasks(step *Step, d *Decomposition) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	step.DecomposedInto = d.Subtasks
	pl.logger.Info("step decomposed", "step", step.Number, "subtasks", len(d.Subtasks))
}

// CanAttemptSubPlan reports whether the current step may still get a
// sub-plan: a main step with no prior attempt.
func (pl *Planner) CanAttemptSubPlan() bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.subPlan != nil || pl.plan == nil {
		return false
	}
	step := pl.plan.CurrentStep()
	if step == nil {
		return false
	}
	return !step.IsSubStep && !step.SubPlanAttempted
}

// CreateSubPlan asks the planner for an alternative approach to a
// blocked step. On success the sub-plan becomes the active plan; an
// unusable reply returns nil without consuming execution.
func (pl *Planner) CreateSubPlan(ctx context.Context, step *Step, reason, workingDir string) (*Plan, error) {
	pl.mu.Lock()
	step.SubPlanAttempted = true
	pl.mu.Unlock()

	prompt := fmt.Sprintf(`The following step is blocked and needs an alternative approach.

Step %d: %s
Blocked because: %s
Working directory: %s

Propose a short plan (2-4 steps) that reaches the same outcome a different way.
Respond with JSON only: {"steps": [{"number": 1, "description": "...", "complexity": "simple|medium|complex", "dependencies": [], "verification_criteria": ["..."]}]}`,
		step.Number, step.Description, reason, workingDir)

	reply, err := pl.client.SendPromptWithRetry(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("create sub-plan for step %d: %w", step.Number, err)
	}

	sub, err := parsePlanReply(reply)
	if err != nil || sub.Validate() != nil {
		pl.logger.Warn("sub-plan reply unusable", "step", step.Number, "error", err)
		return nil, nil
	}
	sub.CreatedAt = time.Now()
	for _, s := range sub.Steps {
		s.IsSubStep = true
		s.ParentStepNumber = step.Number
	}

	pl.mu.Lock()
	pl.subPlan = sub
	pl.subPlanParent = step
	pl.mu.Unlock()
	pl.logger.Info("sub-plan created", "parent_step", step.Number, "steps", len(sub.Steps))
	return sub, nil
}

// AbortSubPlan rolls back to the root plan, marking the parent step
// failed with the sub-plan's failure reason.
func (pl *Planner) AbortSubPlan(reason string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.subPlan == nil {
		return
	}
	if pl.subPlanParent != nil {
		pl.subPlanParent.Status = StatusFailed
		pl.subPlanParent.FailureReason = fmt.Sprintf("sub-plan failed: %s", reason)
		pl.subPlanParent.EndTime = time.Now()
	}
	pl.subPlan = nil
	pl.subPlanParent = nil
	pl.logger.Warn("sub-plan aborted", "reason", reason)
}

// IsComplete reports whether every top-level step of the root plan is
// completed or skipped.
func (pl *Planner) IsComplete() bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.plan == nil {
		return false
	}
	if pl.subPlan != nil && pl.subPlan.IsComplete() {
		pl.completeSubPlanLocked()
	}
	return pl.plan.IsComplete()
}

func buildPlanPrompt(goal, initialContext, workingDir string) string {
	var b strings.Builder
	b.WriteString("Create an ordered execution plan for this goal.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	if initialContext != "" {
		fmt.Fprintf(&b, "Context: %s\n", initialContext)
	}
	fmt.Fprintf(&b, "Working directory: %s\n\n", workingDir)
	b.WriteString("Rules:\n")
	b.WriteString("- 3 to 8 steps, each independently verifiable\n")
	b.WriteString("- number steps 1..N; dependencies reference prior step numbers only\n")
	b.WriteString("- rate complexity as simple, medium, or complex\n")
	b.WriteString("- give each step 1-3 concrete verification criteria\n\n")
	b.WriteString(`Respond with JSON only: {"steps": [{"number": 1, "description": "...", "complexity": "medium", "dependencies": [], "verification_criteria": ["..."]}]}`)
	return b.String()
}

func parsePlanReply(reply worker.Reply) (*Plan, error) {
	raw := structuredOrExtracted(reply)
	if raw == "" {
		return nil, fmt.Errorf("no JSON plan in planner reply")
	}
	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	for _, s := range p.Steps {
		if s.Status == "" {
			s.Status = StatusPending
		}
		if s.Complexity == "" {
			s.Complexity = ComplexityMedium
		}
	}
	return &p, nil
}

// structuredOrExtracted prefers the child's schema-validated object and
// falls back to extracting JSON from the reply text.
func structuredOrExtracted(reply worker.Reply) string {
	if len(reply.Structured) > 0 {
		return string(reply.Structured)
	}
	return worker.ExtractJSON(reply.Text)
}

// PlanSchema exposes the structured-output schema for clients that pass
// it to the child process.
func PlanSchema() string { return planSchema }

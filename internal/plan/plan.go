// Package plan models ordered execution plans and produces them by
// calling the planner LLM client.
package plan

import (
	"encoding/json"
	"fmt"
	"time"
)

// Complexity rates how heavy a step is expected to be.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Status is the lifecycle state of one step. Transitions are monotonic:
// pending -> in_progress -> (completed | failed | skipped). A failed
// step is taken over by a sub-plan, never reset.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Step is one unit of work in a Plan.
type Step struct {
	Number               int        `json:"number"`
	Description          string     `json:"description"`
	Complexity           Complexity `json:"complexity"`
	Dependencies         []int      `json:"dependencies,omitempty"`
	VerificationCriteria []string   `json:"verification_criteria,omitempty"`
	Status               Status     `json:"status"`
	StartTime            time.Time  `json:"start_time,omitempty"`
	EndTime              time.Time  `json:"end_time,omitempty"`
	FailureReason        string     `json:"failure_reason,omitempty"`

	ParentStepNumber int     `json:"parent_step_number,omitempty"`
	IsSubStep        bool    `json:"is_sub_step,omitempty"`
	DecomposedInto   []*Step `json:"decomposed_into,omitempty"`
	SubPlanAttempted bool    `json:"sub_plan_attempted,omitempty"`
}

// terminal reports whether the step has reached a final status.
func (s *Step) terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Plan is an ordered list of steps forming a DAG via dependencies.
type Plan struct {
	Steps     []*Step   `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the structural invariants: contiguous 1..N numbering
// and dependencies referencing only prior steps.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	for i, step := range p.Steps {
		if step.Number != i+1 {
			return fmt.Errorf("step %d numbered %d, want contiguous numbering", i+1, step.Number)
		}
		for _, dep := range step.Dependencies {
			if dep < 1 || dep >= step.Number {
				return fmt.Errorf("step %d depends on %d, dependencies must reference prior steps", step.Number, dep)
			}
		}
	}
	return nil
}

// depsSatisfied reports whether every dependency has finished in a way
// that unblocks the dependent (completed or skipped).
func (p *Plan) depsSatisfied(step *Step) bool {
	for _, dep := range step.Dependencies {
		if dep < 1 || dep > len(p.Steps) {
			continue
		}
		switch p.Steps[dep-1].Status {
		case StatusCompleted, StatusSkipped:
		default:
			return false
		}
	}
	return true
}

// CurrentStep returns the lowest-numbered runnable step: pending or
// in_progress with all dependencies satisfied. Decomposed steps expose
// their first runnable substep instead; a fully-finished decomposition
// settles the parent's status as a side effect.
func (p *Plan) CurrentStep() *Step {
	for _, step := range p.Steps {
		if len(step.DecomposedInto) > 0 && !step.terminal() {
			if sub := firstRunnable(step.DecomposedInto); sub != nil {
				return sub
			}
			settleDecomposedParent(step)
			continue
		}
		if step.terminal() {
			continue
		}
		if p.depsSatisfied(step) {
			return step
		}
	}
	return nil
}

func firstRunnable(steps []*Step) *Step {
	for _, s := range steps {
		if !s.terminal() {
			return s
		}
	}
	return nil
}

// settleDecomposedParent finalizes a parent whose substeps have all
// reached a terminal state.
func settleDecomposedParent(parent *Step) {
	allOK := true
	for _, sub := range parent.DecomposedInto {
		if sub.Status == StatusFailed {
			allOK = false
			break
		}
	}
	if allOK {
		parent.Status = StatusCompleted
	} else {
		parent.Status = StatusFailed
		parent.FailureReason = "decomposed substep failed"
	}
	parent.EndTime = time.Now()
}

// IsComplete reports whether every top-level step is completed or
// skipped.
func (p *Plan) IsComplete() bool {
	for _, step := range p.Steps {
		if len(step.DecomposedInto) > 0 && !step.terminal() {
			if firstRunnable(step.DecomposedInto) == nil {
				settleDecomposedParent(step)
			}
		}
		switch step.Status {
		case StatusCompleted, StatusSkipped:
		default:
			return false
		}
	}
	return true
}

// Progress returns completed and total top-level step counts.
func (p *Plan) Progress() (completed, total int) {
	for _, step := range p.Steps {
		total++
		if step.Status == StatusCompleted || step.Status == StatusSkipped {
			completed++
		}
	}
	return completed, total
}

// Snapshot serializes the plan for persistence.
func (p *Plan) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("snapshot plan: %w", err)
	}
	return data, nil
}

// FromSnapshot restores a plan from its persisted form.
func FromSnapshot(data json.RawMessage) (*Plan, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plan snapshot")
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("restore plan: %w", err)
	}
	return &p, nil
}

package plan

import (
	"testing"
)

func makePlan(statuses ...Status) *Plan {
	p := &Plan{}
	for i, status := range statuses {
		p.Steps = append(p.Steps, &Step{
			Number:      i + 1,
			Description: "step",
			Complexity:  ComplexityMedium,
			Status:      status,
		})
	}
	return p
}

func TestValidate(t *testing.T) {
	good := makePlan(StatusPending, StatusPending)
	good.Steps[1].Dependencies = []int{1}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}

	empty := &Plan{}
	if err := empty.Validate(); err == nil {
		t.Fatal("empty plan accepted")
	}

	gap := makePlan(StatusPending, StatusPending)
	gap.Steps[1].Number = 5
	if err := gap.Validate(); err == nil {
		t.Fatal("non-contiguous numbering accepted")
	}

	forward := makePlan(StatusPending, StatusPending)
	forward.Steps[0].Dependencies = []int{2}
	if err := forward.Validate(); err == nil {
		t.Fatal("forward dependency accepted")
	}

	selfDep := makePlan(StatusPending)
	selfDep.Steps[0].Dependencies = []int{1}
	if err := selfDep.Validate(); err == nil {
		t.Fatal("self dependency accepted")
	}
}

func TestCurrentStep_RespectsDependencies(t *testing.T) {
	p := makePlan(StatusPending, StatusPending, StatusPending)
	p.Steps[1].Dependencies = []int{1}
	p.Steps[2].Dependencies = []int{2}

	if got := p.CurrentStep(); got == nil || got.Number != 1 {
		t.Fatalf("current = %+v, want step 1", got)
	}

	p.Steps[0].Status = StatusCompleted
	if got := p.CurrentStep(); got == nil || got.Number != 2 {
		t.Fatalf("current = %+v, want step 2", got)
	}

	// A skipped dependency also unblocks.
	p.Steps[1].Status = StatusSkipped
	if got := p.CurrentStep(); got == nil || got.Number != 3 {
		t.Fatalf("current = %+v, want step 3", got)
	}
}

func TestCurrentStep_FailedDependencyBlocks(t *testing.T) {
	p := makePlan(StatusFailed, StatusPending)
	p.Steps[1].Dependencies = []int{1}
	if got := p.CurrentStep(); got != nil {
		t.Fatalf("current = %+v, want nil (dependent blocked by failure)", got)
	}
}

func TestCurrentStep_FailureAdvancesToNextUnblocked(t *testing.T) {
	// Step 2 failed; step 3 has no dependency on it, execution advances.
	p := makePlan(StatusCompleted, StatusFailed, StatusPending)
	if got := p.CurrentStep(); got == nil || got.Number != 3 {
		t.Fatalf("current = %+v, want step 3", got)
	}
	if p.IsComplete() {
		t.Fatal("plan with a failed step must not be complete")
	}
}

func TestIsComplete(t *testing.T) {
	tests := []struct {
		statuses []Status
		want     bool
	}{
		{[]Status{StatusCompleted, StatusCompleted}, true},
		{[]Status{StatusCompleted, StatusSkipped}, true},
		{[]Status{StatusCompleted, StatusPending}, false},
		{[]Status{StatusCompleted, StatusFailed}, false},
		{[]Status{StatusInProgress}, false},
	}
	for _, tt := range tests {
		if got := makePlan(tt.statuses...).IsComplete(); got != tt.want {
			t.Errorf("IsComplete(%v) = %v, want %v", tt.statuses, got, tt.want)
		}
	}
}

func TestDecomposedStep(t *testing.T) {
	p := makePlan(StatusInProgress, StatusPending)
	parent := p.Steps[0]
	parent.DecomposedInto = []*Step{
		{Number: 1, Description: "a", Status: StatusPending, IsSubStep: true, ParentStepNumber: 1},
		{Number: 2, Description: "b", Status: StatusPending, IsSubStep: true, ParentStepNumber: 1},
	}

	got := p.CurrentStep()
	if got == nil || !got.IsSubStep || got.Description != "a" {
		t.Fatalf("current = %+v, want first substep", got)
	}

	parent.DecomposedInto[0].Status = StatusCompleted
	got = p.CurrentStep()
	if got == nil || got.Description != "b" {
		t.Fatalf("current = %+v, want second substep", got)
	}

	parent.DecomposedInto[1].Status = StatusCompleted
	got = p.CurrentStep()
	if got == nil || got.Number != 2 || got.IsSubStep {
		t.Fatalf("current = %+v, want main step 2 after substeps settle", got)
	}
	if parent.Status != StatusCompleted {
		t.Fatalf("parent status = %s, want completed", parent.Status)
	}
}

func TestDecomposedStep_SubstepFailureFailsParent(t *testing.T) {
	p := makePlan(StatusInProgress)
	parent := p.Steps[0]
	parent.DecomposedInto = []*Step{
		{Number: 1, Status: StatusCompleted, IsSubStep: true},
		{Number: 2, Status: StatusFailed, IsSubStep: true},
	}
	p.CurrentStep()
	if parent.Status != StatusFailed {
		t.Fatalf("parent status = %s, want failed", parent.Status)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	p := makePlan(StatusCompleted, StatusInProgress)
	p.Steps[1].Dependencies = []int{1}
	p.Steps[1].VerificationCriteria = []string{"it builds"}

	data, err := p.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	back, err := FromSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(back.Steps) != 2 {
		t.Fatalf("steps = %d", len(back.Steps))
	}
	if back.Steps[1].Status != StatusInProgress || back.Steps[1].VerificationCriteria[0] != "it builds" {
		t.Fatalf("round trip mismatch: %+v", back.Steps[1])
	}

	if _, err := FromSnapshot(nil); err == nil {
		t.Fatal("empty snapshot accepted")
	}
}

func TestProgress(t *testing.T) {
	p := makePlan(StatusCompleted, StatusSkipped, StatusPending)
	completed, total := p.Progress()
	if completed != 2 || total != 3 {
		t.Fatalf("progress = %d/%d, want 2/3", completed, total)
	}
}

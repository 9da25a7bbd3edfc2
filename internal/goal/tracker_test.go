package goal

import (
	"fmt"
	"strings"
	"testing"
)

func TestParseResponse_CompletionPhrases(t *testing.T) {
	tests := []struct {
		response string
		want     bool
	}{
		{"The TASK COMPLETE, everything works", true},
		{"goal achieved after refactor", true},
		{"We successfully completed the migration", true},
		{"Mission Accomplished!", true},
		{"still working on the parser", false},
		{"completing soon", false},
	}
	for _, tt := range tests {
		tr := NewTracker("g", nil)
		update := tr.ParseResponse(tt.response)
		if update.CompletionClaimed != tt.want {
			t.Errorf("ParseResponse(%q).CompletionClaimed = %v, want %v", tt.response, update.CompletionClaimed, tt.want)
		}
	}
}

func TestParseResponse_ExplicitPercent(t *testing.T) {
	tests := []struct {
		response string
		want     int
	}{
		{"roughly 40% complete now", 40},
		{"we are at 100 % done", 100},
		{"250% complete", 100}, // clamped
		{"no percent here", -1},
		{"7%progress", 7},
	}
	for _, tt := range tests {
		tr := NewTracker("g", nil)
		update := tr.ParseResponse(tt.response)
		if update.ExplicitPercent != tt.want {
			t.Errorf("ParseResponse(%q).ExplicitPercent = %d, want %d", tt.response, update.ExplicitPercent, tt.want)
		}
	}
}

func TestParseResponse_Blockers(t *testing.T) {
	tr := NewTracker("g", nil)
	update := tr.ParseResponse("Tests pass. However I am blocked on the database driver. Everything else is fine.")
	if len(update.Blockers) != 1 {
		t.Fatalf("blockers = %v, want 1 entry", update.Blockers)
	}
	if !strings.Contains(update.Blockers[0], "blocked on the database driver") {
		t.Errorf("blocker = %q", update.Blockers[0])
	}
}

func TestProgress_NoSubgoalsUsesExplicitPercent(t *testing.T) {
	tr := NewTracker("g", nil)
	if tr.Progress() != 0 {
		t.Fatalf("initial progress = %d", tr.Progress())
	}
	tr.ParseResponse("about 60% done")
	if tr.Progress() != 60 {
		t.Fatalf("progress = %d, want 60", tr.Progress())
	}
	if tr.IsComplete() {
		t.Fatal("60% is not complete")
	}
	tr.ParseResponse("now 100% complete")
	if !tr.IsComplete() {
		t.Fatal("100% with no subgoals should be complete")
	}
}

func TestProgress_SubgoalMean(t *testing.T) {
	tr := NewTracker("g", []string{"one", "two"})
	if err := tr.SetSubgoalProgress(1, 100); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetSubgoalProgress(2, 50); err != nil {
		t.Fatal(err)
	}
	if got := tr.Progress(); got != 75 {
		t.Fatalf("progress = %d, want 75", got)
	}
	if tr.IsComplete() {
		t.Fatal("not all subgoals completed")
	}
}

func TestSubgoalLifecycle(t *testing.T) {
	tr := NewTracker("g", []string{"one", "two", "three"})

	if err := tr.StartSubgoal(1); err != nil {
		t.Fatal(err)
	}
	if err := tr.StartSubgoal(2); err != nil {
		t.Fatal(err)
	}
	// At most one in_progress at a time.
	inProgress := 0
	for _, sg := range tr.Subgoals() {
		if sg.Status == SubGoalInProgress {
			inProgress++
		}
	}
	if inProgress != 1 {
		t.Fatalf("in_progress count = %d, want 1", inProgress)
	}

	for i := 1; i <= 3; i++ {
		if err := tr.CompleteSubgoal(i); err != nil {
			t.Fatal(err)
		}
	}
	for _, sg := range tr.Subgoals() {
		if sg.Progress != 100 {
			t.Errorf("subgoal %d progress = %d, want 100 when completed", sg.ID, sg.Progress)
		}
	}
	if !tr.IsComplete() {
		t.Fatal("all subgoals completed, tracker should be complete")
	}
}

func TestMilestonesBounded(t *testing.T) {
	tr := NewTracker("g", nil)
	for i := 0; i < 60; i++ {
		tr.AddMilestone(fmt.Sprintf("m%d", i))
	}
	if got := len(tr.Milestones()); got != maxMilestones {
		t.Fatalf("milestones = %d, want %d", got, maxMilestones)
	}
}

func TestProgressPrompt(t *testing.T) {
	tr := NewTracker("ship it", []string{"write code"})
	prompt := tr.ProgressPrompt()
	if !strings.Contains(prompt, "ship it") || !strings.Contains(prompt, "write code") {
		t.Fatalf("prompt missing goal context: %q", prompt)
	}
}

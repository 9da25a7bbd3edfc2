package supervisor

import (
	"fmt"
	"time"
)

// Action is the supervisor's verdict on one worker reply, ordered by
// severity.
type Action string

const (
	ActionContinue Action = "CONTINUE"
	ActionRemind   Action = "REMIND"
	ActionCorrect  Action = "CORRECT"
	ActionRefocus  Action = "REFOCUS"
	ActionCritical Action = "CRITICAL"
	ActionAbort    Action = "ABORT"
)

var actionRank = map[Action]int{
	ActionContinue: 0,
	ActionRemind:   1,
	ActionCorrect:  2,
	ActionRefocus:  3,
	ActionCritical: 4,
	ActionAbort:    5,
}

// Rank returns the severity ordering of an action.
func Rank(a Action) int { return actionRank[a] }

// EscalationState tracks the consecutive-issue counter driving the
// ladder.
type EscalationState struct {
	ConsecutiveIssues  int
	LastRelevantAction time.Time
	TotalCorrections   int
}

// Thresholds are the consecutive-issue counts at which the ladder forces
// a minimum action.
type Thresholds struct {
	Warn      int
	Intervene int
	Critical  int
	Abort     int
}

// applyLadder maps the LLM's suggested action plus the running issue
// count to the effective action. The ladder only ever escalates upward.
func applyLadder(suggested Action, consecutiveIssues int, t Thresholds) Action {
	count := consecutiveIssues
	if suggested != ActionContinue {
		count++
	}

	effective := suggested
	switch {
	case count >= t.Abort:
		effective = ActionAbort
	case count >= t.Critical:
		effective = ActionCritical
	case count >= t.Intervene && Rank(suggested) < Rank(ActionRefocus):
		effective = ActionRefocus
	case count >= t.Warn && suggested == ActionContinue:
		effective = ActionCorrect
	}
	if Rank(effective) < Rank(suggested) {
		effective = suggested
	}
	return effective
}

// CorrectionPrompt returns the intervention text for a non-CONTINUE
// action, or "" for CONTINUE.
func CorrectionPrompt(a Assessment, goalText string) string {
	switch a.Action {
	case ActionRemind:
		return fmt.Sprintf("## REMINDER\nStay focused on the goal: %s\nYour last response drifted. Return to the task.", goalText)
	case ActionCorrect:
		return fmt.Sprintf("## COURSE CORRECTION\nGoal: %s\nSupervision score: %d/100 after %d consecutive flagged responses.\nReason: %s\nAdjust your approach now and state your next concrete action toward the goal.",
			goalText, a.Score, a.ConsecutiveIssues, a.Reason)
	case ActionRefocus:
		return fmt.Sprintf(`## STOP - REFOCUS REQUIRED
Work has drifted from the goal: %s

Before doing anything else:
1. Acknowledge explicitly that you have been off track.
2. List 3 concrete steps you will take to get back on track.
3. Then, and only then, take the first of those steps.`, goalText)
	case ActionCritical:
		return fmt.Sprintf("## FINAL WARNING\nGoal: %s\nThis is the last chance to demonstrate progress. The next unproductive response aborts the run. State exactly what you will do and do it.", goalText)
	case ActionAbort:
		return "## SESSION TERMINATING\nThe run is being aborted for persistent drift. Summarize what was attempted, what state the working directory is in, and what a human should check."
	default:
		return ""
	}
}

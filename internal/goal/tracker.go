// Package goal tracks the primary goal, its subgoals, and the progress
// indicators harvested from free-form worker replies.
package goal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SubGoalStatus is the lifecycle state of one subgoal.
type SubGoalStatus string

const (
	SubGoalPending    SubGoalStatus = "pending"
	SubGoalInProgress SubGoalStatus = "in_progress"
	SubGoalCompleted  SubGoalStatus = "completed"
	SubGoalBlocked    SubGoalStatus = "blocked"
)

// SubGoal is one ordered component of the primary goal.
type SubGoal struct {
	ID          int
	Description string
	Status      SubGoalStatus
	Progress    int // 0-100
	Notes       string
}

// Milestone records a notable moment in the run.
type Milestone struct {
	Description string
	At          time.Time
}

// Update is what ParseResponse extracted from one worker reply.
type Update struct {
	CompletionClaimed bool
	ExplicitPercent   int // -1 when absent
	Blockers          []string
}

const (
	maxMilestones = 50
	maxHistory    = 100
)

var completionPhrases = []string{
	"task complete",
	"goal achieved",
	"finished",
	"all goals met",
	"successfully completed",
	"mission accomplished",
}

var blockerTokens = []string{"blocked", "issue", "problem", "error", "cannot", "unable"}

var percentRe = regexp.MustCompile(`(?i)(\d{1,3})\s*%\s*(complete|progress|done)`)

// Tracker owns the Goal for one workflow run.
type Tracker struct {
	mu sync.Mutex

	primary         string
	subgoals        []SubGoal
	currentPhaseIdx int
	createdAt       time.Time

	milestones      []Milestone
	history         []Update
	blockers        []string
	lastExplicitPct int
}

// NewTracker builds a tracker for the primary goal with optional ordered
// subgoal descriptions (ids are assigned 1..N).
func NewTracker(primary string, subgoalDescriptions []string) *Tracker {
	t := &Tracker{
		primary:         primary,
		createdAt:       time.Now(),
		lastExplicitPct: -1,
	}
	for i, desc := range subgoalDescriptions {
		t.subgoals = append(t.subgoals, SubGoal{
			ID:          i + 1,
			Description: desc,
			Status:      SubGoalPending,
		})
	}
	return t
}

// Primary returns the primary goal text.
func (t *Tracker) Primary() string { return t.primary }

// Subgoals returns a copy of the subgoal list.
func (t *Tracker) Subgoals() []SubGoal {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SubGoal, len(t.subgoals))
	copy(out, t.subgoals)
	return out
}

// ParseResponse derives progress indicators from a free-form reply:
// completion phrases, blocker sentences, and explicit percentages.
func (t *Tracker) ParseResponse(response string) Update {
	update := Update{ExplicitPercent: -1}
	lower := strings.ToLower(response)

	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			update.CompletionClaimed = true
			break
		}
	}

	if m := percentRe.FindStringSubmatch(response); len(m) >= 2 {
		pct, err := strconv.Atoi(m[1])
		if err == nil {
			if pct > 100 {
				pct = 100
			}
			if pct < 0 {
				pct = 0
			}
			update.ExplicitPercent = pct
		}
	}

	for _, sentence := range splitSentences(response) {
		lowerSentence := strings.ToLower(sentence)
		for _, token := range blockerTokens {
			if strings.Contains(lowerSentence, token) {
				update.Blockers = append(update.Blockers, strings.TrimSpace(sentence))
				break
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if update.ExplicitPercent >= 0 {
		t.lastExplicitPct = update.ExplicitPercent
	}
	t.blockers = append(t.blockers, update.Blockers...)
	if len(t.blockers) > maxHistory {
		t.blockers = t.blockers[len(t.blockers)-maxHistory:]
	}
	t.history = append(t.history, update)
	if len(t.history) > maxHistory {
		t.history = t.history[len(t.history)-maxHistory:]
	}
	return update
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
}

// Progress returns overall progress: the mean of subgoal progress, or
// the last explicit percentage when there are no subgoals.
func (t *Tracker) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressLocked()
}

func (t *Tracker) progressLocked() int {
	if len(t.subgoals) == 0 {
		if t.lastExplicitPct < 0 {
			return 0
		}
		return t.lastExplicitPct
	}
	total := 0
	for _, sg := range t.subgoals {
		total += sg.Progress
	}
	return total / len(t.subgoals)
}

// IsComplete reports goal completion: all subgoals completed, or
// progress >= 100 when no subgoals exist.
func (t *Tracker) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subgoals) == 0 {
		return t.progressLocked() >= 100
	}
	for _, sg := range t.subgoals {
		if sg.Status != SubGoalCompleted {
			return false
		}
	}
	return true
}

// StartSubgoal moves a subgoal to in_progress, demoting any other
// in-progress subgoal back to pending (at most one active at a time).
func (t *Tracker) StartSubgoal(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := id - 1
	if idx < 0 || idx >= len(t.subgoals) {
		return fmt.Errorf("unknown subgoal %d", id)
	}
	for i := range t.subgoals {
		if t.subgoals[i].Status == SubGoalInProgress {
			t.subgoals[i].Status = SubGoalPending
		}
	}
	t.subgoals[idx].Status = SubGoalInProgress
	t.currentPhaseIdx = idx
	return nil
}

// CompleteSubgoal marks a subgoal completed with progress pinned at 100.
func (t *Tracker) CompleteSubgoal(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := id - 1
	if idx < 0 || idx >= len(t.subgoals) {
		return fmt.Errorf("unknown subgoal %d", id)
	}
	t.subgoals[idx].Status = SubGoalCompleted
	t.subgoals[idx].Progress = 100
	return nil
}

// SetSubgoalProgress updates a subgoal's progress percentage.
func (t *Tracker) SetSubgoalProgress(id, progress int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := id - 1
	if idx < 0 || idx >= len(t.subgoals) {
		return fmt.Errorf("unknown subgoal %d", id)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	t.subgoals[idx].Progress = progress
	if progress >= 100 {
		t.subgoals[idx].Status = SubGoalCompleted
	}
	return nil
}

// MarkComplete forces overall progress to 100 and marks every subgoal
// completed (used when verification confirms a completion claim).
func (t *Tracker) MarkComplete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastExplicitPct = 100
	for i := range t.subgoals {
		t.subgoals[i].Status = SubGoalCompleted
		t.subgoals[i].Progress = 100
	}
}

// AddMilestone appends to the bounded milestone list.
func (t *Tracker) AddMilestone(description string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.milestones = append(t.milestones, Milestone{Description: description, At: time.Now()})
	if len(t.milestones) > maxMilestones {
		t.milestones = t.milestones[len(t.milestones)-maxMilestones:]
	}
}

// Milestones returns a copy of the milestone list.
func (t *Tracker) Milestones() []Milestone {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Milestone, len(t.milestones))
	copy(out, t.milestones)
	return out
}

// Blockers returns the harvested blocker sentences.
func (t *Tracker) Blockers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.blockers))
	copy(out, t.blockers)
	return out
}

// ProgressPrompt builds the periodic progress-report request injected
// into the worker conversation.
func (t *Tracker) ProgressPrompt() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	b.WriteString("## PROGRESS CHECK\n")
	fmt.Fprintf(&b, "Primary goal: %s\n", t.primary)
	if len(t.subgoals) > 0 {
		b.WriteString("Subgoals:\n")
		for _, sg := range t.subgoals {
			fmt.Fprintf(&b, "- [%d] %s (%s, %d%%)\n", sg.ID, sg.Description, sg.Status, sg.Progress)
		}
	}
	fmt.Fprintf(&b, "Overall progress: %d%%\n", t.progressLocked())
	b.WriteString("Report your current progress as a percentage and list anything blocking you.\n")
	return b.String()
}

// Summary returns a one-line status for reports.
func (t *Tracker) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	completed := 0
	for _, sg := range t.subgoals {
		if sg.Status == SubGoalCompleted {
			completed++
		}
	}
	if len(t.subgoals) == 0 {
		return fmt.Sprintf("progress %d%%", t.progressLocked())
	}
	return fmt.Sprintf("%d/%d subgoals complete, progress %d%%", completed, len(t.subgoals), t.progressLocked())
}

// Package supervisor scores worker replies against the goal and drives
// the escalation ladder that keeps a drifting worker on task.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antigravity-dev/looper/internal/plan"
	"github.com/antigravity-dev/looper/internal/state"
	"github.com/antigravity-dev/looper/internal/worker"
)

// Assessment is the supervisor's structured judgement of one reply.
type Assessment struct {
	Sequence          int       `json:"sequence"`
	Relevant          bool      `json:"relevant"`
	Productive        bool      `json:"productive"`
	Progressing       bool      `json:"progressing"`
	Score             int       `json:"score"`
	Action            Action    `json:"action"`
	OriginalAction    Action    `json:"original_action"`
	Reason            string    `json:"reason"`
	ConsecutiveIssues int       `json:"consecutive_issues"`
	CacheHit          bool      `json:"cache_hit"`
	At                time.Time `json:"at"`
}

// Input is everything the assessment prompt needs.
type Input struct {
	GoalText      string
	Subgoals      []string // formatted "description (status)"
	CurrentStep   string
	WorkerReply   string
	RecentActions []string
}

// PlanReview is the supervisor's one-shot opinion of a proposed plan.
type PlanReview struct {
	Approved     bool     `json:"approved"`
	Issues       []string `json:"issues,omitempty"`
	MissingSteps []string `json:"missing_steps,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

// StepVerification is the verdict on a "STEP COMPLETE" claim.
type StepVerification struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason"`
}

// GoalVerification judges whether the goal itself was met, beyond the
// step list.
type GoalVerification struct {
	Achieved       bool     `json:"achieved"`
	Confidence     int      `json:"confidence"`
	Functional     bool     `json:"functional"`
	Recommendation string   `json:"recommendation,omitempty"`
	Gaps           []string `json:"gaps,omitempty"`
}

// Supervisor runs assessments on a separate fast-model session so the
// worker's conversation is never polluted.
type Supervisor struct {
	client *worker.Client
	cache  *state.ResultCache
	logger *slog.Logger

	thresholds          Thresholds
	stagnationThreshold time.Duration
	maxResponseLength   int

	mu      sync.Mutex
	esc     EscalationState
	history []Assessment

	now func() time.Time
}

// Options tunes a Supervisor.
type Options struct {
	Thresholds          Thresholds
	StagnationThreshold time.Duration
	MaxResponseLength   int
}

func New(client *worker.Client, cache *state.ResultCache, opts Options, logger *slog.Logger) *Supervisor {
	if opts.MaxResponseLength <= 0 {
		opts.MaxResponseLength = 3000
	}
	if opts.StagnationThreshold <= 0 {
		opts.StagnationThreshold = 15 * time.Minute
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = Thresholds{Warn: 2, Intervene: 3, Critical: 4, Abort: 5}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		client:              client,
		cache:               cache,
		logger:              logger,
		thresholds:          opts.Thresholds,
		stagnationThreshold: opts.StagnationThreshold,
		maxResponseLength:   opts.MaxResponseLength,
		now:                 time.Now,
	}
	s.esc.LastRelevantAction = s.now()
	return s
}

// State returns a snapshot of the escalation counters.
func (s *Supervisor) State() EscalationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.esc
}

// History returns a copy of the assessment history.
func (s *Supervisor) History() []Assessment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Assessment, len(s.history))
	copy(out, s.history)
	return out
}

// ForceIssueFloor raises consecutiveIssues to at least n. Used by the
// engine when duplicate responses are detected so the next assessment
// escalates.
func (s *Supervisor) ForceIssueFloor(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.esc.ConsecutiveIssues < n {
		s.esc.ConsecutiveIssues = n
	}
}

// WarnThreshold exposes the warn rung for the duplicate detector.
func (s *Supervisor) WarnThreshold() int { return s.thresholds.Warn }

// Assess scores one worker reply. Cached CONTINUE assessments for the
// same (reply, goal, counter) skip the LLM call entirely; a failed
// supervisor call degrades to a conservative CONTINUE.
func (s *Supervisor) Assess(ctx context.Context, in Input) Assessment {
	s.mu.Lock()
	issues := s.esc.ConsecutiveIssues
	s.mu.Unlock()

	key := state.CacheKey(in.WorkerReply, in.GoalText, strconv.Itoa(issues))
	if s.cache != nil {
		if raw, ok := s.cache.Get(key); ok {
			var cached Assessment
			if err := json.Unmarshal(raw, &cached); err == nil && cached.Action == ActionContinue {
				cached.CacheHit = true
				return s.finalize(cached, cached.Action)
			}
		}
	}

	a := s.assessWithModel(ctx, in)
	final := s.finalize(a, a.Action)

	if s.cache != nil && final.Action == ActionContinue {
		if raw, err := json.Marshal(final); err == nil {
			s.cache.Put(key, raw)
		}
	}
	return final
}

func (s *Supervisor) assessWithModel(ctx context.Context, in Input) Assessment {
	prompt := s.buildPrompt(in)
	reply, err := s.client.StartSession(ctx, "", prompt)
	if err != nil {
		// Control-plane hiccups must not stall the run.
		s.logger.Warn("supervisor call failed, defaulting to continue", "error", err)
		return Assessment{
			Relevant:    true,
			Productive:  true,
			Progressing: true,
			Score:       70,
			Action:      ActionContinue,
			Reason:      "supervisor unavailable, conservative continue",
		}
	}
	return parseAssessment(reply.Text)
}

// finalize applies the escalation ladder and commits counters/history.
func (s *Supervisor) finalize(a Assessment, suggested Action) Assessment {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.OriginalAction = suggested
	a.Action = applyLadder(suggested, s.esc.ConsecutiveIssues, s.thresholds)

	if a.Action == ActionContinue {
		s.esc.ConsecutiveIssues = 0
		s.esc.LastRelevantAction = s.now()
	} else {
		s.esc.ConsecutiveIssues++
		if a.Action == ActionCorrect || a.Action == ActionRefocus {
			s.esc.TotalCorrections++
		}
	}

	a.ConsecutiveIssues = s.esc.ConsecutiveIssues
	a.Sequence = len(s.history) + 1
	a.At = s.now()
	s.history = append(s.history, a)
	return a
}

// CheckStagnation produces a stagnation alert when no relevant action
// has happened within the threshold; the alert counts as an issue.
func (s *Supervisor) CheckStagnation() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.now().Sub(s.esc.LastRelevantAction) < s.stagnationThreshold {
		return "", false
	}
	s.esc.ConsecutiveIssues++
	s.esc.LastRelevantAction = s.now()
	return fmt.Sprintf("## STAGNATION ALERT\nNo meaningful progress detected for %s. "+
		"State concretely what is blocking you and take a different approach on the current step.",
		s.stagnationThreshold.Round(time.Minute)), true
}

func (s *Supervisor) buildPrompt(in Input) string {
	response := in.WorkerReply
	if len(response) > s.maxResponseLength {
		response = response[:s.maxResponseLength] + "\n[truncated]"
	}

	s.mu.Lock()
	recent := s.history
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	historyLines := make([]string, 0, len(recent))
	for _, h := range recent {
		historyLines = append(historyLines, fmt.Sprintf("- #%d score=%d action=%s: %s", h.Sequence, h.Score, h.Action, h.Reason))
	}
	issues := s.esc.ConsecutiveIssues
	s.mu.Unlock()

	var b strings.Builder
	b.WriteString("You are supervising an autonomous coding agent. Assess its latest response.\n\n")
	fmt.Fprintf(&b, "PRIMARY GOAL: %s\n", in.GoalText)
	if len(in.Subgoals) > 0 {
		b.WriteString("SUBGOALS:\n")
		for _, sg := range in.Subgoals {
			fmt.Fprintf(&b, "- %s\n", sg)
		}
	}
	if in.CurrentStep != "" {
		fmt.Fprintf(&b, "CURRENT STEP: %s\n", in.CurrentStep)
	}
	fmt.Fprintf(&b, "CONSECUTIVE FLAGGED RESPONSES: %d (warn at %d, abort at %d)\n",
		issues, s.thresholds.Warn, s.thresholds.Abort)
	if len(historyLines) > 0 {
		b.WriteString("RECENT ASSESSMENTS:\n")
		b.WriteString(strings.Join(historyLines, "\n"))
		b.WriteString("\n")
	}
	if len(in.RecentActions) > 0 {
		b.WriteString("RECENT AGENT ACTIONS:\n")
		for _, act := range in.RecentActions {
			fmt.Fprintf(&b, "- %s\n", act)
		}
	}
	fmt.Fprintf(&b, "\nAGENT RESPONSE:\n%s\n\n", response)
	b.WriteString(`Reply with exactly these six lines:
RELEVANT: yes|no
PRODUCTIVE: yes|no
PROGRESSING: yes|no
SCORE: 0-100
ACTION: CONTINUE|REMIND|CORRECT|REFOCUS|CRITICAL|ABORT
REASON: one sentence`)
	return b.String()
}

// parseAssessment reads the line-prefixed reply format, tolerating
// missing fields.
func parseAssessment(text string) Assessment {
	a := Assessment{
		Relevant:    true,
		Productive:  true,
		Progressing: true,
		Score:       70,
		Action:      ActionContinue,
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "RELEVANT":
			a.Relevant = parseYes(value)
		case "PRODUCTIVE":
			a.Productive = parseYes(value)
		case "PROGRESSING":
			a.Progressing = parseYes(value)
		case "SCORE":
			if n, err := strconv.Atoi(strings.Fields(value + " 0")[0]); err == nil {
				if n < 0 {
					n = 0
				}
				if n > 100 {
					n = 100
				}
				a.Score = n
			}
		case "ACTION":
			action := Action(strings.ToUpper(strings.Fields(value + " CONTINUE")[0]))
			if _, ok := actionRank[action]; ok {
				a.Action = action
			}
		case "REASON":
			a.Reason = value
		}
	}
	return a
}

func parseYes(value string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(value)), "y")
}

// ReviewPlan asks the supervisor for a one-shot plan review. An
// unapproved plan is a warning, never a blocker.
func (s *Supervisor) ReviewPlan(ctx context.Context, goalText string, p *plan.Plan) PlanReview {
	var b strings.Builder
	fmt.Fprintf(&b, "Review this execution plan for the goal: %s\n\nPLAN:\n", goalText)
	for _, step := range p.Steps {
		fmt.Fprintf(&b, "%d. [%s] %s\n", step.Number, step.Complexity, step.Description)
	}
	b.WriteString("\nDoes the plan reach the goal? Respond with JSON only: " +
		`{"approved": true, "issues": [], "missing_steps": [], "suggestions": []}`)

	reply, err := s.client.StartSession(ctx, "", b.String())
	if err != nil {
		s.logger.Warn("plan review call failed", "error", err)
		return PlanReview{Approved: true}
	}
	raw := worker.ExtractJSON(reply.Text)
	if len(reply.Structured) > 0 {
		raw = string(reply.Structured)
	}
	var review PlanReview
	if raw == "" || json.Unmarshal([]byte(raw), &review) != nil {
		return PlanReview{Approved: true}
	}
	return review
}

// VerifyStepCompletion checks a "STEP COMPLETE" claim against the
// worker's latest reply.
func (s *Supervisor) VerifyStepCompletion(ctx context.Context, step *plan.Step, lastResponse string) StepVerification {
	if len(lastResponse) > s.maxResponseLength {
		lastResponse = lastResponse[:s.maxResponseLength]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "A coding agent claims this step is complete:\nSTEP: %s\n", step.Description)
	if len(step.VerificationCriteria) > 0 {
		b.WriteString("CRITERIA:\n")
		for _, c := range step.VerificationCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	fmt.Fprintf(&b, "\nAGENT'S EVIDENCE:\n%s\n\n", lastResponse)
	b.WriteString("Reply with exactly:\nVERIFIED: yes|no\nREASON: one sentence")

	reply, err := s.client.StartSession(ctx, "", b.String())
	if err != nil {
		s.logger.Warn("step verification call failed, accepting claim", "step", step.Number, "error", err)
		return StepVerification{Verified: true, Reason: "verifier unavailable"}
	}

	v := StepVerification{Verified: false, Reason: "no verdict in reply"}
	for _, line := range strings.Split(reply.Text, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), ":")
		if !found {
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "VERIFIED":
			v.Verified = parseYes(value)
		case "REASON":
			v.Reason = strings.TrimSpace(value)
		}
	}
	return v
}

// VerifyGoalAchieved judges whether the goal itself was met after all
// steps finished.
func (s *Supervisor) VerifyGoalAchieved(ctx context.Context, goalText string, steps []*plan.Step, workingDir string) GoalVerification {
	var b strings.Builder
	fmt.Fprintf(&b, "All planned steps have finished. Judge whether the GOAL itself was achieved.\n\nGOAL: %s\nWORKING DIRECTORY: %s\n\nSTEP OUTCOMES:\n", goalText, workingDir)
	for _, step := range steps {
		fmt.Fprintf(&b, "%d. [%s] %s\n", step.Number, step.Status, step.Description)
	}
	b.WriteString("\nInspect the working directory if needed. Respond with JSON only: " +
		`{"achieved": true, "confidence": 0, "functional": true, "recommendation": "", "gaps": []}`)

	reply, err := s.client.StartSession(ctx, "", b.String())
	if err != nil {
		s.logger.Warn("goal verification call failed", "error", err)
		return GoalVerification{Achieved: false, Recommendation: "supervisor unavailable, verify manually"}
	}
	raw := worker.ExtractJSON(reply.Text)
	if len(reply.Structured) > 0 {
		raw = string(reply.Structured)
	}
	var v GoalVerification
	if raw == "" || json.Unmarshal([]byte(raw), &v) != nil {
		return GoalVerification{Achieved: false, Recommendation: "unparseable verdict, verify manually"}
	}
	return v
}

// Package engine is the workflow control plane: it loops the worker
// through plan -> review -> execute -> verify, pacing iterations,
// detecting stalls, and escalating through the supervisor ladder.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/antigravity-dev/looper/internal/config"
	"github.com/antigravity-dev/looper/internal/goal"
	"github.com/antigravity-dev/looper/internal/phase"
	"github.com/antigravity-dev/looper/internal/plan"
	"github.com/antigravity-dev/looper/internal/recovery"
	"github.com/antigravity-dev/looper/internal/state"
	"github.com/antigravity-dev/looper/internal/supervisor"
	"github.com/antigravity-dev/looper/internal/verify"
	"github.com/antigravity-dev/looper/internal/worker"
)

// Final statuses a run can end with.
const (
	StatusCompleted          = "completed"
	StatusVerificationFailed = "verification_failed"
	StatusTimeExpired        = "time_expired"
	StatusStopped            = "stopped"
	StatusAborted            = "aborted"
)

// Deps are the collaborators the engine drives. Store and History may be
// nil when persistence is disabled.
type Deps struct {
	Config   *config.Config
	Worker   *worker.Client
	Planner  *plan.Planner
	Sup      *supervisor.Supervisor
	Tracker  *goal.Tracker
	Phases   *phase.Manager
	Verifier *verify.Verifier
	Recovery *recovery.Recovery
	Store    *state.Store
	History  *state.History
	Sink     Sink
	Logger   *slog.Logger
}

// Options describe one workflow run.
type Options struct {
	GoalText       string
	InitialContext string
	WorkingDir     string
	Resume         bool
}

type pendingStep struct {
	step      *plan.Step
	response  string
	iteration int
}

type pendingSubPlan struct {
	step   *plan.Step
	reason string
}

type pendingCompletion struct {
	claim     string
	iteration int
	trigger   string
}

// Engine owns the plan, goal, assessment history, and escalation state
// for exactly one workflow run.
type Engine struct {
	deps Deps
	opts Options
	log  *slog.Logger

	iteration            int
	shouldStop           atomic.Bool
	abortReason          string
	status               string
	lastSummary          string
	verified             bool
	verificationFailures int

	runID             string
	lastProgressCheck time.Time
	stepStartedAt     time.Time
	recentActions     []string
	rejectionPrompt   string
	lastAssessment    *supervisor.Assessment

	pendingStepDone   *pendingStep
	pendingSubPlanReq *pendingSubPlan
	pendingComplete   *pendingCompletion

	dup  *dupDetector
	pace *pacer
}

func New(deps Deps, opts Options) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	e := &Engine{
		deps: deps,
		opts: opts,
		log:  logger,
		dup:  newDupDetector(cfg.ContextManager.DeduplicationWindow),
		pace: newPacer(
			cfg.IterationDelay.Minimum.Duration,
			cfg.IterationDelay.Default.Duration,
			cfg.IterationDelay.AfterSuccess.Duration,
			cfg.IterationDelay.AfterError.Duration,
			*cfg.IterationDelay.Adaptive,
		),
		lastProgressCheck: time.Now(),
	}
	e.deps.Recovery.OnContextAction = e.applyContextAction
	return e
}

// Stop requests a graceful stop: the current iteration finishes, then
// the loop exits.
func (e *Engine) Stop() {
	e.shouldStop.Store(true)
}

// Run executes the whole workflow and returns the final report.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	startedAt := time.Now()

	if err := e.initPersistence(); err != nil {
		return nil, err
	}
	if e.deps.Store != nil {
		e.deps.Store.StartAutoSave()
		defer e.deps.Store.StopAutoSave()
	}

	if err := e.ensurePlan(ctx); err != nil {
		e.finalizeFailed(err)
		return nil, err
	}
	e.reviewPlan(ctx)

	runErr := e.executionLoop(ctx)
	if runErr != nil && e.status == "" {
		e.status = StatusAborted
		if e.abortReason == "" {
			e.abortReason = runErr.Error()
		}
	}

	if e.status == "" && e.deps.Planner.IsComplete() && !e.verified {
		e.finalVerification(ctx)
	}
	if e.status == "" {
		if e.shouldStop.Load() {
			e.status = StatusStopped
		} else {
			e.status = StatusCompleted
		}
	}

	e.finalizePersistence()
	report := e.buildReport(time.Since(startedAt))
	e.log.Info("workflow finished",
		"status", report.Status,
		"iterations", report.Iterations,
		"duration", report.Duration.Round(time.Second))
	return report, runErr
}

func (e *Engine) initPersistence() error {
	store := e.deps.Store
	if store == nil {
		e.runID = fmt.Sprintf("ephemeral-%d", time.Now().UnixNano())
		return nil
	}
	if err := store.Initialize(); err != nil {
		return err
	}
	_ = store.Cleanup()

	resumeID := ""
	if e.opts.Resume {
		if prior, err := store.GetResumableSession(e.opts.GoalText); err == nil && prior != nil {
			resumeID = prior.ID
		}
	}
	sess, restored, err := store.StartSession(e.opts.GoalText, resumeID)
	if err != nil {
		return err
	}
	e.runID = sess.ID
	if restored && len(sess.Plan) > 0 {
		if restoredPlan, err := plan.FromSnapshot(sess.Plan); err == nil {
			e.deps.Planner.RestorePlan(restoredPlan)
			e.log.Info("resumed session", "session", sess.ID, "current_step", sess.CurrentStep)
		} else {
			e.log.Warn("plan snapshot unusable, replanning", "error", err)
		}
	}
	if e.deps.History != nil {
		if err := e.deps.History.RecordRun(e.runID, e.opts.GoalText); err != nil {
			e.log.Warn("history record failed", "error", err)
		}
	}
	return nil
}

func (e *Engine) ensurePlan(ctx context.Context) error {
	if e.deps.Planner.Plan() != nil {
		return nil
	}
	p, err := e.deps.Planner.CreatePlan(ctx, e.opts.GoalText, e.opts.InitialContext, e.opts.WorkingDir)
	if err != nil {
		return fmt.Errorf("planning failed: %w", err)
	}
	e.savePlan()
	e.checkpoint("plan-created")
	_, total := p.Progress()
	e.deps.Sink.progress(0, fmt.Sprintf("plan created with %d steps", total), nil)
	return nil
}

func (e *Engine) reviewPlan(ctx context.Context) {
	p := e.deps.Planner.Plan()
	if p == nil {
		return
	}
	review := e.deps.Sup.ReviewPlan(ctx, e.opts.GoalText, p)
	if !review.Approved {
		e.log.Warn("plan not approved by supervisor",
			"issues", strings.Join(review.Issues, "; "),
			"missing", strings.Join(review.MissingSteps, "; "))
		e.deps.Sink.supervision(0, "plan review raised issues", map[string]any{
			"issues":      review.Issues,
			"missing":     review.MissingSteps,
			"suggestions": review.Suggestions,
		})
	}
}

func (e *Engine) executionLoop(ctx context.Context) error {
	for !e.shouldStop.Load() && !e.deps.Planner.IsComplete() {
		if ctx.Err() != nil {
			e.status = StatusStopped
			return nil
		}
		if e.deps.Phases.Expired() {
			e.handleTimeExpired(ctx)
			return nil
		}

		e.maybeDecompose(ctx)

		opID := fmt.Sprintf("iteration-%d", e.iteration+1)
		var assessedSuccess bool
		err := e.deps.Recovery.Execute(ctx, opID, func(ctx context.Context) error {
			reply, err := e.runIteration(ctx)
			if err != nil {
				return err
			}
			assessedSuccess = e.processResponse(reply)
			return nil
		})

		if err != nil {
			var recErr *recovery.RecoveryError
			switch {
			case errors.As(err, &recErr) && recErr.Strategy == recovery.SkipStep:
				if step := e.deps.Planner.SkipCurrentStep(recErr.Error()); step != nil {
					e.updateStepProgress(step)
					e.deps.Sink.progress(e.iteration, fmt.Sprintf("step %d skipped after repeated errors", step.Number), nil)
				}
				e.recordEvent("step_skipped", recErr.Error())
				continue
			case errors.As(err, &recErr) && recErr.Strategy == recovery.Escalate:
				e.deps.Sink.escalation("error_escalation", e.iteration, recErr.Error(), map[string]any{
					"category": string(recErr.Category),
					"trends":   e.deps.Recovery.Trends(),
				})
				e.recordEvent("error_escalation", recErr.Error())
				// Continue with a synthetic reply so the loop keeps moving.
				e.processResponse(worker.Reply{Text: fmt.Sprintf("[escalated] operation failed: %v", recErr.Err)})
				continue
			default:
				e.deps.Sink.errorEvent(e.iteration, err.Error(), nil)
				if e.deps.Recovery.Breaker().IsOpen() {
					e.recordEvent("circuit_breaker_open", err.Error())
				}
				e.recordEvent("fatal_error", err.Error())
				return err
			}
		}

		e.handlePendingStepVerification(ctx)
		e.handlePendingSubPlan(ctx)
		e.handlePendingCompletion(ctx)

		if e.shouldStop.Load() {
			break
		}
		if err := e.sleep(ctx, e.pace.next(assessedSuccess)); err != nil {
			e.status = StatusStopped
			return nil
		}
	}
	return nil
}

// runIteration assesses the previous reply, builds the next prompt, and
// calls the worker.
func (e *Engine) runIteration(ctx context.Context) (worker.Reply, error) {
	if e.deps.Worker.SessionID() == "" {
		systemContext := e.buildSystemContext()
		initial := e.buildIterationPrompt("")
		reply, err := e.deps.Worker.StartSession(ctx, systemContext, initial)
		if err != nil {
			return worker.Reply{}, err
		}
		e.recordWorkerCall("worker", reply)
		return reply, nil
	}

	correction := ""
	last := e.deps.Worker.LastAssistantMessage()
	if last != "" && !e.skipAssessment() {
		assessment := e.deps.Sup.Assess(ctx, e.assessmentInput(last))
		e.lastAssessment = &assessment
		e.recordAssessment(assessment)
		e.deps.Sink.supervision(e.iteration, string(assessment.Action), map[string]any{
			"score":              assessment.Score,
			"consecutive_issues": assessment.ConsecutiveIssues,
			"cache_hit":          assessment.CacheHit,
			"reason":             assessment.Reason,
		})

		switch assessment.Action {
		case supervisor.ActionAbort:
			e.shouldStop.Store(true)
			e.status = StatusAborted
			e.abortReason = "Escalation: unable to maintain goal focus"
			e.deps.Sink.escalation("abort", e.iteration, e.abortReason, map[string]any{
				"score":              assessment.Score,
				"consecutive_issues": assessment.ConsecutiveIssues,
			})
			e.recordEvent("abort", e.abortReason)
		case supervisor.ActionCritical:
			e.deps.Sink.escalation("critical", e.iteration, assessment.Reason, map[string]any{
				"score":              assessment.Score,
				"consecutive_issues": assessment.ConsecutiveIssues,
			})
			e.recordEvent("critical", assessment.Reason)
		}
		correction = supervisor.CorrectionPrompt(assessment, e.opts.GoalText)
	}

	if alert, stagnant := e.deps.Sup.CheckStagnation(); stagnant {
		if correction == "" {
			correction = alert
		} else {
			correction = correction + "\n\n" + alert
		}
		e.recordEvent("stagnation", "no relevant action within threshold")
	}

	prompt := e.buildIterationPrompt(correction)
	reply, err := e.deps.Worker.ContinueConversation(ctx, prompt)
	if err != nil {
		return worker.Reply{}, err
	}
	e.recordWorkerCall("worker", reply)
	return reply, nil
}

// processResponse runs the per-reply bookkeeping and signal scan.
// It returns whether the iteration counts as a success for pacing.
func (e *Engine) processResponse(reply worker.Reply) bool {
	e.iteration++

	if e.dup.observe(reply.Text) {
		e.deps.Sink.supervision(e.iteration, "duplicate_response_detected", nil)
		e.deps.Sup.ForceIssueFloor(e.deps.Sup.WarnThreshold())
		e.recordEvent("duplicate_response_detected", "")
	}

	if actions := extractRecentActions(reply.Text); len(actions) > 0 {
		e.recentActions = append(e.recentActions, actions...)
		if len(e.recentActions) > maxRecentActions {
			e.recentActions = e.recentActions[len(e.recentActions)-maxRecentActions:]
		}
	}

	update := e.deps.Tracker.ParseResponse(reply.Text)
	e.lastSummary = summarize(reply.Text)

	if e.deps.History != nil {
		_ = e.deps.History.RecordIteration(state.IterationRecord{
			RunID:       e.runID,
			Iteration:   e.iteration,
			ResponseLen: len(reply.Text),
			DurationMS:  reply.Duration.Milliseconds(),
		})
	}

	if stepCompleteRe.MatchString(reply.Text) {
		if step := e.deps.Planner.CurrentStep(); step != nil {
			e.pendingStepDone = &pendingStep{step: step, response: reply.Text, iteration: e.iteration}
		}
	}
	if reason, blocked := blockedReason(reply.Text); blocked {
		e.handleBlockedSignal(reason)
	}

	if update.CompletionClaimed || e.deps.Tracker.Progress() >= 100 || e.deps.Planner.IsComplete() {
		trigger := "completion_phrase"
		if !update.CompletionClaimed {
			trigger = "progress_complete"
		}
		e.pendingComplete = &pendingCompletion{claim: e.lastSummary, iteration: e.iteration, trigger: trigger}
	}

	success := e.lastAssessment == nil || e.lastAssessment.Action == supervisor.ActionContinue
	return success
}

func (e *Engine) handleBlockedSignal(reason string) {
	switch {
	case e.deps.Planner.CanAttemptSubPlan():
		if step := e.deps.Planner.CurrentStep(); step != nil {
			e.pendingSubPlanReq = &pendingSubPlan{step: step, reason: reason}
		}
	case e.deps.Planner.InSubPlan():
		e.deps.Planner.AbortSubPlan(reason)
		e.recordEvent("sub_plan_aborted", reason)
	default:
		if step := e.deps.Planner.FailCurrentStep(reason); step != nil {
			e.updateStepProgress(step)
			e.deps.Sink.progress(e.iteration, fmt.Sprintf("step %d failed: %s", step.Number, reason), nil)
		}
	}
}

// Pending handlers run once per iteration, in this order: a verified
// step may finish the plan, a sub-plan changes the active plan, and
// completion verification consults both.
func (e *Engine) handlePendingStepVerification(ctx context.Context) {
	pending := e.pendingStepDone
	if pending == nil {
		return
	}
	e.pendingStepDone = nil

	result := e.deps.Sup.VerifyStepCompletion(ctx, pending.step, pending.response)
	if !result.Verified {
		e.rejectionPrompt = fmt.Sprintf("## STEP NOT VERIFIED\nYour completion claim for step %d was rejected: %s\nThe step stays active. Provide concrete evidence or finish the remaining work.",
			pending.step.Number, result.Reason)
		e.deps.Sink.verification(e.iteration, fmt.Sprintf("step %d rejected", pending.step.Number), map[string]any{"reason": result.Reason})
		return
	}

	if step := e.deps.Planner.AdvanceStep(); step != nil {
		e.updateStepProgress(step)
		e.checkpoint(fmt.Sprintf("step-%d", step.Number))
		e.savePlan()
		e.deps.Tracker.AddMilestone(fmt.Sprintf("step %d completed: %s", step.Number, step.Description))
		completed, total := e.deps.Planner.Plan().Progress()
		e.deps.Sink.progress(e.iteration, fmt.Sprintf("step %d completed (%d/%d)", step.Number, completed, total), nil)
		e.stepStartedAt = time.Now()
	}
}

func (e *Engine) handlePendingSubPlan(ctx context.Context) {
	pending := e.pendingSubPlanReq
	if pending == nil {
		return
	}
	e.pendingSubPlanReq = nil

	sub, err := e.deps.Planner.CreateSubPlan(ctx, pending.step, pending.reason, e.opts.WorkingDir)
	if err != nil {
		e.log.Warn("sub-plan creation failed", "step", pending.step.Number, "error", err)
	}
	if sub == nil {
		if step := e.deps.Planner.FailCurrentStep(pending.reason); step != nil {
			e.updateStepProgress(step)
		}
		e.recordEvent("sub_plan_unavailable", pending.reason)
		return
	}
	e.savePlan()
	e.rejectionPrompt = fmt.Sprintf("## NEW APPROACH\nStep %d is blocked (%s). A replacement plan is now active; work through its steps in order.",
		pending.step.Number, pending.reason)
	e.deps.Sink.progress(e.iteration, fmt.Sprintf("sub-plan created for step %d", pending.step.Number), nil)
	e.recordEvent("sub_plan_created", pending.reason)
}

func (e *Engine) handlePendingCompletion(ctx context.Context) {
	pending := e.pendingComplete
	if pending == nil {
		return
	}
	e.pendingComplete = nil

	if !*e.deps.Config.Verification.Enabled {
		e.completeRun()
		return
	}

	result := e.deps.Verifier.Verify(ctx, pending.claim, e.opts.WorkingDir)
	payload := map[string]any{"trigger": pending.trigger, "layers": len(result.Layers)}
	if result.Passed {
		e.verified = true
		e.deps.Sink.verification(e.iteration, "completion verified", payload)
		e.recordEvent("completion_verified", pending.trigger)
		e.completeRun()
		return
	}

	e.verificationFailures++
	e.deps.Sink.verification(e.iteration, "completion rejected", payload)
	e.recordEvent("completion_rejected", pending.trigger)
	e.rejectionPrompt = e.deps.Verifier.GenerateRejectionPrompt(result)

	if e.verificationFailures >= e.deps.Config.Verification.MaxAttempts {
		e.deps.Sink.escalation("verification_limit", e.iteration,
			fmt.Sprintf("completion claims rejected %d times", e.verificationFailures),
			map[string]any{"failures": e.verificationFailures})
		e.recordEvent("verification_limit", "")
	}
}

func (e *Engine) completeRun() {
	e.status = StatusCompleted
	e.deps.Tracker.MarkComplete()
	e.shouldStop.Store(true)
}

func (e *Engine) maybeDecompose(ctx context.Context) {
	step := e.deps.Planner.CurrentStep()
	if step == nil {
		return
	}
	if e.stepStartedAt.IsZero() {
		e.stepStartedAt = time.Now()
	}
	if !e.deps.Planner.ShouldDecomposeStep(step, time.Since(e.stepStartedAt)) {
		return
	}
	decomposition, err := e.deps.Planner.DecomposeComplexStep(ctx, step, e.opts.WorkingDir)
	if err != nil {
		e.log.Warn("decomposition failed", "step", step.Number, "error", err)
		return
	}
	e.deps.Planner.InjectSubtasks(step, decomposition)
	e.savePlan()
	e.deps.Sink.progress(e.iteration, fmt.Sprintf("step %d decomposed into %d subtasks", step.Number, len(decomposition.Subtasks)), nil)
}

func (e *Engine) handleTimeExpired(ctx context.Context) {
	e.status = StatusTimeExpired
	prompt, _ := e.deps.Phases.TimePrompt()
	if prompt == "" {
		prompt = "TIME EXPIRED. Summarize what was accomplished and what remains."
	}
	if e.deps.Worker.SessionID() != "" {
		summaryCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if reply, err := e.deps.Worker.ContinueConversation(summaryCtx, prompt); err == nil {
			e.lastSummary = summarize(reply.Text)
			e.recordWorkerCall("worker", reply)
		}
	}
	e.recordEvent("time_expired", "")
	e.deps.Sink.progress(e.iteration, "time budget expired", nil)
}

func (e *Engine) finalVerification(ctx context.Context) {
	p := e.deps.Planner.Plan()
	goalResult := e.deps.Sup.VerifyGoalAchieved(ctx, e.opts.GoalText, p.Steps, e.opts.WorkingDir)
	smoke := e.deps.Verifier.RunSmokeTests(ctx, e.opts.WorkingDir)

	e.deps.Sink.verification(e.iteration, "final goal verification", map[string]any{
		"achieved":   goalResult.Achieved,
		"confidence": goalResult.Confidence,
		"smoke":      smoke.Summary,
	})

	if goalResult.Achieved && smoke.Passed {
		e.verified = true
		e.status = StatusCompleted
		e.deps.Tracker.MarkComplete()
		e.recordEvent("goal_verified", smoke.Summary)
		return
	}
	e.status = StatusVerificationFailed
	detail := strings.Join(goalResult.Gaps, "; ")
	if !smoke.Passed {
		detail = smoke.Summary + "; " + detail
	}
	e.recordEvent("goal_verification_failed", detail)
}

func (e *Engine) buildSystemContext() string {
	var b strings.Builder
	b.WriteString("You are an autonomous coding agent executing a planned workflow.\n\n")
	fmt.Fprintf(&b, "PRIMARY GOAL: %s\n", e.opts.GoalText)
	if subgoals := e.deps.Tracker.Subgoals(); len(subgoals) > 0 {
		b.WriteString("SUBGOALS:\n")
		for _, sg := range subgoals {
			fmt.Fprintf(&b, "%d. %s\n", sg.ID, sg.Description)
		}
	}
	fmt.Fprintf(&b, "WORKING DIRECTORY: %s\n\n", e.opts.WorkingDir)
	b.WriteString(`RULES:
- Work on exactly one step at a time, in order.
- When a step is done, say "STEP COMPLETE" with evidence.
- When a step cannot proceed, say "STEP BLOCKED: <reason>".
- Report progress percentages when asked.
- Never claim completion without concrete artifacts.`)
	return b.String()
}

func (e *Engine) buildIterationPrompt(correction string) string {
	var parts []string

	if correction != "" {
		parts = append(parts, correction)
	}
	if e.rejectionPrompt != "" {
		parts = append(parts, e.rejectionPrompt)
		e.rejectionPrompt = ""
	}
	if prompt, stop := e.deps.Phases.TimePrompt(); prompt != "" && !stop {
		parts = append(parts, prompt)
	}
	if e.deps.Phases.IsTimeForProgressCheck(e.lastProgressCheck) {
		parts = append(parts, e.deps.Tracker.ProgressPrompt())
		e.lastProgressCheck = time.Now()
	}
	interval := e.deps.Config.General.GoalContextInterval
	if interval > 0 && e.iteration > 0 && e.iteration%interval == 0 {
		parts = append(parts, fmt.Sprintf("## GOAL CONTEXT\nRemember the primary goal: %s", e.opts.GoalText))
	}
	if step := e.deps.Planner.CurrentStep(); step != nil {
		completed, total := e.deps.Planner.Plan().Progress()
		parts = append(parts, fmt.Sprintf("## CURRENT STEP (%d/%d)\n%s", completed+1, total, step.Description))
	}
	if len(parts) == 0 {
		return "Continue. What is your next action?"
	}
	return strings.Join(parts, "\n\n")
}

func (e *Engine) assessmentInput(lastReply string) supervisor.Input {
	var subgoals []string
	for _, sg := range e.deps.Tracker.Subgoals() {
		subgoals = append(subgoals, fmt.Sprintf("%s (%s)", sg.Description, sg.Status))
	}
	currentStep := ""
	if step := e.deps.Planner.CurrentStep(); step != nil {
		currentStep = step.Description
	}
	return supervisor.Input{
		GoalText:      e.opts.GoalText,
		Subgoals:      subgoals,
		CurrentStep:   currentStep,
		WorkerReply:   lastReply,
		RecentActions: append([]string(nil), e.recentActions...),
	}
}

// skipAssessment lets cheap steps bypass the supervisor entirely when
// configured.
func (e *Engine) skipAssessment() bool {
	if !e.deps.Config.Supervisor.SkipForSimpleSteps {
		return false
	}
	step := e.deps.Planner.CurrentStep()
	return step != nil && step.Complexity == plan.ComplexitySimple
}

func (e *Engine) applyContextAction(action recovery.ContextAction) {
	switch action.Kind {
	case "trim":
		e.deps.Worker.TrimHistory(action.KeepRecent)
	case "reset":
		e.deps.Worker.ResetSession()
	case "simplify":
		e.rejectionPrompt = "## SIMPLIFY\nThe last request failed repeatedly. " +
			strings.Join(action.Suggestions, " ")
	}
	e.recordEvent("context_action", action.Kind)
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) savePlan() {
	if e.deps.Store == nil {
		return
	}
	if p := e.deps.Planner.Plan(); p != nil {
		if snapshot, err := p.Snapshot(); err == nil {
			if err := e.deps.Store.SetPlan(snapshot); err != nil {
				e.log.Warn("plan save failed", "error", err)
			}
		}
	}
}

func (e *Engine) updateStepProgress(step *plan.Step) {
	if e.deps.Store == nil || step == nil {
		return
	}
	meta := map[string]string{}
	if step.FailureReason != "" {
		meta["reason"] = step.FailureReason
	}
	if err := e.deps.Store.UpdateStepProgress(step.Number, string(step.Status), meta); err != nil {
		e.log.Warn("step progress save failed", "error", err)
	}
}

func (e *Engine) checkpoint(tag string) {
	if e.deps.Store == nil {
		return
	}
	if err := e.deps.Store.CreateCheckpoint(tag); err != nil {
		e.log.Warn("checkpoint failed", "tag", tag, "error", err)
	}
}

func (e *Engine) recordEvent(kind, details string) {
	if e.deps.History == nil {
		return
	}
	_ = e.deps.History.RecordEvent(state.EventRecord{
		RunID:     e.runID,
		Iteration: e.iteration,
		Kind:      kind,
		Details:   details,
	})
}

func (e *Engine) recordAssessment(a supervisor.Assessment) {
	if e.deps.History == nil {
		return
	}
	_ = e.deps.History.RecordAssessment(state.AssessmentRecord{
		RunID:          e.runID,
		Iteration:      e.iteration,
		Score:          a.Score,
		Action:         string(a.Action),
		OriginalAction: string(a.OriginalAction),
		Relevant:       a.Relevant,
		Productive:     a.Productive,
		Progressing:    a.Progressing,
		Reason:         a.Reason,
	})
}

func (e *Engine) recordWorkerCall(role string, reply worker.Reply) {
	if e.deps.History == nil {
		return
	}
	_ = e.deps.History.RecordWorkerCall(state.WorkerCallRecord{
		RunID:        e.runID,
		Iteration:    e.iteration,
		Role:         role,
		InputTokens:  reply.Usage.TokensIn,
		OutputTokens: reply.Usage.TokensOut,
		CostUSD:      reply.Usage.CostUSD,
		DurationMS:   reply.Duration.Milliseconds(),
	})
}

func (e *Engine) finalizeFailed(cause error) {
	e.status = StatusAborted
	if e.deps.Store != nil {
		_ = e.deps.Store.FailSession(cause)
	}
	if e.deps.History != nil {
		_ = e.deps.History.FinishRun(e.runID, StatusAborted)
	}
}

func (e *Engine) finalizePersistence() {
	if e.deps.Store != nil {
		switch e.status {
		case StatusCompleted:
			_ = e.deps.Store.CompleteSession(e.lastSummary)
		case StatusAborted:
			_ = e.deps.Store.FailSession(fmt.Errorf("%s", e.abortReason))
		default:
			// Stopped, expired, and unverified runs stay resumable.
			e.savePlan()
		}
	}
	if e.deps.History != nil {
		_ = e.deps.History.FinishRun(e.runID, e.status)
	}
}

func summarize(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 1000 {
		return text[:1000]
	}
	return text
}

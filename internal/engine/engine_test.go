package engine

import (
	"context"
	"errors"
	"testing"
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

type scriptedRunner struct {
	replies []string
	err     error
	calls   int
}

func (r *scriptedRunner) Run(_ context.Context, _ worker.CLIOptions, _ worker.Invocation, _ time.Duration) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	if len(r.replies) == 0 {
		return `{"result": "working on it", "session_id": "sess"}`, nil
	}
	reply := r.replies[0]
	r.replies = r.replies[1:]
	return reply, nil
}

func fastConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.IterationDelay.Minimum.Duration = time.Millisecond
	cfg.IterationDelay.AfterSuccess.Duration = time.Millisecond
	cfg.IterationDelay.AfterError.Duration = time.Millisecond
	cfg.Retry.BaseDelay.Duration = time.Millisecond
	cfg.Retry.MaxDelay.Duration = 2 * time.Millisecond
	return cfg
}

const onePlanJSON = `{"result": "{\"steps\": [{\"number\": 1, \"description\": \"print hi\", \"complexity\": \"simple\", \"dependencies\": [], \"verification_criteria\": [\"hi appears\"]}]}", "session_id": "plan"}`

func newTestEngine(t *testing.T, cfg *config.Config, workerRunner, supRunner, planRunner worker.Runner) *Engine {
	t.Helper()
	logger := testLogger()

	workerClient := worker.NewClient(workerRunner, worker.Options{Model: "worker", MaxRetries: 2, BaseDelay: time.Millisecond}, logger)
	supClient := worker.NewClient(supRunner, worker.Options{Model: "fast", MaxRetries: 1, BaseDelay: time.Millisecond}, logger)
	planClient := worker.NewClient(planRunner, worker.Options{Model: "planner", MaxRetries: 1, BaseDelay: time.Millisecond}, logger)

	sup := supervisor.New(supClient, nil, supervisor.Options{
		Thresholds: supervisor.Thresholds{Warn: 2, Intervene: 3, Critical: 4, Abort: 5},
	}, logger)
	recoverer := recovery.New(recovery.Options{
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
	}, logger)
	verifier := verify.New(workerClient, verify.Options{RequireArtifacts: false, RunTests: false}, logger)

	return New(Deps{
		Config:   cfg,
		Worker:   workerClient,
		Planner:  plan.NewPlanner(planClient, time.Minute, logger),
		Sup:      sup,
		Tracker:  goal.NewTracker("print 'hi' to stdout", nil),
		Phases:   phase.NewManager(time.Hour, "print 'hi' to stdout", nil, time.Hour),
		Verifier: verifier,
		Recovery: recoverer,
		Sink:     Sink{},
		Logger:   logger,
	}, Options{
		GoalText:   "print 'hi' to stdout",
		WorkingDir: t.TempDir(),
	})
}

func TestRun_HappyPathFirstIteration(t *testing.T) {
	workerRunner := &scriptedRunner{replies: []string{
		`{"result": "Ran the script, hi printed. TASK COMPLETE", "session_id": "w1"}`,
		`{"result": "Evidence: created hi.sh, ran it, output was hi.", "session_id": "w1"}`,
	}}
	supRunner := &scriptedRunner{replies: []string{
		`{"result": "{\"approved\": true}"}`,
	}}
	planRunner := &scriptedRunner{replies: []string{onePlanJSON}}

	e := newTestEngine(t, fastConfig(t), workerRunner, supRunner, planRunner)
	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", report.Status)
	}
	if report.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", report.Iterations)
	}
	if !report.Verification.Verified {
		t.Error("completion should be verified")
	}
	if report.GoalProgress != 100 {
		t.Errorf("goal progress = %d, want 100", report.GoalProgress)
	}
	if !e.shouldStop.Load() {
		t.Error("engine should have stopped itself")
	}
}

func TestRun_CompletionRejectedThenAccepted(t *testing.T) {
	workerRunner := &scriptedRunner{replies: []string{
		// Iteration 1: premature claim.
		`{"result": "TASK COMPLETE", "session_id": "w1"}`,
		// Challenge 1: empty evidence fails the layer.
		`{"result": "", "session_id": "w1"}`,
		// Iteration 2 (carries the rejection prompt): real claim.
		`{"result": "Wrote the file for real this time. TASK COMPLETE", "session_id": "w1"}`,
		// Challenge 2: concrete evidence.
		`{"result": "created hi.sh, ran bash hi.sh, saw hi.", "session_id": "w1"}`,
	}}
	supRunner := &scriptedRunner{replies: []string{
		`{"result": "{\"approved\": true}"}`,
		// Not consumed: before iteration 2 the session's last assistant
		// reply is the empty challenge answer, so no assessment runs.
		`{"result": "RELEVANT: yes\nPRODUCTIVE: yes\nPROGRESSING: yes\nSCORE: 75\nACTION: CONTINUE\nREASON: fine"}`,
	}}
	planRunner := &scriptedRunner{replies: []string{onePlanJSON}}

	e := newTestEngine(t, fastConfig(t), workerRunner, supRunner, planRunner)
	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", report.Status)
	}
	if report.Verification.Failures != 1 {
		t.Errorf("verification failures = %d, want 1", report.Verification.Failures)
	}
	if !report.Verification.Verified {
		t.Error("second claim should verify")
	}
	if report.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", report.Iterations)
	}
}

func TestRun_WorkerFailuresSkipStep(t *testing.T) {
	workerRunner := &scriptedRunner{err: errors.New("template not found: 404")}
	supRunner := &scriptedRunner{replies: []string{
		`{"result": "{\"approved\": true}"}`,
		// Goal verification after the plan finishes by skipping.
		`{"result": "{\"achieved\": false, \"confidence\": 20, \"functional\": false, \"gaps\": [\"step skipped\"]}"}`,
	}}
	planRunner := &scriptedRunner{replies: []string{onePlanJSON}}

	e := newTestEngine(t, fastConfig(t), workerRunner, supRunner, planRunner)
	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Status != StatusVerificationFailed {
		t.Errorf("status = %s, want verification_failed", report.Status)
	}
	if report.StepsCompleted != 1 {
		t.Errorf("steps completed/skipped = %d, want 1", report.StepsCompleted)
	}
	if p := e.deps.Planner.Plan(); p.Steps[0].Status != plan.StatusSkipped {
		t.Errorf("step status = %s, want skipped", p.Steps[0].Status)
	}
}

func TestProcessResponse_DuplicateForcesEscalationFloor(t *testing.T) {
	e := newTestEngine(t, fastConfig(t), &scriptedRunner{}, &scriptedRunner{}, &scriptedRunner{})

	e.processResponse(worker.Reply{Text: "Looking at the code base again."})
	if got := e.deps.Sup.State().ConsecutiveIssues; got != 0 {
		t.Fatalf("issues after first reply = %d, want 0", got)
	}
	e.processResponse(worker.Reply{Text: "looking at the CODE base again. "})
	if got := e.deps.Sup.State().ConsecutiveIssues; got < e.deps.Sup.WarnThreshold() {
		t.Fatalf("issues after duplicate = %d, want >= warn threshold %d", got, e.deps.Sup.WarnThreshold())
	}
}

func TestProcessResponse_IterationCounterMonotonic(t *testing.T) {
	e := newTestEngine(t, fastConfig(t), &scriptedRunner{}, &scriptedRunner{}, &scriptedRunner{})
	for i := 1; i <= 5; i++ {
		e.processResponse(worker.Reply{Text: string(rune('a' + i))})
		if e.iteration != i {
			t.Fatalf("iteration = %d, want %d", e.iteration, i)
		}
	}
}

func TestStop_EndsLoop(t *testing.T) {
	e := newTestEngine(t, fastConfig(t), &scriptedRunner{}, &scriptedRunner{}, &scriptedRunner{})
	e.Stop()
	if !e.shouldStop.Load() {
		t.Fatal("Stop did not set the flag")
	}
}

func TestRun_TimeExpiry(t *testing.T) {
	workerRunner := &scriptedRunner{}
	supRunner := &scriptedRunner{replies: []string{`{"result": "{\"approved\": true}"}`}}
	planRunner := &scriptedRunner{replies: []string{onePlanJSON}}

	e := newTestEngine(t, fastConfig(t), workerRunner, supRunner, planRunner)
	// Budget already spent when the loop first checks it.
	e.deps.Phases = phase.NewManager(time.Nanosecond, "goal", nil, time.Hour)

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != StatusTimeExpired {
		t.Errorf("status = %s, want time_expired", report.Status)
	}
	if report.AbortReason != "" {
		t.Errorf("abort reason = %q, expiry is not an abort", report.AbortReason)
	}
	if report.StepsCompleted != 0 {
		t.Errorf("steps completed = %d, plan should be unfinished", report.StepsCompleted)
	}
}

func TestRun_PersistsFinalSession(t *testing.T) {
	workerRunner := &scriptedRunner{replies: []string{
		`{"result": "done. TASK COMPLETE", "session_id": "w1"}`,
		`{"result": "Evidence: created hi.sh and ran it.", "session_id": "w1"}`,
	}}
	supRunner := &scriptedRunner{replies: []string{`{"result": "{\"approved\": true}"}`}}
	planRunner := &scriptedRunner{replies: []string{onePlanJSON}}

	cfg := fastConfig(t)
	e := newTestEngine(t, cfg, workerRunner, supRunner, planRunner)
	store := state.NewStore(state.Options{Dir: t.TempDir()}, testLogger())
	e.deps.Store = store

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("status = %s", report.Status)
	}

	sess := store.Current()
	if sess == nil || sess.Status != "completed" {
		t.Fatalf("persisted session = %+v, want completed", sess)
	}
	if len(sess.Plan) == 0 {
		t.Error("plan snapshot not persisted")
	}
}

package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/antigravity-dev/looper/internal/worker"
)

// SupervisionStats summarizes the supervisor's view of the run.
type SupervisionStats struct {
	Assessments       int
	ConsecutiveIssues int
	TotalCorrections  int
	AverageScore      int
}

// VerificationStats summarizes completion verification.
type VerificationStats struct {
	Verified bool
	Failures int
}

// Report is the user-visible final result of a run.
type Report struct {
	Status         string
	AbortReason    string
	Iterations     int
	Duration       time.Duration
	LastSummary    string
	StepsCompleted int
	StepsTotal     int
	GoalProgress   int
	Supervision    SupervisionStats
	Verification   VerificationStats
	WorkerMetrics  worker.Metrics
}

func (e *Engine) buildReport(duration time.Duration) *Report {
	report := &Report{
		Status:       e.status,
		AbortReason:  e.abortReason,
		Iterations:   e.iteration,
		Duration:     duration,
		LastSummary:  e.lastSummary,
		GoalProgress: e.deps.Tracker.Progress(),
		Verification: VerificationStats{
			Verified: e.verified,
			Failures: e.verificationFailures,
		},
		WorkerMetrics: e.deps.Worker.Metrics(),
	}
	if p := e.deps.Planner.Plan(); p != nil {
		report.StepsCompleted, report.StepsTotal = p.Progress()
	}

	history := e.deps.Sup.History()
	escState := e.deps.Sup.State()
	report.Supervision = SupervisionStats{
		Assessments:       len(history),
		ConsecutiveIssues: escState.ConsecutiveIssues,
		TotalCorrections:  escState.TotalCorrections,
	}
	if len(history) > 0 {
		total := 0
		for _, a := range history {
			total += a.Score
		}
		report.Supervision.AverageScore = total / len(history)
	}
	return report
}

// Format renders the report for terminal output.
func (r *Report) Format() string {
	var b strings.Builder
	b.WriteString("=== workflow report ===\n")
	fmt.Fprintf(&b, "status:       %s\n", r.Status)
	if r.AbortReason != "" {
		fmt.Fprintf(&b, "abort reason: %s\n", r.AbortReason)
	}
	fmt.Fprintf(&b, "iterations:   %d in %s\n", r.Iterations, r.Duration.Round(time.Second))
	fmt.Fprintf(&b, "plan:         %d/%d steps completed\n", r.StepsCompleted, r.StepsTotal)
	fmt.Fprintf(&b, "goal:         %d%% progress\n", r.GoalProgress)
	fmt.Fprintf(&b, "supervision:  %d assessments, avg score %d, %d corrections\n",
		r.Supervision.Assessments, r.Supervision.AverageScore, r.Supervision.TotalCorrections)
	fmt.Fprintf(&b, "verification: verified=%v, %d rejected claims\n",
		r.Verification.Verified, r.Verification.Failures)
	fmt.Fprintf(&b, "worker:       %d calls, %d retries, %d fallbacks, $%.4f, cache hit %.0f%%\n",
		r.WorkerMetrics.TotalCalls, r.WorkerMetrics.TotalRetries, r.WorkerMetrics.TotalFallbacks,
		r.WorkerMetrics.TotalCostUSD, r.WorkerMetrics.CacheHitRate()*100)
	if r.LastSummary != "" {
		fmt.Fprintf(&b, "\nlast summary:\n%s\n", r.LastSummary)
	}
	return b.String()
}

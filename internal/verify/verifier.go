// Package verify implements the multi-layer completion verifier:
// evidence challenge, artifact existence, and build/test probes against
// the working directory.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/antigravity-dev/looper/internal/worker"
)

// Layer is one independent verification check.
type Layer struct {
	Name   string
	Passed bool
	Detail string
}

// Result is the union of the verification layers for one claim.
type Result struct {
	Passed bool
	Layers []Layer
}

// SmokeResult records the post-verification smoke-test run.
type SmokeResult struct {
	Passed  bool
	Summary string
	Tests   []CheckResult
}

// Options tunes the verifier.
type Options struct {
	RequireArtifacts bool
	RunTests         bool
	ChallengeTimeout time.Duration
	TestTimeout      time.Duration
	BuildCommands    []string
	TestCommands     []string
	SmokeCommands    []string
}

// Verifier challenges completion claims through the worker's own session
// and probes the working directory. It never writes under workingDir.
type Verifier struct {
	client *worker.Client
	opts   Options
	logger *slog.Logger
}

func New(client *worker.Client, opts Options, logger *slog.Logger) *Verifier {
	if opts.ChallengeTimeout <= 0 {
		opts.ChallengeTimeout = 2 * time.Minute
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{client: client, opts: opts, logger: logger}
}

var artifactPathRe = regexp.MustCompile(`(?:^|[\s:` + "`" + `"'])((?:[\w.-]+/)*[\w.-]+\.(?:go|ts|tsx|js|jsx|py|rs|rb|java|c|h|cpp|css|scss|html|sql|yaml|yml|toml|json|md|sh|txt))`)

// Verify runs the layered verification for a completion claim.
func (v *Verifier) Verify(ctx context.Context, claim, workingDir string) Result {
	var result Result

	evidence, artifacts := v.challengeEvidence(ctx, claim)
	result.Layers = append(result.Layers, evidence)

	if v.opts.RequireArtifacts {
		result.Layers = append(result.Layers, v.checkArtifacts(artifacts, workingDir))
	}

	if v.opts.RunTests {
		result.Layers = append(result.Layers, v.probeBuild(ctx, workingDir))
		result.Layers = append(result.Layers, v.probeTests(ctx, workingDir))
	}

	result.Passed = true
	for _, layer := range result.Layers {
		if !layer.Passed {
			result.Passed = false
			break
		}
	}
	return result
}

// challengeEvidence sends the challenge prompt through the worker's own
// session and harvests claimed artifact paths from the reply.
func (v *Verifier) challengeEvidence(ctx context.Context, claim string) (Layer, []string) {
	challengeCtx, cancel := context.WithTimeout(ctx, v.opts.ChallengeTimeout)
	defer cancel()

	prompt := fmt.Sprintf(`You claimed: %q

Before this is accepted, provide concrete evidence:
1. EXACT file paths you created or modified
2. Commands you ran and their actual output
3. How the result can be independently confirmed

Be specific. Vague answers will be rejected.`, truncateClaim(claim))

	reply, err := v.client.ContinueConversation(challengeCtx, prompt)
	if err != nil {
		v.logger.Warn("evidence challenge failed", "error", err)
		return Layer{Name: "evidence", Passed: false, Detail: fmt.Sprintf("challenge call failed: %v", err)}, nil
	}

	artifacts := extractArtifacts(reply.Text)
	if strings.TrimSpace(reply.Text) == "" {
		return Layer{Name: "evidence", Passed: false, Detail: "empty evidence reply"}, nil
	}
	detail := fmt.Sprintf("%d claimed artifacts", len(artifacts))
	return Layer{Name: "evidence", Passed: true, Detail: detail}, artifacts
}

func (v *Verifier) checkArtifacts(artifacts []string, workingDir string) Layer {
	if len(artifacts) == 0 {
		return Layer{Name: "artifacts", Passed: false, Detail: "no artifact paths claimed"}
	}
	var missing []string
	for _, artifact := range artifacts {
		if _, err := os.Stat(filepath.Join(workingDir, artifact)); err != nil {
			missing = append(missing, artifact)
		}
	}
	if len(missing) > 0 {
		return Layer{
			Name:   "artifacts",
			Passed: false,
			Detail: fmt.Sprintf("missing on disk: %s", strings.Join(missing, ", ")),
		}
	}
	return Layer{Name: "artifacts", Passed: true, Detail: fmt.Sprintf("%d artifacts exist", len(artifacts))}
}

func (v *Verifier) probeBuild(ctx context.Context, workingDir string) Layer {
	command := firstApplicable(v.opts.BuildCommands, workingDir)
	if command == "" {
		return Layer{Name: "build", Passed: true, Detail: "no applicable build command"}
	}
	check := runCheck(ctx, workingDir, command, v.opts.TestTimeout)
	detail := fmt.Sprintf("%s (exit %d)", command, check.ExitCode)
	if !check.Passed {
		detail += ": " + firstLines(check.Output, 5)
	}
	return Layer{Name: "build", Passed: check.Passed, Detail: detail}
}

func (v *Verifier) probeTests(ctx context.Context, workingDir string) Layer {
	command := firstApplicable(v.opts.TestCommands, workingDir)
	if command == "" {
		return Layer{Name: "tests", Passed: true, Detail: "no applicable test command"}
	}
	check := runCheck(ctx, workingDir, command, v.opts.TestTimeout)
	detail := fmt.Sprintf("%s (exit %d)", command, check.ExitCode)
	if !check.Passed {
		detail += ": " + firstLines(check.Output, 5)
	}
	return Layer{Name: "tests", Passed: check.Passed, Detail: detail}
}

// GenerateRejectionPrompt tells the worker which layer failed and what
// evidence is still missing.
func (v *Verifier) GenerateRejectionPrompt(result Result) string {
	var b strings.Builder
	b.WriteString("## COMPLETION CLAIM REJECTED\nVerification failed:\n")
	for _, layer := range result.Layers {
		status := "PASS"
		if !layer.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "- %s: %s (%s)\n", layer.Name, status, layer.Detail)
	}
	b.WriteString("\nThe task is NOT complete. Fix the failures above, then claim completion again with concrete evidence.")
	return b.String()
}

// RunSmokeTests executes the configured smoke commands after final goal
// verification.
func (v *Verifier) RunSmokeTests(ctx context.Context, workingDir string) SmokeResult {
	commands := v.opts.SmokeCommands
	if len(commands) == 0 {
		if command := firstApplicable(v.opts.TestCommands, workingDir); command != "" {
			commands = []string{command}
		}
	}
	if len(commands) == 0 {
		return SmokeResult{Passed: true, Summary: "no smoke tests configured"}
	}

	result := SmokeResult{Passed: true}
	passed := 0
	for _, command := range commands {
		check := runCheck(ctx, workingDir, command, v.opts.TestTimeout)
		result.Tests = append(result.Tests, check)
		if check.Passed {
			passed++
		} else {
			result.Passed = false
		}
	}
	result.Summary = fmt.Sprintf("%d/%d smoke tests passed", passed, len(result.Tests))
	return result
}

func extractArtifacts(text string) []string {
	matches := artifactPathRe.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	var paths []string
	for _, m := range matches {
		p := strings.TrimSpace(m[1])
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths
}

func truncateClaim(claim string) string {
	if len(claim) > 500 {
		return claim[:500]
	}
	return claim
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, " | ")
}

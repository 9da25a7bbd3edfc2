package verify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/looper/internal/worker"
)

type scriptedRunner struct {
	replies []string
}

func (r *scriptedRunner) Run(_ context.Context, _ worker.CLIOptions, _ worker.Invocation, _ time.Duration) (string, error) {
	if len(r.replies) == 0 {
		return `{"result": "I created main.go and ran the tests.", "session_id": "w"}`, nil
	}
	reply := r.replies[0]
	r.replies = r.replies[1:]
	return reply, nil
}

func newSessionClient(t *testing.T, runner worker.Runner) *worker.Client {
	t.Helper()
	c := worker.NewClient(runner, worker.Options{Model: "m", MaxRetries: 1, BaseDelay: time.Millisecond}, nil)
	if _, err := c.StartSession(context.Background(), "", "begin"); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestExtractArtifacts(t *testing.T) {
	text := "I created cmd/app/main.go and updated internal/server/handler.go. Also touched cmd/app/main.go again, plus README.md."
	got := extractArtifacts(text)
	want := []string{"cmd/app/main.go", "internal/server/handler.go", "README.md"}
	if len(got) != len(want) {
		t.Fatalf("artifacts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("artifacts[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCheckArtifacts(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main"), 0644); err != nil {
		t.Fatal(err)
	}
	v := New(nil, Options{}, nil)

	layer := v.checkArtifacts([]string{"src/main.go"}, dir)
	if !layer.Passed {
		t.Fatalf("existing artifact failed: %+v", layer)
	}

	layer = v.checkArtifacts([]string{"src/main.go", "src/missing.go"}, dir)
	if layer.Passed {
		t.Fatal("missing artifact passed")
	}
	if !strings.Contains(layer.Detail, "src/missing.go") {
		t.Errorf("detail = %q", layer.Detail)
	}

	layer = v.checkArtifacts(nil, dir)
	if layer.Passed {
		t.Fatal("no claimed artifacts should fail when artifacts are required")
	}
}

func TestFirstApplicable(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x"), 0644); err != nil {
		t.Fatal(err)
	}

	candidates := []string{"npm test", "go test ./...", "cargo test"}
	if got := firstApplicable(candidates, dir); got != "go test ./..." {
		t.Fatalf("firstApplicable = %q, want the go candidate", got)
	}

	if got := firstApplicable([]string{"npm test", "cargo test"}, dir); got != "" {
		t.Fatalf("firstApplicable = %q, want none applicable", got)
	}
}

func TestRunCheck(t *testing.T) {
	dir := t.TempDir()

	pass := runCheck(context.Background(), dir, "true", time.Minute)
	if !pass.Passed || pass.ExitCode != 0 {
		t.Fatalf("true: %+v", pass)
	}

	fail := runCheck(context.Background(), dir, "false", time.Minute)
	if fail.Passed || fail.ExitCode == 0 {
		t.Fatalf("false: %+v", fail)
	}

	missing := runCheck(context.Background(), dir, "definitely-not-a-binary-xyz", time.Minute)
	if missing.Passed || missing.ExitCode != -1 {
		t.Fatalf("missing binary: %+v", missing)
	}
}

func TestVerify_EvidenceOnly(t *testing.T) {
	client := newSessionClient(t, &scriptedRunner{replies: []string{
		`{"result": "started", "session_id": "w"}`,
		`{"result": "I created main.go, ran go build, output was clean.", "session_id": "w"}`,
	}})
	v := New(client, Options{RequireArtifacts: false, RunTests: false}, nil)

	result := v.Verify(context.Background(), "TASK COMPLETE", t.TempDir())
	if !result.Passed {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Layers) != 1 || result.Layers[0].Name != "evidence" {
		t.Fatalf("layers = %+v", result.Layers)
	}
}

func TestVerify_MissingArtifactFails(t *testing.T) {
	client := newSessionClient(t, &scriptedRunner{replies: []string{
		`{"result": "started", "session_id": "w"}`,
		`{"result": "I created src/missing.go with the feature.", "session_id": "w"}`,
	}})
	v := New(client, Options{RequireArtifacts: true, RunTests: false}, nil)

	result := v.Verify(context.Background(), "TASK COMPLETE", t.TempDir())
	if result.Passed {
		t.Fatal("verification should fail for a missing claimed file")
	}

	prompt := v.GenerateRejectionPrompt(result)
	if !strings.Contains(prompt, "REJECTED") || !strings.Contains(prompt, "artifacts") {
		t.Fatalf("rejection prompt = %q", prompt)
	}
}

func TestVerify_Idempotent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "out.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	runner := &scriptedRunner{replies: []string{
		`{"result": "started", "session_id": "w"}`,
		`{"result": "I created out.txt", "session_id": "w"}`,
		`{"result": "I created out.txt", "session_id": "w"}`,
	}}
	client := newSessionClient(t, runner)
	v := New(client, Options{RequireArtifacts: true, RunTests: false}, nil)

	first := v.Verify(context.Background(), "claim", dir)
	second := v.Verify(context.Background(), "claim", dir)
	if first.Passed != second.Passed {
		t.Fatalf("idempotence violated: %v vs %v", first.Passed, second.Passed)
	}
}

func TestRunSmokeTests(t *testing.T) {
	v := New(nil, Options{SmokeCommands: []string{"true", "false"}}, nil)
	result := v.RunSmokeTests(context.Background(), t.TempDir())
	if result.Passed {
		t.Fatal("one failing smoke command should fail the run")
	}
	if result.Summary != "1/2 smoke tests passed" {
		t.Fatalf("summary = %q", result.Summary)
	}

	none := New(nil, Options{}, nil)
	if got := none.RunSmokeTests(context.Background(), t.TempDir()); !got.Passed {
		t.Fatalf("no smoke tests should pass vacuously: %+v", got)
	}
}

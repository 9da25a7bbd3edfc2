package verify

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// CheckResult contains the result of running a single probe command.
type CheckResult struct {
	Command  string
	ExitCode int
	Output   string
	Passed   bool
	Duration time.Duration
}

// projectMarkers maps a command's leading token to the files whose
// presence makes that command applicable in a working directory.
var projectMarkers = map[string][]string{
	"npm":    {"package.json"},
	"go":     {"go.mod"},
	"cargo":  {"Cargo.toml"},
	"make":   {"Makefile", "makefile"},
	"cmake":  {"CMakeLists.txt"},
	"ctest":  {"CMakeLists.txt"},
	"pytest": {"pytest.ini", "pyproject.toml", "setup.py", "conftest.py"},
}

// firstApplicable returns the first candidate command whose tool is on
// PATH and whose project marker exists under workingDir, or "".
func firstApplicable(candidates []string, workingDir string) string {
	for _, candidate := range candidates {
		parts := strings.Fields(candidate)
		if len(parts) == 0 {
			continue
		}
		if _, err := exec.LookPath(parts[0]); err != nil {
			continue
		}
		markers, ok := projectMarkers[parts[0]]
		if !ok {
			return candidate
		}
		for _, marker := range markers {
			if _, err := os.Stat(filepath.Join(workingDir, marker)); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// runCheck executes one probe command in the working directory with a
// timeout. A non-zero exit or a timeout is a failed check, not an error.
func runCheck(ctx context.Context, workingDir, command string, timeout time.Duration) CheckResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return CheckResult{Command: command, ExitCode: -1, Output: "empty command"}
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = workingDir

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	duration := time.Since(start)

	result := CheckResult{
		Command:  command,
		Duration: duration,
		Output:   truncateOutput(output.String()),
	}
	if ctx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		result.Output = "timed out after " + timeout.String()
		return result
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Output = "failed to execute: " + err.Error()
		}
		return result
	}
	result.Passed = true
	return result
}

func truncateOutput(s string) string {
	if len(s) > 2000 {
		return s[:2000] + "\n... [truncated]"
	}
	return s
}

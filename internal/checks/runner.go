// Package checks runs guardrail commands before a stage dispatches agents.
// A failing guardrail halts the stage before any agent is paid for.
package checks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a check that configures none.
const DefaultTimeout = 2 * time.Minute

// Result holds the structured telemetry of one check run.
type Result struct {
	CheckName  string `json:"check_name"`
	Passed     bool   `json:"passed"`
	AutoFixed  bool   `json:"auto_fixed"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int    `json:"duration_ms"`
	Summary    string `json:"summary"`
	Findings   string `json:"findings"`
}

// Check describes one guardrail command.
type Check struct {
	Name       string
	Command    string
	Parser     string
	Timeout    time.Duration
	AutoFix    bool
	FixCommand string
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner with sh -c.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return stdoutBuf.String(), stderrBuf.String(), exitErr.ExitCode(), nil
		}
		return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
	}
	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}

// Runner executes checks and parses their output.
type Runner struct {
	cmd     CommandRunner
	parsers map[string]Parser
}

// NewRunner creates a Runner with the given command runner.
func NewRunner(cmd CommandRunner) *Runner {
	if cmd == nil {
		cmd = &ExecRunner{}
	}
	return &Runner{
		cmd: cmd,
		parsers: map[string]Parser{
			"generic": &GenericParser{},
			"go-test": &GoTestParser{},
		},
	}
}

// Run executes a single check in dir. A failing check with auto_fix runs its
// fix command once and is then re-checked.
func (r *Runner) Run(ctx context.Context, dir string, chk Check) (*Result, error) {
	timeout := chk.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	result, err := r.runOnce(ctx, dir, chk, timeout)
	if err != nil {
		return nil, err
	}
	if result.Passed || !chk.AutoFix || chk.FixCommand == "" {
		return result, nil
	}

	fixCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// Fix commands often exit non-zero even when they fixed something.
	_, _, _, _ = r.cmd.Run(fixCtx, dir, chk.FixCommand)

	recheck, err := r.runOnce(ctx, dir, chk, timeout)
	if err != nil {
		return nil, fmt.Errorf("re-run after fix: %w", err)
	}
	recheck.AutoFixed = true
	return recheck, nil
}

func (r *Runner) runOnce(ctx context.Context, dir string, chk Check, timeout time.Duration) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := r.cmd.Run(runCtx, dir, chk.Command)
	durationMs := int(time.Since(start).Milliseconds())

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &Result{
				CheckName:  chk.Name,
				ExitCode:   -1,
				DurationMs: durationMs,
				Summary:    fmt.Sprintf("timeout after %s", timeout),
			}, nil
		}
		return nil, fmt.Errorf("run check %q: %w", chk.Name, err)
	}

	parser, ok := r.parsers[chk.Parser]
	if !ok {
		parser = r.parsers["generic"]
	}
	parsed := parser.Parse(stdout, stderr, exitCode)

	findings := ""
	switch f := parsed.Findings.(type) {
	case nil:
	case string:
		findings = f
	default:
		data, _ := json.Marshal(f)
		findings = string(data)
	}

	return &Result{
		CheckName:  chk.Name,
		Passed:     exitCode == 0 && parsed.Passed,
		ExitCode:   exitCode,
		DurationMs: durationMs,
		Summary:    parsed.Summary,
		Findings:   findings,
	}, nil
}

// Package agent dispatches stage prompts to language-model agents and
// collects their raw answers. Agents are opaque: anything that can turn a
// prompt into text implements Agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is reported when an agent exceeds its per-call deadline.
var ErrTimeout = errors.New("agent timed out")

// ErrSkipped marks a slot that was never started because the run was cancelled.
var ErrSkipped = errors.New("agent skipped")

// Response is what an agent returns for one prompt.
type Response struct {
	Content      string
	ModelVersion string
}

// Agent turns a prompt into a response. Invoke must honor ctx cancellation.
type Agent interface {
	Name() string
	Invoke(ctx context.Context, prompt string) (Response, error)
}

// Failure describes why an agent slot produced no usable output.
type Failure struct {
	Agent    string
	Reason   string // "timeout", "provider" or "skipped"
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("agent %s %s after %d attempt(s): %v", f.Agent, f.Reason, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// CommandAgent runs a shell command with the prompt on stdin and treats stdout
// as the answer.
type CommandAgent struct {
	name    string
	command string
	model   string
	dir     string
}

// NewCommandAgent creates a CommandAgent. dir may be empty.
func NewCommandAgent(name, command, model, dir string) *CommandAgent {
	return &CommandAgent{name: name, command: command, model: model, dir: dir}
}

func (a *CommandAgent) Name() string { return a.name }

func (a *CommandAgent) Invoke(ctx context.Context, prompt string) (Response, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", a.command)
	cmd.Dir = a.dir
	cmd.Stdin = strings.NewReader(prompt)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Response{}, fmt.Errorf("exit %d: %s", exitErr.ExitCode(), tail(stderr.String(), 500))
		}
		return Response{}, fmt.Errorf("exec: %w", err)
	}
	return Response{Content: stdout.String(), ModelVersion: a.model}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

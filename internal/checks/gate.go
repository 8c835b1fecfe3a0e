package checks

import (
	"context"
	"encoding/json"
	"fmt"
)

// GateCheckResult is one check's line in a gate report.
type GateCheckResult struct {
	Check     string `json:"check"`
	Passed    bool   `json:"passed"`
	AutoFixed bool   `json:"auto_fixed,omitempty"`
	Runs      int    `json:"runs"`
	Summary   string `json:"summary,omitempty"`
}

// GateResult is the outcome of running a stage's guardrails.
type GateResult struct {
	WorkItem string            `json:"work_item"`
	Stage    string            `json:"stage"`
	Passed   bool              `json:"passed"`
	Checks   []GateCheckResult `json:"checks"`
	// Failures maps each failed check to its summary.
	Failures map[string]string `json:"failures,omitempty"`
}

// FailedChecks returns the failed check names in run order.
func (g *GateResult) FailedChecks() []string {
	var names []string
	for _, c := range g.Checks {
		if !c.Passed {
			names = append(names, c.Check)
		}
	}
	return names
}

// JSON returns the gate result as indented JSON.
func (g *GateResult) JSON() (string, error) {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GateOpts configures a guardrail run.
type GateOpts struct {
	WorkItem string
	Stage    string
	Dir      string
	Checks   []Check
	Continue bool // run all checks even if some fail
}

// RunGate executes the checks in order. It stops at the first failure unless
// Continue is set. Per-check results are returned for evidence.
func (r *Runner) RunGate(ctx context.Context, opts GateOpts) (*GateResult, []*Result, error) {
	gate := &GateResult{
		WorkItem: opts.WorkItem,
		Stage:    opts.Stage,
		Passed:   true,
		Failures: make(map[string]string),
	}

	var all []*Result
	for _, chk := range opts.Checks {
		if err := ctx.Err(); err != nil {
			return nil, all, err
		}
		result, err := r.Run(ctx, opts.Dir, chk)
		if err != nil {
			return nil, all, fmt.Errorf("run check %q: %w", chk.Name, err)
		}
		all = append(all, result)

		runs := 1
		if result.AutoFixed {
			runs = 2
		}
		gate.Checks = append(gate.Checks, GateCheckResult{
			Check:     chk.Name,
			Passed:    result.Passed,
			AutoFixed: result.AutoFixed,
			Runs:      runs,
			Summary:   result.Summary,
		})

		if !result.Passed {
			gate.Passed = false
			gate.Failures[chk.Name] = result.Summary
			if !opts.Continue {
				break
			}
		}
	}
	return gate, all, nil
}

// Package pipeline holds the stage vocabulary and the run state machine
// shared by the coordinator, the CLI and the status API.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/theturtlecsz/code-sub000/internal/db"
)

// Stage names one step of the delivery workflow.
type Stage string

const (
	StageSpecify   Stage = "specify"
	StagePlan      Stage = "plan"
	StageTasks     Stage = "tasks"
	StageImplement Stage = "implement"
	StageValidate  Stage = "validate"
	StageAudit     Stage = "audit"
	StageUnlock    Stage = "unlock"
)

// Stages is the canonical order. Pipelines may configure any ordered subset.
var Stages = []Stage{StageSpecify, StagePlan, StageTasks, StageImplement, StageValidate, StageAudit, StageUnlock}

// ParseStage returns the Stage named s.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Position returns the index of s in the canonical order, or -1.
func Position(s Stage) int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage after current in order, or "" when current is last
// or not present.
func Next(order []string, current string) string {
	for i, id := range order {
		if id == current && i+1 < len(order) {
			return order[i+1]
		}
	}
	return ""
}

// ErrAlreadyRunning is returned when a run is already active for the same
// (work item, stage). It matches db.ErrLockHeld as well.
var ErrAlreadyRunning = fmt.Errorf("stage already running: %w", db.ErrLockHeld)

// RunState is the in-memory state of one stage run.
type RunState string

const (
	Idle        RunState = "idle"
	Dispatching RunState = "dispatching"
	Scoring     RunState = "scoring"
	GateCheck   RunState = "gate_check"
	Advanced    RunState = "advanced"
	Halted      RunState = "halted"
	Escalated   RunState = "escalated"
	Cancelled   RunState = "cancelled"
)

// transitions lists every allowed move. Anything else is a bug.
var transitions = map[RunState][]RunState{
	Idle:        {Dispatching, Halted, Cancelled},
	Dispatching: {Scoring, Halted, Cancelled},
	Scoring:     {GateCheck, Advanced, Halted, Escalated, Cancelled},
	GateCheck:   {Advanced, Escalated, Halted, Cancelled},
}

// ErrInvalidTransition is returned by Transition for a move not in the table.
var ErrInvalidTransition = errors.New("invalid run state transition")

// Transition validates a move from one state to another and returns to.
func Transition(from, to RunState) (RunState, error) {
	for _, next := range transitions[from] {
		if next == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	switch s {
	case Advanced, Halted, Escalated, Cancelled:
		return true
	}
	return false
}

// Status returns the stored run status. Only terminal states are committed.
func (s RunState) Status() string {
	if s.Terminal() {
		return string(s)
	}
	return "running"
}

package pipeline

import (
	"errors"
	"testing"

	"github.com/theturtlecsz/code-sub000/internal/db"
)

func TestParseStage(t *testing.T) {
	for _, s := range Stages {
		got, err := ParseStage(string(s))
		if err != nil || got != s {
			t.Errorf("ParseStage(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseStage("deploy"); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestNext(t *testing.T) {
	order := []string{"plan", "tasks", "implement"}
	tests := []struct {
		current string
		want    string
	}{
		{"plan", "tasks"},
		{"tasks", "implement"},
		{"implement", ""},
		{"specify", ""},
	}
	for _, tt := range tests {
		if got := Next(order, tt.current); got != tt.want {
			t.Errorf("Next(%q) = %q, want %q", tt.current, got, tt.want)
		}
	}
}

func TestTransition(t *testing.T) {
	tests := []struct {
		from, to RunState
		ok       bool
	}{
		{Idle, Dispatching, true},
		{Idle, Halted, true},
		{Dispatching, Scoring, true},
		{Dispatching, Cancelled, true},
		{Scoring, GateCheck, true},
		{Scoring, Advanced, true},
		{Scoring, Escalated, true},
		{GateCheck, Advanced, true},
		{GateCheck, Escalated, true},
		{Idle, Advanced, false},
		{Idle, Scoring, false},
		{Dispatching, Advanced, false},
		{Dispatching, GateCheck, false},
		{Advanced, Dispatching, false},
		{Halted, Idle, false},
		{Cancelled, Dispatching, false},
	}
	for _, tt := range tests {
		got, err := Transition(tt.from, tt.to)
		if tt.ok {
			if err != nil || got != tt.to {
				t.Errorf("Transition(%s, %s) = %s, %v; want ok", tt.from, tt.to, got, err)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Transition(%s, %s) err = %v, want ErrInvalidTransition", tt.from, tt.to, err)
		}
		if got != tt.from {
			t.Errorf("Transition(%s, %s) moved to %s on error", tt.from, tt.to, got)
		}
	}
}

func TestRunState_TerminalAndStatus(t *testing.T) {
	for _, s := range []RunState{Advanced, Halted, Escalated, Cancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.Status() != string(s) {
			t.Errorf("%s.Status() = %q", s, s.Status())
		}
	}
	for _, s := range []RunState{Idle, Dispatching, Scoring, GateCheck} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
		if s.Status() != "running" {
			t.Errorf("%s.Status() = %q, want running", s, s.Status())
		}
	}
}

func TestErrAlreadyRunning_MatchesLockHeld(t *testing.T) {
	if !errors.Is(ErrAlreadyRunning, db.ErrLockHeld) {
		t.Error("ErrAlreadyRunning should match db.ErrLockHeld")
	}
}

func TestPosition(t *testing.T) {
	for i, s := range Stages {
		if got := Position(s); got != i {
			t.Errorf("Position(%q) = %d, want %d", s, got, i)
		}
	}
	if got := Position("deploy"); got != -1 {
		t.Errorf("Position(deploy) = %d, want -1", got)
	}
}

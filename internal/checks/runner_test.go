package checks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// mockCmd records calls and returns configured results.
type mockCmd struct {
	calls   []mockCall
	results []mockResult
	callIdx int
}

type mockCall struct {
	Dir     string
	Command string
}

type mockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	Block    bool // wait for ctx cancellation
}

func (m *mockCmd) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	m.calls = append(m.calls, mockCall{Dir: dir, Command: command})
	if m.callIdx >= len(m.results) {
		return "", "", 0, nil
	}
	r := m.results[m.callIdx]
	m.callIdx++
	if r.Block {
		<-ctx.Done()
		return "", "", -1, ctx.Err()
	}
	return r.Stdout, r.Stderr, r.ExitCode, r.Err
}

func TestRunner_Run(t *testing.T) {
	tests := []struct {
		name       string
		results    []mockResult
		check      Check
		wantPassed bool
		wantFixed  bool
		wantCalls  int
	}{
		{
			name:       "passes",
			results:    []mockResult{{Stdout: "ok", ExitCode: 0}},
			check:      Check{Name: "build", Command: "go build ./..."},
			wantPassed: true,
			wantCalls:  1,
		},
		{
			name:      "fails",
			results:   []mockResult{{Stderr: "undefined: foo", ExitCode: 1}},
			check:     Check{Name: "build", Command: "go build ./..."},
			wantCalls: 1,
		},
		{
			name:       "auto fix recovers",
			results:    []mockResult{{ExitCode: 1}, {ExitCode: 1}, {ExitCode: 0}},
			check:      Check{Name: "fmt", Command: "test -z $(gofmt -l .)", AutoFix: true, FixCommand: "gofmt -w ."},
			wantPassed: true,
			wantFixed:  true,
			wantCalls:  3,
		},
		{
			name:      "auto fix still failing",
			results:   []mockResult{{ExitCode: 1}, {ExitCode: 0}, {ExitCode: 1}},
			check:     Check{Name: "fmt", Command: "check", AutoFix: true, FixCommand: "fix"},
			wantFixed: true,
			wantCalls: 3,
		},
		{
			name:       "no fix when passing",
			results:    []mockResult{{ExitCode: 0}},
			check:      Check{Name: "fmt", Command: "check", AutoFix: true, FixCommand: "fix"},
			wantPassed: true,
			wantCalls:  1,
		},
		{
			name:      "auto fix without command",
			results:   []mockResult{{ExitCode: 1}},
			check:     Check{Name: "fmt", Command: "check", AutoFix: true},
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockCmd{results: tt.results}
			res, err := NewRunner(mock).Run(context.Background(), "/work", tt.check)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Passed != tt.wantPassed {
				t.Errorf("passed = %v, want %v", res.Passed, tt.wantPassed)
			}
			if res.AutoFixed != tt.wantFixed {
				t.Errorf("auto_fixed = %v, want %v", res.AutoFixed, tt.wantFixed)
			}
			if len(mock.calls) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(mock.calls), tt.wantCalls)
			}
			if res.CheckName != tt.check.Name {
				t.Errorf("check name = %q", res.CheckName)
			}
			if mock.calls[0].Dir != "/work" {
				t.Errorf("dir = %q", mock.calls[0].Dir)
			}
		})
	}
}

func TestRunner_Run_FailureKeepsOutput(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stdout: "building", Stderr: "main.go:3: undefined: foo", ExitCode: 2}}}
	res, err := NewRunner(mock).Run(context.Background(), "", Check{Name: "build", Command: "go build", Parser: "unknown"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Findings, "undefined: foo") {
		t.Errorf("findings = %q", res.Findings)
	}
	if res.ExitCode != 2 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestRunner_Run_Timeout(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Block: true}}}
	res, err := NewRunner(mock).Run(context.Background(), "", Check{Name: "slow", Command: "sleep 60", Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("timeout should be a failed result, got error %v", err)
	}
	if res.Passed || res.ExitCode != -1 || !strings.Contains(res.Summary, "timeout") {
		t.Errorf("result = %+v", res)
	}
}

func TestRunner_Run_CommandError(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Err: errors.New("sh: not found"), ExitCode: -1}}}
	if _, err := NewRunner(mock).Run(context.Background(), "", Check{Name: "x", Command: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestExecRunner(t *testing.T) {
	r := &ExecRunner{}
	out, _, code, err := r.Run(context.Background(), t.TempDir(), "echo hi")
	if err != nil || code != 0 || strings.TrimSpace(out) != "hi" {
		t.Errorf("out=%q code=%d err=%v", out, code, err)
	}
	_, errOut, code, err := r.Run(context.Background(), "", "echo bad >&2; exit 4")
	if err != nil || code != 4 || strings.TrimSpace(errOut) != "bad" {
		t.Errorf("stderr=%q code=%d err=%v", errOut, code, err)
	}
}

func TestGoTestParser(t *testing.T) {
	stream := strings.Join([]string{
		`{"Action":"run","Package":"p","Test":"TestA"}`,
		`{"Action":"pass","Package":"p","Test":"TestA","Elapsed":0.01}`,
		`{"Action":"run","Package":"p","Test":"TestB"}`,
		`{"Action":"output","Package":"p","Test":"TestB","Output":"    b_test.go:9: want 2, got 3\n"}`,
		`{"Action":"fail","Package":"p","Test":"TestB","Elapsed":0.02}`,
		`{"Action":"skip","Package":"p","Test":"TestC"}`,
		`{"Action":"fail","Package":"p","Elapsed":0.05}`,
	}, "\n")

	res := (&GoTestParser{}).Parse(stream, "", 1)
	if res.Passed {
		t.Error("expected failure")
	}
	if res.Summary != "1 passed, 1 failed, 1 skipped" {
		t.Errorf("summary = %q", res.Summary)
	}
	r := res.Findings.(goTestResult)
	if len(r.Failures) != 1 || r.Failures[0].Test != "TestB" || !strings.Contains(r.Failures[0].Output, "want 2") {
		t.Errorf("failures = %+v", r.Failures)
	}
}

func TestGoTestParser_NotJSON(t *testing.T) {
	res := (&GoTestParser{}).Parse("ok  \tp\t0.01s\n", "", 0)
	if !res.Passed || !strings.Contains(res.Summary, "could not parse") {
		t.Errorf("result = %+v", res)
	}
}

func TestGenericParser_Truncates(t *testing.T) {
	long := strings.Repeat("x", maxOutputLen+100) + "END"
	res := (&GenericParser{}).Parse(long, "", 1)
	f := res.Findings.(string)
	if !strings.HasSuffix(f, "END") || !strings.HasPrefix(f, "...(truncated)") {
		t.Error("expected tail of output to be kept")
	}
}

func TestRunGate(t *testing.T) {
	checks := []Check{
		{Name: "build", Command: "build"},
		{Name: "test", Command: "test"},
		{Name: "vet", Command: "vet"},
	}

	t.Run("all pass", func(t *testing.T) {
		mock := &mockCmd{}
		g, results, err := NewRunner(mock).RunGate(context.Background(), GateOpts{WorkItem: "W1", Stage: "implement", Checks: checks})
		if err != nil {
			t.Fatal(err)
		}
		if !g.Passed || len(g.Checks) != 3 || len(results) != 3 || len(g.FailedChecks()) != 0 {
			t.Errorf("gate = %+v", g)
		}
	})

	t.Run("stops at first failure", func(t *testing.T) {
		mock := &mockCmd{results: []mockResult{{ExitCode: 0}, {ExitCode: 1}}}
		g, _, err := NewRunner(mock).RunGate(context.Background(), GateOpts{Checks: checks})
		if err != nil {
			t.Fatal(err)
		}
		if g.Passed || len(mock.calls) != 2 {
			t.Errorf("passed=%v calls=%d", g.Passed, len(mock.calls))
		}
		if got := g.FailedChecks(); len(got) != 1 || got[0] != "test" {
			t.Errorf("failed = %v", got)
		}
		if _, ok := g.Failures["test"]; !ok {
			t.Error("missing failure summary")
		}
	})

	t.Run("continue runs everything", func(t *testing.T) {
		mock := &mockCmd{results: []mockResult{{ExitCode: 1}, {ExitCode: 1}, {ExitCode: 0}}}
		g, _, err := NewRunner(mock).RunGate(context.Background(), GateOpts{Checks: checks, Continue: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(mock.calls) != 3 || len(g.FailedChecks()) != 2 {
			t.Errorf("calls=%d failed=%v", len(mock.calls), g.FailedChecks())
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, _, err := NewRunner(&mockCmd{}).RunGate(ctx, GateOpts{Checks: checks}); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("json", func(t *testing.T) {
		g := &GateResult{WorkItem: "W1", Stage: "plan", Passed: true}
		s, err := g.JSON()
		if err != nil || !strings.Contains(s, `"work_item": "W1"`) {
			t.Errorf("json = %s err=%v", s, err)
		}
	})
}

package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/theturtlecsz/code-sub000/internal/db"
)

func TestResolveConfigPath_Empty(t *testing.T) {
	got, err := resolveConfigPath("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty path, got %q", got)
	}
}

func TestResolveConfigPath_Missing(t *testing.T) {
	_, err := resolveConfigPath(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestResolveConfigPath_Relative(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pipeline.yaml"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	got, err := resolveConfigPath("pipeline.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("expected absolute path, got %q", got)
	}
	if filepath.Base(got) != "pipeline.yaml" {
		t.Errorf("unexpected path %q", got)
	}
}

// The agents read the prompt and print the same answer, so every stage
// reaches consensus without a checkpoint and completes.
const cliPipeline = `
pipeline:
  name: cli-test
  defaults:
    mode: parallel
    agents: [alpha, beta]
  agents:
    alpha:
      command: "cat >/dev/null; echo looks good"
      model: alpha-1
    beta:
      command: "cat >/dev/null; echo looks good"
      model: beta-1
  checks:
    ok:
      command: "true"
      parser: generic
    broken:
      command: "exit 3"
      parser: generic
  stages:
    - id: plan
      guardrails: [ok]
  gate:
    high_threshold: 0.9
    medium_threshold: 0.7
`

type cliEnv struct {
	dir      string
	dbPath   string
	pipeline string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(p, []byte(cliPipeline), 0o644); err != nil {
		t.Fatal(err)
	}
	settings := filepath.Join(dir, "specpipe.yaml")
	if err := os.WriteFile(settings, []byte("log:\n  level: ERROR\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return cliEnv{dir: dir, dbPath: filepath.Join(dir, "state", "specpipe.db"), pipeline: p}
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	full := append([]string{}, args...)
	full = append(full,
		"--db", e.dbPath,
		"--pipeline", e.pipeline,
		"--settings", filepath.Join(e.dir, "specpipe.yaml"),
	)
	return executeCommand(full...)
}

func TestIntakeAndStatus(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run(t, "intake", "item-1", "--title", "First item", "--format", "text")
	if err != nil {
		t.Fatalf("intake: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Created item-1 at stage plan") {
		t.Errorf("unexpected intake output: %s", out)
	}

	out, err = e.run(t, "status", "--format", "json", "--status", "")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	var items []db.WorkItem
	if err := json.Unmarshal([]byte(out[strings.Index(out, "["):]), &items); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if len(items) != 1 || items[0].ID != "item-1" || items[0].Status != db.StatusActive {
		t.Errorf("unexpected items: %+v", items)
	}

	if _, err := e.run(t, "intake", "item-1", "--format", "text"); err == nil {
		t.Error("expected duplicate intake to fail")
	}
}

func TestDriveCompletesItem(t *testing.T) {
	e := newCLIEnv(t)
	if out, err := e.run(t, "intake", "item-2", "--format", "text"); err != nil {
		t.Fatalf("intake: %v\n%s", err, out)
	}

	out, err := e.run(t, "drive", "item-2", "--format", "text", "--concurrency", "0")
	if err != nil {
		t.Fatalf("drive: %v\n%s", err, out)
	}
	if !strings.Contains(out, "item-2") || !strings.Contains(out, "completed") {
		t.Errorf("unexpected drive output: %s", out)
	}

	out, err = e.run(t, "status", "item-2", "--format", "text")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Status:   completed") {
		t.Errorf("expected completed item, got: %s", out)
	}

	out, err = e.run(t, "events", "item-2", "--format", "text")
	if err != nil {
		t.Fatalf("events: %v\n%s", err, out)
	}
	if !strings.Contains(out, "created") {
		t.Errorf("expected created event, got: %s", out)
	}

	if _, err := os.Stat(filepath.Join(e.dir, "state", "evidence")); err != nil {
		t.Errorf("expected evidence dir next to the database: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	e := newCLIEnv(t)
	out, err := e.run(t, "config", "validate")
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid") {
		t.Errorf("unexpected output: %s", out)
	}

	bad := filepath.Join(e.dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("pipeline:\n  name: x\n  stages: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = executeCommand("config", "validate", "--pipeline", bad)
	if err == nil {
		t.Fatalf("expected validation failure, got: %s", out)
	}
	if !strings.Contains(out, "Validation errors") {
		t.Errorf("expected validation error list, got: %s", out)
	}
}

func TestGateEvaluate(t *testing.T) {
	e := newCLIEnv(t)
	sig := filepath.Join(e.dir, "signal.json")
	// 0.8 is high under the defaults but medium under this pipeline's 0.9.
	body := `{"checkpoint":"after_plan","owner_confidence":0.8,"magnitude":"important","resolvability":"auto_fix"}`
	if err := os.WriteFile(sig, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := e.run(t, "gate", "evaluate", "--signal", sig, "--format", "text")
	if err != nil {
		t.Fatalf("evaluate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Verdict:    escalate") || !strings.Contains(out, "Target:     judge") {
		t.Errorf("expected escalation to judge, got: %s", out)
	}
}

func TestCheckRun(t *testing.T) {
	e := newCLIEnv(t)
	out, err := e.run(t, "check", "run", "ok", "--dir", e.dir, "--format", "text", "--stage", "", "--continue=false")
	if err != nil {
		t.Fatalf("check run ok: %v\n%s", err, out)
	}
	if !strings.Contains(out, "PASS  ok") {
		t.Errorf("unexpected output: %s", out)
	}

	out, err = e.run(t, "check", "run", "ok", "broken", "--dir", e.dir, "--format", "text", "--stage", "", "--continue")
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected broken check failure, got %v\n%s", err, out)
	}
	if !strings.Contains(out, "FAIL  broken") {
		t.Errorf("unexpected output: %s", out)
	}

	if _, err := e.run(t, "check", "run", "missing", "--dir", e.dir, "--stage", ""); err == nil {
		t.Error("expected unknown check to fail")
	}
}

func TestDBResetRequiresConfirmation(t *testing.T) {
	e := newCLIEnv(t)
	if _, err := e.run(t, "db", "reset", "--yes=false"); err == nil {
		t.Fatal("expected reset without --yes to fail")
	}
	out, err := e.run(t, "db", "stats", "--format", "text")
	if err != nil {
		t.Fatalf("stats: %v\n%s", err, out)
	}
	if !strings.Contains(out, "work_items") {
		t.Errorf("unexpected stats output: %s", out)
	}
}

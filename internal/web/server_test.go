package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theturtlecsz/code-sub000/internal/agent"
	"github.com/theturtlecsz/code-sub000/internal/analytics"
	"github.com/theturtlecsz/code-sub000/internal/config"
	"github.com/theturtlecsz/code-sub000/internal/db"
	"github.com/theturtlecsz/code-sub000/internal/orchestrator"
	"github.com/theturtlecsz/code-sub000/internal/pipeline"
)

const testPipeline = `
pipeline:
  name: web-test
  defaults:
    agents: [claude, gpt]
    timeout: 5s
  agents:
    claude: {command: "cat"}
    gpt: {command: "cat"}
  stages:
    - id: plan
    - id: tasks
      checkpoint: after_tasks
  retry:
    max_attempts: 1
`

type fixedAgent struct{ name string }

func (a fixedAgent) Name() string { return a.name }

func (a fixedAgent) Invoke(_ context.Context, p string) (agent.Response, error) {
	if strings.HasPrefix(p, "# Stage: plan\n") {
		return agent.Response{Content: `{"work_breakdown": ["api"], "acceptance_mapping": {"AC1": "api"}}`}, nil
	}
	return agent.Response{Content: `{"tasks": ["add handler"]}`}, nil
}

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "web.db"), db.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Migrate(context.Background()))
	return d
}

func newTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	d := testDB(t)
	cfg, err := config.Parse([]byte(testPipeline))
	require.NoError(t, err)
	coord, err := orchestrator.New(orchestrator.Deps{
		DB:     d,
		Config: cfg,
		Agents: map[string]agent.Agent{"claude": fixedAgent{"claude"}, "gpt": fixedAgent{"gpt"}},
	})
	require.NoError(t, err)
	s := NewServer(d, coord, nil)
	s.streamInterval = 10 * time.Millisecond
	t.Cleanup(s.Shutdown)
	return s, d
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestListItems(t *testing.T) {
	s, d := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/v1/items", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	ctx := context.Background()
	_, err := d.CreateWorkItem(ctx, "W1", "one", "plan")
	require.NoError(t, err)
	_, err = d.CreateWorkItem(ctx, "W2", "two", "plan")
	require.NoError(t, err)

	items := decode[[]db.WorkItem](t, do(t, s, http.MethodGet, "/api/v1/items?status=active", ""))
	assert.Len(t, items, 2)

	items = decode[[]db.WorkItem](t, do(t, s, http.MethodGet, "/api/v1/items?status=halted", ""))
	assert.Empty(t, items)

	rec = do(t, s, http.MethodGet, "/api/v1/items?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown status")
}

func TestItem_NotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/items/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Contains(t, body["error"], "nope")

	rec = do(t, s, http.MethodGet, "/api/v1/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntake(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/items", `{"id": "W1", "title": "Add login"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	item := decode[db.WorkItem](t, rec)
	assert.Equal(t, "plan", item.CurrentStage)
	assert.Equal(t, db.StatusActive, item.Status)

	rec = do(t, s, http.MethodPost, "/api/v1/items", `{"id": "W1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/items", `{"title": "no id"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRun_DrivesToCompletion(t *testing.T) {
	s, d := newTestServer(t)
	ctx := context.Background()
	_, err := d.CreateWorkItem(ctx, "W1", "", "plan")
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/api/v1/items/W1/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		w, err := d.GetWorkItem(ctx, "W1")
		return err == nil && w != nil && w.Status == db.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	s.Shutdown()

	view := decode[itemView](t, do(t, s, http.MethodGet, "/api/v1/items/W1", ""))
	require.Len(t, view.Runs, 2)
	assert.False(t, view.Running)

	run := decode[db.Run](t, do(t, s, http.MethodGet, "/api/v1/runs/"+view.Runs[0].RunID, ""))
	assert.Equal(t, "tasks", run.Stage)
	assert.Len(t, run.Outputs, 2)
	require.NotNil(t, run.Gate)
	assert.Equal(t, "after_tasks", run.Gate.Checkpoint)

	// A completed item cannot be started again.
	rec = do(t, s, http.MethodPost, "/api/v1/items/W1/run", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	timeline := decode[[]map[string]any](t, do(t, s, http.MethodGet, "/api/v1/items/W1/timeline", ""))
	assert.NotEmpty(t, timeline)

	stats := decode[analytics.Summary](t, do(t, s, http.MethodGet, "/api/v1/analytics", ""))
	assert.Len(t, stats.Agents, 2)
	assert.Len(t, stats.Stages, 2)
	require.Len(t, stats.Checkpoints, 1)
	assert.Equal(t, 1, stats.Checkpoints[0].Total)
}

func TestControlConflicts(t *testing.T) {
	s, d := newTestServer(t)
	_, err := d.CreateWorkItem(context.Background(), "W1", "", "plan")
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/api/v1/items/W1/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "no run in progress")

	rec = do(t, s, http.MethodPost, "/api/v1/items/W1/override", `{"actor": "alice", "reason": "ok"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "item is not halted")

	rec = do(t, s, http.MethodPost, "/api/v1/items/W1/override", `{"actor": "alice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/items/W1/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/items/nope/resume", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadOnlyServer(t *testing.T) {
	d := testDB(t)
	s := NewServer(d, nil, nil)
	rec := do(t, s, http.MethodPost, "/api/v1/items", `{"id": "W1"}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/items/W1/run", "")
	assert.NotEqual(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/locks", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestActivity(t *testing.T) {
	s, d := newTestServer(t)
	ctx := context.Background()
	_, err := d.CreateWorkItem(ctx, "W1", "", "plan")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.LogEvent(ctx, db.PipelineEvent{WorkItemID: "W1", Event: fmt.Sprintf("e%d", i)}))
	}

	events := decode[[]db.PipelineEvent](t, do(t, s, http.MethodGet, "/api/v1/activity?limit=2", ""))
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[0].Event, "newest first")

	rec := do(t, s, http.MethodGet, "/api/v1/activity?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStream(t *testing.T) {
	s, d := newTestServer(t)
	ctx := context.Background()
	item, err := d.CreateWorkItem(ctx, "W1", "", "plan")
	require.NoError(t, err)
	// Intake logged event 1.
	require.NoError(t, d.LogEvent(ctx, db.PipelineEvent{WorkItemID: "W1", Event: "run_advanced", Stage: "plan"}))

	item.Status = db.StatusCompleted
	require.NoError(t, d.InTransaction(ctx, db.Immediate, func(tx *sql.Tx) error {
		return db.UpdateWorkItemTx(ctx, tx, item)
	}))

	rec := do(t, s, http.MethodGet, "/api/v1/items/W1/events/stream", "")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: created\n")
	assert.Contains(t, body, "event: run_advanced\n")
	assert.True(t, strings.HasSuffix(body, "event: done\ndata: work item finished\n\n"), body)

	// Resuming after the last event only sends done.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/items/W1/events/stream", nil)
	req.Header.Set("Last-Event-ID", "2")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.NotContains(t, rec.Body.String(), "run_advanced")
	assert.Contains(t, rec.Body.String(), "event: done")
}

func TestEventStream_StopsWithClient(t *testing.T) {
	s, d := newTestServer(t)
	_, err := d.CreateWorkItem(context.Background(), "W1", "", "plan")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/items/W1/events/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(rec, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after the client went away")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", db.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: W1/plan", pipeline.ErrAlreadyRunning), http.StatusConflict},
		{orchestrator.ErrNotHalted, http.StatusConflict},
		{orchestrator.ErrNotActive, http.StatusConflict},
		{orchestrator.ErrNoActiveRun, http.StatusConflict},
		{fmt.Errorf("commit run r1: %w: %w", orchestrator.ErrSuperseded, db.ErrLockLost), http.StatusConflict},
		{db.ErrStorageBusy, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

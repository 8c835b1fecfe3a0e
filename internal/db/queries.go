package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Work item statuses.
const (
	StatusActive    = "active"
	StatusHalted    = "halted"
	StatusCompleted = "completed"
	StatusArchived  = "archived"
)

// WorkItem is one unit of work tracked through the pipeline.
type WorkItem struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CurrentStage string    `json:"current_stage"`
	Status       string    `json:"status"`
	ReturnState  string    `json:"return_state,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Run is a committed consensus run.
type Run struct {
	RunID       string    `json:"run_id"`
	WorkItemID  string    `json:"work_item_id"`
	Stage       string    `json:"stage"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Status      string    `json:"status"`
	Outcome     string    `json:"outcome"`
	ConsensusOK bool      `json:"consensus_ok"`
	Degraded    bool      `json:"degraded"`
	WinnerAgent string    `json:"winner_agent,omitempty"`
	WinnerScore float64   `json:"winner_score,omitempty"`
	Synthesis   string    `json:"synthesis,omitempty"`

	Outputs []AgentOutput `json:"outputs,omitempty"`
	Gate    *GateDecision `json:"gate,omitempty"`
}

// AgentOutput is one slot of a run, successful or failed.
type AgentOutput struct {
	RunID         string    `json:"run_id"`
	DispatchIndex int       `json:"dispatch_index"`
	AgentName     string    `json:"agent_name"`
	ModelVersion  string    `json:"model_version,omitempty"`
	Content       string    `json:"content,omitempty"`
	Failed        bool      `json:"failed"`
	Error         string    `json:"error,omitempty"`
	ProducedAt    time.Time `json:"produced_at"`
}

// GateDecision is the persisted result of a checkpoint.
type GateDecision struct {
	RunID      string    `json:"run_id"`
	Checkpoint string    `json:"checkpoint"`
	Decision   string    `json:"decision"`
	Confidence string    `json:"confidence"`
	Reason     string    `json:"reason"`
	Target     string    `json:"target,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Override records a human decision to move a held work item forward.
type Override struct {
	ID         int64     `json:"id"`
	WorkItemID string    `json:"work_item_id"`
	Stage      string    `json:"stage"`
	RunID      string    `json:"run_id,omitempty"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// PipelineEvent is one entry of the per-item history.
type PipelineEvent struct {
	ID         int       `json:"id"`
	WorkItemID string    `json:"work_item_id"`
	Event      string    `json:"event"`
	Stage      string    `json:"stage,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// querier is satisfied by both pools and transactions.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateWorkItem inserts a new active work item.
func (d *DB) CreateWorkItem(ctx context.Context, id, title, stage string) (*WorkItem, error) {
	now := d.now().UTC()
	item := &WorkItem{
		ID:           id,
		Title:        title,
		CurrentStage: stage,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := d.InTransaction(ctx, Immediate, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO work_items (id, title, current_stage, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, title, stage, StatusActive, formatTime(now), formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("create work item: %w", err)
		}
		return insertEvent(ctx, tx, PipelineEvent{WorkItemID: id, Event: "created", Stage: stage, Timestamp: now})
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// GetWorkItem returns the work item, or nil if it does not exist.
func (d *DB) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	return scanWorkItem(d.reader.QueryRowContext(ctx,
		`SELECT id, title, current_stage, status, return_state, created_at, updated_at
		 FROM work_items WHERE id = ?`, id))
}

// GetWorkItemTx reads a work item inside an open transaction.
func GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (*WorkItem, error) {
	return scanWorkItem(tx.QueryRowContext(ctx,
		`SELECT id, title, current_stage, status, return_state, created_at, updated_at
		 FROM work_items WHERE id = ?`, id))
}

func scanWorkItem(row *sql.Row) (*WorkItem, error) {
	var w WorkItem
	var ret sql.NullString
	var created, updated string
	err := row.Scan(&w.ID, &w.Title, &w.CurrentStage, &w.Status, &ret, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", classify(err))
	}
	w.ReturnState = ret.String
	w.CreatedAt = parseTime(created)
	w.UpdatedAt = parseTime(updated)
	return &w, nil
}

// ListWorkItems returns work items, optionally filtered by status.
func (d *DB) ListWorkItems(ctx context.Context, status string) ([]WorkItem, error) {
	query := `SELECT id, title, current_stage, status, return_state, created_at, updated_at FROM work_items`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at, id"

	rows, err := d.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", classify(err))
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		var w WorkItem
		var ret sql.NullString
		var created, updated string
		if err := rows.Scan(&w.ID, &w.Title, &w.CurrentStage, &w.Status, &ret, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		w.ReturnState = ret.String
		w.CreatedAt = parseTime(created)
		w.UpdatedAt = parseTime(updated)
		items = append(items, w)
	}
	return items, rows.Err()
}

// UpdateWorkItemTx writes the stage, status and return state of a work item.
func UpdateWorkItemTx(ctx context.Context, tx *sql.Tx, w *WorkItem) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET current_stage = ?, status = ?, return_state = ?, updated_at = ? WHERE id = ?`,
		w.CurrentStage, w.Status, nullString(w.ReturnState), formatTime(w.UpdatedAt), w.ID,
	)
	if err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update work item %s: %w", w.ID, ErrNotFound)
	}
	return nil
}

// CommitRunTx inserts a run with its outputs and gate decision. Re-committing
// the same run id is a no-op, and reports inserted=false.
func CommitRunTx(ctx context.Context, tx *sql.Tx, r *Run) (inserted bool, err error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO consensus_runs
		 (run_id, work_item_id, stage, started_at, finished_at, status, outcome,
		  consensus_ok, degraded, winner_agent, winner_score, synthesis)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO NOTHING`,
		r.RunID, r.WorkItemID, r.Stage, formatTime(r.StartedAt), formatTime(r.FinishedAt),
		r.Status, r.Outcome, r.ConsensusOK, r.Degraded,
		nullString(r.WinnerAgent), r.WinnerScore, nullString(r.Synthesis),
	)
	if err != nil {
		return false, fmt.Errorf("insert consensus run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert consensus run: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO agent_outputs
		 (run_id, dispatch_index, agent_name, model_version, content, failed, error, produced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, dispatch_index) DO NOTHING`)
	if err != nil {
		return false, fmt.Errorf("prepare output insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range r.Outputs {
		if _, err := stmt.ExecContext(ctx,
			r.RunID, o.DispatchIndex, o.AgentName, nullString(o.ModelVersion),
			nullString(o.Content), o.Failed, nullString(o.Error), formatTime(o.ProducedAt),
		); err != nil {
			return false, fmt.Errorf("insert agent output %d: %w", o.DispatchIndex, err)
		}
	}

	if g := r.Gate; g != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gate_decisions
			 (run_id, checkpoint_name, decision, confidence, reason, target, decided_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id) DO NOTHING`,
			r.RunID, g.Checkpoint, g.Decision, g.Confidence, g.Reason, nullString(g.Target), formatTime(g.DecidedAt),
		); err != nil {
			return false, fmt.Errorf("insert gate decision: %w", err)
		}
	}
	return true, nil
}

// CommitRun stores the run and the work item transition atomically.
func (d *DB) CommitRun(ctx context.Context, r *Run, item *WorkItem) error {
	return d.InTransaction(ctx, Immediate, func(tx *sql.Tx) error {
		inserted, err := CommitRunTx(ctx, tx, r)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		if item != nil {
			if err := UpdateWorkItemTx(ctx, tx, item); err != nil {
				return err
			}
		}
		return insertEvent(ctx, tx, PipelineEvent{
			WorkItemID: r.WorkItemID, Event: "run_" + r.Status, Stage: r.Stage,
			RunID: r.RunID, Detail: r.Outcome, Timestamp: r.FinishedAt,
		})
	})
}

const runColumns = `run_id, work_item_id, stage, started_at, finished_at, status, outcome,
	consensus_ok, degraded, winner_agent, winner_score, synthesis`

func scanRun(scan func(...any) error) (*Run, error) {
	var r Run
	var started, finished string
	var winner, synthesis sql.NullString
	var score sql.NullFloat64
	if err := scan(&r.RunID, &r.WorkItemID, &r.Stage, &started, &finished, &r.Status, &r.Outcome,
		&r.ConsensusOK, &r.Degraded, &winner, &score, &synthesis); err != nil {
		return nil, err
	}
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	r.WinnerAgent = winner.String
	r.WinnerScore = score.Float64
	r.Synthesis = synthesis.String
	return &r, nil
}

// GetRun returns a run with its outputs and gate decision, or nil. All three
// are read from one snapshot.
func (d *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r *Run
	err := d.InTransaction(ctx, Deferred, func(tx *sql.Tx) error {
		var err error
		r, err = GetRunTx(ctx, tx, runID)
		return err
	})
	return r, err
}

// GetRunTx reads a run with its outputs and gate decision inside an open
// transaction.
func GetRunTx(ctx context.Context, tx *sql.Tx, runID string) (*Run, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+runColumns+" FROM consensus_runs WHERE run_id = ?", runID)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", classify(err))
	}
	if r.Outputs, err = runOutputs(ctx, tx, runID); err != nil {
		return nil, err
	}
	if r.Gate, err = gateDecision(ctx, tx, runID); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns runs for a work item, newest first.
func (d *DB) ListRuns(ctx context.Context, workItemID string) ([]Run, error) {
	return listRuns(ctx, d.reader, workItemID)
}

// ListRunsTx lists runs for a work item inside an open transaction.
func ListRunsTx(ctx context.Context, tx *sql.Tx, workItemID string) ([]Run, error) {
	return listRuns(ctx, tx, workItemID)
}

func listRuns(ctx context.Context, q querier, workItemID string) ([]Run, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+runColumns+" FROM consensus_runs WHERE work_item_id = ? ORDER BY started_at DESC", workItemID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", classify(err))
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// LatestRun returns the newest run for (work item, stage), or nil.
func (d *DB) LatestRun(ctx context.Context, workItemID, stage string) (*Run, error) {
	row := d.reader.QueryRowContext(ctx,
		"SELECT "+runColumns+` FROM consensus_runs WHERE work_item_id = ? AND stage = ?
		 ORDER BY started_at DESC LIMIT 1`, workItemID, stage)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", classify(err))
	}
	return r, nil
}

// RunOutputs returns the outputs of a run in dispatch order.
func (d *DB) RunOutputs(ctx context.Context, runID string) ([]AgentOutput, error) {
	return runOutputs(ctx, d.reader, runID)
}

func runOutputs(ctx context.Context, q querier, runID string) ([]AgentOutput, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT run_id, dispatch_index, agent_name, model_version, content, failed, error, produced_at
		 FROM agent_outputs WHERE run_id = ? ORDER BY dispatch_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", classify(err))
	}
	defer rows.Close()

	var out []AgentOutput
	for rows.Next() {
		var o AgentOutput
		var model, content, errText sql.NullString
		var produced string
		if err := rows.Scan(&o.RunID, &o.DispatchIndex, &o.AgentName, &model, &content, &o.Failed, &errText, &produced); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		o.ModelVersion = model.String
		o.Content = content.String
		o.Error = errText.String
		o.ProducedAt = parseTime(produced)
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetGateDecision returns the gate decision of a run, or nil.
func (d *DB) GetGateDecision(ctx context.Context, runID string) (*GateDecision, error) {
	return gateDecision(ctx, d.reader, runID)
}

func gateDecision(ctx context.Context, q querier, runID string) (*GateDecision, error) {
	var g GateDecision
	var target sql.NullString
	var decided string
	err := q.QueryRowContext(ctx,
		`SELECT run_id, checkpoint_name, decision, confidence, reason, target, decided_at
		 FROM gate_decisions WHERE run_id = ?`, runID,
	).Scan(&g.RunID, &g.Checkpoint, &g.Decision, &g.Confidence, &g.Reason, &target, &decided)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get gate decision: %w", classify(err))
	}
	g.Target = target.String
	g.DecidedAt = parseTime(decided)
	return &g, nil
}

// DeleteRun removes a run; its outputs and gate decision cascade.
func (d *DB) DeleteRun(ctx context.Context, runID string) error {
	return d.InTransaction(ctx, Immediate, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM consensus_runs WHERE run_id = ?", runID); err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		return nil
	})
}

// RecordOverrideTx stores a human override.
func RecordOverrideTx(ctx context.Context, tx *sql.Tx, o *Override) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO overrides (work_item_id, stage, run_id, actor, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		o.WorkItemID, o.Stage, nullString(o.RunID), o.Actor, o.Reason, formatTime(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record override: %w", err)
	}
	o.ID, _ = res.LastInsertId()
	return nil
}

// ListOverrides returns overrides for a work item, oldest first.
func (d *DB) ListOverrides(ctx context.Context, workItemID string) ([]Override, error) {
	return listOverrides(ctx, d.reader, workItemID)
}

// ListOverridesTx lists overrides for a work item inside an open transaction.
func ListOverridesTx(ctx context.Context, tx *sql.Tx, workItemID string) ([]Override, error) {
	return listOverrides(ctx, tx, workItemID)
}

func listOverrides(ctx context.Context, q querier, workItemID string) ([]Override, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, work_item_id, stage, run_id, actor, reason, created_at
		 FROM overrides WHERE work_item_id = ? ORDER BY id`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", classify(err))
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		var o Override
		var runID sql.NullString
		var created string
		if err := rows.Scan(&o.ID, &o.WorkItemID, &o.Stage, &runID, &o.Actor, &o.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		o.RunID = runID.String
		o.CreatedAt = parseTime(created)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ItemHistory is a work item with its runs and overrides.
type ItemHistory struct {
	Item      WorkItem
	Runs      []Run
	Overrides []Override
}

// ItemHistory reads a work item, its runs (newest first) and its overrides
// from one snapshot. It returns nil when the item does not exist.
func (d *DB) ItemHistory(ctx context.Context, id string) (*ItemHistory, error) {
	var h *ItemHistory
	err := d.InTransaction(ctx, Deferred, func(tx *sql.Tx) error {
		item, err := GetWorkItemTx(ctx, tx, id)
		if err != nil || item == nil {
			return err
		}
		runs, err := ListRunsTx(ctx, tx, id)
		if err != nil {
			return err
		}
		overrides, err := ListOverridesTx(ctx, tx, id)
		if err != nil {
			return err
		}
		h = &ItemHistory{Item: *item, Runs: runs, Overrides: overrides}
		return nil
	})
	return h, err
}

func insertEvent(ctx context.Context, tx *sql.Tx, e PipelineEvent) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO pipeline_events (work_item_id, event, stage, run_id, detail, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.WorkItemID, e.Event, nullString(e.Stage), nullString(e.RunID), nullString(e.Detail), formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// LogEventTx appends to the pipeline history inside an open transaction.
func LogEventTx(ctx context.Context, tx *sql.Tx, e PipelineEvent) error {
	return insertEvent(ctx, tx, e)
}

// LogEvent appends to the pipeline history.
func (d *DB) LogEvent(ctx context.Context, e PipelineEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = d.now()
	}
	return d.InTransaction(ctx, Immediate, func(tx *sql.Tx) error {
		return insertEvent(ctx, tx, e)
	})
}

// Events returns the pipeline history for a work item, oldest first.
func (d *DB) Events(ctx context.Context, workItemID string) ([]PipelineEvent, error) {
	rows, err := d.reader.QueryContext(ctx,
		`SELECT id, work_item_id, event, stage, run_id, detail, timestamp
		 FROM pipeline_events WHERE work_item_id = ? ORDER BY id`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("list pipeline events: %w", classify(err))
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var stage, runID, detail sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.WorkItemID, &e.Event, &stage, &runID, &detail, &ts); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Stage = stage.String
		e.RunID = runID.String
		e.Detail = detail.String
		e.Timestamp = parseTime(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountRows returns the row count of a table. Used by status reporting.
func (d *DB) CountRows(ctx context.Context, table string) (int, error) {
	switch table {
	case "work_items", "consensus_runs", "agent_outputs", "gate_decisions", "run_locks", "pipeline_events", "overrides":
	default:
		return 0, fmt.Errorf("count rows: unknown table %q", table)
	}
	var n int
	if err := d.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, classify(err))
	}
	return n, nil
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/theturtlecsz/code-sub000/internal/db"
)

// DB is the interface for database queries used by analytics. Every query
// reads inside one deferred transaction so its parts share a snapshot.
type DB interface {
	InTransaction(ctx context.Context, behavior db.Behavior, fn func(*sql.Tx) error) error
}

func read[T any](ctx context.Context, database DB, fn func(*sql.Tx) (T, error)) (T, error) {
	var out T
	err := database.InTransaction(ctx, db.Deferred, func(tx *sql.Tx) error {
		var err error
		out, err = fn(tx)
		return err
	})
	return out, err
}

// Summary is the dashboard view: every report over the same snapshot.
type Summary struct {
	Agents      []AgentWinRate   `json:"agents"`
	Stages      []StageOutcome   `json:"stages"`
	Checkpoints []CheckpointRate `json:"checkpoints"`
	Durations   []StageDuration  `json:"durations"`
}

// QuerySummary runs the agent, stage, checkpoint and duration reports in one
// read transaction.
func QuerySummary(ctx context.Context, database DB, since string) (*Summary, error) {
	return read(ctx, database, func(tx *sql.Tx) (*Summary, error) {
		var v Summary
		var err error
		if v.Agents, err = agentWinRates(ctx, tx, since); err != nil {
			return nil, err
		}
		if v.Stages, err = stageOutcomes(ctx, tx, since); err != nil {
			return nil, err
		}
		if v.Checkpoints, err = escalationRates(ctx, tx, since); err != nil {
			return nil, err
		}
		if v.Durations, err = stageDurations(ctx, tx, since); err != nil {
			return nil, err
		}
		return &v, nil
	})
}

// AgentWinRate holds how often an agent's answer was selected.
type AgentWinRate struct {
	Agent       string  `json:"agent"`
	Runs        int     `json:"runs"`
	Wins        int     `json:"wins"`
	WinRate     float64 `json:"win_rate_pct"`
	Failures    int     `json:"failures"`
	FailureRate float64 `json:"failure_rate_pct"`
}

// QueryAgentWinRates returns per-agent participation, wins and failures.
// An agent participates in a run when it has an output slot, failed or not.
func QueryAgentWinRates(ctx context.Context, database DB, since string) ([]AgentWinRate, error) {
	return read(ctx, database, func(tx *sql.Tx) ([]AgentWinRate, error) {
		return agentWinRates(ctx, tx, since)
	})
}

func agentWinRates(ctx context.Context, tx *sql.Tx, since string) ([]AgentWinRate, error) {
	query := `
		SELECT o.agent_name,
			COUNT(*) as runs,
			SUM(CASE WHEN r.winner_agent = o.agent_name AND r.consensus_ok THEN 1 ELSE 0 END) as wins,
			SUM(CASE WHEN o.failed THEN 1 ELSE 0 END) as failures
		FROM agent_outputs o
		JOIN consensus_runs r ON r.run_id = o.run_id
		WHERE 1 = 1`

	args := []interface{}{}
	if since != "" {
		query += ` AND r.started_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY o.agent_name`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agent win rates: %w", err)
	}
	defer rows.Close()

	var results []AgentWinRate
	for rows.Next() {
		var a AgentWinRate
		if err := rows.Scan(&a.Agent, &a.Runs, &a.Wins, &a.Failures); err != nil {
			return nil, fmt.Errorf("scan agent win rate: %w", err)
		}
		a.WinRate = pct(a.Wins, a.Runs)
		a.FailureRate = pct(a.Failures, a.Runs)
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Wins != results[j].Wins {
			return results[i].Wins > results[j].Wins
		}
		return results[i].Agent < results[j].Agent
	})
	return results, nil
}

// StageOutcome holds run outcome counts for a stage.
type StageOutcome struct {
	Stage     string  `json:"stage"`
	Total     int     `json:"total"`
	Advanced  int     `json:"advanced"`
	Halted    int     `json:"halted"`
	Escalated int     `json:"escalated"`
	Cancelled int     `json:"cancelled"`
	Conflicts int     `json:"conflicts"`
	Degraded  int     `json:"degraded"`
	MeanScore float64 `json:"mean_winner_score"`
}

// QueryStageOutcomes returns run status and outcome counts per stage, with
// the mean final score of the selected answers.
func QueryStageOutcomes(ctx context.Context, database DB, since string) ([]StageOutcome, error) {
	return read(ctx, database, func(tx *sql.Tx) ([]StageOutcome, error) {
		return stageOutcomes(ctx, tx, since)
	})
}

func stageOutcomes(ctx context.Context, tx *sql.Tx, since string) ([]StageOutcome, error) {
	query := `
		SELECT stage,
			COUNT(*) as total,
			SUM(CASE WHEN status = 'advanced' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'halted' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'escalated' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'conflict' THEN 1 ELSE 0 END),
			SUM(CASE WHEN degraded THEN 1 ELSE 0 END),
			AVG(CASE WHEN consensus_ok THEN winner_score END)
		FROM consensus_runs
		WHERE 1 = 1`

	args := []interface{}{}
	if since != "" {
		query += ` AND started_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY stage`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage outcomes: %w", err)
	}
	defer rows.Close()

	var results []StageOutcome
	for rows.Next() {
		var s StageOutcome
		var mean sql.NullFloat64
		if err := rows.Scan(&s.Stage, &s.Total, &s.Advanced, &s.Halted, &s.Escalated, &s.Cancelled,
			&s.Conflicts, &s.Degraded, &mean); err != nil {
			return nil, fmt.Errorf("scan stage outcome: %w", err)
		}
		if mean.Valid {
			s.MeanScore = math.Round(mean.Float64*1000) / 1000
		}
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// CheckpointRate holds gate verdict stats for one checkpoint.
type CheckpointRate struct {
	Checkpoint  string  `json:"checkpoint"`
	Total       int     `json:"total"`
	AutoApplied int     `json:"auto_applied"`
	Escalated   int     `json:"escalated"`
	ToHuman     int     `json:"to_human"`
	Overridden  int     `json:"overridden"`
	Escalation  float64 `json:"escalation_pct"`
}

// QueryEscalationRates returns how often each checkpoint escalated, how
// many escalations went to a human, and how many were later overridden.
func QueryEscalationRates(ctx context.Context, database DB, since string) ([]CheckpointRate, error) {
	return read(ctx, database, func(tx *sql.Tx) ([]CheckpointRate, error) {
		return escalationRates(ctx, tx, since)
	})
}

func escalationRates(ctx context.Context, tx *sql.Tx, since string) ([]CheckpointRate, error) {
	query := `
		SELECT g.checkpoint_name,
			COUNT(*) as total,
			SUM(CASE WHEN g.decision = 'auto_apply' THEN 1 ELSE 0 END),
			SUM(CASE WHEN g.decision = 'escalate' THEN 1 ELSE 0 END),
			SUM(CASE WHEN g.target = 'human' THEN 1 ELSE 0 END),
			SUM(CASE WHEN EXISTS (SELECT 1 FROM overrides o WHERE o.run_id = g.run_id) THEN 1 ELSE 0 END)
		FROM gate_decisions g
		WHERE 1 = 1`

	args := []interface{}{}
	if since != "" {
		query += ` AND g.decided_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY g.checkpoint_name`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query escalation rates: %w", err)
	}
	defer rows.Close()

	var results []CheckpointRate
	for rows.Next() {
		var c CheckpointRate
		if err := rows.Scan(&c.Checkpoint, &c.Total, &c.AutoApplied, &c.Escalated, &c.ToHuman, &c.Overridden); err != nil {
			return nil, fmt.Errorf("scan escalation rate: %w", err)
		}
		c.Escalation = pct(c.Escalated, c.Total)
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Checkpoint < results[j].Checkpoint
	})
	return results, nil
}

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// QueryStageDurations returns average and percentile run durations per
// stage, measured from lock acquisition to commit.
func QueryStageDurations(ctx context.Context, database DB, since string) ([]StageDuration, error) {
	return read(ctx, database, func(tx *sql.Tx) ([]StageDuration, error) {
		return stageDurations(ctx, tx, since)
	})
}

func stageDurations(ctx context.Context, tx *sql.Tx, since string) ([]StageDuration, error) {
	query := `SELECT stage, started_at, finished_at FROM consensus_runs WHERE 1 = 1`
	args := []interface{}{}
	if since != "" {
		query += ` AND started_at >= ?`
		args = append(args, since)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	byStage := make(map[string][]float64)
	for rows.Next() {
		var stage, startTS, endTS string
		if err := rows.Scan(&stage, &startTS, &endTS); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		start, err := time.Parse(time.RFC3339Nano, startTS)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339Nano, endTS)
		if err != nil {
			continue
		}
		if secs := end.Sub(start).Seconds(); secs >= 0 {
			byStage[stage] = append(byStage[stage], secs)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range byStage {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// ItemEvent holds a single entry of a work item's timeline.
type ItemEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Event     string `json:"event"`
	Stage     string `json:"stage,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// QueryItemTimeline returns pipeline events, gate decisions and overrides
// for one work item, oldest first.
func QueryItemTimeline(ctx context.Context, database DB, workItemID string) ([]ItemEvent, error) {
	return read(ctx, database, func(tx *sql.Tx) ([]ItemEvent, error) {
		return itemTimeline(ctx, tx, workItemID)
	})
}

func itemTimeline(ctx context.Context, tx *sql.Tx, workItemID string) ([]ItemEvent, error) {
	var results []ItemEvent

	// Pipeline events
	peRows, err := tx.QueryContext(ctx,
		`SELECT timestamp, event, stage, run_id, detail
		 FROM pipeline_events WHERE work_item_id = ? ORDER BY timestamp, id`,
		workItemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pipeline events: %w", err)
	}
	defer peRows.Close()

	for peRows.Next() {
		var e ItemEvent
		var stage, runID, detail sql.NullString
		if err := peRows.Scan(&e.Timestamp, &e.Event, &stage, &runID, &detail); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Type = "pipeline"
		e.Stage = stage.String
		e.RunID = runID.String
		e.Detail = detail.String
		results = append(results, e)
	}
	if err := peRows.Err(); err != nil {
		return nil, err
	}

	// Gate decisions
	gRows, err := tx.QueryContext(ctx,
		`SELECT g.decided_at, g.checkpoint_name, r.stage, g.run_id, g.decision, g.confidence, g.reason, g.target
		 FROM gate_decisions g JOIN consensus_runs r ON r.run_id = g.run_id
		 WHERE r.work_item_id = ? ORDER BY g.decided_at`,
		workItemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query gate decisions: %w", err)
	}
	defer gRows.Close()

	for gRows.Next() {
		var ts, checkpoint, stage, runID, decision, confidence, reason string
		var target sql.NullString
		if err := gRows.Scan(&ts, &checkpoint, &stage, &runID, &decision, &confidence, &reason, &target); err != nil {
			return nil, fmt.Errorf("scan gate decision: %w", err)
		}
		detail := fmt.Sprintf("%s (%s confidence): %s", decision, confidence, reason)
		if target.Valid && target.String != "" {
			detail += ", escalated to " + target.String
		}
		results = append(results, ItemEvent{
			Timestamp: ts,
			Type:      "gate",
			Event:     checkpoint,
			Stage:     stage,
			RunID:     runID,
			Detail:    detail,
		})
	}
	if err := gRows.Err(); err != nil {
		return nil, err
	}

	// Overrides
	oRows, err := tx.QueryContext(ctx,
		`SELECT created_at, stage, run_id, actor, reason
		 FROM overrides WHERE work_item_id = ? ORDER BY created_at, id`,
		workItemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	defer oRows.Close()

	for oRows.Next() {
		var ts, stage, actor, reason string
		var runID sql.NullString
		if err := oRows.Scan(&ts, &stage, &runID, &actor, &reason); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		results = append(results, ItemEvent{
			Timestamp: ts,
			Type:      "override",
			Event:     "override",
			Stage:     stage,
			RunID:     runID.String,
			Detail:    fmt.Sprintf("%s: %s", actor, reason),
		})
	}
	if err := oRows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp < results[j].Timestamp
	})
	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}

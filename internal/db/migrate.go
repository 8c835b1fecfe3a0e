package db

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step.
type migration struct {
	version int
	name    string
	sql     string
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS work_items (
    id            TEXT PRIMARY KEY,
    title         TEXT NOT NULL DEFAULT '',
    current_stage TEXT NOT NULL,
    status        TEXT NOT NULL CHECK(status IN ('active','halted','completed','archived')),
    return_state  TEXT,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS consensus_runs (
    run_id        TEXT PRIMARY KEY,
    work_item_id  TEXT NOT NULL REFERENCES work_items(id),
    stage         TEXT NOT NULL,
    started_at    TEXT NOT NULL,
    finished_at   TEXT NOT NULL,
    status        TEXT NOT NULL CHECK(status IN ('advanced','halted','escalated','cancelled')),
    outcome       TEXT NOT NULL,
    consensus_ok  BOOLEAN NOT NULL DEFAULT FALSE,
    degraded      BOOLEAN NOT NULL DEFAULT FALSE,
    winner_agent  TEXT,
    winner_score  REAL,
    synthesis     TEXT,
    UNIQUE(work_item_id, stage, started_at)
);
CREATE INDEX IF NOT EXISTS idx_runs_item_stage ON consensus_runs(work_item_id, stage, started_at DESC);

CREATE TABLE IF NOT EXISTS agent_outputs (
    output_id      INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id         TEXT NOT NULL REFERENCES consensus_runs(run_id) ON DELETE CASCADE,
    dispatch_index INTEGER NOT NULL,
    agent_name     TEXT NOT NULL,
    model_version  TEXT,
    content        TEXT,
    failed         BOOLEAN NOT NULL DEFAULT FALSE,
    error          TEXT,
    produced_at    TEXT NOT NULL,
    UNIQUE(run_id, dispatch_index)
);

CREATE TABLE IF NOT EXISTS gate_decisions (
    run_id          TEXT PRIMARY KEY REFERENCES consensus_runs(run_id) ON DELETE CASCADE,
    checkpoint_name TEXT NOT NULL,
    decision        TEXT NOT NULL CHECK(decision IN ('auto_apply','escalate')),
    confidence      TEXT NOT NULL,
    reason          TEXT NOT NULL,
    target          TEXT,
    decided_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_locks (
    work_item_id TEXT NOT NULL,
    stage        TEXT NOT NULL,
    run_id       TEXT NOT NULL,
    holder       TEXT NOT NULL,
    acquired_at  TEXT NOT NULL,
    PRIMARY KEY (work_item_id, stage)
);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    work_item_id TEXT NOT NULL,
    event        TEXT NOT NULL,
    stage        TEXT,
    run_id       TEXT,
    detail       TEXT,
    timestamp    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_item ON pipeline_events(work_item_id, timestamp DESC);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS overrides (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    work_item_id TEXT NOT NULL REFERENCES work_items(id),
    stage        TEXT NOT NULL,
    run_id       TEXT REFERENCES consensus_runs(run_id) ON DELETE CASCADE,
    actor        TEXT NOT NULL,
    reason       TEXT NOT NULL,
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_overrides_item ON overrides(work_item_id, stage);
CREATE INDEX IF NOT EXISTS idx_runs_status ON consensus_runs(status);
`

var migrations = []migration{
	{version: 1, name: "core tables", sql: schemaV1},
	{version: 2, name: "overrides", sql: schemaV2},
}

// LatestVersion is the newest schema version this build understands.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);`

// SchemaVersion returns the highest applied version, or 0 for a fresh file.
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := d.writer.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", classify(err))
	}
	return int(v.Int64), nil
}

// Migrate applies missing migrations in order, each in its own transaction.
// It refuses to touch a database whose version is newer than LatestVersion.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.writer.ExecContext(ctx, schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version: %w", classify(err))
	}
	current, err := d.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > LatestVersion() {
		return fmt.Errorf("%w: database is at %d, this build supports %d", ErrSchemaTooNew, current, LatestVersion())
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := d.InTransaction(ctx, Immediate, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				return fmt.Errorf("apply schema v%d (%s): %w", m.version, m.name, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
				m.version, d.timestamp(),
			); err != nil {
				return fmt.Errorf("record schema version %d: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset(ctx context.Context) error {
	tables := []string{
		"overrides", "pipeline_events", "run_locks", "gate_decisions",
		"agent_outputs", "consensus_runs", "work_items", "schema_version",
	}
	for _, t := range tables {
		if _, err := d.writer.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate(ctx)
}

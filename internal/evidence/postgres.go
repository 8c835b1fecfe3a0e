package evidence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const evidenceSchema = `
CREATE TABLE IF NOT EXISTS evidence_records (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT NOT NULL,
	work_item   TEXT NOT NULL,
	stage       TEXT NOT NULL,
	run_id      TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL,
	payload     JSONB
);
CREATE INDEX IF NOT EXISTS idx_evidence_work_item ON evidence_records(work_item, recorded_at);
`

// PostgresSink appends evidence to a Postgres table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink wraps an existing pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// OpenPostgresSink connects to dsn, verifies the connection and creates the
// evidence table when missing.
func OpenPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse evidence dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create evidence pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping evidence database: %w", err)
	}
	s := NewPostgresSink(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the evidence table.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, evidenceSchema); err != nil {
		return fmt.Errorf("create evidence schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, r Record) error {
	var payload any
	if len(r.Payload) > 0 {
		payload = string(r.Payload)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO evidence_records (kind, work_item, stage, run_id, recorded_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
		r.Kind, r.WorkItem, r.Stage, r.RunID, r.Timestamp, payload)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// Count returns the number of records stored for a work item.
func (s *PostgresSink) Count(ctx context.Context, workItem string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM evidence_records WHERE work_item = $1`, workItem).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count evidence: %w", err)
	}
	return n, nil
}

// Close closes the pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}

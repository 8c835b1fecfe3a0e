package web

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/theturtlecsz/code-sub000/internal/db"
)

// recentActivity returns the most recent pipeline events across all items.
func (s *Server) recentActivity(ctx context.Context, limit int) ([]db.PipelineEvent, error) {
	return queryEvents(ctx, s.db.Reader(),
		`SELECT id, work_item_id, event, stage, run_id, detail, timestamp
		 FROM pipeline_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
}

// eventsAfter returns a work item's events with id greater than afterID,
// oldest first.
func (s *Server) eventsAfter(ctx context.Context, workItemID string, afterID int) ([]db.PipelineEvent, error) {
	return queryEvents(ctx, s.db.Reader(),
		`SELECT id, work_item_id, event, stage, run_id, detail, timestamp
		 FROM pipeline_events WHERE work_item_id = ? AND id > ? ORDER BY id`,
		workItemID, afterID,
	)
}

func queryEvents(ctx context.Context, conn *sql.DB, query string, args ...interface{}) ([]db.PipelineEvent, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []db.PipelineEvent
	for rows.Next() {
		var e db.PipelineEvent
		var stage, runID, detail sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.WorkItemID, &e.Event, &stage, &runID, &detail, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Stage = stage.String
		e.RunID = runID.String
		e.Detail = detail.String
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

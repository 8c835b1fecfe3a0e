package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RunLock marks a (work item, stage) pair as having an active run.
type RunLock struct {
	WorkItemID string    `json:"work_item_id"`
	Stage      string    `json:"stage"`
	RunID      string    `json:"run_id"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Stale reports whether the lock is older than staleAfter at now.
func (l RunLock) Stale(now time.Time, staleAfter time.Duration) bool {
	return staleAfter > 0 && now.Sub(l.AcquiredAt) > staleAfter
}

// AcquireLock takes the run lock for (workItemID, stage). An existing lock
// older than staleAfter is reclaimed in the same transaction; a live one
// fails immediately with ErrLockHeld.
func (d *DB) AcquireLock(ctx context.Context, workItemID, stage, runID, holder string, staleAfter time.Duration) (reclaimed bool, err error) {
	err = d.InTransaction(ctx, Immediate, func(tx *sql.Tx) error {
		reclaimed = false
		existing, err := getLockTx(ctx, tx, workItemID, stage)
		if err != nil {
			return err
		}
		now := d.now().UTC()
		if existing != nil {
			if !existing.Stale(now, staleAfter) {
				return fmt.Errorf("%w: %s/%s by %s since %s", ErrLockHeld,
					workItemID, stage, existing.Holder, existing.AcquiredAt.Format(time.RFC3339))
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM run_locks WHERE work_item_id = ? AND stage = ?", workItemID, stage); err != nil {
				return fmt.Errorf("reclaim stale lock: %w", err)
			}
			if err := insertEvent(ctx, tx, PipelineEvent{
				WorkItemID: workItemID, Event: "lock_reclaimed", Stage: stage,
				RunID: existing.RunID, Detail: existing.Holder, Timestamp: now,
			}); err != nil {
				return err
			}
			reclaimed = true
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_locks (work_item_id, stage, run_id, holder, acquired_at) VALUES (?, ?, ?, ?, ?)`,
			workItemID, stage, runID, holder, formatTime(now),
		); err != nil {
			return fmt.Errorf("insert run lock: %w", err)
		}
		return nil
	})
	return reclaimed, err
}

// ReleaseLock drops the lock if runID still holds it. A lock that is already
// gone is not an error.
func (d *DB) ReleaseLock(ctx context.Context, workItemID, stage, runID string) error {
	err := d.InTransaction(ctx, Immediate, func(tx *sql.Tx) error {
		return ReleaseLockTx(ctx, tx, workItemID, stage, runID)
	})
	if errors.Is(err, ErrLockLost) {
		return nil
	}
	return err
}

// ReleaseLockTx drops the lock held by runID inside an open transaction. It
// fails with ErrLockLost when runID no longer holds it.
func ReleaseLockTx(ctx context.Context, tx *sql.Tx, workItemID, stage, runID string) error {
	res, err := tx.ExecContext(ctx,
		"DELETE FROM run_locks WHERE work_item_id = ? AND stage = ? AND run_id = ?",
		workItemID, stage, runID,
	)
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s run %s", ErrLockLost, workItemID, stage, runID)
	}
	return nil
}

func getLockTx(ctx context.Context, tx *sql.Tx, workItemID, stage string) (*RunLock, error) {
	var l RunLock
	var acquired string
	err := tx.QueryRowContext(ctx,
		`SELECT work_item_id, stage, run_id, holder, acquired_at FROM run_locks
		 WHERE work_item_id = ? AND stage = ?`, workItemID, stage,
	).Scan(&l.WorkItemID, &l.Stage, &l.RunID, &l.Holder, &acquired)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run lock: %w", err)
	}
	l.AcquiredAt = parseTime(acquired)
	return &l, nil
}

// ListLocks returns every held lock, oldest first.
func (d *DB) ListLocks(ctx context.Context) ([]RunLock, error) {
	rows, err := d.reader.QueryContext(ctx,
		`SELECT work_item_id, stage, run_id, holder, acquired_at FROM run_locks ORDER BY acquired_at`)
	if err != nil {
		return nil, fmt.Errorf("list run locks: %w", classify(err))
	}
	defer rows.Close()

	var locks []RunLock
	for rows.Next() {
		var l RunLock
		var acquired string
		if err := rows.Scan(&l.WorkItemID, &l.Stage, &l.RunID, &l.Holder, &acquired); err != nil {
			return nil, fmt.Errorf("scan run lock: %w", err)
		}
		l.AcquiredAt = parseTime(acquired)
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// StaleLocks returns every lock older than staleAfter, oldest first. Nothing
// is deleted; ReclaimLockTx takes each one over.
func (d *DB) StaleLocks(ctx context.Context, staleAfter time.Duration) ([]RunLock, error) {
	locks, err := d.ListLocks(ctx)
	if err != nil {
		return nil, err
	}
	now := d.now().UTC()
	var stale []RunLock
	for _, l := range locks {
		if l.Stale(now, staleAfter) {
			stale = append(stale, l)
		}
	}
	return stale, nil
}

// ReclaimLockTx deletes lock l inside an open transaction and records a
// lock_reclaimed event. It fails with ErrLockLost when l's run no longer holds
// the lock, so a lock released or reclaimed since it was listed is left alone.
func ReclaimLockTx(ctx context.Context, tx *sql.Tx, l RunLock, now time.Time) error {
	if err := ReleaseLockTx(ctx, tx, l.WorkItemID, l.Stage, l.RunID); err != nil {
		return err
	}
	return insertEvent(ctx, tx, PipelineEvent{
		WorkItemID: l.WorkItemID, Event: "lock_reclaimed", Stage: l.Stage,
		RunID: l.RunID, Detail: l.Holder, Timestamp: now,
	})
}

// ReclaimLock is ReclaimLockTx in its own transaction.
func (d *DB) ReclaimLock(ctx context.Context, l RunLock) error {
	return d.InTransaction(ctx, Immediate, func(tx *sql.Tx) error {
		return ReclaimLockTx(ctx, tx, l, d.now().UTC())
	})
}

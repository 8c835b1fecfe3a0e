package db

import (
	"context"
	"fmt"
	"time"
)

// VacuumStats reports one reclamation cycle.
type VacuumStats struct {
	SizeBefore int64 `json:"size_before"`
	SizeAfter  int64 `json:"size_after"`
	Reclaimed  int64 `json:"reclaimed"`
	Steps      int   `json:"steps"`
}

// Vacuumer reclaims free pages in small increments on a schedule.
type Vacuumer struct {
	db       *DB
	interval time.Duration
	pages    int
	maxSteps int
	onCycle  func(VacuumStats, error)
}

// NewVacuumer returns a scheduler that frees up to pages pages per increment.
func NewVacuumer(d *DB, interval time.Duration, pages int) *Vacuumer {
	if pages <= 0 {
		pages = 20
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Vacuumer{db: d, interval: interval, pages: pages, maxSteps: 500}
}

// OnCycle registers a callback invoked after every scheduled cycle.
func (v *Vacuumer) OnCycle(fn func(VacuumStats, error)) {
	v.onCycle = fn
}

// Run blocks, running a cycle every interval until ctx is done.
func (v *Vacuumer) Run(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := v.RunCycle(ctx)
			if v.onCycle != nil {
				v.onCycle(stats, err)
			}
		}
	}
}

// RunCycle frees pages until the freelist is empty, the step cap is hit, or
// ctx is cancelled. Each increment is its own statement, so the write lock is
// released between increments.
func (v *Vacuumer) RunCycle(ctx context.Context) (VacuumStats, error) {
	var stats VacuumStats
	before, err := v.db.fileSize(ctx)
	if err != nil {
		return stats, err
	}
	stats.SizeBefore = before
	stats.SizeAfter = before

	mode, err := v.db.pragmaInt(ctx, "auto_vacuum")
	if err != nil {
		return stats, err
	}
	if mode != 2 {
		// Only incremental mode keeps a reclaimable freelist.
		return stats, nil
	}

	last := int64(-1)
	for stats.Steps < v.maxSteps {
		if err := ctx.Err(); err != nil {
			break
		}
		free, err := v.db.pragmaInt(ctx, "freelist_count")
		if err != nil {
			return stats, err
		}
		if free == 0 || free == last {
			break
		}
		last = free
		err = v.db.retry.Do(ctx, func() error {
			_, err := v.db.writer.ExecContext(ctx, fmt.Sprintf("PRAGMA incremental_vacuum(%d)", v.pages))
			return err
		})
		if err != nil {
			return stats, fmt.Errorf("incremental vacuum: %w", classify(err))
		}
		stats.Steps++
	}

	after, err := v.db.fileSize(ctx)
	if err != nil {
		return stats, err
	}
	stats.SizeAfter = after
	stats.Reclaimed = before - after
	if stats.Reclaimed < 0 {
		stats.Reclaimed = 0
	}
	return stats, nil
}

// EstimateReclaimable returns freelist bytes a full cycle could free.
func (d *DB) EstimateReclaimable(ctx context.Context) (int64, error) {
	free, err := d.pragmaInt(ctx, "freelist_count")
	if err != nil {
		return 0, err
	}
	size, err := d.pragmaInt(ctx, "page_size")
	if err != nil {
		return 0, err
	}
	return free * size, nil
}

func (d *DB) fileSize(ctx context.Context) (int64, error) {
	count, err := d.pragmaInt(ctx, "page_count")
	if err != nil {
		return 0, err
	}
	size, err := d.pragmaInt(ctx, "page_size")
	if err != nil {
		return 0, err
	}
	return count * size, nil
}

func (d *DB) pragmaInt(ctx context.Context, name string) (int64, error) {
	var n int64
	if err := d.writer.QueryRowContext(ctx, "PRAGMA "+name).Scan(&n); err != nil {
		return 0, fmt.Errorf("read %s: %w", name, classify(err))
	}
	return n, nil
}

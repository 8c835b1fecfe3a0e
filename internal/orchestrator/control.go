package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/theturtlecsz/code-sub000/internal/agent"
	"github.com/theturtlecsz/code-sub000/internal/db"
	"github.com/theturtlecsz/code-sub000/internal/evidence"
	"github.com/theturtlecsz/code-sub000/internal/pipeline"
)

func (c *Coordinator) register(id string, flag *agent.CancelFlag) {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()
	c.active[id] = flag
}

func (c *Coordinator) unregister(id string, flag *agent.CancelFlag) {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()
	if c.active[id] == flag {
		delete(c.active, id)
	}
}

// Running reports whether this process has a run in progress for the item.
func (c *Coordinator) Running(id string) bool {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()
	_, ok := c.active[id]
	return ok
}

// Cancel asks the active run of a work item to stop. Agents already called
// finish or time out; agents not yet started are skipped. The run is
// committed as cancelled.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	c.runsMu.Lock()
	flag, ok := c.active[id]
	c.runsMu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, ErrNoActiveRun)
	}
	flag.Cancel()
	c.log.WithWorkItem(id).Info("cancel requested")
	if err := c.db.LogEvent(ctx, db.PipelineEvent{WorkItemID: id, Event: "cancel_requested"}); err != nil {
		c.log.WithWorkItem(id).Warn("log cancel event failed", "error", err.Error())
	}
	return nil
}

// Override records a human decision for a halted or escalated item and
// moves it past the stage it was held at.
func (c *Coordinator) Override(ctx context.Context, id, actor, reason string) (*db.WorkItem, error) {
	if actor == "" {
		return nil, errors.New("override needs an actor")
	}
	if reason == "" {
		return nil, errors.New("override needs a reason")
	}
	order := c.Config().Pipeline.StageOrder()

	item, err := c.db.GetWorkItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("work item %s: %w", id, db.ErrNotFound)
	}
	stage := item.ReturnState
	if stage == "" {
		stage = item.CurrentStage
	}
	var runID string
	if last, err := c.db.LatestRun(ctx, id, stage); err != nil {
		return nil, err
	} else if last != nil {
		runID = last.RunID
	}

	now := c.now().UTC()
	var updated db.WorkItem
	err = c.db.InTransaction(ctx, db.Immediate, func(tx *sql.Tx) error {
		w, err := db.GetWorkItemTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if w == nil {
			return fmt.Errorf("work item %s: %w", id, db.ErrNotFound)
		}
		if w.Status != db.StatusHalted {
			return fmt.Errorf("override %s (status %s): %w", id, w.Status, ErrNotHalted)
		}
		if err := db.RecordOverrideTx(ctx, tx, &db.Override{
			WorkItemID: id, Stage: stage, RunID: runID, Actor: actor, Reason: reason, CreatedAt: now,
		}); err != nil {
			return err
		}
		itemTransition(order, pipeline.Advanced, stage)(w)
		w.UpdatedAt = now
		if err := db.UpdateWorkItemTx(ctx, tx, w); err != nil {
			return err
		}
		updated = *w
		return db.LogEventTx(ctx, tx, db.PipelineEvent{
			WorkItemID: id, Event: "override", Stage: stage, RunID: runID,
			Detail: actor + ": " + reason, Timestamp: now,
		})
	})
	if err != nil {
		return nil, err
	}

	c.log.WithWorkItem(id).WithStage(stage).Info("override recorded", "actor", actor, "next_stage", updated.CurrentStage, "status", updated.Status)
	c.logf("→ %s: %s overridden by %s, now %s at %s", id, stage, actor, updated.Status, updated.CurrentStage)
	c.emit(ctx, evidence.KindEvent, id, stage, runID, map[string]string{"event": "override", "actor": actor, "reason": reason})
	return &updated, nil
}

// Resume re-activates a halted item at the stage it was held at, so the
// stage runs again. The next run supersedes the halted one.
func (c *Coordinator) Resume(ctx context.Context, id string) (*db.WorkItem, error) {
	now := c.now().UTC()
	var updated db.WorkItem
	err := c.db.InTransaction(ctx, db.Immediate, func(tx *sql.Tx) error {
		w, err := db.GetWorkItemTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if w == nil {
			return fmt.Errorf("work item %s: %w", id, db.ErrNotFound)
		}
		if w.Status != db.StatusHalted {
			return fmt.Errorf("resume %s (status %s): %w", id, w.Status, ErrNotHalted)
		}
		if w.ReturnState != "" {
			w.CurrentStage = w.ReturnState
		}
		w.ReturnState = ""
		w.Status = db.StatusActive
		w.UpdatedAt = now
		if err := db.UpdateWorkItemTx(ctx, tx, w); err != nil {
			return err
		}
		updated = *w
		return db.LogEventTx(ctx, tx, db.PipelineEvent{WorkItemID: id, Event: "resumed", Stage: w.CurrentStage, Timestamp: now})
	})
	if err != nil {
		return nil, err
	}
	c.log.WithWorkItem(id).Info("work item resumed", "stage", updated.CurrentStage)
	return &updated, nil
}

// Recovered is a run found abandoned at startup.
type Recovered struct {
	Lock db.RunLock   `json:"lock"`
	Item *db.WorkItem `json:"item,omitempty"`
}

// Recover reclaims run locks older than the stale timeout. Each lock is
// reclaimed in the same transaction that commits its run as halted, never
// advanced, and halts the work item at that stage so it can be resumed. A
// run that later tries to commit under a reclaimed lock gets ErrSuperseded.
func (c *Coordinator) Recover(ctx context.Context) ([]Recovered, error) {
	cfg := c.Config()
	locks, err := c.db.StaleLocks(ctx, cfg.Pipeline.Locks.StaleAfterDuration())
	if err != nil {
		return nil, fmt.Errorf("list stale locks: %w", err)
	}

	var out []Recovered
	for _, l := range locks {
		log := c.log.WithWorkItem(l.WorkItemID).WithStage(l.Stage).WithRun(l.RunID)
		now := c.now().UTC()
		run := &db.Run{
			RunID:      l.RunID,
			WorkItemID: l.WorkItemID,
			Stage:      l.Stage,
			StartedAt:  l.AcquiredAt,
			FinishedAt: now,
			Status:     pipeline.Halted.Status(),
			Outcome:    OutcomeInterrupted,
		}
		claim := func(tx *sql.Tx) error { return db.ReclaimLockTx(ctx, tx, l, now) }
		apply := func(w *db.WorkItem) error {
			if w.Status == db.StatusActive && w.CurrentStage == l.Stage {
				itemTransition(nil, pipeline.Halted, l.Stage)(w)
			}
			return nil
		}
		var item db.WorkItem
		err := c.commit(ctx, run, &item, claim, apply)
		switch {
		case errors.Is(err, db.ErrLockLost):
			log.Debug("stale lock released before recovery")
			continue
		case errors.Is(err, db.ErrNotFound):
			log.Warn("stale lock for unknown work item")
			if err := c.db.ReclaimLock(ctx, l); err != nil && !errors.Is(err, db.ErrLockLost) {
				return out, fmt.Errorf("reclaim lock %s: %w", l.RunID, err)
			}
			continue
		case err != nil:
			return out, fmt.Errorf("commit interrupted run %s: %w", l.RunID, err)
		}
		log.Warn("interrupted run halted", "holder", l.Holder, "acquired_at", l.AcquiredAt)
		c.logf("→ %s: interrupted %s run %s halted", l.WorkItemID, l.Stage, l.RunID)
		out = append(out, Recovered{Lock: l, Item: &item})
	}
	return out, nil
}

// Drive runs stages of one work item until it completes, halts or fails.
func (c *Coordinator) Drive(ctx context.Context, id string) ([]*StageResult, error) {
	var results []*StageResult
	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := c.RunStage(ctx, id)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.Action != ActionAdvanced {
			return results, nil
		}
	}
}

// RunMany drives several work items concurrently, at most limit at a time.
// One item failing does not stop the others; all errors are joined.
func (c *Coordinator) RunMany(ctx context.Context, ids []string, limit int) (map[string][]*StageResult, error) {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	var (
		mu      sync.Mutex
		results = make(map[string][]*StageResult, len(ids))
		errs    []error
	)
	for _, id := range ids {
		g.Go(func() error {
			res, err := c.Drive(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			results[id] = res
			if err != nil {
				errs = append(errs, fmt.Errorf("work item %s: %w", id, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

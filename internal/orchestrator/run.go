package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/theturtlecsz/code-sub000/internal/agent"
	"github.com/theturtlecsz/code-sub000/internal/checks"
	"github.com/theturtlecsz/code-sub000/internal/config"
	"github.com/theturtlecsz/code-sub000/internal/consensus"
	"github.com/theturtlecsz/code-sub000/internal/db"
	"github.com/theturtlecsz/code-sub000/internal/evidence"
	"github.com/theturtlecsz/code-sub000/internal/gate"
	"github.com/theturtlecsz/code-sub000/internal/logging"
	"github.com/theturtlecsz/code-sub000/internal/pipeline"
	"github.com/theturtlecsz/code-sub000/internal/prompt"
)

// Actions reported by RunStage.
const (
	ActionAdvanced  = "advanced"
	ActionCompleted = "completed"
	ActionHalted    = "halted"
	ActionEscalated = "escalated"
	ActionCancelled = "cancelled"
)

// defaultStageTimeout bounds one agent call when the stage sets none.
const defaultStageTimeout = 5 * time.Minute

// StageResult describes what one stage run did.
type StageResult struct {
	WorkItem  string         `json:"work_item"`
	Stage     string         `json:"stage"`
	RunID     string         `json:"run_id"`
	Action    string         `json:"action"`
	NextStage string         `json:"next_stage,omitempty"`
	Outcome   string         `json:"outcome"`
	Winner    string         `json:"winner,omitempty"`
	Score     float64        `json:"score,omitempty"`
	Degraded  bool           `json:"degraded,omitempty"`
	Decision  *gate.Decision `json:"decision,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// stageRun is the in-memory state of one run from lock to commit.
type stageRun struct {
	id      string
	cfg     *config.PipelineConfig
	stage   *config.Stage
	item    *db.WorkItem
	started time.Time
	state   pipeline.RunState
	cancel  *agent.CancelFlag
	log     *logging.Logger

	decision *gate.Decision
	message  string
}

func (r *stageRun) move(to pipeline.RunState) error {
	next, err := pipeline.Transition(r.state, to)
	if err != nil {
		return err
	}
	r.log.Debug("run state", "from", string(r.state), "to", string(next))
	r.state = next
	return nil
}

// RunStage runs the current stage of an active work item once.
//
// Conflicts, degraded runs, failed guardrails, escalations and cancellations
// are outcomes reported in the result. An error means nothing was committed
// and the work item is still in its last committed state.
func (c *Coordinator) RunStage(ctx context.Context, workItemID string) (*StageResult, error) {
	cfg, agents, dispatcher := c.snapshot()

	item, err := c.db.GetWorkItem(ctx, workItemID)
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("work item %s: %w", workItemID, db.ErrNotFound)
	}
	if item.Status != db.StatusActive {
		return nil, fmt.Errorf("work item %s is %s: %w", workItemID, item.Status, ErrNotActive)
	}
	stageCfg := cfg.Pipeline.StageByID(item.CurrentStage)
	if stageCfg == nil {
		return nil, fmt.Errorf("stage %q not found in config", item.CurrentStage)
	}

	r := &stageRun{
		id:      uuid.NewString(),
		cfg:     cfg,
		stage:   stageCfg,
		item:    item,
		started: c.now().UTC(),
		state:   pipeline.Idle,
		cancel:  &agent.CancelFlag{},
	}
	r.log = c.log.WithWorkItem(item.ID).WithStage(stageCfg.ID).WithRun(r.id)

	reclaimed, err := c.db.AcquireLock(ctx, item.ID, stageCfg.ID, r.id, c.holder, cfg.Pipeline.Locks.StaleAfterDuration())
	if err != nil {
		if errors.Is(err, db.ErrLockHeld) {
			return nil, fmt.Errorf("%w: %s/%s", pipeline.ErrAlreadyRunning, item.ID, stageCfg.ID)
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if reclaimed {
		r.log.Warn("reclaimed stale run lock")
	}
	// The commit releases the lock; this covers every path that skips it.
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := c.db.ReleaseLock(context.WithoutCancel(ctx), item.ID, stageCfg.ID, r.id); err != nil {
			r.log.Error("release run lock failed", "error", err.Error())
		}
	}()

	c.register(item.ID, r.cancel)
	defer c.unregister(item.ID, r.cancel)

	r.log.Info("stage run started", "agents", strings.Join(stageCfg.Agents, ","), "mode", stageCfg.Mode)
	c.logf("→ %s: running %s with %d agent(s)", item.ID, stageCfg.ID, len(stageCfg.Agents))

	run, err := c.execute(ctx, r, agents, dispatcher)
	if err != nil {
		r.log.Error("stage run failed", "state", string(r.state), "error", err.Error())
		return nil, err
	}

	// A cancelled caller still gets its run committed as cancelled.
	cctx := context.WithoutCancel(ctx)
	transition := itemTransition(cfg.Pipeline.StageOrder(), r.state, stageCfg.ID)
	claim := func(tx *sql.Tx) error {
		return db.ReleaseLockTx(cctx, tx, item.ID, stageCfg.ID, r.id)
	}
	apply := func(w *db.WorkItem) error {
		if w.Status != db.StatusActive || w.CurrentStage != stageCfg.ID {
			return fmt.Errorf("%w: work item %s is %s at %s", ErrSuperseded, w.ID, w.Status, w.CurrentStage)
		}
		transition(w)
		return nil
	}
	if err := c.commit(cctx, run, item, claim, apply); err != nil {
		if errors.Is(err, ErrSuperseded) {
			r.log.Warn("run discarded", "error", err.Error())
		} else {
			r.log.Error("commit run failed", "fatal", db.IsFatal(err), "error", err.Error())
		}
		return nil, fmt.Errorf("commit run %s: %w", r.id, err)
	}
	committed = true

	res := stageResult(r, run, item)
	c.report(context.WithoutCancel(ctx), r, run, res)
	return res, nil
}

// execute moves the run from Idle to a terminal state and returns the row to
// commit. Nothing is persisted here.
func (c *Coordinator) execute(ctx context.Context, r *stageRun, agents map[string]agent.Agent, d *agent.Dispatcher) (*db.Run, error) {
	run := &db.Run{RunID: r.id, WorkItemID: r.item.ID, Stage: r.stage.ID, StartedAt: r.started}

	failed, err := c.runGuardrails(ctx, r)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		r.message = "guardrails failed: " + strings.Join(failed, ", ")
		return c.seal(r, run, pipeline.Halted, OutcomeGuardrail)
	}

	if err := r.move(pipeline.Dispatching); err != nil {
		return nil, err
	}
	req, err := c.request(ctx, r, agents)
	if err != nil {
		return nil, err
	}
	res, err := d.Dispatch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("dispatch stage %s: %w", r.stage.ID, err)
	}
	run.Outputs = outputRows(r.id, res.Slots, r.started)
	run.Degraded = res.Degraded

	if err := r.move(pipeline.Scoring); err != nil {
		return nil, err
	}
	engine, err := consensus.New(consensusConfig(r.cfg, r.stage))
	if err != nil {
		return nil, fmt.Errorf("build consensus engine: %w", err)
	}
	out := engine.ScoreAndSelect(r.id, consensusOutputs(res.Outputs()), res.Degraded)
	syn, err := out.Synthesis()
	if err != nil {
		return nil, err
	}
	run.Synthesis = string(syn)
	run.ConsensusOK = out.OK()
	if out.Winner != nil {
		run.WinnerAgent = out.Winner.Agent
		run.WinnerScore = out.Winner.Final
	}
	outcome := string(out.Kind)

	if res.Cancelled || ctx.Err() != nil {
		r.message = "run cancelled"
		return c.seal(r, run, pipeline.Cancelled, outcome)
	}

	switch {
	case out.Kind == consensus.KindDegraded:
		r.message = fmt.Sprintf("%d of %d agents answered, %d required", res.Successes, len(res.Slots), req.MinSuccess)
		return c.seal(r, run, pipeline.Halted, outcome)

	case r.stage.Checkpoint != "":
		if err := r.move(pipeline.GateCheck); err != nil {
			return nil, err
		}
		sig := gate.SignalFromOutcome(r.stage.Checkpoint, out, nil, stageSignals(r.stage))
		dec := gate.Thresholds{High: r.cfg.Pipeline.Gate.HighThreshold, Medium: r.cfg.Pipeline.Gate.MediumThreshold}.Evaluate(sig)
		r.decision = &dec
		run.Gate = &db.GateDecision{
			RunID:      r.id,
			Checkpoint: dec.Checkpoint,
			Decision:   string(dec.Verdict),
			Confidence: string(dec.Confidence),
			Reason:     dec.Reason,
			Target:     string(dec.Target),
			DecidedAt:  c.now().UTC(),
		}
		r.log.Info("gate decision", "checkpoint", dec.Checkpoint, "verdict", string(dec.Verdict),
			"confidence", string(dec.Confidence), "owner_confidence", sig.OwnerConfidence)
		if dec.Verdict == gate.AutoApply && out.OK() {
			return c.seal(r, run, pipeline.Advanced, outcome)
		}
		r.message = dec.Reason
		return c.seal(r, run, pipeline.Escalated, outcome)

	case out.Kind == consensus.KindConflict:
		r.message = "conflicting answers: " + strings.Join(out.Conflicts, ", ")
		return c.seal(r, run, pipeline.Escalated, outcome)
	}
	return c.seal(r, run, pipeline.Advanced, outcome)
}

// seal moves the run to its terminal state and stamps the row.
func (c *Coordinator) seal(r *stageRun, run *db.Run, to pipeline.RunState, outcome string) (*db.Run, error) {
	if err := r.move(to); err != nil {
		return nil, err
	}
	run.Status = r.state.Status()
	run.Outcome = outcome
	run.FinishedAt = c.now().UTC()
	return run, nil
}

// runGuardrails runs the stage's checks and returns the names that failed.
func (c *Coordinator) runGuardrails(ctx context.Context, r *stageRun) ([]string, error) {
	if c.checks == nil || len(r.stage.Guardrails) == 0 {
		return nil, nil
	}
	var list []checks.Check
	for _, name := range r.stage.Guardrails {
		chk := r.cfg.Pipeline.Checks[name]
		list = append(list, checks.Check{
			Name:       name,
			Command:    chk.Command,
			Parser:     chk.Parser,
			Timeout:    chk.TimeoutDuration(checks.DefaultTimeout),
			AutoFix:    chk.AutoFix,
			FixCommand: chk.FixCommand,
		})
	}
	// Checks are bounded by their own timeouts, like agent calls.
	gr, results, err := c.checks.RunGate(context.WithoutCancel(ctx), checks.GateOpts{
		WorkItem: r.item.ID,
		Stage:    r.stage.ID,
		Dir:      c.workdir,
		Checks:   list,
	})
	if err != nil {
		return nil, fmt.Errorf("run guardrails: %w", err)
	}
	c.emit(ctx, evidence.KindGuardrail, r.item.ID, r.stage.ID, r.id, map[string]any{"gate": gr, "results": results})
	failed := gr.FailedChecks()
	if len(failed) > 0 {
		r.log.Warn("guardrails failed", "checks", strings.Join(failed, ","))
	}
	return failed, nil
}

// request builds the dispatch request for the run.
func (c *Coordinator) request(ctx context.Context, r *stageRun, agents map[string]agent.Agent) (agent.Request, error) {
	list := make([]agent.Agent, 0, len(r.stage.Agents))
	for _, name := range r.stage.Agents {
		a, ok := agents[name]
		if !ok {
			return agent.Request{}, fmt.Errorf("stage %s references unknown agent %q", r.stage.ID, name)
		}
		list = append(list, a)
	}
	mode := agent.Parallel
	if r.stage.Mode == config.ModeSequential {
		mode = agent.Sequential
	}
	timeouts := make(map[string]time.Duration)
	for _, name := range r.stage.Agents {
		if t := r.cfg.Pipeline.Agents[name].TimeoutDuration(0); t > 0 {
			timeouts[name] = t
		}
	}
	return agent.Request{
		Stage: prompt.StageInput{
			WorkItem:         r.item.ID,
			Title:            r.item.Title,
			Stage:            r.stage.ID,
			Context:          c.priorContext(ctx, r),
			RequiredElements: r.stage.RequiredElements,
			Template:         r.stage.PromptTemplate,
			Workdir:          c.workdir,
		},
		Agents:        list,
		Mode:          mode,
		MinSuccess:    r.stage.MinSuccessCount(),
		Timeout:       r.stage.TimeoutDuration(defaultStageTimeout),
		AgentTimeouts: timeouts,
		Cancel:        r.cancel,
		OnOutput: func(s agent.Slot) {
			if s.OK() {
				r.log.Debug("agent answered", "agent", s.Agent, "duration_ms", s.Duration.Milliseconds())
				return
			}
			r.log.Warn("agent failed", "agent", s.Agent, "reason", s.Failure.Reason, "attempts", s.Failure.Attempts)
			c.metrics.RecordAgentFailure(ctx, r.stage.ID, s.Agent, s.Failure.Reason)
		},
	}, nil
}

// priorContext returns the winning answer of the stage before this one, so
// each stage builds on the last accepted result.
func (c *Coordinator) priorContext(ctx context.Context, r *stageRun) string {
	order := r.cfg.Pipeline.StageOrder()
	prev := ""
	for i, id := range order {
		if id == r.stage.ID && i > 0 {
			prev = order[i-1]
		}
	}
	if prev == "" {
		return ""
	}
	last, err := c.db.LatestRun(ctx, r.item.ID, prev)
	if err != nil || last == nil || last.Synthesis == "" {
		return ""
	}
	var syn consensus.Synthesis
	if err := json.Unmarshal([]byte(last.Synthesis), &syn); err != nil {
		r.log.Warn("unreadable synthesis", "run_id", last.RunID, "error", err.Error())
		return ""
	}
	return syn.Content
}

// commit stores the run and applies the work item transition in one
// immediate transaction. claim runs first and must show the run still owns
// its lock; apply gets the work item as stored now, not the copy read when
// the run started. On success item holds the committed row.
func (c *Coordinator) commit(ctx context.Context, run *db.Run, item *db.WorkItem, claim func(*sql.Tx) error, apply func(*db.WorkItem) error) error {
	var stored db.WorkItem
	err := c.db.InTransaction(ctx, db.Immediate, func(tx *sql.Tx) error {
		if err := claim(tx); err != nil {
			if errors.Is(err, db.ErrLockLost) {
				return fmt.Errorf("%w: %w", ErrSuperseded, err)
			}
			return err
		}
		w, err := db.GetWorkItemTx(ctx, tx, run.WorkItemID)
		if err != nil {
			return err
		}
		if w == nil {
			return fmt.Errorf("work item %s: %w", run.WorkItemID, db.ErrNotFound)
		}
		if err := apply(w); err != nil {
			return err
		}
		inserted, err := db.CommitRunTx(ctx, tx, run)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("%w: run %s already stored", ErrSuperseded, run.RunID)
		}
		w.UpdatedAt = run.FinishedAt
		if err := db.UpdateWorkItemTx(ctx, tx, w); err != nil {
			return err
		}
		stored = *w
		return db.LogEventTx(ctx, tx, db.PipelineEvent{
			WorkItemID: run.WorkItemID,
			Event:      "run_" + run.Status,
			Stage:      run.Stage,
			RunID:      run.RunID,
			Detail:     run.Outcome,
			Timestamp:  run.FinishedAt,
		})
	})
	if err != nil {
		return err
	}
	*item = stored
	return nil
}

// itemTransition returns how a work item changes when a run ends in state.
func itemTransition(order []string, state pipeline.RunState, stage string) func(*db.WorkItem) {
	return func(w *db.WorkItem) {
		if state != pipeline.Advanced {
			w.Status = db.StatusHalted
			w.ReturnState = stage
			return
		}
		w.ReturnState = ""
		if next := pipeline.Next(order, stage); next != "" {
			w.CurrentStage = next
			w.Status = db.StatusActive
			return
		}
		w.Status = db.StatusCompleted
	}
}

func stageResult(r *stageRun, run *db.Run, item *db.WorkItem) *StageResult {
	res := &StageResult{
		WorkItem: run.WorkItemID,
		Stage:    run.Stage,
		RunID:    run.RunID,
		Outcome:  run.Outcome,
		Winner:   run.WinnerAgent,
		Score:    run.WinnerScore,
		Degraded: run.Degraded,
		Decision: r.decision,
		Message:  r.message,
	}
	switch r.state {
	case pipeline.Advanced:
		res.Action = ActionAdvanced
		if item.Status == db.StatusCompleted {
			res.Action = ActionCompleted
		} else {
			res.NextStage = item.CurrentStage
		}
	case pipeline.Escalated:
		res.Action = ActionEscalated
	case pipeline.Cancelled:
		res.Action = ActionCancelled
	default:
		res.Action = ActionHalted
	}
	return res
}

// report publishes a committed run to logs, metrics, progress and evidence.
func (c *Coordinator) report(ctx context.Context, r *stageRun, run *db.Run, res *StageResult) {
	elapsed := run.FinishedAt.Sub(run.StartedAt)
	c.metrics.RecordRun(ctx, run.Stage, run.Outcome, run.Status, elapsed)
	if r.decision != nil {
		c.metrics.RecordGate(ctx, r.decision.Checkpoint, string(r.decision.Verdict))
	}

	r.log.Info("stage run committed", "action", res.Action, "outcome", run.Outcome,
		"winner", run.WinnerAgent, "score", run.WinnerScore, "elapsed_ms", elapsed.Milliseconds())

	switch res.Action {
	case ActionAdvanced:
		c.logf("  ✓ %s: %s won (%.3f), next stage %s", run.Stage, run.WinnerAgent, run.WinnerScore, res.NextStage)
	case ActionCompleted:
		c.logf("  ✓ %s: %s won (%.3f), pipeline completed", run.Stage, run.WinnerAgent, run.WinnerScore)
	default:
		c.logf("  ✗ %s: %s (%s)", run.Stage, res.Action, res.Message)
	}

	c.emit(ctx, evidence.KindRun, run.WorkItemID, run.Stage, run.RunID, run)
	if run.Gate != nil {
		c.emit(ctx, evidence.KindDecision, run.WorkItemID, run.Stage, run.RunID, run.Gate)
	}
}

func outputRows(runID string, slots []agent.Slot, started time.Time) []db.AgentOutput {
	rows := make([]db.AgentOutput, len(slots))
	for i, s := range slots {
		row := db.AgentOutput{
			RunID:         runID,
			DispatchIndex: s.Index,
			AgentName:     s.Agent,
			ModelVersion:  s.ModelVersion,
			Content:       s.Content,
			ProducedAt:    s.ProducedAt.UTC(),
		}
		if row.ProducedAt.IsZero() {
			row.ProducedAt = started
		}
		if s.Failure != nil {
			row.Failed = true
			row.Error = s.Failure.Error()
		}
		rows[i] = row
	}
	return rows
}

func consensusOutputs(slots []agent.Slot) []consensus.Output {
	out := make([]consensus.Output, len(slots))
	for i, s := range slots {
		out[i] = consensus.Output{
			Index:        s.Index,
			Agent:        s.Agent,
			ModelVersion: s.ModelVersion,
			Content:      s.Content,
			ProducedAt:   s.ProducedAt,
		}
	}
	return out
}

func consensusConfig(cfg *config.PipelineConfig, stage *config.Stage) consensus.Config {
	cc := cfg.Pipeline.Consensus
	tech, interact := cc.Weights()
	return consensus.Config{
		Stage:                  pipeline.Stage(stage.ID),
		RequiredElements:       stage.RequiredElements,
		TechWeight:             tech,
		InteractWeight:         interact,
		TieEpsilon:             cc.TieEpsilon,
		ContradictionThreshold: cc.ContradictionThreshold,
		Preferences: consensus.Preferences{
			RequireJSON:      cc.Preferences.RequireJSON,
			MaxLength:        cc.Preferences.MaxLength,
			ForbiddenPhrases: cc.Preferences.ForbiddenPhrases,
		},
	}
}

// stageSignals returns the stage's checkpoint defaults: important and
// auto_fix unless configured.
func stageSignals(stage *config.Stage) gate.StageSignals {
	s := gate.StageSignals{Magnitude: gate.Important, Resolvability: gate.AutoFix}
	if m, ok := gate.ParseMagnitude(stage.Magnitude); ok {
		s.Magnitude = m
	}
	if r, ok := gate.ParseResolvability(stage.Resolvability); ok {
		s.Resolvability = r
	}
	return s
}

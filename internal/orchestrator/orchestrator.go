// Package orchestrator drives work items through their stages: it takes the
// run lock, dispatches agents, scores their answers, applies the quality gate
// and commits the result in one transaction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/theturtlecsz/code-sub000/internal/agent"
	"github.com/theturtlecsz/code-sub000/internal/checks"
	"github.com/theturtlecsz/code-sub000/internal/config"
	"github.com/theturtlecsz/code-sub000/internal/db"
	"github.com/theturtlecsz/code-sub000/internal/evidence"
	"github.com/theturtlecsz/code-sub000/internal/logging"
	"github.com/theturtlecsz/code-sub000/internal/prompt"
	"github.com/theturtlecsz/code-sub000/internal/telemetry"
)

var (
	// ErrNotActive is returned when a stage is run for an item that is
	// halted or completed.
	ErrNotActive = errors.New("work item not active")
	// ErrNotHalted is returned by Override and Resume for an item that is
	// not waiting on a human.
	ErrNotHalted = errors.New("work item not halted")
	// ErrNoActiveRun is returned by Cancel when this process runs nothing
	// for the item.
	ErrNoActiveRun = errors.New("no active run")
	// ErrSuperseded is returned when a run finished after losing its lock or
	// after its work item moved on. Nothing from that run is stored.
	ErrSuperseded = errors.New("run superseded")
)

// Outcomes stored for runs that never reached consensus scoring.
const (
	OutcomeGuardrail   = "guardrail_failed"
	OutcomeInterrupted = "interrupted"
)

// Deps are the collaborators of a Coordinator. DB and Config are required.
type Deps struct {
	DB     *db.DB
	Config *config.PipelineConfig
	// Dispatcher is built from Config.Retry when nil.
	Dispatcher *agent.Dispatcher
	// Agents are built from Config.Agents when nil.
	Agents map[string]agent.Agent
	// Checks runs stage guardrails. Guardrails are skipped when nil.
	Checks   *checks.Runner
	Evidence evidence.Sink
	Logger   *logging.Logger
	Metrics  *telemetry.Metrics
	// Holder identifies this process in run locks.
	Holder string
	// Workdir is where agents and checks run and template overrides live.
	Workdir string
}

// Coordinator composes the stage lifecycle. It holds no global state: every
// process builds its own and shares it between goroutines.
type Coordinator struct {
	db       *db.DB
	checks   *checks.Runner
	evidence evidence.Sink
	log      *logging.Logger
	metrics  *telemetry.Metrics
	holder   string
	workdir  string

	fixedAgents     bool
	fixedDispatcher bool

	mu       sync.RWMutex // guards cfg, agents and dispatch
	cfg      *config.PipelineConfig
	agents   map[string]agent.Agent
	dispatch *agent.Dispatcher

	runsMu sync.Mutex
	active map[string]*agent.CancelFlag // by work item id

	progress io.Writer
	now      func() time.Time
}

// New creates a Coordinator.
func New(deps Deps) (*Coordinator, error) {
	if deps.DB == nil {
		return nil, errors.New("coordinator needs a database")
	}
	if deps.Config == nil {
		return nil, errors.New("coordinator needs a pipeline config")
	}
	c := &Coordinator{
		db:              deps.DB,
		checks:          deps.Checks,
		evidence:        deps.Evidence,
		log:             deps.Logger,
		metrics:         deps.Metrics,
		holder:          deps.Holder,
		workdir:         deps.Workdir,
		fixedAgents:     deps.Agents != nil,
		fixedDispatcher: deps.Dispatcher != nil,
		agents:          deps.Agents,
		dispatch:        deps.Dispatcher,
		active:          make(map[string]*agent.CancelFlag),
		now:             time.Now,
	}
	if c.evidence == nil {
		c.evidence = evidence.Nop{}
	}
	if c.log == nil {
		c.log = logging.Nop()
	}
	if c.holder == "" {
		c.holder = "specpipe"
	}
	c.SetConfig(deps.Config)
	return c, nil
}

// SetConfig swaps in a new pipeline config. Runs already in progress keep
// the config they started with.
func (c *Coordinator) SetConfig(cfg *config.PipelineConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	if !c.fixedAgents {
		c.agents = agentsFromConfig(cfg, c.workdir)
	}
	if !c.fixedDispatcher {
		c.dispatch = agent.NewDispatcher(prompt.NewBuilder(), RetryPolicy(cfg.Pipeline.Retry), c.log)
	}
}

// Config returns the current pipeline config.
func (c *Coordinator) Config() *config.PipelineConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Coordinator) snapshot() (*config.PipelineConfig, map[string]agent.Agent, *agent.Dispatcher) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.agents, c.dispatch
}

// SetProgress sets a writer for human-readable progress lines.
func (c *Coordinator) SetProgress(w io.Writer) {
	c.progress = w
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.progress != nil {
		fmt.Fprintf(c.progress, format+"\n", args...)
	}
}

// RetryPolicy converts the configured retry section for the dispatcher.
func RetryPolicy(r config.Retry) agent.RetryPolicy {
	initial, maxBackoff := r.Backoff()
	return agent.RetryPolicy{
		MaxAttempts:   r.MaxAttempts,
		Initial:       initial,
		Max:           maxBackoff,
		Multiplier:    r.Multiplier,
		Jitter:        r.Jitter,
		RetryTimeouts: r.RetryTimeouts,
	}
}

func agentsFromConfig(cfg *config.PipelineConfig, dir string) map[string]agent.Agent {
	agents := make(map[string]agent.Agent, len(cfg.Pipeline.Agents))
	for name, a := range cfg.Pipeline.Agents {
		agents[name] = agent.NewCommandAgent(name, a.Command, a.Model, dir)
	}
	return agents
}

// Intake creates a work item at the first configured stage.
func (c *Coordinator) Intake(ctx context.Context, id, title string) (*db.WorkItem, error) {
	cfg := c.Config()
	if id == "" {
		return nil, errors.New("work item id is required")
	}
	if len(cfg.Pipeline.Stages) == 0 {
		return nil, errors.New("pipeline has no stages")
	}
	existing, err := c.db.GetWorkItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("work item %s already exists", id)
	}
	item, err := c.db.CreateWorkItem(ctx, id, title, cfg.Pipeline.Stages[0].ID)
	if err != nil {
		return nil, fmt.Errorf("create work item: %w", err)
	}
	c.log.WithWorkItem(id).Info("work item created", "stage", item.CurrentStage)
	c.emit(ctx, evidence.KindEvent, item.ID, item.CurrentStage, "", map[string]string{"event": "created", "title": title})
	return item, nil
}

// StatusInfo is a work item with its run history.
type StatusInfo struct {
	Item      db.WorkItem   `json:"item"`
	Running   bool          `json:"running"`
	Runs      []db.Run      `json:"runs,omitempty"`
	Overrides []db.Override `json:"overrides,omitempty"`
}

// Status returns one work item with its runs, newest first. The item, runs
// and overrides come from one snapshot.
func (c *Coordinator) Status(ctx context.Context, id string) (*StatusInfo, error) {
	h, err := c.db.ItemHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read work item history: %w", err)
	}
	if h == nil {
		return nil, fmt.Errorf("work item %s: %w", id, db.ErrNotFound)
	}
	return &StatusInfo{Item: h.Item, Running: c.Running(id), Runs: h.Runs, Overrides: h.Overrides}, nil
}

// StatusAll returns every work item with the given status, or all of them.
func (c *Coordinator) StatusAll(ctx context.Context, status string) ([]db.WorkItem, error) {
	items, err := c.db.ListWorkItems(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	return items, nil
}

// emit writes an evidence record. Failures are logged and never returned.
func (c *Coordinator) emit(ctx context.Context, kind, item, stage, runID string, payload any) {
	rec, err := evidence.NewRecord(kind, item, stage, runID, payload)
	if err == nil {
		err = c.evidence.Write(ctx, rec)
	}
	if err != nil {
		c.log.WithWorkItem(item).Warn("evidence write failed", "kind", kind, "run_id", runID, "error", err.Error())
	}
}

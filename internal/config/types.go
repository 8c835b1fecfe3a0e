package config

import "time"

// PipelineConfig is the top-level configuration structure parsed from pipeline YAML.
type PipelineConfig struct {
	Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline defines the stages, the agents that serve them, and the scoring
// and gating policy applied to every run.
type Pipeline struct {
	Name      string           `yaml:"name"`
	Defaults  StageDefaults    `yaml:"defaults"`
	Agents    map[string]Agent `yaml:"agents"`
	Checks    map[string]Check `yaml:"checks"`
	Stages    []Stage          `yaml:"stages"`
	Consensus Consensus        `yaml:"consensus"`
	Gate      Gate             `yaml:"gate"`
	Locks     Locks            `yaml:"locks"`
	Retry     Retry            `yaml:"retry"`
}

// StageDefaults holds values applied to stages that don't specify their own.
type StageDefaults struct {
	Mode       string   `yaml:"mode"`
	Agents     []string `yaml:"agents"`
	MinSuccess *int     `yaml:"min_success"`
	Timeout    string   `yaml:"timeout"`
}

// Agent defines one model-backed agent. The command receives the prompt on
// stdin and writes its answer to stdout.
type Agent struct {
	Command string `yaml:"command"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// Check defines a guardrail command run before a stage dispatches agents.
type Check struct {
	Command    string `yaml:"command"`
	Parser     string `yaml:"parser"`
	Timeout    string `yaml:"timeout"`
	FixCommand string `yaml:"fix_command"`
	AutoFix    bool   `yaml:"auto_fix"`
}

// Stage defines one pipeline stage.
type Stage struct {
	ID               string   `yaml:"id"`
	Mode             string   `yaml:"mode"`
	Agents           []string `yaml:"agents"`
	MinSuccess       *int     `yaml:"min_success"` // unset means a majority; 0 never degrades
	Timeout          string   `yaml:"timeout"`
	Checkpoint       string   `yaml:"checkpoint"`
	RequiredElements []string `yaml:"required_elements"`
	Guardrails       []string `yaml:"guardrails"`
	PromptTemplate   string   `yaml:"prompt_template"`
	Magnitude        string   `yaml:"magnitude"`
	Resolvability    string   `yaml:"resolvability"`
}

// Consensus holds the scoring weights and heuristics.
type Consensus struct {
	TechWeight             *float64    `yaml:"w_tech"`
	InteractWeight         *float64    `yaml:"w_interact"`
	TieEpsilon             float64     `yaml:"tie_epsilon"`
	ContradictionThreshold float64     `yaml:"contradiction_threshold"`
	Preferences            Preferences `yaml:"preferences"`
}

// Preferences are the stated output preferences agents are scored against.
type Preferences struct {
	RequireJSON      bool     `yaml:"require_json"`
	MaxLength        int      `yaml:"max_length"`
	ForbiddenPhrases []string `yaml:"forbidden_phrases"`
}

// Gate holds the confidence thresholds used by quality checkpoints.
type Gate struct {
	HighThreshold   float64 `yaml:"high_threshold"`
	MediumThreshold float64 `yaml:"medium_threshold"`
}

// Locks configures run lock staleness.
type Locks struct {
	StaleAfter string `yaml:"stale_after"`
}

// Retry configures provider-error retries for agent calls.
type Retry struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialBackoff string  `yaml:"initial_backoff"`
	MaxBackoff     string  `yaml:"max_backoff"`
	Multiplier     float64 `yaml:"multiplier"`
	Jitter         float64 `yaml:"jitter"`
	RetryTimeouts  bool    `yaml:"retry_timeouts"`
}

// Dispatch modes.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// Weights returns (w_tech, w_interact). Unset weights fall back to the
// defaults, and a single set weight implies its complement.
func (c Consensus) Weights() (float64, float64) {
	switch {
	case c.TechWeight != nil && c.InteractWeight != nil:
		return *c.TechWeight, *c.InteractWeight
	case c.TechWeight != nil:
		return *c.TechWeight, 1 - *c.TechWeight
	case c.InteractWeight != nil:
		return 1 - *c.InteractWeight, *c.InteractWeight
	}
	return DefaultTechWeight, DefaultInteractWeight
}

// StageByID returns the stage with the given id, or nil.
func (p *Pipeline) StageByID(id string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i]
		}
	}
	return nil
}

// StageOrder returns the configured stage ids in order.
func (p *Pipeline) StageOrder() []string {
	ids := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		ids[i] = s.ID
	}
	return ids
}

// StaleAfterDuration returns the lock staleness timeout.
func (l Locks) StaleAfterDuration() time.Duration {
	d, _ := time.ParseDuration(l.StaleAfter)
	return d
}

// MinSuccessCount returns the number of agents that must answer for the
// stage not to be degraded.
func (s Stage) MinSuccessCount() int {
	if s.MinSuccess == nil {
		return len(s.Agents)/2 + 1
	}
	return *s.MinSuccess
}

// TimeoutDuration returns the stage timeout, falling back to fallback.
func (s Stage) TimeoutDuration(fallback time.Duration) time.Duration {
	return parseDurationOr(s.Timeout, fallback)
}

// TimeoutDuration returns the agent timeout, falling back to fallback.
func (a Agent) TimeoutDuration(fallback time.Duration) time.Duration {
	return parseDurationOr(a.Timeout, fallback)
}

// TimeoutDuration returns the check timeout, falling back to fallback.
func (c Check) TimeoutDuration(fallback time.Duration) time.Duration {
	return parseDurationOr(c.Timeout, fallback)
}

// Backoff returns the parsed initial and max backoff.
func (r Retry) Backoff() (initial, max time.Duration) {
	return parseDurationOr(r.InitialBackoff, 100*time.Millisecond), parseDurationOr(r.MaxBackoff, 10*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

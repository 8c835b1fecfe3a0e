// Package consensus scores independently produced agent outputs and selects
// one of them. It is a single deterministic function: agents never vote,
// debate or see each other's scores.
package consensus

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/theturtlecsz/code-sub000/internal/pipeline"
)

// Output is one successful agent answer within a run.
type Output struct {
	Index        int
	Agent        string
	ModelVersion string
	Content      string
	ProducedAt   time.Time
}

// Scored is an output with its derived scores. Scores are never persisted on
// their own; they travel inside the run synthesis.
type Scored struct {
	Output
	Completeness float64 `json:"completeness"`
	Correctness  float64 `json:"correctness"`
	Technical    float64 `json:"technical"`
	Proactivity  float64 `json:"proactivity"`
	Personal     float64 `json:"personalization"`
	Interaction  float64 `json:"interaction"`
	Final        float64 `json:"final"`
}

// Kind is the outcome of selection.
type Kind string

const (
	KindWinner   Kind = "winner"
	KindConflict Kind = "conflict"
	KindDegraded Kind = "degraded"
)

// Outcome is the result of ScoreAndSelect.
type Outcome struct {
	RunID string
	Kind  Kind
	// Winner is the selected synthesis. It is set for KindWinner and, when at
	// least one output scored, for KindDegraded.
	Winner     *Scored
	Scores     []Scored // dispatch order
	Agreements []string
	Conflicts  []string
}

// OK reports whether the outcome allows the stage to advance.
func (o Outcome) OK() bool { return o.Kind == KindWinner && o.Winner != nil }

// Config holds weights and heuristics for one stage.
type Config struct {
	Stage                  pipeline.Stage
	RequiredElements       []string // defaults to StageFields[Stage]
	TechWeight             float64
	InteractWeight         float64
	TieEpsilon             float64
	ContradictionThreshold float64
	Preferences            Preferences
}

// Preferences are output preferences that count against personalization.
type Preferences struct {
	RequireJSON      bool
	MaxLength        int
	ForbiddenPhrases []string
}

// DefaultConfig returns 0.7/0.3 weights and a 0.35 contradiction threshold.
func DefaultConfig(stage pipeline.Stage) Config {
	return Config{
		Stage:                  stage,
		TechWeight:             0.7,
		InteractWeight:         0.3,
		TieEpsilon:             1e-9,
		ContradictionThreshold: 0.35,
	}
}

// Engine scores and selects outputs for one stage.
type Engine struct {
	cfg      Config
	required []string
}

// New creates an Engine. Weights must sum to 1; configuration loading
// rejects anything else before an Engine is built.
func New(cfg Config) (*Engine, error) {
	if cfg.TechWeight < 0 || cfg.TechWeight > 1 || cfg.InteractWeight < 0 || cfg.InteractWeight > 1 {
		return nil, fmt.Errorf("weights must be in [0,1], got %.3f/%.3f", cfg.TechWeight, cfg.InteractWeight)
	}
	if math.Abs(cfg.TechWeight+cfg.InteractWeight-1) > 1e-9 {
		return nil, fmt.Errorf("weights must sum to 1, got %.3f", cfg.TechWeight+cfg.InteractWeight)
	}
	required := cfg.RequiredElements
	if len(required) == 0 {
		required = StageFields[cfg.Stage]
	}
	return &Engine{cfg: cfg, required: required}, nil
}

// Score computes every score for one output.
func (e *Engine) Score(o Output) Scored {
	s := Scored{Output: o}
	s.Completeness = Completeness(o.Content, e.required)
	s.Correctness = Correctness(o.Content, e.cfg.Preferences.RequireJSON)
	s.Technical = Technical(s.Completeness, s.Correctness)
	s.Proactivity = Proactivity(Questions(o.Content))
	s.Personal = Personalization(Violations(o.Content, e.cfg.Preferences))
	s.Interaction = clamp(s.Proactivity+s.Personal, -1, 1)
	s.Final = e.Final(s.Technical, s.Interaction)
	return s
}

// Final combines technical and interaction scores with the configured weights.
func (e *Engine) Final(technical, interaction float64) float64 {
	return e.cfg.TechWeight*technical + e.cfg.InteractWeight*interaction
}

// ScoreAndSelect scores outputs and selects the synthesis. degraded is the
// dispatcher's verdict that too few agents succeeded.
func (e *Engine) ScoreAndSelect(runID string, outputs []Output, degraded bool) Outcome {
	scored := make([]Scored, len(outputs))
	for i, o := range outputs {
		scored[i] = e.Score(o)
	}
	return e.Select(runID, scored, degraded)
}

// Select picks the synthesis from already scored outputs.
//
// Outputs whose final scores are within TieEpsilon of the maximum are tied.
// Tied outputs that contradict each other yield KindConflict. Otherwise the
// tie is broken by earliest ProducedAt, then by lexicographically smallest
// agent name. No other rule applies.
func (e *Engine) Select(runID string, scored []Scored, degraded bool) Outcome {
	out := Outcome{RunID: runID, Scores: scored}
	if len(scored) == 0 {
		out.Kind = KindDegraded
		return out
	}

	out.Agreements, out.Conflicts = e.pairs(scored)

	best := scored[0].Final
	for _, s := range scored[1:] {
		best = math.Max(best, s.Final)
	}
	var top []Scored
	for _, s := range scored {
		if best-s.Final <= e.cfg.TieEpsilon {
			top = append(top, s)
		}
	}
	sort.SliceStable(top, func(i, j int) bool { return breaksTie(top[i], top[j]) })
	winner := top[0]

	switch {
	case degraded:
		out.Kind = KindDegraded
		out.Winner = &winner
	case e.anyContradiction(top):
		out.Kind = KindConflict
	default:
		out.Kind = KindWinner
		out.Winner = &winner
	}
	return out
}

// breaksTie orders tied outputs: earliest produced first, then agent name.
func breaksTie(a, b Scored) bool {
	if !a.ProducedAt.Equal(b.ProducedAt) {
		return a.ProducedAt.Before(b.ProducedAt)
	}
	return a.Agent < b.Agent
}

func (e *Engine) anyContradiction(top []Scored) bool {
	for i := range top {
		for j := i + 1; j < len(top); j++ {
			if Contradicts(top[i].Content, top[j].Content, e.cfg.ContradictionThreshold) {
				return true
			}
		}
	}
	return false
}

// pairs lists near-duplicate pairs and contradicting pairs across all outputs.
func (e *Engine) pairs(scored []Scored) (agreements, conflicts []string) {
	for i := range scored {
		for j := i + 1; j < len(scored); j++ {
			a, b := scored[i], scored[j]
			switch {
			case Contradicts(a.Content, b.Content, e.cfg.ContradictionThreshold):
				conflicts = append(conflicts, a.Agent+" vs "+b.Agent)
			case Similarity(a.Content, b.Content) >= e.cfg.ContradictionThreshold:
				agreements = append(agreements, a.Agent+" ~ "+b.Agent)
			}
		}
	}
	return agreements, conflicts
}

// Synthesis is the persisted summary of an outcome.
type Synthesis struct {
	Outcome    Kind          `json:"outcome"`
	Winner     string        `json:"winner,omitempty"`
	Content    string        `json:"content,omitempty"`
	Scores     []ScoreRecord `json:"scores"`
	Agreements []string      `json:"agreements,omitempty"`
	Conflicts  []string      `json:"conflicts,omitempty"`
}

// ScoreRecord is one agent's scores inside a Synthesis.
type ScoreRecord struct {
	Agent       string  `json:"agent"`
	Technical   float64 `json:"technical"`
	Interaction float64 `json:"interaction"`
	Final       float64 `json:"final"`
}

// Synthesis returns the JSON summary stored with the run.
func (o Outcome) Synthesis() ([]byte, error) {
	syn := Synthesis{
		Outcome:    o.Kind,
		Agreements: o.Agreements,
		Conflicts:  o.Conflicts,
		Scores:     make([]ScoreRecord, len(o.Scores)),
	}
	if o.Winner != nil {
		syn.Winner = o.Winner.Agent
		syn.Content = o.Winner.Content
	}
	for i, s := range o.Scores {
		syn.Scores[i] = ScoreRecord{Agent: s.Agent, Technical: s.Technical, Interaction: s.Interaction, Final: s.Final}
	}
	data, err := json.Marshal(syn)
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis: %w", err)
	}
	return data, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

package gate

import (
	"encoding/json"
	"strings"

	"github.com/theturtlecsz/code-sub000/internal/consensus"
)

// StageSignals are checkpoint defaults from stage configuration. The winning
// answer may override them by declaring "magnitude" and "resolvability".
type StageSignals struct {
	Magnitude     Magnitude
	Resolvability Resolvability
}

// contradictionPenalty is subtracted from owner confidence for every output
// that contradicts the winner.
const contradictionPenalty = 0.1

// answer is the subset of a JSON answer the gate reads.
type answer struct {
	Confidence    *float64 `json:"confidence"`
	Magnitude     string   `json:"magnitude"`
	Resolvability string   `json:"resolvability"`
	NeedsHuman    bool     `json:"needs_human"`
	RiskFlags     []any    `json:"risk_flags"`
}

// SignalFromOutcome derives the gate signal for a consensus outcome.
//
// Owner confidence is the winner's technical score, lowered by each output
// that contradicts it and capped by any confidence the winner declares.
// Failed checks are critical test failures; a conflict or missing winner is
// a critical contradiction.
func SignalFromOutcome(checkpoint string, out consensus.Outcome, failedChecks []string, defaults StageSignals) Signal {
	s := Signal{
		Checkpoint:    checkpoint,
		Magnitude:     defaults.Magnitude,
		Resolvability: defaults.Resolvability,
	}
	if s.Magnitude == "" {
		s.Magnitude = Important
	}
	if s.Resolvability == "" {
		s.Resolvability = AutoFix
	}

	for _, name := range failedChecks {
		s.CounterSignals = append(s.CounterSignals, CounterSignal{Kind: TestFailure, Critical: true, Detail: name})
	}

	if out.Winner == nil {
		s.CounterSignals = append(s.CounterSignals, CounterSignal{Kind: Contradiction, Critical: true, Detail: "no selected output"})
		return s
	}
	if out.Kind == consensus.KindDegraded {
		s.CounterSignals = append(s.CounterSignals, CounterSignal{Kind: RiskFlag, Detail: "degraded dispatch"})
	}

	conf := out.Winner.Technical
	for _, c := range out.Conflicts {
		if involves(c, out.Winner.Agent) {
			conf -= contradictionPenalty
			s.CounterSignals = append(s.CounterSignals, CounterSignal{Kind: Contradiction, Detail: c})
		}
	}

	var a answer
	if err := json.Unmarshal([]byte(consensus.JSONBody(out.Winner.Content)), &a); err == nil {
		if a.Confidence != nil && *a.Confidence < conf {
			conf = *a.Confidence
		}
		if m, ok := ParseMagnitude(a.Magnitude); ok {
			s.Magnitude = m
		}
		if r, ok := ParseResolvability(a.Resolvability); ok {
			s.Resolvability = r
		}
		if a.NeedsHuman {
			s.CounterSignals = append(s.CounterSignals, CounterSignal{Kind: NeedsHuman, Critical: true})
		}
		for _, f := range a.RiskFlags {
			s.CounterSignals = append(s.CounterSignals, riskFlag(f))
		}
	}

	s.OwnerConfidence = clamp01(conf)
	return s
}

// riskFlag reads a flag given either as a string or as
// {"detail": ..., "severity": "critical"}.
func riskFlag(v any) CounterSignal {
	c := CounterSignal{Kind: RiskFlag}
	switch t := v.(type) {
	case string:
		c.Detail = t
	case map[string]any:
		c.Detail, _ = t["detail"].(string)
		sev, _ := t["severity"].(string)
		c.Critical = strings.EqualFold(sev, "critical")
	}
	return c
}

func involves(pair, agent string) bool {
	a, b, ok := strings.Cut(pair, " vs ")
	return ok && (a == agent || b == agent)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

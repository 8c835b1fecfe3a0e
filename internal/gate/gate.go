// Package gate decides whether a stage result may be applied automatically
// or must be escalated. Evaluate is a pure decision table.
package gate

import "fmt"

// Confidence is the classified certainty of the agent that owns a result.
type Confidence string

const (
	High   Confidence = "high"
	Medium Confidence = "medium"
	Low    Confidence = "low"
)

// Magnitude is how much a wrong result would hurt.
type Magnitude string

const (
	Critical  Magnitude = "critical"
	Important Magnitude = "important"
	Minor     Magnitude = "minor"
)

// Resolvability is whether agents can fix what they found.
type Resolvability string

const (
	AutoFix    Resolvability = "auto_fix"
	SuggestFix Resolvability = "suggest_fix"
	NeedHuman  Resolvability = "need_human"
)

// Verdict is the gate outcome.
type Verdict string

const (
	AutoApply Verdict = "auto_apply"
	Escalate  Verdict = "escalate"
)

// Target is who resolves an escalation.
type Target string

const (
	TargetHuman Target = "human"
	TargetJudge Target = "judge"
)

// Checkpoints at which a stage result can be gated.
const (
	BeforePlan     = "before_plan"
	AfterPlan      = "after_plan"
	AfterTasks     = "after_tasks"
	AfterImplement = "after_implement"
	AfterValidate  = "after_validate"
	BeforeUnlock   = "before_unlock"
)

// Counter-signal kinds.
const (
	RiskFlag        = "risk_flag"
	Contradiction   = "contradiction"
	NeedsHuman      = "needs_human"
	TestFailure     = "test_failure"
	PolicyViolation = "policy_violation"
)

// CounterSignal is evidence against trusting a result. Only critical
// counter-signals affect confidence classification.
type CounterSignal struct {
	Kind     string `json:"kind"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Signal is everything a checkpoint decision depends on.
type Signal struct {
	Checkpoint      string          `json:"checkpoint"`
	OwnerConfidence float64         `json:"owner_confidence"`
	CounterSignals  []CounterSignal `json:"counter_signals,omitempty"`
	Magnitude       Magnitude       `json:"magnitude"`
	Resolvability   Resolvability   `json:"resolvability"`
}

// HasCritical reports whether any counter-signal is critical.
func (s Signal) HasCritical() bool {
	for _, c := range s.CounterSignals {
		if c.Critical {
			return true
		}
	}
	return false
}

// Decision is a gate outcome. Target is set only for escalations.
type Decision struct {
	Checkpoint string     `json:"checkpoint"`
	Verdict    Verdict    `json:"verdict"`
	Confidence Confidence `json:"confidence"`
	Reason     string     `json:"reason"`
	Target     Target     `json:"target,omitempty"`
}

// Thresholds bound the confidence classes.
type Thresholds struct {
	High   float64
	Medium float64
}

// DefaultThresholds returns high >= 0.80 and medium >= 0.65.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.80, Medium: 0.65}
}

// Classify maps a signal to a confidence class.
func (t Thresholds) Classify(s Signal) Confidence {
	switch {
	case s.HasCritical() || s.OwnerConfidence < t.Medium:
		return Low
	case s.OwnerConfidence >= t.High:
		return High
	default:
		return Medium
	}
}

// Evaluate applies the decision table to s. Rules are checked in order and
// the first match wins.
func (t Thresholds) Evaluate(s Signal) Decision {
	conf := t.Classify(s)
	d := Decision{Checkpoint: s.Checkpoint, Confidence: conf}

	escalate := func(target Target, reason string) Decision {
		d.Verdict = Escalate
		d.Target = target
		d.Reason = reason
		return d
	}

	switch {
	case s.Magnitude == Critical:
		return escalate(TargetHuman, "critical magnitude")
	case s.Resolvability == NeedHuman:
		return escalate(TargetHuman, "needs human judgement")
	case conf == Low:
		if s.HasCritical() {
			return escalate(TargetHuman, fmt.Sprintf("low confidence: critical %s", firstCritical(s)))
		}
		return escalate(TargetJudge, fmt.Sprintf("low confidence (%.2f < %.2f)", s.OwnerConfidence, t.Medium))
	case conf == Medium && s.Magnitude == Important:
		return escalate(TargetJudge, "medium confidence on important change")
	case conf == High && s.Magnitude == Important && s.Resolvability == SuggestFix:
		return escalate(TargetJudge, "important change with suggested fix needs validation")
	}

	d.Verdict = AutoApply
	d.Reason = fmt.Sprintf("%s confidence, %s magnitude, %s", conf, s.Magnitude, s.Resolvability)
	return d
}

// Evaluate applies the decision table with the default thresholds.
func Evaluate(s Signal) Decision {
	return DefaultThresholds().Evaluate(s)
}

func firstCritical(s Signal) string {
	for _, c := range s.CounterSignals {
		if c.Critical {
			return c.Kind
		}
	}
	return ""
}

// ParseMagnitude returns the magnitude named by s.
func ParseMagnitude(s string) (Magnitude, bool) {
	switch m := Magnitude(s); m {
	case Critical, Important, Minor:
		return m, true
	}
	return "", false
}

// ParseResolvability returns the resolvability named by s.
func ParseResolvability(s string) (Resolvability, bool) {
	switch r := Resolvability(s); r {
	case AutoFix, SuggestFix, NeedHuman:
		return r, true
	}
	return "", false
}

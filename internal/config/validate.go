package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/theturtlecsz/code-sub000/internal/pipeline"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is every issue found in one config.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return "invalid pipeline config: " + strings.Join(msgs, "; ")
}

// KnownCheckpoints are the quality checkpoint names a stage may declare.
var KnownCheckpoints = map[string]bool{
	"before_plan":     true,
	"after_plan":      true,
	"after_tasks":     true,
	"after_implement": true,
	"after_validate":  true,
	"before_unlock":   true,
}

var recognizedParsers = map[string]bool{
	"generic": true,
	"go-test": true,
}

var magnitudes = map[string]bool{"": true, "critical": true, "important": true, "minor": true}
var resolvabilities = map[string]bool{"": true, "auto_fix": true, "suggest_fix": true, "need_human": true}

const weightTolerance = 1e-9

// Validate checks a PipelineConfig for structural and semantic errors.
// It returns every validation error found (empty if valid).
func Validate(cfg *PipelineConfig) ValidationErrors {
	var errs ValidationErrors
	p := cfg.Pipeline

	if p.Name == "" {
		errs = append(errs, ValidationError{Field: "pipeline.name", Message: "is required"})
	}
	if len(p.Stages) == 0 {
		errs = append(errs, ValidationError{Field: "pipeline.stages", Message: "at least one stage is required"})
	}

	for name, a := range p.Agents {
		prefix := "pipeline.agents." + name
		if a.Command == "" {
			errs = append(errs, ValidationError{Field: prefix + ".command", Message: "is required"})
		}
		validateDuration(prefix+".timeout", a.Timeout, &errs)
	}

	for name, c := range p.Checks {
		prefix := "pipeline.checks." + name
		if c.Command == "" {
			errs = append(errs, ValidationError{Field: prefix + ".command", Message: "is required"})
		}
		if c.Parser != "" && !recognizedParsers[c.Parser] {
			errs = append(errs, ValidationError{Field: prefix + ".parser", Message: fmt.Sprintf("unrecognized parser %q", c.Parser)})
		}
		validateDuration(prefix+".timeout", c.Timeout, &errs)
	}

	validateStages(p, &errs)
	validateConsensus(p.Consensus, &errs)

	g := p.Gate
	if g.MediumThreshold <= 0 || g.MediumThreshold > 1 || g.HighThreshold <= 0 || g.HighThreshold > 1 {
		errs = append(errs, ValidationError{Field: "pipeline.gate", Message: "thresholds must be in (0, 1]"})
	} else if g.MediumThreshold > g.HighThreshold {
		errs = append(errs, ValidationError{Field: "pipeline.gate.medium_threshold", Message: "must not exceed high_threshold"})
	}

	validateDuration("pipeline.locks.stale_after", p.Locks.StaleAfter, &errs)

	r := p.Retry
	if r.MaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "pipeline.retry.max_attempts", Message: "must be at least 1"})
	}
	if r.Multiplier < 1 {
		errs = append(errs, ValidationError{Field: "pipeline.retry.multiplier", Message: "must be at least 1"})
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, ValidationError{Field: "pipeline.retry.jitter", Message: "must be in [0, 1]"})
	}
	validateDuration("pipeline.retry.initial_backoff", r.InitialBackoff, &errs)
	validateDuration("pipeline.retry.max_backoff", r.MaxBackoff, &errs)

	return errs
}

func validateStages(p Pipeline, errs *ValidationErrors) {
	seen := make(map[string]bool)
	last := -1
	for i, s := range p.Stages {
		prefix := fmt.Sprintf("pipeline.stages[%d]", i)
		if s.ID == "" {
			*errs = append(*errs, ValidationError{Field: prefix + ".id", Message: "is required"})
			continue
		}
		// Configs may use any subset of the canonical stages, in order.
		st, err := pipeline.ParseStage(s.ID)
		if err != nil {
			*errs = append(*errs, ValidationError{Field: prefix + ".id", Message: err.Error()})
		} else if pos := pipeline.Position(st); pos <= last {
			*errs = append(*errs, ValidationError{Field: prefix + ".id", Message: fmt.Sprintf("stage %q is out of order", s.ID)})
		} else {
			last = pos
		}
		if seen[s.ID] {
			*errs = append(*errs, ValidationError{Field: prefix + ".id", Message: fmt.Sprintf("duplicate stage ID %q", s.ID)})
		}
		seen[s.ID] = true

		if s.Mode != ModeSequential && s.Mode != ModeParallel {
			*errs = append(*errs, ValidationError{Field: prefix + ".mode", Message: fmt.Sprintf("must be %q or %q", ModeSequential, ModeParallel)})
		}
		if len(s.Agents) == 0 {
			*errs = append(*errs, ValidationError{Field: prefix + ".agents", Message: "at least one agent is required"})
		}
		for _, a := range s.Agents {
			if _, ok := p.Agents[a]; !ok {
				*errs = append(*errs, ValidationError{Field: prefix + ".agents", Message: fmt.Sprintf("references undefined agent %q", a)})
			}
		}
		if n := s.MinSuccessCount(); n < 0 || n > len(s.Agents) {
			*errs = append(*errs, ValidationError{Field: prefix + ".min_success", Message: fmt.Sprintf("must be between 0 and %d", len(s.Agents))})
		}
		if s.Checkpoint != "" && !KnownCheckpoints[s.Checkpoint] {
			*errs = append(*errs, ValidationError{Field: prefix + ".checkpoint", Message: fmt.Sprintf("unknown checkpoint %q", s.Checkpoint)})
		}
		for _, g := range s.Guardrails {
			if _, ok := p.Checks[g]; !ok {
				*errs = append(*errs, ValidationError{Field: prefix + ".guardrails", Message: fmt.Sprintf("references undefined check %q", g)})
			}
		}
		if !magnitudes[s.Magnitude] {
			*errs = append(*errs, ValidationError{Field: prefix + ".magnitude", Message: fmt.Sprintf("unknown magnitude %q", s.Magnitude)})
		}
		if !resolvabilities[s.Resolvability] {
			*errs = append(*errs, ValidationError{Field: prefix + ".resolvability", Message: fmt.Sprintf("unknown resolvability %q", s.Resolvability)})
		}
		validateDuration(prefix+".timeout", s.Timeout, errs)
	}
}

func validateConsensus(c Consensus, errs *ValidationErrors) {
	tech, interact := c.Weights()
	if tech < 0 || tech > 1 {
		*errs = append(*errs, ValidationError{Field: "pipeline.consensus.w_tech", Message: "must be in [0, 1]"})
	}
	if interact < 0 || interact > 1 {
		*errs = append(*errs, ValidationError{Field: "pipeline.consensus.w_interact", Message: "must be in [0, 1]"})
	}
	if math.Abs(tech+interact-1) > weightTolerance {
		*errs = append(*errs, ValidationError{
			Field:   "pipeline.consensus",
			Message: fmt.Sprintf("w_tech + w_interact must equal 1, got %g", tech+interact),
		})
	}
	if c.TieEpsilon < 0 {
		*errs = append(*errs, ValidationError{Field: "pipeline.consensus.tie_epsilon", Message: "must not be negative"})
	}
	if c.ContradictionThreshold < 0 || c.ContradictionThreshold > 1 {
		*errs = append(*errs, ValidationError{Field: "pipeline.consensus.contradiction_threshold", Message: "must be in [0, 1]"})
	}
	if c.Preferences.MaxLength < 0 {
		*errs = append(*errs, ValidationError{Field: "pipeline.consensus.preferences.max_length", Message: "must not be negative"})
	}
}

func validateDuration(field, value string, errs *ValidationErrors) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err != nil || d <= 0 {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid duration %q", value)})
	}
}

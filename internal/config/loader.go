package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load.
const (
	DefaultTechWeight             = 0.7
	DefaultInteractWeight         = 0.3
	DefaultHighThreshold          = 0.80
	DefaultMediumThreshold        = 0.65
	DefaultTieEpsilon             = 1e-9
	DefaultContradictionThreshold = 0.35
	DefaultStaleAfter             = "30m"
	DefaultAgentTimeout           = "5m"
)

// Load reads, defaults and validates a pipeline configuration. A config that
// fails validation is rejected here, never at run time.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// LoadDefault searches for a pipeline config in standard locations and loads the
// first one found. Search order: ./pipeline.yaml, ~/.specpipe/pipeline.yaml
func LoadDefault() (*PipelineConfig, string, error) {
	candidates := []string{"pipeline.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".specpipe", "pipeline.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}

	return nil, "", fmt.Errorf("no pipeline config found (searched: %v)", candidates)
}

// applyDefaults fills pipeline-level defaults into stages and policy sections
// that don't set their own values.
func applyDefaults(cfg *PipelineConfig) {
	p := &cfg.Pipeline

	if p.Defaults.Mode == "" {
		p.Defaults.Mode = ModeParallel
	}
	if p.Defaults.Timeout == "" {
		p.Defaults.Timeout = DefaultAgentTimeout
	}

	for i := range p.Stages {
		s := &p.Stages[i]
		if s.Mode == "" {
			s.Mode = p.Defaults.Mode
		}
		if len(s.Agents) == 0 {
			s.Agents = p.Defaults.Agents
		}
		if s.MinSuccess == nil && p.Defaults.MinSuccess != nil {
			n := *p.Defaults.MinSuccess
			s.MinSuccess = &n
		}
		if s.MinSuccess == nil {
			n := s.MinSuccessCount()
			s.MinSuccess = &n
		}
		if s.Timeout == "" {
			s.Timeout = p.Defaults.Timeout
		}
	}

	c := &p.Consensus
	tech, interact := c.Weights()
	c.TechWeight, c.InteractWeight = &tech, &interact
	if c.TieEpsilon == 0 {
		c.TieEpsilon = DefaultTieEpsilon
	}
	if c.ContradictionThreshold == 0 {
		c.ContradictionThreshold = DefaultContradictionThreshold
	}

	if p.Gate.HighThreshold == 0 {
		p.Gate.HighThreshold = DefaultHighThreshold
	}
	if p.Gate.MediumThreshold == 0 {
		p.Gate.MediumThreshold = DefaultMediumThreshold
	}
	if p.Locks.StaleAfter == "" {
		p.Locks.StaleAfter = DefaultStaleAfter
	}

	r := &p.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.InitialBackoff == "" {
		r.InitialBackoff = "100ms"
	}
	if r.MaxBackoff == "" {
		r.MaxBackoff = "10s"
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2.0
	}
	if r.Jitter == 0 {
		r.Jitter = 0.5
	}
}

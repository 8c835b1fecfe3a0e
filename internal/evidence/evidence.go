// Package evidence writes append-only summaries of runs and decisions.
// Evidence is fire-and-forget from the pipeline's point of view: a sink
// failure is logged and never stops a stage.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Record kinds.
const (
	KindRun       = "run"
	KindDecision  = "decision"
	KindGuardrail = "guardrail"
	KindEvent     = "event"
)

// Record is one evidence entry.
type Record struct {
	Kind      string          `json:"kind"`
	WorkItem  string          `json:"work_item"`
	Stage     string          `json:"stage"`
	RunID     string          `json:"run_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewRecord marshals payload into a Record stamped with the current time.
func NewRecord(kind, workItem, stage, runID string, payload any) (Record, error) {
	r := Record{Kind: kind, WorkItem: workItem, Stage: stage, RunID: runID, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Record{}, err
		}
		r.Payload = data
	}
	return r, nil
}

// Sink accepts evidence records.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// MultiSink writes every record to each sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards records.
type Nop struct{}

func (Nop) Write(context.Context, Record) error { return nil }

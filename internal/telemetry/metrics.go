// Package telemetry exposes OpenTelemetry instruments for pipeline activity.
// Instruments come from the global meter provider unless one is supplied;
// the host process decides where measurements are exported.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/theturtlecsz/code-sub000/pipeline"

// Metrics holds the pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	runs          metric.Int64Counter
	agentFailures metric.Int64Counter
	gateDecisions metric.Int64Counter
	reclaimed     metric.Int64Counter
	stageDuration metric.Float64Histogram
}

// New creates the instruments on mp, or on the global provider when mp is nil.
func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var m Metrics
	var err error
	if m.runs, err = meter.Int64Counter("specpipe.runs",
		metric.WithDescription("Consensus runs committed, by stage, outcome and status")); err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}
	if m.agentFailures, err = meter.Int64Counter("specpipe.agent.failures",
		metric.WithDescription("Agent slots that timed out or failed")); err != nil {
		return nil, fmt.Errorf("create agent failures counter: %w", err)
	}
	if m.gateDecisions, err = meter.Int64Counter("specpipe.gate.decisions",
		metric.WithDescription("Quality gate decisions, by checkpoint and verdict")); err != nil {
		return nil, fmt.Errorf("create gate counter: %w", err)
	}
	if m.reclaimed, err = meter.Int64Counter("specpipe.storage.reclaimed",
		metric.WithDescription("Bytes reclaimed by incremental vacuum"),
		metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("create reclaimed counter: %w", err)
	}
	if m.stageDuration, err = meter.Float64Histogram("specpipe.stage.duration",
		metric.WithDescription("Wall time of a stage run from lock to commit"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	return &m, nil
}

// RecordRun counts a committed run and its duration.
func (m *Metrics) RecordRun(ctx context.Context, stage, outcome, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
		attribute.String("status", status),
	)
	m.runs.Add(ctx, 1, attrs)
	m.stageDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordAgentFailure counts one failed agent slot.
func (m *Metrics) RecordAgentFailure(ctx context.Context, stage, agent, reason string) {
	if m == nil {
		return
	}
	m.agentFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("agent", agent),
		attribute.String("reason", reason),
	))
}

// RecordGate counts one gate decision.
func (m *Metrics) RecordGate(ctx context.Context, checkpoint, verdict string) {
	if m == nil {
		return
	}
	m.gateDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("checkpoint", checkpoint),
		attribute.String("verdict", verdict),
	))
}

// RecordVacuum adds reclaimed bytes.
func (m *Metrics) RecordVacuum(ctx context.Context, bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.reclaimed.Add(ctx, bytes)
}

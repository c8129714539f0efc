// Package telemetry holds the engine's metric instruments. Initialize once
// at startup and reuse; instruments are no-ops until an SDK meter provider
// is installed.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics holds metric instruments for step and session activity.
type EngineMetrics struct {
	StepCounter      metric.Int64Counter     // Total step executions
	StepDuration     metric.Float64Histogram // Step execution latency
	SessionChecks    metric.Int64Counter     // Total session verifications
	SessionsIssued   metric.Int64Counter     // Total sessions created
	CleanupRowsSwept metric.Int64Counter     // Rows removed by cleanup tasks
}

// NewEngineMetrics creates the instrument set under the reauth/engine meter.
func NewEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter("reauth/engine")

	stepCounter, err := meter.Int64Counter(
		"auth.step.count",
		metric.WithDescription("Total number of executed auth steps"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram(
		"auth.step.duration",
		metric.WithDescription("Auth step execution duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return nil, err
	}

	sessionChecks, err := meter.Int64Counter(
		"auth.session.check.count",
		metric.WithDescription("Total number of session verifications"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, err
	}

	sessionsIssued, err := meter.Int64Counter(
		"auth.session.issued.count",
		metric.WithDescription("Total number of sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	cleanupRows, err := meter.Int64Counter(
		"auth.cleanup.rows.count",
		metric.WithDescription("Rows removed by cleanup tasks"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		StepCounter:      stepCounter,
		StepDuration:     stepDuration,
		SessionChecks:    sessionChecks,
		SessionsIssued:   sessionsIssued,
		CleanupRowsSwept: cleanupRows,
	}, nil
}

// RecordStep records one step execution with its outcome and latency.
func (m *EngineMetrics) RecordStep(ctx context.Context, plugin, step string, success bool, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("auth.plugin", plugin),
		attribute.String("auth.step", step),
		attribute.Bool("auth.success", success),
	)
	m.StepCounter.Add(ctx, 1, attrs)
	m.StepDuration.Record(ctx, durationMs, attrs)
}

// RecordSessionCheck records one session verification.
func (m *EngineMetrics) RecordSessionCheck(ctx context.Context, valid bool) {
	if m == nil {
		return
	}
	m.SessionChecks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("auth.valid", valid)))
}

// RecordSessionIssued records one session creation.
func (m *EngineMetrics) RecordSessionIssued(ctx context.Context, subjectType string) {
	if m == nil {
		return
	}
	m.SessionsIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("auth.subject_type", subjectType)))
}

// RecordCleanup records rows swept by a named cleanup task.
func (m *EngineMetrics) RecordCleanup(ctx context.Context, task string, rows int64) {
	if m == nil {
		return
	}
	m.CleanupRowsSwept.Add(ctx, rows, metric.WithAttributes(attribute.String("auth.cleanup.task", task)))
}

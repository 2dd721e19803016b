// Package telemetry owns the OpenTelemetry instruments recorded by the
// pipeline, the council and the notification dispatcher.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "sopforge/backend"

// Metrics groups the service instruments. A nil *Metrics records nothing.
type Metrics struct {
	stageOutcomes   metric.Int64Counter
	aiDuration      metric.Float64Histogram
	councilVerdicts metric.Int64Counter
	notifications   metric.Int64Counter
}

// New creates the instruments on the global meter provider.
func New() (*Metrics, error) {
	return NewWithProvider(otel.GetMeterProvider())
}

// NewWithProvider creates the instruments on provider.
func NewWithProvider(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	stageOutcomes, err := meter.Int64Counter("pipeline.stage.outcomes",
		metric.WithDescription("Stage attempts by stage and outcome"))
	if err != nil {
		return nil, err
	}
	aiDuration, err := meter.Float64Histogram("ai.invocation.duration",
		metric.WithDescription("Duration of AI capability invocations"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	councilVerdicts, err := meter.Int64Counter("council.verdicts",
		metric.WithDescription("Council requests decided by status"))
	if err != nil {
		return nil, err
	}
	notifications, err := meter.Int64Counter("notifications.dispatched",
		metric.WithDescription("Notifications delivered by type and result"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		stageOutcomes:   stageOutcomes,
		aiDuration:      aiDuration,
		councilVerdicts: councilVerdicts,
		notifications:   notifications,
	}, nil
}

// StageOutcome counts one stage attempt.
func (m *Metrics) StageOutcome(ctx context.Context, stage, outcome string, degraded bool) {
	if m == nil {
		return
	}
	m.stageOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
		attribute.Bool("degraded", degraded),
	))
}

// AIInvocation records the duration of one AI call. kind is empty on success.
func (m *Metrics) AIInvocation(ctx context.Context, model string, elapsed time.Duration, kind string) {
	if m == nil {
		return
	}
	result := "ok"
	if kind != "" {
		result = kind
	}
	m.aiDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("result", result),
	))
}

// CouncilVerdict counts one decided request.
func (m *Metrics) CouncilVerdict(ctx context.Context, status string, byDeadline bool) {
	if m == nil {
		return
	}
	m.councilVerdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("deadline", byDeadline),
	))
}

// NotificationsDispatched counts delivered notifications.
func (m *Metrics) NotificationsDispatched(ctx context.Context, eventType string, count int, failed bool) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.Bool("failed", failed),
	))
}

package service

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dushixiang/aegis"

// Metrics 共识与决策指标，未配置 MeterProvider 时为空操作
type Metrics struct {
	rounds           metric.Int64Counter
	consensusLatency metric.Float64Histogram
	decisions        metric.Int64Counter
	nodeOutcomes     metric.Int64Counter
	blacklisted      metric.Int64Counter
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	rounds, err := meter.Int64Counter("aegis.quorum.rounds",
		metric.WithDescription("Quorum rounds by final status"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("aegis.quorum.consensus_latency",
		metric.WithDescription("Time from dispatch to quorum or round end"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	decisions, err := meter.Int64Counter("aegis.decisions",
		metric.WithDescription("Decisions by terminal status and reason"))
	if err != nil {
		return nil, err
	}
	outcomes, err := meter.Int64Counter("aegis.reliability.outcomes",
		metric.WithDescription("Recorded reliability outcomes"))
	if err != nil {
		return nil, err
	}
	blacklisted, err := meter.Int64Counter("aegis.providers.blacklisted",
		metric.WithDescription("Providers blacklisted by the reliability ledger"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		rounds:           rounds,
		consensusLatency: latency,
		decisions:        decisions,
		nodeOutcomes:     outcomes,
		blacklisted:      blacklisted,
	}, nil
}

func (m *Metrics) RecordRound(ctx context.Context, status string, latencyMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.rounds.Add(ctx, 1, attrs)
	m.consensusLatency.Record(ctx, latencyMs, attrs)
}

func (m *Metrics) RecordDecision(ctx context.Context, status, reason string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordOutcome(ctx context.Context, kind EntityKind, success bool) {
	if m == nil {
		return
	}
	m.nodeOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("success", success),
	))
}

func (m *Metrics) RecordBlacklisted(ctx context.Context) {
	if m == nil {
		return
	}
	m.blacklisted.Add(ctx, 1)
}

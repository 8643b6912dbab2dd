package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// Compile-time check that CycleMetrics implements outbound.CycleMetrics
var _ outbound.CycleMetrics = (*CycleMetrics)(nil)

// CycleMetrics records per-cycle metrics using OpenTelemetry. Every series
// carries a "protocol" attribute with the instance name.
type CycleMetrics struct {
	cycleDuration metric.Float64Histogram
	cycles        metric.Int64Counter
	badDebt       metric.Float64Gauge
	tvl           metric.Float64Gauge
	accounts      metric.Int64Gauge
}

// NewCycleMetrics creates a recorder on the global meter provider.
func NewCycleMetrics(meterName string) (*CycleMetrics, error) {
	return NewCycleMetricsWithProvider(otel.GetMeterProvider(), meterName)
}

// NewCycleMetricsWithProvider creates a recorder on provider.
func NewCycleMetricsWithProvider(provider metric.MeterProvider, meterName string) (*CycleMetrics, error) {
	meter := provider.Meter(meterName)

	duration, err := meter.Float64Histogram(
		"baddebt.cycle.duration",
		metric.WithDescription("Time taken by one update cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create baddebt.cycle.duration histogram: %w", err)
	}

	cycles, err := meter.Int64Counter(
		"baddebt.cycle.count",
		metric.WithDescription("Total number of update cycles by final status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create baddebt.cycle.count counter: %w", err)
	}

	badDebt, err := meter.Float64Gauge(
		"baddebt.total",
		metric.WithDescription("Total bad debt of the last published report"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create baddebt.total gauge: %w", err)
	}

	tvl, err := meter.Float64Gauge(
		"baddebt.tvl",
		metric.WithDescription("Net value locked of the last published report"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create baddebt.tvl gauge: %w", err)
	}

	accounts, err := meter.Int64Gauge(
		"baddebt.accounts",
		metric.WithDescription("Accounts valued in the last cycle"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create baddebt.accounts gauge: %w", err)
	}

	return &CycleMetrics{
		cycleDuration: duration,
		cycles:        cycles,
		badDebt:       badDebt,
		tvl:           tvl,
		accounts:      accounts,
	}, nil
}

// RecordCycle records the duration and outcome of one cycle.
func (m *CycleMetrics) RecordCycle(ctx context.Context, name string, status entity.CycleStatus, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("protocol", name),
		attribute.String("status", string(status)),
	)
	m.cycleDuration.Record(ctx, duration.Seconds(), attrs)
	m.cycles.Add(ctx, 1, attrs)
}

// RecordReport records the headline numbers of a published report.
func (m *CycleMetrics) RecordReport(ctx context.Context, name string, badDebtUSD, tvlUSD float64, accounts int) {
	attrs := metric.WithAttributes(attribute.String("protocol", name))
	m.badDebt.Record(ctx, badDebtUSD, attrs)
	m.tvl.Record(ctx, tvlUSD, attrs)
	m.accounts.Record(ctx, int64(accounts), attrs)
}

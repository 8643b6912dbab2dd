package outbound

import (
	"context"
	"time"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
)

// ReportPublisher pushes a finished report under a per-protocol artifact
// name, replacing the previous artifact.
type ReportPublisher interface {
	Publish(ctx context.Context, name string, report *entity.Report) error
}

// MonitoringSink records one heartbeat event per cycle boundary.
type MonitoringSink interface {
	Record(ctx context.Context, event entity.MonitoringEvent) error
}

// CycleMetrics records cycle-level metrics.
type CycleMetrics interface {
	RecordCycle(ctx context.Context, name string, status entity.CycleStatus, duration time.Duration)
	RecordReport(ctx context.Context, name string, badDebtUSD, tvlUSD float64, accounts int)
}

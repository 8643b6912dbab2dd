// Package logsink records monitoring events as structured log lines.
package logsink

import (
	"context"
	"log/slog"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

var _ outbound.MonitoringSink = (*MonitoringSink)(nil)

// MonitoringSink logs each event at info level, or error level for failed
// cycles.
type MonitoringSink struct {
	logger *slog.Logger
}

func NewMonitoringSink(logger *slog.Logger) *MonitoringSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MonitoringSink{logger: logger.With("component", "monitoring")}
}

func (s *MonitoringSink) Record(ctx context.Context, event entity.MonitoringEvent) error {
	level := slog.LevelInfo
	if event.Status == entity.CycleStatusError {
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("name", event.Name),
		slog.String("type", entity.MonitoringType),
		slog.String("status", string(event.Status)),
		slog.Int64("runEvery", event.RunEvery),
	}
	if event.LastStart != 0 {
		attrs = append(attrs, slog.Int64("lastStart", event.LastStart))
	}
	if event.LastEnd != 0 {
		attrs = append(attrs,
			slog.Int64("lastEnd", event.LastEnd),
			slog.Int64("lastDuration", event.LastDuration))
	}
	if event.LastBlockFetched != 0 {
		attrs = append(attrs, slog.Uint64("lastBlockFetched", event.LastBlockFetched))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}

	s.logger.LogAttrs(ctx, level, "monitoring event", attrs...)
	return nil
}

package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
)

func TestRecord(t *testing.T) {
	tests := []struct {
		name      string
		event     entity.MonitoringEvent
		wantLevel string
		wantKeys  []string
		noKeys    []string
	}{
		{
			name:      "running",
			event:     entity.MonitoringEvent{Name: "Venus", Status: entity.CycleStatusRunning, LastStart: 100, RunEvery: 30},
			wantLevel: "INFO",
			wantKeys:  []string{"lastStart", "runEvery"},
			noKeys:    []string{"lastEnd", "error"},
		},
		{
			name: "success",
			event: entity.MonitoringEvent{
				Name: "Venus", Status: entity.CycleStatusSuccess,
				LastStart: 100, LastEnd: 160, LastDuration: 60, LastBlockFetched: 42, RunEvery: 30,
			},
			wantLevel: "INFO",
			wantKeys:  []string{"lastEnd", "lastDuration", "lastBlockFetched"},
			noKeys:    []string{"error"},
		},
		{
			name:      "error",
			event:     entity.MonitoringEvent{Name: "Venus", Status: entity.CycleStatusError, Error: "rpc down", RunEvery: 30},
			wantLevel: "ERROR",
			wantKeys:  []string{"error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			sink := NewMonitoringSink(slog.New(slog.NewJSONHandler(&buf, nil)))

			if err := sink.Record(context.Background(), tt.event); err != nil {
				t.Fatalf("Record: %v", err)
			}

			var line map[string]any
			if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
				t.Fatalf("log line is not JSON: %v", err)
			}
			if line["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", line["level"], tt.wantLevel)
			}
			if line["type"] != entity.MonitoringType || line["status"] != string(tt.event.Status) {
				t.Errorf("line = %v", line)
			}
			for _, k := range tt.wantKeys {
				if _, ok := line[k]; !ok {
					t.Errorf("missing key %s", k)
				}
			}
			for _, k := range tt.noKeys {
				if _, ok := line[k]; ok {
					t.Errorf("unexpected key %s", k)
				}
			}
		})
	}
}

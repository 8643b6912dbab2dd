package postgres

import (
	"testing"
	"time"
)

func TestDefaultDBConfig(t *testing.T) {
	cfg := DefaultDBConfig("postgres://localhost/baddebt")
	if cfg.URL != "postgres://localhost/baddebt" {
		t.Errorf("URL = %s", cfg.URL)
	}
	if cfg.MaxConns != 4 || cfg.MinConns != 1 {
		t.Errorf("conns = %d/%d", cfg.MaxConns, cfg.MinConns)
	}
	if cfg.MaxConnLifetime != 5*time.Minute {
		t.Errorf("MaxConnLifetime = %v", cfg.MaxConnLifetime)
	}
}

func TestConstructors_RejectNilPool(t *testing.T) {
	if _, err := NewCheckpointStore(nil, nil); err == nil {
		t.Error("NewCheckpointStore: expected error for nil pool")
	}
	if _, err := NewReportRepository(nil, nil); err == nil {
		t.Error("NewReportRepository: expected error for nil pool")
	}
}

package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

func TestCheckpointStore_IsolatesStoredState(t *testing.T) {
	ctx := context.Background()
	store := NewCheckpointStore()

	if _, err := store.Load(ctx, "compound"); !errors.Is(err, outbound.ErrCheckpointNotFound) {
		t.Fatalf("expected ErrCheckpointNotFound, got %v", err)
	}

	cp := entity.NewCheckpoint(100, []string{"0xA"})
	if err := store.Save(ctx, "compound", cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// mutating the saved value must not leak into the store
	cp.Merge([]string{"0xB"})

	loaded, err := store.Load(ctx, "compound")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.LastBlockFetched != 100 || loaded.Len() != 1 {
		t.Errorf("loaded = %d/%v", loaded.LastBlockFetched, loaded.Accounts())
	}

	store.SaveErr = errors.New("disk full")
	if err := store.Save(ctx, "compound", entity.NewCheckpoint(200, nil)); err == nil {
		t.Error("expected save error")
	}
	if store.Saves() != 1 {
		t.Errorf("expected 1 save, got %d", store.Saves())
	}
}

func TestReportPublisher_KeepsLatest(t *testing.T) {
	ctx := context.Background()
	p := NewReportPublisher()

	_ = p.Publish(ctx, "venus", &entity.Report{Total: "1"})
	_ = p.Publish(ctx, "venus", &entity.Report{Total: "2"})

	r, ok := p.Latest("venus")
	if !ok || r.Total != "2" {
		t.Errorf("latest = %+v, %v", r, ok)
	}
	if p.Published() != 2 {
		t.Errorf("expected 2 publishes, got %d", p.Published())
	}
}

func TestMonitoringSink_RecordsInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMonitoringSink()

	var seen int
	s.SetOnRecord(func(entity.MonitoringEvent) { seen++ })

	_ = s.Record(ctx, entity.MonitoringEvent{Status: entity.CycleStatusRunning})
	_ = s.Record(ctx, entity.MonitoringEvent{Status: entity.CycleStatusSuccess})

	statuses := s.Statuses()
	if len(statuses) != 2 || statuses[0] != entity.CycleStatusRunning || statuses[1] != entity.CycleStatusSuccess {
		t.Errorf("statuses = %v", statuses)
	}
	if seen != 2 {
		t.Errorf("expected callback twice, got %d", seen)
	}
}

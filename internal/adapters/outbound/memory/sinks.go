// sinks.go provides in-memory implementations of ReportPublisher and
// MonitoringSink.
//
// They record everything they receive for inspection in tests and hold the
// last report in single-shot mode. All operations are thread-safe.
package memory

import (
	"context"
	"sync"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

var (
	_ outbound.ReportPublisher = (*ReportPublisher)(nil)
	_ outbound.MonitoringSink  = (*MonitoringSink)(nil)
)

// ReportPublisher keeps the latest report per artifact name.
type ReportPublisher struct {
	mu        sync.RWMutex
	reports   map[string]*entity.Report
	published int

	// PublishErr, when set, fails every Publish.
	PublishErr error
}

// NewReportPublisher creates an empty publisher.
func NewReportPublisher() *ReportPublisher {
	return &ReportPublisher{reports: make(map[string]*entity.Report)}
}

// Publish replaces the stored report for name.
func (p *ReportPublisher) Publish(ctx context.Context, name string, report *entity.Report) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PublishErr != nil {
		return p.PublishErr
	}
	p.reports[name] = report
	p.published++
	return nil
}

// Latest returns the last report published under name.
func (p *ReportPublisher) Latest(name string) (*entity.Report, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.reports[name]
	return r, ok
}

// Published returns how many reports were accepted.
func (p *ReportPublisher) Published() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.published
}

// MonitoringSink stores every event it receives.
type MonitoringSink struct {
	mu     sync.RWMutex
	events []entity.MonitoringEvent

	onRecord func(entity.MonitoringEvent)
}

// NewMonitoringSink creates an empty sink.
func NewMonitoringSink() *MonitoringSink {
	return &MonitoringSink{events: make([]entity.MonitoringEvent, 0)}
}

// Record stores the event.
func (s *MonitoringSink) Record(ctx context.Context, event entity.MonitoringEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	cb := s.onRecord
	s.mu.Unlock()

	if cb != nil {
		cb(event)
	}
	return nil
}

// Events returns a copy of every recorded event.
func (s *MonitoringSink) Events() []entity.MonitoringEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.MonitoringEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Statuses returns the status of every recorded event in order.
func (s *MonitoringSink) Statuses() []entity.CycleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.CycleStatus, len(s.events))
	for i, e := range s.events {
		out[i] = e.Status
	}
	return out
}

// SetOnRecord registers a callback invoked after each event is stored.
func (s *MonitoringSink) SetOnRecord(fn func(entity.MonitoringEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRecord = fn
}

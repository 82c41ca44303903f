// Package memory provides an in-memory result sink for dev mode and tests.
// Production deployments plug their own downstream sink in.
package memory

import (
	"context"
	"sync"
)

// PageRecord is one accepted-page entry kept by the sink.
type PageRecord struct {
	TargetID string
	Page     int
	Accepted int
}

// Sink accumulates accepted-result counters per target page.
type Sink struct {
	mu      sync.Mutex
	records []PageRecord
}

// New constructs an empty Sink.
func New() *Sink {
	return &Sink{}
}

// Put records one page's accepted count.
func (s *Sink) Put(_ context.Context, targetID string, page, accepted int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, PageRecord{TargetID: targetID, Page: page, Accepted: accepted})
	return nil
}

// Records returns a copy of everything recorded so far.
func (s *Sink) Records() []PageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PageRecord, len(s.records))
	copy(out, s.records)
	return out
}

// TotalAccepted sums accepted counts for a target.
func (s *Sink) TotalAccepted(targetID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, r := range s.records {
		if r.TargetID == targetID {
			total += r.Accepted
		}
	}
	return total
}

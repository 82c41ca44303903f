// Package memory provides in-memory store implementations for development
// and testing. Semantics mirror the Postgres stores, including the
// conditional-update claim behavior.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/localatlas/crawlops/internal/dispatch"
)

// TargetStore keeps crawl targets in a mutex-guarded map.
type TargetStore struct {
	mu      sync.RWMutex
	targets map[string]dispatch.CrawlTarget
}

// NewTargetStore constructs an empty TargetStore.
func NewTargetStore() *TargetStore {
	return &TargetStore{targets: make(map[string]dispatch.CrawlTarget)}
}

type cellKey struct {
	country, region, city, category, provider string
}

func keyOf(t dispatch.CrawlTarget) cellKey {
	return cellKey{t.Country, t.Region, t.City, t.Category, t.Provider}
}

// Seed upserts targets on the geography/category/provider key.
func (s *TargetStore) Seed(_ context.Context, targets []dispatch.CrawlTarget) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := make(map[cellKey]string, len(s.targets))
	for id, t := range s.targets {
		existing[keyOf(t)] = id
	}
	created := 0
	for _, t := range targets {
		if id, ok := existing[keyOf(t)]; ok {
			cur := s.targets[id]
			cur.MaxResults = t.MaxResults
			cur.Priority = t.Priority
			cur.UpdatedAt = t.CreatedAt
			s.targets[id] = cur
			continue
		}
		t.Status = dispatch.StatusPlanned
		t.UpdatedAt = t.CreatedAt
		s.targets[t.ID] = t
		existing[keyOf(t)] = t.ID
		created++
	}
	return created, nil
}

// SelectNextPlanned returns the highest-priority PLANNED target matching the
// filters, ties broken by oldest last attempt.
func (s *TargetStore) SelectNextPlanned(_ context.Context, f dispatch.TargetFilters) (dispatch.CrawlTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []dispatch.CrawlTarget
	for _, t := range s.targets {
		if t.Status != dispatch.StatusPlanned {
			continue
		}
		if f.Provider != "" && t.Provider != f.Provider {
			continue
		}
		if f.Country != "" && t.Country != f.Country {
			continue
		}
		if f.Category != "" && t.Category != f.Category {
			continue
		}
		if t.Priority < f.MinPriority {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return dispatch.CrawlTarget{}, dispatch.ErrNoEligibleTarget
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		switch {
		case a.LastAttempt == nil && b.LastAttempt != nil:
			return true
		case a.LastAttempt != nil && b.LastAttempt == nil:
			return false
		case a.LastAttempt != nil && b.LastAttempt != nil && !a.LastAttempt.Equal(*b.LastAttempt):
			return a.LastAttempt.Before(*b.LastAttempt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return candidates[0], nil
}

// Claim performs the PLANNED -> IN_PROGRESS compare-and-set.
func (s *TargetStore) Claim(_ context.Context, targetID, workerID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok || t.Status != dispatch.StatusPlanned || t.ClaimedBy != "" {
		return false, nil
	}
	t.Status = dispatch.StatusInProgress
	t.ClaimedBy = workerID
	t.ClaimedAt = &now
	t.HeartbeatAt = &now
	t.LastAttempt = &now
	t.UpdatedAt = now
	s.targets[targetID] = t
	return true, nil
}

// Renew refreshes heartbeat and cursor; false when the claim was lost.
func (s *TargetStore) Renew(_ context.Context, targetID, workerID string, cursor dispatch.ResumeCursor, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok || t.Status != dispatch.StatusInProgress || t.ClaimedBy != workerID {
		return false, nil
	}
	t.HeartbeatAt = &now
	t.Cursor = cursor
	t.UpdatedAt = now
	s.targets[targetID] = t
	return true, nil
}

// Release clears the claim and records the outcome.
func (s *TargetStore) Release(_ context.Context, targetID, workerID string, status dispatch.TargetStatus, stats dispatch.ReleaseStats, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok || t.Status != dispatch.StatusInProgress || t.ClaimedBy != workerID {
		return false, nil
	}
	t.Status = status
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	t.HeartbeatAt = nil
	if status != dispatch.StatusDone {
		t.Attempts++
	}
	t.LastError = stats.Reason
	t.ResultsFound += stats.ResultsFound
	t.ResultsSaved += stats.ResultsSaved
	t.Cursor = stats.Cursor
	if status.Terminal() {
		t.FinishedAt = &now
	}
	t.UpdatedAt = now
	s.targets[targetID] = t
	return true, nil
}

// SelectOrphans lists IN_PROGRESS targets with heartbeats older than cutoff.
func (s *TargetStore) SelectOrphans(_ context.Context, cutoff time.Time) ([]dispatch.CrawlTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dispatch.CrawlTarget
	for _, t := range s.targets {
		if t.Status == dispatch.StatusInProgress && t.HeartbeatAt != nil && t.HeartbeatAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].HeartbeatAt.Before(*out[j].HeartbeatAt)
	})
	return out, nil
}

// ResetOrphan returns a stale claim to PLANNED, guarded by the heartbeat
// value observed at selection time.
func (s *TargetStore) ResetOrphan(_ context.Context, targetID string, observedHeartbeat time.Time, note string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok || t.Status != dispatch.StatusInProgress || t.HeartbeatAt == nil || !t.HeartbeatAt.Equal(observedHeartbeat) {
		return false, nil
	}
	t.Status = dispatch.StatusPlanned
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	t.HeartbeatAt = nil
	t.LastError = note
	t.UpdatedAt = now
	s.targets[targetID] = t
	return true, nil
}

// SelectRetryable lists FAILED targets under the attempts ceiling.
func (s *TargetStore) SelectRetryable(_ context.Context, maxAttempts int) ([]dispatch.CrawlTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dispatch.CrawlTarget
	for _, t := range s.targets {
		if t.Status == dispatch.StatusFailed && t.Attempts <= maxAttempts {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// Requeue moves a FAILED target back to PLANNED.
func (s *TargetStore) Requeue(_ context.Context, targetID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok || t.Status != dispatch.StatusFailed {
		return false, nil
	}
	t.Status = dispatch.StatusPlanned
	t.UpdatedAt = now
	s.targets[targetID] = t
	return true, nil
}

// Get fetches a target by id.
func (s *TargetStore) Get(_ context.Context, targetID string) (dispatch.CrawlTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[targetID]
	if !ok {
		return dispatch.CrawlTarget{}, dispatch.ErrTargetNotFound
	}
	return t, nil
}

// CountByStatus returns target counts keyed by status.
func (s *TargetStore) CountByStatus(_ context.Context) (dispatch.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := dispatch.StatusCounts{}
	for _, t := range s.targets {
		counts[t.Status]++
	}
	return counts, nil
}

// Put inserts or replaces a target verbatim; test seam for arranging states
// the public API cannot reach directly.
func (s *TargetStore) Put(t dispatch.CrawlTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.ID] = t
}

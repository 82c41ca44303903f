package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/localatlas/crawlops/internal/dispatch"
)

// HeartbeatStore keeps worker rows in memory.
type HeartbeatStore struct {
	mu      sync.RWMutex
	workers map[string]dispatch.WorkerHeartbeat
}

// NewHeartbeatStore constructs an empty HeartbeatStore.
func NewHeartbeatStore() *HeartbeatStore {
	return &HeartbeatStore{workers: make(map[string]dispatch.WorkerHeartbeat)}
}

// Upsert inserts or refreshes a worker row.
func (s *HeartbeatStore) Upsert(_ context.Context, hb dispatch.WorkerHeartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[hb.WorkerName] = hb
	return nil
}

// Get fetches a worker row by name.
func (s *HeartbeatStore) Get(_ context.Context, workerName string) (dispatch.WorkerHeartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hb, ok := s.workers[workerName]
	if !ok {
		return dispatch.WorkerHeartbeat{}, dispatch.ErrWorkerNotFound
	}
	return hb, nil
}

// ListActive returns workers not marked stopped.
func (s *HeartbeatStore) ListActive(_ context.Context) ([]dispatch.WorkerHeartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dispatch.WorkerHeartbeat
	for _, hb := range s.workers {
		if hb.Status != dispatch.WorkerStopped {
			out = append(out, hb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerName < out[j].WorkerName })
	return out, nil
}

// MarkStatus flips the worker status, leaving last_heartbeat untouched.
func (s *HeartbeatStore) MarkStatus(_ context.Context, workerName string, status dispatch.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb, ok := s.workers[workerName]
	if !ok {
		return dispatch.ErrWorkerNotFound
	}
	hb.Status = status
	s.workers[workerName] = hb
	return nil
}

// RunStore keeps execution logs and job stats in memory.
type RunStore struct {
	mu    sync.RWMutex
	runs  []dispatch.ExecutionLog
	stats map[string]dispatch.JobStats
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{stats: make(map[string]dispatch.JobStats)}
}

// Append records one run.
func (s *RunStore) Append(_ context.Context, log dispatch.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, log)
	return nil
}

// Recent returns the latest runs, newest first.
func (s *RunStore) Recent(_ context.Context, limit int) ([]dispatch.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	out := make([]dispatch.ExecutionLog, len(s.runs))
	copy(out, s.runs)
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateJobStats bumps cumulative counters for the job.
func (s *RunStore) UpdateJobStats(_ context.Context, jobName string, succeeded bool, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats[jobName]
	stats.JobName = jobName
	stats.TotalRuns++
	if succeeded {
		stats.SuccessRuns++
	} else {
		stats.FailedRuns++
	}
	stats.LastRunAt = &runAt
	s.stats[jobName] = stats
	return nil
}

// GetJobStats returns cumulative counters; zero-value when never run.
func (s *RunStore) GetJobStats(_ context.Context, jobName string) (dispatch.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.stats[jobName]
	if !ok {
		return dispatch.JobStats{JobName: jobName}, nil
	}
	return stats, nil
}

// HealingStore keeps healing events in memory.
type HealingStore struct {
	mu     sync.RWMutex
	events []dispatch.HealingEvent
}

// NewHealingStore constructs an empty HealingStore.
func NewHealingStore() *HealingStore {
	return &HealingStore{}
}

// Append records one healing event.
func (s *HealingStore) Append(_ context.Context, ev dispatch.HealingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Recent returns the latest events, newest first.
func (s *HealingStore) Recent(_ context.Context, limit int) ([]dispatch.HealingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	out := make([]dispatch.HealingEvent, len(s.events))
	copy(out, s.events)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LastForTarget returns the newest event for a target within the window.
func (s *HealingStore) LastForTarget(_ context.Context, target string, since time.Time) (dispatch.HealingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *dispatch.HealingEvent
	for i := range s.events {
		ev := s.events[i]
		if ev.Target != target || ev.CreatedAt.Before(since) {
			continue
		}
		if found == nil || ev.CreatedAt.After(found.CreatedAt) {
			found = &ev
		}
	}
	if found == nil {
		return dispatch.HealingEvent{}, dispatch.ErrNoHealingEvent
	}
	return *found, nil
}

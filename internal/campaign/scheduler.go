// Package campaign runs scheduled crawl jobs with single-flight protection
// and a durable execution log.
package campaign

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/localatlas/crawlops/internal/dispatch"
	"github.com/localatlas/crawlops/internal/metrics"
	"github.com/localatlas/crawlops/internal/sweep"
)

// topNReasons bounds the error summary persisted per run.
const topNReasons = 5

// RunContext accumulates counters while a campaign body executes. It is safe
// for concurrent use by the body's workers.
type RunContext struct {
	mu               sync.Mutex
	targetsProcessed int
	itemsFound       int
	itemsSaved       int
	reasons          map[string]int
	healthVerdict    string
	stopped          bool
}

// RecordTarget adds one processed target with its item counters.
func (rc *RunContext) RecordTarget(found, saved int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.targetsProcessed++
	rc.itemsFound += found
	rc.itemsSaved += saved
}

// RecordError counts one failure under its short reason code.
func (rc *RunContext) RecordError(reason string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.reasons == nil {
		rc.reasons = make(map[string]int)
	}
	rc.reasons[reason]++
}

// SetHealthVerdict records a dry-run verdict. Only probe bodies set it;
// normal crawl runs leave the execution log's verdict column empty.
func (rc *RunContext) SetHealthVerdict(verdict string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.healthVerdict = verdict
}

func (rc *RunContext) verdict() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.healthVerdict
}

// Stop requests a graceful end of the run. The body's workers observe it
// between targets via Stopped.
func (rc *RunContext) Stop() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.stopped = true
}

// Stopped reports whether a stop was requested.
func (rc *RunContext) Stopped() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stopped
}

// errorSummary reduces the reason counts to the top-N, ties broken by reason
// string for a stable order.
func (rc *RunContext) errorSummary() []dispatch.ReasonCount {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.reasons) == 0 {
		return nil
	}
	out := make([]dispatch.ReasonCount, 0, len(rc.reasons))
	for reason, count := range rc.reasons {
		out = append(out, dispatch.ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > topNReasons {
		out = out[:topNReasons]
	}
	return out
}

// Body is the work a campaign performs between the sweep and the log append.
type Body func(ctx context.Context, rc *RunContext) error

// Scheduler serializes campaign runs. A second trigger while a run is in
// flight is recorded as skipped_overlap instead of queueing behind the first.
type Scheduler struct {
	runs    dispatch.ExecutionLogStore
	sweeper *sweep.Sweeper
	clock   dispatch.Clock
	ids     dispatch.IDGenerator
	logger  *zap.Logger

	inFlight sync.Mutex
}

// NewScheduler constructs a Scheduler.
func NewScheduler(runs dispatch.ExecutionLogStore, sweeper *sweep.Sweeper, clock dispatch.Clock, ids dispatch.IDGenerator, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Scheduler{
		runs:    runs,
		sweeper: sweeper,
		clock:   clock,
		ids:     ids,
		logger:  logger,
	}
}

// Run executes one campaign: sweep orphans first so crashed work from the
// previous run is claimable again, run the body, then persist the outcome.
// Overlapping triggers return immediately with a skipped_overlap log entry.
func (s *Scheduler) Run(ctx context.Context, jobName string, body Body) (dispatch.ExecutionLog, error) {
	started := s.clock.Now()
	if !s.inFlight.TryLock() {
		entry, err := s.appendSkipped(ctx, jobName, started)
		if err != nil {
			return entry, err
		}
		metrics.ObserveCampaignRun(jobName, string(dispatch.RunSkippedOverlap), 0)
		s.logger.Warn("campaign trigger skipped, previous run still in flight",
			zap.String("job", jobName),
		)
		return entry, nil
	}
	defer s.inFlight.Unlock()

	rc := &RunContext{}

	sweepResult, sweepErr := s.sweeper.Sweep(ctx)
	if sweepErr != nil {
		// A failed sweep does not block the run; orphans stay recoverable
		// on the next pass.
		s.logger.Error("pre-run sweep failed", zap.Error(sweepErr))
	}

	bodyErr := body(ctx, rc)

	completed := s.clock.Now()
	entry := dispatch.ExecutionLog{
		JobName:          jobName,
		Status:           dispatch.RunCompleted,
		StartedAt:        started,
		CompletedAt:      &completed,
		TargetsProcessed: rc.targetsProcessed,
		ItemsFound:       rc.itemsFound,
		ItemsSaved:       rc.itemsSaved,
		OrphansRecovered: sweepResult.Recovered,
		ErrorSummary:     rc.errorSummary(),
		HealthVerdict:    rc.verdict(),
	}
	if bodyErr != nil {
		entry.Status = dispatch.RunFailed
		entry.ErrorText = bodyErr.Error()
	}

	id, err := s.ids.NewID()
	if err != nil {
		return entry, fmt.Errorf("generate run id: %w", err)
	}
	entry.ID = id

	if err := s.runs.Append(ctx, entry); err != nil {
		return entry, fmt.Errorf("append execution log: %w", err)
	}
	if err := s.runs.UpdateJobStats(ctx, jobName, bodyErr == nil, completed); err != nil {
		return entry, fmt.Errorf("update job stats: %w", err)
	}

	duration := completed.Sub(started)
	metrics.ObserveCampaignRun(jobName, string(entry.Status), duration)
	s.logger.Info("campaign run finished",
		zap.String("job", jobName),
		zap.String("status", string(entry.Status)),
		zap.Duration("duration", duration),
		zap.Int("targets_processed", entry.TargetsProcessed),
		zap.Int("items_found", entry.ItemsFound),
		zap.Int("items_saved", entry.ItemsSaved),
		zap.Int("orphans_recovered", entry.OrphansRecovered),
	)
	if bodyErr != nil {
		return entry, bodyErr
	}
	return entry, nil
}

// appendSkipped writes the skipped_overlap entry so missed triggers leave an
// audit trail.
func (s *Scheduler) appendSkipped(ctx context.Context, jobName string, at time.Time) (dispatch.ExecutionLog, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return dispatch.ExecutionLog{}, fmt.Errorf("generate run id: %w", err)
	}
	entry := dispatch.ExecutionLog{
		ID:          id,
		JobName:     jobName,
		Status:      dispatch.RunSkippedOverlap,
		StartedAt:   at,
		CompletedAt: &at,
	}
	if err := s.runs.Append(ctx, entry); err != nil {
		return entry, fmt.Errorf("append skipped run: %w", err)
	}
	return entry, nil
}

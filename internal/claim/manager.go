// Package claim implements the lease operations workers use against the
// target store: claim_next, renew and release.
package claim

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/localatlas/crawlops/internal/dispatch"
	"github.com/localatlas/crawlops/internal/metrics"
)

// Config controls Manager behavior.
type Config struct {
	// MaxAttempts is the ceiling beyond which a failed target is marked
	// STUCK instead of returning to the retry loop.
	MaxAttempts int
	// MaxSelectRetries bounds how often a losing caller reselects before
	// reporting no eligible target.
	MaxSelectRetries int
}

// Manager mediates claim lifecycle operations. All atomicity lives in the
// store's conditional updates; the manager adds selection retries, the
// attempts ceiling and observability.
type Manager struct {
	store  dispatch.TargetStore
	clock  dispatch.Clock
	cfg    Config
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(store dispatch.TargetStore, clock dispatch.Clock, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxSelectRetries <= 0 {
		cfg.MaxSelectRetries = 5
	}
	metrics.Init()
	return &Manager{
		store:  store,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// ClaimNext selects the highest-priority PLANNED target matching the filters
// and atomically transitions it to IN_PROGRESS. When the compare-and-set is
// lost to a concurrent worker, selection retries with the next candidate.
// dispatch.ErrNoEligibleTarget means the queue slice is empty.
func (m *Manager) ClaimNext(ctx context.Context, workerID string, filters dispatch.TargetFilters) (dispatch.CrawlTarget, error) {
	for attempt := 0; attempt < m.cfg.MaxSelectRetries; attempt++ {
		candidate, err := m.store.SelectNextPlanned(ctx, filters)
		if errors.Is(err, dispatch.ErrNoEligibleTarget) {
			metrics.ObserveClaim("empty")
			return dispatch.CrawlTarget{}, err
		}
		if err != nil {
			return dispatch.CrawlTarget{}, fmt.Errorf("select candidate: %w", err)
		}

		now := m.clock.Now()
		won, err := m.store.Claim(ctx, candidate.ID, workerID, now)
		if err != nil {
			return dispatch.CrawlTarget{}, fmt.Errorf("claim candidate: %w", err)
		}
		if !won {
			// Another worker got there first; pick the next candidate.
			metrics.ObserveClaimConflict()
			continue
		}

		metrics.ObserveClaim("won")
		candidate.Status = dispatch.StatusInProgress
		candidate.ClaimedBy = workerID
		candidate.ClaimedAt = &now
		candidate.HeartbeatAt = &now
		m.logger.Debug("target claimed",
			zap.String("target_id", candidate.ID),
			zap.String("worker_id", workerID),
			zap.Int("priority", candidate.Priority),
		)
		return candidate, nil
	}
	metrics.ObserveClaim("empty")
	return dispatch.CrawlTarget{}, dispatch.ErrNoEligibleTarget
}

// Renew refreshes the lease heartbeat and persists the resumability cursor.
// A false return means the claim was lost; the caller must stop work on the
// target immediately to avoid duplicating another worker's progress.
func (m *Manager) Renew(ctx context.Context, targetID, workerID string, cursor dispatch.ResumeCursor) (bool, error) {
	renewed, err := m.store.Renew(ctx, targetID, workerID, cursor, m.clock.Now())
	if err != nil {
		return false, fmt.Errorf("renew claim: %w", err)
	}
	if !renewed {
		metrics.ObserveRenewLost()
		m.logger.Warn("claim lost on renew",
			zap.String("target_id", targetID),
			zap.String("worker_id", workerID),
		)
	}
	return renewed, nil
}

// Release records the outcome and clears the claim fields. A failed release
// that pushes attempts past the ceiling lands in STUCK rather than FAILED,
// so the target leaves the automatic retry loop.
func (m *Manager) Release(ctx context.Context, targetID, workerID string, outcome dispatch.ClaimOutcome, stats dispatch.ReleaseStats) error {
	status := outcome.Status()
	if outcome == dispatch.OutcomeFailed {
		target, err := m.store.Get(ctx, targetID)
		if err != nil {
			return fmt.Errorf("inspect attempts: %w", err)
		}
		if target.Attempts+1 > m.cfg.MaxAttempts {
			status = dispatch.StatusStuck
			m.logger.Warn("attempts ceiling exceeded, marking stuck",
				zap.String("target_id", targetID),
				zap.Int("attempts", target.Attempts+1),
				zap.Int("ceiling", m.cfg.MaxAttempts),
			)
		}
	}

	released, err := m.store.Release(ctx, targetID, workerID, status, stats, m.clock.Now())
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if !released {
		return dispatch.ErrClaimLost
	}
	metrics.ObserveRelease(string(outcome))
	m.logger.Info("target released",
		zap.String("target_id", targetID),
		zap.String("worker_id", workerID),
		zap.String("outcome", string(outcome)),
		zap.String("status", string(status)),
		zap.Int("results_found", stats.ResultsFound),
		zap.Int("results_saved", stats.ResultsSaved),
	)
	return nil
}

// Package sweep recovers targets whose workers died mid-crawl. It is the
// only path that moves IN_PROGRESS work back to PLANNED without the owning
// worker's cooperation.
package sweep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/localatlas/crawlops/internal/backoff"
	"github.com/localatlas/crawlops/internal/dispatch"
	"github.com/localatlas/crawlops/internal/metrics"
)

// Config controls sweep behavior.
type Config struct {
	// DefaultTimeout marks a claim orphaned when its heartbeat is older
	// than this and no per-type override applies.
	DefaultTimeout time.Duration
	// TypeTimeouts overrides the staleness threshold per worker type.
	// Browser-backed workers get longer windows than plain HTTP ones.
	TypeTimeouts map[string]time.Duration
	// Interval is the cadence of the background Run loop.
	Interval time.Duration
	// MaxAttempts bounds the FAILED -> PLANNED requeue phase.
	MaxAttempts int
}

// Sweeper scans for orphaned claims and requeues retryable failures.
type Sweeper struct {
	targets    dispatch.TargetStore
	heartbeats dispatch.HeartbeatStore
	policy     *backoff.Policy
	clock      dispatch.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Sweeper.
func New(targets dispatch.TargetStore, heartbeats dispatch.HeartbeatStore, policy *backoff.Policy, clock dispatch.Clock, cfg Config, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	metrics.Init()
	return &Sweeper{
		targets:    targets,
		heartbeats: heartbeats,
		policy:     policy,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// minTimeout returns the narrowest configured staleness window. Candidate
// selection uses it so no worker type is missed; the per-target check below
// applies the right one.
func (s *Sweeper) minTimeout() time.Duration {
	min := s.cfg.DefaultTimeout
	for _, d := range s.cfg.TypeTimeouts {
		if d < min {
			min = d
		}
	}
	return min
}

// timeoutFor resolves the staleness window for the worker holding the claim.
// Unknown workers fall back to the default window.
func (s *Sweeper) timeoutFor(ctx context.Context, workerName string) time.Duration {
	hb, err := s.heartbeats.Get(ctx, workerName)
	if err != nil {
		return s.cfg.DefaultTimeout
	}
	if d, ok := s.cfg.TypeTimeouts[hb.WorkerType]; ok {
		return d
	}
	return s.cfg.DefaultTimeout
}

// Sweep performs one pass: recover orphaned claims, then requeue FAILED
// targets whose backoff window has elapsed. Safe to run concurrently with
// workers and with itself; every mutation is a conditional update.
func (s *Sweeper) Sweep(ctx context.Context) (dispatch.SweepResult, error) {
	var result dispatch.SweepResult
	now := s.clock.Now()

	candidates, err := s.targets.SelectOrphans(ctx, now.Add(-s.minTimeout()))
	if err != nil {
		return result, fmt.Errorf("select orphans: %w", err)
	}

	for _, t := range candidates {
		if t.HeartbeatAt == nil {
			continue
		}
		timeout := s.timeoutFor(ctx, t.ClaimedBy)
		if now.Sub(*t.HeartbeatAt) < timeout {
			// Stale against the narrowest window but alive under this
			// worker type's own window.
			continue
		}

		// Re-check: the reset only lands if the heartbeat still carries
		// the value observed above. A worker that renewed in between
		// keeps its claim.
		note := fmt.Sprintf("recovered by orphan sweep at %s", now.Format(time.RFC3339))
		reset, err := s.targets.ResetOrphan(ctx, t.ID, *t.HeartbeatAt, note, now)
		if err != nil {
			return result, fmt.Errorf("reset orphan %s: %w", t.ID, err)
		}
		if !reset {
			result.StillOrphaned++
			continue
		}
		result.Recovered++
		s.logger.Warn("orphaned claim recovered",
			zap.String("target_id", t.ID),
			zap.String("claimed_by", t.ClaimedBy),
			zap.Time("last_heartbeat", *t.HeartbeatAt),
			zap.Duration("timeout", timeout),
		)
	}

	requeued, err := s.requeueRetryable(ctx, now)
	if err != nil {
		return result, err
	}
	result.Requeued = requeued

	metrics.ObserveSweep(result.Recovered, result.Requeued)
	if result.Recovered > 0 || result.Requeued > 0 {
		s.logger.Info("sweep pass complete",
			zap.Int("recovered", result.Recovered),
			zap.Int("still_orphaned", result.StillOrphaned),
			zap.Int("requeued", result.Requeued),
		)
	}
	return result, nil
}

// requeueRetryable moves FAILED targets back to PLANNED once the backoff
// delay for their last error class has elapsed.
func (s *Sweeper) requeueRetryable(ctx context.Context, now time.Time) (int, error) {
	failed, err := s.targets.SelectRetryable(ctx, s.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("select retryable: %w", err)
	}

	requeued := 0
	for _, t := range failed {
		class := dispatch.ClassForReason(t.LastError)
		if class == dispatch.ClassPermanent {
			continue
		}
		if !class.Retryable() {
			// A FAILED row with an internal reason, e.g. a crawl cancelled
			// by a graceful shutdown, is not the target's fault. It retries
			// on the transient curve.
			class = dispatch.ClassTransient
		}
		delay := s.policy.Curve(class, t.Attempts)
		if now.Sub(t.UpdatedAt) < delay {
			continue
		}
		ok, err := s.targets.Requeue(ctx, t.ID, now)
		if err != nil {
			return requeued, fmt.Errorf("requeue %s: %w", t.ID, err)
		}
		if ok {
			requeued++
			s.logger.Debug("failed target requeued",
				zap.String("target_id", t.ID),
				zap.Int("attempts", t.Attempts),
				zap.String("last_error", t.LastError),
				zap.Duration("waited", now.Sub(t.UpdatedAt)),
			)
		}
	}
	return requeued, nil
}

// Run executes Sweep on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep pass failed", zap.Error(err))
			}
		}
	}
}

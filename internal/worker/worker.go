// Package worker runs the claim -> process -> release loop that turns
// planned targets into crawled results.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/localatlas/crawlops/internal/backoff"
	"github.com/localatlas/crawlops/internal/claim"
	"github.com/localatlas/crawlops/internal/dispatch"
	"github.com/localatlas/crawlops/internal/metrics"
)

// Config controls one worker's loop.
type Config struct {
	// Name identifies the worker in heartbeats and claims.
	Name string
	// Type selects the staleness window the sweep applies ("http",
	// "browser", ...).
	Type string
	// Filters narrows which targets this worker claims.
	Filters dispatch.TargetFilters
	// HeartbeatInterval is the liveness ping cadence. It must be well
	// under the sweep timeout for this worker type.
	HeartbeatInterval time.Duration
	// IdleDelay is how long to wait before re-polling an empty queue.
	IdleDelay time.Duration
	// DefaultPageTarget caps pages per target when the target itself does
	// not carry a resume cursor.
	DefaultPageTarget int
}

// Worker is one crawl loop instance. Run several with distinct names for a
// fleet; coordination happens entirely through the target store.
type Worker struct {
	cfg        Config
	claims     *claim.Manager
	processor  dispatch.Processor
	sink       dispatch.ResultSink
	heartbeats dispatch.HeartbeatStore
	policy     *backoff.Policy
	clock      dispatch.Clock
	logger     *zap.Logger

	targetsDone   int
	targetsFailed int
}

// New constructs a Worker.
func New(
	cfg Config,
	claims *claim.Manager,
	processor dispatch.Processor,
	sink dispatch.ResultSink,
	heartbeats dispatch.HeartbeatStore,
	policy *backoff.Policy,
	clock dispatch.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 10 * time.Second
	}
	if cfg.DefaultPageTarget <= 0 {
		cfg.DefaultPageTarget = 10
	}
	metrics.Init()
	return &Worker{
		cfg:        cfg,
		claims:     claims,
		processor:  processor,
		sink:       sink,
		heartbeats: heartbeats,
		policy:     policy,
		clock:      clock,
		logger:     logger.With(zap.String("worker", cfg.Name)),
	}
}

// Run executes the crawl loop until the context ends, then marks the worker
// stopped.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.beat(ctx, dispatch.WorkerRunning, "", ""); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		// Shutdown bookkeeping uses a fresh context; ctx is already done.
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.heartbeats.MarkStatus(stopCtx, w.cfg.Name, dispatch.WorkerStopped); err != nil {
			w.logger.Warn("mark stopped failed", zap.Error(err))
		}
	}()

	w.logger.Info("worker started", zap.String("type", w.cfg.Type))
	for {
		if ctx.Err() != nil {
			return nil
		}

		target, err := w.claims.ClaimNext(ctx, w.cfg.Name, w.cfg.Filters)
		if errors.Is(err, dispatch.ErrNoEligibleTarget) {
			if err := w.beat(ctx, dispatch.WorkerIdle, "", ""); err != nil {
				w.logger.Warn("heartbeat failed", zap.Error(err))
			}
			if !w.sleep(ctx, w.cfg.IdleDelay) {
				return nil
			}
			continue
		}
		if err != nil {
			w.logger.Error("claim failed", zap.Error(err))
			if !w.sleep(ctx, w.cfg.IdleDelay) {
				return nil
			}
			continue
		}

		w.crawl(ctx, target)
	}
}

// crawl processes one claimed target page by page, renewing the lease after
// every page so the cursor survives a crash.
func (w *Worker) crawl(ctx context.Context, target dispatch.CrawlTarget) {
	if err := w.beat(ctx, dispatch.WorkerRunning, target.ID, ""); err != nil {
		w.logger.Warn("heartbeat failed", zap.Error(err))
	}

	cursor := target.Cursor
	if cursor.PageTarget <= 0 {
		cursor.PageTarget = w.cfg.DefaultPageTarget
	}
	startPage := cursor.PageCurrent + 1

	stats := dispatch.ReleaseStats{Cursor: cursor}
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for page := startPage; page <= cursor.PageTarget; page++ {
		select {
		case <-ctx.Done():
			// Graceful stop mid-target: release as failed with the cursor
			// kept. The sweep requeues canceled work once the transient
			// backoff elapses.
			stats.Reason = dispatch.ReasonCanceled
			w.release(target.ID, dispatch.OutcomeFailed, stats)
			return
		case <-ticker.C:
			if err := w.beat(ctx, dispatch.WorkerRunning, target.ID, ""); err != nil {
				w.logger.Warn("heartbeat failed", zap.Error(err))
			}
		default:
		}

		target.Cursor = stats.Cursor
		result, err := w.processor.Process(ctx, target, page)
		if err != nil {
			w.fail(ctx, target, stats, err)
			return
		}
		if result.Blocked || result.CaptchaDetected {
			reason := dispatch.ReasonBlocked
			if result.CaptchaDetected {
				reason = dispatch.ReasonCaptcha
			}
			stats.Reason = reason
			w.targetsFailed++
			w.release(target.ID, dispatch.OutcomeFailed, stats)
			w.applyBackoff(ctx, dispatch.ClassAccessDenied, target.Attempts+1)
			return
		}

		stats.ResultsFound += result.Accepted + result.Rejected
		stats.ResultsSaved += result.Accepted
		stats.Cursor = dispatch.ResumeCursor{
			PageCurrent:   page,
			PageTarget:    cursor.PageTarget,
			LastCursorID:  result.LastCursorID,
			NextPageToken: result.NextPageToken,
		}

		if result.Accepted > 0 {
			if err := w.sink.Put(ctx, target.ID, page, result.Accepted); err != nil {
				w.fail(ctx, target, stats, dispatch.NewProcessError(dispatch.ClassTransient, dispatch.ReasonStoreUnavail, err))
				return
			}
		}

		renewed, err := w.claims.Renew(ctx, target.ID, w.cfg.Name, stats.Cursor)
		if err != nil {
			w.logger.Error("renew failed", zap.Error(err))
			return
		}
		if !renewed {
			// The sweep or another process took the target over. Stop
			// immediately; whoever holds it now owns the pages ahead.
			w.logger.Warn("claim lost mid-target, abandoning", zap.String("target_id", target.ID))
			return
		}

		// An empty page past the first means the source is exhausted.
		if result.Accepted == 0 && result.Rejected == 0 && page > startPage {
			break
		}
	}

	w.targetsDone++
	w.release(target.ID, dispatch.OutcomeDone, stats)
	if err := w.beat(ctx, dispatch.WorkerRunning, "", ""); err != nil {
		w.logger.Warn("heartbeat failed", zap.Error(err))
	}
}

// fail classifies the error, releases the claim accordingly and applies the
// class's backoff delay before the next claim.
func (w *Worker) fail(ctx context.Context, target dispatch.CrawlTarget, stats dispatch.ReleaseStats, err error) {
	class, reason := dispatch.Classify(err)
	stats.Reason = reason
	w.targetsFailed++

	outcome := dispatch.OutcomeFailed
	if class == dispatch.ClassPermanent {
		outcome = dispatch.OutcomeParked
	}
	w.logger.Warn("target processing failed",
		zap.String("target_id", target.ID),
		zap.String("class", string(class)),
		zap.String("reason", reason),
		zap.Error(err),
	)
	w.release(target.ID, outcome, stats)

	if class.Retryable() {
		w.applyBackoff(ctx, class, target.Attempts+1)
	}
}

// release clears the claim with a short grace context so shutdown still
// records the outcome.
func (w *Worker) release(targetID string, outcome dispatch.ClaimOutcome, stats dispatch.ReleaseStats) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.claims.Release(ctx, targetID, w.cfg.Name, outcome, stats); err != nil {
		w.logger.Error("release failed",
			zap.String("target_id", targetID),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}
}

func (w *Worker) applyBackoff(ctx context.Context, class dispatch.ErrorClass, failures int) {
	delay := w.policy.Delay(class, failures)
	if delay <= 0 {
		return
	}
	metrics.ObserveBackoffDelay(string(class), delay)
	w.logger.Debug("backing off", zap.String("class", string(class)), zap.Duration("delay", delay))
	w.sleep(ctx, delay)
}

// beat upserts the worker's heartbeat row.
func (w *Worker) beat(ctx context.Context, status dispatch.WorkerStatus, currentTarget, lastError string) error {
	hostname, _ := os.Hostname()
	return w.heartbeats.Upsert(ctx, dispatch.WorkerHeartbeat{
		WorkerName:    w.cfg.Name,
		WorkerType:    w.cfg.Type,
		Status:        status,
		LastHeartbeat: w.clock.Now(),
		Hostname:      hostname,
		PID:           os.Getpid(),
		TargetsDone:   w.targetsDone,
		TargetsFailed: w.targetsFailed,
		CurrentTarget: currentTarget,
		LastError:     lastError,
	})
}

// sleep waits for d or the context, whichever ends first. Returns false when
// the context ended.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

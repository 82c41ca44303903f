package dispatch

import (
	"context"
	"time"
)

// TargetStore persists crawl targets and provides the atomic conditional
// updates all cross-worker coordination rides on.
type TargetStore interface {
	// Seed upserts targets on the (geography, category, provider) unique key.
	Seed(ctx context.Context, targets []CrawlTarget) (int, error)
	// SelectNextPlanned returns the highest-priority PLANNED target matching
	// the filters, ties broken by oldest last attempt. ErrNoEligibleTarget
	// when nothing matches.
	SelectNextPlanned(ctx context.Context, filters TargetFilters) (CrawlTarget, error)
	// Claim performs the PLANNED -> IN_PROGRESS compare-and-set. Exactly one
	// concurrent caller wins; the others observe claimed=false.
	Claim(ctx context.Context, targetID, workerID string, now time.Time) (bool, error)
	// Renew refreshes heartbeat_at and the resumability cursor. Returns
	// renewed=false when the claim is no longer held by workerID.
	Renew(ctx context.Context, targetID, workerID string, cursor ResumeCursor, now time.Time) (bool, error)
	// Release clears the claim fields and records the outcome. Returns
	// released=false on owner mismatch.
	Release(ctx context.Context, targetID, workerID string, status TargetStatus, stats ReleaseStats, now time.Time) (bool, error)
	// SelectOrphans returns IN_PROGRESS targets whose heartbeat is older than
	// the cutoff.
	SelectOrphans(ctx context.Context, cutoff time.Time) ([]CrawlTarget, error)
	// ResetOrphan moves a stale IN_PROGRESS target back to PLANNED, guarded
	// by the heartbeat value observed at selection time.
	ResetOrphan(ctx context.Context, targetID string, observedHeartbeat time.Time, note string, now time.Time) (bool, error)
	// SelectRetryable returns FAILED targets under the attempts ceiling.
	SelectRetryable(ctx context.Context, maxAttempts int) ([]CrawlTarget, error)
	// Requeue moves a FAILED target back to PLANNED.
	Requeue(ctx context.Context, targetID string, now time.Time) (bool, error)
	// Get fetches a target by id.
	Get(ctx context.Context, targetID string) (CrawlTarget, error)
	// CountByStatus returns target counts keyed by status.
	CountByStatus(ctx context.Context) (StatusCounts, error)
}

// HeartbeatStore persists worker liveness rows.
type HeartbeatStore interface {
	Upsert(ctx context.Context, hb WorkerHeartbeat) error
	Get(ctx context.Context, workerName string) (WorkerHeartbeat, error)
	ListActive(ctx context.Context) ([]WorkerHeartbeat, error)
	// MarkStatus flips the worker status without touching last_heartbeat,
	// so staleness detection keeps working on marked rows.
	MarkStatus(ctx context.Context, workerName string, status WorkerStatus) error
}

// ExecutionLogStore records campaign runs and cumulative per-job stats.
type ExecutionLogStore interface {
	Append(ctx context.Context, log ExecutionLog) error
	Recent(ctx context.Context, limit int) ([]ExecutionLog, error)
	UpdateJobStats(ctx context.Context, jobName string, succeeded bool, runAt time.Time) error
	GetJobStats(ctx context.Context, jobName string) (JobStats, error)
}

// HealingStore records watchdog actions, append-only.
type HealingStore interface {
	Append(ctx context.Context, event HealingEvent) error
	Recent(ctx context.Context, limit int) ([]HealingEvent, error)
	// LastForTarget returns the most recent event for a target within the
	// window, used to decide ladder escalation. ErrNoHealingEvent when none.
	LastForTarget(ctx context.Context, target string, since time.Time) (HealingEvent, error)
}

// Processor is the per-source fetch+parse pipeline, consumed identically by
// normal execution and the dry-run prober. Implementations live outside this
// subsystem.
type Processor interface {
	Process(ctx context.Context, target CrawlTarget, page int) (ProcessResult, error)
}

// ResultSink receives accepted results for downstream persistence. Exactly-
// once is not guaranteed; the downstream upsert is expected to be idempotent.
type ResultSink interface {
	Put(ctx context.Context, targetID string, page int, accepted int) error
}

// ResourceSampler supplies the external resource counters the watchdog
// compares against its ceilings.
type ResourceSampler interface {
	Sample(ctx context.Context) (ResourceSample, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces surrogate IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

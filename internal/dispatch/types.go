// Package dispatch defines core types shared across the work-distribution
// subsystem: crawl targets, worker heartbeats, execution logs and healing
// events, plus the interfaces the surrounding components implement.
package dispatch

import (
	"time"
)

// TargetStatus represents the lifecycle state of a crawl target.
type TargetStatus string

// Target status values persisted in the target store.
const (
	StatusPlanned    TargetStatus = "PLANNED"
	StatusInProgress TargetStatus = "IN_PROGRESS"
	StatusDone       TargetStatus = "DONE"
	StatusFailed     TargetStatus = "FAILED"
	StatusStuck      TargetStatus = "STUCK"
	StatusParked     TargetStatus = "PARKED"
)

// Terminal reports whether a status has no automatic path back to PLANNED.
// FAILED is recoverable and therefore not terminal.
func (s TargetStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusStuck, StatusParked:
		return true
	default:
		return false
	}
}

// ResumeCursor tracks pagination progress so an interrupted target resumes
// where the previous owner stopped.
type ResumeCursor struct {
	PageCurrent   int    `json:"page_current"`
	PageTarget    int    `json:"page_target"`
	LastCursorID  string `json:"last_cursor_id,omitempty"`
	NextPageToken string `json:"next_page_token,omitempty"`
}

// CrawlTarget is one unit of crawl work: a geography × category × provider
// cell. Targets are created by seeding, mutated only by the claim manager and
// the orphan sweep, and never deleted.
type CrawlTarget struct {
	ID           string       `json:"id"`
	Country      string       `json:"country"`
	Region       string       `json:"region"`
	City         string       `json:"city"`
	Category     string       `json:"category"`
	Provider     string       `json:"provider"`
	SearchQuery  string       `json:"search_query"`
	MaxResults   int          `json:"max_results"`
	Priority     int          `json:"priority"`
	Status       TargetStatus `json:"status"`
	ClaimedBy    string       `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time   `json:"claimed_at,omitempty"`
	HeartbeatAt  *time.Time   `json:"heartbeat_at,omitempty"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"last_error,omitempty"`
	ResultsFound int          `json:"results_found"`
	ResultsSaved int          `json:"results_saved"`
	Cursor       ResumeCursor `json:"cursor"`
	LastAttempt  *time.Time   `json:"last_attempt_at,omitempty"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ClaimOutcome is the terminal disposition a worker reports on release.
type ClaimOutcome string

// Release outcomes accepted by the claim manager.
const (
	OutcomeDone   ClaimOutcome = "done"
	OutcomeFailed ClaimOutcome = "failed"
	OutcomeStuck  ClaimOutcome = "stuck"
	OutcomeParked ClaimOutcome = "parked"
)

// Status maps a release outcome to the persisted target status.
func (o ClaimOutcome) Status() TargetStatus {
	switch o {
	case OutcomeDone:
		return StatusDone
	case OutcomeStuck:
		return StatusStuck
	case OutcomeParked:
		return StatusParked
	default:
		return StatusFailed
	}
}

// ReleaseStats carries the result counters recorded when a claim is released.
type ReleaseStats struct {
	ResultsFound int          `json:"results_found"`
	ResultsSaved int          `json:"results_saved"`
	Reason       string       `json:"reason,omitempty"`
	Cursor       ResumeCursor `json:"cursor"`
}

// TargetFilters narrows claim selection to a slice of the target table.
type TargetFilters struct {
	Provider    string `json:"provider,omitempty"`
	Country     string `json:"country,omitempty"`
	Category    string `json:"category,omitempty"`
	MinPriority int    `json:"min_priority,omitempty"`
}

// WorkerStatus is the coarse state tracked per worker process.
type WorkerStatus string

// Worker status values persisted in the heartbeat store.
const (
	WorkerRunning WorkerStatus = "running"
	WorkerIdle    WorkerStatus = "idle"
	WorkerStopped WorkerStatus = "stopped"
	WorkerStale   WorkerStatus = "stale"
)

// WorkerHeartbeat is one row per active worker process.
type WorkerHeartbeat struct {
	WorkerName    string       `json:"worker_name"`
	WorkerType    string       `json:"worker_type"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Hostname      string       `json:"hostname"`
	PID           int          `json:"pid"`
	TargetsDone   int          `json:"targets_done"`
	TargetsFailed int          `json:"targets_failed"`
	CurrentTarget string       `json:"current_target,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
}

// RunStatus is the recorded outcome of a scheduled campaign run.
type RunStatus string

// Execution log statuses.
const (
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunSkippedOverlap RunStatus = "skipped_overlap"
)

// ReasonCount is one entry of the compact top-N error summary.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// ExecutionLog is the append-only record of one scheduled campaign run.
type ExecutionLog struct {
	ID               string        `json:"id"`
	JobName          string        `json:"job_name"`
	Status           RunStatus     `json:"status"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	TargetsProcessed int           `json:"targets_processed"`
	ItemsFound       int           `json:"items_found"`
	ItemsSaved       int           `json:"items_saved"`
	OrphansRecovered int           `json:"orphans_recovered"`
	ErrorSummary     []ReasonCount `json:"error_summary,omitempty"`
	HealthVerdict    string        `json:"health_verdict,omitempty"`
	ErrorText        string        `json:"error_text,omitempty"`
}

// JobStats aggregates cumulative run counts per scheduled job.
type JobStats struct {
	JobName     string     `json:"job_name"`
	TotalRuns   int        `json:"total_runs"`
	SuccessRuns int        `json:"success_runs"`
	FailedRuns  int        `json:"failed_runs"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
}

// HealingTrigger classifies what the watchdog detected.
type HealingTrigger string

// Healing trigger kinds.
const (
	TriggerStaleWorker    HealingTrigger = "stale_worker"
	TriggerProcessCeiling HealingTrigger = "process_ceiling"
	TriggerMemoryCeiling  HealingTrigger = "memory_ceiling"
)

// HealingEvent is one row per watchdog remediation, chained to the prior
// attempt via EscalatedFrom when a rung failed and the ladder advanced.
type HealingEvent struct {
	ID            string         `json:"id"`
	Trigger       HealingTrigger `json:"trigger"`
	Target        string         `json:"target"`
	Action        string         `json:"action"`
	Success       bool           `json:"success"`
	Detail        string         `json:"detail,omitempty"`
	Duration      time.Duration  `json:"duration"`
	EscalatedFrom string         `json:"escalated_from,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ResourceSample is a point-in-time reading of the pools the watchdog
// observes. The pools themselves are owned and throttled by the caller.
type ResourceSample struct {
	ProcessCount int   `json:"process_count"`
	MemoryBytes  int64 `json:"memory_bytes"`
	SampledAt    time.Time
}

// ProcessResult is what the per-source fetch+parse pipeline reports for one
// page of a target. The same shape feeds normal runs and dry-run probes.
type ProcessResult struct {
	Accepted        int
	Rejected        int
	Blocked         bool
	CaptchaDetected bool
	LastCursorID    string
	NextPageToken   string
}

// SweepResult summarizes one orphan sweep pass.
type SweepResult struct {
	Recovered     int `json:"recovered"`
	StillOrphaned int `json:"still_orphaned"`
	Requeued      int `json:"requeued"`
}

// StatusCounts maps target status to row count for the dashboard surface.
type StatusCounts map[TargetStatus]int

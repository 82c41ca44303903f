package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/localatlas/crawlops/internal/dispatch"
)

// RunStore records campaign execution logs and cumulative per-job stats.
type RunStore struct {
	pool querier
}

// NewRunStore wraps an existing pool.
func NewRunStore(pool querier) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Append writes one execution log row. The log is append-only; there is no
// update path.
func (s *RunStore) Append(ctx context.Context, log dispatch.ExecutionLog) error {
	summary, err := json.Marshal(log.ErrorSummary)
	if err != nil {
		return fmt.Errorf("marshal error summary: %w", err)
	}
	if log.ErrorSummary == nil {
		summary = []byte("[]")
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO execution_logs (
	id, job_name, status, started_at, completed_at, targets_processed,
	items_found, items_saved, orphans_recovered, error_summary,
	health_verdict, error_text
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		log.ID, log.JobName, string(log.Status), log.StartedAt, log.CompletedAt,
		log.TargetsProcessed, log.ItemsFound, log.ItemsSaved,
		log.OrphansRecovered, summary, log.HealthVerdict, log.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

// Recent returns the latest runs, newest first.
func (s *RunStore) Recent(ctx context.Context, limit int) ([]dispatch.ExecutionLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, job_name, status, started_at, completed_at, targets_processed,
	items_found, items_saved, orphans_recovered, error_summary,
	health_verdict, error_text
FROM execution_logs
ORDER BY started_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()
	var out []dispatch.ExecutionLog
	for rows.Next() {
		var log dispatch.ExecutionLog
		var summary []byte
		if err := rows.Scan(
			&log.ID, &log.JobName, &log.Status, &log.StartedAt, &log.CompletedAt,
			&log.TargetsProcessed, &log.ItemsFound, &log.ItemsSaved,
			&log.OrphansRecovered, &summary, &log.HealthVerdict, &log.ErrorText,
		); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		if len(summary) > 0 {
			if err := json.Unmarshal(summary, &log.ErrorSummary); err != nil {
				return nil, fmt.Errorf("unmarshal error summary: %w", err)
			}
		}
		out = append(out, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution logs: %w", err)
	}
	return out, nil
}

// UpdateJobStats bumps the cumulative run counters for the job.
func (s *RunStore) UpdateJobStats(ctx context.Context, jobName string, succeeded bool, runAt time.Time) error {
	successDelta := 0
	failedDelta := 0
	if succeeded {
		successDelta = 1
	} else {
		failedDelta = 1
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO job_stats (job_name, total_runs, success_runs, failed_runs, last_run_at)
VALUES ($1, 1, $2, $3, $4)
ON CONFLICT (job_name) DO UPDATE SET
	total_runs = job_stats.total_runs + 1,
	success_runs = job_stats.success_runs + $2,
	failed_runs = job_stats.failed_runs + $3,
	last_run_at = $4`,
		jobName, successDelta, failedDelta, runAt,
	)
	if err != nil {
		return fmt.Errorf("update job stats: %w", err)
	}
	return nil
}

// GetJobStats returns the cumulative counters for one job; zero-value stats
// when the job has never run.
func (s *RunStore) GetJobStats(ctx context.Context, jobName string) (dispatch.JobStats, error) {
	var stats dispatch.JobStats
	err := s.pool.QueryRow(ctx, `
SELECT job_name, total_runs, success_runs, failed_runs, last_run_at
FROM job_stats WHERE job_name = $1`, jobName).Scan(
		&stats.JobName, &stats.TotalRuns, &stats.SuccessRuns,
		&stats.FailedRuns, &stats.LastRunAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.JobStats{JobName: jobName}, nil
	}
	if err != nil {
		return dispatch.JobStats{}, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

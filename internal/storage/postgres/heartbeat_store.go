package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/localatlas/crawlops/internal/dispatch"
)

// HeartbeatStore persists one row per worker process.
type HeartbeatStore struct {
	pool querier
}

// NewHeartbeatStore wraps an existing pool.
func NewHeartbeatStore(pool querier) (*HeartbeatStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &HeartbeatStore{pool: pool}, nil
}

const heartbeatColumns = `
worker_name, worker_type, status, last_heartbeat, hostname, pid,
targets_done, targets_failed, current_target, last_error`

func scanHeartbeat(row pgx.Row) (dispatch.WorkerHeartbeat, error) {
	var hb dispatch.WorkerHeartbeat
	err := row.Scan(
		&hb.WorkerName, &hb.WorkerType, &hb.Status, &hb.LastHeartbeat,
		&hb.Hostname, &hb.PID, &hb.TargetsDone, &hb.TargetsFailed,
		&hb.CurrentTarget, &hb.LastError,
	)
	return hb, err
}

// Upsert inserts or refreshes a worker row keyed by worker_name.
func (s *HeartbeatStore) Upsert(ctx context.Context, hb dispatch.WorkerHeartbeat) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO worker_heartbeats (`+heartbeatColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (worker_name) DO UPDATE SET
	worker_type = EXCLUDED.worker_type,
	status = EXCLUDED.status,
	last_heartbeat = EXCLUDED.last_heartbeat,
	hostname = EXCLUDED.hostname,
	pid = EXCLUDED.pid,
	targets_done = EXCLUDED.targets_done,
	targets_failed = EXCLUDED.targets_failed,
	current_target = EXCLUDED.current_target,
	last_error = EXCLUDED.last_error`,
		hb.WorkerName, hb.WorkerType, string(hb.Status), hb.LastHeartbeat,
		hb.Hostname, hb.PID, hb.TargetsDone, hb.TargetsFailed,
		hb.CurrentTarget, hb.LastError,
	)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

// Get fetches a worker row by name.
func (s *HeartbeatStore) Get(ctx context.Context, workerName string) (dispatch.WorkerHeartbeat, error) {
	hb, err := scanHeartbeat(s.pool.QueryRow(ctx,
		`SELECT `+heartbeatColumns+` FROM worker_heartbeats WHERE worker_name = $1`, workerName))
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.WorkerHeartbeat{}, dispatch.ErrWorkerNotFound
	}
	if err != nil {
		return dispatch.WorkerHeartbeat{}, fmt.Errorf("get heartbeat: %w", err)
	}
	return hb, nil
}

// ListActive returns workers not marked stopped.
func (s *HeartbeatStore) ListActive(ctx context.Context) ([]dispatch.WorkerHeartbeat, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+heartbeatColumns+`
FROM worker_heartbeats WHERE status <> 'stopped' ORDER BY worker_name`)
	if err != nil {
		return nil, fmt.Errorf("list active workers: %w", err)
	}
	defer rows.Close()
	var out []dispatch.WorkerHeartbeat
	for rows.Next() {
		hb, err := scanHeartbeat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		out = append(out, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate heartbeats: %w", err)
	}
	return out, nil
}

// MarkStatus flips the worker status (stopped on shutdown, stale by the
// watchdog). last_heartbeat stays untouched; it belongs to the worker's own
// liveness pings.
func (s *HeartbeatStore) MarkStatus(ctx context.Context, workerName string, status dispatch.WorkerStatus) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE worker_heartbeats SET status = $2
WHERE worker_name = $1`,
		workerName, string(status),
	)
	if err != nil {
		return fmt.Errorf("mark worker status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrWorkerNotFound
	}
	return nil
}

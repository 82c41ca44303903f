package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/localatlas/crawlops/internal/dispatch"
)

// TargetStore persists crawl targets. All coordination between workers rides
// on the conditional updates here: every state transition is a single
// statement guarded by the expected prior state, so concurrent callers
// linearize per row without explicit locks.
type TargetStore struct {
	pool querier
}

// NewTargetStore wraps an existing pool (pgxmock in tests).
func NewTargetStore(pool querier) (*TargetStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TargetStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *TargetStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const targetColumns = `
id, country, region, city, category, provider, search_query, max_results,
priority, status, claimed_by, claimed_at, heartbeat_at, attempts, last_error,
results_found, results_saved, page_current, page_target, last_cursor_id,
next_page_token, last_attempt_at, finished_at, created_at, updated_at`

func scanTarget(row pgx.Row) (dispatch.CrawlTarget, error) {
	var t dispatch.CrawlTarget
	var claimedBy *string
	err := row.Scan(
		&t.ID, &t.Country, &t.Region, &t.City, &t.Category, &t.Provider,
		&t.SearchQuery, &t.MaxResults, &t.Priority, &t.Status, &claimedBy,
		&t.ClaimedAt, &t.HeartbeatAt, &t.Attempts, &t.LastError,
		&t.ResultsFound, &t.ResultsSaved, &t.Cursor.PageCurrent,
		&t.Cursor.PageTarget, &t.Cursor.LastCursorID, &t.Cursor.NextPageToken,
		&t.LastAttempt, &t.FinishedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return dispatch.CrawlTarget{}, err
	}
	if claimedBy != nil {
		t.ClaimedBy = *claimedBy
	}
	return t, nil
}

// Seed upserts targets on the geography/category/provider unique key and
// returns the number of newly created rows. Existing rows keep their status
// and progress; only priority and max_results refresh. RowsAffected cannot
// tell an insert from a conflict update, so the statement returns xmax = 0,
// which is true only for rows this transaction created.
func (s *TargetStore) Seed(ctx context.Context, targets []dispatch.CrawlTarget) (int, error) {
	created := 0
	for _, t := range targets {
		var inserted bool
		err := s.pool.QueryRow(ctx, `
INSERT INTO crawl_targets (
	id, country, region, city, category, provider, search_query,
	max_results, priority, status, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'PLANNED',$10,$10)
ON CONFLICT (country, region, city, category, provider) DO UPDATE
SET max_results = EXCLUDED.max_results,
	priority = EXCLUDED.priority,
	updated_at = EXCLUDED.updated_at
RETURNING (xmax = 0)`,
			t.ID, t.Country, t.Region, t.City, t.Category, t.Provider,
			t.SearchQuery, t.MaxResults, t.Priority, t.CreatedAt,
		).Scan(&inserted)
		if err != nil {
			return created, fmt.Errorf("seed target %s: %w", t.ID, err)
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

// SelectNextPlanned picks the highest-priority PLANNED target, ties broken by
// oldest last attempt, then oldest row.
func (s *TargetStore) SelectNextPlanned(ctx context.Context, f dispatch.TargetFilters) (dispatch.CrawlTarget, error) {
	query := `SELECT ` + targetColumns + `
FROM crawl_targets
WHERE status = 'PLANNED'
	AND ($1 = '' OR provider = $1)
	AND ($2 = '' OR country = $2)
	AND ($3 = '' OR category = $3)
	AND priority >= $4
ORDER BY priority DESC, last_attempt_at ASC NULLS FIRST, created_at ASC
LIMIT 1`
	t, err := scanTarget(s.pool.QueryRow(ctx, query, f.Provider, f.Country, f.Category, f.MinPriority))
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.CrawlTarget{}, dispatch.ErrNoEligibleTarget
	}
	if err != nil {
		return dispatch.CrawlTarget{}, fmt.Errorf("select next planned: %w", err)
	}
	return t, nil
}

// Claim is the PLANNED -> IN_PROGRESS compare-and-set. The WHERE clause keys
// on (status, claimed_by) so exactly one concurrent caller matches the row.
func (s *TargetStore) Claim(ctx context.Context, targetID, workerID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_targets
SET status = 'IN_PROGRESS',
	claimed_by = $2,
	claimed_at = $3,
	heartbeat_at = $3,
	last_attempt_at = $3,
	updated_at = $3
WHERE id = $1 AND status = 'PLANNED' AND claimed_by IS NULL`,
		targetID, workerID, now,
	)
	if err != nil {
		return false, fmt.Errorf("claim target: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Renew refreshes the lease heartbeat and the resumability cursor, owner
// checked. renewed=false means the claim changed hands.
func (s *TargetStore) Renew(ctx context.Context, targetID, workerID string, cursor dispatch.ResumeCursor, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_targets
SET heartbeat_at = $3,
	page_current = $4,
	page_target = $5,
	last_cursor_id = $6,
	next_page_token = $7,
	updated_at = $3
WHERE id = $1 AND claimed_by = $2 AND status = 'IN_PROGRESS'`,
		targetID, workerID, now,
		cursor.PageCurrent, cursor.PageTarget, cursor.LastCursorID, cursor.NextPageToken,
	)
	if err != nil {
		return false, fmt.Errorf("renew claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release clears the claim fields, records counters and moves the target to
// its outcome status. finished_at is set only for terminal statuses.
func (s *TargetStore) Release(ctx context.Context, targetID, workerID string, status dispatch.TargetStatus, stats dispatch.ReleaseStats, now time.Time) (bool, error) {
	attemptDelta := 0
	if status != dispatch.StatusDone {
		attemptDelta = 1
	}
	var finishedAt *time.Time
	if status.Terminal() {
		finishedAt = &now
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_targets
SET status = $3,
	claimed_by = NULL,
	claimed_at = NULL,
	heartbeat_at = NULL,
	attempts = attempts + $4,
	last_error = $5,
	results_found = results_found + $6,
	results_saved = results_saved + $7,
	page_current = $8,
	page_target = $9,
	last_cursor_id = $10,
	next_page_token = $11,
	finished_at = $12,
	updated_at = $13
WHERE id = $1 AND claimed_by = $2 AND status = 'IN_PROGRESS'`,
		targetID, workerID, string(status), attemptDelta, stats.Reason,
		stats.ResultsFound, stats.ResultsSaved,
		stats.Cursor.PageCurrent, stats.Cursor.PageTarget,
		stats.Cursor.LastCursorID, stats.Cursor.NextPageToken,
		finishedAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("release claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SelectOrphans lists IN_PROGRESS targets whose heartbeat predates the cutoff.
func (s *TargetStore) SelectOrphans(ctx context.Context, cutoff time.Time) ([]dispatch.CrawlTarget, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+targetColumns+`
FROM crawl_targets
WHERE status = 'IN_PROGRESS' AND heartbeat_at < $1
ORDER BY heartbeat_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select orphans: %w", err)
	}
	defer rows.Close()
	var out []dispatch.CrawlTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan orphan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphans: %w", err)
	}
	return out, nil
}

// ResetOrphan returns a stale claim to PLANNED. The heartbeat observed at
// selection time rides in the WHERE clause, so a worker that renewed between
// selection and reset keeps its claim.
func (s *TargetStore) ResetOrphan(ctx context.Context, targetID string, observedHeartbeat time.Time, note string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_targets
SET status = 'PLANNED',
	claimed_by = NULL,
	claimed_at = NULL,
	heartbeat_at = NULL,
	last_error = $3,
	updated_at = $4
WHERE id = $1 AND status = 'IN_PROGRESS' AND heartbeat_at = $2`,
		targetID, observedHeartbeat, note, now,
	)
	if err != nil {
		return false, fmt.Errorf("reset orphan: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SelectRetryable lists FAILED targets still under the attempts ceiling.
func (s *TargetStore) SelectRetryable(ctx context.Context, maxAttempts int) ([]dispatch.CrawlTarget, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+targetColumns+`
FROM crawl_targets
WHERE status = 'FAILED' AND attempts <= $1
ORDER BY updated_at ASC`, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("select retryable: %w", err)
	}
	defer rows.Close()
	var out []dispatch.CrawlTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retryable: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retryable: %w", err)
	}
	return out, nil
}

// Requeue moves a FAILED target back to PLANNED for another attempt.
func (s *TargetStore) Requeue(ctx context.Context, targetID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_targets
SET status = 'PLANNED', updated_at = $2
WHERE id = $1 AND status = 'FAILED'`,
		targetID, now,
	)
	if err != nil {
		return false, fmt.Errorf("requeue target: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get fetches a single target by id.
func (s *TargetStore) Get(ctx context.Context, targetID string) (dispatch.CrawlTarget, error) {
	t, err := scanTarget(s.pool.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM crawl_targets WHERE id = $1`, targetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.CrawlTarget{}, dispatch.ErrTargetNotFound
	}
	if err != nil {
		return dispatch.CrawlTarget{}, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

// CountByStatus returns the dashboard status histogram.
func (s *TargetStore) CountByStatus(ctx context.Context) (dispatch.StatusCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM crawl_targets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	counts := dispatch.StatusCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[dispatch.TargetStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/localatlas/crawlops/internal/dispatch"
)

// HealingStore records watchdog actions. Rows are append-only and form a
// remediation chain through escalated_from.
type HealingStore struct {
	pool querier
}

// NewHealingStore wraps an existing pool.
func NewHealingStore(pool querier) (*HealingStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &HealingStore{pool: pool}, nil
}

const healingColumns = `
id, trigger_kind, target, action, success, detail, duration_ms,
escalated_from, created_at`

func scanHealing(row pgx.Row) (dispatch.HealingEvent, error) {
	var ev dispatch.HealingEvent
	var durationMs int64
	err := row.Scan(
		&ev.ID, &ev.Trigger, &ev.Target, &ev.Action, &ev.Success,
		&ev.Detail, &durationMs, &ev.EscalatedFrom, &ev.CreatedAt,
	)
	ev.Duration = time.Duration(durationMs) * time.Millisecond
	return ev, err
}

// Append writes one healing event.
func (s *HealingStore) Append(ctx context.Context, ev dispatch.HealingEvent) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO healing_events (`+healingColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.ID, string(ev.Trigger), ev.Target, ev.Action, ev.Success,
		ev.Detail, ev.Duration.Milliseconds(), ev.EscalatedFrom, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append healing event: %w", err)
	}
	return nil
}

// Recent returns the latest events, newest first.
func (s *HealingStore) Recent(ctx context.Context, limit int) ([]dispatch.HealingEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `SELECT `+healingColumns+`
FROM healing_events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list healing events: %w", err)
	}
	defer rows.Close()
	var out []dispatch.HealingEvent
	for rows.Next() {
		ev, err := scanHealing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan healing event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate healing events: %w", err)
	}
	return out, nil
}

// LastForTarget returns the newest event for a target within the window.
func (s *HealingStore) LastForTarget(ctx context.Context, target string, since time.Time) (dispatch.HealingEvent, error) {
	ev, err := scanHealing(s.pool.QueryRow(ctx, `SELECT `+healingColumns+`
FROM healing_events
WHERE target = $1 AND created_at >= $2
ORDER BY created_at DESC
LIMIT 1`, target, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.HealingEvent{}, dispatch.ErrNoHealingEvent
	}
	if err != nil {
		return dispatch.HealingEvent{}, fmt.Errorf("last healing event: %w", err)
	}
	return ev, nil
}

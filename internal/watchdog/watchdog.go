// Package watchdog detects stuck workers and resource-pool exhaustion and
// applies an escalating ladder of remediations, each recorded durably.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/localatlas/crawlops/internal/dispatch"
	"github.com/localatlas/crawlops/internal/metrics"
)

// Remediation actions in ladder order.
const (
	ActionSoftCleanup      = "soft_cleanup"
	ActionComponentRestart = "component_restart"
	ActionServiceRestart   = "service_restart"
)

// Remediator executes remediation actions. Implementations own the actual
// process and pool plumbing; the watchdog only decides what to run and when.
type Remediator interface {
	Remediate(ctx context.Context, action, target string) error
}

// Rung is one step of the remediation ladder.
type Rung struct {
	Action   string
	Cooldown time.Duration
}

// Config controls detection thresholds and the ladder.
type Config struct {
	// StaleAfter marks a worker stuck when its heartbeat is older than this.
	StaleAfter time.Duration
	// TypeStaleAfter overrides staleness per worker type.
	TypeStaleAfter map[string]time.Duration
	// ProcessCeiling triggers remediation when the sampled process count
	// meets or exceeds it. Zero disables the check.
	ProcessCeiling int
	// MemoryCeilingBytes triggers remediation when sampled memory meets or
	// exceeds it. Zero disables the check.
	MemoryCeilingBytes int64
	// EscalationWindow is how far back a prior healing event still counts
	// as "the previous rung" for ladder escalation.
	EscalationWindow time.Duration
	// Interval is the cadence of the background Run loop.
	Interval time.Duration
	// Ladder is the ordered remediation sequence. Empty uses DefaultLadder.
	Ladder []Rung
}

// DefaultLadder is the standard three-rung escalation.
func DefaultLadder() []Rung {
	return []Rung{
		{Action: ActionSoftCleanup, Cooldown: 5 * time.Minute},
		{Action: ActionComponentRestart, Cooldown: 15 * time.Minute},
		{Action: ActionServiceRestart, Cooldown: time.Hour},
	}
}

// Watchdog is the self-healing loop.
type Watchdog struct {
	heartbeats dispatch.HeartbeatStore
	healing    dispatch.HealingStore
	sampler    dispatch.ResourceSampler
	remediator Remediator
	cooldowns  CooldownKeeper
	clock      dispatch.Clock
	ids        dispatch.IDGenerator
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Watchdog.
func New(
	heartbeats dispatch.HeartbeatStore,
	healing dispatch.HealingStore,
	sampler dispatch.ResourceSampler,
	remediator Remediator,
	cooldowns CooldownKeeper,
	clock dispatch.Clock,
	ids dispatch.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Watchdog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.EscalationWindow <= 0 {
		cfg.EscalationWindow = 2 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultLadder()
	}
	metrics.Init()
	return &Watchdog{
		heartbeats: heartbeats,
		healing:    healing,
		sampler:    sampler,
		remediator: remediator,
		cooldowns:  cooldowns,
		clock:      clock,
		ids:        ids,
		cfg:        cfg,
		logger:     logger,
	}
}

func (w *Watchdog) staleAfterFor(workerType string) time.Duration {
	if d, ok := w.cfg.TypeStaleAfter[workerType]; ok {
		return d
	}
	return w.cfg.StaleAfter
}

// Check runs one detection pass and returns the healing events it emitted.
func (w *Watchdog) Check(ctx context.Context) ([]dispatch.HealingEvent, error) {
	now := w.clock.Now()
	var events []dispatch.HealingEvent

	workers, err := w.heartbeats.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	for _, hb := range workers {
		if now.Sub(hb.LastHeartbeat) < w.staleAfterFor(hb.WorkerType) {
			continue
		}
		if err := w.heartbeats.MarkStatus(ctx, hb.WorkerName, dispatch.WorkerStale); err != nil {
			w.logger.Error("mark worker stale failed", zap.String("worker", hb.WorkerName), zap.Error(err))
		}
		ev, acted, err := w.remediate(ctx, dispatch.TriggerStaleWorker, hb.WorkerName, now)
		if err != nil {
			return events, err
		}
		if acted {
			events = append(events, ev)
		}
	}

	if w.sampler != nil && (w.cfg.ProcessCeiling > 0 || w.cfg.MemoryCeilingBytes > 0) {
		sample, err := w.sampler.Sample(ctx)
		if err != nil {
			w.logger.Error("resource sample failed", zap.Error(err))
			return events, nil
		}
		if w.cfg.ProcessCeiling > 0 && sample.ProcessCount >= w.cfg.ProcessCeiling {
			ev, acted, err := w.remediate(ctx, dispatch.TriggerProcessCeiling, "process_pool", now)
			if err != nil {
				return events, err
			}
			if acted {
				events = append(events, ev)
			}
		}
		if w.cfg.MemoryCeilingBytes > 0 && sample.MemoryBytes >= w.cfg.MemoryCeilingBytes {
			ev, acted, err := w.remediate(ctx, dispatch.TriggerMemoryCeiling, "memory_pool", now)
			if err != nil {
				return events, err
			}
			if acted {
				events = append(events, ev)
			}
		}
	}

	return events, nil
}

// remediate picks the ladder rung for the target, honoring cooldowns and
// escalating past the previous rung when the condition fired again within
// the escalation window.
func (w *Watchdog) remediate(ctx context.Context, trigger dispatch.HealingTrigger, target string, now time.Time) (dispatch.HealingEvent, bool, error) {
	rungIdx := 0
	escalatedFrom := ""
	last, err := w.healing.LastForTarget(ctx, target, now.Add(-w.cfg.EscalationWindow))
	switch {
	case errors.Is(err, dispatch.ErrNoHealingEvent):
		// First remediation for this target, start at the bottom.
	case err != nil:
		return dispatch.HealingEvent{}, false, fmt.Errorf("load last healing event: %w", err)
	default:
		// The condition fired again after a prior remediation, so that
		// rung did not resolve it. Move one rung up, capped at the top.
		rungIdx = w.rungIndex(last.Action) + 1
		if rungIdx >= len(w.cfg.Ladder) {
			rungIdx = len(w.cfg.Ladder) - 1
		}
		escalatedFrom = last.ID
	}

	rung := w.cfg.Ladder[rungIdx]
	cooldownKey := target + ":" + rung.Action
	active, err := w.cooldowns.Active(ctx, cooldownKey)
	if err != nil {
		return dispatch.HealingEvent{}, false, fmt.Errorf("check cooldown: %w", err)
	}
	if active {
		w.logger.Debug("remediation suppressed by cooldown",
			zap.String("target", target),
			zap.String("action", rung.Action),
		)
		return dispatch.HealingEvent{}, false, nil
	}

	start := w.clock.Now()
	remErr := w.remediator.Remediate(ctx, rung.Action, target)
	duration := w.clock.Now().Sub(start)

	id, err := w.ids.NewID()
	if err != nil {
		return dispatch.HealingEvent{}, false, fmt.Errorf("generate event id: %w", err)
	}
	event := dispatch.HealingEvent{
		ID:            id,
		Trigger:       trigger,
		Target:        target,
		Action:        rung.Action,
		Success:       remErr == nil,
		Duration:      duration,
		EscalatedFrom: escalatedFrom,
		CreatedAt:     now,
	}
	if remErr != nil {
		event.Detail = remErr.Error()
	}
	if err := w.healing.Append(ctx, event); err != nil {
		return event, false, fmt.Errorf("append healing event: %w", err)
	}
	if err := w.cooldowns.Arm(ctx, cooldownKey, rung.Cooldown); err != nil {
		return event, false, fmt.Errorf("arm cooldown: %w", err)
	}

	metrics.ObserveHealingAction(rung.Action, event.Success)
	w.logger.Warn("remediation applied",
		zap.String("trigger", string(trigger)),
		zap.String("target", target),
		zap.String("action", rung.Action),
		zap.Bool("success", event.Success),
		zap.String("escalated_from", escalatedFrom),
	)
	return event, true, nil
}

func (w *Watchdog) rungIndex(action string) int {
	for i, r := range w.cfg.Ladder {
		if r.Action == action {
			return i
		}
	}
	return 0
}

// Run executes Check on the configured interval until the context ends.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil {
				w.logger.Error("watchdog pass failed", zap.Error(err))
			}
		}
	}
}

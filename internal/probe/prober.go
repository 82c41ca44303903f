// Package probe performs non-persisting health checks against a provider by
// running a single page through the real fetch pipeline.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/localatlas/crawlops/internal/campaign"
	"github.com/localatlas/crawlops/internal/dispatch"
	"github.com/localatlas/crawlops/internal/metrics"
)

// Verdict is the health classification a probe produces.
type Verdict string

// Probe verdicts.
const (
	VerdictHealthy   Verdict = "HEALTHY"
	VerdictDegraded  Verdict = "DEGRADED"
	VerdictUnhealthy Verdict = "UNHEALTHY"
)

// Report is the result of one dry-run probe.
type Report struct {
	Verdict    Verdict       `json:"verdict"`
	Provider   string        `json:"provider"`
	TargetID   string        `json:"target_id,omitempty"`
	ItemsFound int           `json:"items_found"`
	Accepted   int           `json:"accepted"`
	Rejected   int           `json:"rejected"`
	Blocked    bool          `json:"blocked"`
	Captcha    bool          `json:"captcha"`
	Detail     string        `json:"detail,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Prober runs a single-page crawl without claiming the target or writing any
// results. The store is read-only from its point of view.
type Prober struct {
	store     dispatch.TargetStore
	processor dispatch.Processor
	clock     dispatch.Clock
	logger    *zap.Logger
}

// New constructs a Prober.
func New(store dispatch.TargetStore, processor dispatch.Processor, clock dispatch.Clock, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Prober{
		store:     store,
		processor: processor,
		clock:     clock,
		logger:    logger,
	}
}

// Body adapts the prober to a scheduled dry-run campaign. The run's
// execution log carries the verdict instead of crawl counters; items_found
// reflects what the single probed page returned.
func (p *Prober) Body(provider string) campaign.Body {
	return func(ctx context.Context, rc *campaign.RunContext) error {
		report, err := p.Probe(ctx, provider)
		if err != nil {
			return err
		}
		rc.SetHealthVerdict(string(report.Verdict))
		rc.RecordTarget(report.ItemsFound, 0)
		return nil
	}
}

// Probe picks one PLANNED target for the provider, forces a single-page run
// through the processor, and classifies the outcome. The target is never
// claimed or mutated; a probe leaves zero trace in the target store.
func (p *Prober) Probe(ctx context.Context, provider string) (Report, error) {
	started := p.clock.Now()
	report := Report{Provider: provider}

	target, err := p.store.SelectNextPlanned(ctx, dispatch.TargetFilters{Provider: provider})
	if errors.Is(err, dispatch.ErrNoEligibleTarget) {
		report.Verdict = VerdictDegraded
		report.Detail = "no eligible target to probe"
		report.Duration = p.clock.Now().Sub(started)
		metrics.ObserveProbeVerdict(string(report.Verdict))
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("select probe target: %w", err)
	}
	report.TargetID = target.ID

	// Cap the run at one page in-memory only; the stored target keeps its
	// real limits.
	target.MaxResults = 1
	target.Cursor = dispatch.ResumeCursor{PageCurrent: 1, PageTarget: 1}

	result, procErr := p.processor.Process(ctx, target, 1)
	report.Accepted = result.Accepted
	report.Rejected = result.Rejected
	report.Blocked = result.Blocked
	report.Captcha = result.CaptchaDetected
	report.ItemsFound = result.Accepted + result.Rejected
	report.Duration = p.clock.Now().Sub(started)

	switch {
	case result.Blocked || result.CaptchaDetected:
		report.Verdict = VerdictUnhealthy
		if result.CaptchaDetected {
			report.Detail = "captcha challenge detected"
		} else {
			report.Detail = "provider is blocking requests"
		}
	case procErr != nil:
		class, reason := dispatch.Classify(procErr)
		report.Detail = reason
		if class == dispatch.ClassAccessDenied || class == dispatch.ClassPermanent {
			report.Verdict = VerdictUnhealthy
		} else {
			report.Verdict = VerdictDegraded
		}
	case result.Accepted == 0:
		report.Verdict = VerdictDegraded
		report.Detail = "page parsed but no results accepted"
	default:
		report.Verdict = VerdictHealthy
	}

	metrics.ObserveProbeVerdict(string(report.Verdict))
	p.logger.Info("probe finished",
		zap.String("provider", provider),
		zap.String("target_id", report.TargetID),
		zap.String("verdict", string(report.Verdict)),
		zap.Int("items_found", report.ItemsFound),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// Package metrics exposes Prometheus collectors for the dispatch subsystem.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	claimsTotal             *prometheus.CounterVec
	claimConflictsTotal     prometheus.Counter
	releasesTotal           *prometheus.CounterVec
	renewLostTotal          prometheus.Counter
	sweepRecoveredTotal     prometheus.Counter
	sweepRequeuedTotal      prometheus.Counter
	campaignRunsTotal       *prometheus.CounterVec
	campaignDurationSeconds *prometheus.HistogramVec
	probeVerdictsTotal      *prometheus.CounterVec
	healingActionsTotal     *prometheus.CounterVec
	backoffDelaySeconds     *prometheus.HistogramVec
	activeWorkers           prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		claimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_claims_total",
				Help: "Total claim attempts, labeled by result (won, empty).",
			},
			[]string{"result"},
		)

		claimConflictsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_claim_conflicts_total",
				Help: "Claim compare-and-set losses that forced reselection.",
			},
		)

		releasesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_releases_total",
				Help: "Total claim releases, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		renewLostTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_renew_lost_total",
				Help: "Renewals rejected because the claim changed hands.",
			},
		)

		sweepRecoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_sweep_recovered_total",
				Help: "Orphaned targets reset to PLANNED by the sweep.",
			},
		)

		sweepRequeuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_sweep_requeued_total",
				Help: "FAILED targets requeued after their backoff elapsed.",
			},
		)

		campaignRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_campaign_runs_total",
				Help: "Campaign runs, labeled by status.",
			},
			[]string{"status"},
		)

		campaignDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_campaign_duration_seconds",
				Help:    "Wall time per completed campaign run.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"job"},
		)

		probeVerdictsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_probe_verdicts_total",
				Help: "Dry-run probe outcomes, labeled by verdict.",
			},
			[]string{"verdict"},
		)

		healingActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_healing_actions_total",
				Help: "Watchdog remediations, labeled by action and success.",
			},
			[]string{"action", "success"},
		)

		backoffDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_backoff_delay_seconds",
				Help:    "Computed retry delays, labeled by error class.",
				Buckets: []float64{1, 2, 5, 15, 60, 300, 1800},
			},
			[]string{"class"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_active_workers",
				Help: "Workers currently processing a claimed target.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveClaim counts one claim attempt outcome ("won" or "empty").
func ObserveClaim(result string) {
	claimsTotal.WithLabelValues(result).Inc()
}

// ObserveClaimConflict counts a lost compare-and-set.
func ObserveClaimConflict() {
	claimConflictsTotal.Inc()
}

// ObserveRelease counts one release by outcome.
func ObserveRelease(outcome string) {
	releasesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRenewLost counts a renewal rejected for owner mismatch.
func ObserveRenewLost() {
	renewLostTotal.Inc()
}

// ObserveSweep records the counts of one orphan sweep pass.
func ObserveSweep(recovered, requeued int) {
	sweepRecoveredTotal.Add(float64(recovered))
	sweepRequeuedTotal.Add(float64(requeued))
}

// ObserveCampaignRun counts a run and its duration.
func ObserveCampaignRun(job, status string, duration time.Duration) {
	campaignRunsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		campaignDurationSeconds.WithLabelValues(job).Observe(duration.Seconds())
	}
}

// ObserveProbeVerdict counts a probe outcome.
func ObserveProbeVerdict(verdict string) {
	probeVerdictsTotal.WithLabelValues(verdict).Inc()
}

// ObserveHealingAction counts one watchdog remediation.
func ObserveHealingAction(action string, success bool) {
	label := "false"
	if success {
		label = "true"
	}
	healingActionsTotal.WithLabelValues(action, label).Inc()
}

// ObserveBackoffDelay records a computed retry delay.
func ObserveBackoffDelay(class string, delay time.Duration) {
	backoffDelaySeconds.WithLabelValues(class).Observe(delay.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

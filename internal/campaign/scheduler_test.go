// Package campaign tests run serialization and the execution log.
package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/localatlas/crawlops/internal/backoff"
	"github.com/localatlas/crawlops/internal/dispatch"
	"github.com/localatlas/crawlops/internal/storage/memory"
	"github.com/localatlas/crawlops/internal/sweep"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "run-" + string(rune('a'+g.n-1)), nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *memory.RunStore, *memory.TargetStore, *fixedClock) {
	t.Helper()
	targets := memory.NewTargetStore()
	runs := memory.NewRunStore()
	clk := &fixedClock{now: time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)}
	sw := sweep.New(targets, memory.NewHeartbeatStore(), backoff.NewPolicy(), clk, sweep.Config{}, zap.NewNop())
	sch := NewScheduler(runs, sw, clk, &seqIDs{}, zap.NewNop())
	return sch, runs, targets, clk
}

func TestRunRecordsCompletedEntry(t *testing.T) {
	t.Parallel()

	sch, runs, _, _ := newTestScheduler(t)

	entry, err := sch.Run(context.Background(), "daily_crawl", func(_ context.Context, rc *RunContext) error {
		rc.RecordTarget(12, 10)
		rc.RecordTarget(8, 8)
		rc.RecordError(dispatch.ReasonTimeout)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, dispatch.RunCompleted, entry.Status)
	require.Equal(t, 2, entry.TargetsProcessed)
	require.Equal(t, 20, entry.ItemsFound)
	require.Equal(t, 18, entry.ItemsSaved)
	require.Equal(t, []dispatch.ReasonCount{{Reason: dispatch.ReasonTimeout, Count: 1}}, entry.ErrorSummary)

	recent, err := runs.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, entry.ID, recent[0].ID)

	stats, err := runs.GetJobStats(context.Background(), "daily_crawl")
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalRuns)
	require.Equal(t, 1, stats.SuccessRuns)
	require.Equal(t, 0, stats.FailedRuns)
}

func TestRunCarriesHealthVerdict(t *testing.T) {
	t.Parallel()

	sch, runs, _, _ := newTestScheduler(t)

	entry, err := sch.Run(context.Background(), "provider_dryrun", func(_ context.Context, rc *RunContext) error {
		rc.SetHealthVerdict("HEALTHY")
		rc.RecordTarget(7, 0)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "HEALTHY", entry.HealthVerdict)

	recent, err := runs.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "HEALTHY", recent[0].HealthVerdict)

	// Normal crawl runs leave the verdict empty.
	entry, err = sch.Run(context.Background(), "daily_crawl", func(_ context.Context, _ *RunContext) error {
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, entry.HealthVerdict)
}

func TestRunRecordsFailure(t *testing.T) {
	t.Parallel()

	sch, runs, _, _ := newTestScheduler(t)
	boom := errors.New("processor exploded")

	entry, err := sch.Run(context.Background(), "daily_crawl", func(_ context.Context, _ *RunContext) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, dispatch.RunFailed, entry.Status)
	require.Equal(t, "processor exploded", entry.ErrorText)

	stats, err := runs.GetJobStats(context.Background(), "daily_crawl")
	require.NoError(t, err)
	require.Equal(t, 1, stats.FailedRuns)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	t.Parallel()

	sch, runs, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := sch.Run(context.Background(), "daily_crawl", func(_ context.Context, _ *RunContext) error {
			close(started)
			<-release
			return nil
		})
		require.NoError(t, err)
	}()

	<-started
	entry, err := sch.Run(context.Background(), "daily_crawl", func(_ context.Context, _ *RunContext) error {
		t.Error("overlapping body must not execute")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, dispatch.RunSkippedOverlap, entry.Status)

	close(release)
	wg.Wait()

	recent, err := runs.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	// Skipped runs do not count toward job stats.
	stats, err := runs.GetJobStats(context.Background(), "daily_crawl")
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalRuns)
}

func TestRunSweepsBeforeBody(t *testing.T) {
	t.Parallel()

	sch, _, targets, clk := newTestScheduler(t)
	stale := clk.Now().Add(-2 * time.Hour)
	targets.Put(dispatch.CrawlTarget{
		ID:          "t-orphan",
		Country:     "DE",
		City:        "Berlin",
		Category:    "restaurants",
		Provider:    "gmaps",
		Status:      dispatch.StatusInProgress,
		ClaimedBy:   "worker-dead",
		ClaimedAt:   &stale,
		HeartbeatAt: &stale,
	})

	entry, err := sch.Run(context.Background(), "daily_crawl", func(ctx context.Context, _ *RunContext) error {
		got, err := targets.Get(ctx, "t-orphan")
		require.NoError(t, err)
		require.Equal(t, dispatch.StatusPlanned, got.Status)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, entry.OrphansRecovered)
}

func TestErrorSummaryTopN(t *testing.T) {
	t.Parallel()

	rc := &RunContext{}
	counts := map[string]int{
		"timeout":      7,
		"http_5xx":     5,
		"rate_limited": 4,
		"blocked":      3,
		"captcha":      2,
		"unknown":      1,
	}
	for reason, n := range counts {
		for i := 0; i < n; i++ {
			rc.RecordError(reason)
		}
	}

	summary := rc.errorSummary()
	require.Len(t, summary, topNReasons)
	require.Equal(t, dispatch.ReasonCount{Reason: "timeout", Count: 7}, summary[0])
	for _, rc := range summary {
		require.NotEqual(t, "unknown", rc.Reason)
	}
}

func TestRunContextStopSignal(t *testing.T) {
	t.Parallel()

	rc := &RunContext{}
	require.False(t, rc.Stopped())
	rc.Stop()
	require.True(t, rc.Stopped())
}

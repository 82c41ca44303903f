// Package worker tests the claim -> process -> release loop end to end
// against the in-memory stores.
package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/localatlas/crawlops/internal/backoff"
	"github.com/localatlas/crawlops/internal/claim"
	"github.com/localatlas/crawlops/internal/dispatch"
	sinkmem "github.com/localatlas/crawlops/internal/sink/memory"
	"github.com/localatlas/crawlops/internal/storage/memory"
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

// scriptedProcessor returns results page by page from a script.
type scriptedProcessor struct {
	mu     sync.Mutex
	pages  []dispatch.ProcessResult
	errs   []error
	calls  int
	gotIDs []string
}

func (p *scriptedProcessor) Process(_ context.Context, target dispatch.CrawlTarget, _ int) (dispatch.ProcessResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	p.gotIDs = append(p.gotIDs, target.ID)
	var res dispatch.ProcessResult
	if i < len(p.pages) {
		res = p.pages[i]
	}
	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}
	return res, err
}

// tinyPolicy keeps retry delays microscopic so tests never sleep long.
func tinyPolicy() *backoff.Policy {
	return backoff.NewPolicyWithCurves(map[dispatch.ErrorClass]backoff.Curve{
		dispatch.ClassTransient:    {Base: time.Microsecond, Factor: 2, Max: time.Millisecond},
		dispatch.ClassRateLimited:  {Base: time.Microsecond, Factor: 2, Max: time.Millisecond},
		dispatch.ClassAccessDenied: {Base: time.Microsecond, Factor: 2, Max: time.Millisecond},
	}, 0)
}

type fixture struct {
	worker     *Worker
	targets    *memory.TargetStore
	heartbeats *memory.HeartbeatStore
	sink       *sinkmem.Sink
	processor  *scriptedProcessor
	clock      *fixedClock
}

func newFixture(t *testing.T, proc *scriptedProcessor) *fixture {
	t.Helper()
	return newFixtureWithPolicy(t, proc, tinyPolicy())
}

func newFixtureWithPolicy(t *testing.T, proc *scriptedProcessor, policy *backoff.Policy) *fixture {
	t.Helper()
	targets := memory.NewTargetStore()
	heartbeats := memory.NewHeartbeatStore()
	sink := sinkmem.New()
	clk := &fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	claims := claim.NewManager(targets, clk, claim.Config{MaxAttempts: 3}, zap.NewNop())
	w := New(Config{
		Name:              "worker-1",
		Type:              "http",
		HeartbeatInterval: time.Hour, // beat explicitly, not via ticker
		IdleDelay:         time.Millisecond,
		DefaultPageTarget: 3,
	}, claims, proc, sink, heartbeats, policy, clk, zap.NewNop())
	return &fixture{
		worker:     w,
		targets:    targets,
		heartbeats: heartbeats,
		sink:       sink,
		processor:  proc,
		clock:      clk,
	}
}

func planned(id string) dispatch.CrawlTarget {
	return dispatch.CrawlTarget{
		ID:       id,
		Country:  "DE",
		City:     id,
		Category: "restaurants",
		Provider: "gmaps",
		Priority: 5,
		Status:   dispatch.StatusPlanned,
	}
}

func claimFor(t *testing.T, f *fixture, id string) dispatch.CrawlTarget {
	t.Helper()
	got, err := f.worker.claims.ClaimNext(context.Background(), "worker-1", dispatch.TargetFilters{})
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	return got
}

func TestCrawlCompletesTarget(t *testing.T) {
	t.Parallel()

	proc := &scriptedProcessor{pages: []dispatch.ProcessResult{
		{Accepted: 10, Rejected: 1},
		{Accepted: 8},
		{Accepted: 5, Rejected: 2},
	}}
	f := newFixture(t, proc)
	f.targets.Put(planned("t-1"))

	f.worker.crawl(context.Background(), claimFor(t, f, "t-1"))

	got, err := f.targets.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, dispatch.StatusDone, got.Status)
	require.Equal(t, 26, got.ResultsFound)
	require.Equal(t, 23, got.ResultsSaved)
	require.Equal(t, 23, f.sink.TotalAccepted("t-1"))
	require.Equal(t, 3, proc.calls)
}

func TestCrawlResumesFromCursor(t *testing.T) {
	t.Parallel()

	proc := &scriptedProcessor{pages: []dispatch.ProcessResult{
		{Accepted: 4},
	}}
	f := newFixture(t, proc)
	tgt := planned("t-1")
	tgt.Cursor = dispatch.ResumeCursor{PageCurrent: 2, PageTarget: 3}
	f.targets.Put(tgt)

	f.worker.crawl(context.Background(), claimFor(t, f, "t-1"))

	// Only page 3 remained.
	require.Equal(t, 1, proc.calls)
	got, err := f.targets.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, dispatch.StatusDone, got.Status)
}

func TestCrawlBlockedReleasesFailed(t *testing.T) {
	t.Parallel()

	proc := &scriptedProcessor{pages: []dispatch.ProcessResult{
		{Blocked: true},
	}}
	f := newFixture(t, proc)
	f.targets.Put(planned("t-1"))

	f.worker.crawl(context.Background(), claimFor(t, f, "t-1"))

	got, err := f.targets.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, dispatch.StatusFailed, got.Status)
	require.Equal(t, dispatch.ReasonBlocked, got.LastError)
	require.Equal(t, 1, got.Attempts)
}

func TestCrawlPermanentErrorParksTarget(t *testing.T) {
	t.Parallel()

	proc := &scriptedProcessor{errs: []error{
		dispatch.NewProcessError(dispatch.ClassPermanent, dispatch.ReasonResourceGone, nil),
	}}
	f := newFixture(t, proc)
	f.targets.Put(planned("t-1"))

	f.worker.crawl(context.Background(), claimFor(t, f, "t-1"))

	got, err := f.targets.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, dispatch.StatusParked, got.Status)
	require.Equal(t, dispatch.ReasonResourceGone, got.LastError)
	require.NotNil(t, got.FinishedAt)
}

func TestFailBackoffFollowsAttemptCount(t *testing.T) {
	t.Parallel()

	// transient curve without jitter: failures=1 -> 10ms, failures=3 -> 40ms.
	policy := backoff.NewPolicyWithCurves(map[dispatch.ErrorClass]backoff.Curve{
		dispatch.ClassTransient: {Base: 10 * time.Millisecond, Factor: 2, Max: time.Second},
	}, 0)
	proc := &scriptedProcessor{errs: []error{
		dispatch.NewProcessError(dispatch.ClassTransient, dispatch.ReasonServerError, nil),
	}}
	f := newFixtureWithPolicy(t, proc, policy)
	tgt := planned("t-1")
	tgt.Attempts = 2 // two prior failures, so this one backs off as the third
	f.targets.Put(tgt)

	start := time.Now()
	f.worker.crawl(context.Background(), claimFor(t, f, "t-1"))
	elapsed := time.Since(start)

	// Third consecutive failure pauses for the full 40ms, not the base delay.
	require.GreaterOrEqual(t, elapsed, 35*time.Millisecond)

	got, err := f.targets.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, dispatch.StatusFailed, got.Status)
	require.Equal(t, 3, got.Attempts)
}

func TestCrawlStopsWhenClaimLost(t *testing.T) {
	t.Parallel()

	proc := &scriptedProcessor{pages: []dispatch.ProcessResult{
		{Accepted: 3},
		{Accepted: 3},
	}}
	f := newFixture(t, proc)
	f.targets.Put(planned("t-1"))
	claimed := claimFor(t, f, "t-1")

	// Simulate the sweep taking the target over before the first renew.
	reset, err := f.targets.ResetOrphan(context.Background(), "t-1", *claimed.HeartbeatAt, "taken over", f.clock.Now())
	require.NoError(t, err)
	require.True(t, reset)

	f.worker.crawl(context.Background(), claimed)

	// Only the first page ran; the renew failure stopped the loop.
	require.Equal(t, 1, proc.calls)
	got, err := f.targets.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, dispatch.StatusPlanned, got.Status)
}

func TestRunProcessesQueueAndStops(t *testing.T) {
	t.Parallel()

	proc := &scriptedProcessor{pages: []dispatch.ProcessResult{
		{Accepted: 2}, {Accepted: 1}, {Accepted: 1},
		{Accepted: 4}, {Accepted: 2}, {Accepted: 2},
	}}
	f := newFixture(t, proc)
	f.targets.Put(planned("t-a"))
	tgtB := planned("t-b")
	tgtB.Priority = 1
	f.targets.Put(tgtB)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := f.targets.CountByStatus(context.Background())
		return err == nil && counts[dispatch.StatusDone] == 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	hb, err := f.heartbeats.Get(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, dispatch.WorkerStopped, hb.Status)
}

// Package claim tests the lease lifecycle against the in-memory store.
package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/localatlas/crawlops/internal/dispatch"
	"github.com/localatlas/crawlops/internal/storage/memory"
)

// fixedClock returns a settable time for deterministic lease timestamps.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *memory.TargetStore, *fixedClock) {
	t.Helper()
	store := memory.NewTargetStore()
	clk := &fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	mgr := NewManager(store, clk, Config{MaxAttempts: 3, MaxSelectRetries: 3}, zap.NewNop())
	return mgr, store, clk
}

func plannedTarget(id string, priority int) dispatch.CrawlTarget {
	return dispatch.CrawlTarget{
		ID:       id,
		Country:  "DE",
		City:     "Berlin",
		Category: "restaurants",
		Provider: "gmaps",
		Priority: priority,
		Status:   dispatch.StatusPlanned,
	}
}

func TestClaimNextReturnsHighestPriority(t *testing.T) {
	t.Parallel()

	mgr, store, clk := newTestManager(t)
	low := plannedTarget("t-low", 1)
	low.City = "Bonn"
	store.Put(low)
	store.Put(plannedTarget("t-high", 9))

	got, err := mgr.ClaimNext(context.Background(), "worker-1", dispatch.TargetFilters{})
	require.NoError(t, err)
	require.Equal(t, "t-high", got.ID)
	require.Equal(t, dispatch.StatusInProgress, got.Status)
	require.Equal(t, "worker-1", got.ClaimedBy)
	require.NotNil(t, got.ClaimedAt)
	require.Equal(t, clk.Now(), *got.ClaimedAt)

	persisted, err := store.Get(context.Background(), "t-high")
	require.NoError(t, err)
	require.Equal(t, dispatch.StatusInProgress, persisted.Status)
}

func TestClaimNextEmptyQueue(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newTestManager(t)
	_, err := mgr.ClaimNext(context.Background(), "worker-1", dispatch.TargetFilters{})
	require.ErrorIs(t, err, dispatch.ErrNoEligibleTarget)
}

func TestClaimNextConcurrentWorkersGetDistinctTargets(t *testing.T) {
	t.Parallel()

	mgr, store, _ := newTestManager(t)
	cities := []string{"Berlin", "Hamburg", "Munich", "Cologne"}
	for _, city := range cities {
		tgt := plannedTarget("t-"+city, 5)
		tgt.City = city
		store.Put(tgt)
	}

	var mu sync.Mutex
	claimed := make(map[string]string)
	var wg sync.WaitGroup
	for i := 0; i < len(cities); i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			got, err := mgr.ClaimNext(context.Background(), worker, dispatch.TargetFilters{})
			if err != nil {
				return
			}
			mu.Lock()
			claimed[got.ID] = worker
			mu.Unlock()
		}("worker-" + cities[i])
	}
	wg.Wait()

	// Every claimed target belongs to exactly one worker.
	require.Len(t, claimed, len(cities))
}

func TestRenewLostClaim(t *testing.T) {
	t.Parallel()

	mgr, store, _ := newTestManager(t)
	store.Put(plannedTarget("t-1", 5))

	got, err := mgr.ClaimNext(context.Background(), "worker-1", dispatch.TargetFilters{})
	require.NoError(t, err)

	renewed, err := mgr.Renew(context.Background(), got.ID, "worker-1", dispatch.ResumeCursor{PageCurrent: 2, PageTarget: 10})
	require.NoError(t, err)
	require.True(t, renewed)

	// A stranger never holds this lease.
	renewed, err = mgr.Renew(context.Background(), got.ID, "worker-2", dispatch.ResumeCursor{PageCurrent: 3})
	require.NoError(t, err)
	require.False(t, renewed)

	persisted, err := store.Get(context.Background(), got.ID)
	require.NoError(t, err)
	require.Equal(t, 2, persisted.Cursor.PageCurrent)
}

func TestReleaseDone(t *testing.T) {
	t.Parallel()

	mgr, store, clk := newTestManager(t)
	store.Put(plannedTarget("t-1", 5))

	got, err := mgr.ClaimNext(context.Background(), "worker-1", dispatch.TargetFilters{})
	require.NoError(t, err)
	clk.Advance(45 * time.Second)

	err = mgr.Release(context.Background(), got.ID, "worker-1", dispatch.OutcomeDone, dispatch.ReleaseStats{
		ResultsFound: 40,
		ResultsSaved: 38,
	})
	require.NoError(t, err)

	persisted, err := store.Get(context.Background(), got.ID)
	require.NoError(t, err)
	require.Equal(t, dispatch.StatusDone, persisted.Status)
	require.Empty(t, persisted.ClaimedBy)
	require.Nil(t, persisted.ClaimedAt)
	require.NotNil(t, persisted.FinishedAt)
	require.Equal(t, 40, persisted.ResultsFound)
	require.Equal(t, 38, persisted.ResultsSaved)
}

func TestReleaseFailedBelowCeilingStaysFailed(t *testing.T) {
	t.Parallel()

	mgr, store, _ := newTestManager(t)
	store.Put(plannedTarget("t-1", 5))

	got, err := mgr.ClaimNext(context.Background(), "worker-1", dispatch.TargetFilters{})
	require.NoError(t, err)

	err = mgr.Release(context.Background(), got.ID, "worker-1", dispatch.OutcomeFailed, dispatch.ReleaseStats{Reason: "timeout"})
	require.NoError(t, err)

	persisted, err := store.Get(context.Background(), got.ID)
	require.NoError(t, err)
	require.Equal(t, dispatch.StatusFailed, persisted.Status)
	require.Equal(t, 1, persisted.Attempts)
	require.Nil(t, persisted.FinishedAt)
}

func TestReleaseFailedPastCeilingMarksStuck(t *testing.T) {
	t.Parallel()

	mgr, store, _ := newTestManager(t)
	tgt := plannedTarget("t-1", 5)
	tgt.Attempts = 3 // already at the ceiling; the next failure exceeds it
	store.Put(tgt)

	got, err := mgr.ClaimNext(context.Background(), "worker-1", dispatch.TargetFilters{})
	require.NoError(t, err)

	err = mgr.Release(context.Background(), got.ID, "worker-1", dispatch.OutcomeFailed, dispatch.ReleaseStats{Reason: "http_5xx"})
	require.NoError(t, err)

	persisted, err := store.Get(context.Background(), got.ID)
	require.NoError(t, err)
	require.Equal(t, dispatch.StatusStuck, persisted.Status)
	require.Equal(t, 4, persisted.Attempts)
	require.NotNil(t, persisted.FinishedAt)
}

func TestReleaseByNonOwnerReturnsClaimLost(t *testing.T) {
	t.Parallel()

	mgr, store, _ := newTestManager(t)
	store.Put(plannedTarget("t-1", 5))

	got, err := mgr.ClaimNext(context.Background(), "worker-1", dispatch.TargetFilters{})
	require.NoError(t, err)

	err = mgr.Release(context.Background(), got.ID, "worker-2", dispatch.OutcomeDone, dispatch.ReleaseStats{})
	require.True(t, errors.Is(err, dispatch.ErrClaimLost))
}

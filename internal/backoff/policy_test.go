package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localatlas/crawlops/internal/dispatch"
)

func TestCurveMonotoneNonDecreasing(t *testing.T) {
	t.Parallel()

	p := NewPolicy()
	for _, class := range []dispatch.ErrorClass{
		dispatch.ClassRateLimited,
		dispatch.ClassTransient,
		dispatch.ClassAccessDenied,
	} {
		prev := time.Duration(0)
		for n := 1; n <= 16; n++ {
			d := p.Curve(class, n)
			require.GreaterOrEqual(t, d, prev, "class %s failures %d", class, n)
			prev = d
		}
	}
}

func TestCurveStartsAtBase(t *testing.T) {
	t.Parallel()

	p := NewPolicy()
	require.Equal(t, 2*time.Second, p.Curve(dispatch.ClassRateLimited, 1))
	require.Equal(t, time.Second, p.Curve(dispatch.ClassTransient, 1))
	require.Equal(t, 30*time.Second, p.Curve(dispatch.ClassAccessDenied, 1))
	// A success resets the caller's failure count to zero; the next failure
	// computes from the base again.
	require.Equal(t, p.Curve(dispatch.ClassTransient, 1), p.Curve(dispatch.ClassTransient, 0))
}

func TestAccessDeniedFollowsAggressiveCurve(t *testing.T) {
	t.Parallel()

	p := NewPolicy()
	// After 3 consecutive access-denied failures the 4th delay strictly
	// exceeds the 1st even across worst-case jitter: 8x base * 0.8 > base * 1.2.
	first := p.Delay(dispatch.ClassAccessDenied, 1)
	fourth := p.Delay(dispatch.ClassAccessDenied, 4)
	require.Greater(t, fourth, first)
	require.Equal(t, 8*p.Curve(dispatch.ClassAccessDenied, 1), p.Curve(dispatch.ClassAccessDenied, 4))
}

func TestDelayCapped(t *testing.T) {
	t.Parallel()

	p := NewPolicy()
	require.Equal(t, 2*time.Minute, p.Curve(dispatch.ClassTransient, 40))
	require.Equal(t, 30*time.Minute, p.Curve(dispatch.ClassAccessDenied, 40))
}

func TestDelayJitterWithinBounds(t *testing.T) {
	t.Parallel()

	p := NewPolicy()
	base := p.Curve(dispatch.ClassRateLimited, 3)
	lo := time.Duration(float64(base) * 0.8)
	hi := time.Duration(float64(base) * 1.2)
	for i := 0; i < 50; i++ {
		d := p.Delay(dispatch.ClassRateLimited, 3)
		require.GreaterOrEqual(t, d, lo)
		require.LessOrEqual(t, d, hi)
	}
}

func TestNonRetryableClassesGetNoDelay(t *testing.T) {
	t.Parallel()

	p := NewPolicy()
	require.Zero(t, p.Delay(dispatch.ClassPermanent, 3))
	require.Zero(t, p.Delay(dispatch.ClassInternal, 3))
}

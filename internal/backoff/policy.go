// Package backoff computes retry delays from an error class and the
// consecutive-failure count. The curve per class is exponential with a cap;
// access-denied failures back off far more aggressively than the rest.
package backoff

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/localatlas/crawlops/internal/dispatch"
)

// Curve describes one class's exponential schedule.
type Curve struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Policy maps error classes to curves. The zero value is unusable; construct
// with NewPolicy.
type Policy struct {
	curves        map[dispatch.ErrorClass]Curve
	jitterPercent int
}

// NewPolicy builds a policy with the standard curves: small-base exponential
// for rate-limited and transient-server failures, a larger base for
// access-denied/blocked. Non-retryable classes get no delay.
func NewPolicy() *Policy {
	return &Policy{
		curves: map[dispatch.ErrorClass]Curve{
			dispatch.ClassRateLimited:  {Base: 2 * time.Second, Factor: 2, Max: 5 * time.Minute},
			dispatch.ClassTransient:    {Base: 1 * time.Second, Factor: 2, Max: 2 * time.Minute},
			dispatch.ClassAccessDenied: {Base: 30 * time.Second, Factor: 2, Max: 30 * time.Minute},
		},
		jitterPercent: 20,
	}
}

// NewPolicyWithCurves builds a policy from explicit curves, used when the
// schedule comes from configuration.
func NewPolicyWithCurves(curves map[dispatch.ErrorClass]Curve, jitterPercent int) *Policy {
	return &Policy{curves: curves, jitterPercent: jitterPercent}
}

// Delay returns the wait before the next attempt after consecutiveFailures
// failures of the given class, with ±20% uniform jitter. A success resets the
// caller's failure count, so the next delay starts from the base again.
// Non-retryable classes return 0.
func (p *Policy) Delay(class dispatch.ErrorClass, consecutiveFailures int) time.Duration {
	base := p.Curve(class, consecutiveFailures)
	if base <= 0 {
		return 0
	}
	return jitter(base, p.jitterPercent)
}

// Curve returns the pre-jitter delay, monotonically non-decreasing in
// consecutiveFailures for a fixed class.
func (p *Policy) Curve(class dispatch.ErrorClass, consecutiveFailures int) time.Duration {
	c, ok := p.curves[class]
	if !ok {
		return 0
	}
	if consecutiveFailures < 1 {
		consecutiveFailures = 1
	}
	d := float64(c.Base) * math.Pow(c.Factor, float64(consecutiveFailures-1))
	if d > float64(c.Max) {
		d = float64(c.Max)
	}
	return time.Duration(d)
}

// jitter scales d by a uniform factor in [1-pct%, 1+pct%]. Jitter keeps
// workers sharing a failure pattern from retrying in lockstep.
func jitter(d time.Duration, pct int) time.Duration {
	if pct <= 0 {
		return d
	}
	span := int64(d) * int64(pct) / 100
	if span <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(2*span+1))
	if err != nil {
		return d
	}
	return time.Duration(int64(d) - span + n.Int64())
}

package dispatch

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors shared across stores and managers.
var (
	// ErrNoEligibleTarget means selection found no PLANNED target matching
	// the filters.
	ErrNoEligibleTarget = errors.New("no eligible target")
	// ErrClaimLost means an owner-conditioned update matched no row: the
	// claim was taken over. Callers must stop work on the target.
	ErrClaimLost = errors.New("claim lost")
	// ErrTargetNotFound means the target id does not exist.
	ErrTargetNotFound = errors.New("target not found")
	// ErrWorkerNotFound means no heartbeat row exists for the worker.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrNoHealingEvent means no prior healing event matched the query.
	ErrNoHealingEvent = errors.New("no healing event")
)

// ErrorClass groups failures for backoff and retry decisions.
type ErrorClass string

// Error classes per the retry taxonomy: the first three retry with backoff,
// permanent parks the target, internal aborts without mutating it.
const (
	ClassTransient    ErrorClass = "transient"
	ClassRateLimited  ErrorClass = "rate_limited"
	ClassAccessDenied ErrorClass = "access_denied"
	ClassPermanent    ErrorClass = "permanent"
	ClassInternal     ErrorClass = "internal"
)

// Retryable reports whether the class re-enters the retry loop.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTransient, ClassRateLimited, ClassAccessDenied:
		return true
	default:
		return false
	}
}

// Reason codes recorded on last_error and aggregated into run summaries.
const (
	ReasonTimeout         = "timeout"
	ReasonServerError     = "http_5xx"
	ReasonRateLimited     = "rate_limited"
	ReasonBlocked         = "blocked"
	ReasonCaptcha         = "captcha"
	ReasonMalformedTarget = "malformed_target"
	ReasonResourceGone    = "resource_gone"
	ReasonStoreUnavail    = "store_unavailable"
	ReasonCanceled        = "canceled"
	ReasonUnknown         = "unknown"
)

// ClassForReason recovers the error class from a persisted reason code, used
// when deciding retry delays for targets read back from the store.
func ClassForReason(reason string) ErrorClass {
	switch reason {
	case ReasonRateLimited:
		return ClassRateLimited
	case ReasonBlocked, ReasonCaptcha:
		return ClassAccessDenied
	case ReasonMalformedTarget, ReasonResourceGone:
		return ClassPermanent
	case ReasonCanceled:
		return ClassInternal
	default:
		return ClassTransient
	}
}

// ProcessError carries a classified failure out of the fetch pipeline.
type ProcessError struct {
	Class  ErrorClass
	Reason string
	Err    error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *ProcessError) Unwrap() error { return e.Err }

// NewProcessError wraps err with a class and short reason code.
func NewProcessError(class ErrorClass, reason string, err error) *ProcessError {
	return &ProcessError{Class: class, Reason: reason, Err: err}
}

// Classify maps an error from the fetch pipeline to (class, reason). Blocked
// and CAPTCHA signals are reported through ProcessResult, not errors, and are
// classified by the caller.
func Classify(err error) (ErrorClass, string) {
	if err == nil {
		return ClassTransient, ReasonUnknown
	}
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.Class, pe.Reason
	}
	if errors.Is(err, context.Canceled) {
		return ClassInternal, ReasonCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient, ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient, ReasonTimeout
	}
	return ClassTransient, ReasonUnknown
}

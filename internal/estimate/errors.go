package estimate

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/scout-interest/scout/internal/resilience"
	"github.com/scout-interest/scout/pkg/meta"
)

// RateLimitError means Meta throttled the call. Retryable.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return "rate limited: " + e.Err.Error() }

// Unwrap exposes the error as transient to the generic retry helpers.
func (e *RateLimitError) Unwrap() error {
	return &resilience.TransientError{Err: e.Err, StatusCode: http.StatusTooManyRequests, RetryAfter: e.RetryAfter}
}

// TransientNetworkError covers timeouts, connection failures and 5xx
// answers. Retryable.
type TransientNetworkError struct {
	Err        error
	StatusCode int
}

func (e *TransientNetworkError) Error() string { return "transient failure: " + e.Err.Error() }

func (e *TransientNetworkError) Unwrap() error {
	return &resilience.TransientError{Err: e.Err, StatusCode: e.StatusCode}
}

// InvalidTargetingError means Meta rejected the targeting spec. Terminal.
type InvalidTargetingError struct {
	Err error
}

func (e *InvalidTargetingError) Error() string { return "invalid targeting: " + e.Err.Error() }
func (e *InvalidTargetingError) Unwrap() error { return e.Err }

// FatalConfigError means the client cannot work at all, e.g. a missing ad
// account or a rejected access token. It aborts the whole batch.
type FatalConfigError struct {
	Reason string
	Err    error
}

func (e *FatalConfigError) Error() string {
	if e.Err != nil {
		return "fatal config: " + e.Reason + ": " + e.Err.Error()
	}
	return "fatal config: " + e.Reason
}

func (e *FatalConfigError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a RateLimitError or
// TransientNetworkError.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	var tn *TransientNetworkError
	return errors.As(err, &rl) || errors.As(err, &tn)
}

// tripsBreaker counts transport and server failures against the circuit.
// Throttling never opens it.
func tripsBreaker(err error) bool {
	var tn *TransientNetworkError
	return errors.As(err, &tn)
}

// IsRateLimited reports whether err is a RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsFatal reports whether err is a FatalConfigError.
func IsFatal(err error) bool {
	var fc *FatalConfigError
	return errors.As(err, &fc)
}

// Classify maps a raw Meta client error onto the error taxonomy. parent is
// the caller's context; a deadline hit while parent is still live is a
// per-call timeout and therefore transient. Already classified errors and
// caller cancellations pass through unchanged.
func Classify(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if IsRetryable(err) || IsFatal(err) {
		return err
	}
	var it *InvalidTargetingError
	if errors.As(err, &it) {
		return err
	}
	if parent != nil && parent.Err() != nil {
		return err
	}

	var apiErr *meta.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Throttled():
			return &RateLimitError{Err: err, RetryAfter: apiErr.RetryAfter}
		case apiErr.AuthFailure():
			return &FatalConfigError{Reason: "meta rejected credentials", Err: err}
		case apiErr.ServerSide(), resilience.IsTransientHTTPStatus(apiErr.StatusCode):
			return &TransientNetworkError{Err: err, StatusCode: apiErr.StatusCode}
		default:
			return &InvalidTargetingError{Err: err}
		}
	}

	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientNetworkError{Err: err}
	}
	// Anything else failed below the API layer: dial errors, resets,
	// truncated bodies.
	return &TransientNetworkError{Err: err}
}

// Outcome labels a call result for metrics.
func Outcome(err error) string {
	var it *InvalidTargetingError
	switch {
	case err == nil:
		return "ok"
	case IsRateLimited(err):
		return "rate_limited"
	case IsRetryable(err):
		return "transient"
	case IsFatal(err):
		return "fatal"
	case errors.As(err, &it):
		return "invalid"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

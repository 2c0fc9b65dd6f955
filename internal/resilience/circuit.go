// Package resilience provides retry and circuit breaker helpers for calls to
// the Meta Marketing API.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the breaker position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen matches every rejection by an open breaker.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// OpenError is returned when a call is rejected. Remaining is how long until
// the breaker admits a probe, so callers can wait instead of spinning.
type OpenError struct {
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open (probe in %s)", e.Remaining.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrCircuitOpen) hold.
func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures that
	// open the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before admitting
	// probes. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes is both the number of probes admitted at once while
	// half-open and the number of successes needed to close. Default: 1.
	HalfOpenMaxProbes int

	// ProbeWait is the wait hinted to callers turned away because every
	// half-open probe slot is taken. Default: 250ms.
	ProbeWait time.Duration

	// MaxWait bounds how long WaitVal waits out rejections before giving
	// the rejection back to the caller. Default: twice ResetTimeout.
	MaxWait time.Duration

	// ShouldTrip decides which failures count. Default: IsTransient, so a
	// rejected targeting spec never opens the circuit.
	ShouldTrip func(err error) bool

	// OnStateChange is called on every transition, under the breaker lock.
	OnStateChange func(from, to CircuitState)
}

// CircuitBreaker guards one upstream shared by every worker. While
// half-open it admits at most HalfOpenMaxProbes calls at a time; the rest
// are rejected as if open.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu         sync.Mutex
	state      CircuitState
	failures   int
	openedAt   time.Time
	probing    int
	probeWins  int
	generation uint64
	nowFunc    func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	if cfg.ProbeWait <= 0 {
		cfg.ProbeWait = 250 * time.Millisecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * cfg.ResetTimeout
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsTransient
	}
	return &CircuitBreaker{cfg: cfg, nowFunc: time.Now}
}

// ExecuteVal runs fn unless the breaker rejects it, and records the result.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	gen, probe, err := cb.admit()
	if err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(gen, probe, err)
	return val, err
}

// WaitVal is ExecuteVal for callers that would rather queue than fail: a
// rejection is waited out until the breaker admits the call, ctx ends, or
// MaxWait has passed. Time spent waiting is not a call attempt.
func WaitVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var waited time.Duration
	for {
		val, err := ExecuteVal(ctx, cb, fn)
		var oe *OpenError
		if !errors.As(err, &oe) {
			return val, err
		}
		wait := max(oe.Remaining, time.Millisecond)
		if waited+wait > cb.cfg.MaxWait || !sleep(ctx, wait) {
			return val, err
		}
		waited += wait
	}
}

// Execute is ExecuteVal for calls without a result.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// State returns the current position. An open breaker whose timeout has
// elapsed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Failures returns the consecutive tripping failures seen while closed.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) admit() (gen uint64, probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		wait := cb.cfg.ResetTimeout - cb.nowFunc().Sub(cb.openedAt)
		if wait > 0 {
			return 0, false, &OpenError{Remaining: wait}
		}
		cb.transition(CircuitHalfOpen)
	}
	if cb.state == CircuitHalfOpen {
		if cb.probing >= cb.cfg.HalfOpenMaxProbes {
			return 0, false, &OpenError{Remaining: cb.cfg.ProbeWait}
		}
		cb.probing++
		return cb.generation, true, nil
	}
	return cb.generation, false, nil
}

// record applies a call result. Results from calls admitted before the
// last transition are ignored, except that a probe always frees its slot.
func (cb *CircuitBreaker) record(gen uint64, probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe && gen == cb.generation && cb.probing > 0 {
		cb.probing--
	}
	if gen != cb.generation {
		return
	}
	tripped := err != nil && cb.cfg.ShouldTrip(err)

	switch cb.state {
	case CircuitClosed:
		if !tripped {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	case CircuitHalfOpen:
		if tripped {
			cb.open()
			return
		}
		cb.probeWins++
		if cb.probeWins >= cb.cfg.HalfOpenMaxProbes {
			cb.transition(CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.nowFunc()
	cb.transition(CircuitOpen)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.failures = 0
	cb.probing = 0
	cb.probeWins = 0
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

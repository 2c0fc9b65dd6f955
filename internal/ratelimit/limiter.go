// Package ratelimit paces outbound Meta API calls.
//
// A Limiter enforces three budgets at once: a cap on calls started within
// any rolling window (calls per minute), a cap on calls in flight, and a
// minimum spacing between consecutive call starts. One Limiter is built per
// process and shared by every worker that talks to the API.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds the limiter budgets.
type Config struct {
	// CallsPerMinute caps call starts within any rolling Window.
	CallsPerMinute int
	// MaxConcurrent caps calls in flight.
	MaxConcurrent int
	// MinTimeBetweenCalls is the minimum gap between two call starts.
	MinTimeBetweenCalls time.Duration
	// Window is the rolling window CallsPerMinute applies to. Default: 1m.
	Window time.Duration
}

// WaitObserver receives the time each Acquire spent queued.
type WaitObserver func(wait time.Duration)

// Option configures a Limiter.
type Option func(*Limiter)

// WithWaitObserver reports queueing time, e.g. to a histogram.
func WithWaitObserver(fn WaitObserver) Option {
	return func(l *Limiter) {
		l.observe = fn
	}
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg Config

	slots   *semaphore.Weighted
	gate    *semaphore.Weighted
	spacing *rate.Limiter

	mu     sync.Mutex
	starts []time.Time

	inFlight atomic.Int64
	observe  WaitObserver
}

// New builds a Limiter. Non-positive budgets fall back to one call at a time
// and 60 calls per window.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.CallsPerMinute <= 0 {
		cfg.CallsPerMinute = 60
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}

	limit := rate.Inf
	if cfg.MinTimeBetweenCalls > 0 {
		limit = rate.Every(cfg.MinTimeBetweenCalls)
	}

	l := &Limiter{
		cfg:     cfg,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		gate:    semaphore.NewWeighted(1),
		spacing: rate.NewLimiter(limit, 1),
		starts:  make([]time.Time, 0, cfg.CallsPerMinute),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the budgets the limiter was built with.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Acquire blocks until a call may start and returns a release func that
// must be called once the call completes, whether it succeeded or not.
// Calls over budget queue; they are never dropped. On error no slot is held.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	queued := time.Now()

	if err := l.slots.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "ratelimit: wait for slot")
	}
	release := sync.OnceFunc(func() {
		l.inFlight.Add(-1)
		l.slots.Release(1)
	})
	l.inFlight.Add(1)

	// Admission is serialized so the spacing wait is the last thing before
	// the start is recorded.
	if err := l.gate.Acquire(ctx, 1); err != nil {
		release()
		return nil, eris.Wrap(err, "ratelimit: wait for admission")
	}
	err := l.admit(ctx)
	l.gate.Release(1)
	if err != nil {
		release()
		return nil, err
	}

	if l.observe != nil {
		l.observe(time.Since(queued))
	}
	return release, nil
}

// InFlight returns the number of slots currently held.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Recent returns the number of call starts within the current window.
func (l *Limiter) Recent() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	return len(l.starts)
}

func (l *Limiter) admit(ctx context.Context) error {
	for {
		wait := l.windowWait(time.Now())
		if wait <= 0 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return eris.Wrap(ctx.Err(), "ratelimit: wait for window")
		case <-timer.C:
		}
	}

	if err := l.spacing.Wait(ctx); err != nil {
		return eris.Wrap(err, "ratelimit: wait for spacing")
	}

	l.mu.Lock()
	now := time.Now()
	l.prune(now)
	l.starts = append(l.starts, now)
	l.mu.Unlock()
	return nil
}

// windowWait returns how long until the rolling window has room.
func (l *Limiter) windowWait(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	if len(l.starts) < l.cfg.CallsPerMinute {
		return 0
	}
	return l.starts[0].Add(l.cfg.Window).Sub(now)
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.starts) && !l.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.starts = append(l.starts[:0], l.starts[i:]...)
	}
}

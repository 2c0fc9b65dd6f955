// Package estimate issues paced, retried and classified calls to the Meta
// Marketing API on behalf of the batch pipeline.
package estimate

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scout-interest/scout/internal/model"
	"github.com/scout-interest/scout/internal/ratelimit"
	"github.com/scout-interest/scout/internal/resilience"
	"github.com/scout-interest/scout/pkg/meta"
)

// Observer records per-call outcomes.
type Observer interface {
	ObserveCall(op, outcome string, d time.Duration)
}

// Options configures a Client.
type Options struct {
	AdAccountID string
	// CallTimeout bounds each outbound call. Default: 30s.
	CallTimeout time.Duration
	Retry       resilience.RetryConfig
	Breaker     resilience.CircuitBreakerConfig
	Observer    Observer
}

// Client wraps a meta.Client with the shared limiter, retry and a circuit
// breaker. Every outbound call holds a limiter slot for its duration.
type Client struct {
	api     meta.Client
	limiter *ratelimit.Limiter
	breaker *resilience.CircuitBreaker
	opts    Options
}

// NewClient creates a Client. limiter is shared by every caller in the
// process.
func NewClient(api meta.Client, limiter *ratelimit.Limiter, opts Options) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Retry.ShouldRetry == nil {
		opts.Retry.ShouldRetry = IsRetryable
	}
	if opts.Breaker.ShouldTrip == nil {
		opts.Breaker.ShouldTrip = tripsBreaker
	}
	if opts.Breaker.OnStateChange == nil {
		opts.Breaker.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("estimate: meta circuit state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	return &Client{
		api:     api,
		limiter: limiter,
		breaker: resilience.NewCircuitBreaker(opts.Breaker),
		opts:    opts,
	}
}

// CheckConfig returns a FatalConfigError when the client cannot make calls.
func (c *Client) CheckConfig() error {
	if c.api == nil {
		return &FatalConfigError{Reason: "meta client not configured"}
	}
	if strings.TrimSpace(strings.TrimPrefix(c.opts.AdAccountID, "act_")) == "" {
		return &FatalConfigError{Reason: "missing ad account id"}
	}
	return nil
}

// Limiter returns the shared limiter.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Estimate returns the normalized reach estimate for targeting.
func (c *Client) Estimate(ctx context.Context, targeting *meta.Targeting) (*model.ReachEstimate, error) {
	if err := c.CheckConfig(); err != nil {
		return nil, err
	}
	est, err := call(ctx, c, "reachestimate", func(ctx context.Context) (*meta.ReachEstimate, error) {
		return c.api.ReachEstimate(ctx, c.opts.AdAccountID, targeting)
	})
	if err != nil {
		return nil, err
	}
	return &model.ReachEstimate{
		UsersLowerBound: est.UsersLowerBound,
		UsersUpperBound: est.UsersUpperBound,
		EstimateReady:   est.EstimateReady,
	}, nil
}

// SearchZip runs a paced adgeolocation search.
func (c *Client) SearchZip(ctx context.Context, query, countryCode string) ([]meta.GeoLocation, error) {
	if c.api == nil {
		return nil, &FatalConfigError{Reason: "meta client not configured"}
	}
	return call(ctx, c, "search_zip", func(ctx context.Context) ([]meta.GeoLocation, error) {
		return c.api.SearchZip(ctx, query, countryCode)
	})
}

// SearchInterests runs a paced adinterest search.
func (c *Client) SearchInterests(ctx context.Context, query string, limit int) ([]meta.Interest, error) {
	if c.api == nil {
		return nil, &FatalConfigError{Reason: "meta client not configured"}
	}
	return call(ctx, c, "search_interests", func(ctx context.Context) ([]meta.Interest, error) {
		return c.api.SearchInterests(ctx, query, limit)
	})
}

// call runs fn with retry around the breaker around the limiter. Each
// attempt acquires its own slot and releases it on every path. A breaker
// rejection is waited out and does not use up an attempt.
func call[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	retry := c.opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("meta", op)
	}

	v, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (T, error) {
		v, err := resilience.WaitVal(ctx, c.breaker, func(ctx context.Context) (T, error) {
			return attempt(ctx, c, op, fn)
		})
		return v, Classify(ctx, err)
	})
	if err != nil {
		var zero T
		return zero, eris.Wrapf(err, "meta %s", op)
	}
	return v, nil
}

func attempt[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	v, err := fn(callCtx)
	err = Classify(ctx, err)
	if c.opts.Observer != nil {
		c.opts.Observer.ObserveCall(op, Outcome(err), time.Since(start))
	}
	if err != nil {
		return zero, err
	}
	return v, nil
}

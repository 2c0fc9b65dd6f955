package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/scout-interest/scout/internal/config"
	"github.com/scout-interest/scout/internal/db"
	"github.com/scout-interest/scout/internal/estimate"
	"github.com/scout-interest/scout/internal/metrics"
	"github.com/scout-interest/scout/internal/pipeline"
	"github.com/scout-interest/scout/internal/ratelimit"
	"github.com/scout-interest/scout/internal/resilience"
	"github.com/scout-interest/scout/internal/resolver"
	"github.com/scout-interest/scout/internal/store"
	"github.com/scout-interest/scout/pkg/meta"
)

// appEnv holds the store, Meta clients and batch runner shared by the
// serve and process commands.
type appEnv struct {
	Store     store.Store
	Estimator *estimate.Client
	Runner    *pipeline.Runner
	Metrics   *metrics.Metrics
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "scout.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore connects and migrates. Callers should defer st.Close().
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates configuration for mode, opens the store and wires the
// Meta client, limiter, resolver and orchestrator. Callers should defer
// env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	est := newEstimator(cfg, m)
	orch := pipeline.NewOrchestrator(
		resolver.New(est, cfg.Resolver.CacheSize),
		est,
		pipeline.Options{
			Workers:        cfg.Workers(),
			DefaultCountry: cfg.Batch.DefaultCountry,
			Recorder:       m,
		},
	)

	return &appEnv{
		Store:     st,
		Estimator: est,
		Runner:    pipeline.NewRunner(orch, st),
		Metrics:   m,
	}, nil
}

// newEstimator builds the single estimate client, and with it the single
// rate limiter, for this process.
func newEstimator(c *config.Config, m *metrics.Metrics) *estimate.Client {
	timeout := time.Duration(c.Meta.TimeoutSecs) * time.Second
	api := meta.NewClient(c.Meta.AccessToken,
		meta.WithBaseURL(c.Meta.BaseURL),
		meta.WithAPIVersion(c.Meta.APIVersion),
		meta.WithTimeout(timeout),
	)

	rl := c.RateLimit
	var limiterOpts []ratelimit.Option
	if m != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithWaitObserver(m.ObserveWait))
	}
	limiter := ratelimit.New(ratelimit.Config{
		CallsPerMinute:      rl.CallsPerMinute,
		MaxConcurrent:       rl.MaxConcurrent,
		MinTimeBetweenCalls: time.Duration(rl.MinTimeBetweenCallsMs) * time.Millisecond,
	}, limiterOpts...)

	opts := estimate.Options{
		AdAccountID: c.Meta.AdAccountID,
		CallTimeout: timeout,
		Retry:       resilience.FromRateLimitConfig(rl.MaxRetries, rl.BackoffBaseMs, rl.BackoffMaxMs),
		Breaker:     resilience.FromBreakerConfig(rl.BreakerThreshold, rl.BreakerResetSecs, rl.BreakerProbes),
	}
	if m != nil {
		opts.Observer = m
	}
	return estimate.NewClient(api, limiter, opts)
}

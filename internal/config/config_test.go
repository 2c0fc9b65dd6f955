package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "v18.0", cfg.Meta.APIVersion)
	assert.Equal(t, "https://graph.facebook.com", cfg.Meta.BaseURL)
	assert.Equal(t, 30, cfg.Meta.TimeoutSecs)
	assert.Equal(t, 200, cfg.RateLimit.CallsPerMinute)
	assert.Equal(t, 5, cfg.RateLimit.MaxConcurrent)
	assert.Equal(t, 300, cfg.RateLimit.MinTimeBetweenCallsMs)
	assert.Equal(t, 3, cfg.RateLimit.MaxRetries)
	assert.Equal(t, 1000, cfg.RateLimit.BackoffBaseMs)
	assert.Equal(t, 5, cfg.RateLimit.BreakerThreshold)
	assert.Equal(t, 30, cfg.RateLimit.BreakerResetSecs)
	assert.Equal(t, "US", cfg.Batch.DefaultCountry)
	assert.Equal(t, 10000, cfg.Resolver.CacheSize)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Workers())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: scout.db
meta:
  access_token: tok
  ad_account_id: "123456"
rate_limit:
  calls_per_minute: 60
  max_concurrent: 2
batch:
  workers: 4
log:
  level: debug
  format: console
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "scout.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "tok", cfg.Meta.AccessToken)
	assert.Equal(t, "123456", cfg.Meta.AdAccountID)
	assert.Equal(t, 60, cfg.RateLimit.CallsPerMinute)
	assert.Equal(t, 2, cfg.RateLimit.MaxConcurrent)
	assert.Equal(t, 4, cfg.Workers())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	require.NoError(t, cfg.Validate("process"))
}

func TestLoadFromEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SCOUT_META_ACCESS_TOKEN", "env-token")
	t.Setenv("META_AD_ACCOUNT_ID", "act_42")
	t.Setenv("SCOUT_RATE_LIMIT_CALLS_PER_MINUTE", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Meta.AccessToken)
	assert.Equal(t, "act_42", cfg.Meta.AdAccountID)
	assert.Equal(t, 30, cfg.RateLimit.CallsPerMinute)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Store:     StoreConfig{Driver: "postgres", DatabaseURL: "postgres://localhost/scout"},
			Meta:      MetaConfig{AccessToken: "tok", AdAccountID: "1"},
			RateLimit: RateLimitConfig{CallsPerMinute: 10, MaxConcurrent: 1},
		}
	}

	tests := []struct {
		name    string
		mode    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mode: "serve", mutate: func(*Config) {}},
		{name: "missing token", mode: "process", mutate: func(c *Config) { c.Meta.AccessToken = "" }, wantErr: "meta.access_token"},
		{name: "missing account", mode: "serve", mutate: func(c *Config) { c.Meta.AdAccountID = "" }, wantErr: "meta.ad_account_id"},
		{name: "import without meta", mode: "import", mutate: func(c *Config) { c.Meta = MetaConfig{} }},
		{name: "missing database url", mode: "import", mutate: func(c *Config) { c.Store.DatabaseURL = "" }, wantErr: "store.database_url"},
		{name: "sqlite needs no url", mode: "import", mutate: func(c *Config) { c.Store = StoreConfig{Driver: "sqlite"} }},
		{name: "unknown driver", mode: "import", mutate: func(c *Config) { c.Store.Driver = "mysql" }, wantErr: "unsupported store driver"},
		{name: "zero rate", mode: "serve", mutate: func(c *Config) { c.RateLimit.CallsPerMinute = 0 }, wantErr: "calls_per_minute"},
		{name: "zero concurrency", mode: "serve", mutate: func(c *Config) { c.RateLimit.MaxConcurrent = 0 }, wantErr: "max_concurrent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate(tt.mode)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWorkers(t *testing.T) {
	assert.Equal(t, 1, (&Config{}).Workers())
	assert.Equal(t, 3, (&Config{RateLimit: RateLimitConfig{MaxConcurrent: 3}}).Workers())
	assert.Equal(t, 7, (&Config{Batch: BatchConfig{Workers: 7}, RateLimit: RateLimitConfig{MaxConcurrent: 3}}).Workers())
}

func TestInitLogger(t *testing.T) {
	orig := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(orig) })

	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))

	logFile := filepath.Join(t.TempDir(), "scout.log")
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json", File: logFile, MaxSizeMB: 1}))
	zap.L().Info("hello")
	_ = zap.L().Sync()
	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")

	assert.Error(t, InitLogger(LogConfig{Level: "loud"}))
}

package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Meta      MetaConfig      `yaml:"meta" mapstructure:"meta"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Resolver  ResolverConfig  `yaml:"resolver" mapstructure:"resolver"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// MetaConfig holds Meta Marketing API credentials.
type MetaConfig struct {
	AccessToken string `yaml:"access_token" mapstructure:"access_token"`
	AdAccountID string `yaml:"ad_account_id" mapstructure:"ad_account_id"`
	APIVersion  string `yaml:"api_version" mapstructure:"api_version"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RateLimitConfig paces outbound Meta calls and bounds retries.
type RateLimitConfig struct {
	CallsPerMinute        int `yaml:"calls_per_minute" mapstructure:"calls_per_minute"`
	MaxConcurrent         int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MinTimeBetweenCallsMs int `yaml:"min_time_between_calls_ms" mapstructure:"min_time_between_calls_ms"`
	MaxRetries            int `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBaseMs         int `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	BackoffMaxMs          int `yaml:"backoff_max_ms" mapstructure:"backoff_max_ms"`
	BreakerThreshold      int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs      int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	BreakerProbes         int `yaml:"breaker_probes" mapstructure:"breaker_probes"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Workers        int    `yaml:"workers" mapstructure:"workers"`
	DefaultCountry string `yaml:"default_country" mapstructure:"default_country"`
}

// ResolverConfig configures postal code resolution.
type ResolverConfig struct {
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	APIKey      string   `yaml:"api_key" mapstructure:"api_key"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxUploadMB int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("meta.api_version", "v18.0")
	v.SetDefault("meta.base_url", "https://graph.facebook.com")
	v.SetDefault("meta.timeout_secs", 30)
	v.SetDefault("rate_limit.calls_per_minute", 200)
	v.SetDefault("rate_limit.max_concurrent", 5)
	v.SetDefault("rate_limit.min_time_between_calls_ms", 300)
	v.SetDefault("rate_limit.max_retries", 3)
	v.SetDefault("rate_limit.backoff_base_ms", 1000)
	v.SetDefault("rate_limit.backoff_max_ms", 30000)
	v.SetDefault("rate_limit.breaker_threshold", 5)
	v.SetDefault("rate_limit.breaker_reset_secs", 30)
	v.SetDefault("rate_limit.breaker_probes", 1)
	v.SetDefault("batch.workers", 0)
	v.SetDefault("batch.default_country", "US")
	v.SetDefault("resolver.cache_size", 10000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("server.max_upload_mb", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	// Meta credentials are commonly exported without the prefix.
	_ = v.BindEnv("meta.access_token", "SCOUT_META_ACCESS_TOKEN", "META_ACCESS_TOKEN")
	_ = v.BindEnv("meta.ad_account_id", "SCOUT_META_AD_ACCOUNT_ID", "META_AD_ACCOUNT_ID")
	_ = v.BindEnv("store.database_url", "SCOUT_STORE_DATABASE_URL", "DATABASE_URL")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings a command needs are present. Mode is
// one of "serve", "process", "import" or "offline".
func (c *Config) Validate(mode string) error {
	var missing []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url (SCOUT_STORE_DATABASE_URL)")
		}
	case "sqlite":
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}

	if mode == "serve" || mode == "process" {
		if c.Meta.AccessToken == "" {
			missing = append(missing, "meta.access_token (SCOUT_META_ACCESS_TOKEN)")
		}
		if c.Meta.AdAccountID == "" {
			missing = append(missing, "meta.ad_account_id (SCOUT_META_AD_ACCOUNT_ID)")
		}
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required settings for %s: %s", mode, strings.Join(missing, ", "))
	}

	if c.RateLimit.CallsPerMinute <= 0 {
		return eris.New("config: rate_limit.calls_per_minute must be positive")
	}
	if c.RateLimit.MaxConcurrent <= 0 {
		return eris.New("config: rate_limit.max_concurrent must be positive")
	}
	return nil
}

// Workers returns the batch worker count, defaulting to the rate limiter's
// concurrency cap so workers never outnumber available call slots.
func (c *Config) Workers() int {
	if c.Batch.Workers > 0 {
		return c.Batch.Workers
	}
	if c.RateLimit.MaxConcurrent > 0 {
		return c.RateLimit.MaxConcurrent
	}
	return 1
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotator),
			zapCfg.Level,
		)
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}

	zap.ReplaceGlobals(logger)

	return nil
}

package resilience

import "time"

// FromRateLimitConfig builds a RetryConfig from the rate_limit settings.
// maxRetries bounds the total attempts for one call, so a value of 3 means
// the first try plus two retries. Zero values keep the defaults.
func FromRateLimitConfig(maxRetries, backoffBaseMs, backoffMaxMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxRetries > 0 {
		cfg.MaxAttempts = maxRetries
	}
	if backoffBaseMs > 0 {
		cfg.InitialBackoff = time.Duration(backoffBaseMs) * time.Millisecond
	}
	if backoffMaxMs > 0 {
		cfg.MaxBackoff = time.Duration(backoffMaxMs) * time.Millisecond
	}
	return cfg
}

// FromBreakerConfig builds a CircuitBreakerConfig from the rate_limit
// breaker settings. Zero values keep the defaults.
func FromBreakerConfig(threshold, resetSecs, probes int) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  threshold,
		ResetTimeout:      time.Duration(resetSecs) * time.Second,
		HalfOpenMaxProbes: probes,
	}
}

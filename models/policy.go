package models

import "time"

// RateLimitConfig tunes one registrable domain. Immutable after load.
type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MinDelay          time.Duration `yaml:"min_delay"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
}

// DefaultRateLimit is the conservative policy applied until a retailer has
// proven stable: 0.5 req/s, 2s spacing, one in-flight request per domain.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 0.5,
		MinDelay:          2000 * time.Millisecond,
		MaxConcurrent:     1,
	}
}

// RetryPolicy governs fetch retries. Retries belong to the caller of the
// fetcher, never the fetcher itself.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// DefaultRetryPolicy: 3 attempts, exponential backoff from 1s capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// Retryable reports whether an HTTP status warrants another attempt.
func (p RetryPolicy) Retryable(statusCode int) bool {
	switch statusCode {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// Backoff returns the delay before the given attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return p.BaseBackoff
	}
	d := p.BaseBackoff << (attempt - 1)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// QueueConfig tunes the job poller.
type QueueConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

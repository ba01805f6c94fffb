package composite

import (
	"time"
)

// RetryConfig bounds the rebuild retries of an in-flight transition or PIP
// adjustment, with exponential backoff between attempts.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of rebuild attempts (default: 5)
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// calculateBackoff returns the delay before the given attempt (1-based).
//
// Formula: delay = retryDelay * 2^(attempt-1), capped at maxRetryDelay.
//
// Default schedule: 1s, 2s, 4s, 8s, 16s.
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))

	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}

	return delay
}

// Package retry provides bounded retry with exponential backoff for
// requests that fail before any response bytes are delivered.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Config configures retry behavior.
type Config struct {
	MaxRetries      int           // Maximum number of retry attempts (0 = no retries)
	InitialDelay    time.Duration // Delay before the first retry
	MaxDelay        time.Duration // Upper bound on the delay between retries
	Multiplier      float64       // Backoff multiplier (e.g. 2.0 for exponential)
	RetryableErrors []error       // Errors that should trigger a retry
	Logger          *slog.Logger  // Optional; defaults to slog.Default()
}

// DefaultConfig returns the default retry budget: three attempts with
// exponential backoff.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
	}
}

// IsRetryable checks if an error should trigger a retry.
func (c Config) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, retryable := range c.RetryableErrors {
		if errors.Is(err, retryable) {
			return true
		}
	}
	return false
}

// Delay calculates the backoff delay for a given attempt.
func (c Config) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialDelay
	}

	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if time.Duration(delay) > c.MaxDelay {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Do wraps fn with the retry policy. Only errors matching the
// configured retryable sentinels are retried; everything else returns
// immediately.
func Do[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("context cancelled: %w", err)
		}

		result, lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				cfg.logger().Info("request succeeded after retry", "attempt", attempt)
			}
			return result, nil
		}

		if !cfg.IsRetryable(lastErr) {
			return result, lastErr
		}

		if attempt >= cfg.MaxRetries {
			break
		}

		delay := cfg.Delay(attempt)
		cfg.logger().Warn("request failed, retrying",
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", lastErr,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
		}
	}

	return result, fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}

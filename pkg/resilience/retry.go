package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// BackoffConfig parameterises the exponential backoff used for task
// redelivery: delay = BaseDelay * Factor^attempt, capped at MaxDelay.
type BackoffConfig struct {
	BaseDelay time.Duration
	Factor    float64
	MaxDelay  time.Duration
}

func defaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay: 1 * time.Second,
		Factor:    2.0,
		MaxDelay:  60 * time.Second,
	}
}

// Backoff returns the retry delay for the given zero-based attempt number.
// Delays are non-decreasing in attempt up to the configured cap.
func Backoff(cfg BackoffConfig, attempt int) time.Duration {
	defaults := defaultBackoffConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.Factor < 1 {
		cfg.Factor = defaults.Factor
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Factor, float64(attempt))
	if delay > float64(cfg.MaxDelay) || delay < 0 {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}

// Retry runs fn up to maxAttempts times, sleeping the backoff delay between
// attempts. It is used for in-process retries (startup connections, best
// effort publishes); task-level retries go through queue redelivery instead.
func Retry(ctx context.Context, name string, maxAttempts int, cfg BackoffConfig, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	logger := slog.Default().With("component", "retry", "operation", name)
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				logger.Info("succeeded after retry", "attempt", attempt+1)
			}
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}
		delay := Backoff(cfg, attempt)
		logger.Warn("operation failed, retrying",
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"error", lastErr,
			"next_delay", delay,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry aborted during backoff: %w", ctx.Err())
		}
	}
	return fmt.Errorf("all %d attempts failed for %s: %w", maxAttempts, name, lastErr)
}

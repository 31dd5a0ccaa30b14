package workflow

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryConfig controls exponential backoff for a retryable activity.
type RetryConfig struct {
	MaxRetries int           // retry attempts after the first try (0 = no retry)
	BaseDelay  time.Duration // initial backoff delay
	MaxDelay   time.Duration // backoff cap
}

// DefaultStorageRetry matches the storage policy: up to 5 attempts total.
func DefaultStorageRetry() RetryConfig {
	return RetryConfig{MaxRetries: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// DefaultNotifierRetry backs the deliver activity.
func DefaultNotifierRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// retryDo runs fn, retrying while retryable(err) reports true, with
// exponential backoff + jitter. Stops early when ctx is done. Returns the
// attempt count and the final error.
func retryDo(ctx context.Context, cfg RetryConfig, retryable func(error) bool, fn func() error) (int, error) {
	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err = fn()
		if err == nil {
			return attempt + 1, nil
		}
		if !retryable(err) || attempt == cfg.MaxRetries {
			return attempt + 1, err
		}

		select {
		case <-ctx.Done():
			return attempt + 1, errors.Join(err, ctx.Err())
		case <-time.After(backoffWithJitter(cfg.BaseDelay, cfg.MaxDelay, attempt)):
		}
	}
	return cfg.MaxRetries + 1, err
}

// backoffWithJitter computes delay = min(base * 2^attempt, max) ± 25% jitter.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int64N(int64(quarter*2))) - quarter
		delay += jitter
	}
	return delay
}

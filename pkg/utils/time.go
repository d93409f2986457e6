package utils

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// ErrMaxRetriesExceeded is returned when RetryContext gives up without an
// error from fn to report.
var ErrMaxRetriesExceeded = errors.New("time: max retries exceeded")

// ExponentialBackoff returns base*2^attempt with symmetric jitter, capped at max.
func ExponentialBackoff(attempt int, base, max time.Duration, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}

	backoff := float64(base) * math.Pow(2, float64(attempt))
	if jitter > 0 {
		if jitter > 1 {
			jitter = 1
		}
		backoff *= 1.0 + (secureRandomFloat64()*2-1)*jitter
	}
	if backoff > float64(max) {
		backoff = float64(max)
	}
	return time.Duration(backoff)
}

// SleepWithContext sleeps for d or until ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Jitter        float64
	RetryableFunc func(error) bool
}

// DefaultRetryConfig retries structured errors marked Retryable.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Jitter:        0.2,
		RetryableFunc: IsRetryable,
	}
}

// RetryContext runs fn until it succeeds, returns a non-retryable error,
// runs out of attempts or ctx is done.
func RetryContext(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	attempts := config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if config.RetryableFunc != nil && !config.RetryableFunc(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		if err := SleepWithContext(ctx, ExponentialBackoff(attempt, config.InitialDelay, config.MaxDelay, config.Jitter)); err != nil {
			return lastErr
		}
	}

	if lastErr != nil {
		return lastErr
	}
	return ErrMaxRetriesExceeded
}

func secureRandomFloat64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return float64(time.Now().UnixNano()%1000) / 1000.0
	}
	return float64(binary.BigEndian.Uint64(buf[:])) / float64(math.MaxUint64)
}

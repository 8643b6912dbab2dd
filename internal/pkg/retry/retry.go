// Package retry runs remote operations in a bounded loop with increasing backoff.
//
// Every call into the ledger, the price services and the artifact stores goes
// through Do so that a transient failure is absorbed locally and only an
// exhausted budget escalates to the caller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrExhausted is wrapped into the error returned once every attempt failed.
var ErrExhausted = errors.New("retry budget exhausted")

// Config holds configuration for retry behavior.
type Config struct {
	// MaxRetries is the number of additional attempts after the first one.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the wait after each retry.
	BackoffFactor float64

	// Jitter adds rand(0, backoff) on top of each wait.
	Jitter bool
}

// DefaultConfig returns the policy used for ledger and price calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// IsRetryableFunc determines if an error should trigger a retry.
type IsRetryableFunc func(error) bool

// OnRetryFunc is called before each retry. attempt is 1-indexed.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Always treats every error as transient.
func Always(error) bool { return true }

// Do calls fn until it succeeds, returns a non-retryable error, the context
// ends, or cfg.MaxRetries retries have been spent.
func Do[T any](
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func() (T, error),
) (T, error) {
	var zero T

	cfg = withDefaults(cfg)
	if isRetryable == nil {
		isRetryable = Always
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := cfg.backoff(attempt)
			if onRetry != nil {
				onRetry(attempt, lastErr, wait)
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("context cancelled while retrying: %w", errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, cfg.MaxRetries+1, lastErr)
}

// DoVoid is Do for functions without a result.
func DoVoid(
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func() error,
) error {
	_, err := Do(ctx, cfg, isRetryable, onRetry, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func withDefaults(cfg Config) Config {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2.0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 10 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return cfg
}

// backoff returns the wait before the given retry (1-indexed). The base grows
// geometrically and is capped at MaxBackoff before jitter is applied.
func (c Config) backoff(attempt int) time.Duration {
	wait := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		wait *= c.BackoffFactor
		if wait >= float64(c.MaxBackoff) {
			wait = float64(c.MaxBackoff)
			break
		}
	}

	d := time.Duration(wait)
	if c.Jitter && d > 0 {
		d += time.Duration(rand.Int63n(int64(d)))
	}
	return d
}

// Package retry provides bounded exponential backoff for remote object store calls.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/objectfs/blockvfs/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" env:"BLOCKVFS_RETRY_ATTEMPTS"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads retries of concurrent callers
	Jitter bool `yaml:"jitter" json:"jitter"`

	// AttemptTimeout bounds a single attempt; zero means no per-attempt deadline
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`

	// RetryableErrors lists extra error codes that trigger a retry
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
		AttemptTimeout: 30 * time.Second,
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config}
}

// Config returns the effective configuration.
func (r *Retryer) Config() Config {
	return r.config
}

// Do executes the given function with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn until it succeeds, returns a non-retryable error,
// or the attempts run out. Exhaustion is reported as RETRY_EXHAUSTED wrapping
// the last error.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "operation canceled")
		default:
		}

		err := r.attempt(ctx, fn)
		if err == nil {
			return nil
		}

		lastErr = err

		if !r.isRetryable(err) {
			return err
		}

		if attempt < r.config.MaxAttempts {
			delay := r.calculateDelay(attempt)

			if r.config.OnRetry != nil {
				r.config.OnRetry(attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled,
					fmt.Sprintf("operation canceled after %d attempts", attempt))
			case <-time.After(delay):
			}
		}
	}

	return errors.Wrap(lastErr, errors.ErrCodeRetryExhausted,
		fmt.Sprintf("max retry attempts (%d) exceeded", r.config.MaxAttempts))
}

func (r *Retryer) attempt(ctx context.Context, fn func(context.Context) error) error {
	if r.config.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
	defer cancel()
	err := fn(attemptCtx)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		if _, ok := errors.As(err); !ok {
			return errors.Wrap(err, errors.ErrCodeOperationTimeout, "attempt timed out")
		}
	}
	return err
}

// isRetryable reports whether err is transient
func (r *Retryer) isRetryable(err error) bool {
	bvErr, ok := errors.As(err)
	if !ok {
		return false
	}
	if bvErr.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if bvErr.Code == code {
			return true
		}
	}
	return false
}

// calculateDelay calculates the delay for the next retry attempt
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	// initialDelay * multiplier^(attempt-1)
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		// ±20%
		jitter := delay * 0.2 * (rand.Float64()*2 - 1)
		delay += jitter
	}

	return time.Duration(delay)
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}

// Package retry repeats transient adapter operations with exponential backoff
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/objectfs/vfile/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads delays by up to 20% either way
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors are codes retried even when the error is not flagged retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the configuration used by the network adapters
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeConnectionTimeout,
			errors.ErrCodeNetworkError,
			errors.ErrCodeInternalError,
		},
	}
}

// Stats counts what a Retryer has done.
type Stats struct {
	Calls     int64 `json:"calls"`
	Attempts  int64 `json:"attempts"`
	Retries   int64 `json:"retries"`
	Exhausted int64 `json:"exhausted"`
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
	sleep  func(ctx context.Context, d time.Duration) error

	calls     atomic.Int64
	attempts  atomic.Int64
	retries   atomic.Int64
	exhausted atomic.Int64
}

// New creates a Retryer. Zero fields take DefaultConfig values.
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}
	return &Retryer{config: config, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails with a non-retryable error, runs out
// of attempts or ctx ends. The returned error keeps the code of the last
// failure, or is CANCELLED / TIMED_OUT when ctx ended first.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	r.calls.Add(1)
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return contextError(err, attempt-1, lastErr)
		}

		r.attempts.Add(1)
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.ShouldRetry(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}
		r.retries.Add(1)
		if err := r.sleep(ctx, delay); err != nil {
			return contextError(err, attempt, lastErr)
		}
	}

	r.exhausted.Add(1)
	return fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
}

func contextError(err error, attempts int, last error) error {
	code := errors.ErrCodeCancelled
	if stderr.Is(err, context.DeadlineExceeded) {
		code = errors.ErrCodeTimedOut
	}
	e := errors.Wrap(err, code, "operation abandoned").
		WithComponent("retry").
		WithDetail("attempts", attempts)
	if last != nil {
		e = e.WithContext("last_error", last.Error())
	}
	return e
}

// ShouldRetry reports whether err is transient.
func (r *Retryer) ShouldRetry(err error) bool {
	var vErr *errors.VFileError
	if !stderr.As(err, &vErr) {
		return false
	}
	if vErr.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if vErr.Code == code {
			return true
		}
	}
	return false
}

// delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		d += d * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// Stats returns a snapshot of the counters.
func (r *Retryer) Stats() Stats {
	return Stats{
		Calls:     r.calls.Load(),
		Attempts:  r.attempts.Load(),
		Retries:   r.retries.Load(),
		Exhausted: r.exhausted.Load(),
	}
}

// Config returns the effective configuration.
func (r *Retryer) Config() Config { return r.config }

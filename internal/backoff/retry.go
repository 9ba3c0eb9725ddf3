package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Options controls Retry.
type Options struct {
	// Schedule yields the delay before retry k (1-based). Defaults to DefaultPolicy.
	Schedule Schedule

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Retryable decides whether an error may be retried. Nil retries every error.
	Retryable func(error) bool

	// Sleep defaults to SleepWithContext.
	Sleep Sleeper

	// OnRetry is called before sleeping ahead of retry k.
	OnRetry func(retry int, delay time.Duration, err error)
}

// RetryResult holds the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// Retry runs fn once and then up to opts.MaxRetries more times while it fails
// with a retryable error. fn receives the 1-based attempt number.
//
// Returns ErrMaxAttemptsExhausted (joined with the last error) when every
// attempt failed, the last error unchanged when it was not retryable, and
// ctx.Err() when the context ends first.
func Retry[T any](ctx context.Context, opts Options, fn func(ctx context.Context, attempt int) (T, error)) (RetryResult[T], error) {
	schedule := opts.Schedule
	if schedule == nil {
		schedule = DefaultPolicy()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = SleepWithContext
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var result RetryResult[T]
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			result.Value = value
			result.LastError = nil
			return result, nil
		}
		result.LastError = err

		if opts.Retryable != nil && !opts.Retryable(err) {
			return result, err
		}
		if attempt > maxRetries {
			break
		}

		delay := schedule.Delay(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return result, err
		}
	}

	return result, errors.Join(ErrMaxAttemptsExhausted, result.LastError)
}

package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/backoff"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
	defaultMaxTokens  = 4096
)

// BaseProvider holds the retry policy and plumbing shared by the adapters.
//
// Retries only cover opening a stream: once the first event has been
// received the response is forwarded as it arrives and a later failure ends
// the stream with an error chunk. Retrying past that point would replay text
// the caller has already shown.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
	sleep      backoff.Sleeper
	logger     *slog.Logger
}

// NewBaseProvider creates a base provider with sane defaults. A negative
// maxRetries disables retries.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		sleep:      backoff.SleepWithContext,
		logger:     slog.Default().With("provider", name),
	}
}

// Name returns the provider name.
func (b *BaseProvider) Name() string {
	return b.name
}

// openStream calls open until it succeeds, fails permanently, or retries
// run out. Delays grow exponentially from retryDelay.
func openStream[T any](ctx context.Context, b *BaseProvider, model string, open func(ctx context.Context) (T, error)) (T, error) {
	res, err := backoff.Retry(ctx, backoff.Options{
		Schedule: backoff.ExponentialPolicy{
			Initial: b.retryDelay,
			Max:     maxRetryDelay,
			Factor:  2,
			Jitter:  0.1,
		},
		MaxRetries: b.maxRetries,
		Retryable:  IsRetryable,
		Sleep:      b.sleep,
		OnRetry: func(retry int, delay time.Duration, err error) {
			b.logger.WarnContext(ctx, "retrying provider request",
				"model", model, "retry", retry, "delay", delay, "error", err)
		},
	}, func(ctx context.Context, _ int) (T, error) {
		return open(ctx)
	})
	switch {
	case err == nil:
		return res.Value, nil
	case ctx.Err() != nil:
		return res.Value, ctx.Err()
	case res.LastError != nil:
		return res.Value, res.LastError
	}
	return res.Value, err
}

// send delivers chunk unless ctx ends first.
func send(ctx context.Context, ch chan<- *agent.CompletionChunk, chunk *agent.CompletionChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func maxTokens(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}

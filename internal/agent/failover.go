package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FailoverConfig configures a FailoverProvider.
type FailoverConfig struct {
	// CircuitBreakerThreshold is the number of consecutive failures before a
	// provider is skipped.
	CircuitBreakerThreshold int

	// CircuitBreakerTimeout is how long a tripped provider is skipped.
	CircuitBreakerTimeout time.Duration

	// ShouldFailover decides whether an error moves on to the next provider.
	// Nil uses a classification of the error text.
	ShouldFailover func(error) bool
}

// DefaultFailoverConfig returns the default breaker settings.
func DefaultFailoverConfig() *FailoverConfig {
	return &FailoverConfig{
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// ProviderState tracks the health of one provider.
type ProviderState struct {
	Name          string
	Failures      int
	LastFailure   time.Time
	CircuitOpen   bool
	CircuitOpenAt time.Time
}

func (s *ProviderState) available(cfg *FailoverConfig, now time.Time) bool {
	return !s.CircuitOpen || now.Sub(s.CircuitOpenAt) > cfg.CircuitBreakerTimeout
}

// FailoverProvider tries providers in order until one opens a stream.
//
// Failover only happens when opening the stream fails. Once a provider has
// returned a channel, the round belongs to it. Fallbacks receive the request
// without a model so that each uses its own default.
type FailoverProvider struct {
	providers []LLMProvider
	config    *FailoverConfig
	now       func() time.Time

	mu     sync.Mutex
	states map[string]*ProviderState
}

// NewFailoverProvider wraps primary with fallbacks.
func NewFailoverProvider(config *FailoverConfig, primary LLMProvider, fallbacks ...LLMProvider) (*FailoverProvider, error) {
	if primary == nil {
		return nil, ErrNoProvider
	}
	if config == nil {
		config = DefaultFailoverConfig()
	}
	if config.CircuitBreakerThreshold <= 0 {
		config.CircuitBreakerThreshold = 3
	}
	if config.CircuitBreakerTimeout <= 0 {
		config.CircuitBreakerTimeout = 30 * time.Second
	}
	all := []LLMProvider{primary}
	for _, p := range fallbacks {
		if p != nil {
			all = append(all, p)
		}
	}
	return &FailoverProvider{
		providers: all,
		config:    config,
		now:       time.Now,
		states:    make(map[string]*ProviderState),
	}, nil
}

// Name implements LLMProvider.
func (f *FailoverProvider) Name() string {
	return "failover:" + f.providers[0].Name()
}

// Complete implements LLMProvider.
func (f *FailoverProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	var lastErr error
	for i, provider := range f.providers {
		if !f.available(provider.Name()) {
			continue
		}
		attempt := req
		if i > 0 && req != nil && req.Model != "" {
			clone := *req
			clone.Model = ""
			attempt = &clone
		}

		ch, err := provider.Complete(ctx, attempt)
		if err == nil {
			f.recordSuccess(provider.Name())
			return ch, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		f.recordFailure(provider.Name())
		if !f.shouldFailover(err) {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: every provider circuit is open", ErrNoProvider)
	}
	return nil, lastErr
}

func (f *FailoverProvider) shouldFailover(err error) bool {
	if f.config.ShouldFailover != nil {
		return f.config.ShouldFailover(err)
	}
	switch classifyProviderError(err) {
	case "rate_limit", "timeout", "server_error", "auth", "billing", "model_unavailable":
		return true
	default:
		return false
	}
}

// classifyProviderError derives a failure class from the error text of
// providers that do not expose typed errors.
func classifyProviderError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	s := strings.ToLower(err.Error())
	has := func(subs ...string) bool {
		for _, sub := range subs {
			if strings.Contains(s, sub) {
				return true
			}
		}
		return false
	}
	switch {
	case has("timeout", "deadline exceeded"):
		return "timeout"
	case has("rate limit", "rate_limit", "too many requests", "429"):
		return "rate_limit"
	case has("unauthorized", "invalid api key", "authentication", "401", "403"):
		return "auth"
	case has("billing", "payment", "quota", "402"):
		return "billing"
	case has("model not found", "does not exist", "unavailable"):
		return "model_unavailable"
	case has("internal server", "server error", "overloaded", "500", "502", "503", "504"):
		return "server_error"
	case has("invalid", "bad request", "400"):
		return "invalid_request"
	default:
		return "unknown"
	}
}

func (f *FailoverProvider) available(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[name]
	return !ok || state.available(f.config, f.now())
}

func (f *FailoverProvider) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[name]; ok {
		state.Failures = 0
		state.CircuitOpen = false
	}
}

func (f *FailoverProvider) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[name]
	if !ok {
		state = &ProviderState{Name: name}
		f.states[name] = state
	}
	now := f.now()
	state.Failures++
	state.LastFailure = now
	if state.Failures >= f.config.CircuitBreakerThreshold && !state.CircuitOpen {
		state.CircuitOpen = true
		state.CircuitOpenAt = now
	}
}

// ProviderStates returns a snapshot of every provider that has failed.
func (f *FailoverProvider) ProviderStates() []ProviderState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ProviderState, 0, len(f.states))
	for _, p := range f.providers {
		if s, ok := f.states[p.Name()]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// ResetCircuitBreaker closes the breaker of the named provider.
func (f *FailoverProvider) ResetCircuitBreaker(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[name]; ok {
		state.Failures = 0
		state.CircuitOpen = false
	}
}

// Package augment enriches the system prompt with live context fetched from
// external controllers before the first model call.
package augment

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/switchboard/internal/agent/routing"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Fetch outcomes recorded in metrics.
const (
	OutcomeOK      = "ok"
	OutcomeEmpty   = "empty"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Config configures an Augmentor.
type Config struct {
	// FetchTimeout bounds each fetcher.
	// Default: 3s
	FetchTimeout time.Duration

	// MaxBlockChars caps each block before composition. Values above
	// the package MaxBlockChars have no effect.
	// Default: MaxBlockChars
	MaxBlockChars int
}

// DefaultConfig returns the default augmentor configuration.
func DefaultConfig() *Config {
	return &Config{
		FetchTimeout:  3 * time.Second,
		MaxBlockChars: MaxBlockChars,
	}
}

// Augmentor runs the intent rules matching a message and folds their
// results into the system prompt. Rules are read-only after construction.
type Augmentor struct {
	rules  []IntentRule
	config *Config

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Option customizes an Augmentor.
type Option func(*Augmentor)

// WithObservability attaches logging, metrics and tracing.
func WithObservability(logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) Option {
	return func(a *Augmentor) {
		if logger != nil {
			a.logger = logger
		}
		a.metrics = metrics
		a.tracer = tracer
	}
}

// New compiles rules into an Augmentor.
func New(rules []IntentRule, config *Config, opts ...Option) (*Augmentor, error) {
	defaults := DefaultConfig()
	cfg := *defaults
	if config != nil {
		cfg = *config
		if cfg.FetchTimeout <= 0 {
			cfg.FetchTimeout = defaults.FetchTimeout
		}
		if cfg.MaxBlockChars <= 0 {
			cfg.MaxBlockChars = defaults.MaxBlockChars
		}
	}

	a := &Augmentor{config: &cfg, logger: slog.Default()}
	for i, rule := range rules {
		if rule.Fetcher == nil {
			return nil, fmt.Errorf("augment: rule %d (%s) has no fetcher", i, rule.Name)
		}
		rule.Match.Keywords = append([]string(nil), rule.Match.Keywords...)
		if err := rule.Match.Compile(); err != nil {
			return nil, fmt.Errorf("augment: rule %d (%s): %w", i, rule.Name, err)
		}
		a.rules = append(a.rules, rule)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Matching returns the rules that would fire for message under profile,
// in rule order.
func (a *Augmentor) Matching(message string, profile models.AgentProfile) []IntentRule {
	if a == nil || !profile.NeedsLiveContext {
		return nil
	}
	normalized := routing.Normalize(message)
	var out []IntentRule
	for _, rule := range a.rules {
		if rule.appliesTo(profile.ID) && rule.Match.Matches(normalized) {
			out = append(out, rule)
		}
	}
	return out
}

// Augment returns the profile's system prompt extended with the live
// context of every matching rule. Fetchers run concurrently; a fetcher that
// fails, panics or times out contributes nothing. Profiles that do not need
// live context are returned untouched without any fetch.
func (a *Augmentor) Augment(ctx context.Context, message string, profile models.AgentProfile) string {
	base := profile.SystemPrompt
	rules := a.Matching(message, profile)
	if len(rules) == 0 {
		return base
	}

	ctx, span := a.tracer.Start(ctx, "augment",
		attribute.String("profile", profile.ID),
		attribute.Int("rules", len(rules)),
	)
	defer span.End()

	blocks := make([]ContextBlock, len(rules))
	var wg sync.WaitGroup
	for i := range rules {
		wg.Add(1)
		go func(idx int, rule IntentRule) {
			defer wg.Done()
			content, ok := a.fetch(ctx, rule, message)
			if ok {
				blocks[idx] = ContextBlock{Source: rule.source(), Content: truncate(content, a.config.MaxBlockChars)}
			}
		}(i, rules[i])
	}
	wg.Wait()

	return Compose(base, blocks)
}

// fetch runs one fetcher under its timeout. The fetcher runs in its own
// goroutine so a stuck fetcher is abandoned rather than awaited.
func (a *Augmentor) fetch(ctx context.Context, rule IntentRule, message string) (string, bool) {
	source := rule.source()
	timeout := rule.Timeout
	if timeout <= 0 {
		timeout = a.config.FetchTimeout
	}

	ctx, span := a.tracer.Start(ctx, "augment.fetch", attribute.String("source", source))
	defer span.End()

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type fetchResult struct {
		content string
		ok      bool
		panic   any
	}
	resultCh := make(chan fetchResult, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("context fetcher panicked", "source", source, "panic", r, "stack", string(debug.Stack()))
				resultCh <- fetchResult{panic: r}
			}
		}()
		content, ok := rule.Fetcher.Fetch(fetchCtx, message)
		resultCh <- fetchResult{content: content, ok: ok}
	}()

	var (
		outcome string
		content string
	)
	select {
	case res := <-resultCh:
		switch {
		case res.panic != nil:
			outcome = OutcomeError
		case !res.ok || strings.TrimSpace(res.content) == "":
			outcome = OutcomeEmpty
		default:
			outcome = OutcomeOK
			content = res.content
		}
	case <-fetchCtx.Done():
		outcome = OutcomeTimeout
	}

	span.SetAttributes(attribute.String("outcome", outcome))
	a.metrics.RecordFetch(source, outcome, time.Since(start).Seconds())
	if outcome != OutcomeOK {
		a.logger.DebugContext(ctx, "context fetch yielded nothing", "source", source, "outcome", outcome)
		return "", false
	}
	return content, true
}

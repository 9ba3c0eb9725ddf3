package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/switchboard/internal/backoff"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// ExecutorConfig configures the parallel tool executor behavior including
// concurrency limits, timeouts, and retry strategies.
type ExecutorConfig struct {
	// MaxConcurrency limits the number of parallel tool executions
	// Default: 5
	MaxConcurrency int

	// DefaultTimeout is the default timeout for tool execution
	// Default: 30s
	DefaultTimeout time.Duration

	// DefaultRetries is the number of transparent retries granted to
	// idempotent tools on retryable errors. Other tools never retry.
	// Default: 2
	DefaultRetries int

	// RetryBackoff is the initial backoff duration between retries
	// Default: 100ms
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff
	// Default: 2s
	MaxRetryBackoff time.Duration

	// Tools holds per-tool overrides keyed by tool name.
	Tools map[string]ToolConfig
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency:  5,
		DefaultTimeout:  30 * time.Second,
		DefaultRetries:  2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
	}
}

func sanitizeExecutorConfig(config *ExecutorConfig) *ExecutorConfig {
	defaults := DefaultExecutorConfig()
	if config == nil {
		return defaults
	}
	cfg := *config
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaults.MaxConcurrency
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.DefaultRetries < 0 {
		cfg.DefaultRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	return &cfg
}

// ToolConfig holds per-tool overrides.
type ToolConfig struct {
	// Timeout overrides the default timeout for this tool
	Timeout time.Duration

	// Retries overrides the default retries for this tool (idempotent tools
	// only). Nil inherits DefaultRetries; zero disables retries.
	Retries *int
}

// Executor runs a round of tool calls concurrently, bounded by a semaphore,
// with a timeout per call and retries for idempotent tools.
type Executor struct {
	registry   *ToolRegistry
	config     *ExecutorConfig
	toolConfig map[string]ToolConfig
	mu         sync.RWMutex

	// Semaphore for concurrency limiting
	sem chan struct{}

	sleep   backoff.Sleeper
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithExecutorObservability attaches logging, metrics and tracing.
func WithExecutorObservability(logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
		e.metrics = metrics
		e.tracer = tracer
	}
}

// withExecutorSleeper replaces the retry sleep (tests).
func withExecutorSleeper(s backoff.Sleeper) ExecutorOption {
	return func(e *Executor) { e.sleep = s }
}

// NewExecutor creates a new parallel tool executor with the given registry and configuration.
// If config is nil, DefaultExecutorConfig is used.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig, opts ...ExecutorOption) *Executor {
	config = sanitizeExecutorConfig(config)
	e := &Executor{
		registry:   registry,
		config:     config,
		toolConfig: make(map[string]ToolConfig),
		sem:        make(chan struct{}, config.MaxConcurrency),
		sleep:      backoff.SleepWithContext,
		logger:     slog.Default(),
	}
	for name, tc := range config.Tools {
		e.ConfigureTool(name, tc)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ConfigureTool sets per-tool configuration overrides for the named tool.
func (e *Executor) ConfigureTool(name string, config ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolConfig[name] = config
}

func (e *Executor) limits(name string) (time.Duration, int) {
	timeout := e.config.DefaultTimeout
	retries := e.config.DefaultRetries

	e.mu.RLock()
	tc, ok := e.toolConfig[name]
	e.mu.RUnlock()
	if ok {
		if tc.Timeout > 0 {
			timeout = tc.Timeout
		}
		if tc.Retries != nil && *tc.Retries >= 0 {
			retries = *tc.Retries
		}
	}

	tool, found := e.registry.Get(name)
	if !found || !IsIdempotent(tool) {
		retries = 0
	}
	return timeout, retries
}

// ExecutionResult holds the result of a single tool execution including
// timing information and retry attempts.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Result     *ToolResult
	Error      error
	Duration   time.Duration
	Attempts   int
}

// ToModelResult converts the execution into the ToolResult fed back to the
// model. Failures become error results with a structured JSON message.
func (r *ExecutionResult) ToModelResult() models.ToolResult {
	if r.Error != nil {
		toolErr, ok := GetToolError(r.Error)
		if !ok {
			toolErr = NewToolError(r.ToolName, r.Error)
		}
		if r.Attempts > toolErr.Attempts {
			toolErr.Attempts = r.Attempts
		}
		return models.ToolResult{ToolCallID: r.ToolCallID, Content: toolErr.ModelContent(), IsError: true}
	}
	if r.Result == nil {
		return models.ToolResult{ToolCallID: r.ToolCallID, Content: "", IsError: false}
	}
	return models.ToolResult{
		ToolCallID: r.ToolCallID,
		Content:    r.Result.Content,
		IsError:    r.Result.IsError,
		Artifacts:  r.Result.Artifacts,
	}
}

// ExecuteAll executes multiple tool calls in parallel with concurrency limits.
// Results are returned in the same order as the input calls.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute runs one tool call. It never returns nil; failures are reported in
// ExecutionResult.Error as a *ToolError.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{ToolCallID: call.ID, ToolName: call.Name}

	ctx, span := e.tracer.Start(ctx, "tool."+call.Name,
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	)
	defer span.End()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		result.Error = NewToolError(call.Name, ctx.Err()).
			WithType(ToolErrorCanceled).
			WithToolCallID(call.ID)
		result.Duration = time.Since(start)
		e.record(result)
		return result
	}

	timeout, retries := e.limits(call.Name)
	res, err := backoff.Retry(ctx, backoff.Options{
		Schedule: backoff.ExponentialPolicy{
			Initial: e.config.RetryBackoff,
			Max:     e.config.MaxRetryBackoff,
			Factor:  2,
			Jitter:  0.1,
		},
		MaxRetries: retries,
		Retryable:  IsToolRetryable,
		Sleep:      e.sleep,
		OnRetry: func(retry int, delay time.Duration, err error) {
			e.logger.DebugContext(ctx, "retrying idempotent tool",
				"tool", call.Name, "retry", retry, "delay", delay, "error", err)
		},
	}, func(ctx context.Context, attempt int) (*ToolResult, error) {
		return e.executeWithTimeout(ctx, call, timeout)
	})

	result.Attempts = res.Attempts
	result.Duration = time.Since(start)
	if err != nil {
		last := res.LastError
		if last == nil {
			last = err
		}
		toolErr, ok := GetToolError(last)
		if !ok {
			toolErr = NewToolError(call.Name, last)
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			toolErr.WithType(ToolErrorCanceled)
		}
		result.Error = toolErr.WithToolCallID(call.ID).WithAttempts(res.Attempts)
		observability.RecordError(span, result.Error)
	} else {
		result.Result = res.Value
	}
	e.record(result)
	return result
}

func (e *Executor) record(r *ExecutionResult) {
	status := "success"
	switch {
	case r.Error != nil:
		status = "error"
		if toolErr, ok := GetToolError(r.Error); ok {
			status = string(toolErr.Type)
		}
	case r.Result != nil && r.Result.IsError:
		status = "error_result"
	}
	e.metrics.RecordToolExecution(r.ToolName, status, r.Duration.Seconds())
}

// executeWithTimeout executes a tool call with a timeout. The tool runs in its
// own goroutine so a stuck executor is abandoned rather than awaited.
func (e *Executor) executeWithTimeout(ctx context.Context, call models.ToolCall, timeout time.Duration) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
				err := NewToolError(call.Name, fmt.Errorf("%w: %v", ErrToolPanic, r)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID)
				resultCh <- execResult{err: err}
			}
		}()

		result, err := e.registry.Execute(execCtx, call.Name, call.Input)
		if err != nil {
			toolErr, ok := GetToolError(err)
			if !ok {
				toolErr = NewToolError(call.Name, err)
			}
			resultCh <- execResult{err: toolErr.WithToolCallID(call.ID)}
			return
		}
		resultCh <- execResult{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorCanceled).
				WithToolCallID(call.ID).
				WithMessage("context cancelled")
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

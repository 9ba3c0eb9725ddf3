package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const (
	// MaxResponseTextSize caps the text accumulated from one model response.
	MaxResponseTextSize = 1 << 20

	// MaxToolCallsPerRound caps the invocations accepted from one model response.
	MaxToolCallsPerRound = 32
)

// LoopConfig configures the tool loop.
type LoopConfig struct {
	// MaxRounds bounds the number of model calls per user message.
	// Default: 8
	MaxRounds int

	// MaxTokens is the max tokens for each model response.
	// Default: 4096
	MaxTokens int

	// Model overrides the provider's default model when set.
	Model string

	// ModelTimeout bounds a single model call including its stream.
	// Default: 120s
	ModelTimeout time.Duration

	// EventBuffer is the capacity of the event channel returned by Run.
	// Default: 64
	EventBuffer int

	// ExecutorConfig configures the parallel tool executor
	ExecutorConfig *ExecutorConfig
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxRounds:      8,
		MaxTokens:      4096,
		ModelTimeout:   120 * time.Second,
		EventBuffer:    64,
		ExecutorConfig: DefaultExecutorConfig(),
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	defaults := DefaultLoopConfig()
	if config == nil {
		return defaults
	}
	cfg := *config
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaults.MaxRounds
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = defaults.ModelTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = defaults.ExecutorConfig
	}
	return &cfg
}

// ToolLoop drives a provider through rounds of tool execution until it
// answers with text only.
//
//	Idle ─▶ AwaitingModel ─▶ ExecutingTools ─┐
//	              ▲    │                      │
//	              │    └──▶ Complete           │
//	              └───────────────────────────┘
//	(round cap, provider error, cancellation) ─▶ Failed
type ToolLoop struct {
	provider LLMProvider
	registry *ToolRegistry
	executor *Executor
	config   *LoopConfig

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// LoopOption customizes a ToolLoop.
type LoopOption func(*ToolLoop)

// WithObservability attaches logging, metrics and tracing to the loop and its executor.
func WithObservability(logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) LoopOption {
	return func(l *ToolLoop) {
		if logger != nil {
			l.logger = logger
		}
		l.metrics = metrics
		l.tracer = tracer
	}
}

// WithExecutor replaces the executor built from LoopConfig.ExecutorConfig.
func WithExecutor(e *Executor) LoopOption {
	return func(l *ToolLoop) {
		if e != nil {
			l.executor = e
		}
	}
}

// NewToolLoop creates a loop over the given provider and registry.
func NewToolLoop(provider LLMProvider, registry *ToolRegistry, config *LoopConfig, opts ...LoopOption) *ToolLoop {
	config = sanitizeLoopConfig(config)
	if registry == nil {
		registry, _ = NewToolRegistry()
	}
	l := &ToolLoop{
		provider: provider,
		registry: registry,
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.executor == nil {
		l.executor = NewExecutor(registry, config.ExecutorConfig, WithExecutorObservability(l.logger, l.metrics, l.tracer))
	}
	return l
}

// Config returns a copy of the effective loop configuration.
func (l *ToolLoop) Config() LoopConfig {
	return *l.config
}

// RunRequest is one user message worth of work.
type RunRequest struct {
	// Profile selects the allowed tools and labels metrics.
	Profile models.AgentProfile

	// System is the system prompt, already augmented with live context.
	System string

	// History is the normalized conversation ending with the user message.
	History []CompletionMessage
}

// run is the mutable state of a single Run.
type run struct {
	state    State
	round    int
	messages []CompletionMessage
	tools    []Tool
	events   chan<- models.StreamEvent

	// callIDs holds every correlation id already used in this run.
	callIDs map[string]bool
}

func (r *run) fire(t Trigger) error {
	next, err := Transition(r.state, t)
	if err != nil {
		return err
	}
	r.state = next
	return nil
}

// Run starts the loop and returns its ordered event stream. The stream
// always ends with one terminal event (done or error) and is then closed.
// Cancelling ctx stops the loop at the next suspension point.
func (l *ToolLoop) Run(ctx context.Context, req RunRequest) (<-chan models.StreamEvent, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if len(req.History) == 0 {
		return nil, ErrEmptyHistory
	}

	events := make(chan models.StreamEvent, l.config.EventBuffer)
	r := &run{
		state:    StateIdle,
		messages: append([]CompletionMessage(nil), req.History...),
		tools:    l.registry.Subset(req.Profile.AllowedTools),
		events:   events,
		callIDs:  make(map[string]bool),
	}
	for _, msg := range req.History {
		for _, call := range msg.ToolCalls {
			r.callIDs[call.ID] = true
		}
	}

	go func() {
		defer close(events)

		ctx, span := l.tracer.Start(ctx, "loop.run",
			attribute.String("profile", req.Profile.ID),
			attribute.Int("history", len(req.History)),
		)
		defer span.End()

		err := l.drive(ctx, req, r)
		if err == nil {
			l.metrics.RecordRun(req.Profile.ID, "complete")
			l.finish(ctx, r, models.DoneEvent())
			return
		}

		observability.RecordError(span, err)
		outcome := "failed"
		if errors.Is(err, context.Canceled) {
			outcome = "canceled"
		}
		l.metrics.RecordRun(req.Profile.ID, outcome)
		l.logger.WarnContext(ctx, "tool loop failed", "state", r.state, "round", r.round, "error", err)

		msg := err.Error()
		var loopErr *LoopError
		if errors.As(err, &loopErr) {
			msg = loopErr.UserMessage()
		}
		l.finish(ctx, r, models.ErrorEvent(msg))
	}()

	return events, nil
}

// drive runs rounds until Complete or Failed. A nil return means Complete.
func (l *ToolLoop) drive(ctx context.Context, req RunRequest, r *run) error {
	if err := r.fire(TriggerSend); err != nil {
		return err
	}

	for r.round = 1; ; r.round++ {
		if err := ctx.Err(); err != nil {
			return l.fail(r, "", err)
		}

		calls, err := l.modelPhase(ctx, req, r)
		if err != nil {
			return l.fail(r, "", err)
		}

		if len(calls) == 0 {
			return r.fire(TriggerText)
		}

		if r.round >= l.config.MaxRounds {
			_ = r.fire(TriggerRoundCap)
			return &LoopError{
				State:   StateAwaitingModel,
				Round:   r.round,
				Message: ErrNotConverged.Error(),
				Cause:   ErrNotConverged,
			}
		}

		if err := r.fire(TriggerToolUse); err != nil {
			return err
		}
		if err := l.toolPhase(ctx, req, r, calls); err != nil {
			return l.fail(r, "", err)
		}
		if err := r.fire(TriggerToolsDone); err != nil {
			return err
		}
	}
}

func (l *ToolLoop) fail(r *run, msg string, cause error) error {
	state := r.state
	if msg == "" {
		switch {
		case errors.Is(cause, context.Canceled):
			msg = "request canceled"
		case errors.Is(cause, context.DeadlineExceeded):
			msg = "model call timed out"
		}
	}
	_ = r.fire(TriggerFailure)
	return &LoopError{State: state, Round: r.round, Message: msg, Cause: cause}
}

// modelPhase performs one model call, forwarding text as it streams, and
// returns the tool calls of the response.
func (l *ToolLoop) modelPhase(ctx context.Context, req RunRequest, r *run) ([]models.ToolCall, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.config.ModelTimeout)
	defer cancel()

	callCtx, span := l.tracer.Start(callCtx, "loop.round", attribute.Int("round", r.round))
	defer span.End()

	start := time.Now()
	defer func() {
		l.metrics.RecordRound(req.Profile.ID, l.provider.Name(), time.Since(start).Seconds())
	}()

	completion, err := l.provider.Complete(callCtx, &CompletionRequest{
		Model:     l.config.Model,
		System:    req.System,
		Messages:  r.messages,
		Tools:     r.tools,
		MaxTokens: l.config.MaxTokens,
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("provider %s: %w", l.provider.Name(), err)
	}

	var calls []models.ToolCall
	var text strings.Builder
	for chunk := range completion {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			observability.RecordError(span, chunk.Error)
			return nil, fmt.Errorf("provider %s: %w", l.provider.Name(), chunk.Error)
		}
		if chunk.Text != "" {
			if text.Len()+len(chunk.Text) > MaxResponseTextSize {
				return nil, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			text.WriteString(chunk.Text)
			if !l.emit(ctx, r, models.TokenEvent(chunk.Text)) {
				return nil, ctx.Err()
			}
		}
		if chunk.ToolCall != nil {
			if len(calls) >= MaxToolCallsPerRound {
				return nil, fmt.Errorf("tool calls exceed maximum of %d per round", MaxToolCallsPerRound)
			}
			call := *chunk.ToolCall
			if call.ID == "" || r.callIDs[call.ID] {
				call.ID = "call_" + uuid.NewString()
			}
			r.callIDs[call.ID] = true
			calls = append(calls, call)
		}
	}
	if err := callCtx.Err(); err != nil {
		return nil, err
	}

	r.messages = append(r.messages, CompletionMessage{
		Role:      string(models.RoleAssistant),
		Content:   text.String(),
		ToolCalls: calls,
	})
	span.SetAttributes(attribute.Int("tool_calls", len(calls)))
	return calls, nil
}

// toolPhase executes one round of tool calls and folds every result back
// into the history, keyed by correlation id.
func (l *ToolLoop) toolPhase(ctx context.Context, req RunRequest, r *run, calls []models.ToolCall) error {
	for _, call := range calls {
		if !l.emit(ctx, r, models.ToolCallStartedEvent(call.Name, call.ID)) {
			return ctx.Err()
		}
	}

	allowed := make([]models.ToolCall, 0, len(calls))
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		if !req.Profile.Allows(call.Name) {
			denied := NewToolError(call.Name, fmt.Errorf("%w: %s", ErrToolNotAllowed, call.Name)).
				WithType(ToolErrorNotAllowed).
				WithToolCallID(call.ID)
			results = append(results, models.ToolResult{ToolCallID: call.ID, Content: denied.ModelContent(), IsError: true})
			continue
		}
		allowed = append(allowed, call)
	}

	for _, exec := range l.executor.ExecuteAll(ctx, allowed) {
		if exec.Error != nil {
			l.logger.InfoContext(ctx, "tool call failed", "tool", exec.ToolName, "round", r.round, "error", exec.Error)
		}
		results = append(results, exec.ToModelResult())
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	paired := pairToolResults(calls, results)
	for _, res := range paired {
		for _, artifact := range res.Artifacts {
			if !l.emit(ctx, r, models.ArtifactEvent(artifact)) {
				return ctx.Err()
			}
		}
	}

	history := make([]models.ToolResult, len(paired))
	for i, res := range paired {
		res.Artifacts = nil
		history[i] = res
	}
	r.messages = append(r.messages, CompletionMessage{Role: string(models.RoleTool), ToolResults: history})
	return nil
}

// emit delivers an event unless ctx ends first.
func (l *ToolLoop) emit(ctx context.Context, r *run, ev models.StreamEvent) bool {
	select {
	case r.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish delivers the terminal event. After cancellation the consumer may be
// gone, so the send only succeeds if buffer space remains.
func (l *ToolLoop) finish(ctx context.Context, r *run, ev models.StreamEvent) {
	if ctx.Err() == nil {
		l.emit(ctx, r, ev)
		return
	}
	select {
	case r.events <- ev:
	default:
	}
}

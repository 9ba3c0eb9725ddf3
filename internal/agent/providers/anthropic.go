// Package providers adapts concrete LLM APIs to agent.LLMProvider.
//
// Each adapter converts the provider-agnostic CompletionRequest into the
// vendor wire format, opens a streaming response and translates it back into
// CompletionChunks: text deltas as they arrive, tool calls once their input
// is complete, and a final Done chunk carrying token usage.
//
// Failures are reported as *ProviderError so callers can inspect the
// FailureReason. Transient failures while opening the stream are retried
// with exponential backoff.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/agent/toolconv"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// DefaultAnthropicModel is used when neither the request nor the config names a model.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// maxEmptyStreamEvents is the number of consecutive events without output
// after which a stream is treated as malformed.
const maxEmptyStreamEvents = 300

type anthropicStream = ssestream.Stream[anthropic.MessageStreamEventUnion]

// AnthropicProvider implements agent.LLMProvider for the Anthropic Messages API.
//
// Usage:
//
//	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	})
//	chunks, err := provider.Complete(ctx, &agent.CompletionRequest{...})
//	for chunk := range chunks {
//	    if chunk.Error != nil {
//	        break
//	    }
//	    fmt.Print(chunk.Text)
//	}
type AnthropicProvider struct {
	BaseProvider

	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig holds configuration for NewAnthropicProvider.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key (required).
	APIKey string

	// BaseURL overrides the API base URL, e.g. for a proxy or tests.
	BaseURL string

	// MaxRetries bounds retries of a failed stream open. Default: 3.
	// Negative disables retries.
	MaxRetries int

	// RetryDelay is the first backoff delay; later ones double. Default: 1s.
	RetryDelay time.Duration

	// DefaultModel is used when CompletionRequest.Model is empty.
	// Default: DefaultAnthropicModel
	DefaultModel string

	// HTTPClient replaces the SDK's HTTP client.
	HTTPClient *http.Client
}

// NewAnthropicProvider validates config and creates the SDK client. SDK-level
// retries are disabled so the provider's own policy applies.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultAnthropicModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(config.HTTPClient))
	}

	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay),
		client:       anthropic.NewClient(opts...),
		defaultModel: config.DefaultModel,
	}, nil
}

// Complete streams one model response. Request conversion errors are
// returned directly; everything after that arrives on the channel.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, errors.New("anthropic: nil request")
	}
	model := p.model(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		stream, err := openStream(ctx, &p.BaseProvider, model, func(ctx context.Context) (*anthropicStream, error) {
			stream := p.client.Messages.NewStreaming(ctx, params)
			// Errors only surface once the stream is read, so the first event
			// is pulled here where a failure can still be retried.
			if !stream.Next() {
				err := stream.Err()
				_ = stream.Close()
				if err == nil {
					err = errors.New("stream ended before any event")
				}
				return nil, p.wrapError(err, model)
			}
			return stream, nil
		})
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}
		defer stream.Close()
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream translates SSE events into chunks. The stream has already
// been advanced to its first event.
//
// Tool calls arrive in pieces: content_block_start carries the id and name,
// input_json_delta events carry fragments of the input, and
// content_block_stop completes the call.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *anthropicStream, chunks chan<- *agent.CompletionChunk, model string) {
	var (
		current      *models.ToolCall
		input        strings.Builder
		inputTokens  int
		outputTokens int
		empty        int
	)

	for next := true; next; next = stream.Next() {
		event := stream.Current()
		produced := false

		switch event.Type {
		case "message_start":
			inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
			produced = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				input.Reset()
			}
			produced = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(ctx, chunks, &agent.CompletionChunk{Text: delta.Text}) {
						return
					}
					produced = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					input.WriteString(delta.PartialJSON)
					produced = true
				}
			}

		case "content_block_stop":
			if current != nil {
				current.Input = toolInput(input.String())
				if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: current}) {
					return
				}
				current = nil
			}
			produced = true

		case "message_delta":
			outputTokens = int(event.AsMessageDelta().Usage.OutputTokens)
			produced = true

		case "message_stop":
			send(ctx, chunks, &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return

		case "error":
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(errors.New("anthropic stream error"), model)})
			return
		}

		if produced {
			empty = 0
			continue
		}
		empty++
		if empty >= maxEmptyStreamEvents {
			send(ctx, chunks, &agent.CompletionChunk{
				Error: p.wrapError(fmt.Errorf("stream appears malformed: %d consecutive empty events", empty), model),
			})
			return
		}
	}

	err := stream.Err()
	if err == nil {
		err = errors.New("stream ended without message_stop")
	}
	send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
}

// convertAnthropicMessages maps history onto Anthropic content blocks. Tool
// results travel in user messages.
func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, res := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(toolInput(string(call.Input)), &input); err != nil {
				return nil, fmt.Errorf("invalid input for tool call %s: %w", call.ID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		switch msg.Role {
		case string(models.RoleAssistant):
			result = append(result, anthropic.NewAssistantMessage(content...))
		case string(models.RoleUser), string(models.RoleTool):
			result = append(result, anthropic.NewUserMessage(content...))
		default:
			return nil, fmt.Errorf("unsupported role %q", msg.Role)
		}
	}
	return result, nil
}

func toolInput(raw string) json.RawMessage {
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}

func (p *AnthropicProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError(p.name, model, err)
	}

	providerErr := (&ProviderError{
		Provider: p.name,
		Model:    model,
		Cause:    err,
		Reason:   ReasonUnknown,
		Message:  "anthropic request failed",
	}).WithStatus(apiErr.StatusCode).WithRequestID(apiErr.RequestID)

	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			providerErr.WithMessage(payload.Error.Message)
		}
		if payload.Error.Type != "" {
			providerErr.WithCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			providerErr.WithRequestID(payload.RequestID)
		}
	}
	return providerErr
}

package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/agent/toolconv"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// DefaultOpenAIModel is used when neither the request nor the config names a model.
const DefaultOpenAIModel = "gpt-4o"

// OpenAIConfig holds configuration for NewOpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
	HTTPClient   *http.Client
}

// OpenAIProvider implements agent.LLMProvider for OpenAI-compatible chat
// completion APIs.
//
// Tool call arguments are streamed as fragments keyed by the call's index.
// They are accumulated and emitted together, in index order, when the
// choice finishes.
type OpenAIProvider struct {
	BaseProvider

	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultOpenAIModel
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	if config.HTTPClient != nil {
		clientConfig.HTTPClient = config.HTTPClient
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", config.MaxRetries, config.RetryDelay),
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
	}, nil
}

// Complete streams one chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, errors.New("openai: nil request")
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertOpenAIMessages(req.Messages, req.System),
		MaxTokens:     maxTokens(req.MaxTokens),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(req.Tools)
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		stream, err := openStream(ctx, &p.BaseProvider, model, func(ctx context.Context) (*openai.ChatCompletionStream, error) {
			stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
			if err != nil {
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

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	pending := make(map[int]*models.ToolCall)
	args := make(map[int]*strings.Builder)
	var usage openai.Usage

	flush := func() bool {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call := pending[i]
			if call.Name == "" {
				continue
			}
			call.Input = toolInput(args[i].String())
			if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: call}) {
				return false
			}
		}
		pending = make(map[int]*models.ToolCall)
		args = make(map[int]*strings.Builder)
		return true
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !flush() {
				return
			}
			send(ctx, chunks, &agent.CompletionChunk{
				Done:         true,
				InputTokens:  usage.PromptTokens,
				OutputTokens: usage.CompletionTokens,
			})
			return
		}
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}
		if response.Usage != nil {
			usage = *response.Usage
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			if !send(ctx, chunks, &agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := pending[index]
			if !ok {
				call = &models.ToolCall{}
				pending[index] = call
				args[index] = &strings.Builder{}
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			args[index].WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

// convertOpenAIMessages prepends the system prompt and expands tool results
// into one tool message per result.
func convertOpenAIMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case string(models.RoleTool):
			for _, res := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    res.Content,
					ToolCallID: res.ToolCallID,
				})
			}
		case string(models.RoleAssistant):
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, call := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(toolInput(string(call.Input))),
					},
				})
			}
			result = append(result, out)
		default:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		}
	}
	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := (&ProviderError{
			Provider: p.name,
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
			Message:  apiErr.Message,
		}).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Type != "" {
			providerErr.WithCode(apiErr.Type)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr.WithCode(code)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return (&ProviderError{
			Provider: p.name,
			Model:    model,
			Cause:    err,
			Reason:   ClassifyError(reqErr.Err),
			Message:  fmt.Sprintf("request failed with status %d", reqErr.HTTPStatusCode),
		}).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError(p.name, model, err)
}

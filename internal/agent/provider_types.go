package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations translate a CompletionRequest into one provider call and
// stream the answer back. A response either carries text only (the final
// answer) or one or more tool calls. Providers are stateless between calls
// and must be safe for concurrent use.
//
// See Also:
//   - providers.AnthropicProvider
//   - providers.OpenAIProvider
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. The channel
	// is closed when the response ends.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which model to use. Empty selects the provider default.
	Model string `json:"model"`

	// System is the (possibly augmented) system prompt.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools is the profile's allowed subset of the registry.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens limits the length of the generated response.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage represents a single message in a conversation.
//
// Role values: "user", "assistant", "tool". Assistant messages may carry
// ToolCalls; tool messages carry the ToolResults answering them.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one piece of a streaming response: partial text, a
// complete tool call, the done marker, or an error that ends the stream.
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Tool defines the interface for executable agent tools.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description returns a natural language description of what the tool does.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with parameters that already passed Schema validation.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// IdempotentTool is implemented by tools whose calls may be repeated without
// additional side effects. Only these tools are retried transparently.
type IdempotentTool interface {
	Idempotent() bool
}

// IsIdempotent reports whether t declares itself idempotent.
func IsIdempotent(t Tool) bool {
	it, ok := t.(IdempotentTool)
	return ok && it.Idempotent()
}

// ToolResult contains the output from a tool execution.
type ToolResult struct {
	// Content is the tool's output (text, JSON, etc.)
	Content string `json:"content"`

	// IsError indicates this result represents an error condition
	IsError bool `json:"is_error,omitempty"`

	// Artifacts are side-channel blobs (e.g. screenshots) streamed to the client.
	Artifacts []models.Artifact `json:"artifacts,omitempty"`
}

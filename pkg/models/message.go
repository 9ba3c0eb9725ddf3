package models

import (
	"encoding/json"
	"strings"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether the role may appear in a chat request.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChatMessage is the plain-text message shape accepted by POST /chat.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	SessionID    string        `json:"sessionId"`
	Messages     []ChatMessage `json:"messages"`
	AgentContext string        `json:"agentContext,omitempty"`
}

// LastUserMessage returns the content of the final message when it was
// authored by the user.
func (r *ChatRequest) LastUserMessage() (string, bool) {
	if r == nil || len(r.Messages) == 0 {
		return "", false
	}
	last := r.Messages[len(r.Messages)-1]
	if last.Role != RoleUser || strings.TrimSpace(last.Content) == "" {
		return "", false
	}
	return last.Content, true
}

// ToolCall represents an LLM's request to execute a tool. ID is the
// correlation id issued by the provider.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution, keyed by the
// correlation id of the call it answers.
type ToolResult struct {
	ToolCallID string     `json:"tool_call_id"`
	Content    string     `json:"content"`
	IsError    bool       `json:"is_error,omitempty"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
}

// Artifact is a file or media blob produced alongside text, e.g. a screenshot.
type Artifact struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // screenshot, image, file
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

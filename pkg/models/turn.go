package models

import (
	"strings"
	"time"
)

// TurnStatus is the lifecycle state of a conversation turn.
type TurnStatus string

const (
	TurnStreaming TurnStatus = "streaming"
	TurnComplete  TurnStatus = "complete"
	TurnError     TurnStatus = "error"
)

// BlockType classifies structured turn content.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is a piece of structured content carried by turns imported from
// transcripts that recorded tool traffic.
type Block struct {
	Type       BlockType `json:"type"`
	Text       string    `json:"text,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
}

// Turn is one message in a session's ordered history.
type Turn struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Status    TurnStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Blocks    []Block    `json:"blocks,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// IsPlainText reports whether the turn carries nothing but text.
func (t Turn) IsPlainText() bool {
	for _, b := range t.Blocks {
		if b.Type != BlockText {
			return false
		}
	}
	return true
}

// Text returns the turn content, falling back to concatenated text blocks.
func (t Turn) Text() string {
	if t.Content != "" || len(t.Blocks) == 0 {
		return t.Content
	}
	var sb strings.Builder
	for _, b := range t.Blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

package agent

import (
	"strings"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// NormalizeHistory converts a plain-text chat history into completion
// messages. Empty messages and unknown roles are dropped and consecutive
// messages from the same role are merged, since providers expect roles to
// alternate.
func NormalizeHistory(history []models.ChatMessage) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, msg := range history {
		if !msg.Role.Valid() {
			continue
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == string(msg.Role) {
			out[n-1].Content += "\n\n" + content
			continue
		}
		out = append(out, CompletionMessage{Role: string(msg.Role), Content: content})
	}
	return out
}

// pairToolResults returns exactly one result per call, in call order.
// Results for unknown ids and repeated results are dropped; calls left
// without a result get a synthesized error result.
func pairToolResults(calls []models.ToolCall, results []models.ToolResult) []models.ToolResult {
	byID := make(map[string]models.ToolResult, len(results))
	for _, res := range results {
		if res.ToolCallID == "" {
			continue
		}
		if _, seen := byID[res.ToolCallID]; seen {
			continue
		}
		byID[res.ToolCallID] = res
	}

	paired := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		if res, ok := byID[call.ID]; ok {
			paired = append(paired, res)
			delete(byID, call.ID)
			continue
		}
		missing := NewToolError(call.Name, ErrMissingToolResult).WithToolCallID(call.ID).WithType(ToolErrorExecution)
		paired = append(paired, models.ToolResult{
			ToolCallID: call.ID,
			Content:    missing.ModelContent(),
			IsError:    true,
		})
	}
	return paired
}

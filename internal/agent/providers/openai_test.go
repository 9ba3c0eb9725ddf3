package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/pkg/models"
)

func newTestOpenAI(t *testing.T, url string, retries int) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(OpenAIConfig{
		APIKey:     "test-key",
		BaseURL:    url + "/v1",
		MaxRetries: retries,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	p.sleep = noSleep
	return p
}

func writeOpenAIStream(t *testing.T, w http.ResponseWriter, chunks []string) {
	t.Helper()
	events := make([][2]string, 0, len(chunks)+1)
	for _, c := range chunks {
		events = append(events, [2]string{"", c})
	}
	events = append(events, [2]string{"", "[DONE]"})
	writeSSE(t, w, events)
}

func TestNewOpenAIProvider_RequiresKey(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestOpenAI_StreamsTextAndUsage(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization: got %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeOpenAIStream(t, w, []string{
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Chart "}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"ready"},"finish_reason":"stop"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`,
		})
	}))
	defer server.Close()

	p := newTestOpenAI(t, server.URL, 0)
	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		System:   "You are a trading assistant.",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "show AAPL"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	chunks := collectChunks(t, ch)

	var text strings.Builder
	for _, c := range chunks {
		if c.Error != nil {
			t.Fatalf("unexpected error: %v", c.Error)
		}
		text.WriteString(c.Text)
	}
	if text.String() != "Chart ready" {
		t.Errorf("text: got %q, want %q", text.String(), "Chart ready")
	}
	last := chunks[len(chunks)-1]
	if !last.Done || last.InputTokens != 9 || last.OutputTokens != 2 {
		t.Errorf("final chunk: got %+v", last)
	}

	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages sent: got %d, want 2", len(msgs))
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message: got %v, want system prompt", first)
	}
	if body["model"] != DefaultOpenAIModel {
		t.Errorf("model: got %v, want %v", body["model"], DefaultOpenAIModel)
	}
}

func TestOpenAI_AccumulatesToolCallsInIndexOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeOpenAIStream(t, w, []string{
			`{"id":"c2","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"chart_set_timeframe","arguments":""}}]}}]}`,
			`{"id":"c2","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"chart_set_symbol","arguments":"{\"symbol\":"}}]}}]}`,
			`{"id":"c2","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"TSLA\"}"}}]}}]}`,
			`{"id":"c2","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"{\"timeframe\":\"1h\"}"}}]}}]}`,
			`{"id":"c2","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		})
	}))
	defer server.Close()

	p := newTestOpenAI(t, server.URL, 0)
	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "TSLA hourly"}},
		Tools:    []agent.Tool{schemaTool{"chart_set_symbol"}, schemaTool{"chart_set_timeframe"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var calls []models.ToolCall
	for _, c := range collectChunks(t, ch) {
		if c.ToolCall != nil {
			calls = append(calls, *c.ToolCall)
		}
	}
	want := []models.ToolCall{
		{ID: "call_a", Name: "chart_set_symbol", Input: json.RawMessage(`{"symbol":"TSLA"}`)},
		{ID: "call_b", Name: "chart_set_timeframe", Input: json.RawMessage(`{"timeframe":"1h"}`)},
	}
	if len(calls) != len(want) {
		t.Fatalf("got %d calls, want %d", len(calls), len(want))
	}
	for i := range want {
		if calls[i].ID != want[i].ID || calls[i].Name != want[i].Name || string(calls[i].Input) != string(want[i].Input) {
			t.Errorf("call %d: got %+v (%s), want %+v (%s)", i, calls[i], calls[i].Input, want[i], want[i].Input)
		}
	}
}

func TestOpenAI_RetriesRateLimit(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`)
			return
		}
		writeOpenAIStream(t, w, []string{
			`{"id":"c3","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
		})
	}))
	defer server.Close()

	p := newTestOpenAI(t, server.URL, 3)
	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	chunks := collectChunks(t, ch)
	if last := chunks[len(chunks)-1]; !last.Done {
		t.Errorf("expected done, got %+v", last)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("requests: got %d, want 3", got)
	}
}

func TestOpenAI_AuthErrorNotRetried(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	defer server.Close()

	p := newTestOpenAI(t, server.URL, 3)
	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	chunks := collectChunks(t, ch)
	if len(chunks) != 1 || chunks[0].Error == nil {
		t.Fatalf("expected one error chunk, got %+v", chunks)
	}
	pe, ok := GetProviderError(chunks[0].Error)
	if !ok || pe.Reason != ReasonAuth {
		t.Errorf("got %v, want auth provider error", chunks[0].Error)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("requests: got %d, want 1", got)
	}
}

func TestConvertOpenAIMessages(t *testing.T) {
	msgs := convertOpenAIMessages([]agent.CompletionMessage{
		{Role: "user", Content: "build a flange"},
		{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "c1", Name: "connect"}, {ID: "c2", Name: "cad_status"}}},
		{Role: "tool", ToolResults: []models.ToolResult{
			{ToolCallID: "c1", Content: "ok"},
			{ToolCallID: "c2", Content: "err", IsError: true},
		}},
	}, "sys")

	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []string{"system", "user", "assistant", "tool", "tool"}
	if strings.Join(roles, ",") != strings.Join(want, ",") {
		t.Errorf("roles: got %v, want %v", roles, want)
	}
	if msgs[2].ToolCalls[0].Function.Arguments != "{}" {
		t.Errorf("empty input: got %q, want {}", msgs[2].ToolCalls[0].Function.Arguments)
	}
	if msgs[4].ToolCallID != "c2" {
		t.Errorf("tool call id: got %q, want c2", msgs[4].ToolCallID)
	}
}

package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// mockTool implements Tool for testing
type mockTool struct {
	name       string
	schema     json.RawMessage
	idempotent bool
	execFunc   func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
	execCount  atomic.Int32
}

func (m *mockTool) Name() string            { return m.name }
func (m *mockTool) Description() string     { return "mock " + m.name }
func (m *mockTool) Schema() json.RawMessage { return m.schema }
func (m *mockTool) Idempotent() bool        { return m.idempotent }
func (m *mockTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	m.execCount.Add(1)
	if m.execFunc != nil {
		return m.execFunc(ctx, params)
	}
	return &ToolResult{Content: "success"}, nil
}

func mustRegistry(t *testing.T, tools ...Tool) *ToolRegistry {
	t.Helper()
	r, err := NewToolRegistry(tools...)
	if err != nil {
		t.Fatalf("NewToolRegistry() error = %v", err)
	}
	return r
}

// loopTestProvider replays one scripted response per call and records the
// requests it received.
type loopTestProvider struct {
	responses    [][]CompletionChunk
	completeFunc func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	mu       sync.Mutex
	requests []CompletionRequest
	calls    atomic.Int32
}

func (p *loopTestProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	snapshot := *req
	snapshot.Messages = append([]CompletionMessage(nil), req.Messages...)
	p.requests = append(p.requests, snapshot)
	p.mu.Unlock()

	if p.completeFunc != nil {
		p.calls.Add(1)
		return p.completeFunc(ctx, req)
	}

	call := int(p.calls.Add(1)) - 1
	ch := make(chan *CompletionChunk, 10)
	go func() {
		defer close(ch)
		if call >= len(p.responses) {
			return
		}
		for i := range p.responses[call] {
			chunk := p.responses[call][i]
			select {
			case ch <- &chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *loopTestProvider) Name() string { return "loop-test" }

func (p *loopTestProvider) request(i int) CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func toolCallChunk(id, name, input string) CompletionChunk {
	return CompletionChunk{ToolCall: &models.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}}
}

// collect drains the event channel, failing the test if it stays open too long.
func collect(t *testing.T, events <-chan models.StreamEvent) []models.StreamEvent {
	t.Helper()
	var out []models.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream not closed; got %d events", len(out))
			return out
		}
	}
}

func userHistory(text string) []CompletionMessage {
	return []CompletionMessage{{Role: "user", Content: text}}
}

func noSleep(context.Context, time.Duration) error { return nil }

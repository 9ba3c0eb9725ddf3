package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// failingProvider always fails with the given error
type failingProvider struct {
	name      string
	err       error
	callCount atomic.Int32
}

func (p *failingProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.callCount.Add(1)
	return nil, p.err
}

func (p *failingProvider) Name() string { return p.name }

// successProvider always succeeds and records the model it was asked for
type successProvider struct {
	name      string
	callCount atomic.Int32
	lastModel atomic.Value
}

func (p *successProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.callCount.Add(1)
	p.lastModel.Store(req.Model)
	ch := make(chan *CompletionChunk, 1)
	ch <- &CompletionChunk{Text: "success", Done: true}
	close(ch)
	return ch, nil
}

func (p *successProvider) Name() string { return p.name }

func drain(ch <-chan *CompletionChunk) {
	for range ch {
	}
}

func TestFailoverProvider_PrimarySuccess(t *testing.T) {
	primary := &successProvider{name: "primary"}
	secondary := &successProvider{name: "secondary"}

	f, err := NewFailoverProvider(nil, primary, secondary)
	if err != nil {
		t.Fatalf("NewFailoverProvider() error = %v", err)
	}
	ch, err := f.Complete(context.Background(), &CompletionRequest{Model: "claude"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drain(ch)

	if primary.callCount.Load() != 1 || secondary.callCount.Load() != 0 {
		t.Errorf("calls = %d/%d, want 1/0", primary.callCount.Load(), secondary.callCount.Load())
	}
	if got := primary.lastModel.Load(); got != "claude" {
		t.Errorf("primary model = %v, want claude", got)
	}
	if f.Name() != "failover:primary" {
		t.Errorf("Name() = %q", f.Name())
	}
}

func TestFailoverProvider_FailsOverWithDefaultModel(t *testing.T) {
	primary := &failingProvider{name: "primary", err: errors.New("anthropic: 529 overloaded")}
	secondary := &successProvider{name: "secondary"}

	f, _ := NewFailoverProvider(nil, primary, secondary)
	ch, err := f.Complete(context.Background(), &CompletionRequest{Model: "claude"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drain(ch)

	if secondary.callCount.Load() != 1 {
		t.Errorf("secondary calls = %d, want 1", secondary.callCount.Load())
	}
	if got := secondary.lastModel.Load(); got != "" {
		t.Errorf("fallback model = %v, want provider default", got)
	}
}

func TestFailoverProvider_NoFailoverOnInvalidRequest(t *testing.T) {
	primary := &failingProvider{name: "primary", err: errors.New("400 bad request: messages required")}
	secondary := &successProvider{name: "secondary"}

	f, _ := NewFailoverProvider(nil, primary, secondary)
	if _, err := f.Complete(context.Background(), &CompletionRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if secondary.callCount.Load() != 0 {
		t.Error("secondary should not be called for invalid requests")
	}
}

func TestFailoverProvider_CustomClassifier(t *testing.T) {
	sentinel := errors.New("typed failure")
	primary := &failingProvider{name: "primary", err: sentinel}
	secondary := &successProvider{name: "secondary"}

	f, _ := NewFailoverProvider(&FailoverConfig{
		ShouldFailover: func(err error) bool { return errors.Is(err, sentinel) },
	}, primary, secondary)
	ch, err := f.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drain(ch)
	if secondary.callCount.Load() != 1 {
		t.Errorf("secondary calls = %d, want 1", secondary.callCount.Load())
	}
}

func TestFailoverProvider_CircuitBreaker(t *testing.T) {
	primary := &failingProvider{name: "primary", err: errors.New("503 service unavailable")}
	secondary := &successProvider{name: "secondary"}

	f, _ := NewFailoverProvider(&FailoverConfig{
		CircuitBreakerThreshold: 2,
		CircuitBreakerTimeout:   time.Minute,
	}, primary, secondary)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		ch, err := f.Complete(context.Background(), &CompletionRequest{})
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		drain(ch)
	}
	if got := primary.callCount.Load(); got != 2 {
		t.Errorf("primary calls = %d, want 2 before the circuit opened", got)
	}
	states := f.ProviderStates()
	if len(states) != 1 || !states[0].CircuitOpen {
		t.Errorf("states = %+v, want open circuit for primary", states)
	}

	now = now.Add(2 * time.Minute)
	ch, _ := f.Complete(context.Background(), &CompletionRequest{})
	drain(ch)
	if got := primary.callCount.Load(); got != 3 {
		t.Errorf("primary calls = %d, want retry after timeout", got)
	}

	f.ResetCircuitBreaker("primary")
	if states := f.ProviderStates(); states[0].CircuitOpen || states[0].Failures != 0 {
		t.Errorf("after reset = %+v", states[0])
	}
}

func TestFailoverProvider_AllFail(t *testing.T) {
	primary := &failingProvider{name: "primary", err: errors.New("rate limit exceeded")}
	secondary := &failingProvider{name: "secondary", err: errors.New("429 too many requests")}

	f, _ := NewFailoverProvider(nil, primary, secondary)
	_, err := f.Complete(context.Background(), &CompletionRequest{})
	if err == nil || err.Error() != "429 too many requests" {
		t.Errorf("err = %v, want last provider error", err)
	}
}

func TestFailoverProvider_CanceledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary := &failingProvider{name: "primary", err: context.Canceled}
	secondary := &successProvider{name: "secondary"}

	f, _ := NewFailoverProvider(nil, primary, secondary)
	if _, err := f.Complete(ctx, &CompletionRequest{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if secondary.callCount.Load() != 0 {
		t.Error("secondary should not be called after cancellation")
	}
}

func TestClassifyProviderError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("request timeout"), "timeout"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("Too Many Requests"), "rate_limit"},
		{errors.New("invalid api key"), "auth"},
		{errors.New("quota exhausted"), "billing"},
		{errors.New("model not found"), "model_unavailable"},
		{errors.New("502 bad gateway"), "server_error"},
		{errors.New("bad request"), "invalid_request"},
		{errors.New("weird"), "unknown"},
		{nil, "unknown"},
	}
	for _, tt := range tests {
		if got := classifyProviderError(tt.err); got != tt.want {
			t.Errorf("classifyProviderError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestNewFailoverProvider_RequiresPrimary(t *testing.T) {
	if _, err := NewFailoverProvider(nil, nil); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

func writeFrame(w http.ResponseWriter, frame models.Frame) {
	data, _ := json.Marshal(frame)
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.(http.Flusher).Flush()
}

func writeDone(w http.ResponseWriter) {
	fmt.Fprintf(w, "data: %s\n\n", models.DoneSentinel)
	w.(http.Flusher).Flush()
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newManager(t *testing.T, url string, session *sessions.Session, opts ...Option) (*Manager, *recordedSleeps) {
	t.Helper()
	sleeps := &recordedSleeps{}
	opts = append([]Option{WithSleeper(sleeps.sleep)}, opts...)
	m, err := NewManager(Config{
		ServerURL:    url,
		Token:        "secret",
		AgentContext: "cad",
		MaxRetries:   3,
		BaseDelay:    10 * time.Millisecond,
	}, session, opts...)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, sleeps
}

func TestSend_FlangeConversation(t *testing.T) {
	var got models.ChatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		sseHeaders(w)
		writeFrame(w, models.Frame{Content: "Connecting."})
		writeFrame(w, models.Frame{ToolCall: &models.FrameToolCall{Name: "connect", ID: "c1"}})
		writeFrame(w, models.Frame{ToolCall: &models.FrameToolCall{Name: "create_part", ID: "c2"}})
		writeFrame(w, models.Frame{Content: " Created a flange."})
		writeDone(w)
	}))
	defer srv.Close()

	var toolCalls []string
	session := sessions.NewWithWelcome("switchboard-chat-cad", "")
	m, _ := newManager(t, srv.URL, session, WithFrameHandler(func(f models.Frame) {
		if f.ToolCall != nil {
			toolCalls = append(toolCalls, f.ToolCall.Name)
		}
	}))

	if err := m.Send(context.Background(), "make me a flange"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.AgentContext != "cad" || len(got.Messages) != 1 || got.Messages[0].Content != "make me a flange" {
		t.Errorf("request = %+v, want single user message with cad context", got)
	}
	if strings.Join(toolCalls, ",") != "connect,create_part" {
		t.Errorf("tool calls = %v", toolCalls)
	}

	turns := session.Turns()
	if len(turns) != 3 {
		t.Fatalf("turns = %d, want welcome + 2", len(turns))
	}
	user, reply := turns[1], turns[2]
	if user.Role != models.RoleUser || user.Status != models.TurnComplete {
		t.Errorf("user turn = %+v", user)
	}
	if reply.Status != models.TurnComplete || reply.Content != "Connecting. Created a flange." {
		t.Errorf("reply = %+v", reply)
	}
}

func TestSend_ReconnectDoesNotDuplicate(t *testing.T) {
	tokens := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		sseHeaders(w)
		if n == 1 {
			for _, tok := range tokens[:3] {
				writeFrame(w, models.Frame{Content: tok})
			}
			return
		}
		for _, tok := range tokens {
			writeFrame(w, models.Frame{Content: tok})
		}
		writeDone(w)
	}))
	defer srv.Close()

	var rendered strings.Builder
	var retries []int
	session := sessions.New("k")
	m, sleeps := newManager(t, srv.URL, session,
		WithFrameHandler(func(f models.Frame) { rendered.WriteString(f.Content) }),
		WithRetryHandler(func(retry int, delay time.Duration) {
			retries = append(retries, retry)
			rendered.Reset()
		}),
	)
	if err := m.Send(context.Background(), "count"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(retries) != 1 || retries[0] != 1 {
		t.Errorf("retry callbacks = %v, want [1]", retries)
	}
	if rendered.String() != strings.Join(tokens, "") {
		t.Errorf("rendered = %q, want one copy of the answer", rendered.String())
	}

	if calls.Load() != 2 {
		t.Errorf("requests = %d, want 2", calls.Load())
	}
	reply := session.Turns()[1]
	if reply.Content != strings.Join(tokens, "") {
		t.Errorf("Content = %q, want %q", reply.Content, strings.Join(tokens, ""))
	}
	if len(sleeps.delays) != 1 || sleeps.delays[0] != 10*time.Millisecond {
		t.Errorf("delays = %v, want [10ms]", sleeps.delays)
	}
}

func TestSend_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	session := sessions.New("k")
	m, sleeps := newManager(t, srv.URL, session)
	err := m.Send(context.Background(), "hello")
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Send() error = %v, want ErrRetriesExhausted", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("error = %v, want wrapped 503", err)
	}
	if calls.Load() != 4 {
		t.Errorf("requests = %d, want 4", calls.Load())
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	if len(sleeps.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", sleeps.delays, want)
	}
	for i := range want {
		if sleeps.delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, sleeps.delays[i], want[i])
		}
	}

	reply := session.Turns()[1]
	if reply.Status != models.TurnError || !strings.Contains(reply.Error, "4 attempts") {
		t.Errorf("reply = %+v, want error turn", reply)
	}
	if session.Turns()[0].Status != models.TurnComplete {
		t.Error("user turn should stay intact")
	}
}

func TestSend_ErrorFrameIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		sseHeaders(w)
		writeFrame(w, models.Frame{Content: "Trying"})
		writeFrame(w, models.Frame{Error: "task did not converge"})
		writeDone(w)
	}))
	defer srv.Close()

	session := sessions.New("k")
	m, sleeps := newManager(t, srv.URL, session)
	err := m.Send(context.Background(), "loop forever")

	var se *StreamError
	if !errors.As(err, &se) || se.Message != "task did not converge" {
		t.Fatalf("Send() error = %v, want StreamError", err)
	}
	if calls.Load() != 1 || len(sleeps.delays) != 0 {
		t.Errorf("requests = %d delays = %v, want no retry", calls.Load(), sleeps.delays)
	}
	reply := session.Turns()[1]
	if reply.Status != models.TurnError || reply.Error != "task did not converge" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestSend_Cancel(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		sseHeaders(w)
		writeFrame(w, models.Frame{Content: "Thinking"})
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := sessions.New("k")
	m, _ := newManager(t, srv.URL, session, WithFrameHandler(func(models.Frame) { cancel() }))

	err := m.Send(ctx, "hello")
	if !errors.Is(err, ErrCanceled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Send() error = %v, want ErrCanceled", err)
	}
	if calls.Load() != 1 {
		t.Errorf("requests = %d, want 1", calls.Load())
	}
	reply := session.Turns()[1]
	if reply.Status != models.TurnError || reply.Error != "request canceled" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestSend_TurnInProgress(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		w.(http.Flusher).Flush()
		close(started)
		<-release
		writeDone(w)
	}))
	defer srv.Close()

	session := sessions.New("k")
	m, _ := newManager(t, srv.URL, session)

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "first") }()
	<-started

	if err := m.Send(context.Background(), "second"); !errors.Is(err, ErrTurnInProgress) {
		t.Errorf("second Send() error = %v, want ErrTurnInProgress", err)
	}
	if err := m.Reset(context.Background()); !errors.Is(err, ErrTurnInProgress) {
		t.Errorf("Reset() error = %v, want ErrTurnInProgress", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	if session.Len() != 2 {
		t.Errorf("turns = %d, want 2", session.Len())
	}
}

func TestSend_SanitizesHistory(t *testing.T) {
	var got models.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		sseHeaders(w)
		writeFrame(w, models.Frame{Content: "ok"})
		writeDone(w)
	}))
	defer srv.Close()

	session := sessions.NewWithWelcome("k", "")
	_, _ = session.Append(models.Turn{Role: models.RoleUser, Content: "build a bracket"})
	_, _ = session.Append(models.Turn{Role: models.RoleAssistant, Content: "half", Status: models.TurnError, Error: "boom"})
	_, _ = session.Append(models.Turn{Role: models.RoleAssistant, Content: "calling", Blocks: []models.Block{
		{Type: models.BlockToolUse, ToolCallID: "t1", ToolName: "create_part"},
	}})

	m, _ := newManager(t, srv.URL, session)
	if err := m.Send(context.Background(), "try again"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	want := []models.ChatMessage{
		{Role: models.RoleUser, Content: "build a bracket"},
		{Role: models.RoleUser, Content: "try again"},
	}
	if len(got.Messages) != len(want) {
		t.Fatalf("messages = %+v, want %+v", got.Messages, want)
	}
	for i := range want {
		if got.Messages[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, got.Messages[i], want[i])
		}
	}
}

func TestSend_EmptyHistoryFailsLocally(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	session := sessions.NewWithWelcome("k", "")
	m, _ := newManager(t, srv.URL, session)
	if err := m.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyHistory) {
		t.Fatalf("Send() error = %v, want ErrEmptyHistory", err)
	}
	if calls.Load() != 0 {
		t.Errorf("requests = %d, want 0", calls.Load())
	}
	turns := session.Turns()
	if last := turns[len(turns)-1]; last.Status != models.TurnError {
		t.Errorf("assistant turn = %+v, want error", last)
	}
}

func TestSend_PersistsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeFrame(w, models.Frame{Content: "Done."})
		writeFrame(w, models.Frame{Artifact: &models.Artifact{ID: "shot", Type: "screenshot", MimeType: "image/png"}})
		writeDone(w)
	}))
	defer srv.Close()

	ctx := context.Background()
	persister := sessions.NewPersister(sessions.NewMemoryStore(), sessions.PersisterConfig{})
	session, err := persister.Load(ctx, "cad")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	m, _ := newManager(t, srv.URL, session, WithPersister(persister))
	if err := m.Send(ctx, "screenshot please"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	restored, err := persister.Load(ctx, "cad")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	turns := restored.Turns()
	if len(turns) != 3 {
		t.Fatalf("turns = %d, want 3", len(turns))
	}
	if reply := turns[2]; reply.Content != "Done." || len(reply.Artifacts) != 1 || reply.Artifacts[0].ID != "shot" {
		t.Errorf("reply = %+v", reply)
	}

	if err := m.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	again, _ := persister.Load(ctx, "cad")
	if again.Len() != 1 {
		t.Errorf("after reset turns = %d, want 1", again.Len())
	}
}

func TestEventData(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"data: [DONE]", "[DONE]", true},
		{"data:{\"content\":\"x\"}\r", `{"content":"x"}`, true},
		{": keepalive", "", false},
		{"event: message\ndata: a\ndata: b", "a\nb", true},
	}
	for _, tt := range tests {
		got, ok := eventData([]byte(tt.in))
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("eventData(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNewManager_Validation(t *testing.T) {
	if _, err := NewManager(Config{ServerURL: "http://x"}, nil); err == nil {
		t.Error("expected error for nil session")
	}
	if _, err := NewManager(Config{}, sessions.New("k")); err == nil {
		t.Error("expected error for missing server url")
	}
	m, err := NewManager(Config{ServerURL: "http://x/", MaxRetries: -1}, sessions.New("k"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if m.cfg.MaxRetries != 0 || m.cfg.ServerURL != "http://x" || m.cfg.BaseDelay != DefaultBaseDelay {
		t.Errorf("cfg = %+v", m.cfg)
	}
}

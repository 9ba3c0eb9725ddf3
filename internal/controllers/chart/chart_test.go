package chart

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/switchboard/internal/agent"
)

// fakeChart is an in-process chart controller.
type fakeChart struct {
	mu        sync.Mutex
	state     State
	inflight  atomic.Int32
	overlap   atomic.Bool
	conns     atomic.Int32
	dropAfter int32 // close the connection after this many requests (0 = never)
	delay     time.Duration
}

func (f *fakeChart) serve(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.conns.Add(1)

		var served int32
		for {
			var req struct {
				ID     uint64          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if f.inflight.Add(1) > 1 {
				f.overlap.Store(true)
			}
			time.Sleep(f.delay)

			// A notification ahead of every reply.
			_ = conn.WriteJSON(map[string]any{"id": 0, "result": map[string]string{"event": "tick"}})
			_ = conn.WriteJSON(f.handle(req.ID, req.Method, req.Params))
			f.inflight.Add(-1)

			served++
			if f.dropAfter > 0 && served >= f.dropAfter {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeChart) handle(id uint64, method string, params json.RawMessage) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var p map[string]any
	_ = json.Unmarshal(params, &p)

	switch method {
	case MethodState:
	case MethodSetSymbol:
		f.state.Symbol, _ = p["symbol"].(string)
	case MethodSetTimeframe:
		f.state.Timeframe, _ = p["timeframe"].(string)
	case MethodAddIndicator:
		name, _ := p["name"].(string)
		ind := Indicator{ID: name + "-1", Name: name}
		f.state.Indicators = append(f.state.Indicators, ind)
		return map[string]any{"id": id, "result": ind}
	default:
		return map[string]any{"id": id, "error": map[string]any{"code": -32601, "message": "method not found"}}
	}
	return map[string]any{"id": id, "result": f.state}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(Config{URL: wsURL(srv), CallTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewClient_RequiresWebsocketURL(t *testing.T) {
	if _, err := NewClient(Config{URL: "http://localhost:9000"}); err == nil {
		t.Error("expected error for http url")
	}
}

func TestClient_Methods(t *testing.T) {
	fake := &fakeChart{state: State{Symbol: "SPY", Timeframe: "1D"}}
	client := newTestClient(t, fake.serve(t))
	ctx := context.Background()

	state, err := client.SetSymbol(ctx, " aapl ")
	if err != nil {
		t.Fatalf("SetSymbol: %v", err)
	}
	if state.Symbol != "AAPL" {
		t.Errorf("symbol = %q, want AAPL", state.Symbol)
	}
	if _, err := client.SetTimeframe(ctx, "1h"); err != nil {
		t.Fatalf("SetTimeframe: %v", err)
	}
	ind, err := client.AddIndicator(ctx, "RSI", map[string]any{"length": 14})
	if err != nil {
		t.Fatalf("AddIndicator: %v", err)
	}
	if ind.Name != "RSI" {
		t.Errorf("indicator = %+v", ind)
	}

	state, err = client.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Timeframe != "1h" || len(state.Indicators) != 1 {
		t.Errorf("state = %+v", state)
	}
	if fake.conns.Load() != 1 {
		t.Errorf("connections = %d, want 1", fake.conns.Load())
	}
}

func TestClient_RPCError(t *testing.T) {
	client := newTestClient(t, (&fakeChart{}).serve(t))

	err := client.Call(context.Background(), "chart.unknown", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("code = %d", rpcErr.Code)
	}
}

func TestClient_SerializesCalls(t *testing.T) {
	fake := &fakeChart{delay: 10 * time.Millisecond}
	client := newTestClient(t, fake.serve(t))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.State(context.Background()); err != nil {
				t.Errorf("State: %v", err)
			}
		}()
	}
	wg.Wait()
	if fake.overlap.Load() {
		t.Error("controller saw overlapping requests")
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	fake := &fakeChart{dropAfter: 1}
	client := newTestClient(t, fake.serve(t))
	ctx := context.Background()

	if _, err := client.State(ctx); err != nil {
		t.Fatalf("first call: %v", err)
	}
	// The server hung up; the next call may fail once, then must redial.
	var err error
	for i := 0; i < 2; i++ {
		if _, err = client.State(ctx); err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("call after drop: %v", err)
	}
	if fake.conns.Load() < 2 {
		t.Errorf("connections = %d, want >= 2", fake.conns.Load())
	}
}

func TestClient_ContextTimeout(t *testing.T) {
	fake := &fakeChart{delay: 500 * time.Millisecond}
	client := newTestClient(t, fake.serve(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.State(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestClient_Closed(t *testing.T) {
	client := newTestClient(t, (&fakeChart{}).serve(t))
	_ = client.Close()
	if _, err := client.State(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

type stubCapturer struct {
	png []byte
	err error
}

func (s stubCapturer) Capture(context.Context) ([]byte, error) { return s.png, s.err }

func TestTools_Registry(t *testing.T) {
	client := newTestClient(t, (&fakeChart{}).serve(t))

	registry, err := agent.NewToolRegistry(Tools(client, stubCapturer{png: []byte("png")})...)
	if err != nil {
		t.Fatalf("NewToolRegistry: %v", err)
	}
	want := []string{"chart_add_indicator", "chart_set_symbol", "chart_set_timeframe", "chart_snapshot", "chart_state"}
	if got := registry.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("names = %v, want %v", got, want)
	}

	res, err := registry.Execute(context.Background(), "chart_set_symbol", json.RawMessage(`{"symbol":"TSLA"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Content, `"symbol":"TSLA"`) {
		t.Errorf("content = %s", res.Content)
	}

	_, err = registry.Execute(context.Background(), "chart_set_timeframe", json.RawMessage(`{"timeframe":"7m"}`))
	if toolErr, ok := agent.GetToolError(err); !ok || toolErr.Type != agent.ToolErrorInvalidInput {
		t.Errorf("err = %v, want invalid_input for unknown timeframe", err)
	}
}

func TestTools_NoSnapshotWithoutCapturer(t *testing.T) {
	for _, tool := range Tools(&Client{}, nil) {
		if tool.Name() == "chart_snapshot" {
			t.Error("snapshot tool registered without a capturer")
		}
	}
}

func TestSnapshotTool(t *testing.T) {
	tool := &SnapshotTool{capturer: stubCapturer{png: []byte("\x89PNG")}}
	res, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].MimeType != "image/png" {
		t.Errorf("artifacts = %+v", res.Artifacts)
	}

	failing := &SnapshotTool{capturer: stubCapturer{err: errors.New("chrome not found")}}
	if _, err := failing.Execute(context.Background(), nil); err == nil {
		t.Error("expected capture error")
	}
}

func TestNewSnapshotter(t *testing.T) {
	if _, err := NewSnapshotter(SnapshotConfig{}); err == nil {
		t.Error("expected error for empty page url")
	}
	if _, err := NewSnapshotter(SnapshotConfig{PageURL: "javascript:alert(1)"}); err == nil {
		t.Error("expected error for javascript url")
	}
	s, err := NewSnapshotter(SnapshotConfig{PageURL: "http://localhost:3000/chart"})
	if err != nil {
		t.Fatalf("NewSnapshotter: %v", err)
	}
	if s.cfg.Width != 1280 || s.cfg.WaitSelector != "body" || s.cfg.Timeout != defaultSnapshotTimeout {
		t.Errorf("defaults not applied: %+v", s.cfg)
	}
}

func TestFormatState(t *testing.T) {
	state := &State{Symbol: "AAPL", Timeframe: "1h", LastPrice: 189.5}
	for _, n := range []string{"RSI", "MACD", "SMA", "EMA", "BB", "VWAP"} {
		state.Indicators = append(state.Indicators, Indicator{Name: n})
	}
	got := FormatState(state, DefaultMaxIndicators)
	want := "Chart: AAPL on 1h, last 189.5\nIndicators (5 of 6): RSI, MACD, SMA, EMA, BB"
	if got != want {
		t.Errorf("FormatState() = %q, want %q", got, want)
	}
}

func TestStateFetcher(t *testing.T) {
	fake := &fakeChart{state: State{Symbol: "BTCUSD", Timeframe: "4h"}}
	client := newTestClient(t, fake.serve(t))

	got, ok := NewStateFetcher(client, 0).Fetch(context.Background(), "add rsi")
	if !ok || !strings.HasPrefix(got, "Chart: BTCUSD on 4h") {
		t.Errorf("Fetch() = %q, %v", got, ok)
	}
}

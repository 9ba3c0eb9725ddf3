package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewLogger_Redacts(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := AddRequestID(context.Background(), "req-1")
	ctx = AddSessionID(ctx, "sess-1")
	logger.InfoContext(ctx, "calling provider", "auth", "Bearer abcdefghijklmnopqrstuvwxyz012345")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("invalid json log line: %v", err)
	}
	if record["request_id"] != "req-1" {
		t.Errorf("request_id = %v, want req-1", record["request_id"])
	}
	if record["session_id"] != "sess-1" {
		t.Errorf("session_id = %v, want sess-1", record["session_id"])
	}
	if strings.Contains(buf.String(), "abcdefghijklmnopqrstuvwxyz012345") {
		t.Errorf("token was not redacted: %s", buf.String())
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn record missing")
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"WARNING": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range tests {
		if got := LogLevelFromString(in).String(); got != want {
			t.Errorf("LogLevelFromString(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRun("cad", "complete")
	m.RecordRound("cad", "anthropic", 0.2)
	m.RecordRound("cad", "anthropic", 0.3)
	m.RecordToolExecution("connect", "success", 0.01)
	m.RecordFetch("cad_status", "timeout", 3)
	m.RecordFrame("content")

	if got := testutil.ToFloat64(m.RoundCounter.WithLabelValues("cad")); got != 2 {
		t.Errorf("rounds = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FetchCounter.WithLabelValues("cad_status", "timeout")); got != 1 {
		t.Errorf("fetch timeouts = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordRun("general", "failed")
	m.RecordFrame("error")
	m.StreamOpened()
	m.StreamClosed()
}

func TestTracer_NoEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()
	ctx, span := tracer.Start(context.Background(), "loop.run")
	if ctx == nil || span == nil {
		t.Fatal("expected span")
	}
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	var nilTracer *Tracer
	_, span = nilTracer.Start(context.Background(), "noop")
	span.End()
}

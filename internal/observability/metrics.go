package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus collectors for the orchestrator. All methods
// are safe to call on a nil *Metrics.
type Metrics struct {
	// RunCounter counts loop runs by profile and outcome (complete|failed|canceled).
	RunCounter *prometheus.CounterVec

	// RoundCounter counts model calls by profile.
	RoundCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider call latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations by tool and status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// FetchCounter counts context fetches by source and outcome (ok|empty|error|timeout).
	FetchCounter *prometheus.CounterVec

	// FetchDuration measures context fetch latency in seconds.
	FetchDuration *prometheus.HistogramVec

	// StreamFrameCounter counts SSE frames written by kind.
	StreamFrameCounter *prometheus.CounterVec

	// HTTPRequestCounter counts HTTP requests by path and status code.
	HTTPRequestCounter *prometheus.CounterVec

	// ActiveStreams tracks open /chat streams.
	ActiveStreams prometheus.Gauge
}

// NewMetrics registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_runs_total",
				Help: "Tool loop runs by profile and outcome",
			},
			[]string{"profile", "outcome"},
		),
		RoundCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_rounds_total",
				Help: "Model calls issued by the tool loop",
			},
			[]string{"profile"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_llm_request_duration_seconds",
				Help:    "Duration of model provider calls",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_tool_executions_total",
				Help: "Tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_tool_execution_duration_seconds",
				Help:    "Duration of tool executions",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		FetchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_context_fetches_total",
				Help: "Live context fetches by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_context_fetch_duration_seconds",
				Help:    "Duration of live context fetches",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"source"},
		),
		StreamFrameCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_stream_frames_total",
				Help: "SSE frames written by kind",
			},
			[]string{"kind"},
		),
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_http_requests_total",
				Help: "HTTP requests by path and status code",
			},
			[]string{"path", "code"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_active_streams",
				Help: "Open /chat streams",
			},
		),
	}
}

// RecordRun counts a finished loop run.
func (m *Metrics) RecordRun(profile, outcome string) {
	if m == nil {
		return
	}
	m.RunCounter.WithLabelValues(profile, outcome).Inc()
}

// RecordRound counts one model call.
func (m *Metrics) RecordRound(profile, provider string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RoundCounter.WithLabelValues(profile).Inc()
	m.LLMRequestDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordToolExecution records a tool execution outcome.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordFetch records a context fetch outcome.
func (m *Metrics) RecordFetch(source, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.FetchCounter.WithLabelValues(source, outcome).Inc()
	m.FetchDuration.WithLabelValues(source).Observe(durationSeconds)
}

// RecordFrame counts one SSE frame.
func (m *Metrics) RecordFrame(kind string) {
	if m == nil {
		return
	}
	m.StreamFrameCounter.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest counts an HTTP request.
func (m *Metrics) RecordHTTPRequest(path, code string) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(path, code).Inc()
}

// StreamOpened increments the open stream gauge.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamClosed decrements the open stream gauge.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

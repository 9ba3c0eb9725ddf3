package config

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/switchboard/internal/agent/routing"
)

// Fetcher sources that intent rules may reference.
const (
	SourceCADStatus  = "cad_status"
	SourceChartState = "chart_state"
)

var knownProviders = map[string]bool{"anthropic": true, "openai": true}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed: " + strings.Join(e.Issues, "; ")
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		add("server.addr is required")
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes must be positive")
	}

	for name := range c.LLM.Providers {
		if !knownProviders[name] {
			add("llm.providers.%s: unsupported provider (want anthropic or openai)", name)
		}
	}
	if len(c.LLM.Providers) > 0 {
		if _, ok := c.LLM.Providers[strings.ToLower(c.LLM.DefaultProvider)]; !ok {
			add("llm.default_provider %q has no entry in llm.providers", c.LLM.DefaultProvider)
		}
	}

	for _, name := range c.LLM.Fallbacks {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, ok := c.LLM.Providers[name]; !ok {
			add("llm.fallbacks: %q has no entry in llm.providers", name)
		}
		if name == strings.ToLower(c.LLM.DefaultProvider) {
			add("llm.fallbacks: %q is already the default provider", name)
		}
	}
	if c.LLM.Failover.CircuitBreakerThreshold < 0 {
		add("llm.failover.circuit_breaker_threshold must not be negative")
	}

	if c.Loop.MaxRounds < 0 {
		add("loop.max_rounds must be positive")
	}
	if c.Loop.MaxConcurrency < 0 {
		add("loop.max_concurrency must be positive")
	}
	if c.Loop.ToolRetries != nil && *c.Loop.ToolRetries < 0 {
		add("loop.tool_retries must not be negative")
	}
	for name, o := range c.Loop.Tools {
		if strings.TrimSpace(name) == "" {
			add("loop.tools: tool name is required")
		}
		if o.Timeout < 0 {
			add("loop.tools.%s.timeout must not be negative", name)
		}
		if o.Retries != nil && *o.Retries < 0 {
			add("loop.tools.%s.retries must not be negative", name)
		}
	}

	if _, err := routing.NewRouter(c.RouterConfig()); err != nil {
		add("routing: %v", err)
	}
	for i, r := range c.Augment.Rules {
		label := r.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if r.Source != SourceCADStatus && r.Source != SourceChartState {
			add("augment.rules[%s].source %q is unknown", label, r.Source)
		}
		m := r.Match
		m.Keywords = append([]string(nil), m.Keywords...)
		if err := m.Compile(); err != nil {
			add("augment.rules[%s]: %v", label, err)
		}
	}

	if c.Controllers.CAD.Enabled && strings.TrimSpace(c.Controllers.CAD.BaseURL) == "" {
		add("controllers.cad.base_url is required when cad is enabled")
	}
	if c.Controllers.Chart.Enabled && strings.TrimSpace(c.Controllers.Chart.URL) == "" {
		add("controllers.chart.url is required when chart is enabled")
	}
	if c.Controllers.Chart.Snapshot.Enabled && strings.TrimSpace(c.Controllers.Chart.Snapshot.PageURL) == "" {
		add("controllers.chart.snapshot.page_url is required when snapshots are enabled")
	}

	switch c.Sessions.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.Sessions.Path) == "" {
			add("sessions.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Sessions.DSN) == "" {
			add("sessions.dsn is required for the postgres backend")
		}
	default:
		add("sessions.backend %q must be memory, sqlite or postgres", c.Sessions.Backend)
	}
	if c.Sessions.MaxTurns < 0 {
		add("sessions.max_turns must be positive")
	}

	if c.Client.MaxRetries < 0 {
		add("client.max_retries must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is invalid", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format %q must be json or text", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

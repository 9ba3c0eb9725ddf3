package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/agent/routing"
	"github.com/haasonsaas/switchboard/internal/augment"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Config is the main configuration structure for switchboard.
type Config struct {
	Version     int               `yaml:"version"`
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	LLM         LLMConfig         `yaml:"llm"`
	Loop        LoopConfig        `yaml:"loop"`
	Routing     RoutingConfig     `yaml:"routing"`
	Augment     AugmentConfig     `yaml:"augment"`
	Controllers ControllersConfig `yaml:"controllers"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Client      ClientConfig      `yaml:"client"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig enables bearer JWT auth on /chat when JWTSecret is set.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
	// Fallbacks are tried in order when the default provider cannot open a
	// stream.
	Fallbacks []string       `yaml:"fallbacks"`
	Failover  FailoverConfig `yaml:"failover"`
}

type FailoverConfig struct {
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `yaml:"circuit_breaker_timeout"`
}

type LLMProviderConfig struct {
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model"`
	BaseURL      string        `yaml:"base_url"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// LoopConfig mirrors agent.LoopConfig and agent.ExecutorConfig.
type LoopConfig struct {
	MaxRounds       int           `yaml:"max_rounds"`
	MaxTokens       int           `yaml:"max_tokens"`
	Model           string        `yaml:"model"`
	ModelTimeout    time.Duration `yaml:"model_timeout"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	ToolRetries     *int          `yaml:"tool_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`

	// Tools overrides timeout and retries per tool name.
	Tools map[string]ToolOverride `yaml:"tools"`
}

// ToolOverride is a per-tool latency profile. Unset fields inherit the loop
// defaults; retries: 0 disables retries for that tool.
type ToolOverride struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries *int          `yaml:"retries"`
}

// RoutingConfig replaces the built-in profiles and rules when set. Empty
// lists keep the defaults.
type RoutingConfig struct {
	Default  string          `yaml:"default"`
	Profiles []ProfileConfig `yaml:"profiles"`
	Rules    []routing.Rule  `yaml:"rules"`
}

type ProfileConfig struct {
	ID               string   `yaml:"id"`
	SystemPrompt     string   `yaml:"system_prompt"`
	AllowedTools     []string `yaml:"allowed_tools"`
	NeedsLiveContext bool     `yaml:"needs_live_context"`
}

type AugmentConfig struct {
	FetchTimeout  time.Duration      `yaml:"fetch_timeout"`
	MaxBlockChars int                `yaml:"max_block_chars"`
	MaxListItems  int                `yaml:"max_list_items"`
	Rules         []IntentRuleConfig `yaml:"rules"`
}

// IntentRuleConfig binds a match to a named fetcher source.
type IntentRuleConfig struct {
	Name     string        `yaml:"name"`
	Source   string        `yaml:"source"`
	Match    routing.Match `yaml:"match"`
	Profiles []string      `yaml:"profiles"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ControllersConfig struct {
	CAD   CADConfig   `yaml:"cad"`
	Chart ChartConfig `yaml:"chart"`
}

type CADConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type ChartConfig struct {
	Enabled     bool           `yaml:"enabled"`
	URL         string         `yaml:"url"`
	Token       string         `yaml:"token"`
	CallTimeout time.Duration  `yaml:"call_timeout"`
	Snapshot    SnapshotConfig `yaml:"snapshot"`
}

type SnapshotConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PageURL      string        `yaml:"page_url"`
	DebugURL     string        `yaml:"debug_url"`
	WaitSelector string        `yaml:"wait_selector"`
	Settle       time.Duration `yaml:"settle"`
	Timeout      time.Duration `yaml:"timeout"`
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
}

// SessionsConfig selects where the chat client persists its history.
type SessionsConfig struct {
	// Backend is one of memory, sqlite or postgres.
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	DSN      string `yaml:"dsn"`
	Prefix   string `yaml:"prefix"`
	MaxTurns int    `yaml:"max_turns"`
}

type ClientConfig struct {
	ServerURL      string        `yaml:"server_url"`
	Token          string        `yaml:"token"`
	AgentContext   string        `yaml:"agent_context"`
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Session storage backends.
const (
	BackendMemory   = sessions.BackendMemory
	BackendSQLite   = sessions.BackendSQLite
	BackendPostgres = sessions.BackendPostgres
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	failover := agent.DefaultFailoverConfig()
	if cfg.LLM.Failover.CircuitBreakerThreshold == 0 {
		cfg.LLM.Failover.CircuitBreakerThreshold = failover.CircuitBreakerThreshold
	}
	if cfg.LLM.Failover.CircuitBreakerTimeout == 0 {
		cfg.LLM.Failover.CircuitBreakerTimeout = failover.CircuitBreakerTimeout
	}

	loop := agent.DefaultLoopConfig()
	if cfg.Loop.MaxRounds == 0 {
		cfg.Loop.MaxRounds = loop.MaxRounds
	}
	if cfg.Loop.MaxTokens == 0 {
		cfg.Loop.MaxTokens = loop.MaxTokens
	}
	if cfg.Loop.ModelTimeout == 0 {
		cfg.Loop.ModelTimeout = loop.ModelTimeout
	}
	if cfg.Loop.MaxConcurrency == 0 {
		cfg.Loop.MaxConcurrency = loop.ExecutorConfig.MaxConcurrency
	}
	if cfg.Loop.ToolTimeout == 0 {
		cfg.Loop.ToolTimeout = loop.ExecutorConfig.DefaultTimeout
	}
	if cfg.Loop.ToolRetries == nil {
		retries := loop.ExecutorConfig.DefaultRetries
		cfg.Loop.ToolRetries = &retries
	}
	if cfg.Loop.RetryBackoff == 0 {
		cfg.Loop.RetryBackoff = loop.ExecutorConfig.RetryBackoff
	}
	if cfg.Loop.MaxRetryBackoff == 0 {
		cfg.Loop.MaxRetryBackoff = loop.ExecutorConfig.MaxRetryBackoff
	}

	if cfg.Routing.Default == "" {
		cfg.Routing.Default = models.ProfileGeneral
	}
	if len(cfg.Routing.Profiles) == 0 {
		for _, p := range routing.DefaultProfiles() {
			cfg.Routing.Profiles = append(cfg.Routing.Profiles, ProfileConfig{
				ID:               p.ID,
				SystemPrompt:     p.SystemPrompt,
				AllowedTools:     p.AllowedTools,
				NeedsLiveContext: p.NeedsLiveContext,
			})
		}
	}
	if len(cfg.Routing.Rules) == 0 {
		cfg.Routing.Rules = routing.DefaultRules()
	}

	aug := augment.DefaultConfig()
	if cfg.Augment.FetchTimeout == 0 {
		cfg.Augment.FetchTimeout = aug.FetchTimeout
	}
	if cfg.Augment.MaxBlockChars == 0 {
		cfg.Augment.MaxBlockChars = aug.MaxBlockChars
	}
	if cfg.Augment.MaxListItems == 0 {
		cfg.Augment.MaxListItems = 5
	}
	if len(cfg.Augment.Rules) == 0 {
		cfg.Augment.Rules = DefaultIntentRules()
	}

	if cfg.Controllers.CAD.Timeout == 0 {
		cfg.Controllers.CAD.Timeout = 10 * time.Second
	}
	if cfg.Controllers.Chart.CallTimeout == 0 {
		cfg.Controllers.Chart.CallTimeout = 10 * time.Second
	}

	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = BackendMemory
	}
	if cfg.Sessions.Prefix == "" {
		cfg.Sessions.Prefix = "switchboard-chat"
	}
	if cfg.Sessions.MaxTurns == 0 {
		cfg.Sessions.MaxTurns = 100
	}

	if cfg.Client.ServerURL == "" {
		cfg.Client.ServerURL = "http://localhost:8080"
	}
	if cfg.Client.MaxRetries == 0 {
		cfg.Client.MaxRetries = 3
	}
	if cfg.Client.BaseDelay == 0 {
		cfg.Client.BaseDelay = time.Second
	}
	if cfg.Client.RequestTimeout == 0 {
		cfg.Client.RequestTimeout = 5 * time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "switchboard"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// DefaultIntentRules returns the built-in live-context rules for the CAD
// and chart controllers.
func DefaultIntentRules() []IntentRuleConfig {
	return []IntentRuleConfig{
		{
			Name:     "cad-status",
			Source:   "cad_status",
			Profiles: []string{models.ProfileCAD},
			Match: routing.Match{
				Keywords: []string{"part", "flange", "document", "model", "sketch", "extrude", "bracket"},
				Pattern:  `\b(build|create|design|make|add)\b`,
			},
		},
		{
			Name:     "chart-state",
			Source:   "chart_state",
			Profiles: []string{models.ProfileTrading},
			Match: routing.Match{
				Keywords: []string{"chart", "indicator", "timeframe", "symbol", "price", "ticker"},
				Pattern:  `\$[a-z]{1,5}\b`,
			},
		},
	}
}

// RouterConfig converts the routing section into a routing.Config.
func (c *Config) RouterConfig() routing.Config {
	profiles := make([]models.AgentProfile, 0, len(c.Routing.Profiles))
	for _, p := range c.Routing.Profiles {
		profiles = append(profiles, models.AgentProfile{
			ID:               p.ID,
			SystemPrompt:     p.SystemPrompt,
			AllowedTools:     append([]string(nil), p.AllowedTools...),
			NeedsLiveContext: p.NeedsLiveContext,
		})
	}
	rules := make([]routing.Rule, len(c.Routing.Rules))
	copy(rules, c.Routing.Rules)
	return routing.Config{
		Default:  c.Routing.Default,
		Profiles: profiles,
		Rules:    rules,
	}
}

// AgentLoopConfig converts the loop section into an agent.LoopConfig.
func (c *Config) AgentLoopConfig() *agent.LoopConfig {
	cfg := agent.DefaultLoopConfig()
	cfg.MaxRounds = c.Loop.MaxRounds
	cfg.MaxTokens = c.Loop.MaxTokens
	cfg.Model = c.Loop.Model
	cfg.ModelTimeout = c.Loop.ModelTimeout
	cfg.ExecutorConfig = &agent.ExecutorConfig{
		MaxConcurrency:  c.Loop.MaxConcurrency,
		DefaultTimeout:  c.Loop.ToolTimeout,
		RetryBackoff:    c.Loop.RetryBackoff,
		MaxRetryBackoff: c.Loop.MaxRetryBackoff,
	}
	if c.Loop.ToolRetries != nil {
		cfg.ExecutorConfig.DefaultRetries = *c.Loop.ToolRetries
	}
	cfg.ExecutorConfig.Tools = c.ToolConfigs()
	return cfg
}

// ToolConfigs converts loop.tools into executor overrides.
func (c *Config) ToolConfigs() map[string]agent.ToolConfig {
	if len(c.Loop.Tools) == 0 {
		return nil
	}
	out := make(map[string]agent.ToolConfig, len(c.Loop.Tools))
	for name, o := range c.Loop.Tools {
		out[name] = agent.ToolConfig{Timeout: o.Timeout, Retries: o.Retries}
	}
	return out
}

// FailoverConfig converts the llm.failover section. classify decides which
// errors move on to the next provider.
func (c *Config) FailoverConfig(classify func(error) bool) *agent.FailoverConfig {
	return &agent.FailoverConfig{
		CircuitBreakerThreshold: c.LLM.Failover.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   c.LLM.Failover.CircuitBreakerTimeout,
		ShouldFailover:          classify,
	}
}

// AugmentorConfig converts the augment section into an augment.Config.
func (c *Config) AugmentorConfig() *augment.Config {
	return &augment.Config{
		FetchTimeout:  c.Augment.FetchTimeout,
		MaxBlockChars: c.Augment.MaxBlockChars,
	}
}

// IntentRules binds each configured rule to its fetcher. Rules whose source
// is not available (e.g. a disabled controller) are skipped.
func (c *Config) IntentRules(fetchers map[string]augment.Fetcher) []augment.IntentRule {
	rules := make([]augment.IntentRule, 0, len(c.Augment.Rules))
	for _, r := range c.Augment.Rules {
		f, ok := fetchers[r.Source]
		if !ok {
			continue
		}
		rules = append(rules, augment.IntentRule{
			Name:     r.Name,
			Match:    r.Match,
			Profiles: append([]string(nil), r.Profiles...),
			Fetcher:  f,
			Timeout:  r.Timeout,
		})
	}
	return rules
}

// LogConfig converts the logging section.
func (c *Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:     c.Logging.Level,
		Format:    c.Logging.Format,
		AddSource: c.Logging.AddSource,
	}
}

// TraceConfig converts the tracing section.
func (c *Config) TraceConfig(version string) observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    c.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    c.Tracing.Environment,
		Endpoint:       c.Tracing.Endpoint,
		SamplingRate:   c.Tracing.SamplingRate,
		Insecure:       c.Tracing.Insecure,
	}
}

// Provider returns the settings of the named provider, or of the default
// provider when name is empty.
func (c *Config) Provider(name string) (string, LLMProviderConfig, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = strings.ToLower(c.LLM.DefaultProvider)
	}
	p, ok := c.LLM.Providers[name]
	if !ok {
		return "", LLMProviderConfig{}, fmt.Errorf("llm provider %q is not configured", name)
	}
	return name, p, nil
}

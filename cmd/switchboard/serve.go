package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/agent/providers"
	"github.com/haasonsaas/switchboard/internal/agent/routing"
	"github.com/haasonsaas/switchboard/internal/augment"
	"github.com/haasonsaas/switchboard/internal/auth"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/controllers/cad"
	"github.com/haasonsaas/switchboard/internal/controllers/chart"
	"github.com/haasonsaas/switchboard/internal/gateway"
	"github.com/haasonsaas/switchboard/internal/observability"
)

const reloadDebounce = 500 * time.Millisecond

// buildServeCmd creates the "serve" command that starts the HTTP server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		debug      bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the switchboard HTTP server",
		Long: `Start the switchboard HTTP server.

The server will:
1. Load and validate configuration
2. Connect the enabled CAD and chart controllers
3. Initialize the configured LLM provider
4. Serve POST /chat (SSE), GET /healthz and GET /metrics

Profiles, rules and loop settings are reloaded when the config file changes.
Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  switchboard serve

  # Start on another port with debug logging
  switchboard serve --addr :9090 --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{
				configPath: configPath,
				addr:       addr,
				debug:      debug,
				watch:      watch,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "Override server.addr")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload profiles and rules when the config file changes")
	return cmd
}

type serveOptions struct {
	configPath string
	addr       string
	debug      bool
	watch      bool
}

// pipelineDeps are built once per process and shared by every pipeline
// generation.
type pipelineDeps struct {
	provider agent.LLMProvider
	tools    []agent.Tool
	fetchers map[string]augment.Fetcher
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}

	logCfg := cfg.LogConfig()
	if opts.debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)

	slog.Info("starting switchboard",
		"version", version,
		"commit", commit,
		"config", opts.configPath,
		"llm_provider", cfg.LLM.DefaultProvider,
	)

	tracer, shutdownTracer := observability.NewTracer(cfg.TraceConfig(version))
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	controllers, err := buildControllers(cfg)
	if err != nil {
		return err
	}
	defer controllers.close()

	deps := pipelineDeps{
		provider: provider,
		tools:    controllers.tools,
		fetchers: controllers.fetchers,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
	pipeline, err := buildPipeline(cfg, deps)
	if err != nil {
		return err
	}
	orchestrator, err := gateway.NewOrchestrator(pipeline)
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.Config{
		Addr:            cfg.Server.Addr,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, orchestrator,
		gateway.WithAuth(auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)),
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics, registry),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.watch {
		if _, statErr := os.Stat(opts.configPath); statErr == nil {
			watcher, err := config.NewWatcher(opts.configPath, reloadDebounce, func(next *config.Config) {
				p, err := buildPipeline(next, deps)
				if err != nil {
					logger.Warn("config reload rejected", "error", err)
					return
				}
				if err := orchestrator.Swap(p); err != nil {
					logger.Warn("config reload rejected", "error", err)
					return
				}
				logger.Info("pipeline reloaded", "profiles", len(p.Router.Profiles()))
			}, logger)
			if err != nil {
				return err
			}
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("config watcher disabled", "error", err)
			}
			defer watcher.Close()
		}
	}

	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("switchboard started",
		"addr", server.Addr(),
		"tools", len(controllers.tools),
		"auth", cfg.Auth.JWTSecret != "",
	)

	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	if err := server.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	slog.Info("switchboard stopped gracefully")
	return nil
}

// buildProvider creates the default LLM provider, wrapped with the
// configured fallbacks.
func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	name, p, err := cfg.Provider("")
	if err != nil {
		return nil, err
	}
	primary, err := newProvider(name, p)
	if err != nil {
		return nil, err
	}
	if len(cfg.LLM.Fallbacks) == 0 {
		return primary, nil
	}

	fallbacks := make([]agent.LLMProvider, 0, len(cfg.LLM.Fallbacks))
	for _, fb := range cfg.LLM.Fallbacks {
		fbName, fbCfg, err := cfg.Provider(fb)
		if err != nil {
			return nil, err
		}
		provider, err := newProvider(fbName, fbCfg)
		if err != nil {
			return nil, fmt.Errorf("fallback %s: %w", fbName, err)
		}
		fallbacks = append(fallbacks, provider)
	}
	return agent.NewFailoverProvider(cfg.FailoverConfig(providers.ShouldFailover), primary, fallbacks...)
}

func newProvider(name string, p config.LLMProviderConfig) (agent.LLMProvider, error) {
	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       p.APIKey,
			BaseURL:      p.BaseURL,
			MaxRetries:   p.MaxRetries,
			RetryDelay:   p.RetryDelay,
			DefaultModel: p.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       p.APIKey,
			BaseURL:      p.BaseURL,
			MaxRetries:   p.MaxRetries,
			RetryDelay:   p.RetryDelay,
			DefaultModel: p.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", name)
	}
}

type controllerSet struct {
	tools    []agent.Tool
	fetchers map[string]augment.Fetcher
	closers  []func() error
}

func (c *controllerSet) close() {
	for _, fn := range c.closers {
		if err := fn(); err != nil {
			slog.Warn("controller close failed", "error", err)
		}
	}
}

// buildControllers creates the enabled controller clients with their tools
// and context fetchers.
func buildControllers(cfg *config.Config) (*controllerSet, error) {
	set := &controllerSet{fetchers: map[string]augment.Fetcher{}}
	maxItems := cfg.Augment.MaxListItems

	if c := cfg.Controllers.CAD; c.Enabled {
		client, err := cad.NewClient(cad.Config{
			BaseURL: c.BaseURL,
			Token:   c.Token,
			Timeout: c.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("cad controller: %w", err)
		}
		set.tools = append(set.tools, cad.Tools(client)...)
		set.fetchers[config.SourceCADStatus] = cad.NewStatusFetcher(client, maxItems)
	}

	if c := cfg.Controllers.Chart; c.Enabled {
		client, err := chart.NewClient(chart.Config{
			URL:         c.URL,
			Token:       c.Token,
			CallTimeout: c.CallTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("chart controller: %w", err)
		}
		set.closers = append(set.closers, client.Close)

		var capturer chart.Capturer
		if s := c.Snapshot; s.Enabled {
			snapshotter, err := chart.NewSnapshotter(chart.SnapshotConfig{
				PageURL:      s.PageURL,
				DebugURL:     s.DebugURL,
				WaitSelector: s.WaitSelector,
				Settle:       s.Settle,
				Timeout:      s.Timeout,
				Width:        s.Width,
				Height:       s.Height,
			})
			if err != nil {
				set.close()
				return nil, fmt.Errorf("chart snapshot: %w", err)
			}
			capturer = snapshotter
		}
		set.tools = append(set.tools, chart.Tools(client, capturer)...)
		set.fetchers[config.SourceChartState] = chart.NewStateFetcher(client, maxItems)
	}

	return set, nil
}

// buildPipeline assembles one immutable request pipeline from cfg.
func buildPipeline(cfg *config.Config, deps pipelineDeps) (*gateway.Pipeline, error) {
	router, err := routing.NewRouter(cfg.RouterConfig())
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	augmentor, err := augment.New(cfg.IntentRules(deps.fetchers), cfg.AugmentorConfig(),
		augment.WithObservability(deps.logger, deps.metrics, deps.tracer))
	if err != nil {
		return nil, fmt.Errorf("augmentor: %w", err)
	}
	registry, err := agent.NewToolRegistry(deps.tools...)
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	for name := range cfg.Loop.Tools {
		if _, ok := registry.Get(name); !ok && deps.logger != nil {
			deps.logger.Warn("loop.tools override names an unregistered tool", "tool", name)
		}
	}
	loop := agent.NewToolLoop(deps.provider, registry, cfg.AgentLoopConfig(),
		agent.WithObservability(deps.logger, deps.metrics, deps.tracer))
	return &gateway.Pipeline{Router: router, Augmentor: augmentor, Loop: loop}, nil
}

// Package gateway serves the /chat streaming endpoint together with health
// and metrics routes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/switchboard/internal/auth"
	"github.com/haasonsaas/switchboard/internal/observability"
)

// DefaultMaxBodyBytes limits the /chat request body.
const DefaultMaxBodyBytes = 1 << 20

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// MaxBodyBytes limits /chat request bodies.
	// Default: 1 MiB
	MaxBodyBytes int64

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	config       Config
	orchestrator *Orchestrator
	auth         *auth.JWTService
	gatherer     prometheus.Gatherer
	logger       *slog.Logger
	metrics      *observability.Metrics
	startTime    time.Time

	httpServer *http.Server
	listener   net.Listener
}

// Option customizes a Server.
type Option func(*Server)

// WithAuth requires bearer tokens on /chat when service is enabled.
func WithAuth(service *auth.JWTService) Option {
	return func(s *Server) { s.auth = service }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records HTTP and stream metrics and serves gatherer on /metrics.
func WithMetrics(metrics *observability.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = metrics
		if gatherer != nil {
			s.gatherer = gatherer
		}
	}
}

// NewServer creates a server for orchestrator.
func NewServer(config Config, orchestrator *Orchestrator, opts ...Option) (*Server, error) {
	if orchestrator == nil {
		return nil, errors.New("gateway: orchestrator is required")
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		config:       config,
		orchestrator: orchestrator,
		gatherer:     prometheus.DefaultGatherer,
		logger:       slog.Default(),
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed handler with request middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /chat", auth.Middleware(s.auth, s.logger)(http.HandlerFunc(s.handleChat)))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return s.withRequestContext(mux)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for open streams up to the
// shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.listener = nil
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

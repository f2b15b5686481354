package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rentalhub/rentbus-go/health"
)

// DefaultCheckTimeout bounds one pass of the health checks
const DefaultCheckTimeout = 5 * time.Second

// ServerOption configures the Server
type ServerOption func(*Server)

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCheckTimeout bounds each health check pass
func WithCheckTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.checkTimeout = timeout
	}
}

// Server exposes /metrics, /health, /ready and /live
type Server struct {
	addr         string
	srv          *http.Server
	logger       *slog.Logger
	checkTimeout time.Duration

	mu  sync.Mutex
	lis net.Listener
}

// NewServer creates a monitoring server on addr. A nil collector leaves
// /metrics unregistered.
func NewServer(addr string, collector *PrometheusCollector, registry *health.Registry, options ...ServerOption) *Server {
	s := &Server{
		addr:         addr,
		logger:       slog.Default(),
		checkTimeout: DefaultCheckTimeout,
	}
	for _, opt := range options {
		opt(s)
	}

	mux := http.NewServeMux()
	if collector != nil {
		mux.Handle("/metrics", collector.Handler())
	}
	if registry == nil {
		registry = health.NewRegistry()
	}
	mux.Handle("/health", health.NewHandler(registry, s.checkTimeout))
	mux.Handle("/ready", health.ReadinessHandler(registry, s.checkTimeout))
	mux.Handle("/live", health.LivenessHandler())

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start(ctx context.Context) error {
	lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("monitor listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	s.logger.Info("monitoring server started", "address", lis.Addr().String())
	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("monitoring server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.addr
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down monitoring server")
	return s.srv.Shutdown(ctx)
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jordan13p/websocket-test/internal/coordination"
	"github.com/jordan13p/websocket-test/internal/health"
	"github.com/jordan13p/websocket-test/internal/metrics"
	"github.com/labstack/echo/v4"
)

type instanceLister interface {
	ActiveInstances(ctx context.Context) ([]coordination.InstanceInfo, error)
}

type Config struct {
	Addr string
	// IPExtractor resolves the client address for logs and rate limits.
	// Defaults to the socket peer address.
	IPExtractor        echo.IPExtractor
	InstancesRateLimit float64
	InstancesRateBurst int
	// Debug adds the underlying error to Echo's own error responses.
	Debug bool
}

type Server struct {
	echo   *echo.Echo
	config Config
	logger *slog.Logger

	health           *health.Reporter
	websocketHandler http.Handler
	metricsHandler   http.Handler
	httpMetrics      *metrics.HTTPMetrics

	instances    instanceLister
	healthChecks []HealthCheck
}

type Option func(*Server)

// WithInstances enables /instances. Without it the route answers 503.
func WithInstances(l instanceLister) Option {
	return func(s *Server) { s.instances = l }
}

// WithHealthChecks sets the checks run by /health/ready.
func WithHealthChecks(checks ...HealthCheck) Option {
	return func(s *Server) { s.healthChecks = append(s.healthChecks, checks...) }
}

func NewServer(
	cfg Config,
	reporter *health.Reporter,
	websocketHandler http.Handler,
	metricsHandler http.Handler,
	httpMetrics *metrics.HTTPMetrics,
	logger *slog.Logger,
	opts ...Option,
) *Server {
	if cfg.IPExtractor == nil {
		cfg.IPExtractor = echo.ExtractIPDirect()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug
	e.IPExtractor = cfg.IPExtractor

	srv := &Server{
		echo:             e,
		config:           cfg,
		logger:           logger,
		health:           reporter,
		websocketHandler: websocketHandler,
		metricsHandler:   metricsHandler,
		httpMetrics:      httpMetrics,
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.registerRoutes()

	return srv
}

// Start blocks until the server stops. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.config.Addr)
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests. Connections upgraded on /ws are
// hijacked and must be closed through the gateway.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

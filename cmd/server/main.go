package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/jordan13p/websocket-test/internal/coordination"
	"github.com/jordan13p/websocket-test/internal/health"
	"github.com/jordan13p/websocket-test/internal/identity"
	"github.com/jordan13p/websocket-test/internal/metrics"
	"github.com/jordan13p/websocket-test/internal/platform/config"
	"github.com/jordan13p/websocket-test/internal/platform/logging"
	"github.com/jordan13p/websocket-test/internal/platform/version"
	"github.com/jordan13p/websocket-test/internal/redis"
	"github.com/jordan13p/websocket-test/internal/registry"
	"github.com/jordan13p/websocket-test/internal/router"
	"github.com/jordan13p/websocket-test/internal/server"
	"github.com/jordan13p/websocket-test/internal/websocket"
	"github.com/labstack/echo/v4"
	goredis "github.com/redis/go-redis/v9"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// configEnv lets validated config values take precedence over the raw
// environment when resolving the service identity.
func configEnv(cfg *config.Config) func(string) string {
	overrides := map[string]string{
		"SERVICE_NAME":  cfg.ServiceName,
		"POD_NAME":      cfg.PodName,
		"NODE_NAME":     cfg.NodeName,
		"POD_NAMESPACE": cfg.PodNamespace,
	}
	return func(key string) string {
		if v := overrides[key]; v != "" {
			return v
		}
		return os.Getenv(key)
	}
}

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics, logger *slog.Logger) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL, m, logger)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

type peerDiscovery struct {
	client    *goredis.Client
	instances *coordination.InstanceRegistry
	done      chan struct{}
}

// setupPeerDiscovery starts heartbeats into Redis. The heartbeat loop ends
// when ctx is cancelled, after removing this instance's entry.
func setupPeerDiscovery(ctx context.Context, cfg *config.Config, id identity.Identity, reg *registry.Registry, m *metrics.RedisMetrics, logger *slog.Logger) *peerDiscovery {
	client := setupRedis(ctx, cfg, m, logger)

	lease := coordination.NewLeaderElection(client, id.InstanceID, coordination.PruneLeaseKey, 3*cfg.HeartbeatInterval)
	instances := coordination.NewInstanceRegistry(
		client, id, reg, version.Version, cfg.HeartbeatInterval, logger,
		coordination.WithLease(lease),
	)

	pd := &peerDiscovery{client: client, instances: instances, done: make(chan struct{})}
	go func() {
		defer close(pd.done)
		instances.Start(ctx)
	}()
	return pd
}

func (pd *peerDiscovery) serverOptions() []server.Option {
	return []server.Option{
		server.WithInstances(pd.instances),
		server.WithHealthChecks(server.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return pd.client.Ping(ctx).Err() },
		}),
	}
}

func (pd *peerDiscovery) stop(cancel context.CancelFunc) {
	cancel()
	<-pd.done
	if err := pd.client.Close(); err != nil {
		slog.Error("Failed to close Redis client", "error", err)
	}
}

// runGracefulShutdown blocks until a signal arrives or a listener fails.
// It reports whether the shutdown was caused by a failure.
func runGracefulShutdown(cfg *config.Config, srv *server.Server, standalone *websocket.StandaloneServer, gateway *websocket.Gateway, errCh <-chan error) bool {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	failed := false
	select {
	case sig := <-sigChan:
		slog.Info("Shutdown signal received, cleaning up...", "signal", sig.String())
	case err := <-errCh:
		slog.Error("Listener failed, shutting down", "error", err)
		failed = true
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop accepting first so no session starts while the gateway drains.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if err := standalone.Shutdown(shutdownCtx); err != nil {
		slog.Error("WebSocket listener shutdown error", "error", err)
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		slog.Error("WebSocket drain incomplete", "error", err)
	}
	return failed
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	logger := logging.Logger

	id := identity.Resolve(identity.Signals{Getenv: configEnv(cfg)})
	slog.Info("Application starting",
		"env", cfg.AppEnv,
		"version", version.Version,
		"instance_id", id.InstanceID,
		"display_name", id.DisplayName,
		"environment", id.Environment,
		"container_ip", id.ContainerIP,
	)

	promReg := metrics.NewRegistry()
	wsMetrics := metrics.NewWebSocketMetrics(promReg)
	httpMetrics := metrics.NewHTTPMetrics(promReg)

	reg := registry.New(registry.WithObserver(func(n int) {
		wsMetrics.ActiveConnections.Set(float64(n))
	}))

	clientIP := echo.ExtractIPDirect()
	if cfg.TrustProxyHeaders {
		clientIP = echo.ExtractIPFromXFFHeader()
	}

	limits := websocket.NewLimits(websocket.LimitConfig{
		MaxConnections: int64(cfg.MaxWebSocketConnections),
		MaxPerIP:       cfg.MaxConnectionsPerIP,
		Rate:           cfg.ConnectionRate,
		Burst:          cfg.ConnectionBurst,
	}, clock)
	gateway := websocket.NewGateway(
		reg,
		router.New(reg, clock, wsMetrics),
		id,
		limits,
		websocket.Config{
			PingInterval:   cfg.PingInterval,
			PongTimeout:    cfg.PongTimeout,
			ClientIP:       clientIP,
			AllowedOrigins: cfg.AllowedOriginList(),
		},
		clock,
		logger,
		wsMetrics,
	)

	// Peer discovery is optional; without Redis the service is fully
	// functional and /instances answers 503.
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	var serverOpts []server.Option
	var peers *peerDiscovery
	if cfg.RedisURL != "" {
		peers = setupPeerDiscovery(bgCtx, cfg, id, reg, metrics.NewRedisMetrics(promReg), logger)
		serverOpts = append(serverOpts, peers.serverOptions()...)
	} else {
		slog.Info("REDIS_URL not set, peer discovery disabled")
	}

	srv := server.NewServer(
		server.Config{
			Addr:               cfg.HTTPAddr(),
			IPExtractor:        clientIP,
			InstancesRateLimit: cfg.InstancesRateLimit,
			InstancesRateBurst: cfg.InstancesRateBurst,
			Debug:              cfg.IsDevelopment(),
		},
		health.NewReporter(reg, id, version.Version, clock),
		gateway.Handler(websocket.HTTPListener),
		metrics.Handler(promReg),
		httpMetrics,
		logger,
		serverOpts...,
	)
	standalone := websocket.NewStandaloneServer(cfg.WSAddr(), gateway, logger)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := standalone.Start(); err != nil {
			errCh <- err
		}
	}()

	failed := runGracefulShutdown(cfg, srv, standalone, gateway, errCh)

	if peers != nil {
		peers.stop(cancelBackground)
	}
	if failed {
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

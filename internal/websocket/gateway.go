package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/jordan13p/websocket-test/internal/identity"
	"github.com/jordan13p/websocket-test/internal/metrics"
	"github.com/jordan13p/websocket-test/internal/registry"
	"github.com/jordan13p/websocket-test/internal/router"
	"github.com/jordan13p/websocket-test/internal/session"
	"github.com/labstack/echo/v4"
)

// Listener describes where a connection arrived.
type Listener struct {
	// Name is the metrics label.
	Name string
	// Via is appended to the welcome text, empty for the standalone port.
	Via string
}

var (
	StandaloneListener = Listener{Name: "websocket"}
	HTTPListener       = Listener{Name: "http", Via: "HTTP WebSocket"}
)

type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	// ClientIP extracts the client address used for limits and the welcome
	// message. Defaults to the socket peer address.
	ClientIP echo.IPExtractor
	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string
}

type Gateway struct {
	registry *registry.Registry
	router   *router.Router
	identity identity.Identity
	limits   *Limits
	cfg      Config
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.WebSocketMetrics
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

func NewGateway(
	reg *registry.Registry,
	rt *router.Router,
	id identity.Identity,
	limits *Limits,
	cfg Config,
	clock clockwork.Clock,
	logger *slog.Logger,
	m *metrics.WebSocketMetrics,
) *Gateway {
	if cfg.ClientIP == nil {
		cfg.ClientIP = echo.ExtractIPDirect()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		registry: reg,
		router:   rt,
		identity: id,
		limits:   limits,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.AllowedOrigins, logger),
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the upgrade handler for one listener.
func (g *Gateway) Handler(l Listener) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.serve(w, r, l)
	})
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, l Listener) {
	ip := g.cfg.ClientIP(r)

	if ok, reason := g.limits.Acquire(ip); !ok {
		g.reject(w, ip, reason)
		return
	}
	defer g.limits.Release(ip)

	if !g.track() {
		g.reject(w, ip, LimitReasonShutdown)
		return
	}
	defer g.sessions.Done()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.metrics.ConnectionsTotal.WithLabelValues(l.Name, metrics.ResultUpgradeFailed).Inc()
		g.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s := session.New(conn, g.registry, g.router, g.identity, session.Options{
		Listener:     l.Name,
		Via:          l.Via,
		RemoteAddr:   r.RemoteAddr,
		ClientIP:     ip,
		PingInterval: g.cfg.PingInterval,
		PongTimeout:  g.cfg.PongTimeout,
		Clock:        g.clock,
		Logger:       g.logger,
		Metrics:      g.metrics,
	})
	_ = s.Run(g.ctx)
}

func (g *Gateway) reject(w http.ResponseWriter, ip string, reason LimitReason) {
	g.metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
	g.logger.Warn("websocket connection rejected", "client_ip", ip, "reason", reason)

	status := http.StatusTooManyRequests
	if reason == LimitReasonGlobal || reason == LimitReasonShutdown {
		status = http.StatusServiceUnavailable
	}
	http.Error(w, string(reason), status)
}

// track registers a session with the shutdown wait group. It fails once
// Shutdown has started.
func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.sessions.Add(1)
	return true
}

// Shutdown stops accepting connections, tells every session to close and
// waits until all of them have deregistered or ctx ends.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	active := g.registry.Count()
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("websocket connections drained", "closed", active)
		return nil
	case <-ctx.Done():
		remaining := g.registry.Snapshot()
		now := g.clock.Now()
		for _, c := range remaining {
			g.logger.Warn("websocket connection still open at shutdown deadline",
				"connection_id", c.ID,
				"client_addr", c.RemoteAddr,
				"age", now.Sub(c.RegisteredAt))
		}
		return fmt.Errorf("drain websocket connections (%d remaining): %w", len(remaining), ctx.Err())
	}
}

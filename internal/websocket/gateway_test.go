package websocket

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/jordan13p/websocket-test/internal/identity"
	"github.com/jordan13p/websocket-test/internal/metrics"
	"github.com/jordan13p/websocket-test/internal/registry"
	"github.com/jordan13p/websocket-test/internal/router"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = identity.Identity{
	InstanceID:  "a1b2c3d4",
	Hostname:    "web-1",
	ContainerIP: "10.0.0.7",
	ServiceName: "websocket-test-service",
	Environment: identity.EnvironmentLocal,
	DisplayName: "websocket-test-service-web-1",
}

type testGateway struct {
	*Gateway
	reg     *registry.Registry
	metrics *metrics.WebSocketMetrics
}

func newTestGateway(t *testing.T, limits LimitConfig, opts ...func(*Config)) *testGateway {
	t.Helper()
	cfg := Config{PingInterval: time.Minute, PongTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	reg := registry.New()
	m := metrics.NewWebSocketMetrics(prometheus.NewRegistry())
	clock := clockwork.NewRealClock()
	g := NewGateway(
		reg,
		router.New(reg, clock, m),
		testIdentity,
		NewLimits(limits, clock),
		cfg,
		clock,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		m,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return &testGateway{Gateway: g, reg: reg, metrics: m}
}

func serve(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) (*ws.Conn, map[string]any) {
	t.Helper()
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, readJSON(t, conn)
}

func readJSON(t *testing.T, conn *ws.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitForCount(t *testing.T, reg *registry.Registry, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return reg.Count() == n }, 2*time.Second, 10*time.Millisecond,
		"expected %d registered connections, have %d", n, reg.Count())
}

func TestGateway_WelcomePerListener(t *testing.T) {
	g := newTestGateway(t, LimitConfig{})
	standalone := serve(t, g.Handler(StandaloneListener))
	embedded := serve(t, g.Handler(HTTPListener))

	_, welcome := dial(t, standalone)
	assert.Equal(t, "Connected to websocket-test-service-web-1", welcome["message"])
	assert.Equal(t, "127.0.0.1", welcome["client_ip"])

	_, welcome = dial(t, embedded)
	assert.Equal(t, "Connected to websocket-test-service-web-1 via HTTP WebSocket", welcome["message"])

	waitForCount(t, g.reg, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.ConnectionsTotal.WithLabelValues("websocket", metrics.ResultAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.ConnectionsTotal.WithLabelValues("http", metrics.ResultAccepted)))
}

func TestGateway_BroadcastCrossesListeners(t *testing.T) {
	g := newTestGateway(t, LimitConfig{})
	standalone := serve(t, g.Handler(StandaloneListener))
	embedded := serve(t, g.Handler(HTTPListener))

	sender, _ := dial(t, standalone)
	peer, _ := dial(t, embedded)
	waitForCount(t, g.reg, 2)

	require.NoError(t, sender.WriteMessage(ws.TextMessage, []byte(`{"type":"broadcast","message":"across"}`)))

	assert.Equal(t, float64(1), readJSON(t, sender)["recipients"])
	assert.Equal(t, "across", readJSON(t, peer)["message"])
}

func TestGateway_BroadcastSenderIsClientIP(t *testing.T) {
	g := newTestGateway(t, LimitConfig{}, func(c *Config) { c.ClientIP = echo.ExtractIPFromXFFHeader() })
	url := serve(t, g.Handler(StandaloneListener))

	sender, _, err := ws.DefaultDialer.Dial(url, http.Header{"X-Forwarded-For": {"203.0.113.9"}})
	require.NoError(t, err)
	t.Cleanup(func() { sender.Close() })
	welcome := readJSON(t, sender)
	assert.Equal(t, "203.0.113.9", welcome["client_ip"])

	peer, _ := dial(t, url)
	waitForCount(t, g.reg, 2)

	require.NoError(t, sender.WriteMessage(ws.TextMessage, []byte(`{"type":"broadcast","message":"hi"}`)))

	assert.Equal(t, "broadcast_confirmation", readJSON(t, sender)["type"])
	assert.Equal(t, "203.0.113.9", readJSON(t, peer)["sender"])
}

func TestGateway_RegistryTracksConnections(t *testing.T) {
	g := newTestGateway(t, LimitConfig{})
	url := serve(t, g.Handler(StandaloneListener))

	var conns []*ws.Conn
	for i := 0; i < 5; i++ {
		conn, _ := dial(t, url)
		conns = append(conns, conn)
	}
	waitForCount(t, g.reg, 5)

	for _, conn := range conns[:3] {
		require.NoError(t, conn.Close())
	}
	waitForCount(t, g.reg, 2)
}

func TestGateway_GlobalLimitRejects(t *testing.T) {
	g := newTestGateway(t, LimitConfig{MaxConnections: 2, MaxPerIP: 100})
	url := serve(t, g.Handler(StandaloneListener))

	dial(t, url)
	dial(t, url)

	_, resp, err := ws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.ConnectionsRejected.WithLabelValues(string(LimitReasonGlobal))))
}

func TestGateway_PerIPLimitRejects(t *testing.T) {
	g := newTestGateway(t, LimitConfig{MaxConnections: 100, MaxPerIP: 1})
	url := serve(t, g.Handler(StandaloneListener))

	dial(t, url)

	_, resp, err := ws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestGateway_LimitReleasedOnClose(t *testing.T) {
	g := newTestGateway(t, LimitConfig{MaxConnections: 1, MaxPerIP: 1})
	url := serve(t, g.Handler(StandaloneListener))

	conn, _ := dial(t, url)
	require.NoError(t, conn.Close())
	waitForCount(t, g.reg, 0)

	require.Eventually(t, func() bool { return g.limits.Current() == 0 }, 2*time.Second, 10*time.Millisecond)
	dial(t, url)
}

func TestGateway_AllowedOrigins(t *testing.T) {
	g := newTestGateway(t, LimitConfig{}, func(c *Config) {
		c.AllowedOrigins = []string{"https://lb-test.example.com"}
	})
	url := serve(t, g.Handler(StandaloneListener))

	_, resp, err := ws.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.ConnectionsTotal.WithLabelValues("websocket", metrics.ResultUpgradeFailed)))

	conn, _, err := ws.DefaultDialer.Dial(url, http.Header{"Origin": {"https://lb-test.example.com"}})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "welcome", readJSON(t, conn)["type"])
}

func TestGateway_PlainHTTPRequestIsNotUpgraded(t *testing.T) {
	g := newTestGateway(t, LimitConfig{})
	srv := httptest.NewServer(g.Handler(StandaloneListener))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.ConnectionsTotal.WithLabelValues("websocket", metrics.ResultUpgradeFailed)))
	assert.Equal(t, 0, g.reg.Count())
}

func TestGateway_ShutdownDrainsRegistry(t *testing.T) {
	g := newTestGateway(t, LimitConfig{})
	url := serve(t, g.Handler(StandaloneListener))

	var conns []*ws.Conn
	for i := 0; i < 3; i++ {
		conn, _ := dial(t, url)
		conns = append(conns, conn)
	}
	waitForCount(t, g.reg, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Shutdown(ctx))

	assert.Equal(t, 0, g.reg.Count())
	for _, conn := range conns {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.True(t, ws.IsCloseError(err, ws.CloseGoingAway), "expected going-away close, got %v", err)
	}
}

type nopSender struct{}

func (nopSender) Send(context.Context, []byte) error { return nil }

func TestGateway_ShutdownTimeoutReportsStuckConnections(t *testing.T) {
	g := newTestGateway(t, LimitConfig{})
	var logs bytes.Buffer
	g.logger = slog.New(slog.NewTextHandler(&logs, nil))

	require.True(t, g.track())
	stuck := registry.NewConnection("stuck-1", "192.0.2.44", time.Now().Add(-time.Minute), nopSender{})
	require.NoError(t, g.reg.Add(stuck))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.Shutdown(ctx)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "1 remaining")
	assert.Contains(t, logs.String(), "connection_id=stuck-1")
	assert.Contains(t, logs.String(), "client_addr=192.0.2.44")

	g.sessions.Done()
}

func TestGateway_RejectsAfterShutdown(t *testing.T) {
	g := newTestGateway(t, LimitConfig{})
	url := serve(t, g.Handler(StandaloneListener))

	require.NoError(t, g.Shutdown(context.Background()))

	_, resp, err := ws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStandaloneServer_ServesAnyPath(t *testing.T) {
	g := newTestGateway(t, LimitConfig{})
	srv := NewStandaloneServer("127.0.0.1:0", g.Gateway, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ln, err := newLocalListener()
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	_, welcome := dial(t, "ws://"+ln.Addr().String()+"/any/path")
	assert.Equal(t, "welcome", welcome["type"])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-errCh)
}

func newLocalListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

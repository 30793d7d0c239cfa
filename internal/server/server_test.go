package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jordan13p/websocket-test/internal/coordination"
	"github.com/jordan13p/websocket-test/internal/health"
	"github.com/jordan13p/websocket-test/internal/identity"
	"github.com/jordan13p/websocket-test/internal/metrics"
	"github.com/jordan13p/websocket-test/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
)

var testIdentity = identity.Identity{
	InstanceID:  "a1b2c3d4",
	Hostname:    "web-1",
	ContainerIP: "10.0.0.7",
	ServiceName: "websocket-test-service",
	Environment: identity.EnvironmentDocker,
	DisplayName: "websocket-test-service-web-1",
}

var epoch = time.Date(2024, 3, 9, 10, 30, 0, 0, time.UTC)

type mockInstances struct {
	instances []coordination.InstanceInfo
	err       error
	calls     int
}

func (m *mockInstances) ActiveInstances(context.Context) ([]coordination.InstanceInfo, error) {
	m.calls++
	return m.instances, m.err
}

type testServer struct {
	*Server
	reg         *registry.Registry
	clock       *clockwork.FakeClock
	httpMetrics *metrics.HTTPMetrics
}

type testOption func(*testConfig)

type testConfig struct {
	cfg       Config
	websocket http.Handler
	opts      []Option
}

func withWebSocketHandler(h http.Handler) testOption {
	return func(tc *testConfig) { tc.websocket = h }
}

func withServerOptions(opts ...Option) testOption {
	return func(tc *testConfig) { tc.opts = append(tc.opts, opts...) }
}

func withRateLimit(r float64, burst int) testOption {
	return func(tc *testConfig) {
		tc.cfg.InstancesRateLimit = r
		tc.cfg.InstancesRateBurst = burst
	}
}

func newTestServer(t *testing.T, opts ...testOption) *testServer {
	t.Helper()

	tc := &testConfig{
		cfg: Config{Addr: "127.0.0.1:0", InstancesRateLimit: 100, InstancesRateBurst: 100},
		websocket: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	}
	for _, opt := range opts {
		opt(tc)
	}

	promReg := prometheus.NewRegistry()
	reg := registry.New()
	clock := clockwork.NewFakeClockAt(epoch)
	httpMetrics := metrics.NewHTTPMetrics(promReg)

	srv := NewServer(
		tc.cfg,
		health.NewReporter(reg, testIdentity, "1.0.0", clock),
		tc.websocket,
		metrics.Handler(promReg),
		httpMetrics,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		tc.opts...,
	)
	return &testServer{Server: srv, reg: reg, clock: clock, httpMetrics: httpMetrics}
}

// do sends a request through the full middleware chain.
func (s *testServer) do(t *testing.T, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

// Package session runs one WebSocket connection from registration to close.
//
// A Session registers its connection, greets the client with the service
// identity, then routes every received frame until the peer leaves, the
// socket fails, or the server shuts down. Deregistration runs on every path.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/jordan13p/websocket-test/internal/identity"
	"github.com/jordan13p/websocket-test/internal/metrics"
	"github.com/jordan13p/websocket-test/internal/platform/correlation"
	"github.com/jordan13p/websocket-test/internal/protocol"
	"github.com/jordan13p/websocket-test/internal/registry"
	"github.com/jordan13p/websocket-test/internal/router"
	"github.com/prometheus/client_golang/prometheus"
)

type State int32

const (
	Connecting State = iota
	Registered
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Registered:
		return "registered"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Session. Zero values are replaced by defaults.
type Options struct {
	// Listener labels metrics, e.g. "websocket" or "http".
	Listener string
	// Via is appended to the welcome text as " via <Via>" when set.
	Via string

	RemoteAddr string
	ClientIP   string

	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.WebSocketMetrics
	NewID   func() string
}

func (o Options) withDefaults() Options {
	if o.Listener == "" {
		o.Listener = "websocket"
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewWebSocketMetrics(prometheus.NewRegistry())
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

type Session struct {
	conn     *websocket.Conn
	registry *registry.Registry
	router   *router.Router
	identity identity.Identity
	opts     Options

	id    string
	state atomic.Int32

	route func(sender *registry.Connection, raw string) []router.Outbound
}

func New(conn *websocket.Conn, reg *registry.Registry, rt *router.Router, id identity.Identity, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		conn:     conn,
		registry: reg,
		router:   rt,
		identity: id,
		opts:     opts,
		id:       opts.NewID(),
		route:    rt.Route,
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// ID returns the connection id, fixed when the session is created.
func (s *Session) ID() string {
	return s.id
}

// Run serves the connection until it closes. It returns
// registry.ErrDuplicateID if the connection could not be registered and nil
// for every other way a connection ends.
func (s *Session) Run(ctx context.Context) error {
	ctx = correlation.WithConnectionID(ctx, s.id)
	log := s.opts.Logger
	m := s.opts.Metrics

	w := newWriter(s.conn, s.opts)
	conn := registry.NewConnection(s.id, s.clientAddr(), s.opts.Clock.Now(), w)

	if err := s.registry.Add(conn); err != nil {
		m.ConnectionsTotal.WithLabelValues(s.opts.Listener, metrics.ResultDuplicateID).Inc()
		log.WarnContext(ctx, "connection rejected", "remote_addr", s.opts.RemoteAddr, "error", err)
		s.state.Store(int32(Closing))
		w.closeWith(websocket.ClosePolicyViolation, "duplicate connection id")
		s.state.Store(int32(Closed))
		return err
	}

	registeredAt := s.opts.Clock.Now()
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "session panic", "panic", r)
		}
		s.state.Store(int32(Closing))
		s.registry.Remove(s.id)
		w.stop()
		m.ConnectionDuration.Observe(s.opts.Clock.Since(registeredAt).Seconds())
		s.state.Store(int32(Closed))
		log.InfoContext(ctx, "connection closed", "remote_addr", s.opts.RemoteAddr, "active_connections", s.registry.Count())
	}()

	s.state.Store(int32(Registered))
	m.ConnectionsTotal.WithLabelValues(s.opts.Listener, metrics.ResultAccepted).Inc()
	log.InfoContext(ctx, "connection registered",
		"remote_addr", s.opts.RemoteAddr,
		"listener", s.opts.Listener,
		"active_connections", s.registry.Count())

	stopShutdownWatch := context.AfterFunc(ctx, func() {
		s.state.Store(int32(Closing))
		w.closeWith(websocket.CloseGoingAway, "server shutting down")
	})
	defer stopShutdownWatch()

	if err := s.sendWelcome(ctx, w); err != nil {
		log.DebugContext(ctx, "welcome not sent", "error", err)
		return nil
	}

	s.readLoop(ctx, conn, w)
	return nil
}

// clientAddr is the address other clients see as a broadcast's sender: the
// resolved client IP, or the socket peer host when none was resolved.
func (s *Session) clientAddr() string {
	if s.opts.ClientIP != "" {
		return s.opts.ClientIP
	}
	if host, _, err := net.SplitHostPort(s.opts.RemoteAddr); err == nil {
		return host
	}
	return s.opts.RemoteAddr
}

func (s *Session) sendWelcome(ctx context.Context, w *writer) error {
	text := "Connected to " + s.identity.DisplayName
	if s.opts.Via != "" {
		text += " via " + s.opts.Via
	}
	data, err := json.Marshal(protocol.Welcome{
		Type:            protocol.TypeWelcome,
		Message:         text,
		Timestamp:       protocol.Timestamp(s.opts.Clock.Now()),
		ClientIP:        s.opts.ClientIP,
		ConnectionID:    s.id,
		ServiceIdentity: s.identity,
	})
	if err != nil {
		return fmt.Errorf("encode welcome: %w", err)
	}
	return w.write(ctx, data)
}

func (s *Session) readLoop(ctx context.Context, conn *registry.Connection, w *writer) {
	log := s.opts.Logger
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.state.Store(int32(Closing))
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				log.DebugContext(ctx, "peer closed connection")
			default:
				log.DebugContext(ctx, "read failed", "error", err)
			}
			return
		}
		w.extendReadDeadline()

		for _, out := range s.route(conn, string(data)) {
			if err := s.deliver(ctx, w, out); err != nil {
				log.DebugContext(ctx, "reply not sent", "error", err)
				return
			}
		}
	}
}

// deliver sends one routed message. Only a failure to reach the sender itself
// is returned; peer failures are logged and skipped.
func (s *Session) deliver(ctx context.Context, w *writer, out router.Outbound) error {
	data, err := json.Marshal(out.Payload)
	if err != nil {
		s.opts.Logger.ErrorContext(ctx, "encode outbound message", "error", err)
		return nil
	}

	if out.Target == router.ToSender {
		return w.write(ctx, data)
	}

	for _, peer := range out.Recipients {
		if err := peer.Send(ctx, data); err != nil {
			s.opts.Metrics.Deliveries.WithLabelValues(metrics.DeliveryFailed).Inc()
			level := slog.LevelDebug
			if errors.Is(err, ErrSlowConsumer) {
				level = slog.LevelWarn
			}
			s.opts.Logger.Log(ctx, level, "broadcast delivery failed", "recipient", peer.ID, "error", err)
			continue
		}
		s.opts.Metrics.Deliveries.WithLabelValues(metrics.DeliveryOK).Inc()
	}
	return nil
}

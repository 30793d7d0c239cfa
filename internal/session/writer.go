package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/jordan13p/websocket-test/internal/metrics"
)

var (
	// ErrClosed is returned when sending to a connection whose writer has stopped.
	ErrClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned when a peer's send buffer is full.
	ErrSlowConsumer = errors.New("send buffer full")
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultSendBuffer   = 64
	maxMessageSize      = 1 << 20
)

// writer owns every data write to one socket. A single goroutine drains the
// send channel and emits keepalive pings, so frames from one connection go
// out in the order they were queued.
type writer struct {
	conn         *websocket.Conn
	clock        clockwork.Clock
	metrics      *metrics.WebSocketMetrics
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newWriter(conn *websocket.Conn, opts Options) *writer {
	w := &writer{
		conn:         conn,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		pingInterval: opts.PingInterval,
		pongTimeout:  opts.PongTimeout,
		writeTimeout: opts.WriteTimeout,
		send:         make(chan []byte, opts.SendBuffer),
		done:         make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	w.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		w.extendReadDeadline()
		return nil
	})
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *writer) run() {
	defer w.wg.Done()
	ticker := w.clock.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-w.send:
			w.setWriteDeadline()
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				w.abort()
				return
			}
		case <-ticker.Chan():
			w.setWriteDeadline()
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.metrics.PingFailures.Inc()
				w.abort()
				return
			}
		case <-w.done:
			return
		}
	}
}

// Send queues data without waiting. It is what peers use to reach this
// connection, so a stalled client costs the caller nothing but a dropped
// message.
func (w *writer) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.send <- data:
		return nil
	case <-w.done:
		return ErrClosed
	default:
		w.metrics.SlowConsumers.Inc()
		return ErrSlowConsumer
	}
}

// write queues data for the connection's own replies, waiting for buffer
// space until ctx ends or the writer stops.
func (w *writer) write(ctx context.Context, data []byte) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.send <- data:
		return nil
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abort closes the socket without a close frame. Safe from the run goroutine.
func (w *writer) abort() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
}

func (w *writer) stop() {
	w.abort()
	w.wg.Wait()
}

// closeWith sends a close frame once the run goroutine has exited, then
// closes the socket. No-op if the writer already stopped.
func (w *writer) closeWith(code int, reason string) {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()

		w.setWriteDeadline()
		_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_ = w.conn.Close()
	})
	w.wg.Wait()
}

// Socket deadlines are wall-clock; the injected clock only drives the ping ticker.
func (w *writer) setWriteDeadline() {
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
}

func (w *writer) extendReadDeadline() {
	_ = w.conn.SetReadDeadline(time.Now().Add(w.pingInterval + w.pongTimeout))
}

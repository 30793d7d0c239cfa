// Package probe checks that a load balancer spreads clients across
// replicas. Each probe opens a fresh connection and records which replica
// answered, using the service identity every replica announces.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jordan13p/websocket-test/internal/protocol"
)

var ErrNoProbes = errors.New("connections must be positive")

type Options struct {
	URL         string
	Connections int
	// Ping sends a ping after the welcome and requires the matching pong.
	Ping    bool
	Timeout time.Duration
	Header  http.Header
	Dialer  *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Result is the outcome of one probe connection.
type Result struct {
	Seq          int
	DisplayName  string
	InstanceID   string
	ConnectionID string
	Latency      time.Duration
	Err          error
}

// WebSocket opens opts.Connections sequential connections and tallies the
// replica named in each welcome message. It stops early when ctx ends.
func WebSocket(ctx context.Context, opts Options) (*Report, error) {
	if opts.Connections < 1 {
		return nil, ErrNoProbes
	}
	opts = opts.withDefaults()

	report := newReport()
	for i := 1; i <= opts.Connections; i++ {
		if ctx.Err() != nil {
			break
		}
		report.add(probeWebSocket(ctx, opts, i))
	}
	return report, nil
}

func probeWebSocket(ctx context.Context, opts Options, seq int) Result {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	res := Result{Seq: seq}

	conn, _, err := opts.Dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		res.Err = fmt.Errorf("dial: %w", err)
		return res
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	var welcome protocol.Welcome
	if err := conn.ReadJSON(&welcome); err != nil {
		res.Err = fmt.Errorf("read welcome: %w", err)
		return res
	}
	if welcome.Type != "welcome" {
		res.Err = fmt.Errorf("expected welcome, got %q", welcome.Type)
		return res
	}
	res.DisplayName = welcome.ServiceIdentity.DisplayName
	res.InstanceID = welcome.ServiceIdentity.InstanceID
	res.ConnectionID = welcome.ConnectionID

	if opts.Ping {
		if err := ping(conn, seq); err != nil {
			res.Err = err
			return res
		}
	}

	res.Latency = time.Since(start)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return res
}

type pingMessage struct {
	Type  string `json:"type"`
	Probe int    `json:"probe"`
}

// ping sends a tagged ping and waits for its pong. Broadcasts from other
// clients may arrive first and are skipped.
func ping(conn *websocket.Conn, seq int) error {
	if err := conn.WriteJSON(pingMessage{Type: "ping", Probe: seq}); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	for {
		var pong protocol.Pong
		if err := conn.ReadJSON(&pong); err != nil {
			return fmt.Errorf("read pong: %w", err)
		}
		if pong.Type != "pong" {
			continue
		}
		var original pingMessage
		if err := json.Unmarshal(pong.OriginalData, &original); err != nil {
			return fmt.Errorf("decode pong: %w", err)
		}
		if original.Probe != seq {
			return fmt.Errorf("pong for probe %d, want %d", original.Probe, seq)
		}
		return nil
	}
}

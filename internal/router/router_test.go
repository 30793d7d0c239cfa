package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/jordan13p/websocket-test/internal/metrics"
	"github.com/jordan13p/websocket-test/internal/protocol"
	"github.com/jordan13p/websocket-test/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSender struct{}

func (nopSender) Send(context.Context, []byte) error { return nil }

var fixedNow = time.Date(2024, 3, 9, 10, 30, 0, 0, time.UTC)

func newTestRouter(t *testing.T) (*Router, *registry.Registry, *metrics.WebSocketMetrics) {
	t.Helper()
	reg := registry.New()
	m := metrics.NewWebSocketMetrics(prometheus.NewRegistry())
	return New(reg, clockwork.NewFakeClockAt(fixedNow), m), reg, m
}

func addConn(t *testing.T, reg *registry.Registry, id, addr string) *registry.Connection {
	t.Helper()
	c := registry.NewConnection(id, addr, fixedNow, nopSender{})
	require.NoError(t, reg.Add(c))
	return c
}

// encode renders a payload the way the session puts it on the wire.
func encode(t *testing.T, payload any) map[string]any {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRoute_TextEchoForNonObjects(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	sender := addConn(t, reg, "s", "192.0.2.10")

	inputs := []string{"", "hello", "12345", "0", "-1.5e3", `"str"`, "[1,2]", "null", "true", "{", `{"type":`, "héllo wörld ✓", "\x00\xff"}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			out := r.Route(sender, in)

			require.Len(t, out, 1)
			assert.Equal(t, ToSender, out[0].Target)
			msg, ok := out[0].Payload.(protocol.TextEcho)
			require.True(t, ok)
			assert.Equal(t, protocol.TypeTextEcho, msg.Type)
			assert.Equal(t, in, msg.OriginalMessage)
			assert.Equal(t, utf8.RuneCountInString(in), msg.MessageLength)
			assert.Equal(t, "2024-03-09T10:30:00Z", msg.Timestamp)
		})
	}
}

func TestRoute_TextEchoForObjectWithoutType(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	sender := addConn(t, reg, "s", "192.0.2.10")

	out := r.Route(sender, `{"message":"no type here"}`)

	require.Len(t, out, 1)
	msg := encode(t, out[0].Payload)
	assert.Equal(t, "text_echo", msg["type"])
	assert.Equal(t, `{"message":"no type here"}`, msg["original_message"])
	assert.Equal(t, float64(26), msg["message_length"])
}

func TestRoute_Ping(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	sender := addConn(t, reg, "s", "192.0.2.10")

	out := r.Route(sender, `{"type":"ping","data":"x"}`)

	require.Len(t, out, 1)
	assert.Equal(t, ToSender, out[0].Target)
	msg := encode(t, out[0].Payload)
	assert.Equal(t, "pong", msg["type"])
	assert.Equal(t, "2024-03-09T10:30:00Z", msg["timestamp"])
	assert.Equal(t, map[string]any{"type": "ping", "data": "x"}, msg["original_data"])
}

func TestRoute_Echo(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	sender := addConn(t, reg, "s", "192.0.2.10")

	out := r.Route(sender, `{"type":"echo","message":"Hello Echo"}`)

	require.Len(t, out, 1)
	msg := encode(t, out[0].Payload)
	assert.Equal(t, "echo_response", msg["type"])
	assert.Equal(t, map[string]any{"type": "echo", "message": "Hello Echo"}, msg["echoed_data"])
}

func TestRoute_EchoPreservesUnknownFields(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	sender := addConn(t, reg, "s", "192.0.2.10")

	out := r.Route(sender, `{"type":"echo","big":12345678901234567890,"nested":{"a":[1,null]}}`)

	data, err := json.Marshal(out[0].Payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"echoed_data":{"type":"echo","big":12345678901234567890,"nested":{"a":[1,null]}}`)
}

func TestRoute_BroadcastToOthers(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	sender := addConn(t, reg, "s", "192.0.2.10")
	addConn(t, reg, "p1", "192.0.2.11")
	addConn(t, reg, "p2", "192.0.2.12")
	addConn(t, reg, "p3", "192.0.2.13")

	out := r.Route(sender, `{"type":"broadcast","message":"hi"}`)

	require.Len(t, out, 2)

	assert.Equal(t, ToSender, out[0].Target)
	confirmation := encode(t, out[0].Payload)
	assert.Equal(t, "broadcast_confirmation", confirmation["type"])
	assert.Equal(t, float64(3), confirmation["recipients"])

	assert.Equal(t, ToOthers, out[1].Target)
	require.Len(t, out[1].Recipients, 3)
	for _, c := range out[1].Recipients {
		assert.NotEqual(t, "s", c.ID)
	}
	broadcast := encode(t, out[1].Payload)
	assert.Equal(t, "broadcast", broadcast["type"])
	assert.Equal(t, "hi", broadcast["message"])
	assert.Equal(t, "192.0.2.10", broadcast["sender"])
}

func TestRoute_BroadcastAlone(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	sender := addConn(t, reg, "s", "192.0.2.10")

	out := r.Route(sender, `{"type":"broadcast","message":"anyone?"}`)

	require.Len(t, out, 2)
	assert.Equal(t, float64(0), encode(t, out[0].Payload)["recipients"])
	assert.Empty(t, out[1].Recipients)
}

func TestRoute_BroadcastWithoutMessageSendsWholePayload(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	sender := addConn(t, reg, "s", "192.0.2.10")
	addConn(t, reg, "p1", "192.0.2.11")

	out := r.Route(sender, `{"type":"broadcast","score":7}`)

	broadcast := encode(t, out[1].Payload)
	assert.Equal(t, map[string]any{"type": "broadcast", "score": float64(7)}, broadcast["message"])
}

func TestRoute_BroadcastStructuredMessage(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	sender := addConn(t, reg, "s", "192.0.2.10")

	out := r.Route(sender, `{"type":"broadcast","message":{"text":"hi","n":1}}`)

	assert.Equal(t, map[string]any{"text": "hi", "n": float64(1)}, encode(t, out[1].Payload)["message"])
}

func TestRoute_UnknownType(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	sender := addConn(t, reg, "s", "192.0.2.10")

	tests := []struct {
		in   string
		want any
	}{
		{`{"type":"subscribe"}`, "subscribe"},
		{`{"type":""}`, ""},
		{`{"type":"PING"}`, "PING"},
		{`{"type":42}`, float64(42)},
		{`{"type":null}`, nil},
		{`{"type":["ping"]}`, []any{"ping"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			out := r.Route(sender, tt.in)

			require.Len(t, out, 1)
			msg := encode(t, out[0].Payload)
			assert.Equal(t, "unknown_type", msg["type"])
			assert.Equal(t, tt.want, msg["received_type"])
		})
	}
}

func TestRoute_CountsByKind(t *testing.T) {
	r, reg, m := newTestRouter(t)
	sender := addConn(t, reg, "s", "192.0.2.10")

	r.Route(sender, `{"type":"ping"}`)
	r.Route(sender, `{"type":"ping"}`)
	r.Route(sender, `{"type":"echo"}`)
	r.Route(sender, `{"type":"broadcast"}`)
	r.Route(sender, `{"type":"nope"}`)
	r.Route(sender, `42`)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesRouted.WithLabelValues("ping")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRouted.WithLabelValues("echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRouted.WithLabelValues("broadcast")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRouted.WithLabelValues("unknown_type")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRouted.WithLabelValues("text_echo")))
}

func TestRoute_NilMetrics(t *testing.T) {
	reg := registry.New()
	r := New(reg, clockwork.NewFakeClock(), nil)
	sender := addConn(t, reg, "s", "192.0.2.10")

	assert.NotPanics(t, func() { r.Route(sender, `{"type":"ping"}`) })
}

func TestRoute_InvalidUTF8NeverEchoedVerbatim(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	sender := addConn(t, reg, "s", "192.0.2.10")
	addConn(t, reg, "p1", "192.0.2.11")

	inputs := []string{
		"{\"type\":\"ping\",\"x\":\"\xff\"}",
		"{\"type\":\"echo\",\"message\":\"\xff\"}",
		"{\"type\":\"broadcast\",\"message\":\"\xff\"}",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			out := r.Route(sender, in)

			require.Len(t, out, 1)
			assert.Equal(t, ToSender, out[0].Target)
			data, err := json.Marshal(out[0].Payload)
			require.NoError(t, err)
			assert.True(t, utf8.Valid(data), "not valid UTF-8: %q", data)
			assert.Equal(t, "text_echo", encode(t, out[0].Payload)["type"])
		})
	}
}

func FuzzRoute(f *testing.F) {
	for _, seed := range []string{"", "1", `{"type":"ping"}`, `{"type":"broadcast"}`, "[", `{"type":{}}`, "{\"type\":\"echo\",\"m\":\"\xff\"}"} {
		f.Add(seed)
	}
	reg := registry.New()
	r := New(reg, clockwork.NewFakeClock(), nil)
	sender := registry.NewConnection("s", "192.0.2.10", fixedNow, nopSender{})

	f.Fuzz(func(t *testing.T, in string) {
		out := r.Route(sender, in)
		if len(out) == 0 {
			t.Fatalf("no reply for %q", in)
		}
		for _, o := range out {
			data, err := json.Marshal(o.Payload)
			if err != nil {
				t.Fatalf("payload for %q does not encode: %v", in, err)
			}
			if !utf8.Valid(data) {
				t.Fatalf("payload for %q is not valid UTF-8: %q", in, data)
			}
		}
	})
}

func TestTarget_String(t *testing.T) {
	assert.Equal(t, "sender", ToSender.String())
	assert.Equal(t, "others", ToOthers.String())
	assert.Equal(t, "unknown", Target(7).String())
}

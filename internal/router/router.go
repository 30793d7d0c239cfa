// Package router turns one inbound frame into the messages it produces.
//
// Route is total: every byte sequence yields at least one reply and nothing
// it does can fail. Unknown types and non-object payloads are answered, not
// rejected.
package router

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/jordan13p/websocket-test/internal/metrics"
	"github.com/jordan13p/websocket-test/internal/protocol"
	"github.com/jordan13p/websocket-test/internal/registry"
)

// Target says who an Outbound is for.
type Target int

const (
	ToSender Target = iota
	ToOthers
)

func (t Target) String() string {
	switch t {
	case ToSender:
		return "sender"
	case ToOthers:
		return "others"
	default:
		return "unknown"
	}
}

// Outbound is one message to deliver. For ToOthers, Recipients is the
// snapshot of connections taken while routing.
type Outbound struct {
	Target     Target
	Payload    any
	Recipients []*registry.Connection
}

// Peers is the view of the registry the router needs for broadcasts.
type Peers interface {
	SnapshotExcluding(id string) []*registry.Connection
}

type Router struct {
	peers   Peers
	clock   clockwork.Clock
	metrics *metrics.WebSocketMetrics
}

func New(peers Peers, clock clockwork.Clock, m *metrics.WebSocketMetrics) *Router {
	return &Router{peers: peers, clock: clock, metrics: m}
}

// Route classifies raw, received from sender, and returns the resulting
// messages in delivery order. The result is never empty.
func (r *Router) Route(sender *registry.Connection, raw string) []Outbound {
	msg := protocol.Parse(raw)
	now := protocol.Timestamp(r.clock.Now())

	typ, hasType := msg.Type()
	if msg.Kind != protocol.Structured || !hasType {
		r.observe(protocol.TypeTextEcho)
		return reply(protocol.TextEcho{
			Type:            protocol.TypeTextEcho,
			Timestamp:       now,
			OriginalMessage: msg.Raw,
			MessageLength:   utf8.RuneCountInString(msg.Raw),
		})
	}

	name, _ := msg.TypeName()
	switch name {
	case protocol.TypePing:
		r.observe(protocol.TypePing)
		return reply(protocol.Pong{
			Type:         protocol.TypePong,
			Timestamp:    now,
			OriginalData: msg.Object,
		})

	case protocol.TypeEcho:
		r.observe(protocol.TypeEcho)
		return reply(protocol.EchoResponse{
			Type:       protocol.TypeEchoResponse,
			Timestamp:  now,
			EchoedData: msg.Object,
		})

	case protocol.TypeBroadcast:
		r.observe(protocol.TypeBroadcast)
		return r.broadcast(sender, msg, now)

	default:
		r.observe(protocol.TypeUnknown)
		return reply(protocol.UnknownType{
			Type:         protocol.TypeUnknown,
			Timestamp:    now,
			ReceivedType: typ,
		})
	}
}

func (r *Router) broadcast(sender *registry.Connection, msg protocol.Inbound, now string) []Outbound {
	recipients := r.peers.SnapshotExcluding(sender.ID)

	body, ok := msg.Field("message")
	if !ok {
		body = msg.Object
	}

	return []Outbound{
		{
			Target: ToSender,
			Payload: protocol.BroadcastConfirmation{
				Type:       protocol.TypeBroadcastConfirmation,
				Timestamp:  now,
				Recipients: len(recipients),
			},
		},
		{
			Target: ToOthers,
			Payload: protocol.Broadcast{
				Type:      protocol.TypeBroadcast,
				Timestamp: now,
				Message:   json.RawMessage(body),
				Sender:    sender.RemoteAddr,
			},
			Recipients: recipients,
		},
	}
}

func (r *Router) observe(kind string) {
	if r.metrics != nil {
		r.metrics.MessagesRouted.WithLabelValues(kind).Inc()
	}
}

func reply(payload any) []Outbound {
	return []Outbound{{Target: ToSender, Payload: payload}}
}

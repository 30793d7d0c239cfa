// Package protocol defines the JSON wire format spoken over every WebSocket
// connection and the classification of inbound frames.
package protocol

import (
	"bytes"
	"encoding/json"
	"time"
	"unicode/utf8"
)

// Message types. Inbound: ping, echo, broadcast. The rest are outbound only.
const (
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeEcho                  = "echo"
	TypeEchoResponse          = "echo_response"
	TypeBroadcast             = "broadcast"
	TypeBroadcastConfirmation = "broadcast_confirmation"
	TypeUnknown               = "unknown_type"
	TypeTextEcho              = "text_echo"
	TypeWelcome               = "welcome"
)

// Kind tags which variant an Inbound holds.
type Kind int

const (
	PlainText Kind = iota
	Structured
)

func (k Kind) String() string {
	if k == Structured {
		return "structured"
	}
	return "plain_text"
}

// Inbound is a received frame, classified once at parse time.
//
// A Structured message is a JSON object; Object holds its original bytes and
// Fields its top-level members. Everything else, including bare numbers,
// strings, arrays, null, empty and malformed input, is PlainText. An object
// that is not valid UTF-8 is PlainText too, since Object is echoed verbatim
// and text frames must carry valid UTF-8.
type Inbound struct {
	Kind   Kind
	Raw    string
	Object json.RawMessage
	Fields map[string]json.RawMessage
}

// Parse classifies raw. It never fails.
func Parse(raw string) Inbound {
	msg := Inbound{Kind: PlainText, Raw: raw}

	data := bytes.TrimSpace([]byte(raw))
	if len(data) == 0 || data[0] != '{' || !utf8.Valid(data) {
		return msg
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return msg
	}

	msg.Kind = Structured
	msg.Object = json.RawMessage(data)
	msg.Fields = fields
	return msg
}

// Type returns the raw JSON value of the "type" member, if present.
func (m Inbound) Type() (json.RawMessage, bool) {
	if m.Kind != Structured {
		return nil, false
	}
	v, ok := m.Fields["type"]
	return v, ok
}

// TypeName returns the "type" member when it is a JSON string.
func (m Inbound) TypeName() (string, bool) {
	v, ok := m.Type()
	if !ok {
		return "", false
	}
	var name string
	if err := json.Unmarshal(v, &name); err != nil {
		return "", false
	}
	return name, true
}

// Field returns the raw JSON value of a top-level member.
func (m Inbound) Field(name string) (json.RawMessage, bool) {
	if m.Kind != Structured {
		return nil, false
	}
	v, ok := m.Fields[name]
	return v, ok
}

// Timestamp formats t the way every outbound message carries it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

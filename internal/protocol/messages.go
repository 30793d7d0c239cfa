package protocol

import (
	"encoding/json"

	"github.com/jordan13p/websocket-test/internal/identity"
)

type Welcome struct {
	Type            string            `json:"type"`
	Message         string            `json:"message"`
	Timestamp       string            `json:"timestamp"`
	ClientIP        string            `json:"client_ip"`
	ConnectionID    string            `json:"connection_id"`
	ServiceIdentity identity.Identity `json:"service_identity"`
}

type Pong struct {
	Type         string          `json:"type"`
	Timestamp    string          `json:"timestamp"`
	OriginalData json.RawMessage `json:"original_data"`
}

type EchoResponse struct {
	Type       string          `json:"type"`
	Timestamp  string          `json:"timestamp"`
	EchoedData json.RawMessage `json:"echoed_data"`
}

type BroadcastConfirmation struct {
	Type       string `json:"type"`
	Timestamp  string `json:"timestamp"`
	Recipients int    `json:"recipients"`
}

type Broadcast struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
	Sender    string          `json:"sender"`
}

type UnknownType struct {
	Type         string          `json:"type"`
	Timestamp    string          `json:"timestamp"`
	ReceivedType json.RawMessage `json:"received_type"`
}

type TextEcho struct {
	Type            string `json:"type"`
	Timestamp       string `json:"timestamp"`
	OriginalMessage string `json:"original_message"`
	MessageLength   int    `json:"message_length"`
}

package types

import "encoding/json"

// MessageType classifies an agent-to-agent message.
type MessageType string

// Message type constants. These double as message capabilities in the
// authorization matrix.
const (
	MessageTypeCommand  MessageType = "COMMAND"
	MessageTypeQuery    MessageType = "QUERY"
	MessageTypeResponse MessageType = "RESPONSE"
	MessageTypeEvent    MessageType = "EVENT"
	MessageTypeAuth     MessageType = "AUTH"
)

// ValidMessageType reports whether t is one of the closed message types.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeCommand, MessageTypeQuery, MessageTypeResponse, MessageTypeEvent, MessageTypeAuth:
		return true
	}
	return false
}

// MessagePayload is the signed portion of an agent-to-agent message.
// Timestamp is Unix epoch milliseconds; Nonce is a hex token consumable
// exactly once within the freshness window.
type MessagePayload struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Nonce     string          `json:"nonce"`
}

// SignedMessage is a MessagePayload plus its detached signature
// (base64 over the canonicalized payload bytes).
type SignedMessage struct {
	MessagePayload
	Signature string `json:"signature"`
}

// SecureMessage is the full agent-to-agent wire contract:
// {from, to, type, payload, timestamp, nonce, signature, correlationId}.
// Any change to this shape is a breaking protocol change.
type SecureMessage struct {
	SignedMessage
	CorrelationID string `json:"correlationId"`
}

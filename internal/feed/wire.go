package feed

import "encoding/json"

// Envelope wraps all socket messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// HelloMessage is the first message a producer sends after connecting
type HelloMessage struct {
	Producer string `json:"producer"`
	PID      int    `json:"pid,omitempty"`
	// Started is the producer start time in microseconds since the epoch
	Started int64 `json:"started,omitempty"`
}

// ByeMessage ends the stream cleanly; the listener finalizes the tree
type ByeMessage struct {
	Reason string `json:"reason,omitempty"`
}

// Event payloads are domain.RawEvent, one per envelope.

// Message type constants
const (
	TypeHello = "hello"
	TypeEvent = "event"
	TypeBye   = "bye"
)

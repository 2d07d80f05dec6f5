package hub

import (
	"time"

	"github.com/goccy/go-json"
)

// Inbound message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Outbound message types.
const (
	TypeAck     = "ack"
	TypeError   = "error"
	TypeMessage = "message"
	TypePong    = "pong"
)

// Inbound is a client request.
type Inbound struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Outbound is every frame the hub writes to a session.
type Outbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TS        *time.Time      `json:"ts,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func encodeFrame(o Outbound) []byte {
	// only strings and pre-encoded payloads, cannot fail
	b, _ := json.Marshal(o)
	return b
}

func ackFrame(requestID, channel string) []byte {
	return encodeFrame(Outbound{Type: TypeAck, RequestID: requestID, Channel: channel})
}

func errorFrame(requestID string, err error) []byte {
	return encodeFrame(Outbound{Type: TypeError, RequestID: requestID, Error: err.Error()})
}

var pongFrame = encodeFrame(Outbound{Type: TypePong})

func messageFrame(channel string, payload interface{}, ts time.Time) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ts = ts.UTC()
	return encodeFrame(Outbound{Type: TypeMessage, Channel: channel, Payload: raw, TS: &ts}), nil
}

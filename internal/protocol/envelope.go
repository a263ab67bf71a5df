// Package protocol defines the wire envelope shared by the room server and
// the client connection manager. The envelope is the only structure ever
// written to or read from a room WebSocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

type MessageType string

const (
	MsgPing     MessageType = "ping"
	MsgPong     MessageType = "pong"
	MsgMessage  MessageType = "message"
	MsgTyping   MessageType = "typing"
	MsgPresence MessageType = "presence"
)

// Known reports whether t belongs to the closed set of envelope types.
// Unknown types still decode; they are relayed without interpretation.
func (t MessageType) Known() bool {
	switch t {
	case MsgPing, MsgPong, MsgMessage, MsgTyping, MsgPresence:
		return true
	}
	return false
}

// Close codes observed and produced on room connections.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	CloseAbnormal        = websocket.CloseAbnormalClosure
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseTryAgainLater   = websocket.CloseTryAgainLater
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrEmptyType      = errors.New("envelope type is empty")
)

// Envelope is one frame on the wire. Timestamp is milliseconds since the
// Unix epoch. UserID is only trusted when set by the server.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	UserID    string          `json:"userId,omitempty"`
}

// CloseInfo is the body of a denied upgrade response.
type CloseInfo struct {
	CloseCode   int    `json:"closeCode"`
	CloseReason string `json:"closeReason"`
}

// Decode parses a single frame. Anything that is not a JSON object with a
// non-empty string type yields an error wrapping ErrMalformedFrame.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedFrame, ErrEmptyType)
	}
	return env, nil
}

// Encode serialises an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrEmptyType
	}
	return json.Marshal(env)
}

// New builds an envelope of type t with payload marshalled to JSON.
// A nil payload leaves the field absent.
func New(t MessageType, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = data
	return env, nil
}

// Ping returns the heartbeat frame sent by the client.
func Ping(now time.Time) Envelope {
	return Envelope{Type: MsgPing, Timestamp: Millis(now)}
}

// Pong answers a ping, echoing its timestamp so the sender can measure
// round-trip time.
func Pong(ping Envelope) Envelope {
	return Envelope{Type: MsgPong, Timestamp: ping.Timestamp}
}

// Millis converts t to Unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

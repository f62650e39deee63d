package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message types on the wire. Every frame in either direction is
// {"type": string, "payload"?: object}.
const (
	// Client → server.
	TypePing        = "ping"
	TypeCatGet      = "cat:get_state"
	TypeCatUpdate   = "cat:update_state"
	TypePrefsGet    = "prefs:get"
	TypePrefsUpdate = "prefs:update"
	TypeStatsGet    = "stats:get"
	TypeStatsUpdate = "stats:update"

	// Server → client.
	TypePong        = "pong"
	TypeCatState    = "cat:state"
	TypePrefsState  = "prefs:state"
	TypeStatsState  = "stats:state"
	TypeError       = "error"
	TypeItemCreated = "item:created"
)

// Envelope is the inbound frame before payload dispatch.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a server frame. Payload marshals to the exact same JSON shape
// the HTTP polling surface returns.
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// decodePayload strictly decodes an inbound payload into the typed patch for
// its message type. Fields outside the declared shape are rejected rather
// than silently dropped.
func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

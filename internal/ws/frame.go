// Package ws implements the relay's real-time protocol at /v1/updates:
// the WebSocket handshake, the per-connection read/write discipline, and
// the handlers for every client frame — persistent mutations, presence
// signals, optimistic-concurrency updates, and the inter-client RPC
// bridge.
//
// # Wire format
//
// Every frame is one JSON object:
//
//	{"event": "<name>", "id": <n>, "payload": <object>}
//
// The id is a correlation number, present only on frames that expect a
// reply. The reply travels as an "ack" frame echoing the same id:
//
//	{"event": "ack", "id": <n>, "payload": <object>}
//
// Both sides keep independent id counters; the direction of the ack
// disambiguates them. Server→client events without a reply (update,
// ephemeral, error, rpc-registered, rpc-unregistered, rpc-error) omit id.
// Frames on one connection are processed strictly in arrival order;
// different connections run in parallel.
package ws

import "encoding/json"

// inboundFrame is a parsed client frame.
type inboundFrame struct {
	Event   string          `json:"event"`
	ID      *int64          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// outboundFrame is a server frame ready for serialization.
type outboundFrame struct {
	Event   string `json:"event"`
	ID      *int64 `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// errorPayload is the payload of an "error" or "rpc-error" frame.
type errorPayload struct {
	Message string `json:"message"`
}

// callResult is the callback payload of an rpc-call frame.
type callResult struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// genericError is the callback payload used when a request-reply handler
// hits an unexpected failure.
var genericError = map[string]string{"result": "error"}

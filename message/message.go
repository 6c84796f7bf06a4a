// Package message defines the documents exchanged between gateway, clients
// and workers.
//
// A Frame is the envelope for every request. It gets serialized by the codec
// layer and wrapped in a protocol frame for transmission over TCP. A Reply
// answers one Frame and carries the same correlation id.
package message

import "encoding/json"

// Reserved subjects.
const (
	// SubjectRequest carries a client request for the gateway to route.
	SubjectRequest = "COM_REQUEST"
	// SubjectClose asks the receiver to destroy the connection. The
	// listener also dispatches it when the remote end closes.
	SubjectClose = "COM_CLOSE"
	// SubjectKill asks the receiving process to terminate.
	SubjectKill = "KILL"
	// SubjectServiceRequest is what the gateway sends to a worker instance.
	SubjectServiceRequest = "SERVICE_REQUEST"
	// SubjectHeartbeat checks that the peer is still answering. Listeners
	// reply to it with empty data unless a handler is registered.
	SubjectHeartbeat = "HEARTBEAT"
)

// Frame carries a single request.
//
//   - Subject selects the handler chain on the listener.
//   - ID is the correlation id the reply must echo.
//   - Data is the raw JSON payload, decoded by the handler that needs it.
type Frame struct {
	Subject string          `json:"subject"`
	ID      string          `json:"id"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Reply answers the Frame with the same ID.
type Reply struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Empty reports whether a payload carries no data at all.
func Empty(data json.RawMessage) bool {
	if len(data) == 0 {
		return true
	}
	switch string(data) {
	case "null", `""`, "{}", "[]":
		return true
	}
	return false
}

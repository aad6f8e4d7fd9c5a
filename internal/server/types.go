// Package server defines the wire-level event types exchanged with clients
// and utility helpers that are reused across client and hub logic.
package server

import (
	"encoding/json"
	"strings"
)

// Client-to-server event names.
const (
	EventJoinRoom    = "join_room"
	EventSendMessage = "send_message"
)

// Server-to-client event names.
const (
	EventStatus           = "status"
	EventUserConnected    = "user_connected"
	EventUserDisconnected = "user_disconnected"
	EventReceiveMessage   = "receive_message"
)

// StatusUnauthorized is the status value sent before an unauthorized
// connection is terminated.
const StatusUnauthorized = "unauthorized"

// Envelope is the framing shared by every event in both directions: a name
// identifying the event and an event-specific data object.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// JoinPayload is the data carried by a join_room event.
type JoinPayload struct {
	Room string `json:"room"`
}

// ChatMessage is the data carried by send_message and receive_message events.
// The hub passes it through verbatim; Time is a client-supplied string and is
// never interpreted.
type ChatMessage struct {
	Room    string `json:"room"`
	Author  string `json:"author"`
	Message string `json:"message"`
	Time    string `json:"time"`
}

// PresenceNotice is the data carried by user_connected and user_disconnected
// events.
type PresenceNotice struct {
	Room     string `json:"room"`
	Username string `json:"username"`
	Time     string `json:"time"`
}

// StatusNotice is the data carried by a status event.
type StatusNotice struct {
	Status string `json:"status"`
}

// marshalEvent frames data in an Envelope with the given event name.
func marshalEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

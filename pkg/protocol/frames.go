// Package protocol defines the wire frames and names of the gateway's
// WebSocket RPC. Clients send request frames, the gateway answers with
// response frames and pushes event frames as the runtime emits them.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking frame or method changes.
const ProtocolVersion = 1

// Frame type discriminators (the "type" field of every frame).
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame, matched by ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo carries a machine-readable code plus a human message.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// EventFrame is a server push, not tied to any request.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	At      string      `json:"at,omitempty"`
}

// NewResponse builds a successful response for the given request id.
func NewResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response for the given request id.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorInfo{Code: code, Message: message},
	}
}

// NewEvent builds an event frame. at is the runtime timestamp in the
// archive layout; empty is allowed for synthetic client-side events.
func NewEvent(event string, payload interface{}, at string) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: event, Payload: payload, At: at}
}

// ParseFrameType peeks at the "type" field so readers can pick the
// right frame struct before unmarshalling the rest.
func ParseFrameType(raw []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", err
	}
	return probe.Type, nil
}

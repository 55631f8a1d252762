package gateway

import (
	"encoding/json"
	"time"
)

// Frame is the outer client→server message structure. Every inbound text
// frame must parse to this shape; Type selects the handler from the
// dispatch table.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// registerRequest binds the externally verified identity to a connection.
// ID carries the credential handed to the configured verifier; with the
// static verifier it is the user id itself, with the JWT verifier a
// signed token.
type registerRequest struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type registerResult struct {
	Success        bool   `json:"success"`
	ServerIdentity string `json:"serverIdentity,omitempty"`
	Error          string `json:"error,omitempty"`
}

type heartbeatResult struct {
	Success   bool   `json:"success"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ackRequest struct {
	MessageID string `json:"messageId"`
}

// sendRequest routes an application message. Exactly one of To / Room
// must be set.
type sendRequest struct {
	To            string          `json:"to,omitempty"`
	Room          string          `json:"room,omitempty"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	RequireAck    bool            `json:"requireAck,omitempty"`
	RequireOnline bool            `json:"requireOnline,omitempty"`
	MaxRetries    int             `json:"maxRetries,omitempty"`
	RetryMillis   int64           `json:"retryIntervalMs,omitempty"`
}

type sendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type roomRequest struct {
	Room string `json:"room"`
}

// Envelope is the server→client push wrapper. Clients deduplicate
// re-deliveries by MessageID.
type Envelope struct {
	MessageID  string          `json:"messageId"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
	RequireAck bool            `json:"requireAck,omitempty"`
	From       string          `json:"from,omitempty"`
	Room       string          `json:"room,omitempty"`
}

type retryNotice struct {
	MessageID string `json:"messageId"`
	Attempt   int    `json:"attempt"`
	Timestamp int64  `json:"timestamp"`
}

type failureNotice struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

type errorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server→client frame types.
const (
	frameRegisterResult = "registerResult"
	frameHeartbeat      = "heartbeatResult"
	frameSendResult     = "sendResult"
	frameMessage        = "message"
	frameMessageRetry   = "messageRetry"
	frameMessageFailed  = "messageFailed"
	frameError          = "error"
	frameRoomResult     = "roomResult"
)

// marshalFrame wraps a typed payload in the outer frame shape.
// Marshal failures cannot happen for the fixed payload types above, so
// the error is swallowed and an empty slice returned.
func marshalFrame(frameType string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	out, err := json.Marshal(Frame{Type: frameType, Data: data})
	if err != nil {
		return nil
	}
	return out
}

func errorFrameBytes(code, message string) []byte {
	return marshalFrame(frameError, errorFrame{Code: code, Message: message})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

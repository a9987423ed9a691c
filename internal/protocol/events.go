// Package protocol defines the relay wire format: a JSON envelope carrying a
// named event and its payload, shared by every transport.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client to server events.
const (
	EventRegister        = "register"
	EventSendMessage     = "send-message"
	EventTypingIndicator = "typing-indicator"
	EventMessageRead     = "message-read"
	EventSetStatus       = "set-status"
	EventGetOnlineUsers  = "get-online-users"
)

// Server to client events.
const (
	EventReceiveMessage    = "receive-message"
	EventMessageDelivered  = "message-delivered"
	EventMessagePending    = "message-pending"
	EventMessageError      = "message-error"
	EventUserTyping        = "user-typing"
	EventReadReceipt       = "message-read-receipt"
	EventUserStatusChanged = "user-status-changed"
	EventUserWentOffline   = "user-went-offline"
	EventOnlineUsersList   = "online-users-list"
	EventSessionReady      = "session-ready"
)

// Error codes carried in message-error payloads.
const (
	CodeUnauthorized     = "unauthorized"
	CodeRateLimited      = "rate_limited"
	CodeValidation       = "validation"
	CodeStoreUnavailable = "store_unavailable"
	CodeQueueFull        = "queue_full"
	CodeDrainFailed      = "drain_failed"
	CodeSendThrottled    = "send_throttled"
	CodeInternal         = "internal"
)

// TimeFormat is the timestamp layout used on the wire (UTC, millisecond precision).
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Envelope is a single framed event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals v as the payload of event. A nil v yields an envelope without data.
func Encode(event string, v any) (Envelope, error) {
	if v == nil {
		return Envelope{Event: event}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: b}, nil
}

// Unmarshal decodes the envelope payload into v.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

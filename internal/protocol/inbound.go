package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/and161185/goph-relay/internal/errs"
)

// Inbound is one decoded client event. The set of implementations is closed.
type Inbound interface{ inbound() }

// Register carries the bearer token presented during the handshake.
type Register struct {
	Token string `json:"token"`
}

// SendMessage asks the relay to deliver a message to RecipientID.
type SendMessage struct {
	RecipientID      string `json:"recipientId"`
	Content          string `json:"content"`
	MessageType      string `json:"messageType,omitempty"`
	EncryptedContent string `json:"encryptedContent,omitempty"`
	IV               string `json:"iv,omitempty"`
}

// TypingIndicator is forwarded to RecipientID when it is online.
type TypingIndicator struct {
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

// MessageRead notifies SenderID that MessageID was read.
type MessageRead struct {
	SenderID  string `json:"senderId"`
	MessageID string `json:"messageId"`
}

// SetStatus changes the presence status broadcast to every session.
type SetStatus struct {
	Status string `json:"status"`
}

// GetOnlineUsers requests a registry snapshot.
type GetOnlineUsers struct{}

// Unknown is any event name the relay does not handle.
type Unknown struct {
	Event string
}

func (Register) inbound()        {}
func (SendMessage) inbound()     {}
func (TypingIndicator) inbound() {}
func (MessageRead) inbound()     {}
func (SetStatus) inbound()       {}
func (GetOnlineUsers) inbound()  {}
func (Unknown) inbound()         {}

// Validate checks the fields required before dispatch.
func (m SendMessage) Validate() error {
	if strings.TrimSpace(m.RecipientID) == "" {
		return fmt.Errorf("%w: recipientId required", errs.ErrValidation)
	}
	if m.Content == "" && m.EncryptedContent == "" {
		return fmt.Errorf("%w: content or encryptedContent required", errs.ErrValidation)
	}
	return nil
}

// Decode turns an envelope into a typed inbound event.
// Malformed payloads are reported as errs.ErrValidation.
func Decode(env Envelope) (Inbound, error) {
	switch env.Event {
	case EventRegister:
		return decodeRegister(env.Data)
	case EventSendMessage:
		var m SendMessage
		return decodeInto(env, &m)
	case EventTypingIndicator:
		var m TypingIndicator
		return decodeInto(env, &m)
	case EventMessageRead:
		var m MessageRead
		return decodeInto(env, &m)
	case EventSetStatus:
		var m SetStatus
		return decodeInto(env, &m)
	case EventGetOnlineUsers:
		return GetOnlineUsers{}, nil
	default:
		return Unknown{Event: env.Event}, nil
	}
}

func decodeInto[T Inbound](env Envelope, dst *T) (Inbound, error) {
	if err := env.Unmarshal(dst); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", errs.ErrValidation, env.Event, err)
	}
	return *dst, nil
}

// decodeRegister accepts either a bare JSON string or {"token": "..."}.
func decodeRegister(data json.RawMessage) (Inbound, error) {
	if len(data) == 0 {
		return Register{}, nil
	}
	var tok string
	if err := json.Unmarshal(data, &tok); err == nil {
		return Register{Token: tok}, nil
	}
	var r Register
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: register payload: %v", errs.ErrValidation, err)
	}
	return r, nil
}

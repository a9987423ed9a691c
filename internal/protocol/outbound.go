package protocol

import (
	"time"

	"github.com/and161185/goph-relay/internal/model"
)

// MessagePacket is the receive-message payload.
type MessagePacket struct {
	ID               string `json:"id"`
	SenderID         string `json:"senderId"`
	SenderUsername   string `json:"senderUsername"`
	RecipientID      string `json:"recipientId"`
	Content          string `json:"content"`
	MessageType      string `json:"messageType"`
	EncryptedContent string `json:"encryptedContent,omitempty"`
	IV               string `json:"iv,omitempty"`
	Timestamp        string `json:"timestamp"`
	Delivered        bool   `json:"delivered"`
	IsPending        bool   `json:"isPending,omitempty"`
}

// Ack is the message-delivered / message-pending payload sent to the sender.
type Ack struct {
	MessageID   string `json:"messageId"`
	RecipientID string `json:"recipientId"`
	Delivered   bool   `json:"delivered"`
}

// ErrorPayload is the message-error payload.
type ErrorPayload struct {
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
}

// UserTyping is forwarded to the typing recipient.
type UserTyping struct {
	SenderID       string `json:"senderId"`
	SenderUsername string `json:"senderUsername"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadReceipt is forwarded to the original sender of a read message.
type ReadReceipt struct {
	ReadBy    string `json:"readBy"`
	MessageID string `json:"messageId"`
	ReadAt    string `json:"readAt"`
}

// StatusChanged is broadcast on set-status.
type StatusChanged struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// WentOffline is broadcast when a registered session closes.
type WentOffline struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

// OnlineUser is one entry of online-users-list.
type OnlineUser struct {
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
}

// SessionReady confirms registration after the pending backlog was pushed.
type SessionReady struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Durable   bool   `json:"durable"`
	Delivered int    `json:"delivered"`
}

// FormatTime renders t on the wire.
func FormatTime(t time.Time) string { return t.UTC().Format(TimeFormat) }

// ParseTime parses a wire timestamp.
func ParseTime(s string) (time.Time, error) { return time.Parse(TimeFormat, s) }

// NewMessagePacket converts a model message into its wire form.
func NewMessagePacket(m model.Message, pending bool) MessagePacket {
	return MessagePacket{
		ID:               m.ID.String(),
		SenderID:         m.SenderID,
		SenderUsername:   m.SenderUsername,
		RecipientID:      m.RecipientID,
		Content:          m.Content,
		MessageType:      m.MessageType,
		EncryptedContent: m.EncryptedContent,
		IV:               m.IV,
		Timestamp:        FormatTime(m.Timestamp),
		Delivered:        m.Delivered,
		IsPending:        pending,
	}
}

// AckFor builds the sender acknowledgement for m.
func AckFor(m model.Message, delivered bool) Ack {
	return Ack{MessageID: m.ID.String(), RecipientID: m.RecipientID, Delivered: delivered}
}

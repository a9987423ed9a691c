// Package model defines domain entities used by services, repositories and the relay core.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// DefaultMessageType is applied when a sender omits messageType.
const DefaultMessageType = "text"

// DefaultStatus is the presence status of a freshly registered session.
const DefaultStatus = "online"

// Identity is the verified (userId, username) pair decoded from a bearer token.
type Identity struct {
	UserID   string
	Username string
}

// Token is an issued access token (used by the CLI and tests).
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Message is a relayed message as seen by both live delivery and the pending store.
type Message struct {
	ID               uuid.UUID // assigned at dispatch
	SenderID         string
	SenderUsername   string
	RecipientID      string
	Content          string
	MessageType      string
	EncryptedContent string // opaque ciphertext, optional
	IV               string // nonce for EncryptedContent, optional
	Timestamp        time.Time
	Delivered        bool
}

// PendingMessage is a durable row waiting for its recipient to connect.
type PendingMessage struct {
	ID               int64 // storage-assigned, ordering tiebreaker
	MessageID        uuid.UUID
	SenderID         string
	SenderUsername   string
	RecipientID      string
	Content          string
	EncryptedContent string
	IV               string
	MessageType      string
	SentAt           time.Time
}

// ToPending converts a dispatched message into its durable representation.
func (m Message) ToPending() PendingMessage {
	return PendingMessage{
		MessageID:        m.ID,
		SenderID:         m.SenderID,
		SenderUsername:   m.SenderUsername,
		RecipientID:      m.RecipientID,
		Content:          m.Content,
		EncryptedContent: m.EncryptedContent,
		IV:               m.IV,
		MessageType:      m.MessageType,
		SentAt:           m.Timestamp,
	}
}

// ToMessage rebuilds the message a pending row was created from.
func (p PendingMessage) ToMessage() Message {
	return Message{
		ID:               p.MessageID,
		SenderID:         p.SenderID,
		SenderUsername:   p.SenderUsername,
		RecipientID:      p.RecipientID,
		Content:          p.Content,
		MessageType:      p.MessageType,
		EncryptedContent: p.EncryptedContent,
		IV:               p.IV,
		Timestamp:        p.SentAt,
	}
}

// DrainResult reports how many pending rows were handed to the connection
// and removed, and how many stayed queued because the push failed.
type DrainResult struct {
	Delivered int
	Failed    int
}

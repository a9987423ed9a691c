// Package repository declares storage contracts used by the relay core.
package repository

import (
	"context"
	"time"

	"github.com/and161185/goph-relay/internal/model"
)

// DeliverFunc hands one pending row to the live connection. A non-nil error
// keeps the row queued.
type DeliverFunc func(model.PendingMessage) error

// PendingRepository is the durable store-and-forward queue keyed by recipient.
type PendingRepository interface {
	// Enqueue appends a row for msg.RecipientID and returns its storage id.
	// It fails with errs.ErrQueueFull when the recipient reached its cap.
	Enqueue(ctx context.Context, msg model.PendingMessage) (int64, error)

	// Drain reads all rows for recipientID ordered by SentAt, calls deliver for
	// each one and deletes those that were delivered, in a single transaction.
	Drain(ctx context.Context, recipientID string, deliver DeliverFunc) (model.DrainResult, error)

	// PurgeExpired removes rows sent before cutoff and returns how many were dropped.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

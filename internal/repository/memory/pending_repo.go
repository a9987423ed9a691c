// Package memory contains an in-process implementation of the pending store,
// used for live-only deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/and161185/goph-relay/internal/errs"
	"github.com/and161185/goph-relay/internal/model"
	"github.com/and161185/goph-relay/internal/repository"
)

// PendingRepo keeps pending rows in a per-recipient map. Contents are lost on restart.
type PendingRepo struct {
	mu              sync.Mutex
	nextID          int64
	byRecipient     map[string][]model.PendingMessage
	maxPerRecipient int
}

var _ repository.PendingRepository = (*PendingRepo)(nil)

// NewPendingRepo constructs an empty store. maxPerRecipient <= 0 disables the cap.
func NewPendingRepo(maxPerRecipient int) *PendingRepo {
	return &PendingRepo{byRecipient: make(map[string][]model.PendingMessage), maxPerRecipient: maxPerRecipient}
}

// Enqueue appends msg to its recipient queue.
func (r *PendingRepo) Enqueue(_ context.Context, msg model.PendingMessage) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.byRecipient[msg.RecipientID]
	if r.maxPerRecipient > 0 && len(q) >= r.maxPerRecipient {
		return 0, fmt.Errorf("recipient %s: %w", msg.RecipientID, errs.ErrQueueFull)
	}
	r.nextID++
	msg.ID = r.nextID
	r.byRecipient[msg.RecipientID] = append(q, msg)
	return msg.ID, nil
}

// Drain hands queued rows to deliver in SentAt order and keeps the ones that failed.
func (r *PendingRepo) Drain(ctx context.Context, recipientID string, deliver repository.DeliverFunc) (model.DrainResult, error) {
	r.mu.Lock()
	rows := append([]model.PendingMessage(nil), r.byRecipient[recipientID]...)
	r.mu.Unlock()

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].SentAt.Equal(rows[j].SentAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].SentAt.Before(rows[j].SentAt)
	})

	var res model.DrainResult
	done := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		if ctx.Err() != nil {
			res.Failed += len(rows) - res.Delivered - res.Failed
			break
		}
		if err := deliver(row); err != nil {
			res.Failed++
			continue
		}
		done[row.ID] = struct{}{}
		res.Delivered++
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.byRecipient[recipientID]
	kept := q[:0]
	for _, row := range q {
		if _, ok := done[row.ID]; !ok {
			kept = append(kept, row)
		}
	}
	if len(kept) == 0 {
		delete(r.byRecipient, recipientID)
	} else {
		r.byRecipient[recipientID] = kept
	}
	return res, nil
}

// PurgeExpired drops rows sent before cutoff.
func (r *PendingRepo) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for rid, q := range r.byRecipient {
		kept := q[:0]
		for _, row := range q {
			if row.SentAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, row)
		}
		if len(kept) == 0 {
			delete(r.byRecipient, rid)
		} else {
			r.byRecipient[rid] = kept
		}
	}
	return n, nil
}

// Count returns the number of rows queued for recipientID.
func (r *PendingRepo) Count(recipientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRecipient[recipientID])
}

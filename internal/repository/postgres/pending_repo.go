package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/goph-relay/internal/errs"
	"github.com/and161185/goph-relay/internal/model"
	"github.com/and161185/goph-relay/internal/repository"
)

// PendingRepo implements PendingRepository using PostgreSQL.
type PendingRepo struct {
	db              *DB
	maxPerRecipient int
}

var _ repository.PendingRepository = (*PendingRepo)(nil)

// NewPendingRepo constructs a pending repository. maxPerRecipient <= 0 disables the cap.
func NewPendingRepo(db *DB, maxPerRecipient int) *PendingRepo {
	return &PendingRepo{db: db, maxPerRecipient: maxPerRecipient}
}

// Enqueue inserts a pending row unless the recipient is at its cap.
// A duplicate message id is treated as already queued.
func (r *PendingRepo) Enqueue(ctx context.Context, m model.PendingMessage) (int64, error) {
	const insUncapped = `
INSERT INTO pending_messages
  (message_id, sender_id, sender_username, recipient_id, content, encrypted_content, iv, message_type, sent_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING id`
	const insCapped = `
INSERT INTO pending_messages
  (message_id, sender_id, sender_username, recipient_id, content, encrypted_content, iv, message_type, sent_at)
SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9
WHERE (SELECT count(*) FROM pending_messages WHERE recipient_id=$4) < $10
RETURNING id`

	args := []any{
		m.MessageID, m.SenderID, m.SenderUsername, m.RecipientID,
		m.Content, m.EncryptedContent, m.IV, m.MessageType, m.SentAt.UTC(),
	}
	q := insUncapped
	if r.maxPerRecipient > 0 {
		q = insCapped
		args = append(args, r.maxPerRecipient)
	}

	var id int64
	err := r.db.Pool.QueryRow(ctx, q, args...).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, pgx.ErrNoRows):
		return 0, fmt.Errorf("recipient %s: %w", m.RecipientID, errs.ErrQueueFull)
	case isUniqueViolation(err):
		return 0, nil
	default:
		return 0, fmt.Errorf("enqueue: %w", err)
	}
}

// Drain locks the recipient's rows, hands them to deliver in sent_at order and
// deletes the delivered ones before commit. If the delete or commit fails the
// rows stay and will be delivered again on the next drain.
func (r *PendingRepo) Drain(
	ctx context.Context, recipientID string, deliver repository.DeliverFunc,
) (res model.DrainResult, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.DrainResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = fmt.Errorf("commit drain: %w", e)
		}
	}()

	const sel = `
SELECT id, message_id, sender_id, sender_username, recipient_id, content, encrypted_content, iv, message_type, sent_at
FROM pending_messages WHERE recipient_id=$1
ORDER BY sent_at ASC, id ASC
FOR UPDATE`
	rows, err := tx.Query(ctx, sel, recipientID)
	if err != nil {
		return model.DrainResult{}, fmt.Errorf("select pending: %w", err)
	}
	var pending []model.PendingMessage
	for rows.Next() {
		var p model.PendingMessage
		if err = rows.Scan(&p.ID, &p.MessageID, &p.SenderID, &p.SenderUsername, &p.RecipientID,
			&p.Content, &p.EncryptedContent, &p.IV, &p.MessageType, &p.SentAt); err != nil {
			rows.Close()
			return model.DrainResult{}, fmt.Errorf("scan pending: %w", err)
		}
		pending = append(pending, p)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return model.DrainResult{}, fmt.Errorf("select pending: %w", err)
	}

	delivered := make([]int64, 0, len(pending))
	for _, p := range pending {
		if derr := deliver(p); derr != nil {
			res.Failed++
			continue
		}
		delivered = append(delivered, p.ID)
		res.Delivered++
	}
	if len(delivered) == 0 {
		return res, nil
	}

	const del = `DELETE FROM pending_messages WHERE recipient_id=$1 AND id = ANY($2)`
	if _, err = tx.Exec(ctx, del, recipientID, delivered); err != nil {
		return res, fmt.Errorf("delete drained: %w", err)
	}
	return res, nil
}

// PurgeExpired deletes rows older than cutoff.
func (r *PendingRepo) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM pending_messages WHERE sent_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

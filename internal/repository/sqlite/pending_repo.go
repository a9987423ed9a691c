package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/and161185/goph-relay/internal/errs"
	"github.com/and161185/goph-relay/internal/model"
	"github.com/and161185/goph-relay/internal/repository"
)

// PendingRepo implements PendingRepository on SQLite. sent_at is stored as
// Unix nanoseconds.
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
func (r *PendingRepo) Enqueue(ctx context.Context, m model.PendingMessage) (int64, error) {
	const q = `
INSERT INTO pending_messages
  (message_id, sender_id, sender_username, recipient_id, content, encrypted_content, iv, message_type, sent_at)
SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
WHERE ? <= 0 OR (SELECT count(*) FROM pending_messages WHERE recipient_id = ?) < ?`

	res, err := r.db.conn.ExecContext(ctx, q,
		m.MessageID.String(), m.SenderID, m.SenderUsername, m.RecipientID,
		m.Content, m.EncryptedContent, m.IV, m.MessageType, m.SentAt.UnixNano(),
		r.maxPerRecipient, m.RecipientID, r.maxPerRecipient,
	)
	if err != nil {
		if isConstraint(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("recipient %s: %w", m.RecipientID, errs.ErrQueueFull)
	}
	return res.LastInsertId()
}

// Drain reads the recipient's rows in sent_at order, hands them to deliver and
// deletes the delivered ones. Callers serialise drains per recipient.
func (r *PendingRepo) Drain(ctx context.Context, recipientID string, deliver repository.DeliverFunc) (model.DrainResult, error) {
	pending, err := r.list(ctx, recipientID)
	if err != nil {
		return model.DrainResult{}, err
	}

	var res model.DrainResult
	delivered := make([]any, 0, len(pending)+1)
	delivered = append(delivered, recipientID)
	for _, p := range pending {
		if derr := deliver(p); derr != nil {
			res.Failed++
			continue
		}
		delivered = append(delivered, p.ID)
		res.Delivered++
	}
	if res.Delivered == 0 {
		return res, nil
	}

	q := `DELETE FROM pending_messages WHERE recipient_id = ? AND id IN (?` +
		strings.Repeat(",?", res.Delivered-1) + `)`
	if _, err := r.db.conn.ExecContext(ctx, q, delivered...); err != nil {
		return res, fmt.Errorf("delete drained: %w", err)
	}
	return res, nil
}

func (r *PendingRepo) list(ctx context.Context, recipientID string) ([]model.PendingMessage, error) {
	const q = `
SELECT id, message_id, sender_id, sender_username, recipient_id, content, encrypted_content, iv, message_type, sent_at
FROM pending_messages WHERE recipient_id = ?
ORDER BY sent_at ASC, id ASC`
	rows, err := r.db.conn.QueryContext(ctx, q, recipientID)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()

	var out []model.PendingMessage
	for rows.Next() {
		var (
			p      model.PendingMessage
			msgID  string
			sentAt int64
		)
		if err := rows.Scan(&p.ID, &msgID, &p.SenderID, &p.SenderUsername, &p.RecipientID,
			&p.Content, &p.EncryptedContent, &p.IV, &p.MessageType, &sentAt); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		if p.MessageID, err = uuid.FromString(msgID); err != nil {
			return nil, fmt.Errorf("pending %d: bad message id: %w", p.ID, err)
		}
		p.SentAt = time.Unix(0, sentAt).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// PurgeExpired deletes rows older than cutoff.
func (r *PendingRepo) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.conn.ExecContext(ctx, `DELETE FROM pending_messages WHERE sent_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge pending: %w", err)
	}
	return res.RowsAffected()
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/goph-relay/internal/errs"
	"github.com/and161185/goph-relay/internal/model"
)

func pending(recipient, content string, at time.Time) model.PendingMessage {
	return model.PendingMessage{
		MessageID:   uuid.Must(uuid.NewV4()),
		SenderID:    "alice",
		RecipientID: recipient,
		Content:     content,
		MessageType: model.DefaultMessageType,
		SentAt:      at,
	}
}

func TestPendingRepo_DrainOrderAndEmpty(t *testing.T) {
	t.Parallel()

	r := NewPendingRepo(0)
	ctx := context.Background()
	base := time.Now()

	_, err := r.Enqueue(ctx, pending("bob", "second", base.Add(time.Second)))
	require.NoError(t, err)
	_, err = r.Enqueue(ctx, pending("bob", "first", base))
	require.NoError(t, err)
	_, err = r.Enqueue(ctx, pending("carol", "other", base))
	require.NoError(t, err)

	var got []string
	res, err := r.Drain(ctx, "bob", func(m model.PendingMessage) error {
		got = append(got, m.Content)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, model.DrainResult{Delivered: 2}, res)
	require.Equal(t, []string{"first", "second"}, got)
	require.Equal(t, 0, r.Count("bob"))
	require.Equal(t, 1, r.Count("carol"))
}

func TestPendingRepo_FailedRowsStayQueued(t *testing.T) {
	t.Parallel()

	r := NewPendingRepo(0)
	ctx := context.Background()
	now := time.Now()
	for i, c := range []string{"a", "b", "c"} {
		_, err := r.Enqueue(ctx, pending("bob", c, now.Add(time.Duration(i)*time.Millisecond)))
		require.NoError(t, err)
	}

	res, err := r.Drain(ctx, "bob", func(m model.PendingMessage) error {
		if m.Content == "b" {
			return errors.New("push failed")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, model.DrainResult{Delivered: 2, Failed: 1}, res)
	require.Equal(t, 1, r.Count("bob"))

	var again []string
	_, err = r.Drain(ctx, "bob", func(m model.PendingMessage) error {
		again = append(again, m.Content)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, again)
}

func TestPendingRepo_Cap(t *testing.T) {
	t.Parallel()

	r := NewPendingRepo(2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := r.Enqueue(ctx, pending("bob", "x", time.Now()))
		require.NoError(t, err)
	}
	_, err := r.Enqueue(ctx, pending("bob", "x", time.Now()))
	require.ErrorIs(t, err, errs.ErrQueueFull)

	_, err = r.Enqueue(ctx, pending("carol", "x", time.Now()))
	require.NoError(t, err)
}

func TestPendingRepo_PurgeExpired(t *testing.T) {
	t.Parallel()

	r := NewPendingRepo(0)
	ctx := context.Background()
	now := time.Now()
	_, _ = r.Enqueue(ctx, pending("bob", "old", now.Add(-48*time.Hour)))
	_, _ = r.Enqueue(ctx, pending("bob", "new", now))
	_, _ = r.Enqueue(ctx, pending("carol", "old", now.Add(-25*time.Hour)))

	n, err := r.PurgeExpired(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Equal(t, 1, r.Count("bob"))
	require.Equal(t, 0, r.Count("carol"))
}

func TestPendingRepo_EmptyDrain(t *testing.T) {
	t.Parallel()

	r := NewPendingRepo(0)
	calls := 0
	res, err := r.Drain(context.Background(), "nobody", func(model.PendingMessage) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, calls)
	require.Equal(t, model.DrainResult{}, res)
}

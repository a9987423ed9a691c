package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/goph-relay/internal/errs"
	"github.com/and161185/goph-relay/internal/metrics"
	"github.com/and161185/goph-relay/internal/model"
	"github.com/and161185/goph-relay/internal/protocol"
	"github.com/and161185/goph-relay/internal/registry"
	"github.com/and161185/goph-relay/internal/repository"
)

// Outcome is the result of a single Deliver call.
type Outcome int

// Deliver outcomes.
const (
	Delivered Outcome = iota + 1
	Pending
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return metrics.OutcomeDelivered
	case Pending:
		return metrics.OutcomePending
	default:
		return metrics.OutcomeFailed
	}
}

// Dispatcher routes messages to a live recipient or the pending store.
// Registration+drain and lookup+push/enqueue for the same user are serialised,
// so a message is never left queued while its recipient is live.
type Dispatcher struct {
	reg          *registry.Registry
	store        repository.PendingRepository
	locks        keyLock
	drainTimeout time.Duration
	log          *zap.Logger
	metrics      *metrics.Metrics
}

// NewDispatcher constructs a dispatcher. A nil store runs the relay live-only.
func NewDispatcher(reg *registry.Registry, store repository.PendingRepository, drainTimeout time.Duration, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	if drainTimeout <= 0 {
		drainTimeout = DefaultConfig().DrainPushTimeout
	}
	return &Dispatcher{reg: reg, store: store, drainTimeout: drainTimeout, log: log, metrics: m}
}

// Durable reports whether offline messages can be queued.
func (d *Dispatcher) Durable() bool { return d.store != nil }

// Deliver pushes msg to its recipient if registered, otherwise queues it, and
// acknowledges the outcome to sender (which may be nil).
func (d *Dispatcher) Deliver(ctx context.Context, msg model.Message, sender registry.Handle) (Outcome, error) {
	unlock := d.locks.Lock(msg.RecipientID)
	defer unlock()

	if h, ok := d.reg.Lookup(msg.RecipientID); ok {
		live := msg
		live.Delivered = true
		err := push(h, protocol.EventReceiveMessage, protocol.NewMessagePacket(live, false))
		if err == nil {
			d.reply(sender, protocol.EventMessageDelivered, protocol.AckFor(msg, true))
			d.metrics.Message(metrics.OutcomeDelivered)
			return Delivered, nil
		}
		d.log.Debug("live push failed, queueing",
			zap.String("recipient", msg.RecipientID),
			zap.String("handle", h.ID()),
			zap.Error(err),
		)
	}

	if d.store == nil {
		d.fail(sender, msg, protocol.CodeStoreUnavailable, "recipient is offline and messages cannot be queued")
		return Failed, errs.ErrStoreUnavailable
	}

	if _, err := d.store.Enqueue(ctx, msg.ToPending()); err != nil {
		if errors.Is(err, errs.ErrQueueFull) {
			d.fail(sender, msg, protocol.CodeQueueFull, "recipient has too many pending messages")
			return Failed, err
		}
		d.log.Error("enqueue pending", zap.String("recipient", msg.RecipientID), zap.Error(err))
		d.fail(sender, msg, protocol.CodeStoreUnavailable, "message could not be queued")
		return Failed, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}

	d.reply(sender, protocol.EventMessagePending, protocol.AckFor(msg, false))
	d.metrics.Message(metrics.OutcomePending)
	return Pending, nil
}

// Activate registers h as the live handle for userID and drains its backlog
// before any concurrent Deliver for the same user can proceed.
func (d *Dispatcher) Activate(ctx context.Context, userID string, h registry.Handle) (model.DrainResult, error) {
	unlock := d.locks.Lock(userID)
	defer unlock()

	if prev := d.reg.Register(userID, h); prev != nil && prev.ID() != h.ID() {
		d.log.Info("registration replaced",
			zap.String("user", userID),
			zap.String("old_handle", prev.ID()),
			zap.String("new_handle", h.ID()),
		)
	}
	d.metrics.SetRegistered(d.reg.Len())

	return d.drainLocked(ctx, userID, h)
}

// DrainPending pushes every queued message for userID to h.
func (d *Dispatcher) DrainPending(ctx context.Context, userID string, h registry.Handle) (model.DrainResult, error) {
	unlock := d.locks.Lock(userID)
	defer unlock()
	return d.drainLocked(ctx, userID, h)
}

func (d *Dispatcher) drainLocked(ctx context.Context, userID string, h registry.Handle) (model.DrainResult, error) {
	if d.store == nil {
		return model.DrainResult{}, nil
	}

	// One deadline covers the whole drain; the stripe lock is held meanwhile.
	pctx, cancel := context.WithTimeout(ctx, d.drainTimeout)
	defer cancel()

	var stalled error
	res, err := d.store.Drain(ctx, userID, func(p model.PendingMessage) error {
		if stalled != nil {
			return stalled
		}
		m := p.ToMessage()
		m.Delivered = true
		env, err := protocol.Encode(protocol.EventReceiveMessage, protocol.NewMessagePacket(m, true))
		if err != nil {
			return err
		}
		if err := h.PushWait(pctx, env); err != nil {
			stalled = err
			return err
		}
		if sh, ok := d.reg.Lookup(p.SenderID); ok {
			_ = push(sh, protocol.EventMessageDelivered, protocol.AckFor(m, true))
		}
		return nil
	})
	d.metrics.Drained(res.Delivered)

	if stalled != nil {
		// The rest stays queued for the next connection.
		d.log.Warn("drain stalled, closing connection",
			zap.String("user", userID),
			zap.Int("delivered", res.Delivered),
			zap.Int("kept", res.Failed),
			zap.Error(stalled),
		)
		h.Close()
	}

	if err != nil {
		d.log.Error("drain pending", zap.String("user", userID), zap.Error(err))
		_ = push(h, protocol.EventMessageError, protocol.ErrorPayload{
			Error: "error recovering message history",
			Code:  protocol.CodeDrainFailed,
		})
		return res, err
	}
	if res.Delivered > 0 || res.Failed > 0 {
		d.log.Info("pending drained",
			zap.String("user", userID),
			zap.Int("delivered", res.Delivered),
			zap.Int("kept", res.Failed),
		)
	}
	return res, nil
}

func (d *Dispatcher) reply(sender registry.Handle, event string, v any) {
	if sender == nil {
		return
	}
	_ = push(sender, event, v)
}

func (d *Dispatcher) fail(sender registry.Handle, msg model.Message, code, text string) {
	d.metrics.Message(metrics.OutcomeFailed)
	d.reply(sender, protocol.EventMessageError, protocol.ErrorPayload{
		Error:       text,
		Code:        code,
		MessageID:   msg.ID.String(),
		RecipientID: msg.RecipientID,
	})
}

// push encodes v and enqueues it on h without blocking.
func push(h registry.Handle, event string, v any) error {
	env, err := protocol.Encode(event, v)
	if err != nil {
		return err
	}
	return h.Push(env)
}

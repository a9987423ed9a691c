package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/and161185/goph-relay/internal/errs"
	"github.com/and161185/goph-relay/internal/metrics"
	"github.com/and161185/goph-relay/internal/model"
	"github.com/and161185/goph-relay/internal/protocol"
	"github.com/and161185/goph-relay/internal/registry"
)

type state int

const (
	stateUnauthenticated state = iota
	stateActive
	stateRejected
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateActive:
		return "active"
	case stateRejected:
		return "rejected"
	default:
		return "closed"
	}
}

// Session is one live connection. It implements registry.Handle.
type Session struct {
	id   string
	hub  *Hub
	conn Conn
	ip   string
	log  *zap.Logger

	out        chan protocol.Envelope
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	// pushMu guards closed against concurrent pushes so nothing is enqueued
	// after the writer's final flush.
	pushMu sync.RWMutex
	closed bool

	mu          sync.Mutex
	state       state
	identity    model.Identity
	status      string
	connectedAt time.Time

	sendLimiter *rate.Limiter
	handshake   *time.Timer
}

var _ registry.Handle = (*Session)(nil)

func newSession(h *Hub, conn Conn) *Session {
	id := uuid.Must(uuid.NewV4()).String()
	s := &Session{
		id:          id,
		hub:         h,
		conn:        conn,
		ip:          conn.RemoteAddr(),
		log:         h.log.With(zap.String("conn", id)),
		out:         make(chan protocol.Envelope, h.cfg.OutboundBuffer),
		done:        make(chan struct{}),
		writerDone:  make(chan struct{}),
		status:      model.DefaultStatus,
		connectedAt: time.Now(),
	}
	if h.cfg.SendRate > 0 {
		s.sendLimiter = rate.NewLimiter(h.cfg.SendRate, h.cfg.SendBurst)
	}
	return s
}

// ID returns the connection id (socketId on the wire).
func (s *Session) ID() string { return s.id }

// Identity returns the authenticated identity, zero before register.
func (s *Session) Identity() model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Status returns the last presence status set by the client.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Push enqueues env without blocking. A full buffer closes the session.
func (s *Session) Push(env protocol.Envelope) error {
	s.pushMu.RLock()
	if s.closed {
		s.pushMu.RUnlock()
		return errs.ErrHandleClosed
	}
	select {
	case s.out <- env:
		s.pushMu.RUnlock()
		return nil
	default:
	}
	s.pushMu.RUnlock()

	s.hub.metrics.SlowConsumer()
	s.log.Warn("outbound buffer full, dropping connection", zap.String("user", s.Identity().UserID))
	s.Close()
	return errs.ErrSlowConsumer
}

// PushWait enqueues env, waiting for buffer space until ctx is done.
func (s *Session) PushWait(ctx context.Context, env protocol.Envelope) error {
	s.pushMu.RLock()
	defer s.pushMu.RUnlock()
	if s.closed {
		return errs.ErrHandleClosed
	}
	select {
	case s.out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the session. Buffered envelopes are flushed before the
// transport is closed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.pushMu.Lock()
		s.closed = true
		close(s.done)
		s.pushMu.Unlock()
	})
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	defer func() { _ = s.conn.Close() }()

	failed := false
	send := func(env protocol.Envelope) {
		if failed {
			return
		}
		if err := s.conn.Send(env); err != nil {
			failed = true
			s.log.Debug("send failed", zap.Error(err))
			go s.Close()
		}
	}
	for {
		select {
		case env := <-s.out:
			send(env)
		case <-s.done:
			for {
				select {
				case env := <-s.out:
					send(env)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		env, err := s.conn.Recv()
		if err != nil {
			return
		}
		s.handle(ctx, env)
		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *Session) getState() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st state) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) handle(ctx context.Context, env protocol.Envelope) {
	switch s.getState() {
	case stateUnauthenticated:
		if env.Event != protocol.EventRegister {
			s.log.Debug("event before register ignored", zap.String("event", env.Event))
			return
		}
		var token string
		if in, err := protocol.Decode(env); err == nil {
			token = in.(protocol.Register).Token
		}
		s.register(ctx, token)
	case stateActive:
		in, err := protocol.Decode(env)
		if err != nil {
			s.pushError(protocol.CodeValidation, userText(err), "")
			return
		}
		s.dispatch(ctx, in)
	default:
	}
}

func (s *Session) register(ctx context.Context, token string) {
	id, err := s.hub.auth.Authenticate(ctx, token, s.ip)
	if err != nil {
		code, text := protocol.CodeUnauthorized, "authentication failed"
		switch {
		case errors.Is(err, errs.ErrRateLimited):
			code, text = protocol.CodeRateLimited, "too many failed attempts, try again later"
		case !errors.Is(err, errs.ErrUnauthorized):
			code, text = protocol.CodeInternal, "authentication unavailable"
			s.log.Error("authenticate", zap.Error(err))
		}
		s.hub.metrics.AuthFailure(code)
		s.log.Info("register rejected", zap.String("ip", s.ip), zap.String("code", code))
		s.pushError(code, text, "")
		s.setState(stateRejected)
		s.Close()
		return
	}

	if s.handshake != nil {
		s.handshake.Stop()
	}
	s.mu.Lock()
	s.identity = id
	s.state = stateActive
	s.mu.Unlock()

	res, derr := s.hub.disp.Activate(ctx, id.UserID, s)
	s.log.Info("registered",
		zap.String("user", id.UserID),
		zap.String("ip", s.ip),
		zap.Int("pending_delivered", res.Delivered),
		zap.Bool("drain_failed", derr != nil),
	)

	_ = push(s, protocol.EventSessionReady, protocol.SessionReady{
		UserID:    id.UserID,
		Username:  id.Username,
		Durable:   s.hub.disp.Durable(),
		Delivered: res.Delivered,
	})
}

func (s *Session) dispatch(ctx context.Context, in protocol.Inbound) {
	id := s.Identity()
	switch m := in.(type) {
	case protocol.Register:
		s.log.Debug("repeated register ignored")
	case protocol.SendMessage:
		s.sendMessage(ctx, id, m)
	case protocol.TypingIndicator:
		if h, ok := s.hub.reg.Lookup(m.RecipientID); ok {
			_ = push(h, protocol.EventUserTyping, protocol.UserTyping{
				SenderID:       id.UserID,
				SenderUsername: id.Username,
				IsTyping:       m.IsTyping,
			})
		}
	case protocol.MessageRead:
		if h, ok := s.hub.reg.Lookup(m.SenderID); ok {
			_ = push(h, protocol.EventReadReceipt, protocol.ReadReceipt{
				ReadBy:    id.Username,
				MessageID: m.MessageID,
				ReadAt:    protocol.FormatTime(time.Now()),
			})
		}
	case protocol.SetStatus:
		if m.Status == "" {
			return
		}
		s.mu.Lock()
		s.status = m.Status
		s.mu.Unlock()
		s.hub.presence.BroadcastStatus(id, m.Status)
	case protocol.GetOnlineUsers:
		_ = push(s, protocol.EventOnlineUsersList, s.hub.presence.OnlineUsers())
	case protocol.Unknown:
		s.log.Debug("unknown event ignored", zap.String("event", m.Event))
	}
}

func (s *Session) sendMessage(ctx context.Context, id model.Identity, m protocol.SendMessage) {
	if err := m.Validate(); err != nil {
		s.hub.metrics.Message(metrics.OutcomeInvalid)
		s.pushError(protocol.CodeValidation, userText(err), m.RecipientID)
		return
	}
	if s.sendLimiter != nil && !s.sendLimiter.Allow() {
		s.hub.metrics.Message(metrics.OutcomeThrottled)
		s.pushError(protocol.CodeSendThrottled, "sending too fast", m.RecipientID)
		return
	}

	msgType := m.MessageType
	if msgType == "" {
		msgType = model.DefaultMessageType
	}
	msg := model.Message{
		ID:               uuid.Must(uuid.NewV4()),
		SenderID:         id.UserID,
		SenderUsername:   id.Username,
		RecipientID:      m.RecipientID,
		Content:          m.Content,
		MessageType:      msgType,
		EncryptedContent: m.EncryptedContent,
		IV:               m.IV,
		Timestamp:        time.Now().UTC(),
	}
	outcome, err := s.hub.disp.Deliver(ctx, msg, s)
	if err != nil && !errors.Is(err, errs.ErrQueueFull) {
		s.log.Warn("deliver", zap.String("recipient", msg.RecipientID), zap.Error(err))
	}
	s.log.Debug("message dispatched",
		zap.String("user", id.UserID),
		zap.String("recipient", msg.RecipientID),
		zap.Stringer("outcome", outcome),
	)
}

func (s *Session) pushError(code, text, recipientID string) {
	_ = push(s, protocol.EventMessageError, protocol.ErrorPayload{Error: text, Code: code, RecipientID: recipientID})
}

// userText strips the sentinel prefix from validation errors.
func userText(err error) string {
	return strings.TrimPrefix(err.Error(), errs.ErrValidation.Error()+": ")
}

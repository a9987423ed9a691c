package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/goph-relay/internal/metrics"
	"github.com/and161185/goph-relay/internal/registry"
	"github.com/and161185/goph-relay/internal/repository"
	"github.com/and161185/goph-relay/internal/service"
)

// Hub owns every connection served by this process and the components they share.
type Hub struct {
	cfg      Config
	auth     service.Authenticator
	reg      *registry.Registry
	disp     *Dispatcher
	presence *Presence
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// NewHub wires the relay core. store may be nil for live-only operation;
// m may be nil to disable metrics.
func NewHub(
	cfg Config,
	auth service.Authenticator,
	reg *registry.Registry,
	store repository.PendingRepository,
	m *metrics.Metrics,
	log *zap.Logger,
) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		cfg:      cfg,
		auth:     auth,
		reg:      reg,
		disp:     NewDispatcher(reg, store, cfg.DrainPushTimeout, m, log),
		presence: NewPresence(reg, m, log),
		metrics:  m,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Dispatcher exposes the delivery component.
func (h *Hub) Dispatcher() *Dispatcher { return h.disp }

// Presence exposes the presence broadcaster.
func (h *Hub) Presence() *Presence { return h.presence }

// Serve runs the protocol on conn until the peer disconnects, the session is
// closed or ctx is cancelled. It owns conn and always closes it.
func (h *Hub) Serve(ctx context.Context, conn Conn) error {
	s := newSession(h, conn)
	if !h.track(s) {
		_ = conn.Close()
		return ErrShuttingDown
	}
	defer h.untrack(s)

	h.metrics.SessionOpened()
	defer h.metrics.SessionClosed()

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	if h.cfg.HandshakeTimeout > 0 {
		s.handshake = time.AfterFunc(h.cfg.HandshakeTimeout, func() {
			if s.getState() == stateUnauthenticated {
				s.log.Info("handshake timeout", zap.String("ip", s.ip))
				s.Close()
			}
		})
		defer s.handshake.Stop()
	}

	go s.writeLoop()
	s.readLoop(ctx)

	s.Close()
	h.finish(s)
	<-s.writerDone
	return nil
}

// finish runs the Closed transition: compare-and-delete, then offline
// broadcast only if this connection was still the registered one.
func (h *Hub) finish(s *Session) {
	wasActive := s.getState() == stateActive
	s.setState(stateClosed)
	if !wasActive {
		return
	}
	id := s.Identity()
	if !h.reg.Unregister(id.UserID, s) {
		s.log.Debug("stale connection closed", zap.String("user", id.UserID))
		return
	}
	h.metrics.SetRegistered(h.reg.Len())
	h.presence.BroadcastOffline(id)
	s.log.Info("user offline", zap.String("user", id.UserID))
}

func (h *Hub) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions[s.id] = s
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	h.wg.Done()
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown stops accepting connections, closes all sessions and waits for
// them to finish or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

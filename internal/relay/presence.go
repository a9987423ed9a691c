package relay

import (
	"time"

	"go.uber.org/zap"

	"github.com/and161185/goph-relay/internal/metrics"
	"github.com/and161185/goph-relay/internal/model"
	"github.com/and161185/goph-relay/internal/protocol"
	"github.com/and161185/goph-relay/internal/registry"
)

// Presence fans status changes out to every registered connection.
// There is no contact filtering: all users see all presence events.
type Presence struct {
	reg     *registry.Registry
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewPresence constructs a broadcaster over reg.
func NewPresence(reg *registry.Registry, m *metrics.Metrics, log *zap.Logger) *Presence {
	return &Presence{reg: reg, log: log, metrics: m, now: time.Now}
}

// BroadcastStatus sends user-status-changed to every registered session,
// including the originator. It returns the number of successful pushes.
func (p *Presence) BroadcastStatus(id model.Identity, status string) int {
	p.metrics.Broadcast("status")
	return p.fanOut(protocol.EventUserStatusChanged, protocol.StatusChanged{
		UserID:    id.UserID,
		Username:  id.Username,
		Status:    status,
		Timestamp: protocol.FormatTime(p.now()),
	})
}

// BroadcastOffline sends user-went-offline to every registered session.
func (p *Presence) BroadcastOffline(id model.Identity) int {
	p.metrics.Broadcast("offline")
	return p.fanOut(protocol.EventUserWentOffline, protocol.WentOffline{
		UserID:    id.UserID,
		Username:  id.Username,
		Timestamp: protocol.FormatTime(p.now()),
	})
}

// OnlineUsers returns a snapshot of registered users.
func (p *Presence) OnlineUsers() []protocol.OnlineUser {
	snap := p.reg.Snapshot()
	out := make([]protocol.OnlineUser, 0, len(snap))
	for _, e := range snap {
		out = append(out, protocol.OnlineUser{UserID: e.UserID, SocketID: e.HandleID})
	}
	return out
}

func (p *Presence) fanOut(event string, v any) int {
	env, err := protocol.Encode(event, v)
	if err != nil {
		p.log.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return 0
	}
	n := 0
	for _, h := range p.reg.Handles() {
		if err := h.Push(env); err == nil {
			n++
		}
	}
	return n
}

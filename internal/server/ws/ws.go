// Package ws exposes the relay protocol over WebSocket text frames.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/goph-relay/internal/clientip"
	"github.com/and161185/goph-relay/internal/protocol"
	"github.com/and161185/goph-relay/internal/relay"
)

// Options tunes the WebSocket endpoint.
type Options struct {
	// AllowedOrigin restricts the Origin header. Empty or "*" accepts any origin.
	AllowedOrigin string
	// ReadLimit caps one inbound frame in bytes.
	ReadLimit int64
	// PingInterval must be shorter than PongWait.
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	// TrustedProxyHops is the number of reverse proxies in front of the
	// endpoint. Zero ignores X-Forwarded-For.
	TrustedProxyHops int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		AllowedOrigin: "*",
		ReadLimit:     64 << 10,
		PingInterval:  25 * time.Second,
		PongWait:      60 * time.Second,
		WriteWait:     10 * time.Second,
	}
}

// Handler upgrades HTTP requests and hands the connection to the hub.
type Handler struct {
	hub      *relay.Hub
	opts     Options
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler constructs the /ws handler.
func NewHandler(hub *relay.Hub, opts Options, log *zap.Logger) *Handler {
	d := DefaultOptions()
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = d.ReadLimit
	}
	if opts.PongWait <= 0 {
		opts.PongWait = d.PongWait
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait * 9 / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = d.WriteWait
	}
	h := &Handler{hub: hub, opts: opts, log: log}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	allowed := h.opts.AllowedOrigin
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || strings.EqualFold(origin, allowed)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := ClientIP(r, h.opts.TrustedProxyHops)
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}
	conn := newConn(c, ip, h.opts)
	go conn.keepalive()
	if err := h.hub.Serve(r.Context(), conn); errors.Is(err, relay.ErrShuttingDown) {
		h.log.Debug("ws rejected during shutdown", zap.String("ip", ip))
	}
}

// ClientIP resolves the caller address behind trustedHops proxies.
func ClientIP(r *http.Request, trustedHops int) string {
	return clientip.Resolve(r.Header.Values("X-Forwarded-For"), r.RemoteAddr, trustedHops)
}

// Conn adapts a gorilla connection to relay.Conn.
type Conn struct {
	ws   *websocket.Conn
	ip   string
	opts Options

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

var _ relay.Conn = (*Conn)(nil)

func newConn(c *websocket.Conn, ip string, opts Options) *Conn {
	c.SetReadLimit(opts.ReadLimit)
	_ = c.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	return &Conn{ws: c, ip: ip, opts: opts, closed: make(chan struct{})}
}

// Recv reads the next text frame. Binary frames and non-JSON text are
// surfaced as an envelope with an empty event, which the relay ignores.
func (c *Conn) Recv() (protocol.Envelope, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, err
		}
		if typ != websocket.TextMessage {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return protocol.Envelope{}, nil
		}
		return env, nil
	}
}

// Send writes env as one text frame.
func (c *Conn) Send(env protocol.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Close sends a normal close frame and tears the socket down.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
		err = c.ws.Close()
	})
	return err
}

// RemoteAddr returns the resolved client IP.
func (c *Conn) RemoteAddr() string { return c.ip }

func (c *Conn) keepalive() {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				return
			}
		}
	}
}

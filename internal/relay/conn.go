// Package relay implements the presence-aware message relay: per-connection
// session state machines, live delivery with store-and-forward fallback,
// pending drain on registration and presence fan-out.
package relay

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/and161185/goph-relay/internal/protocol"
)

// ErrShuttingDown is returned by Serve once the hub stopped accepting connections.
var ErrShuttingDown = errors.New("relay: shutting down")

// Conn is a framed, bidirectional transport connection.
// Recv is called from one goroutine and Send from another.
type Conn interface {
	// Recv blocks until the next envelope arrives. It returns an error once
	// the peer disconnects or Close is called.
	Recv() (protocol.Envelope, error)
	// Send writes one envelope.
	Send(env protocol.Envelope) error
	// Close tears the connection down.
	Close() error
	// RemoteAddr is the client IP used for logging and rate limiting.
	RemoteAddr() string
}

// Config tunes per-connection behaviour.
type Config struct {
	// HandshakeTimeout closes connections that never complete register. Zero disables it.
	HandshakeTimeout time.Duration
	// OutboundBuffer is the per-connection queue length; overflow drops the connection.
	OutboundBuffer int
	// DrainPushTimeout bounds a whole drain. The first push that misses it
	// stops the drain and closes the connection.
	DrainPushTimeout time.Duration
	// SendRate and SendBurst throttle send-message per connection. Zero rate disables it.
	SendRate  rate.Limit
	SendBurst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		OutboundBuffer:   256,
		DrainPushTimeout: 5 * time.Second,
		SendRate:         20,
		SendBurst:        40,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = d.OutboundBuffer
	}
	if c.DrainPushTimeout <= 0 {
		c.DrainPushTimeout = d.DrainPushTimeout
	}
	if c.SendRate > 0 && c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	return c
}

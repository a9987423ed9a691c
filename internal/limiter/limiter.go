// Package limiter defines interfaces and implementations for register (handshake)
// rate limiting by client address.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter controls handshake attempts and temporary lockouts per client IP.
type Limiter interface {
	// Allow reports whether a register attempt is currently allowed and optional retry-after.
	Allow(ctx context.Context, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful register.
	Success(ctx context.Context, ipHash []byte) error
	// Failure records a rejected token; may place a temporary block.
	Failure(ctx context.Context, ipHash []byte) (bool, time.Duration, error)
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

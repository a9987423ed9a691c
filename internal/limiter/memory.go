package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type attempts struct {
	fails        int
	windowStart  time.Time
	blockedUntil time.Time
}

// Memory is an in-process limiter. Entries expire after the window plus the
// block duration, and the LRU bounds memory under address churn.
type Memory struct {
	mu       sync.Mutex
	entries  *expirable.LRU[string, *attempts]
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

// NewMemory constructs an in-process limiter tracking at most size addresses.
func NewMemory(size int, window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{
		entries:  expirable.NewLRU[string, *attempts](size, nil, window+blockFor),
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
	}
}

// Allow reports whether a register attempt is allowed and a retry-after duration.
func (l *Memory) Allow(_ context.Context, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.entries.Get(string(ipHash))
	if !ok {
		return true, 0, nil
	}
	if now := l.now(); a.blockedUntil.After(now) {
		return false, a.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success forgets the address.
func (l *Memory) Success(_ context.Context, ipHash []byte) error {
	l.mu.Lock()
	l.entries.Remove(string(ipHash))
	l.mu.Unlock()
	return nil
}

// Failure records a rejected token; may block the address for blockFor.
func (l *Memory) Failure(_ context.Context, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := string(ipHash)
	a, ok := l.entries.Get(key)
	if !ok || now.Sub(a.windowStart) > l.window {
		a = &attempts{windowStart: now}
	}
	a.fails++
	blocked := a.fails >= l.maxFails
	if blocked {
		a.blockedUntil = now.Add(l.blockFor)
	}
	l.entries.Add(key, a)
	if blocked {
		return true, l.blockFor, nil
	}
	return false, 0, nil
}

// Package registry maps user IDs to the single live connection that may
// receive events for them.
package registry

import (
	"context"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/and161185/goph-relay/internal/protocol"
)

const shardCount = 32

// Handle is a live, addressable connection.
type Handle interface {
	// ID is unique per connection and stable for its lifetime.
	ID() string
	// Push enqueues env without blocking. It fails once the handle is closed
	// or when its outbound buffer is full.
	Push(env protocol.Envelope) error
	// PushWait enqueues env, waiting for buffer space until ctx is done.
	PushWait(ctx context.Context, env protocol.Envelope) error
	// Close terminates the connection. Safe to call more than once.
	Close()
}

// Entry is one point-in-time registry record.
type Entry struct {
	UserID   string
	HandleID string
}

type shard struct {
	mu sync.RWMutex
	m  map[string]Handle
}

// Registry is a sharded userID -> Handle map. At most one handle per user.
type Registry struct {
	shards [shardCount]*shard
}

// New constructs an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{m: make(map[string]Handle)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	return r.shards[murmur3.Sum32([]byte(userID))%shardCount]
}

// Register makes h the live handle for userID, replacing any previous one.
// The replaced handle, if any, is returned and left open.
func (r *Registry) Register(userID string, h Handle) Handle {
	s := r.shardFor(userID)
	s.mu.Lock()
	prev := s.m[userID]
	s.m[userID] = h
	s.mu.Unlock()
	return prev
}

// Lookup returns the live handle for userID.
func (r *Registry) Lookup(userID string) (Handle, bool) {
	s := r.shardFor(userID)
	s.mu.RLock()
	h, ok := s.m[userID]
	s.mu.RUnlock()
	return h, ok
}

// Unregister removes userID only while it still maps to h.
// It reports whether an entry was removed; a stale handle is a no-op.
func (r *Registry) Unregister(userID string, h Handle) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[userID]
	if !ok || cur.ID() != h.ID() {
		return false
	}
	delete(s.m, userID)
	return true
}

// Snapshot returns every registered (userID, handleID) pair, unordered.
func (r *Registry) Snapshot() []Entry {
	out := make([]Entry, 0, r.Len())
	for _, s := range r.shards {
		s.mu.RLock()
		for uid, h := range s.m {
			out = append(out, Entry{UserID: uid, HandleID: h.ID()})
		}
		s.mu.RUnlock()
	}
	return out
}

// Handles returns a copy of all registered handles for fan-out.
func (r *Registry) Handles() []Handle {
	out := make([]Handle, 0, r.Len())
	for _, s := range r.shards {
		s.mu.RLock()
		for _, h := range s.m {
			out = append(out, h)
		}
		s.mu.RUnlock()
	}
	return out
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

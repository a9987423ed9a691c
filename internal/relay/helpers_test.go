package relay

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/goph-relay/internal/model"
	"github.com/and161185/goph-relay/internal/protocol"
	"github.com/and161185/goph-relay/internal/registry"
	"github.com/and161185/goph-relay/internal/repository"
	"github.com/and161185/goph-relay/internal/service"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

const waitTimeout = 2 * time.Second

// pipeConn is an in-memory Conn; the test plays the client side.
type pipeConn struct {
	in     chan protocol.Envelope
	out    chan protocol.Envelope
	closed chan struct{}
	once   sync.Once
	ip     string
}

func newPipeConn(ip string) *pipeConn {
	return &pipeConn{
		in:     make(chan protocol.Envelope, 64),
		out:    make(chan protocol.Envelope, 1024),
		closed: make(chan struct{}),
		ip:     ip,
	}
}

func (c *pipeConn) Recv() (protocol.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return protocol.Envelope{}, io.EOF
	}
}

func (c *pipeConn) Send(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- env:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) RemoteAddr() string { return c.ip }

func (c *pipeConn) emit(t *testing.T, event string, v any) {
	t.Helper()
	env, err := protocol.Encode(event, v)
	require.NoError(t, err)
	c.in <- env
}

// waitFor returns the next envelope with the given event, skipping others.
func (c *pipeConn) waitFor(t *testing.T, event string) protocol.Envelope {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case env := <-c.out:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %q", event)
		}
	}
}

// never asserts that no envelope with event arrives within d.
func (c *pipeConn) never(t *testing.T, event string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case env := <-c.out:
			if env.Event == event {
				t.Fatalf("unexpected %q: %s", event, env.Data)
			}
		case <-deadline:
			return
		}
	}
}

func (c *pipeConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(waitTimeout):
		t.Fatalf("connection was not closed")
	}
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

type testRelay struct {
	t   *testing.T
	hub *Hub
	ctx context.Context
}

func newTestRelay(t *testing.T, store repository.PendingRepository, cfg Config) *testRelay {
	t.Helper()
	auth, err := service.NewAuthService(testKey, 0, nil)
	require.NoError(t, err)
	return newTestRelayWithAuth(t, store, cfg, auth)
}

func newTestRelayWithAuth(t *testing.T, store repository.PendingRepository, cfg Config, auth service.Authenticator) *testRelay {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(cfg, auth, registry.New(), store, nil, zaptest.NewLogger(t))
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), waitTimeout)
		defer scancel()
		_ = hub.Shutdown(sctx)
	})
	return &testRelay{t: t, hub: hub, ctx: ctx}
}

func (r *testRelay) dial() *pipeConn {
	c := newPipeConn("127.0.0.1")
	go func() { _ = r.hub.Serve(r.ctx, c) }()
	return c
}

func (r *testRelay) token(userID string) string {
	r.t.Helper()
	tok, err := service.IssueToken(testKey, model.Identity{UserID: userID, Username: "name-" + userID}, time.Hour)
	require.NoError(r.t, err)
	return tok.AccessToken
}

// connect dials, registers userID and waits for session-ready.
func (r *testRelay) connect(userID string) (*pipeConn, protocol.SessionReady) {
	r.t.Helper()
	c := r.dial()
	c.emit(r.t, protocol.EventRegister, r.token(userID))
	ready := decode[protocol.SessionReady](r.t, c.waitFor(r.t, protocol.EventSessionReady))
	return c, ready
}

func (r *testRelay) waitRegistered(userID, handleID string) {
	r.t.Helper()
	require.Eventually(r.t, func() bool {
		h, ok := r.hub.reg.Lookup(userID)
		return ok && (handleID == "" || h.ID() == handleID)
	}, waitTimeout, 5*time.Millisecond)
}

func (r *testRelay) waitUnregistered(userID string) {
	r.t.Helper()
	require.Eventually(r.t, func() bool {
		_, ok := r.hub.reg.Lookup(userID)
		return !ok
	}, waitTimeout, 5*time.Millisecond)
}

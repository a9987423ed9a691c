package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/goph-relay/internal/errs"
	"github.com/and161185/goph-relay/internal/model"
	"github.com/and161185/goph-relay/internal/protocol"
	"github.com/and161185/goph-relay/internal/registry"
	"github.com/and161185/goph-relay/internal/repository/memory"
)

type recordingHandle struct {
	id string

	mu     sync.Mutex
	got    []protocol.Envelope
	closed bool
}

func newRecordingHandle() *recordingHandle {
	return &recordingHandle{id: uuid.Must(uuid.NewV4()).String()}
}

func (h *recordingHandle) ID() string { return h.id }

func (h *recordingHandle) Push(env protocol.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errs.ErrHandleClosed
	}
	h.got = append(h.got, env)
	return nil
}

func (h *recordingHandle) PushWait(_ context.Context, env protocol.Envelope) error {
	return h.Push(env)
}

func (h *recordingHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *recordingHandle) events(event string) []protocol.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range h.got {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func newMessage(from, to, content string) model.Message {
	return model.Message{
		ID:          uuid.Must(uuid.NewV4()),
		SenderID:    from,
		RecipientID: to,
		Content:     content,
		MessageType: model.DefaultMessageType,
		Timestamp:   time.Now().UTC(),
	}
}

func TestDispatcher_DeliverLiveAndPending(t *testing.T) {
	reg := registry.New()
	store := memory.NewPendingRepo(0)
	d := NewDispatcher(reg, store, time.Second, nil, zaptest.NewLogger(t))
	sender, bob := newRecordingHandle(), newRecordingHandle()

	out, err := d.Deliver(context.Background(), newMessage("alice", "bob", "x"), sender)
	require.NoError(t, err)
	require.Equal(t, Pending, out)
	require.Len(t, sender.events(protocol.EventMessagePending), 1)
	require.Equal(t, 1, store.Count("bob"))

	res, err := d.Activate(context.Background(), "bob", bob)
	require.NoError(t, err)
	require.Equal(t, 1, res.Delivered)
	require.Len(t, bob.events(protocol.EventReceiveMessage), 1)

	out, err = d.Deliver(context.Background(), newMessage("alice", "bob", "y"), sender)
	require.NoError(t, err)
	require.Equal(t, Delivered, out)
	require.Len(t, bob.events(protocol.EventReceiveMessage), 2)
	require.Len(t, sender.events(protocol.EventMessageDelivered), 1)
}

func TestDispatcher_ClosedHandleFallsBackToStore(t *testing.T) {
	reg := registry.New()
	store := memory.NewPendingRepo(0)
	d := NewDispatcher(reg, store, time.Second, nil, zaptest.NewLogger(t))

	bob := newRecordingHandle()
	reg.Register("bob", bob)
	bob.Close()

	out, err := d.Deliver(context.Background(), newMessage("alice", "bob", "x"), nil)
	require.NoError(t, err)
	require.Equal(t, Pending, out)
	require.Equal(t, 1, store.Count("bob"))
}

func TestDispatcher_FailedDrainPushStaysQueued(t *testing.T) {
	reg := registry.New()
	store := memory.NewPendingRepo(0)
	d := NewDispatcher(reg, store, time.Second, nil, zaptest.NewLogger(t))

	_, err := d.Deliver(context.Background(), newMessage("alice", "bob", "x"), nil)
	require.NoError(t, err)

	dead := newRecordingHandle()
	dead.Close()
	res, err := d.Activate(context.Background(), "bob", dead)
	require.NoError(t, err)
	require.Equal(t, model.DrainResult{Failed: 1}, res)
	require.Equal(t, 1, store.Count("bob"))

	live := newRecordingHandle()
	res, err = d.Activate(context.Background(), "bob", live)
	require.NoError(t, err)
	require.Equal(t, 1, res.Delivered)
	require.Zero(t, store.Count("bob"))
}

// stuckHandle accepts nothing: PushWait blocks until its context ends.
type stuckHandle struct {
	id      string
	entered chan struct{}
	once    sync.Once

	mu     sync.Mutex
	waits  int
	closed bool
}

func newStuckHandle() *stuckHandle {
	return &stuckHandle{id: uuid.Must(uuid.NewV4()).String(), entered: make(chan struct{})}
}

func (h *stuckHandle) ID() string { return h.id }

func (h *stuckHandle) Push(protocol.Envelope) error { return errs.ErrSlowConsumer }

func (h *stuckHandle) PushWait(ctx context.Context, _ protocol.Envelope) error {
	h.mu.Lock()
	h.waits++
	h.mu.Unlock()
	h.once.Do(func() { close(h.entered) })
	<-ctx.Done()
	return ctx.Err()
}

func (h *stuckHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func sameStripe(t *testing.T, key string) string {
	t.Helper()
	want := murmur3.Sum32([]byte(key)) % lockStripes
	for i := 0; i < 100000; i++ {
		cand := fmt.Sprintf("user-%d", i)
		if cand != key && murmur3.Sum32([]byte(cand))%lockStripes == want {
			return cand
		}
	}
	t.Fatalf("no key shares a stripe with %q", key)
	return ""
}

func TestDispatcher_StalledDrainReleasesStripe(t *testing.T) {
	const queued = 20
	drainTimeout := 100 * time.Millisecond

	reg := registry.New()
	store := memory.NewPendingRepo(0)
	d := NewDispatcher(reg, store, drainTimeout, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < queued; i++ {
		_, err := d.Deliver(ctx, newMessage("alice", "slow", fmt.Sprint(i)), nil)
		require.NoError(t, err)
	}

	neighbour := sameStripe(t, "slow")
	online := newRecordingHandle()
	_, err := d.Activate(ctx, neighbour, online)
	require.NoError(t, err)

	slow := newStuckHandle()
	type result struct {
		res model.DrainResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := d.Activate(ctx, "slow", slow)
		done <- result{res, err}
	}()

	select {
	case <-slow.entered:
	case <-time.After(waitTimeout):
		t.Fatal("drain never reached the stuck handle")
	}

	start := time.Now()
	out, err := d.Deliver(ctx, newMessage("alice", neighbour, "hi"), nil)
	require.NoError(t, err)
	require.Equal(t, Delivered, out)
	require.Less(t, time.Since(start), 5*drainTimeout)
	require.Len(t, online.events(protocol.EventReceiveMessage), 1)

	var r result
	select {
	case r = <-done:
	case <-time.After(waitTimeout):
		t.Fatal("activate did not return")
	}
	require.NoError(t, r.err)
	require.Equal(t, model.DrainResult{Failed: queued}, r.res)
	require.Equal(t, queued, store.Count("slow"))

	slow.mu.Lock()
	defer slow.mu.Unlock()
	require.Equal(t, 1, slow.waits)
	require.True(t, slow.closed)
}

func TestDispatcher_DrainAcksOnlineSender(t *testing.T) {
	reg := registry.New()
	store := memory.NewPendingRepo(0)
	d := NewDispatcher(reg, store, time.Second, nil, zaptest.NewLogger(t))

	_, _ = d.Deliver(context.Background(), newMessage("alice", "bob", "1"), nil)
	_, _ = d.Deliver(context.Background(), newMessage("carol", "bob", "2"), nil)

	alice := newRecordingHandle()
	reg.Register("alice", alice)

	_, err := d.Activate(context.Background(), "bob", newRecordingHandle())
	require.NoError(t, err)
	acks := alice.events(protocol.EventMessageDelivered)
	require.Len(t, acks, 1)
	require.True(t, decode[protocol.Ack](t, acks[0]).Delivered)
}

// Messages racing with repeated re-registration are each handed to bob
// exactly once and none is left queued once bob is live.
func TestDispatcher_NoMessageStrandedDuringRegistration(t *testing.T) {
	reg := registry.New()
	store := memory.NewPendingRepo(0)
	d := NewDispatcher(reg, store, time.Second, nil, zaptest.NewLogger(t))

	const total = 300
	var (
		wg      sync.WaitGroup
		handles []*recordingHandle
		hmu     sync.Mutex
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_, err := d.Deliver(context.Background(), newMessage("alice", "bob", "m"), nil)
			require.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		var prev *recordingHandle
		for i := 0; i < 50; i++ {
			h := newRecordingHandle()
			_, err := d.Activate(context.Background(), "bob", h)
			require.NoError(t, err)
			hmu.Lock()
			handles = append(handles, h)
			hmu.Unlock()
			if prev != nil {
				prev.Close()
				reg.Unregister("bob", prev)
			}
			prev = h
		}
	}()
	wg.Wait()

	final := newRecordingHandle()
	_, err := d.Activate(context.Background(), "bob", final)
	require.NoError(t, err)
	handles = append(handles, final)
	require.Zero(t, store.Count("bob"))

	seen := map[string]int{}
	for _, h := range handles {
		for _, env := range h.events(protocol.EventReceiveMessage) {
			seen[decode[protocol.MessagePacket](t, env).ID]++
		}
	}
	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, "message %s delivered %d times", id, n)
	}
}

func TestSession_PushOverflowAndClose(t *testing.T) {
	r := newTestRelay(t, nil, Config{OutboundBuffer: 1})
	s := newSession(r.hub, newPipeConn("127.0.0.1"))

	env := protocol.Envelope{Event: protocol.EventUserTyping}
	require.NoError(t, s.Push(env))
	require.ErrorIs(t, s.Push(env), errs.ErrSlowConsumer)
	require.ErrorIs(t, s.Push(env), errs.ErrHandleClosed)
	require.ErrorIs(t, s.PushWait(context.Background(), env), errs.ErrHandleClosed)

	s2 := newSession(r.hub, newPipeConn("127.0.0.1"))
	require.NoError(t, s2.Push(env))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s2.PushWait(ctx, env), context.DeadlineExceeded)
}

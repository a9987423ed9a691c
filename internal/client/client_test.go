package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/goph-relay/internal/crypto/e2e"
	"github.com/and161185/goph-relay/internal/limiter"
	"github.com/and161185/goph-relay/internal/model"
	"github.com/and161185/goph-relay/internal/protocol"
	"github.com/and161185/goph-relay/internal/registry"
	"github.com/and161185/goph-relay/internal/relay"
	"github.com/and161185/goph-relay/internal/repository/memory"
	grpcserver "github.com/and161185/goph-relay/internal/server/grpc"
	"github.com/and161185/goph-relay/internal/service"
)

var signKey = []byte("client-test-signing-key-0123456789")

func startRelay(t *testing.T) *grpc.ClientConn {
	t.Helper()
	log := zaptest.NewLogger(t)
	auth, err := service.NewAuthService(signKey, time.Second, limiter.NewMemory(64, time.Minute, 3, time.Minute))
	require.NoError(t, err)
	hub := relay.NewHub(relay.Config{}, auth, registry.New(), memory.NewPendingRepo(0), nil, log)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.ChainStreamInterceptor(grpcserver.RecoverStream(log), grpcserver.ClientIPStream(0)))
	grpcserver.RegisterRelayServer(gs, grpcserver.New(hub, log))
	go func() { _ = gs.Serve(lis) }()

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = cc.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		gs.Stop()
	})
	return cc
}

func tokenFor(t *testing.T, user string) string {
	t.Helper()
	tok, err := service.IssueToken(signKey, model.Identity{UserID: user, Username: user}, time.Hour)
	require.NoError(t, err)
	return tok.AccessToken
}

func connect(t *testing.T, ctx context.Context, cc *grpc.ClientConn, user string) (*Client, protocol.SessionReady, []protocol.Envelope) {
	t.Helper()
	c, err := Connect(ctx, cc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	var early []protocol.Envelope
	ready, err := c.Register(tokenFor(t, user), func(env protocol.Envelope) { early = append(early, env) })
	require.NoError(t, err)
	return c, ready, early
}

func TestClient_OfflineThenOnline(t *testing.T) {
	cc := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, ready, _ := connect(t, ctx, cc, "alice")
	require.Equal(t, "alice", ready.UserID)
	require.True(t, ready.Durable)

	require.NoError(t, alice.SendMessage(protocol.SendMessage{RecipientID: "bob", Content: "while you were out"}))
	env, err := alice.Await(protocol.EventMessagePending, nil)
	require.NoError(t, err)
	var ack protocol.Ack
	require.NoError(t, env.Unmarshal(&ack))
	require.False(t, ack.Delivered)

	_, ready, early := connect(t, ctx, cc, "bob")
	require.Equal(t, 1, ready.Delivered)
	require.Len(t, early, 1)
	var pkt protocol.MessagePacket
	require.NoError(t, early[0].Unmarshal(&pkt))
	require.True(t, pkt.IsPending)
	require.Equal(t, "while you were out", pkt.Content)

	env, err = alice.Await(protocol.EventMessageDelivered, nil)
	require.NoError(t, err)
	require.NoError(t, env.Unmarshal(&ack))
	require.Equal(t, pkt.ID, ack.MessageID)
}

func TestClient_EncryptedRoundtripAndReceipts(t *testing.T) {
	cc := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, _, _ := connect(t, ctx, cc, "alice")
	bob, _, _ := connect(t, ctx, cc, "bob")

	root := e2e.DeriveKey([]byte("correct horse"), e2e.DefaultSalt)
	key, err := e2e.ConversationKey(root, "alice", "bob")
	require.NoError(t, err)
	ct, iv, err := e2e.Seal(key, "alice", "bob", []byte("secret"))
	require.NoError(t, err)

	require.NoError(t, alice.Typing("bob", true))
	env, err := bob.Await(protocol.EventUserTyping, nil)
	require.NoError(t, err)
	var typing protocol.UserTyping
	require.NoError(t, env.Unmarshal(&typing))
	require.True(t, typing.IsTyping)

	require.NoError(t, alice.SendMessage(protocol.SendMessage{RecipientID: "bob", EncryptedContent: ct, IV: iv}))
	env, err = bob.Await(protocol.EventReceiveMessage, nil)
	require.NoError(t, err)
	var pkt protocol.MessagePacket
	require.NoError(t, env.Unmarshal(&pkt))
	require.Empty(t, pkt.Content)

	plain, err := e2e.Open(key, pkt.SenderID, pkt.RecipientID, pkt.EncryptedContent, pkt.IV)
	require.NoError(t, err)
	require.Equal(t, "secret", string(plain))

	require.NoError(t, bob.MarkRead(pkt.SenderID, pkt.ID))
	env, err = alice.Await(protocol.EventReadReceipt, nil)
	require.NoError(t, err)
	var rr protocol.ReadReceipt
	require.NoError(t, env.Unmarshal(&rr))
	require.Equal(t, pkt.ID, rr.MessageID)
	require.Equal(t, "bob", rr.ReadBy)
}

func TestClient_StatusAndOnlineUsers(t *testing.T) {
	cc := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, _, _ := connect(t, ctx, cc, "alice")
	bob, _, _ := connect(t, ctx, cc, "bob")

	require.NoError(t, bob.SetStatus("away"))
	env, err := alice.Await(protocol.EventUserStatusChanged, nil)
	require.NoError(t, err)
	var sc protocol.StatusChanged
	require.NoError(t, env.Unmarshal(&sc))
	require.Equal(t, "bob", sc.UserID)
	require.Equal(t, "away", sc.Status)

	list, err := alice.GetOnlineUsers(nil)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, u := range list {
		ids = append(ids, u.UserID)
	}
	require.ElementsMatch(t, []string{"alice", "bob"}, ids)
}

func TestClient_RegisterRejected(t *testing.T) {
	cc := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Connect(ctx, cc)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Register("not-a-jwt", nil)
	require.True(t, errors.Is(err, ErrRejected), "got %v", err)
	require.Contains(t, err.Error(), protocol.CodeUnauthorized)
}

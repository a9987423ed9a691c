// Package grpcserver exposes the relay protocol as a bidirectional gRPC stream.
package grpcserver

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/goph-relay/internal/protocol"
	"github.com/and161185/goph-relay/internal/relay"
)

// Server adapts gRPC streams to relay connections.
type Server struct {
	hub *relay.Hub
	log *zap.Logger
}

var _ RelayServer = (*Server)(nil)

// New constructs a gRPC server over hub.
func New(hub *relay.Hub, log *zap.Logger) *Server {
	return &Server{hub: hub, log: log}
}

// Connect serves one client until either side closes the stream.
func (s *Server) Connect(stream grpc.ServerStream) error {
	err := s.hub.Serve(stream.Context(), newStreamConn(stream, streamClientIP(stream.Context())))
	if errors.Is(err, relay.ErrShuttingDown) {
		return status.Error(codes.Unavailable, "shutting down")
	}
	return nil
}

type recvResult struct {
	env protocol.Envelope
	err error
}

// streamConn implements relay.Conn. RecvMsg is pumped on its own goroutine so
// Close can unblock Recv before the handler returns.
type streamConn struct {
	stream grpc.ServerStream
	ip     string
	recv   chan recvResult
	closed chan struct{}
	once   sync.Once
}

func newStreamConn(stream grpc.ServerStream, ip string) *streamConn {
	c := &streamConn{
		stream: stream,
		ip:     ip,
		recv:   make(chan recvResult),
		closed: make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *streamConn) pump() {
	for {
		var env protocol.Envelope
		err := c.stream.RecvMsg(&env)
		select {
		case c.recv <- recvResult{env: env, err: err}:
		case <-c.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *streamConn) Recv() (protocol.Envelope, error) {
	select {
	case r := <-c.recv:
		return r.env, r.err
	case <-c.closed:
		return protocol.Envelope{}, io.EOF
	}
}

func (c *streamConn) Send(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return status.Error(codes.Canceled, "connection closed")
	default:
	}
	return c.stream.SendMsg(&env)
}

func (c *streamConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *streamConn) RemoteAddr() string { return c.ip }

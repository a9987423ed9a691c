// Package client is a relay client over the gRPC Connect stream.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"

	"github.com/and161185/goph-relay/internal/protocol"
	grpcserver "github.com/and161185/goph-relay/internal/server/grpc"
)

// ErrRejected is returned by Register when the relay answers with message-error.
var ErrRejected = errors.New("client: registration rejected")

// Client owns one Connect stream. Send methods are safe for concurrent use;
// Recv and Await must be called from a single goroutine.
type Client struct {
	stream grpc.ClientStream
	cancel context.CancelFunc

	sendMu sync.Mutex
}

// Connect opens a relay stream on cc. The stream lives until Close or ctx is done.
func Connect(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (*Client, error) {
	ctx, cancel := context.WithCancel(ctx)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(grpcserver.CodecName)}, opts...)
	cs, err := cc.NewStream(ctx, &grpcserver.ServiceDesc.Streams[0], grpcserver.ConnectMethod, opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &Client{stream: cs, cancel: cancel}, nil
}

// Send writes one event.
func (c *Client) Send(event string, v any) error {
	env, err := protocol.Encode(event, v)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(&env)
}

// Recv blocks for the next server event.
func (c *Client) Recv() (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := c.stream.RecvMsg(&env); err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}

// Await reads events until one named event arrives, handing every other
// event to skip (which may be nil).
func (c *Client) Await(event string, skip func(protocol.Envelope)) (protocol.Envelope, error) {
	for {
		env, err := c.Recv()
		if err != nil {
			return protocol.Envelope{}, err
		}
		if env.Event == event {
			return env, nil
		}
		if skip != nil {
			skip(env)
		}
	}
}

// Register authenticates the stream and waits for session-ready. Pending
// messages delivered before session-ready are handed to onEvent.
func (c *Client) Register(token string, onEvent func(protocol.Envelope)) (protocol.SessionReady, error) {
	var ready protocol.SessionReady
	if err := c.Send(protocol.EventRegister, protocol.Register{Token: token}); err != nil {
		return ready, err
	}
	for {
		env, err := c.Recv()
		if err != nil {
			return ready, err
		}
		switch env.Event {
		case protocol.EventSessionReady:
			err := env.Unmarshal(&ready)
			return ready, err
		case protocol.EventMessageError:
			var e protocol.ErrorPayload
			_ = env.Unmarshal(&e)
			// drain_failed still leads to session-ready
			if e.Code == protocol.CodeDrainFailed {
				if onEvent != nil {
					onEvent(env)
				}
				continue
			}
			return ready, fmt.Errorf("%w: %s (%s)", ErrRejected, e.Error, e.Code)
		default:
			if onEvent != nil {
				onEvent(env)
			}
		}
	}
}

// SendMessage asks the relay to deliver m.
func (c *Client) SendMessage(m protocol.SendMessage) error {
	return c.Send(protocol.EventSendMessage, m)
}

// Typing toggles the typing indicator towards recipientID.
func (c *Client) Typing(recipientID string, typing bool) error {
	return c.Send(protocol.EventTypingIndicator, protocol.TypingIndicator{RecipientID: recipientID, IsTyping: typing})
}

// MarkRead sends a read receipt for messageID back to senderID.
func (c *Client) MarkRead(senderID, messageID string) error {
	return c.Send(protocol.EventMessageRead, protocol.MessageRead{SenderID: senderID, MessageID: messageID})
}

// SetStatus broadcasts a presence status.
func (c *Client) SetStatus(status string) error {
	return c.Send(protocol.EventSetStatus, protocol.SetStatus{Status: status})
}

// GetOnlineUsers requests and awaits the online users list.
func (c *Client) GetOnlineUsers(skip func(protocol.Envelope)) ([]protocol.OnlineUser, error) {
	if err := c.Send(protocol.EventGetOnlineUsers, nil); err != nil {
		return nil, err
	}
	env, err := c.Await(protocol.EventOnlineUsersList, skip)
	if err != nil {
		return nil, err
	}
	var list []protocol.OnlineUser
	if err := env.Unmarshal(&list); err != nil {
		return nil, err
	}
	return list, nil
}

// Close half-closes the stream and cancels it.
func (c *Client) Close() error {
	c.sendMu.Lock()
	err := c.stream.CloseSend()
	c.sendMu.Unlock()
	c.cancel()
	return err
}

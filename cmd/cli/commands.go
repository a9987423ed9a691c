package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/and161185/goph-relay/internal/client"
	"github.com/and161185/goph-relay/internal/crypto/e2e"
	"github.com/and161185/goph-relay/internal/model"
	"github.com/and161185/goph-relay/internal/protocol"
	"github.com/and161185/goph-relay/internal/service"
)

// keyEnv supplies the signing key to `gr token` when --key is not given.
const keyEnv = "RELAY_JWT_KEY"

func newTokenCmd() *cobra.Command {
	var (
		user, name, key string
		ttl             time.Duration
		save            bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token signed with the relay key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user == "" {
				return errors.New("--user required")
			}
			if key == "" {
				key = os.Getenv(keyEnv)
			}
			if len(key) < service.MinKeyLen {
				return fmt.Errorf("signing key must be at least %d bytes (--key or %s)", service.MinKeyLen, keyEnv)
			}
			tok, err := service.IssueToken([]byte(key), model.Identity{UserID: user, Username: name}, ttl)
			if err != nil {
				return err
			}
			if save {
				if err := saveToken(tok.AccessToken, tok.ExpiresAt); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id")
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name (default: user id)")
	cmd.Flags().StringVar(&key, "key", "", "HS256 signing key")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&save, "save", true, "store the token for later commands")
	return cmd
}

// cipher encrypts and decrypts bodies when a passphrase is set.
type cipher struct {
	root []byte
}

func newCipher(passphrase string) *cipher {
	if passphrase == "" {
		return nil
	}
	return &cipher{root: e2e.DeriveKey([]byte(passphrase), e2e.DefaultSalt)}
}

func (c *cipher) seal(from, to, text string) (ct, iv string, err error) {
	key, err := e2e.ConversationKey(c.root, from, to)
	if err != nil {
		return "", "", err
	}
	return e2e.Seal(key, from, to, []byte(text))
}

func (c *cipher) open(p protocol.MessagePacket) (string, error) {
	key, err := e2e.ConversationKey(c.root, p.SenderID, p.RecipientID)
	if err != nil {
		return "", err
	}
	b, err := e2e.Open(key, p.SenderID, p.RecipientID, p.EncryptedContent, p.IV)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// render prints one server event as a line of text.
func render(w io.Writer, env protocol.Envelope, c *cipher) {
	switch env.Event {
	case protocol.EventReceiveMessage:
		var p protocol.MessagePacket
		if env.Unmarshal(&p) != nil {
			return
		}
		body := p.Content
		if p.EncryptedContent != "" {
			body = "[encrypted]"
			if c != nil {
				body = "[undecryptable]"
				if plain, err := c.open(p); err == nil {
					body = plain
				}
			}
		}
		tag := ""
		if p.IsPending {
			tag = " (queued)"
		}
		fmt.Fprintf(w, "%s %s: %s%s\n", p.Timestamp, p.SenderUsername, body, tag)
	case protocol.EventUserTyping:
		var t protocol.UserTyping
		if env.Unmarshal(&t) == nil && t.IsTyping {
			fmt.Fprintf(w, "* %s is typing\n", t.SenderUsername)
		}
	case protocol.EventReadReceipt:
		var r protocol.ReadReceipt
		if env.Unmarshal(&r) == nil {
			fmt.Fprintf(w, "* %s read %s\n", r.ReadBy, r.MessageID)
		}
	case protocol.EventUserStatusChanged:
		var s protocol.StatusChanged
		if env.Unmarshal(&s) == nil {
			fmt.Fprintf(w, "* %s is %s\n", s.Username, s.Status)
		}
	case protocol.EventUserWentOffline:
		var o protocol.WentOffline
		if env.Unmarshal(&o) == nil {
			fmt.Fprintf(w, "* %s went offline\n", o.Username)
		}
	case protocol.EventMessageError:
		var e protocol.ErrorPayload
		if env.Unmarshal(&e) == nil {
			fmt.Fprintf(w, "! %s (%s)\n", e.Error, e.Code)
		}
	default:
		fmt.Fprintf(w, "%s %s\n", env.Event, string(env.Data))
	}
}

func newListenCmd(g *globalOpts) *cobra.Command {
	var (
		passphrase string
		ackRead    bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stay online and print incoming events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			c := newCipher(passphrase)
			var cl *client.Client
			var pendingReads []protocol.MessagePacket
			handle := func(env protocol.Envelope) {
				render(out, env, c)
				if ackRead && env.Event == protocol.EventReceiveMessage {
					var p protocol.MessagePacket
					if env.Unmarshal(&p) == nil {
						if cl == nil {
							pendingReads = append(pendingReads, p)
						} else {
							_ = cl.MarkRead(p.SenderID, p.ID)
						}
					}
				}
			}

			cl, me, closeAll, err := g.session(cmd.Context(), handle)
			if err != nil {
				return err
			}
			defer closeAll()
			for _, p := range pendingReads {
				_ = cl.MarkRead(p.SenderID, p.ID)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "listening as %s\n", me)

			for {
				env, err := cl.Recv()
				if err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				handle(env)
			}
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "decrypt end-to-end encrypted messages")
	cmd.Flags().BoolVar(&ackRead, "ack-read", false, "send read receipts for received messages")
	return cmd
}

func newSendCmd(g *globalOpts) *cobra.Command {
	var (
		passphrase string
		msgType    string
	)
	cmd := &cobra.Command{
		Use:   "send <recipient> <text...>",
		Short: "Send one message and wait for the relay's acknowledgement",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			cl, me, closeAll, err := g.session(ctx, nil)
			if err != nil {
				return err
			}
			defer closeAll()

			recipient, text := args[0], strings.Join(args[1:], " ")
			m := protocol.SendMessage{RecipientID: recipient, MessageType: msgType}
			if c := newCipher(passphrase); c != nil {
				if m.EncryptedContent, m.IV, err = c.seal(me, recipient, text); err != nil {
					return err
				}
			} else {
				m.Content = text
			}
			if err := cl.SendMessage(m); err != nil {
				return err
			}

			for {
				env, err := cl.Recv()
				if err != nil {
					return err
				}
				switch env.Event {
				case protocol.EventMessageDelivered, protocol.EventMessagePending:
					var a protocol.Ack
					if err := env.Unmarshal(&a); err != nil {
						return err
					}
					state := "queued"
					if a.Delivered {
						state = "delivered"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", a.MessageID, state)
					return nil
				case protocol.EventMessageError:
					var e protocol.ErrorPayload
					_ = env.Unmarshal(&e)
					return fmt.Errorf("%s (%s)", e.Error, e.Code)
				}
			}
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "encrypt end-to-end with a shared passphrase")
	cmd.Flags().StringVar(&msgType, "type", "", "message type (default text)")
	return cmd
}

func newStatusCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status <status>",
		Short: "Broadcast a presence status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			cl, me, closeAll, err := g.session(ctx, nil)
			if err != nil {
				return err
			}
			defer closeAll()
			if err := cl.SetStatus(args[0]); err != nil {
				return err
			}
			// the broadcast reaches us too; wait for it so the event is not lost on close
			if _, err := cl.Await(protocol.EventUserStatusChanged, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", me, args[0])
			return nil
		},
	}
}

func newOnlineCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "online",
		Short: "List online users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			cl, _, closeAll, err := g.session(ctx, nil)
			if err != nil {
				return err
			}
			defer closeAll()
			list, err := cl.GetOnlineUsers(nil)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), list)
			return nil
		},
	}
}

package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/goph-relay/internal/errs"
	"github.com/and161185/goph-relay/internal/model"
)

func TestDecode_RegisterStringAndObject(t *testing.T) {
	t.Parallel()

	in, err := Decode(Envelope{Event: EventRegister, Data: json.RawMessage(`"abc.def.ghi"`)})
	require.NoError(t, err)
	require.Equal(t, Register{Token: "abc.def.ghi"}, in)

	in, err = Decode(Envelope{Event: EventRegister, Data: json.RawMessage(`{"token":"t1"}`)})
	require.NoError(t, err)
	require.Equal(t, Register{Token: "t1"}, in)

	in, err = Decode(Envelope{Event: EventRegister})
	require.NoError(t, err)
	require.Equal(t, Register{}, in)

	_, err = Decode(Envelope{Event: EventRegister, Data: json.RawMessage(`42`)})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestDecode_TypedEvents(t *testing.T) {
	t.Parallel()

	in, err := Decode(Envelope{Event: EventSendMessage, Data: json.RawMessage(
		`{"recipientId":"bob","content":"hi","encryptedContent":"x","iv":"n"}`)})
	require.NoError(t, err)
	require.Equal(t, SendMessage{RecipientID: "bob", Content: "hi", EncryptedContent: "x", IV: "n"}, in)

	in, err = Decode(Envelope{Event: EventTypingIndicator, Data: json.RawMessage(`{"recipientId":"bob","isTyping":true}`)})
	require.NoError(t, err)
	require.Equal(t, TypingIndicator{RecipientID: "bob", IsTyping: true}, in)

	in, err = Decode(Envelope{Event: EventMessageRead, Data: json.RawMessage(`{"senderId":"a","messageId":"m"}`)})
	require.NoError(t, err)
	require.Equal(t, MessageRead{SenderID: "a", MessageID: "m"}, in)

	in, err = Decode(Envelope{Event: EventSetStatus, Data: json.RawMessage(`{"status":"away"}`)})
	require.NoError(t, err)
	require.Equal(t, SetStatus{Status: "away"}, in)

	in, err = Decode(Envelope{Event: EventGetOnlineUsers})
	require.NoError(t, err)
	require.Equal(t, GetOnlineUsers{}, in)

	in, err = Decode(Envelope{Event: "join-room"})
	require.NoError(t, err)
	require.Equal(t, Unknown{Event: "join-room"}, in)
}

func TestDecode_MalformedPayload(t *testing.T) {
	t.Parallel()

	_, err := Decode(Envelope{Event: EventSendMessage, Data: json.RawMessage(`[1,2]`)})
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrValidation))
}

func TestSendMessage_Validate(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, SendMessage{Content: "x"}.Validate(), errs.ErrValidation)
	require.ErrorIs(t, SendMessage{RecipientID: "  ", Content: "x"}.Validate(), errs.ErrValidation)
	require.ErrorIs(t, SendMessage{RecipientID: "bob"}.Validate(), errs.ErrValidation)
	require.NoError(t, SendMessage{RecipientID: "bob", Content: "x"}.Validate())
	require.NoError(t, SendMessage{RecipientID: "bob", EncryptedContent: "c"}.Validate())
}

func TestEncode_EnvelopeShape(t *testing.T) {
	t.Parallel()

	env, err := Encode(EventMessagePending, Ack{MessageID: "m1", RecipientID: "bob"})
	require.NoError(t, err)

	b, err := json.Marshal(env)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"message-pending","data":{"messageId":"m1","recipientId":"bob","delivered":false}}`, string(b))

	env, err = Encode(EventGetOnlineUsers, nil)
	require.NoError(t, err)
	b, err = json.Marshal(env)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"get-online-users"}`, string(b))

	_, err = Encode("bad", func() {})
	require.Error(t, err)
}

func TestNewMessagePacket(t *testing.T) {
	t.Parallel()

	id := uuid.Must(uuid.NewV4())
	ts := time.Date(2025, 3, 1, 10, 20, 30, 123456789, time.FixedZone("X", 3600))
	m := model.Message{
		ID: id, SenderID: "alice", SenderUsername: "Alice", RecipientID: "bob",
		Content: "hi", MessageType: "text", Timestamp: ts, Delivered: true,
	}

	p := NewMessagePacket(m, true)
	require.Equal(t, id.String(), p.ID)
	require.Equal(t, "2025-03-01T09:20:30.123Z", p.Timestamp)
	require.True(t, p.IsPending)
	require.True(t, p.Delivered)

	got, err := ParseTime(p.Timestamp)
	require.NoError(t, err)
	require.True(t, got.Equal(ts.Truncate(time.Millisecond)))

	a := AckFor(m, false)
	require.Equal(t, Ack{MessageID: id.String(), RecipientID: "bob"}, a)
}

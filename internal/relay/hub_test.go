package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidachat/internal/chat"
	"vidachat/internal/model"
	"vidachat/internal/presence"
	"vidachat/internal/store"
)

var (
	admin    = model.User{ID: "admin-1", Name: "Vida Admin", Role: model.RoleAdmin}
	u1       = model.User{ID: "user-1", Name: "Hana", Role: model.RoleUser}
	u2       = model.User{ID: "user-2", Name: "Sora", Role: model.RoleUser}
	outsider = model.User{ID: "user-3", Name: "Kei", Role: model.RoleUser}
)

// recorder is a Sender that keeps every event it is given
type recorder struct {
	mu     sync.Mutex
	events []model.Event
	closed bool
	fail   bool
}

func (r *recorder) Send(ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("queue full")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofType(t string) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// failingStore rejects every message insert
type failingStore struct {
	store.Store
}

func (failingStore) InsertMessage(context.Context, *model.Message) error {
	return errors.New("disk full")
}

type fixture struct {
	hub      *Hub
	dir      *chat.Directory
	messages *chat.Messages
	registry *presence.Registry
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	return setupWithStore(t, store.NewMemoryStore(), opts)
}

func setupWithStore(t *testing.T, s store.Store, opts Options) *fixture {
	t.Helper()
	dir := chat.NewDirectory(s)
	for _, u := range []model.User{admin, u1, u2, outsider} {
		require.NoError(t, dir.RememberUser(context.Background(), u))
	}
	messages := chat.NewMessages(s, dir)
	registry := presence.NewRegistry(nil)
	hub := New(dir, messages, registry, nil, opts)
	return &fixture{hub: hub, dir: dir, messages: messages, registry: registry}
}

// connect registers and identifies a connection
func (f *fixture) connect(t *testing.T, connID string, user model.User) *recorder {
	t.Helper()
	rec := &recorder{}
	require.NoError(t, f.hub.Register(connID, user, rec))
	require.NoError(t, f.hub.Identify(connID, user.ID))
	return rec
}

func (f *fixture) conversation(t *testing.T, a, b model.User) model.Conversation {
	t.Helper()
	conv, err := f.dir.GetOrCreate(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	return conv
}

func payload[T any](t *testing.T, ev model.Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(ev.Data, &v))
	return v
}

func event(t *testing.T, eventType, ref string, p any) model.Event {
	t.Helper()
	ev, err := model.NewEvent(eventType, p)
	require.NoError(t, err)
	ev.Ref = ref
	return ev
}

func TestHub_SendMessageFanOut(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	conv := f.conversation(t, u1, admin)

	a := f.connect(t, "c-u1", u1)
	b := f.connect(t, "c-admin", admin)
	o := f.connect(t, "c-out", outsider)
	require.NoError(t, f.hub.JoinConversation(ctx, "c-u1", conv.ID))
	require.NoError(t, f.hub.JoinConversation(ctx, "c-admin", conv.ID))

	msg, err := f.hub.SendMessage(ctx, "c-u1", model.SendMessagePayload{
		ConversationID: conv.ID,
		Sender:         u1.ID,
		Content:        "hi",
		MessageType:    model.MessageText,
	})
	require.NoError(t, err)
	assert.Equal(t, admin.ID, msg.Receiver, "receiver is derived from the conversation")

	for name, rec := range map[string]*recorder{"sender": a, "receiver": b} {
		got := rec.ofType(model.EventReceiveMessage)
		require.Len(t, got, 1, name)
		m := payload[model.Message](t, got[0])
		assert.Equal(t, msg.ID, m.ID, name)
		assert.Equal(t, "hi", m.Content, name)
		assert.Equal(t, model.StatusSent, m.Status, name)

		updates := rec.ofType(model.EventConversationUpdated)
		require.Len(t, updates, 1, name)
		assert.Equal(t, conv.ID, payload[model.ConversationUpdatedPayload](t, updates[0]).ConversationID)
	}
	assert.Empty(t, o.ofType(model.EventReceiveMessage))
	assert.Empty(t, o.ofType(model.EventConversationUpdated))
}

func TestHub_ConversationUpdatedReachesUserOutsideRoom(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	conv := f.conversation(t, u1, admin)

	f.connect(t, "c-u1", u1)
	b := f.connect(t, "c-admin", admin)
	require.NoError(t, f.hub.JoinConversation(ctx, "c-u1", conv.ID))

	_, err := f.hub.SendMessage(ctx, "c-u1", model.SendMessagePayload{
		ConversationID: conv.ID, Content: "are you there?", MessageType: model.MessageText,
	})
	require.NoError(t, err)

	assert.Empty(t, b.ofType(model.EventReceiveMessage))
	assert.Len(t, b.ofType(model.EventConversationUpdated), 1)
}

func TestHub_SendMarksDeliveredWhenReceiverConnected(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	conv := f.conversation(t, u1, admin)

	a := f.connect(t, "c-u1", u1)
	b := f.connect(t, "c-admin", admin)
	require.NoError(t, f.hub.JoinConversation(ctx, "c-u1", conv.ID))

	msg, err := f.hub.SendMessage(ctx, "c-u1", model.SendMessagePayload{
		ConversationID: conv.ID, Content: "hi", MessageType: model.MessageText,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, msg.Status)

	got := a.ofType(model.EventMessageStatus)
	require.Len(t, got, 1)
	assert.Equal(t, model.MessageStatusPayload{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		Status:         model.StatusDelivered,
	}, payload[model.MessageStatusPayload](t, got[0]))
	assert.Empty(t, b.ofType(model.EventMessageStatus), "only the sender is told")

	history, err := f.messages.ListByConversation(ctx, conv.ID, u1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.StatusDelivered, history[0].Status)
}

func TestHub_SendStaysSentWithoutReceiver(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		connect bool
		fail    bool
	}{
		{name: "receiver offline"},
		{name: "receiver queue rejects", connect: true, fail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, Options{})
			conv := f.conversation(t, u1, admin)
			a := f.connect(t, "c-u1", u1)
			if tt.connect {
				b := f.connect(t, "c-admin", admin)
				b.mu.Lock()
				b.fail = tt.fail
				b.mu.Unlock()
			}

			msg, err := f.hub.SendMessage(ctx, "c-u1", model.SendMessagePayload{
				ConversationID: conv.ID, Content: "hi", MessageType: model.MessageText,
			})
			require.NoError(t, err)
			assert.Equal(t, model.StatusSent, msg.Status)
			assert.Empty(t, a.ofType(model.EventMessageStatus))

			history, err := f.messages.ListByConversation(ctx, conv.ID, u1)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, model.StatusSent, history[0].Status)
		})
	}
}

func TestHub_MarkReadAfterDelivered(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	conv := f.conversation(t, u1, admin)
	f.connect(t, "c-u1", u1)
	f.connect(t, "c-admin", admin)

	msg, err := f.hub.SendMessage(ctx, "c-u1", model.SendMessagePayload{
		ConversationID: conv.ID, Content: "hi", MessageType: model.MessageText,
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusDelivered, msg.Status)

	n, err := f.hub.MarkRead(ctx, "c-admin", model.MarkReadPayload{ConversationID: conv.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	history, err := f.messages.ListByConversation(ctx, conv.ID, u1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, history[0].Status)
}

func TestHub_JoinSwitchesRooms(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	c1 := f.conversation(t, u1, admin)
	c2 := f.conversation(t, u2, admin)

	b := f.connect(t, "c-admin", admin)
	f.connect(t, "c-u1", u1)
	f.connect(t, "c-u2", u2)
	require.NoError(t, f.hub.JoinConversation(ctx, "c-admin", c1.ID))
	require.NoError(t, f.hub.JoinConversation(ctx, "c-admin", c2.ID))

	assert.Equal(t, c2.ID, f.hub.RoomOf("c-admin"))
	assert.Equal(t, 0, f.hub.RoomSize(c1.ID))
	assert.Equal(t, 1, f.hub.RoomSize(c2.ID))

	_, err := f.hub.SendMessage(ctx, "c-u1", model.SendMessagePayload{
		ConversationID: c1.ID, Content: "old room", MessageType: model.MessageText,
	})
	require.NoError(t, err)
	_, err = f.hub.SendMessage(ctx, "c-u2", model.SendMessagePayload{
		ConversationID: c2.ID, Content: "new room", MessageType: model.MessageText,
	})
	require.NoError(t, err)

	got := b.ofType(model.EventReceiveMessage)
	require.Len(t, got, 1)
	assert.Equal(t, "new room", payload[model.Message](t, got[0]).Content)
}

func TestHub_JoinRequiresParticipation(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	conv := f.conversation(t, u1, u2)

	f.connect(t, "c-out", outsider)
	f.connect(t, "c-admin", admin)

	assert.ErrorIs(t, f.hub.JoinConversation(ctx, "c-out", conv.ID), chat.ErrAccessDenied)
	assert.Equal(t, "", f.hub.RoomOf("c-out"))
	assert.NoError(t, f.hub.JoinConversation(ctx, "c-admin", conv.ID), "elevated users may observe any room")
	assert.ErrorIs(t, f.hub.JoinConversation(ctx, "c-admin", "missing"), chat.ErrConversationNotFound)
}

func TestHub_RequiresIdentify(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	conv := f.conversation(t, u1, admin)

	require.NoError(t, f.hub.Register("c-u1", u1, &recorder{}))
	assert.ErrorIs(t, f.hub.JoinConversation(ctx, "c-u1", conv.ID), ErrNotIdentified)
	assert.ErrorIs(t, f.hub.Identify("c-u1", admin.ID), ErrIdentityMismatch)
	assert.False(t, f.registry.IsOnline(admin.ID))
	assert.ErrorIs(t, f.hub.Register("c-u1", u1, &recorder{}), ErrDuplicateConn)
	assert.ErrorIs(t, f.hub.Identify("ghost", u1.ID), ErrUnknownConnection)
}

func TestHub_SenderMustMatchSession(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	conv := f.conversation(t, u1, admin)
	b := f.connect(t, "c-admin", admin)
	f.connect(t, "c-u1", u1)
	require.NoError(t, f.hub.JoinConversation(ctx, "c-admin", conv.ID))

	_, err := f.hub.SendMessage(ctx, "c-u1", model.SendMessagePayload{
		ConversationID: conv.ID, Sender: admin.ID, Content: "spoof", MessageType: model.MessageText,
	})
	assert.ErrorIs(t, err, ErrIdentityMismatch)
	assert.Empty(t, b.ofType(model.EventReceiveMessage))
}

func TestHub_PersistenceFailureIsNotBroadcast(t *testing.T) {
	ctx := context.Background()
	f := setupWithStore(t, failingStore{Store: store.NewMemoryStore()}, Options{})
	conv := f.conversation(t, u1, admin)
	a := f.connect(t, "c-u1", u1)
	b := f.connect(t, "c-admin", admin)
	require.NoError(t, f.hub.JoinConversation(ctx, "c-u1", conv.ID))
	require.NoError(t, f.hub.JoinConversation(ctx, "c-admin", conv.ID))

	f.hub.Handle(ctx, "c-u1", event(t, model.EventSendMessage, "r1", model.SendMessagePayload{
		ConversationID: conv.ID, Content: "lost", MessageType: model.MessageText,
	}))

	assert.Empty(t, a.ofType(model.EventReceiveMessage))
	assert.Empty(t, b.ofType(model.EventReceiveMessage))
	acks := a.ofType(model.EventAck)
	require.Len(t, acks, 1)
	ack := payload[model.AckPayload](t, acks[0])
	assert.False(t, ack.OK)
	assert.Equal(t, "failed to persist", ack.Error, "storage details are not exposed")
}

func TestHub_Reactions(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	conv := f.conversation(t, u1, admin)
	a := f.connect(t, "c-u1", u1)
	b := f.connect(t, "c-admin", admin)
	require.NoError(t, f.hub.JoinConversation(ctx, "c-u1", conv.ID))
	require.NoError(t, f.hub.JoinConversation(ctx, "c-admin", conv.ID))

	msg, err := f.hub.SendMessage(ctx, "c-u1", model.SendMessagePayload{
		ConversationID: conv.ID, Content: "hi", MessageType: model.MessageText,
	})
	require.NoError(t, err)

	_, err = f.hub.AddReaction(ctx, "c-admin", model.AddReactionPayload{MessageID: msg.ID, UserID: admin.ID})
	require.NoError(t, err)
	_, err = f.hub.AddReaction(ctx, "c-admin", model.AddReactionPayload{MessageID: msg.ID, Emoji: "😂"})
	require.NoError(t, err)

	got := a.ofType(model.EventReactionUpdated)
	require.Len(t, got, 2)
	first := payload[model.ReactionUpdatedPayload](t, got[0])
	require.Len(t, first.Reactions, 1)
	assert.Equal(t, model.DefaultReaction, first.Reactions[0].Emoji)
	last := payload[model.ReactionUpdatedPayload](t, got[1])
	require.Len(t, last.Reactions, 1)
	assert.Equal(t, "😂", last.Reactions[0].Emoji)
	assert.Equal(t, conv.ID, last.ConversationID)
	assert.Len(t, b.ofType(model.EventReactionUpdated), 2)

	_, err = f.hub.AddReaction(ctx, "c-admin", model.AddReactionPayload{MessageID: msg.ID, UserID: u1.ID})
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestHub_Typing(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{TypingWindow: 3 * time.Second})
	conv := f.conversation(t, u1, admin)
	f.connect(t, "c-u1", u1)
	b := f.connect(t, "c-admin", admin)

	err := f.hub.Typing("c-u1", model.TypingPayload{ConversationID: conv.ID, Sender: u1.ID})
	assert.ErrorIs(t, err, ErrNotInRoom)

	require.NoError(t, f.hub.JoinConversation(ctx, "c-u1", conv.ID))
	require.NoError(t, f.hub.JoinConversation(ctx, "c-admin", conv.ID))
	require.NoError(t, f.hub.Typing("c-u1", model.TypingPayload{ConversationID: conv.ID, Sender: u1.ID, Receiver: admin.ID}))

	got := b.ofType(model.EventUserTyping)
	require.Len(t, got, 1)
	p := payload[model.UserTypingPayload](t, got[0])
	assert.Equal(t, u1.ID, p.Sender)
	assert.EqualValues(t, 3000, p.ExpiresInMs)
}

func TestHub_MarkRead(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	conv := f.conversation(t, u1, admin)
	a := f.connect(t, "c-u1", u1)
	f.connect(t, "c-admin", admin)
	require.NoError(t, f.hub.JoinConversation(ctx, "c-u1", conv.ID))
	require.NoError(t, f.hub.JoinConversation(ctx, "c-admin", conv.ID))

	for _, content := range []string{"one", "two"} {
		_, err := f.hub.SendMessage(ctx, "c-u1", model.SendMessagePayload{
			ConversationID: conv.ID, Content: content, MessageType: model.MessageText,
		})
		require.NoError(t, err)
	}

	n, err := f.hub.MarkRead(ctx, "c-admin", model.MarkReadPayload{ConversationID: conv.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got := a.ofType(model.EventMessagesRead)
	require.Len(t, got, 1)
	p := payload[model.MessagesReadPayload](t, got[0])
	assert.Equal(t, admin.ID, p.Reader)
	assert.EqualValues(t, 2, p.Count)

	n, err = f.hub.MarkRead(ctx, "c-admin", model.MarkReadPayload{ConversationID: conv.ID})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, a.ofType(model.EventMessagesRead), 1, "nothing new to announce")
}

func TestHub_PresenceBroadcast(t *testing.T) {
	f := setup(t, Options{})
	a := f.connect(t, "c-u1", u1)
	b := f.connect(t, "c-admin", admin)

	// 後から接続した側は既存のオンラインユーザーを受け取る
	snapshot := b.ofType(model.EventOnlineStatus)
	var seen []string
	for _, ev := range snapshot {
		seen = append(seen, payload[model.OnlineStatusPayload](t, ev).UserID)
	}
	assert.Contains(t, seen, u1.ID)

	got := a.ofType(model.EventOnlineStatus)
	require.NotEmpty(t, got)
	last := payload[model.OnlineStatusPayload](t, got[len(got)-1])
	assert.Equal(t, admin.ID, last.UserID)
	assert.Equal(t, model.PresenceOnline, last.Status)
	assert.True(t, f.hub.Online(admin.ID))

	a.reset()
	f.hub.Disconnect("c-admin")
	assert.False(t, f.hub.Online(admin.ID))
	got = a.ofType(model.EventOnlineStatus)
	require.Len(t, got, 1)
	assert.Equal(t, model.OnlineStatusPayload{UserID: admin.ID, Status: model.PresenceOffline},
		payload[model.OnlineStatusPayload](t, got[0]))
}

func TestHub_DisconnectCleansRooms(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	conv := f.conversation(t, u1, admin)
	f.connect(t, "c-u1", u1)
	b := f.connect(t, "c-admin", admin)
	require.NoError(t, f.hub.JoinConversation(ctx, "c-u1", conv.ID))
	require.NoError(t, f.hub.JoinConversation(ctx, "c-admin", conv.ID))

	f.hub.Disconnect("c-admin")
	f.hub.Disconnect("c-admin")
	assert.Equal(t, 1, f.hub.RoomSize(conv.ID))
	assert.Equal(t, 1, f.hub.ConnectionCount())

	b.reset()
	_, err := f.hub.SendMessage(ctx, "c-u1", model.SendMessagePayload{
		ConversationID: conv.ID, Content: "gone?", MessageType: model.MessageText,
	})
	require.NoError(t, err)
	assert.Empty(t, b.ofType(model.EventReceiveMessage))
}

func TestHub_LeaveConversation(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	c1 := f.conversation(t, u1, admin)
	c2 := f.conversation(t, u2, admin)
	f.connect(t, "c-admin", admin)
	require.NoError(t, f.hub.JoinConversation(ctx, "c-admin", c1.ID))

	require.NoError(t, f.hub.LeaveConversation("c-admin", c2.ID), "leaving another room is a no-op")
	assert.Equal(t, c1.ID, f.hub.RoomOf("c-admin"))

	require.NoError(t, f.hub.LeaveConversation("c-admin", c1.ID))
	assert.Equal(t, "", f.hub.RoomOf("c-admin"))
	assert.Equal(t, 0, f.hub.RoomSize(c1.ID))
}

func TestHub_HandleDispatchAndAck(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	conv := f.conversation(t, u1, admin)

	rec := &recorder{}
	require.NoError(t, f.hub.Register("c-u1", u1, rec))

	f.hub.Handle(ctx, "c-u1", event(t, model.EventJoin, "", model.JoinPayload{UserID: u1.ID}))
	f.hub.Handle(ctx, "c-u1", event(t, model.EventJoinConversation, "", model.ConversationPayload{ConversationID: conv.ID}))
	f.hub.Handle(ctx, "c-u1", event(t, model.EventSendMessage, "r-42", model.SendMessagePayload{
		ConversationID: conv.ID, Content: "hello", MessageType: model.MessageText,
	}))

	acks := rec.ofType(model.EventAck)
	require.Len(t, acks, 1)
	assert.Equal(t, "r-42", acks[0].Ref)
	ack := payload[model.AckPayload](t, acks[0])
	assert.True(t, ack.OK)
	assert.NotEmpty(t, ack.MessageID)
	assert.Equal(t, model.EventSendMessage, ack.Event)
	require.Len(t, rec.ofType(model.EventReceiveMessage), 1)
}

func TestHub_MalformedEventsAreDropped(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	rec := f.connect(t, "c-u1", u1)

	tests := []struct {
		name    string
		ev      model.Event
		wantErr string
	}{
		{name: "bad json", ev: model.Event{Type: model.EventSendMessage, Ref: "a", Data: json.RawMessage(`{"content":`)}, wantErr: ErrMalformed.Error()},
		{name: "no data", ev: model.Event{Type: model.EventTyping, Ref: "b"}, wantErr: ErrMalformed.Error()},
		{name: "unknown type", ev: model.Event{Type: "delete_everything", Ref: "c", Data: json.RawMessage(`{}`)}, wantErr: ErrUnknownEvent.Error()},
		{name: "invalid message", ev: event(t, model.EventSendMessage, "d", model.SendMessagePayload{ConversationID: "missing", Receiver: admin.ID, Content: "x"}), wantErr: chat.ErrConversationNotFound.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec.reset()
			f.hub.Handle(ctx, "c-u1", tt.ev)

			acks := rec.ofType(model.EventAck)
			require.Len(t, acks, 1)
			ack := payload[model.AckPayload](t, acks[0])
			assert.False(t, ack.OK)
			assert.Equal(t, tt.wantErr, ack.Error)
		})
	}

	// 接続は維持される
	assert.Equal(t, 1, f.hub.ConnectionCount())
	assert.False(t, rec.isClosed())
}

func TestHub_RateLimit(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{EventRate: 0.001, EventBurst: 2})
	conv := f.conversation(t, u1, admin)
	rec := f.connect(t, "c-u1", u1)
	require.NoError(t, f.hub.JoinConversation(ctx, "c-u1", conv.ID))

	for i := 0; i < 3; i++ {
		f.hub.Handle(ctx, "c-u1", event(t, model.EventTyping, "t", model.TypingPayload{ConversationID: conv.ID}))
	}

	acks := rec.ofType(model.EventAck)
	require.Len(t, acks, 3)
	assert.True(t, payload[model.AckPayload](t, acks[0]).OK)
	assert.True(t, payload[model.AckPayload](t, acks[1]).OK)
	last := payload[model.AckPayload](t, acks[2])
	assert.False(t, last.OK)
	assert.Equal(t, ErrRateLimited.Error(), last.Error)
}

func TestHub_SlowConsumerDoesNotBlockRoom(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	conv := f.conversation(t, u1, admin)
	a := f.connect(t, "c-u1", u1)
	b := f.connect(t, "c-admin", admin)
	require.NoError(t, f.hub.JoinConversation(ctx, "c-u1", conv.ID))
	require.NoError(t, f.hub.JoinConversation(ctx, "c-admin", conv.ID))

	b.mu.Lock()
	b.fail = true
	b.mu.Unlock()

	_, err := f.hub.SendMessage(ctx, "c-u1", model.SendMessagePayload{
		ConversationID: conv.ID, Content: "still delivered", MessageType: model.MessageText,
	})
	require.NoError(t, err)
	assert.Len(t, a.ofType(model.EventReceiveMessage), 1)
}

func TestHub_ConcurrentSendsKeepRoomOrder(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	conv := f.conversation(t, u1, admin)
	f.connect(t, "c-u1", u1)
	f.connect(t, "c-admin", admin)
	watcher := f.connect(t, "c-admin-2", admin)
	require.NoError(t, f.hub.JoinConversation(ctx, "c-admin-2", conv.ID))

	const perSender = 20
	var wg sync.WaitGroup
	for _, connID := range []string{"c-u1", "c-admin"} {
		wg.Add(1)
		go func(connID string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := f.hub.SendMessage(ctx, connID, model.SendMessagePayload{
					ConversationID: conv.ID, Content: "m", MessageType: model.MessageText,
				}); err != nil {
					t.Errorf("SendMessage() error = %v", err)
				}
			}
		}(connID)
	}
	wg.Wait()

	got := watcher.ofType(model.EventReceiveMessage)
	require.Len(t, got, 2*perSender)

	history, err := f.messages.ListByConversation(ctx, conv.ID, admin)
	require.NoError(t, err)
	require.Len(t, history, len(got))
	for i, ev := range got {
		assert.Equal(t, history[i].ID, payload[model.Message](t, ev).ID, "broadcast order must match stored order at %d", i)
	}
}

func TestHub_RunSweepsIdleConnections(t *testing.T) {
	f := setup(t, Options{IdleTimeout: time.Millisecond})
	rec := f.connect(t, "c-u1", u1)

	time.Sleep(5 * time.Millisecond)
	f.hub.sweep()

	assert.True(t, rec.isClosed())
	assert.False(t, f.registry.IsOnline(u1.ID))
}

func TestHub_RunClosesConnectionsOnShutdown(t *testing.T) {
	f := setup(t, Options{})
	rec := f.connect(t, "c-u1", u1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.hub.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, rec.isClosed())
}

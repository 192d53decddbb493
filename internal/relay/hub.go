package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vidachat/internal/chat"
	"vidachat/internal/model"
	"vidachat/internal/presence"
)

// Options tune the hub.
type Options struct {
	// TypingWindow is how long receivers should show a typing indicator.
	TypingWindow time.Duration
	// EventRate and EventBurst bound inbound events per connection. A zero
	// rate disables limiting.
	EventRate  float64
	EventBurst int
	// IdleTimeout marks users offline after this long without any inbound
	// event. Zero relies on transport disconnects only.
	IdleTimeout time.Duration
}

// connection is the hub's view of one client socket
type connection struct {
	id         string
	user       model.User
	identified bool
	room       string
	sender     Sender
	limiter    *rate.Limiter
}

// Hub owns connection state, rooms and presence.
type Hub struct {
	dir      Directory
	messages MessageStore
	presence *presence.Registry
	metrics  *Metrics
	opts     Options

	mu       sync.RWMutex
	conns    map[string]*connection
	rooms    map[string]map[string]*connection // conversation id -> conn id -> conn
	personal map[string]map[string]*connection // user id -> conn id -> conn

	// 会話ごとに保存とブロードキャストを直列化する
	roomLocks keyedMutex
}

// New creates a Hub and installs itself as the registry's publisher.
// metrics may be nil.
func New(dir Directory, messages MessageStore, registry *presence.Registry, metrics *Metrics, opts Options) *Hub {
	if opts.TypingWindow <= 0 {
		opts.TypingWindow = 3 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	h := &Hub{
		dir:      dir,
		messages: messages,
		presence: registry,
		metrics:  metrics,
		opts:     opts,
		conns:    make(map[string]*connection),
		rooms:    make(map[string]map[string]*connection),
		personal: make(map[string]map[string]*connection),
	}
	registry.SetPublisher(h)
	return h
}

// Run sweeps idle presence until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	var tick <-chan time.Time
	if h.opts.IdleTimeout > 0 {
		interval := h.opts.IdleTimeout / 2
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("[hub] Shutting down...")
			h.closeAll()
			return
		case <-tick:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	for _, connID := range h.presence.Sweep(h.opts.IdleTimeout) {
		h.mu.RLock()
		c, ok := h.conns[connID]
		h.mu.RUnlock()
		if ok {
			log.Printf("[hub] Closing idle connection %s (%s)", connID, c.user.ID)
			_ = c.sender.Close()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.sender.Close()
	}
}

// Register adds an anonymous connection authenticated as user.
func (h *Hub) Register(connID string, user model.User, s Sender) error {
	c := &connection{id: connID, user: user, sender: s}
	if h.opts.EventRate > 0 {
		burst := h.opts.EventBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(h.opts.EventRate), burst)
	}

	h.mu.Lock()
	if _, ok := h.conns[connID]; ok {
		h.mu.Unlock()
		return ErrDuplicateConn
	}
	h.conns[connID] = c
	total := len(h.conns)
	h.mu.Unlock()

	h.metrics.Connections.Inc()
	log.Printf("[hub] New connection %s for %s. Total connections: %d", connID, user.ID, total)
	return nil
}

// Identify moves a connection to Identified, subscribes it to its user's
// personal channel and registers presence. userID may be empty; otherwise it
// must match the authenticated user.
func (h *Hub) Identify(connID, userID string) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownConnection
	}
	if userID != "" && userID != c.user.ID {
		h.mu.Unlock()
		return ErrIdentityMismatch
	}
	c.identified = true
	addMember(h.personal, c.user.ID, c)
	h.mu.Unlock()

	h.presence.Connect(c.user.ID, connID)
	h.metrics.OnlineUsers.Set(float64(h.presence.Count()))

	// 接続直後のクライアントに現在のオンライン一覧を送る
	for _, id := range h.presence.Online() {
		if id == c.user.ID {
			continue
		}
		h.reply(connID, model.EventOnlineStatus, model.OnlineStatusPayload{UserID: id, Status: model.PresenceOnline})
	}
	return nil
}

// JoinConversation leaves the connection's current room, if any, and joins
// the room of conversationID. The user must participate in the conversation
// or be elevated. History is not sent; callers read it separately.
func (h *Hub) JoinConversation(ctx context.Context, connID, conversationID string) error {
	c, err := h.identified(connID)
	if err != nil {
		return err
	}
	if conversationID == "" {
		return ErrMalformed
	}
	if _, err := h.dir.Authorize(ctx, conversationID, c.user); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Authorize 中に切断されていたら何もしない
	if _, ok := h.conns[connID]; !ok {
		return ErrUnknownConnection
	}
	if c.room == conversationID {
		return nil
	}
	if c.room != "" {
		removeMember(h.rooms, c.room, connID)
	}
	c.room = conversationID
	addMember(h.rooms, conversationID, c)
	log.Printf("[hub] Connection %s joined room %s", connID, conversationID)
	return nil
}

// LeaveConversation removes the connection from conversationID's room. It is
// a no-op when the connection is not in that room.
func (h *Hub) LeaveConversation(connID, conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if c.room == "" || c.room != conversationID {
		return nil
	}
	removeMember(h.rooms, c.room, connID)
	log.Printf("[hub] Connection %s left room %s", connID, c.room)
	c.room = ""
	return nil
}

// SendMessage persists a message from the connection's user and broadcasts
// it to the conversation room. Nothing is broadcast when persistence fails.
func (h *Hub) SendMessage(ctx context.Context, connID string, p model.SendMessagePayload) (model.Message, error) {
	c, err := h.identified(connID)
	if err != nil {
		return model.Message{}, err
	}
	if p.ConversationID == "" {
		return model.Message{}, ErrMalformed
	}
	if p.Sender != "" && p.Sender != c.user.ID {
		return model.Message{}, ErrIdentityMismatch
	}

	receiver := p.Receiver
	if receiver == "" {
		conv, err := h.dir.Authorize(ctx, p.ConversationID, c.user)
		if err != nil {
			return model.Message{}, err
		}
		receiver = conv.Other(c.user.ID)
	}

	attachment := ""
	switch p.MessageType {
	case model.MessageImage:
		attachment = p.ImageURL
	case model.MessageAudio:
		attachment = p.AudioURL
	}

	unlock := h.roomLocks.Lock(p.ConversationID)
	defer unlock()

	msg, err := h.messages.Append(ctx, chat.AppendRequest{
		ConversationID: p.ConversationID,
		SenderID:       c.user.ID,
		ReceiverID:     receiver,
		Type:           p.MessageType,
		Content:        p.Content,
		AttachmentURL:  attachment,
		ReplyToID:      p.ReplyTo,
	})
	if err != nil {
		return model.Message{}, err
	}

	accepted := h.toRoom(msg.ConversationID, model.EventReceiveMessage, msg)
	update := model.ConversationUpdatedPayload{
		ConversationID: msg.ConversationID,
		LastMessageID:  msg.ID,
		UpdatedAt:      msg.CreatedAt,
	}
	accepted = append(accepted, h.toUsers([]string{msg.Sender, msg.Receiver}, model.EventConversationUpdated, update)...)

	if reachedUser(accepted, msg.Receiver) {
		msg.Status = h.markDelivered(ctx, msg)
	}
	return msg, nil
}

// markDelivered advances msg to delivered once one of the receiver's
// connections has accepted it and tells the sender. It returns the
// resulting status.
func (h *Hub) markDelivered(ctx context.Context, msg model.Message) model.Status {
	status, err := h.messages.AdvanceStatus(ctx, msg.ID, model.User{ID: msg.Receiver}, model.StatusDelivered)
	if err != nil {
		// 保存済みのメッセージは sent のまま。既読化で追い越される
		log.Printf("[hub] ❌ Failed to mark %s delivered: %v", msg.ID, err)
		return msg.Status
	}
	h.toUsers([]string{msg.Sender}, model.EventMessageStatus, model.MessageStatusPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Status:         status,
	})
	return status
}

func reachedUser(conns []*connection, userID string) bool {
	for _, c := range conns {
		if c.user.ID == userID {
			return true
		}
	}
	return false
}

// AddReaction sets the user's reaction and broadcasts the full reaction list
// to the message's conversation room.
func (h *Hub) AddReaction(ctx context.Context, connID string, p model.AddReactionPayload) (model.ReactionUpdatedPayload, error) {
	c, err := h.identified(connID)
	if err != nil {
		return model.ReactionUpdatedPayload{}, err
	}
	if p.MessageID == "" {
		return model.ReactionUpdatedPayload{}, ErrMalformed
	}
	if p.UserID != "" && p.UserID != c.user.ID {
		return model.ReactionUpdatedPayload{}, ErrIdentityMismatch
	}

	updated, err := h.messages.SetReaction(ctx, p.MessageID, c.user, p.Emoji)
	if err != nil {
		return model.ReactionUpdatedPayload{}, err
	}

	// 送られてきた conversationId ではなく保存先の会話に流す
	unlock := h.roomLocks.Lock(updated.ConversationID)
	h.toRoom(updated.ConversationID, model.EventReactionUpdated, updated)
	unlock()
	return updated, nil
}

// Typing broadcasts an ephemeral typing signal to the room the connection
// is in. Nothing is persisted.
func (h *Hub) Typing(connID string, p model.TypingPayload) error {
	c, err := h.identified(connID)
	if err != nil {
		return err
	}
	if p.ConversationID == "" {
		return ErrMalformed
	}
	if p.Sender != "" && p.Sender != c.user.ID {
		return ErrIdentityMismatch
	}

	h.mu.RLock()
	inRoom := c.room == p.ConversationID
	h.mu.RUnlock()
	if !inRoom {
		return ErrNotInRoom
	}

	h.toRoom(p.ConversationID, model.EventUserTyping, model.UserTypingPayload{
		ConversationID: p.ConversationID,
		Sender:         c.user.ID,
		ExpiresInMs:    h.opts.TypingWindow.Milliseconds(),
	})
	return nil
}

// MarkRead marks the conversation's messages to the user as read and tells
// the room.
func (h *Hub) MarkRead(ctx context.Context, connID string, p model.MarkReadPayload) (int64, error) {
	c, err := h.identified(connID)
	if err != nil {
		return 0, err
	}
	if p.ConversationID == "" {
		return 0, ErrMalformed
	}

	n, err := h.messages.MarkRead(ctx, p.ConversationID, c.user)
	if err != nil {
		return 0, err
	}
	h.NotifyRead(p.ConversationID, c.user.ID, n)
	return n, nil
}

// NotifyRead tells a conversation room that readerID has read n messages.
// It does nothing when n is zero.
func (h *Hub) NotifyRead(conversationID, readerID string, n int64) {
	if n <= 0 {
		return
	}
	h.toRoom(conversationID, model.EventMessagesRead, model.MessagesReadPayload{
		ConversationID: conversationID,
		Reader:         readerID,
		Count:          n,
	})
}

// Disconnect forgets the connection and releases its presence entry. Its
// room membership goes with it.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connID)
	if c.room != "" {
		removeMember(h.rooms, c.room, connID)
	}
	removeMember(h.personal, c.user.ID, connID)
	total := len(h.conns)
	h.mu.Unlock()

	h.metrics.Connections.Dec()
	h.presence.Disconnect(connID)
	h.metrics.OnlineUsers.Set(float64(h.presence.Count()))
	log.Printf("[hub] Connection %s (%s) disconnected. Total connections: %d", connID, c.user.ID, total)
}

// PublishPresence implements presence.Publisher by telling every connection.
func (h *Hub) PublishPresence(userID string, online bool) {
	status := model.PresenceOffline
	if online {
		status = model.PresenceOnline
	}
	h.mu.RLock()
	targets := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.deliver(targets, model.EventOnlineStatus, model.OnlineStatusPayload{UserID: userID, Status: status})
}

// Online reports the presence registry's view of userID.
func (h *Hub) Online(userID string) bool {
	return h.presence.IsOnline(userID)
}

// RoomOf returns the conversation room connID is in.
func (h *Hub) RoomOf(connID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[connID]; ok {
		return c.room
	}
	return ""
}

// RoomSize returns the number of connections in a conversation room.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) identified(connID string) (*connection, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.conns[connID]
	if !ok {
		return nil, ErrUnknownConnection
	}
	if !c.identified {
		return nil, ErrNotIdentified
	}
	return c, nil
}

func (h *Hub) toRoom(conversationID, eventType string, payload any) []*connection {
	h.mu.RLock()
	targets := make([]*connection, 0, len(h.rooms[conversationID]))
	for _, c := range h.rooms[conversationID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return h.deliver(targets, eventType, payload)
}

func (h *Hub) toUsers(userIDs []string, eventType string, payload any) []*connection {
	h.mu.RLock()
	var targets []*connection
	for _, id := range userIDs {
		for _, c := range h.personal[id] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	return h.deliver(targets, eventType, payload)
}

// deliver sends the event to every target and returns those that
// accepted it.
func (h *Hub) deliver(targets []*connection, eventType string, payload any) []*connection {
	if len(targets) == 0 {
		return nil
	}
	ev, err := model.NewEvent(eventType, payload)
	if err != nil {
		log.Printf("[hub] ❌ Failed to encode %s: %v", eventType, err)
		return nil
	}
	accepted := make([]*connection, 0, len(targets))
	for _, c := range targets {
		if err := c.sender.Send(ev); err != nil {
			h.metrics.SendErrors.Inc()
			log.Printf("[hub] Failed to send %s to %s: %v", eventType, c.id, err)
			continue
		}
		h.metrics.Broadcasts.WithLabelValues(eventType).Inc()
		accepted = append(accepted, c)
	}
	return accepted
}

func (h *Hub) reply(connID, eventType string, payload any) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.deliver([]*connection{c}, eventType, payload)
}

func addMember(set map[string]map[string]*connection, key string, c *connection) {
	if set[key] == nil {
		set[key] = make(map[string]*connection)
	}
	set[key][c.id] = c
}

func removeMember(set map[string]map[string]*connection, key, connID string) {
	members, ok := set[key]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(set, key)
	}
}

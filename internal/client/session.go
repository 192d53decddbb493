// Package client is a Go chat client for the relay: it keeps the local view
// of one open conversation in sync with the server.
//
// A Session holds at most one active conversation. Entering another one
// leaves the previous room, joins the new one and replaces the local view
// with freshly fetched history. Live events for other conversations are
// ignored; the server nudges the conversation list separately.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vidachat/internal/model"
)

var (
	ErrSendTimeout  = errors.New("no acknowledgement from server")
	ErrDisconnected = errors.New("connection closed")
	ErrRejected     = errors.New("rejected by server")
	ErrNoRoom       = errors.New("no conversation entered")
)

// Options configure a Session.
type Options struct {
	// BaseURL is the server's http(s) root, e.g. http://localhost:8080
	BaseURL string
	Token   string
	// UserID is the session's own user, used to ignore its own typing echo
	UserID string
	// Origin is sent on the WebSocket handshake when set
	Origin string

	AckTimeout   time.Duration
	TypingWindow time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	// OnEvent is called for every inbound event after local state is updated
	OnEvent func(model.Event)
}

type typingState struct {
	sender string
	gen    uint64
	timer  *time.Timer
}

// Session is one client connection plus its local conversation view.
type Session struct {
	opts Options

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}

	current  string
	messages []model.Message
	typing   map[string]*typingState
	typeGen  uint64
	online   map[string]bool
	pending  map[string]chan model.AckPayload
	refSeq   uint64

	afterFunc func(time.Duration, func()) *time.Timer
}

// Dial connects to the relay. Call Identify before anything else.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.TypingWindow <= 0 {
		opts.TypingWindow = 3 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	s := &Session{
		opts:      opts,
		typing:    make(map[string]*typingState),
		online:    make(map[string]bool),
		pending:   make(map[string]chan model.AckPayload),
		afterFunc: time.AfterFunc,
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	wsURL, err := socketURL(s.opts.BaseURL, s.opts.Token)
	if err != nil {
		return err
	}
	header := http.Header{}
	if s.opts.Origin != "" {
		header.Set("Origin", s.opts.Origin)
	}
	conn, resp, err := s.opts.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", s.opts.BaseURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", s.opts.BaseURL, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.done = done
	s.mu.Unlock()

	go s.readLoop(conn, done)
	return nil
}

func socketURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Identify registers the session's user with the relay.
func (s *Session) Identify(ctx context.Context) error {
	_, err := s.request(ctx, model.EventJoin, model.JoinPayload{UserID: s.opts.UserID})
	return err
}

// Enter makes conversationID the active conversation.
func (s *Session) Enter(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	prev := s.current
	s.mu.Unlock()

	if prev != "" && prev != conversationID {
		if _, err := s.request(ctx, model.EventLeaveConversation, model.ConversationPayload{ConversationID: prev}); err != nil {
			return err
		}
	}

	// 履歴取得中に届いたイベントも拾えるよう先に切り替える
	s.mu.Lock()
	s.current = conversationID
	s.messages = nil
	s.mu.Unlock()

	if _, err := s.request(ctx, model.EventJoinConversation, model.ConversationPayload{ConversationID: conversationID}); err != nil {
		return err
	}
	return s.refresh(ctx, conversationID)
}

// Leave leaves the active conversation, if any.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	prev := s.current
	s.current = ""
	s.messages = nil
	s.mu.Unlock()

	if prev == "" {
		return nil
	}
	_, err := s.request(ctx, model.EventLeaveConversation, model.ConversationPayload{ConversationID: prev})
	return err
}

// refresh replaces the local view with the server's history, keeping live
// messages that arrived meanwhile.
func (s *Session) refresh(ctx context.Context, conversationID string) error {
	history, err := s.History(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != conversationID {
		return nil
	}
	s.messages = mergeMessages(history, s.messages...)
	return nil
}

// History fetches every message of a conversation over HTTP.
func (s *Session) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	var list []model.Message
	if err := s.getJSON(ctx, "/api/messages/"+url.PathEscape(conversationID), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Conversations fetches the user's conversation list over HTTP.
func (s *Session) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var list []model.Conversation
	if err := s.getJSON(ctx, "/api/messages/conversations", &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Session) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(s.opts.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.opts.Token)

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, body.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Send posts a message to the active conversation and returns its id once
// the server has persisted it.
func (s *Session) Send(ctx context.Context, p model.SendMessagePayload) (string, error) {
	if p.ConversationID == "" {
		s.mu.Lock()
		p.ConversationID = s.current
		s.mu.Unlock()
	}
	if p.ConversationID == "" {
		return "", ErrNoRoom
	}
	if p.Sender == "" {
		p.Sender = s.opts.UserID
	}
	ack, err := s.request(ctx, model.EventSendMessage, p)
	return ack.MessageID, err
}

// SendText is Send for a plain text message.
func (s *Session) SendText(ctx context.Context, content string) (string, error) {
	return s.Send(ctx, model.SendMessagePayload{Content: content, MessageType: model.MessageText})
}

// React sets the session user's reaction on a message.
func (s *Session) React(ctx context.Context, messageID, emoji string) error {
	s.mu.Lock()
	conv := s.current
	s.mu.Unlock()
	_, err := s.request(ctx, model.EventAddReaction, model.AddReactionPayload{
		MessageID:      messageID,
		UserID:         s.opts.UserID,
		Emoji:          emoji,
		ConversationID: conv,
	})
	return err
}

// NotifyTyping tells the active conversation the user is typing. It is fire
// and forget.
func (s *Session) NotifyTyping() error {
	s.mu.Lock()
	conv := s.current
	s.mu.Unlock()
	if conv == "" {
		return ErrNoRoom
	}
	return s.write(model.EventTyping, "", model.TypingPayload{ConversationID: conv, Sender: s.opts.UserID})
}

// MarkRead marks the active conversation read.
func (s *Session) MarkRead(ctx context.Context) error {
	s.mu.Lock()
	conv := s.current
	s.mu.Unlock()
	if conv == "" {
		return ErrNoRoom
	}
	_, err := s.request(ctx, model.EventMarkRead, model.MarkReadPayload{ConversationID: conv})
	return err
}

// Reconnect replaces a dropped connection, identifies again and restores
// the active conversation with fresh history.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	old := s.conn
	conv := s.current
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if err := s.connect(ctx); err != nil {
		return err
	}
	if err := s.Identify(ctx); err != nil {
		return err
	}
	if conv == "" {
		return nil
	}
	if _, err := s.request(ctx, model.EventJoinConversation, model.ConversationPayload{ConversationID: conv}); err != nil {
		return err
	}
	return s.refresh(ctx, conv)
}

// Done is closed when the current connection drops.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Close closes the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	for _, st := range s.typing {
		st.timer.Stop()
	}
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return conn.Close()
}

// Current returns the active conversation id.
func (s *Session) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Messages returns a copy of the active conversation's messages in order.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// TypingIn returns who is typing in conversationID.
func (s *Session) TypingIn(conversationID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.typing[conversationID]
	if !ok {
		return "", false
	}
	return st.sender, true
}

// IsOnline reports the last presence seen for userID.
func (s *Session) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

// request sends an event with a ref and waits for its ack.
func (s *Session) request(ctx context.Context, eventType string, payload any) (model.AckPayload, error) {
	s.mu.Lock()
	s.refSeq++
	ref := strconv.FormatUint(s.refSeq, 10)
	ch := make(chan model.AckPayload, 1)
	s.pending[ref] = ch
	done := s.done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, ref)
		s.mu.Unlock()
	}()

	if err := s.write(eventType, ref, payload); err != nil {
		return model.AckPayload{}, err
	}

	timer := time.NewTimer(s.opts.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		if !ack.OK {
			return ack, fmt.Errorf("%w: %s: %s", ErrRejected, eventType, ack.Error)
		}
		return ack, nil
	case <-timer.C:
		return model.AckPayload{}, fmt.Errorf("%s: %w", eventType, ErrSendTimeout)
	case <-done:
		return model.AckPayload{}, ErrDisconnected
	case <-ctx.Done():
		return model.AckPayload{}, ctx.Err()
	}
}

func (s *Session) write(eventType, ref string, payload any) error {
	ev, err := model.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	ev.Ref = ref

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var ev model.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[client] Connection lost: %v", err)
			}
			return
		}
		s.handle(ev)
	}
}

// handle applies one inbound event to local state
func (s *Session) handle(ev model.Event) {
	switch ev.Type {
	case model.EventAck:
		var ack model.AckPayload
		if json.Unmarshal(ev.Data, &ack) == nil {
			s.mu.Lock()
			ch, ok := s.pending[ev.Ref]
			s.mu.Unlock()
			if ok {
				select {
				case ch <- ack:
				default:
				}
			}
		}

	case model.EventReceiveMessage:
		var msg model.Message
		if json.Unmarshal(ev.Data, &msg) == nil {
			s.mu.Lock()
			if msg.ConversationID == s.current {
				s.messages = mergeMessages(s.messages, msg)
			}
			s.mu.Unlock()
		}

	case model.EventReactionUpdated:
		var p model.ReactionUpdatedPayload
		if json.Unmarshal(ev.Data, &p) == nil {
			s.mu.Lock()
			for i := range s.messages {
				if s.messages[i].ID == p.MessageID {
					s.messages[i].Reactions = p.Reactions
				}
			}
			s.mu.Unlock()
		}

	case model.EventUserTyping:
		var p model.UserTypingPayload
		if json.Unmarshal(ev.Data, &p) == nil && p.Sender != s.opts.UserID {
			s.setTyping(p.ConversationID, p.Sender)
		}

	case model.EventOnlineStatus:
		var p model.OnlineStatusPayload
		if json.Unmarshal(ev.Data, &p) == nil {
			s.mu.Lock()
			if p.Status == model.PresenceOnline {
				s.online[p.UserID] = true
			} else {
				delete(s.online, p.UserID)
			}
			s.mu.Unlock()
		}

	case model.EventMessageStatus:
		var p model.MessageStatusPayload
		if json.Unmarshal(ev.Data, &p) == nil {
			s.mu.Lock()
			for i := range s.messages {
				if s.messages[i].ID == p.MessageID && p.Status.Rank() > s.messages[i].Status.Rank() {
					s.messages[i].Status = p.Status
				}
			}
			s.mu.Unlock()
		}

	case model.EventMessagesRead:
		var p model.MessagesReadPayload
		if json.Unmarshal(ev.Data, &p) == nil {
			s.mu.Lock()
			if p.ConversationID == s.current {
				for i := range s.messages {
					if s.messages[i].Receiver == p.Reader {
						s.messages[i].Status = model.StatusRead
					}
				}
			}
			s.mu.Unlock()
		}
	}

	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

// setTyping shows sender as typing and (re)starts the expiry timer. A newer
// indicator replaces the older one.
func (s *Session) setTyping(conversationID, sender string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.typing[conversationID]; ok {
		prev.timer.Stop()
	}
	s.typeGen++
	gen := s.typeGen
	st := &typingState{sender: sender, gen: gen}
	st.timer = s.afterFunc(s.opts.TypingWindow, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.typing[conversationID]; ok && cur.gen == gen {
			delete(s.typing, conversationID)
		}
	})
	s.typing[conversationID] = st
}

// mergeMessages adds incoming to list, replacing entries with the same id
// and keeping creation order. Ties keep arrival order.
func mergeMessages(list []model.Message, incoming ...model.Message) []model.Message {
	out := make([]model.Message, 0, len(list)+len(incoming))
	index := make(map[string]int, len(list)+len(incoming))
	for _, m := range append(append([]model.Message(nil), list...), incoming...) {
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

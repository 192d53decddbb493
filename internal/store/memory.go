package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vidachat/internal/model"
)

// MemoryStore keeps everything in process memory. It is linearizable: every
// method runs under a single mutex.
type MemoryStore struct {
	mu sync.Mutex

	users     map[string]model.User
	userOrder []string

	conversations map[string]*model.Conversation
	pairs         map[string]string // pair key -> conversation id

	messages       map[string]*model.Message
	byConversation map[string][]string // conversation id -> message ids, insertion order
	seq            int64

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:          make(map[string]model.User),
		conversations:  make(map[string]*model.Conversation),
		pairs:          make(map[string]string),
		messages:       make(map[string]*model.Message),
		byConversation: make(map[string][]string),
		now:            time.Now,
	}
}

func (s *MemoryStore) UpsertUser(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; !ok {
		s.userOrder = append(s.userOrder, u.ID)
	}
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) FirstUserByRole(_ context.Context, role model.Role) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.userOrder {
		if u := s.users[id]; u.Role == role {
			return u, nil
		}
	}
	return model.User{}, ErrNotFound
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv model.Conversation) (model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conv.PairKey()
	if id, ok := s.pairs[key]; ok {
		return *s.conversations[id], false, nil
	}

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if _, ok := s.conversations[conv.ID]; ok {
		return model.Conversation{}, false, ErrConflict
	}
	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = conv.CreatedAt
	conv.ParticipantIDs = model.NormalizedPair(conv.ParticipantIDs[0], conv.ParticipantIDs[1])
	conv.Participants = nil
	conv.LastMessage = nil

	stored := conv
	s.conversations[conv.ID] = &stored
	s.pairs[key] = conv.ID
	return stored, true, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return model.Conversation{}, ErrNotFound
	}
	return *c, nil
}

func (s *MemoryStore) FindConversationByPair(_ context.Context, a, b string) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pairs[model.PairKey(a, b)]
	if !ok {
		return model.Conversation{}, ErrNotFound
	}
	return *s.conversations[id], nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string, all bool) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]model.Conversation, 0)
	for _, c := range s.conversations {
		if all || c.HasParticipant(userID) {
			list = append(list, *c)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, ok := s.messages[msg.ID]; ok {
		return ErrConflict
	}

	s.seq++
	msg.Seq = s.seq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.UpdatedAt = msg.CreatedAt
	if msg.Reactions == nil {
		msg.Reactions = []model.Reaction{}
	}

	stored := cloneMessage(*msg)
	stored.ReplyTo = nil
	s.messages[msg.ID] = &stored
	s.byConversation[msg.ConversationID] = append(s.byConversation[msg.ConversationID], msg.ID)

	conv.LastMessageID = msg.ID
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	return cloneMessage(*m), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byConversation[conversationID]
	list := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		list = append(list, cloneMessage(*s.messages[id]))
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Before(list[j]) })
	return list, nil
}

func (s *MemoryStore) UpsertReaction(_ context.Context, messageID, userID, emoji string) ([]model.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}

	// 既存のリアクションを外してから末尾に追加する
	reactions := make([]model.Reaction, 0, len(m.Reactions)+1)
	for _, r := range m.Reactions {
		if r.User != userID {
			reactions = append(reactions, r)
		}
	}
	reactions = append(reactions, model.Reaction{User: userID, Emoji: emoji})
	m.Reactions = reactions
	m.UpdatedAt = s.now()

	out := make([]model.Reaction, len(reactions))
	copy(out, reactions)
	return out, nil
}

func (s *MemoryStore) AdvanceStatus(_ context.Context, messageID string, status model.Status) (model.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return "", ErrNotFound
	}
	if status.Rank() > m.Status.Rank() {
		m.Status = status
		m.UpdatedAt = s.now()
	}
	return m.Status, nil
}

func (s *MemoryStore) MarkConversationRead(_ context.Context, conversationID, receiverID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return 0, ErrNotFound
	}

	var n int64
	now := s.now()
	for _, id := range s.byConversation[conversationID] {
		m := s.messages[id]
		if m.Receiver == receiverID && m.Status != model.StatusRead {
			m.Status = model.StatusRead
			m.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneMessage(m model.Message) model.Message {
	out := m
	out.Reactions = make([]model.Reaction, len(m.Reactions))
	copy(out.Reactions, m.Reactions)
	return out
}

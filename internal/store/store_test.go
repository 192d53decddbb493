package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidachat/internal/config"
	"vidachat/internal/database"
	"vidachat/internal/model"
)

func TestMain(m *testing.M) {
	// プロジェクトルートの.envを読み込み
	_ = godotenv.Load("../../.env")
	os.Exit(m.Run())
}

// setupMySQLStore テスト用の MariaDB ストア。DB_HOST 未設定ならスキップ
func setupMySQLStore(t *testing.T) Store {
	t.Helper()

	if os.Getenv("DB_HOST") == "" {
		t.Skip("Skipping: DB_HOST not set")
	}

	db, err := database.Init(config.Load())
	if err != nil {
		t.Skipf("Skipping: could not connect to test database: %v", err)
	}

	s := NewMySQLStore(db)
	require.NoError(t, s.Migrate(context.Background()))

	// テストデータをクリア
	for _, table := range []string{"message_reactions", "messages", "conversations", "users"} {
		db.Exec("DELETE FROM " + table)
	}
	t.Cleanup(func() { cleanupDB(db) })
	return s
}

func cleanupDB(db *sql.DB) {
	for _, table := range []string{"message_reactions", "messages", "conversations", "users"} {
		db.Exec("DELETE FROM " + table)
	}
	db.Close()
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMySQLStore(t *testing.T) {
	runStoreSuite(t, setupMySQLStore)
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("conversation pair is unique", func(t *testing.T) { testConversationPair(t, newStore(t)) })
	t.Run("concurrent create yields one conversation", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
	t.Run("messages are ordered and bump the conversation", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("reaction per user is replaced", func(t *testing.T) { testReactions(t, newStore(t)) })
	t.Run("status only moves forward", func(t *testing.T) { testStatus(t, newStore(t)) })
	t.Run("list conversations by recency", func(t *testing.T) { testListConversations(t, newStore(t)) })
}

func seedUsers(t *testing.T, s Store, users ...model.User) {
	t.Helper()
	for _, u := range users {
		require.NoError(t, s.UpsertUser(context.Background(), u))
	}
}

var (
	admin = model.User{ID: "admin-1", Name: "Vida Admin", Role: model.RoleAdmin}
	u1    = model.User{ID: "user-1", Name: "Hana", Role: model.RoleUser}
	u2    = model.User{ID: "user-2", Name: "Sora", Role: model.RoleUser}
)

func newConversation(a, b string) model.Conversation {
	return model.Conversation{ParticipantIDs: [2]string{a, b}}
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()
	seedUsers(t, s, u1, admin)

	got, err := s.GetUser(ctx, u1.ID)
	require.NoError(t, err)
	assert.Equal(t, u1.Name, got.Name)

	first, err := s.FirstUserByRole(ctx, model.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, first.ID)

	_, err = s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	renamed := u1
	renamed.Name = "Hana K."
	require.NoError(t, s.UpsertUser(ctx, renamed))
	got, err = s.GetUser(ctx, u1.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hana K.", got.Name)
}

func testConversationPair(t *testing.T, s Store) {
	ctx := context.Background()
	seedUsers(t, s, u1, admin)

	first, created, err := s.CreateConversation(ctx, newConversation(u1.ID, admin.ID))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.CreateConversation(ctx, newConversation(admin.ID, u1.ID))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	found, err := s.FindConversationByPair(ctx, admin.ID, u1.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
	assert.True(t, found.HasParticipant(u1.ID))
	assert.True(t, found.HasParticipant(admin.ID))

	_, err = s.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testConcurrentCreate(t *testing.T, s Store) {
	ctx := context.Background()
	seedUsers(t, s, u1, admin)

	const workers = 10
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := u1.ID, admin.ID
			if i%2 == 1 {
				a, b = b, a
			}
			c, _, err := s.CreateConversation(ctx, newConversation(a, b))
			if err != nil {
				t.Errorf("CreateConversation() error = %v", err)
				return
			}
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Equal(t, ids[0], ids[i], "worker %d got a different conversation", i)
	}
	list, err := s.ListConversations(ctx, "", true)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testMessages(t *testing.T, s Store) {
	ctx := context.Background()
	seedUsers(t, s, u1, admin)
	conv, _, err := s.CreateConversation(ctx, newConversation(u1.ID, admin.ID))
	require.NoError(t, err)

	// 同一時刻のメッセージも挿入順に並ぶ
	at := time.Now().UTC().Truncate(time.Millisecond)
	var ids []string
	for i := 0; i < 5; i++ {
		msg := &model.Message{
			ConversationID: conv.ID,
			Sender:         u1.ID,
			Receiver:       admin.ID,
			Content:        fmt.Sprintf("message %d", i),
			MessageType:    model.MessageText,
			Status:         model.StatusSent,
			CreatedAt:      at,
		}
		require.NoError(t, s.InsertMessage(ctx, msg))
		assert.NotEmpty(t, msg.ID)
		assert.NotZero(t, msg.Seq)
		ids = append(ids, msg.ID)
	}

	first, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, first, 5)
	for i, m := range first {
		assert.Equal(t, ids[i], m.ID)
		assert.Empty(t, m.Reactions)
	}

	again, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	for i := range first {
		assert.Equal(t, first[i].ID, again[i].ID)
	}

	stored, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[4], stored.LastMessageID)

	orphan := &model.Message{ConversationID: "missing", Sender: u1.ID, Receiver: admin.ID,
		MessageType: model.MessageText, Status: model.StatusSent}
	assert.ErrorIs(t, s.InsertMessage(ctx, orphan), ErrNotFound)
}

func testReactions(t *testing.T, s Store) {
	ctx := context.Background()
	seedUsers(t, s, u1, admin)
	conv, _, err := s.CreateConversation(ctx, newConversation(u1.ID, admin.ID))
	require.NoError(t, err)
	msg := &model.Message{ConversationID: conv.ID, Sender: u1.ID, Receiver: admin.ID,
		Content: "hi", MessageType: model.MessageText, Status: model.StatusSent}
	require.NoError(t, s.InsertMessage(ctx, msg))

	_, err = s.UpsertReaction(ctx, msg.ID, admin.ID, "❤️")
	require.NoError(t, err)
	_, err = s.UpsertReaction(ctx, msg.ID, u1.ID, "👍")
	require.NoError(t, err)
	reactions, err := s.UpsertReaction(ctx, msg.ID, admin.ID, "😂")
	require.NoError(t, err)

	require.Len(t, reactions, 2)
	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	emoji, ok := got.ReactionOf(admin.ID)
	assert.True(t, ok)
	assert.Equal(t, "😂", emoji)

	_, err = s.UpsertReaction(ctx, "missing", admin.ID, "😂")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testStatus(t *testing.T, s Store) {
	ctx := context.Background()
	seedUsers(t, s, u1, admin)
	conv, _, err := s.CreateConversation(ctx, newConversation(u1.ID, admin.ID))
	require.NoError(t, err)
	msg := &model.Message{ConversationID: conv.ID, Sender: u1.ID, Receiver: admin.ID,
		Content: "hi", MessageType: model.MessageText, Status: model.StatusSent}
	require.NoError(t, s.InsertMessage(ctx, msg))

	st, err := s.AdvanceStatus(ctx, msg.ID, model.StatusRead)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, st)

	st, err = s.AdvanceStatus(ctx, msg.ID, model.StatusSent)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, st, "status must not move backward")

	reply := &model.Message{ConversationID: conv.ID, Sender: admin.ID, Receiver: u1.ID,
		Content: "hello", MessageType: model.MessageText, Status: model.StatusSent}
	require.NoError(t, s.InsertMessage(ctx, reply))
	n, err := s.MarkConversationRead(ctx, conv.ID, u1.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetMessage(ctx, reply.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, got.Status)

	_, err = s.AdvanceStatus(ctx, "missing", model.StatusRead)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testListConversations(t *testing.T, s Store) {
	ctx := context.Background()
	seedUsers(t, s, u1, u2, admin)
	c1, _, err := s.CreateConversation(ctx, newConversation(u1.ID, admin.ID))
	require.NoError(t, err)
	c2, _, err := s.CreateConversation(ctx, newConversation(u2.ID, admin.ID))
	require.NoError(t, err)

	// c1 に新しいメッセージを入れて先頭にする
	msg := &model.Message{ConversationID: c1.ID, Sender: u1.ID, Receiver: admin.ID,
		Content: "latest", MessageType: model.MessageText, Status: model.StatusSent,
		CreatedAt: time.Now().UTC().Add(time.Minute)}
	require.NoError(t, s.InsertMessage(ctx, msg))

	all, err := s.ListConversations(ctx, admin.ID, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, c1.ID, all[0].ID)
	assert.Equal(t, c2.ID, all[1].ID)

	mine, err := s.ListConversations(ctx, u2.ID, false)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, c2.ID, mine[0].ID)
}

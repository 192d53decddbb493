package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"vidachat/internal/model"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY
const mysqlDuplicateEntry = 1062

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		email VARCHAR(255) NOT NULL DEFAULT '',
		role VARCHAR(16) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_users_role (role, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id VARCHAR(64) PRIMARY KEY,
		pair_key VARCHAR(160) NOT NULL,
		user_a VARCHAR(64) NOT NULL,
		user_b VARCHAR(64) NOT NULL,
		last_message_id VARCHAR(64) NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_conversations_pair (pair_key),
		INDEX idx_conversations_a (user_a),
		INDEX idx_conversations_b (user_b),
		INDEX idx_conversations_updated (updated_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq BIGINT AUTO_INCREMENT PRIMARY KEY,
		id VARCHAR(64) NOT NULL,
		conversation_id VARCHAR(64) NOT NULL,
		sender_id VARCHAR(64) NOT NULL,
		receiver_id VARCHAR(64) NOT NULL,
		content TEXT NOT NULL,
		message_type VARCHAR(16) NOT NULL,
		image_url VARCHAR(512) NULL,
		audio_url VARCHAR(512) NULL,
		reply_to_id VARCHAR(64) NULL,
		status VARCHAR(16) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_messages_id (id),
		INDEX idx_messages_conversation (conversation_id, created_at, seq)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
		message_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		emoji VARCHAR(64) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (message_id, user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

// MySQLStore implements Store on MariaDB/MySQL
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore wraps an open database handle. Call Migrate before use.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates the chat tables if they do not exist
func (s *MySQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) UpsertUser(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, role, created_at) VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE name = VALUES(name), email = VALUES(email), role = VALUES(role)`,
		u.ID, u.Name, u.Email, string(u.Role), s.now())
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	var role string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, role FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.Name, &u.Email, &role)
	if err != nil {
		return model.User{}, notFound(err, "user")
	}
	u.Role = model.Role(role)
	return u, nil
}

func (s *MySQLStore) FirstUserByRole(ctx context.Context, role model.Role) (model.User, error) {
	var u model.User
	var r string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, role FROM users WHERE role = ? ORDER BY created_at, id LIMIT 1", string(role)).
		Scan(&u.ID, &u.Name, &u.Email, &r)
	if err != nil {
		return model.User{}, notFound(err, "user")
	}
	u.Role = model.Role(r)
	return u, nil
}

func (s *MySQLStore) CreateConversation(ctx context.Context, conv model.Conversation) (model.Conversation, bool, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	pair := model.NormalizedPair(conv.ParticipantIDs[0], conv.ParticipantIDs[1])
	now := s.now()

	// pair_key の一意制約で同時作成を一本化する
	res, err := s.db.ExecContext(ctx,
		`INSERT IGNORE INTO conversations (id, pair_key, user_a, user_b, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, model.PairKey(pair[0], pair[1]), pair[0], pair[1], now, now)
	if err != nil {
		return model.Conversation{}, false, fmt.Errorf("failed to create conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.Conversation{}, false, fmt.Errorf("failed to create conversation: %w", err)
	}

	stored, err := s.FindConversationByPair(ctx, pair[0], pair[1])
	if err != nil {
		return model.Conversation{}, false, err
	}
	return stored, affected == 1 && stored.ID == conv.ID, nil
}

const conversationColumns = "id, user_a, user_b, last_message_id, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (model.Conversation, error) {
	var c model.Conversation
	var last sql.NullString
	if err := row.Scan(&c.ID, &c.ParticipantIDs[0], &c.ParticipantIDs[1], &last, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return model.Conversation{}, err
	}
	c.LastMessageID = last.String
	return c, nil
}

func (s *MySQLStore) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id)
	c, err := scanConversation(row)
	if err != nil {
		return model.Conversation{}, notFound(err, "conversation")
	}
	return c, nil
}

func (s *MySQLStore) FindConversationByPair(ctx context.Context, a, b string) (model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE pair_key = ?", model.PairKey(a, b))
	c, err := scanConversation(row)
	if err != nil {
		return model.Conversation{}, notFound(err, "conversation")
	}
	return c, nil
}

func (s *MySQLStore) ListConversations(ctx context.Context, userID string, all bool) ([]model.Conversation, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if all {
		rows, err = s.db.QueryContext(ctx,
			"SELECT "+conversationColumns+" FROM conversations ORDER BY updated_at DESC, id")
	} else {
		rows, err = s.db.QueryContext(ctx,
			"SELECT "+conversationColumns+" FROM conversations WHERE user_a = ? OR user_b = ? ORDER BY updated_at DESC, id",
			userID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	list := make([]model.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return list, nil
}

func (s *MySQLStore) InsertMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.UpdatedAt = msg.CreatedAt
	if msg.Reactions == nil {
		msg.Reactions = []model.Reaction{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, message_type,
		 image_url, audio_url, reply_to_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Sender, msg.Receiver, msg.Content, string(msg.MessageType),
		nullString(msg.ImageURL), nullString(msg.AudioURL), nullString(msg.ReplyToID),
		string(msg.Status), msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to retrieve message seq: %w", err)
	}

	res, err = tx.ExecContext(ctx,
		"UPDATE conversations SET last_message_id = ?, updated_at = GREATEST(updated_at, ?) WHERE id = ?",
		msg.ID, msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to bump conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	msg.Seq = seq
	return nil
}

const messageColumns = `seq, id, conversation_id, sender_id, receiver_id, content, message_type,
	image_url, audio_url, reply_to_id, status, created_at, updated_at`

func scanMessage(row rowScanner) (model.Message, error) {
	var m model.Message
	var msgType, status string
	var imageURL, audioURL, replyTo sql.NullString
	err := row.Scan(&m.Seq, &m.ID, &m.ConversationID, &m.Sender, &m.Receiver, &m.Content, &msgType,
		&imageURL, &audioURL, &replyTo, &status, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return model.Message{}, err
	}
	m.MessageType = model.MessageType(msgType)
	m.Status = model.Status(status)
	m.ImageURL = imageURL.String
	m.AudioURL = audioURL.String
	m.ReplyToID = replyTo.String
	m.Reactions = []model.Reaction{}
	return m, nil
}

func (s *MySQLStore) GetMessage(ctx context.Context, id string) (model.Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if err != nil {
		return model.Message{}, notFound(err, "message")
	}
	reactions, err := s.reactions(ctx, s.db, id)
	if err != nil {
		return model.Message{}, err
	}
	m.Reactions = reactions
	return m, nil
}

func (s *MySQLStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY created_at, seq",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	list := make([]model.Message, 0)
	index := make(map[string]int)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		index[m.ID] = len(list)
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if len(list) == 0 {
		return list, nil
	}

	rrows, err := s.db.QueryContext(ctx,
		`SELECT r.message_id, r.user_id, r.emoji FROM message_reactions r
		 JOIN messages m ON m.id = r.message_id
		 WHERE m.conversation_id = ? ORDER BY r.updated_at, r.user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reactions: %w", err)
	}
	defer rrows.Close()

	for rrows.Next() {
		var messageID string
		var r model.Reaction
		if err := rrows.Scan(&messageID, &r.User, &r.Emoji); err != nil {
			return nil, fmt.Errorf("failed to scan reaction: %w", err)
		}
		if i, ok := index[messageID]; ok {
			list[i].Reactions = append(list[i].Reactions, r)
		}
	}
	if err := rrows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list reactions: %w", err)
	}
	return list, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *MySQLStore) reactions(ctx context.Context, q querier, messageID string) ([]model.Reaction, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT user_id, emoji FROM message_reactions WHERE message_id = ? ORDER BY updated_at, user_id", messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reactions: %w", err)
	}
	defer rows.Close()

	list := make([]model.Reaction, 0)
	for rows.Next() {
		var r model.Reaction
		if err := rows.Scan(&r.User, &r.Emoji); err != nil {
			return nil, fmt.Errorf("failed to scan reaction: %w", err)
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

func (s *MySQLStore) UpsertReaction(ctx context.Context, messageID, userID, emoji string) ([]model.Reaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM messages WHERE id = ?)", messageID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to look up message: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	// (message_id, user_id) が主キーなので 1 ユーザー 1 リアクションになる
	_, err = tx.ExecContext(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji, updated_at) VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE emoji = VALUES(emoji), updated_at = VALUES(updated_at)`,
		messageID, userID, emoji, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert reaction: %w", err)
	}

	list, err := s.reactions(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reaction: %w", err)
	}
	return list, nil
}

func (s *MySQLStore) AdvanceStatus(ctx context.Context, messageID string, status model.Status) (model.Status, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ?
		 WHERE id = ? AND FIELD(status, 'sent', 'delivered', 'read') < FIELD(?, 'sent', 'delivered', 'read')`,
		string(status), s.now(), messageID, string(status))
	if err != nil {
		return "", fmt.Errorf("failed to advance status: %w", err)
	}

	var current string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM messages WHERE id = ?", messageID).Scan(&current)
	if err != nil {
		return "", notFound(err, "message")
	}
	return model.Status(current), nil
}

func (s *MySQLStore) MarkConversationRead(ctx context.Context, conversationID, receiverID string) (int64, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'read', updated_at = ?
		 WHERE conversation_id = ? AND receiver_id = ? AND status <> 'read'`,
		s.now(), conversationID, receiverID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return res.RowsAffected()
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

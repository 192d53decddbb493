// Package store persists users, conversations and messages for the chat core.
//
// Store is the only source of truth for message order and content. Two
// implementations exist: MySQLStore for deployments and MemoryStore for
// single-process development and tests.
package store

import (
	"context"
	"errors"

	"vidachat/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("record already exists")
)

// Store is the persistence collaborator of the chat core.
type Store interface {
	// UpsertUser records a profile carried by a trusted credential.
	UpsertUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)
	// FirstUserByRole returns the earliest registered user with role.
	FirstUserByRole(ctx context.Context, role model.Role) (model.User, error)

	// CreateConversation inserts conv unless its participant pair already
	// has a conversation, in which case the existing one is returned with
	// created == false.
	CreateConversation(ctx context.Context, conv model.Conversation) (stored model.Conversation, created bool, err error)
	GetConversation(ctx context.Context, id string) (model.Conversation, error)
	FindConversationByPair(ctx context.Context, a, b string) (model.Conversation, error)
	// ListConversations returns userID's conversations, or every
	// conversation when all is set, newest UpdatedAt first.
	ListConversations(ctx context.Context, userID string, all bool) ([]model.Conversation, error)

	// InsertMessage stores msg, assigns msg.Seq and bumps the owning
	// conversation's last message and UpdatedAt.
	InsertMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (model.Message, error)
	// ListMessages returns a conversation's messages in creation order.
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	// UpsertReaction sets userID's single reaction on a message and
	// returns the full reaction list.
	UpsertReaction(ctx context.Context, messageID, userID, emoji string) ([]model.Reaction, error)
	// AdvanceStatus moves a message's status forward. A request that is
	// not ahead of the stored status leaves it untouched. The resulting
	// status is returned.
	AdvanceStatus(ctx context.Context, messageID string, status model.Status) (model.Status, error)
	// MarkConversationRead sets every message addressed to receiverID in
	// the conversation to read and returns how many changed.
	MarkConversationRead(ctx context.Context, conversationID, receiverID string) (int64, error)

	Close() error
}

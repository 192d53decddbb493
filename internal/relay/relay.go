// Package relay is the realtime core of chat: it turns connection events into
// store mutations and room fan-out.
//
// Each connection moves through Connected -> Identified -> RoomJoined. A
// connection listens to at most one conversation room at a time; joining a
// new room leaves the previous one. Identified connections also listen on
// their user's personal channel, which carries conversation-list nudges.
//
// The hub never holds its lock while calling the store or writing to a
// connection. Writes go through Sender, which must not block.
package relay

import (
	"context"
	"errors"

	"vidachat/internal/chat"
	"vidachat/internal/model"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrDuplicateConn     = errors.New("connection already registered")
	ErrNotIdentified     = errors.New("connection has not joined as a user")
	ErrIdentityMismatch  = errors.New("payload identity does not match the session")
	ErrNotInRoom         = errors.New("connection is not in that conversation room")
	ErrMalformed         = errors.New("malformed payload")
	ErrUnknownEvent      = errors.New("unknown event type")
	ErrRateLimited       = errors.New("rate limited")
)

// Sender writes events to one client connection. Send must not block; a
// transport that cannot keep up should drop the connection and return an
// error.
type Sender interface {
	Send(ev model.Event) error
	Close() error
}

// Directory is the conversation lookup the hub needs.
type Directory interface {
	Authorize(ctx context.Context, conversationID string, user model.User) (model.Conversation, error)
}

// MessageStore is the persistence the hub writes through.
type MessageStore interface {
	Append(ctx context.Context, req chat.AppendRequest) (model.Message, error)
	SetReaction(ctx context.Context, messageID string, user model.User, emoji string) (model.ReactionUpdatedPayload, error)
	MarkRead(ctx context.Context, conversationID string, reader model.User) (int64, error)
	AdvanceStatus(ctx context.Context, messageID string, actor model.User, status model.Status) (model.Status, error)
}

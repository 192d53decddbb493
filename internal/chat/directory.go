// Package chat holds the conversation directory and message store: the
// synchronous, persistence-backed half of the chat core. The realtime relay
// and the HTTP read path both call into it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"

	"vidachat/internal/model"
	"vidachat/internal/store"
)

// Directory resolves and lists conversations.
type Directory struct {
	store store.Store

	// 同じペアへの同時 GetOrCreate を 1 回のストア呼び出しにまとめる
	group singleflight.Group

	// 資格情報から取り込み済みのユーザー
	known sync.Map
}

// NewDirectory creates a Directory backed by s.
func NewDirectory(s store.Store) *Directory {
	return &Directory{store: s}
}

// RememberUser records a profile taken from a trusted credential. Repeated
// calls with an unchanged profile do not touch the store.
func (d *Directory) RememberUser(ctx context.Context, u model.User) error {
	if prev, ok := d.known.Load(u.ID); ok && prev.(model.User) == u {
		return nil
	}
	if err := d.store.UpsertUser(ctx, u); err != nil {
		return err
	}
	d.known.Store(u.ID, u)
	return nil
}

// GetOrCreate returns the conversation between requesterID and otherID,
// creating it on first contact. Argument order does not matter and
// concurrent calls for the same pair return the same conversation.
func (d *Directory) GetOrCreate(ctx context.Context, requesterID, otherID string) (model.Conversation, error) {
	if requesterID == otherID {
		return model.Conversation{}, ErrSelfConversation
	}
	for _, id := range []string{requesterID, otherID} {
		if _, err := d.user(ctx, id); err != nil {
			return model.Conversation{}, err
		}
	}

	key := model.PairKey(requesterID, otherID)
	// 共有の呼び出しは最初の呼び出し元のキャンセルに巻き込まない
	shared := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key, func() (any, error) {
		conv, created, err := d.store.CreateConversation(shared, model.Conversation{
			ParticipantIDs: [2]string{requesterID, otherID},
		})
		if err != nil {
			return model.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
		}
		if created {
			log.Printf("[chat] ✅ Created conversation %s for %s", conv.ID, key)
		}
		return conv, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return model.Conversation{}, ctx.Err()
	}
	if res.Err != nil {
		return model.Conversation{}, res.Err
	}
	return d.resolve(ctx, res.Val.(model.Conversation)), nil
}

// Get returns a conversation without resolving profiles.
func (d *Directory) Get(ctx context.Context, id string) (model.Conversation, error) {
	conv, err := d.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

// Authorize returns the conversation if user participates in it or is
// elevated, and ErrAccessDenied otherwise.
func (d *Directory) Authorize(ctx context.Context, conversationID string, user model.User) (model.Conversation, error) {
	conv, err := d.Get(ctx, conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	if !user.IsElevated() && !conv.HasParticipant(user.ID) {
		return model.Conversation{}, ErrAccessDenied
	}
	return conv, nil
}

// List returns userID's conversations, or all of them when elevated, with
// participant profiles and last message resolved, most recent first.
func (d *Directory) List(ctx context.Context, userID string, elevated bool) ([]model.Conversation, error) {
	list, err := d.store.ListConversations(ctx, userID, elevated)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	for i := range list {
		list[i] = d.resolve(ctx, list[i])
	}
	return list, nil
}

// Admin resolves the well-known elevated account used for the support
// shortcut.
func (d *Directory) Admin(ctx context.Context) (model.User, error) {
	u, err := d.store.FirstUserByRole(ctx, model.RoleAdmin)
	if errors.Is(err, store.ErrNotFound) {
		return model.User{}, ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("failed to find admin: %w", err)
	}
	return u, nil
}

func (d *Directory) user(ctx context.Context, id string) (model.User, error) {
	if id == "" {
		return model.User{}, ErrUserNotFound
	}
	u, err := d.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.User{}, ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

// resolve fills participant profiles and the last message. Lookup failures
// degrade to bare ids rather than failing the whole listing.
func (d *Directory) resolve(ctx context.Context, conv model.Conversation) model.Conversation {
	conv.Participants = make([]model.User, 0, 2)
	for _, id := range conv.ParticipantIDs {
		u, err := d.store.GetUser(ctx, id)
		if err != nil {
			u = model.User{ID: id}
		}
		conv.Participants = append(conv.Participants, u)
	}

	conv.LastMessage = nil
	if conv.LastMessageID != "" {
		if m, err := d.store.GetMessage(ctx, conv.LastMessageID); err == nil {
			conv.LastMessage = &m
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[chat] ❌ Failed to load last message %s: %v", conv.LastMessageID, err)
		}
	}
	return conv
}

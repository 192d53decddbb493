package chat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"vidachat/internal/model"
	"vidachat/internal/store"
)

// Validation limits
const (
	MaxContentLength = 5000
	MaxEmojiLength   = 64
	MaxURLLength     = 512
)

// AppendRequest is the input of Messages.Append.
type AppendRequest struct {
	ConversationID string
	SenderID       string
	ReceiverID     string
	Type           model.MessageType
	Content        string
	AttachmentURL  string
	ReplyToID      string
}

// Messages is the ordered, append-only message log of every conversation.
type Messages struct {
	store store.Store
	dir   *Directory
}

// NewMessages creates a Messages over s, using dir for membership checks.
func NewMessages(s store.Store, dir *Directory) *Messages {
	return &Messages{store: s, dir: dir}
}

// Append validates and persists a new message with status sent. The
// returned message has its reply target resolved.
func (m *Messages) Append(ctx context.Context, req AppendRequest) (model.Message, error) {
	msg, err := buildMessage(req)
	if err != nil {
		return model.Message{}, err
	}

	conv, err := m.dir.Get(ctx, req.ConversationID)
	if err != nil {
		return model.Message{}, err
	}
	if req.SenderID == req.ReceiverID || !conv.HasParticipant(req.SenderID) || !conv.HasParticipant(req.ReceiverID) {
		return model.Message{}, ErrNotParticipant
	}

	var reply *model.Message
	if req.ReplyToID != "" {
		target, err := m.message(ctx, req.ReplyToID)
		if err != nil {
			return model.Message{}, err
		}
		if target.ConversationID != conv.ID {
			return model.Message{}, ErrReplyOutside
		}
		// 返信は 1 階層のみ
		target.ReplyTo = nil
		reply = &target
	}

	if err := m.store.InsertMessage(ctx, &msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Message{}, ErrConversationNotFound
		}
		return model.Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	msg.ReplyTo = reply
	return msg, nil
}

func buildMessage(req AppendRequest) (model.Message, error) {
	msgType := req.Type
	if msgType == "" {
		msgType = model.MessageText
	}
	if !msgType.Valid() {
		return model.Message{}, fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, msgType)
	}
	if req.ConversationID == "" || req.SenderID == "" || req.ReceiverID == "" {
		return model.Message{}, fmt.Errorf("%w: conversationId, sender and receiver are required", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(req.Content) > MaxContentLength {
		return model.Message{}, fmt.Errorf("%w: content exceeds %d characters", ErrInvalidMessage, MaxContentLength)
	}

	msg := model.Message{
		ConversationID: req.ConversationID,
		Sender:         req.SenderID,
		Receiver:       req.ReceiverID,
		Content:        req.Content,
		MessageType:    msgType,
		ReplyToID:      req.ReplyToID,
		Status:         model.StatusSent,
		Reactions:      []model.Reaction{},
	}

	switch msgType {
	case model.MessageText, model.MessageEmoji:
		if strings.TrimSpace(req.Content) == "" {
			return model.Message{}, fmt.Errorf("%w: content is required", ErrInvalidMessage)
		}
	case model.MessageImage, model.MessageAudio:
		if err := validateAttachment(req.AttachmentURL); err != nil {
			return model.Message{}, err
		}
		if msgType == model.MessageImage {
			msg.ImageURL = req.AttachmentURL
		} else {
			msg.AudioURL = req.AttachmentURL
		}
	}
	return msg, nil
}

// validateAttachment accepts the upload endpoint's site-relative URLs and
// absolute http(s) URLs.
func validateAttachment(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: attachment url is required", ErrInvalidMessage)
	}
	if len(raw) > MaxURLLength {
		return fmt.Errorf("%w: attachment url too long", ErrInvalidMessage)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: attachment url: %v", ErrInvalidMessage, err)
	}
	switch {
	case u.Scheme == "" && u.Host == "" && strings.HasPrefix(u.Path, "/"):
	case (u.Scheme == "http" || u.Scheme == "https") && u.Host != "":
	default:
		return fmt.Errorf("%w: unsupported attachment url", ErrInvalidMessage)
	}
	return nil
}

// ListByConversation returns every message of a conversation in creation
// order with replies resolved. requester must participate or be elevated.
func (m *Messages) ListByConversation(ctx context.Context, conversationID string, requester model.User) ([]model.Message, error) {
	if _, err := m.dir.Authorize(ctx, conversationID, requester); err != nil {
		return nil, err
	}

	list, err := m.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	byID := make(map[string]model.Message, len(list))
	for _, msg := range list {
		byID[msg.ID] = msg
	}
	for i := range list {
		if list[i].ReplyToID == "" {
			continue
		}
		if target, ok := byID[list[i].ReplyToID]; ok {
			target.ReplyTo = nil
			list[i].ReplyTo = &target
		}
	}
	return list, nil
}

// SetReaction replaces user's reaction on a message and returns the
// message's full reaction list. An empty emoji falls back to the default.
func (m *Messages) SetReaction(ctx context.Context, messageID string, user model.User, emoji string) (model.ReactionUpdatedPayload, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		emoji = model.DefaultReaction
	}
	if len(emoji) > MaxEmojiLength {
		return model.ReactionUpdatedPayload{}, fmt.Errorf("%w: emoji too long", ErrInvalidMessage)
	}

	msg, err := m.message(ctx, messageID)
	if err != nil {
		return model.ReactionUpdatedPayload{}, err
	}
	if _, err := m.dir.Authorize(ctx, msg.ConversationID, user); err != nil {
		return model.ReactionUpdatedPayload{}, err
	}

	reactions, err := m.store.UpsertReaction(ctx, messageID, user.ID, emoji)
	if errors.Is(err, store.ErrNotFound) {
		return model.ReactionUpdatedPayload{}, ErrMessageNotFound
	}
	if err != nil {
		return model.ReactionUpdatedPayload{}, fmt.Errorf("failed to set reaction: %w", err)
	}
	return model.ReactionUpdatedPayload{
		MessageID:      messageID,
		ConversationID: msg.ConversationID,
		Reactions:      reactions,
	}, nil
}

// AdvanceStatus moves a message toward read on behalf of its receiver.
// Requests that would move it backward are no-ops.
func (m *Messages) AdvanceStatus(ctx context.Context, messageID string, actor model.User, status model.Status) (model.Status, error) {
	if !status.Valid() {
		return "", ErrInvalidStatus
	}
	msg, err := m.message(ctx, messageID)
	if err != nil {
		return "", err
	}
	if msg.Receiver != actor.ID {
		return "", ErrAccessDenied
	}

	current, err := m.store.AdvanceStatus(ctx, messageID, status)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to advance status: %w", err)
	}
	return current, nil
}

// MarkRead marks every message addressed to reader in the conversation as
// read and returns how many changed.
func (m *Messages) MarkRead(ctx context.Context, conversationID string, reader model.User) (int64, error) {
	conv, err := m.dir.Authorize(ctx, conversationID, reader)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(reader.ID) {
		// 管理者の閲覧は既読にしない
		return 0, nil
	}
	n, err := m.store.MarkConversationRead(ctx, conversationID, reader.ID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrConversationNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark read: %w", err)
	}
	return n, nil
}

func (m *Messages) message(ctx context.Context, id string) (model.Message, error) {
	msg, err := m.store.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to load message: %w", err)
	}
	return msg, nil
}

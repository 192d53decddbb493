package model

import (
	"encoding/json"
	"time"
)

// Inbound event types (client -> relay)
const (
	EventJoin              = "join"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventAddReaction       = "add_reaction"
	EventTyping            = "typing"
	EventMarkRead          = "mark_read"
)

// Outbound event types (relay -> client)
const (
	EventOnlineStatus        = "online_status"
	EventReceiveMessage      = "receive_message"
	EventReactionUpdated     = "reaction_updated"
	EventUserTyping          = "user_typing"
	EventConversationUpdated = "conversation_updated"
	EventMessagesRead        = "messages_read"
	EventMessageStatus       = "message_status"
	EventAck                 = "ack"
)

// Event is the JSON envelope of every socket frame
type Event struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes payload into an envelope
func NewEvent(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: data}, nil
}

// JoinPayload registers presence for the connection's user
type JoinPayload struct {
	UserID string `json:"userId"`
}

// ConversationPayload is used by join_conversation and leave_conversation
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload is the body of send_message
type SendMessagePayload struct {
	ConversationID string      `json:"conversationId"`
	Sender         string      `json:"sender"`
	Receiver       string      `json:"receiver"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
	ImageURL       string      `json:"imageUrl"`
	AudioURL       string      `json:"audioUrl"`
	ReplyTo        string      `json:"replyTo"`
}

// AddReactionPayload is the body of add_reaction
type AddReactionPayload struct {
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji"`
	ConversationID string `json:"conversationId"`
}

// TypingPayload is the body of typing
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
}

// MarkReadPayload is the body of mark_read
type MarkReadPayload struct {
	ConversationID string `json:"conversationId"`
}

// OnlineStatusPayload announces a presence transition
type OnlineStatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Presence values of OnlineStatusPayload.Status
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// ReactionUpdatedPayload carries the full reaction list of a message
type ReactionUpdatedPayload struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	Reactions      []Reaction `json:"reactions"`
}

// UserTypingPayload tells a room someone is typing
type UserTypingPayload struct {
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	ExpiresInMs    int64  `json:"expiresInMs"`
}

// ConversationUpdatedPayload nudges a personal channel to refresh its list
type ConversationUpdatedPayload struct {
	ConversationID string    `json:"conversationId"`
	LastMessageID  string    `json:"lastMessageId"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// MessagesReadPayload tells a room that reader has read up to now
type MessagesReadPayload struct {
	ConversationID string `json:"conversationId"`
	Reader         string `json:"reader"`
	Count          int64  `json:"count"`
}

// MessageStatusPayload reports a message's new delivery state to its sender
type MessageStatusPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Status         Status `json:"status"`
}

// AckPayload is the per-event outcome returned to the sending connection
type AckPayload struct {
	Event     string `json:"event"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

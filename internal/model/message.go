package model

import "time"

// MessageType is the kind of content a message carries
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageAudio MessageType = "audio"
	MessageEmoji MessageType = "emoji"
)

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageAudio, MessageEmoji:
		return true
	}
	return false
}

// Status is the delivery state of a message. It only moves forward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; unknown statuses rank 0
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s.Rank() > 0
}

// DefaultReaction is used when a reaction arrives without an emoji
const DefaultReaction = "❤️"

// Reaction is one user's emoji on a message. A user holds at most one.
type Reaction struct {
	User  string `json:"user"`
	Emoji string `json:"emoji"`
}

// Message is one entry in a conversation's ordered log
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Sender         string      `json:"sender"`
	Receiver       string      `json:"receiver"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
	ImageURL       string      `json:"imageUrl,omitempty"`
	AudioURL       string      `json:"audioUrl,omitempty"`
	Reactions      []Reaction  `json:"reactions"`
	ReplyToID      string      `json:"-"`
	ReplyTo        *Message    `json:"replyTo,omitempty"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`

	// Seq breaks ties between equal CreatedAt values
	Seq int64 `json:"-"`
}

// Before reports whether m sorts before o in conversation order
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Seq < o.Seq
}

// ReactionOf returns the emoji userID reacted with, if any
func (m Message) ReactionOf(userID string) (string, bool) {
	for _, r := range m.Reactions {
		if r.User == userID {
			return r.Emoji, true
		}
	}
	return "", false
}

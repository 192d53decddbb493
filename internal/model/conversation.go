package model

import (
	"sort"
	"strings"
	"time"
)

// Conversation is the unique two-party channel between two users
type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs [2]string `json:"-"`
	Participants   []User    `json:"participants"`
	LastMessageID  string    `json:"-"`
	LastMessage    *Message  `json:"lastMessage"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// PairKey returns the order-independent key of a participant pair
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

// NormalizedPair returns both ids in the order used by PairKey
func NormalizedPair(a, b string) [2]string {
	if b < a {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}

// PairKey returns the key of the conversation's own participants
func (c Conversation) PairKey() string {
	return PairKey(c.ParticipantIDs[0], c.ParticipantIDs[1])
}

// HasParticipant reports whether userID is one of the two participants
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantIDs[0] == userID || c.ParticipantIDs[1] == userID)
}

// Other returns the participant that is not userID
func (c Conversation) Other(userID string) string {
	if c.ParticipantIDs[0] == userID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

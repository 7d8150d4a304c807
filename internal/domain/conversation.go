package domain

import "time"

// Conversation is a user-owned thread of messages. UpdatedAt drives recency ordering.
type Conversation struct {
	ID        string    `json:"conversation_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecencyKey is the ordering key of a conversation in its owner's listing.
// ConversationID breaks ties between identical UpdatedAt values.
type RecencyKey struct {
	UpdatedAt      string
	ConversationID string
}

// ConversationPage is one page of a user's conversations, most recent first.
type ConversationPage struct {
	Conversations []Conversation
	Next          *RecencyKey
}

package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single immutable entry in a conversation log.
// SortKey orders messages within the conversation.
type Message struct {
	ConversationID string    `json:"conversation_id"`
	SortKey        string    `json:"-"`
	ID             string    `json:"message_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Model          string    `json:"model,omitempty"`
	TokensUsed     *int      `json:"tokens_used,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessagePage is one page of a conversation log in chronological order.
// NextKey is empty when no messages remain.
type MessagePage struct {
	Messages []Message
	NextKey  string
}

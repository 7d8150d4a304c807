package domain

// ChatMessage is the provider-agnostic chat message shape used by the orchestrator
// and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is everything a model provider needs for one streamed completion.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []ChatMessage
}

type StreamEventType int

const (
	StreamDelta StreamEventType = iota
	StreamDone
	StreamError
)

// StreamEvent is one item of a provider stream. A stream carries zero or more
// deltas followed by at most one Done or Error, after which the channel closes.
type StreamEvent struct {
	Type         StreamEventType
	Text         string
	InputTokens  int
	OutputTokens int
	Err          error
}

type ChatEventType string

const (
	EventTextDelta   ChatEventType = "text_delta"
	EventMessageDone ChatEventType = "message_done"
	EventError       ChatEventType = "error"
)

// ChatEvent is what the client receives on the chat stream.
type ChatEvent struct {
	Type           ChatEventType `json:"type"`
	Content        string        `json:"content,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	MessageID      string        `json:"message_id,omitempty"`
}

package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"family-assistant/internal/domain"
)

const (
	defaultHistoryLimit     = 50
	defaultPersistAttempts  = 3
	defaultPersistBackoff   = 200 * time.Millisecond
	providerFailureMessage  = "Failed to connect to AI service. Please try again."
	persistFailureMessage   = "The response could not be saved. Please try again."
	interruptedStreamReason = "stream ended without a terminal event"
)

type MessageStore interface {
	Append(ctx context.Context, conversationID string, role domain.Role, content, model string, tokensUsed *int) (domain.Message, error)
	List(ctx context.Context, conversationID string, limit int, after string) (domain.MessagePage, error)
	Recent(ctx context.Context, conversationID string, n int) ([]domain.Message, error)
	DeleteAll(ctx context.Context, conversationID string) error
}

type ConversationDirectory interface {
	Create(ctx context.Context, userID, title string) (domain.Conversation, error)
	Get(ctx context.Context, conversationID string) (domain.Conversation, bool, error)
	Touch(ctx context.Context, conversationID string, ts time.Time) error
	ListForUser(ctx context.Context, userID string, limit int, after *domain.RecencyKey) (domain.ConversationPage, error)
	Delete(ctx context.Context, conversationID string) error
}

// ModelProvider streams one completion. The returned channel carries deltas and then
// at most one Done or Error event before it is closed.
type ModelProvider interface {
	StreamCompletion(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamEvent, error)
}

type SystemPromptSource interface {
	SystemPrompt(ctx context.Context) (string, error)
}

// EventSink receives chat events for one client. Send fails once the client is gone.
type EventSink interface {
	Send(ev domain.ChatEvent) error
}

type ChatConfig struct {
	DefaultModel  string
	AllowedModels []string
	HistoryLimit  int
	// PersistAttempts bounds the assistant-message write. Zero means the default.
	PersistAttempts int
	PersistBackoff  time.Duration
}

type ChatService struct {
	convs    ConversationDirectory
	msgs     MessageStore
	provider ModelProvider
	prompts  SystemPromptSource
	log      *zap.Logger

	defaultModel    string
	allowedModels   map[string]bool
	historyLimit    int
	persistAttempts int
	persistBackoff  time.Duration
}

type ChatInput struct {
	Message        string
	ConversationID string
	Model          string
	// CorrelationID is attached to every log line of the turn.
	CorrelationID  string
}

func NewChatService(convs ConversationDirectory, msgs MessageStore, provider ModelProvider, prompts SystemPromptSource, log *zap.Logger, cfg ChatConfig) (*ChatService, error) {
	if convs == nil {
		return nil, errors.New("usecase: conversation directory must not be nil")
	}
	if msgs == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if provider == nil {
		return nil, errors.New("usecase: model provider must not be nil")
	}
	if prompts == nil {
		return nil, errNoPromptSource
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		return nil, errors.New("usecase: default model must not be empty")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = defaultPersistAttempts
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = defaultPersistBackoff
	}

	allowed := map[string]bool{}
	for _, m := range cfg.AllowedModels {
		if m = strings.TrimSpace(m); m != "" {
			allowed[m] = true
		}
	}
	return &ChatService{
		convs:           convs,
		msgs:            msgs,
		provider:        provider,
		prompts:         prompts,
		log:             log,
		defaultModel:    strings.TrimSpace(cfg.DefaultModel),
		allowedModels:   allowed,
		historyLimit:    cfg.HistoryLimit,
		persistAttempts: cfg.PersistAttempts,
		persistBackoff:  cfg.PersistBackoff,
	}, nil
}

// Begin resolves the conversation, records the user's turn and prepares the model
// request. Every error it returns is request-level: nothing has been streamed yet.
func (s *ChatService) Begin(ctx context.Context, p domain.Principal, in ChatInput) (*Turn, error) {
	if p.UserID == "" {
		return nil, newUserError(ErrorUnauthorized, "missing_principal", "Authentication required")
	}
	if strings.TrimSpace(in.Message) == "" {
		return nil, newUserError(ErrorInvalidInput, "empty_message", "message is required")
	}
	model, err := s.resolveModel(in.Model)
	if err != nil {
		return nil, err
	}

	t := &Turn{svc: s, model: model, state: StateResolvingConversation}
	log := s.log.With(zap.String("user_id", p.UserID))
	if in.CorrelationID != "" {
		log = log.With(zap.String("correlation_id", in.CorrelationID))
	}

	conv, err := s.resolveConversation(ctx, p.UserID, strings.TrimSpace(in.ConversationID), in.Message)
	if err != nil {
		return nil, err
	}
	t.Conversation = conv
	log = log.With(zap.String("conversation_id", conv.ID))

	t.setState(log, StatePersistingUserTurn)
	userMsg, err := s.msgs.Append(ctx, conv.ID, domain.RoleUser, in.Message, "", nil)
	if err != nil {
		return nil, newError(ErrorInternal, "user_message_write_error", err)
	}
	t.UserMessage = userMsg
	if err := s.convs.Touch(ctx, conv.ID, userMsg.CreatedAt); err != nil {
		log.Warn("conversation recency update failed", zap.Error(err))
	}

	history, err := s.msgs.Recent(ctx, conv.ID, s.historyLimit)
	if err != nil {
		return nil, newError(ErrorInternal, "history_read_error", err)
	}
	systemPrompt, err := s.prompts.SystemPrompt(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "system_prompt_error", err)
	}
	t.request = domain.CompletionRequest{
		Model:        model,
		SystemPrompt: systemPrompt,
		Messages:     historyToPromptMessages(history),
	}
	t.log = log
	return t, nil
}

func (s *ChatService) resolveModel(requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	switch {
	case requested == "":
		return s.defaultModel, nil
	case requested == s.defaultModel, s.allowedModels[requested]:
		return requested, nil
	}
	return "", newUserError(ErrorInvalidInput, "model_not_allowed", "model is not supported")
}

func (s *ChatService) resolveConversation(ctx context.Context, userID, conversationID, message string) (domain.Conversation, error) {
	if conversationID == "" {
		conv, err := s.convs.Create(ctx, userID, conversationTitle(message))
		if err != nil {
			return domain.Conversation{}, newError(ErrorInternal, "conversation_create_error", err)
		}
		return conv, nil
	}
	conv, ok, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "conversation_read_error", err)
	}
	if !ok {
		return domain.Conversation{}, newUserError(ErrorNotFound, "conversation_not_found", "Conversation not found")
	}
	if conv.UserID != userID {
		return domain.Conversation{}, newUserError(ErrorForbidden, "conversation_not_owned", "Not your conversation")
	}
	return conv, nil
}

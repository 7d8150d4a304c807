package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"family-assistant/internal/cursor"
	"family-assistant/internal/domain"
)

const (
	DefaultConversationLimit = 20
	DefaultMessageLimit      = 50
	MaxListLimit             = 1000
)

type ConversationListing struct {
	Items      []domain.Conversation
	NextCursor string
}

type MessageListing struct {
	Items      []domain.Message
	NextCursor string
}

// ConversationService answers the read and delete side of conversations for their owner.
type ConversationService struct {
	convs ConversationDirectory
	msgs  MessageStore
	log   *zap.Logger
}

func NewConversationService(convs ConversationDirectory, msgs MessageStore, log *zap.Logger) (*ConversationService, error) {
	if convs == nil {
		return nil, errors.New("usecase: conversation directory must not be nil")
	}
	if msgs == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversationService{convs: convs, msgs: msgs, log: log}, nil
}

// NormalizeLimit maps non-positive values to def and caps at MaxListLimit.
func NormalizeLimit(limit, def int) int {
	switch {
	case limit <= 0:
		return def
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

// List returns the caller's conversations, most recently updated first.
// An unreadable cursor starts from the beginning.
func (s *ConversationService) List(ctx context.Context, p domain.Principal, limit int, token string) (ConversationListing, error) {
	var after *domain.RecencyKey
	if key, ok := cursor.Decode(cursor.Conversations, token); ok {
		after = &domain.RecencyKey{UpdatedAt: key.Sort, ConversationID: key.ID}
	}
	page, err := s.convs.ListForUser(ctx, p.UserID, NormalizeLimit(limit, DefaultConversationLimit), after)
	if err != nil {
		return ConversationListing{}, newError(ErrorInternal, "conversation_list_error", err)
	}
	out := ConversationListing{Items: page.Conversations}
	if page.Next != nil {
		out.NextCursor = cursor.Encode(cursor.Conversations, cursor.Key{Sort: page.Next.UpdatedAt, ID: page.Next.ConversationID})
	}
	return out, nil
}

func (s *ConversationService) Get(ctx context.Context, p domain.Principal, conversationID string) (domain.Conversation, error) {
	return s.owned(ctx, p, conversationID)
}

// ListMessages pages through a conversation's messages in chronological order.
func (s *ConversationService) ListMessages(ctx context.Context, p domain.Principal, conversationID string, limit int, token string) (MessageListing, error) {
	if _, err := s.owned(ctx, p, conversationID); err != nil {
		return MessageListing{}, err
	}
	var after string
	if key, ok := cursor.Decode(cursor.Messages, token); ok {
		after = key.Sort
	}
	page, err := s.msgs.List(ctx, conversationID, NormalizeLimit(limit, DefaultMessageLimit), after)
	if err != nil {
		return MessageListing{}, newError(ErrorInternal, "message_list_error", err)
	}
	out := MessageListing{Items: page.Messages}
	if page.NextKey != "" {
		out.NextCursor = cursor.Encode(cursor.Messages, cursor.Key{Sort: page.NextKey})
	}
	return out, nil
}

// Delete removes the messages first so a failure never leaves messages without
// their conversation.
func (s *ConversationService) Delete(ctx context.Context, p domain.Principal, conversationID string) error {
	if _, err := s.owned(ctx, p, conversationID); err != nil {
		return err
	}
	if err := s.msgs.DeleteAll(ctx, conversationID); err != nil {
		return newError(ErrorInternal, "message_delete_error", err)
	}
	if err := s.convs.Delete(ctx, conversationID); err != nil {
		return newError(ErrorInternal, "conversation_delete_error", err)
	}
	s.log.Info("conversation deleted", zap.String("conversation_id", conversationID), zap.String("user_id", p.UserID))
	return nil
}

func (s *ConversationService) owned(ctx context.Context, p domain.Principal, conversationID string) (domain.Conversation, error) {
	conv, ok, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "conversation_read_error", err)
	}
	if !ok {
		return domain.Conversation{}, newUserError(ErrorNotFound, "conversation_not_found", "Conversation not found")
	}
	if conv.UserID != p.UserID {
		return domain.Conversation{}, newUserError(ErrorForbidden, "conversation_not_owned", "Not your conversation")
	}
	return conv, nil
}

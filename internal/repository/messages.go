package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"family-assistant/internal/domain"
)

const (
	batchWriteLimit    = 25
	maxBatchRetries    = 5
	batchRetryInterval = 50 * time.Millisecond
)

// MessageStore is the append-only per-conversation message log.
// Items are keyed by conversation_id (hash) and sort_key (range).
type MessageStore struct {
	c *Client
}

func NewMessageStore(c *Client) *MessageStore {
	return &MessageStore{c: c}
}

// messageSortKey orders messages by time and stays unique under same-instant writes.
func messageSortKey(ts time.Time, id string) string {
	return formatTime(ts) + "#" + id
}

// Append writes a new message. It never touches the conversation record.
func (s *MessageStore) Append(ctx context.Context, conversationID string, role domain.Role, content, model string, tokensUsed *int) (domain.Message, error) {
	if conversationID == "" {
		return domain.Message{}, errors.New("repository: Append: conversation id is required")
	}
	now := s.c.now().UTC()
	id := newID()
	msg := domain.Message{
		ConversationID: conversationID,
		SortKey:        messageSortKey(now, id),
		ID:             id,
		Role:           role,
		Content:        content,
		Model:          model,
		TokensUsed:     tokensUsed,
		CreatedAt:      now,
	}

	_, err := s.c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.c.tables.Messages),
		Item:                messageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(#pk) AND attribute_not_exists(#sk)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": "conversation_id",
			"#sk": "sort_key",
		},
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: Append: %w", err)
	}
	return msg, nil
}

// List returns up to limit messages in chronological order, strictly after the
// sort key after (or from the start when after is empty).
func (s *MessageStore) List(ctx context.Context, conversationID string, limit int, after string) (domain.MessagePage, error) {
	if limit <= 0 {
		return domain.MessagePage{}, errors.New("repository: List: limit must be positive")
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.c.tables.Messages),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": "conversation_id",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": sAttr(conversationID),
		},
		ScanIndexForward: aws.Bool(true),
	}
	if after != "" {
		in.KeyConditionExpression = aws.String("#pk = :pk AND #sk > :after")
		in.ExpressionAttributeNames["#sk"] = "sort_key"
		in.ExpressionAttributeValues[":after"] = sAttr(after)
	}

	// One extra item tells us whether another page exists.
	items, err := s.c.queryUpTo(ctx, in, limit+1)
	if err != nil {
		return domain.MessagePage{}, fmt.Errorf("repository: List query: %w", err)
	}
	msgs, err := itemsToMessages(items)
	if err != nil {
		return domain.MessagePage{}, fmt.Errorf("repository: List unmarshal: %w", err)
	}

	page := domain.MessagePage{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.NextKey = msgs[limit-1].SortKey
	}
	return page, nil
}

// Recent returns the newest n messages, oldest first.
func (s *MessageStore) Recent(ctx context.Context, conversationID string, n int) ([]domain.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.c.tables.Messages),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": "conversation_id",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": sAttr(conversationID),
		},
		// Read newest first so the limit favors the most recent context.
		ScanIndexForward: aws.Bool(false),
	}
	items, err := s.c.queryUpTo(ctx, in, n)
	if err != nil {
		return nil, fmt.Errorf("repository: Recent query: %w", err)
	}
	if len(items) > n {
		items = items[:n]
	}
	msgs, err := itemsToMessages(items)
	if err != nil {
		return nil, fmt.Errorf("repository: Recent unmarshal: %w", err)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteAll removes every message of a conversation. No messages is not an error.
func (s *MessageStore) DeleteAll(ctx context.Context, conversationID string) error {
	items, err := s.c.queryUpTo(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.c.tables.Messages),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ProjectionExpression:   aws.String("#pk, #sk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": "conversation_id",
			"#sk": "sort_key",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": sAttr(conversationID),
		},
	}, 0)
	if err != nil {
		return fmt.Errorf("repository: DeleteAll query: %w", err)
	}

	requests := make([]types.WriteRequest, 0, len(items))
	for _, item := range items {
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
				"conversation_id": item["conversation_id"],
				"sort_key":        item["sort_key"],
			}},
		})
	}
	for start := 0; start < len(requests); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(requests))
		if err := s.c.batchWrite(ctx, s.c.tables.Messages, requests[start:end]); err != nil {
			return fmt.Errorf("repository: DeleteAll: %w", err)
		}
	}
	return nil
}

// batchWrite sends one batch and resubmits unprocessed requests a bounded number of times.
func (c *Client) batchWrite(ctx context.Context, table string, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{table: requests}
	for attempt := 0; attempt <= maxBatchRetries; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if out == nil || len(out.UnprocessedItems[table]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * batchRetryInterval):
		}
	}
	return fmt.Errorf("%d delete requests left unprocessed", len(pending[table]))
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"conversation_id": sAttr(msg.ConversationID),
		"sort_key":        sAttr(msg.SortKey),
		"message_id":      sAttr(msg.ID),
		"role":            sAttr(string(msg.Role)),
		"content":         sAttr(msg.Content),
		"created_at":      sAttr(formatTime(msg.CreatedAt)),
	}
	if msg.Model != "" {
		item["model"] = sAttr(msg.Model)
	}
	if msg.TokensUsed != nil {
		item["tokens_used"] = nAttr(*msg.TokensUsed)
	}
	return item
}

func itemsToMessages(items []map[string]types.AttributeValue) ([]domain.Message, error) {
	msgs := make([]domain.Message, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	convID, err := strAttr(item, "conversation_id")
	if err != nil {
		return domain.Message{}, err
	}
	sk, err := strAttr(item, "sort_key")
	if err != nil {
		return domain.Message{}, err
	}
	id, err := strAttr(item, "message_id")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeAttr(item, "created_at")
	if err != nil {
		return domain.Message{}, err
	}

	msg := domain.Message{
		ConversationID: convID,
		SortKey:        sk,
		ID:             id,
		Role:           domain.Role(role),
		Content:        content,
		Model:          optStrAttr(item, "model"),
		CreatedAt:      createdAt,
	}
	if _, ok := item["tokens_used"]; ok {
		tokens, err := intAttr(item, "tokens_used")
		if err != nil {
			return domain.Message{}, err
		}
		msg.TokensUsed = &tokens
	}
	return msg, nil
}

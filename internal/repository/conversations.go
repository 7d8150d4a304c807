package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"family-assistant/internal/domain"
)

// ConversationDirectory indexes conversations per user by recency.
//
// The user_conversations-index GSI is keyed by user_id (hash) and recency_key (range),
// where recency_key is "<updated_at>#<conversation_id>". Keeping the id in the range key
// makes ordering and cursors deterministic when two conversations share updated_at.
type ConversationDirectory struct {
	c *Client
}

func NewConversationDirectory(c *Client) *ConversationDirectory {
	return &ConversationDirectory{c: c}
}

func recencyKey(updatedAt, conversationID string) string {
	return updatedAt + "#" + conversationID
}

// Create stores a new conversation owned by userID.
func (d *ConversationDirectory) Create(ctx context.Context, userID, title string) (domain.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Conversation{}, errors.New("repository: Create: user id is required")
	}
	now := d.c.now().UTC()
	conv := domain.Conversation{
		ID:        newID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := d.c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(d.c.tables.Conversations),
		Item:                     conversationItem(conv),
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": "conversation_id"},
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Create: %w", err)
	}
	return conv, nil
}

// Get returns the conversation, or ok=false when it does not exist.
func (d *ConversationDirectory) Get(ctx context.Context, conversationID string) (domain.Conversation, bool, error) {
	if conversationID == "" {
		return domain.Conversation{}, false, nil
	}
	out, err := d.c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.c.tables.Conversations),
		Key: map[string]types.AttributeValue{
			"conversation_id": sAttr(conversationID),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, false, nil
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: Get unmarshal: %w", err)
	}
	return conv, true, nil
}

// Touch moves updated_at forward to ts. A deleted conversation or a newer stored
// updated_at leaves the record as it is.
func (d *ConversationDirectory) Touch(ctx context.Context, conversationID string, ts time.Time) error {
	updatedAt := formatTime(ts)
	_, err := d.c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.c.tables.Conversations),
		Key: map[string]types.AttributeValue{
			"conversation_id": sAttr(conversationID),
		},
		UpdateExpression:    aws.String("SET #u = :u, #r = :r"),
		ConditionExpression: aws.String("attribute_exists(#pk) AND #u <= :u"),
		ExpressionAttributeNames: map[string]string{
			"#pk": "conversation_id",
			"#u":  "updated_at",
			"#r":  "recency_key",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": sAttr(updatedAt),
			":r": sAttr(recencyKey(updatedAt, conversationID)),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil
		}
		return fmt.Errorf("repository: Touch: %w", err)
	}
	return nil
}

// ListForUser returns up to limit conversations, most recently updated first,
// strictly after the given key.
func (d *ConversationDirectory) ListForUser(ctx context.Context, userID string, limit int, after *domain.RecencyKey) (domain.ConversationPage, error) {
	if limit <= 0 {
		return domain.ConversationPage{}, errors.New("repository: ListForUser: limit must be positive")
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(d.c.tables.Conversations),
		IndexName:              aws.String(userConversationsIndex),
		KeyConditionExpression: aws.String("#uid = :uid"),
		ExpressionAttributeNames: map[string]string{
			"#uid": "user_id",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": sAttr(userID),
		},
		ScanIndexForward: aws.Bool(false),
	}
	if after != nil {
		in.KeyConditionExpression = aws.String("#uid = :uid AND #r < :after")
		in.ExpressionAttributeNames["#r"] = "recency_key"
		in.ExpressionAttributeValues[":after"] = sAttr(recencyKey(after.UpdatedAt, after.ConversationID))
	}

	items, err := d.c.queryUpTo(ctx, in, limit+1)
	if err != nil {
		return domain.ConversationPage{}, fmt.Errorf("repository: ListForUser query: %w", err)
	}
	convs := make([]domain.Conversation, 0, len(items))
	for _, item := range items {
		conv, err := itemToConversation(item)
		if err != nil {
			return domain.ConversationPage{}, fmt.Errorf("repository: ListForUser unmarshal: %w", err)
		}
		convs = append(convs, conv)
	}

	page := domain.ConversationPage{Conversations: convs}
	if len(convs) > limit {
		page.Conversations = convs[:limit]
		last := convs[limit-1]
		page.Next = &domain.RecencyKey{
			UpdatedAt:      formatTime(last.UpdatedAt),
			ConversationID: last.ID,
		}
	}
	return page, nil
}

// Delete removes the conversation record only; callers delete messages first.
func (d *ConversationDirectory) Delete(ctx context.Context, conversationID string) error {
	_, err := d.c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.c.tables.Conversations),
		Key: map[string]types.AttributeValue{
			"conversation_id": sAttr(conversationID),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	updatedAt := formatTime(conv.UpdatedAt)
	return map[string]types.AttributeValue{
		"conversation_id": sAttr(conv.ID),
		"user_id":         sAttr(conv.UserID),
		"title":           sAttr(conv.Title),
		"created_at":      sAttr(formatTime(conv.CreatedAt)),
		"updated_at":      sAttr(updatedAt),
		"recency_key":     sAttr(recencyKey(updatedAt, conv.ID)),
	}
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversation_id")
	if err != nil {
		return domain.Conversation{}, err
	}
	userID, err := strAttr(item, "user_id")
	if err != nil {
		return domain.Conversation{}, err
	}
	createdAt, err := timeAttr(item, "created_at")
	if err != nil {
		return domain.Conversation{}, err
	}
	updatedAt, err := timeAttr(item, "updated_at")
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{
		ID:        id,
		UserID:    userID,
		Title:     optStrAttr(item, "title"),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"family-assistant/internal/domain"
)

var (
	ErrInviteCodeExists      = domain.ErrInviteCodeExists
	ErrInviteCodeUnavailable = domain.ErrInviteCodeUnavailable
)

// DeviceRegistry stores users, their devices and the invite codes that admit them.
type DeviceRegistry struct {
	c *Client
}

func NewDeviceRegistry(c *Client) *DeviceRegistry {
	return &DeviceRegistry{c: c}
}

// FindPrincipalByToken resolves a device token to its owner.
func (r *DeviceRegistry) FindPrincipalByToken(ctx context.Context, token string) (domain.Principal, bool, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Principal{}, false, nil
	}
	out, err := r.c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.c.tables.Devices),
		IndexName:              aws.String(deviceTokenIndex),
		KeyConditionExpression: aws.String("#t = :t"),
		ExpressionAttributeNames: map[string]string{
			"#t": "device_token",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": sAttr(token),
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return domain.Principal{}, false, fmt.Errorf("repository: FindPrincipalByToken query: %w", err)
	}
	if len(out.Items) == 0 {
		return domain.Principal{}, false, nil
	}
	device := out.Items[0]
	deviceID, err := strAttr(device, "device_id")
	if err != nil {
		return domain.Principal{}, false, fmt.Errorf("repository: FindPrincipalByToken unmarshal: %w", err)
	}
	userID, err := strAttr(device, "user_id")
	if err != nil {
		return domain.Principal{}, false, fmt.Errorf("repository: FindPrincipalByToken unmarshal: %w", err)
	}

	userOut, err := r.c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.c.tables.Users),
		Key: map[string]types.AttributeValue{
			"user_id": sAttr(userID),
		},
	})
	if err != nil {
		return domain.Principal{}, false, fmt.Errorf("repository: FindPrincipalByToken get user: %w", err)
	}
	if userOut == nil || len(userOut.Item) == 0 {
		return domain.Principal{}, false, nil
	}
	name, err := strAttr(userOut.Item, "name")
	if err != nil {
		return domain.Principal{}, false, fmt.Errorf("repository: FindPrincipalByToken unmarshal user: %w", err)
	}
	role := optStrAttr(userOut.Item, "role")
	if role == "" {
		role = domain.RoleMember
	}
	return domain.Principal{
		UserID:   userID,
		Name:     name,
		Role:     role,
		DeviceID: deviceID,
	}, true, nil
}

// GetInviteCode returns the stored invite code, or ok=false when unknown.
func (r *DeviceRegistry) GetInviteCode(ctx context.Context, code string) (domain.InviteCode, bool, error) {
	out, err := r.c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.c.tables.InviteCodes),
		Key: map[string]types.AttributeValue{
			"code": sAttr(code),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.InviteCode{}, false, fmt.Errorf("repository: GetInviteCode: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.InviteCode{}, false, nil
	}
	status, err := strAttr(out.Item, "status")
	if err != nil {
		return domain.InviteCode{}, false, fmt.Errorf("repository: GetInviteCode unmarshal: %w", err)
	}
	return domain.InviteCode{
		Code:      code,
		CreatedBy: optStrAttr(out.Item, "created_by"),
		Status:    status,
		IsAdmin:   boolAttr(out.Item, "is_admin"),
		ExpiresAt: optStrAttr(out.Item, "expires_at"),
		UsedBy:    optStrAttr(out.Item, "used_by"),
	}, true, nil
}

// PutInviteCode stores a new invite code. An existing code is never overwritten.
func (r *DeviceRegistry) PutInviteCode(ctx context.Context, invite domain.InviteCode) error {
	item := map[string]types.AttributeValue{
		"code":       sAttr(invite.Code),
		"created_by": sAttr(invite.CreatedBy),
		"status":     sAttr(invite.Status),
		"is_admin":   &types.AttributeValueMemberBOOL{Value: invite.IsAdmin},
	}
	if invite.ExpiresAt != "" {
		item["expires_at"] = sAttr(invite.ExpiresAt)
	}
	_, err := r.c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(r.c.tables.InviteCodes),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": "code"},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrInviteCodeExists
		}
		return fmt.Errorf("repository: PutInviteCode: %w", err)
	}
	return nil
}

// Redeem creates the user and device and marks the invite code used in one transaction.
// It fails with ErrInviteCodeUnavailable when the code is not active any more.
func (r *DeviceRegistry) Redeem(ctx context.Context, code string, user domain.User, device domain.Device) error {
	if user.ID == "" || device.ID == "" || device.Token == "" {
		return errors.New("repository: Redeem: user id, device id and token are required")
	}
	_, err := r.c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName: aws.String(r.c.tables.Users),
					Item: map[string]types.AttributeValue{
						"user_id":    sAttr(user.ID),
						"name":       sAttr(user.Name),
						"role":       sAttr(user.Role),
						"created_at": sAttr(formatTime(user.CreatedAt)),
					},
					ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
					ExpressionAttributeNames: map[string]string{"#pk": "user_id"},
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(r.c.tables.Devices),
					Item: map[string]types.AttributeValue{
						"device_id":     sAttr(device.ID),
						"user_id":       sAttr(device.UserID),
						"device_token":  sAttr(device.Token),
						"platform":      sAttr(device.Platform),
						"device_name":   sAttr(device.Name),
						"registered_at": sAttr(formatTime(device.RegisteredAt)),
					},
					ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
					ExpressionAttributeNames: map[string]string{"#pk": "device_id"},
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(r.c.tables.InviteCodes),
					Key: map[string]types.AttributeValue{
						"code": sAttr(code),
					},
					UpdateExpression:    aws.String("SET #s = :used, #by = :uid"),
					ConditionExpression: aws.String("#s = :active"),
					ExpressionAttributeNames: map[string]string{
						"#s":  "status",
						"#by": "used_by",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":used":   sAttr(domain.InviteUsed),
						":active": sAttr(domain.InviteActive),
						":uid":    sAttr(user.ID),
					},
				},
			},
		},
	})
	if err != nil {
		if isTransactionCanceled(err) {
			return ErrInviteCodeUnavailable
		}
		return fmt.Errorf("repository: Redeem: %w", err)
	}
	return nil
}

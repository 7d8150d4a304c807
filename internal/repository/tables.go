package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// tableAdminAPI is the DynamoDB surface needed to bootstrap tables on DynamoDB Local.
type tableAdminAPI interface {
	ListTables(ctx context.Context, in *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// TableDefinitions describes every table the service reads and writes.
func TableDefinitions(t Tables) []*dynamodb.CreateTableInput {
	return []*dynamodb.CreateTableInput{
		tableDef(t.Users, "user_id", "", nil),
		tableDef(t.Devices, "device_id", "", []indexDef{
			{name: deviceTokenIndex, hash: "device_token"},
		}),
		tableDef(t.InviteCodes, "code", "", nil),
		tableDef(t.Conversations, "conversation_id", "", []indexDef{
			{name: userConversationsIndex, hash: "user_id", rng: "recency_key"},
		}),
		tableDef(t.Messages, "conversation_id", "sort_key", nil),
	}
}

type indexDef struct {
	name string
	hash string
	rng  string
}

func tableDef(name, hash, rng string, indexes []indexDef) *dynamodb.CreateTableInput {
	seen := map[string]bool{}
	var attrs []types.AttributeDefinition
	addAttr := func(n string) {
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		attrs = append(attrs, types.AttributeDefinition{
			AttributeName: aws.String(n),
			AttributeType: types.ScalarAttributeTypeS,
		})
	}

	addAttr(hash)
	addAttr(rng)
	in := &dynamodb.CreateTableInput{
		TableName:   aws.String(name),
		KeySchema:   keySchema(hash, rng),
		BillingMode: types.BillingModePayPerRequest,
	}
	for _, idx := range indexes {
		addAttr(idx.hash)
		addAttr(idx.rng)
		in.GlobalSecondaryIndexes = append(in.GlobalSecondaryIndexes, types.GlobalSecondaryIndex{
			IndexName:  aws.String(idx.name),
			KeySchema:  keySchema(idx.hash, idx.rng),
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		})
	}
	in.AttributeDefinitions = attrs
	return in
}

func keySchema(hash, rng string) []types.KeySchemaElement {
	ks := []types.KeySchemaElement{{AttributeName: aws.String(hash), KeyType: types.KeyTypeHash}}
	if rng != "" {
		ks = append(ks, types.KeySchemaElement{AttributeName: aws.String(rng), KeyType: types.KeyTypeRange})
	}
	return ks
}

// EnsureTables creates any missing table and returns the names it created.
// Intended for DynamoDB Local; deployed tables are provisioned outside the service.
func EnsureTables(ctx context.Context, api tableAdminAPI, t Tables) ([]string, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	existing := map[string]bool{}
	var start *string
	for {
		out, err := api.ListTables(ctx, &dynamodb.ListTablesInput{ExclusiveStartTableName: start})
		if err != nil {
			return nil, fmt.Errorf("repository: EnsureTables list: %w", err)
		}
		for _, name := range out.TableNames {
			existing[name] = true
		}
		if out.LastEvaluatedTableName == nil {
			break
		}
		start = out.LastEvaluatedTableName
	}

	var created []string
	for _, def := range TableDefinitions(t) {
		name := aws.ToString(def.TableName)
		if existing[name] {
			continue
		}
		if _, err := api.CreateTable(ctx, def); err != nil {
			var inUse *types.ResourceInUseException
			if errors.As(err, &inUse) {
				continue
			}
			return created, fmt.Errorf("repository: EnsureTables create %s: %w", name, err)
		}
		created = append(created, name)
	}
	return created, nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/capitalize-ai/line-relay/internal/model"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore keeps sessions in a DynamoDB table keyed by user_id.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
}

// NewDynamoStore creates a store on tableName using the default AWS config chain.
func NewDynamoStore(ctx context.Context, tableName string) (*DynamoStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return newDynamoStore(dynamodb.NewFromConfig(awsCfg), tableName)
}

func newDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

func userKey(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id": &types.AttributeValueMemberS{Value: userID},
	}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// Get returns the session for userID.
func (s *DynamoStore) Get(ctx context.Context, userID string) (*model.ConversationSession, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            userKey(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	return &model.ConversationSession{
		UserID:         stringAttr(out.Item, "user_id"),
		ConversationID: stringAttr(out.Item, "conversation_id"),
		CreatedAt:      parseTime(stringAttr(out.Item, "created_at")),
		LastActiveAt:   parseTime(stringAttr(out.Item, "last_active_at")),
	}, nil
}

// Upsert writes the session item. created_at is only set on first write.
func (s *DynamoStore) Upsert(ctx context.Context, session *model.ConversationSession) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              userKey(session.UserID),
		UpdateExpression: aws.String("SET conversation_id = :cid, last_active_at = :ts, created_at = if_not_exists(created_at, :created)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid":     &types.AttributeValueMemberS{Value: session.ConversationID},
			":ts":      &types.AttributeValueMemberS{Value: formatTime(session.LastActiveAt)},
			":created": &types.AttributeValueMemberS{Value: formatTime(session.CreatedAt)},
		},
	})
	if err != nil {
		return fmt.Errorf("store: upsert session: %w", err)
	}
	return nil
}

// Expire clears the conversation id of an existing session.
func (s *DynamoStore) Expire(ctx context.Context, userID string) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 userKey(userID),
		UpdateExpression:    aws.String("SET conversation_id = :empty"),
		ConditionExpression: aws.String("attribute_exists(user_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberS{Value: ""},
		},
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: expire session: %w", err)
	}
	return nil
}

// Ping checks that the table is reachable.
func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	return err
}

// Close is a no-op; the SDK client holds no long-lived resources.
func (s *DynamoStore) Close() error { return nil }

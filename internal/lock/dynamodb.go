// Implements a lock provider on DynamoDB conditional writes.

package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DDBClient is the subset of the DynamoDB API used by the DynamoDB provider.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDB is a Provider storing one item per held lock.
//
// Table schema:
//   - Partition key: resource (string)
//   - token (string): the holder
//   - expires_at (number): unix milliseconds after which the lease may be taken
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name docstore-locks \
//	  --attribute-definitions AttributeName=resource,AttributeType=S \
//	  --key-schema AttributeName=resource,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
//
// Enabling DynamoDB TTL on expires_at is optional; expired items are
// overwritten on acquisition anyway.
type DynamoDB struct {
	client DDBClient
	table  string
	clock  func() time.Time
}

// NewDynamoDB returns a DynamoDB provider using table.
func NewDynamoDB(client DDBClient, table string) *DynamoDB {
	return &DynamoDB{client: client, table: table, clock: time.Now}
}

// TryAcquire implements Provider.
func (p *DynamoDB) TryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	now := p.clock()
	_, err := p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.table),
		Item: map[string]types.AttributeValue{
			"resource":   &types.AttributeValueMemberS{Value: resource},
			"token":      &types.AttributeValueMemberS{Value: token},
			"expires_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).UnixMilli(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(#r) OR #e < :now OR #t = :token"),
		ExpressionAttributeNames: map[string]string{
			"#r": "resource",
			"#e": "expires_at",
			"#t": "token",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":   &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			":token": &types.AttributeValueMemberS{Value: token},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to put lock item: %w", err)
	}
	return true, nil
}

// Release implements Provider.
func (p *DynamoDB) Release(ctx context.Context, resource, token string) error {
	_, err := p.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(p.table),
		Key: map[string]types.AttributeValue{
			"resource": &types.AttributeValueMemberS{Value: resource},
		},
		ConditionExpression:      aws.String("#t = :token"),
		ExpressionAttributeNames: map[string]string{"#t": "token"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: token},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrNotHeld
		}
		return fmt.Errorf("failed to delete lock item: %w", err)
	}
	return nil
}

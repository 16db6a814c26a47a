package cache

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Attribute names of a DynamoDB index item.
const (
	DynamoKeyAttribute       = "plate_hash"
	DynamoCreatedAtAttribute = "created_at"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoIndex.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoIndex keeps one item per cached fingerprint, keyed by plate_hash.
type DynamoIndex struct {
	client DynamoDBAPI
	table  string
}

func NewDynamoIndex(client DynamoDBAPI, table string) *DynamoIndex {
	return &DynamoIndex{client: client, table: table}
}

func (d *DynamoIndex) Has(ctx context.Context, fingerprint string) (bool, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			DynamoKeyAttribute: &types.AttributeValueMemberS{Value: fingerprint},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, err
	}
	return len(out.Item) > 0, nil
}

func (d *DynamoIndex) Record(ctx context.Context, fingerprint string, createdAt time.Time) error {
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			DynamoKeyAttribute:       &types.AttributeValueMemberS{Value: fingerprint},
			DynamoCreatedAtAttribute: &types.AttributeValueMemberS{Value: createdAt.Format(time.RFC3339)},
		},
	})
	return err
}

var _ Index = (*DynamoIndex)(nil)

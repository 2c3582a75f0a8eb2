package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/georgepadayatti/signflow/workflow"
)

// MaxItemSize is DynamoDB's limit on the size of one item.
const MaxItemSize = 400 * 1024

// ErrItemTooLarge is returned by Set when a signing context, usually one
// carrying a large appearance image, would not fit in a DynamoDB item.
var ErrItemTooLarge = errors.New("signing context exceeds the DynamoDB item size limit")

// DynamoDBOptions configures NewDynamoDB.
type DynamoDBOptions struct {
	Table  string
	Region string
	// Endpoint overrides the DynamoDB endpoint, e.g. for DynamoDB Local.
	Endpoint string
}

// DynamoDB stores signing contexts in a table keyed by "key". The table's
// TTL attribute must be "expires_at"; since DynamoDB deletes expired items
// lazily, Get also checks it.
type DynamoDB struct {
	client *dynamodb.Client
	table  string
	clock  func() time.Time
}

type contextItem struct {
	Key       string `dynamodbav:"key"`
	Payload   string `dynamodbav:"payload"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// size is the item size as DynamoDB counts it: attribute names plus values,
// with numbers taken at their decimal length.
func (i contextItem) size() int {
	return len("key") + len(i.Key) +
		len("payload") + len(i.Payload) +
		len("expires_at") + len(strconv.FormatInt(i.ExpiresAt, 10))
}

// NewDynamoDB creates a cache using the default AWS credential chain.
func NewDynamoDB(ctx context.Context, opts DynamoDBOptions) (*DynamoDB, error) {
	if opts.Table == "" {
		return nil, errors.New("table must be provided")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewDynamoDBFromClient(client, opts.Table), nil
}

// NewDynamoDBFromClient wraps an existing client.
func NewDynamoDBFromClient(client *dynamodb.Client, table string) *DynamoDB {
	return &DynamoDB{client: client, table: table, clock: time.Now}
}

func (d *DynamoDB) Set(ctx context.Context, key string, sc *workflow.SigningContext, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("invalid ttl %s", ttl)
	}
	payload, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to encode signing context: %w", err)
	}
	item := contextItem{
		Key:       key,
		Payload:   string(payload),
		ExpiresAt: d.clock().Add(ttl).Unix(),
	}
	if n := item.size(); n > MaxItemSize {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrItemTooLarge, key, n, MaxItemSize)
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal cache item: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put item in DynamoDB: %w", err)
	}
	return nil
}

func (d *DynamoDB) Get(ctx context.Context, key string) (*workflow.SigningContext, error) {
	k, err := attributevalue.MarshalMap(map[string]string{"key": key})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	proj := expression.NamesList(expression.Name("payload"), expression.Name("expires_at"))
	expr, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build projection: %w", err)
	}
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(d.table),
		Key:                      k,
		ConsistentRead:           aws.Bool(true),
		ProjectionExpression:     expr.Projection(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item from DynamoDB: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%s: %w", key, workflow.ErrContextMissing)
	}
	var item contextItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache item: %w", err)
	}
	if item.ExpiresAt <= d.clock().Unix() {
		return nil, fmt.Errorf("%s: %w", key, workflow.ErrContextMissing)
	}
	var sc workflow.SigningContext
	if err := json.Unmarshal([]byte(item.Payload), &sc); err != nil {
		return nil, fmt.Errorf("failed to decode signing context: %w", err)
	}
	return &sc, nil
}

func (d *DynamoDB) Delete(ctx context.Context, key string) error {
	k, err := attributevalue.MarshalMap(map[string]string{"key": key})
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	_, err = d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       k,
	})
	if err != nil {
		return fmt.Errorf("failed to delete item from DynamoDB: %w", err)
	}
	return nil
}

var _ workflow.ContextCache = (*DynamoDB)(nil)

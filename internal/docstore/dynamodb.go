package docstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/rzpsarthak13/history-absorber/internal/core"
	"github.com/rzpsarthak13/history-absorber/internal/update"
)

// ErrConflict is returned when a document kept changing underneath a
// read-modify-write for every retry.
var ErrConflict = errors.New("document modified concurrently")

// dynamoAPI is the subset of the DynamoDB client the store uses.
type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// documentItem is one document as stored in DynamoDB.
type documentItem struct {
	DocID     string `dynamodbav:"doc_id"`
	Body      string `dynamodbav:"body"`
	Version   int64  `dynamodbav:"version"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

// DynamoDBStore stores each document as a JSON body with a version number.
// Updates are read-modify-write guarded by a conditional put on the version.
type DynamoDBStore struct {
	client    dynamoAPI
	tableName string
	retries   int
	closed    atomic.Bool
}

// NewDynamoDBStore wraps an existing client.
func NewDynamoDBStore(client dynamoAPI, tableName string, conflictRetries int) *DynamoDBStore {
	if conflictRetries <= 0 {
		conflictRetries = 1
	}
	return &DynamoDBStore{client: client, tableName: tableName, retries: conflictRetries}
}

func (d *DynamoDBStore) load(ctx context.Context, docID string) (map[string]any, int64, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            map[string]types.AttributeValue{"doc_id": &types.AttributeValueMemberS{Value: docID}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get document %s: %w", docID, err)
	}
	if out.Item == nil {
		return make(map[string]any), 0, nil
	}

	var item documentItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal document %s: %w", docID, err)
	}
	doc, err := decodeDocument([]byte(item.Body))
	if err != nil {
		return nil, 0, err
	}
	return doc, item.Version, nil
}

// Apply applies ops with optimistic concurrency, retrying on version
// conflicts.
func (d *DynamoDBStore) Apply(ctx context.Context, docID string, ops []core.UpdateOperation) error {
	if d.closed.Load() {
		return fmt.Errorf("document store is closed")
	}

	for attempt := 1; attempt <= d.retries; attempt++ {
		doc, version, err := d.load(ctx, docID)
		if err != nil {
			return err
		}
		if err := update.Apply(doc, ops); err != nil {
			return err
		}
		body, err := encodeDocument(doc)
		if err != nil {
			return err
		}

		item, err := attributevalue.MarshalMap(documentItem{
			DocID:     docID,
			Body:      string(body),
			Version:   version + 1,
			UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal document %s: %w", docID, err)
		}

		input := &dynamodb.PutItemInput{
			TableName: aws.String(d.tableName),
			Item:      item,
		}
		if version == 0 {
			input.ConditionExpression = aws.String("attribute_not_exists(doc_id)")
		} else {
			input.ConditionExpression = aws.String("version = :v")
			input.ExpressionAttributeValues = map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
			}
		}

		_, err = d.client.PutItem(ctx, input)
		if err == nil {
			return nil
		}

		var conflict *types.ConditionalCheckFailedException
		if !errors.As(err, &conflict) {
			log.Printf("[DYNAMODB] ERROR: Failed to put document %s: %v", docID, err)
			return fmt.Errorf("failed to put document %s: %w", docID, err)
		}
		log.Printf("[DYNAMODB] Version conflict on document %s (attempt %d/%d)", docID, attempt, d.retries)
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrConflict, docID, d.retries)
}

// ReadArray returns the array stored at path in docID.
func (d *DynamoDBStore) ReadArray(ctx context.Context, docID string, path string) ([]core.PlayRecord, error) {
	doc, _, err := d.load(ctx, docID)
	if err != nil {
		return nil, err
	}
	arr, err := update.ArrayAt(doc, path)
	if err != nil {
		return nil, &core.PathError{Path: path, Err: err}
	}
	if arr == nil {
		return []core.PlayRecord{}, nil
	}
	return arr, nil
}

// Close marks the store closed. The SDK client holds no connections that
// need releasing.
func (d *DynamoDBStore) Close() error {
	d.closed.Store(true)
	return nil
}

// DynamoDBStoreFactory creates DynamoDB-backed stores.
type DynamoDBStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *DynamoDBStoreFactory) Type() string {
	return "dynamodb"
}

// Validate validates the DynamoDB-specific configuration.
func (f *DynamoDBStoreFactory) Validate(config Config) error {
	if config.Type != "dynamodb" {
		return fmt.Errorf("invalid type for DynamoDB factory: %s", config.Type)
	}
	dc := config.DynamoDB
	if dc.Region == "" {
		return fmt.Errorf("region is required for DynamoDB")
	}
	if dc.TableName == "" {
		return fmt.Errorf("table_name is required for DynamoDB")
	}
	if (dc.AccessKeyID == "") != (dc.SecretAccessKey == "") {
		return fmt.Errorf("access_key_id and secret_access_key must be set together")
	}
	if dc.ConflictRetries < 0 {
		return fmt.Errorf("conflict_retries must be non-negative, got: %d", dc.ConflictRetries)
	}
	return nil
}

// Create loads AWS configuration and checks the table exists.
func (f *DynamoDBStoreFactory) Create(ctx context.Context, config Config) (core.DocumentStore, error) {
	dc := config.DynamoDB

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(dc.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if dc.AccessKeyID != "" && dc.SecretAccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(dc.AccessKeyID, dc.SecretAccessKey, "")
	}

	var opts []func(*dynamodb.Options)
	if dc.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(dc.Endpoint)
		})
	}
	client := dynamodb.NewFromConfig(cfg, opts...)

	describeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.DescribeTable(describeCtx, &dynamodb.DescribeTableInput{
		TableName: aws.String(dc.TableName),
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to DynamoDB table %s: %w", dc.TableName, err)
	}

	log.Printf("[DYNAMODB] Connected to table %s in %s", dc.TableName, dc.Region)
	return NewDynamoDBStore(client, dc.TableName, dc.ConflictRetries), nil
}

func init() {
	RegisterFactory(&DynamoDBStoreFactory{})
}

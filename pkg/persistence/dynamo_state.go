package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStateStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// NewDynamoClient builds a DynamoDB client from the default AWS credential
// chain. A non-empty endpoint points the client at a local DynamoDB.
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// DynamoStateStore stores device state in a DynamoDB table keyed by device_id
// (number). Writes are conditional on the version read, so a concurrent
// writer makes Update fail with ErrConflict instead of losing an update.
type DynamoStateStore struct {
	client DynamoAPI
	table  string
}

func NewDynamoStateStore(client DynamoAPI, table string) *DynamoStateStore {
	return &DynamoStateStore{client: client, table: table}
}

func (s *DynamoStateStore) key(deviceID int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"device_id": &types.AttributeValueMemberN{Value: strconv.FormatInt(deviceID, 10)},
	}
}

func (s *DynamoStateStore) Get(ctx context.Context, deviceID int64) (*models.DeviceState, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(deviceID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get state %d: %w", deviceID, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var rec dynamoState
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("decode state %d: %w", deviceID, err)
	}
	return rec.model(), nil
}

func (s *DynamoStateStore) Update(ctx context.Context, deviceID int64, fn StateFunc) (*models.DeviceState, error) {
	current, err := s.Get(ctx, deviceID)
	exists := true
	if errors.Is(err, ErrNotFound) {
		current = newState(deviceID)
		exists = false
	} else if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current, err
		}
		return nil, err
	}
	next.Version = current.Version + 1

	item, err := attributevalue.MarshalMap(fromModel(next))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}
	if exists {
		input.ConditionExpression = aws.String("version = :v")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(current.Version, 10)},
		}
	} else {
		input.ConditionExpression = aws.String("attribute_not_exists(device_id)")
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to store state in dynamodb: %w", err)
	}
	return next, nil
}

func (s *DynamoStateStore) List(ctx context.Context) ([]*models.DeviceState, error) {
	var out []*models.DeviceState
	var start map[string]types.AttributeValue
	for {
		page, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scan states: %w", err)
		}
		var recs []dynamoState
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &recs); err != nil {
			return nil, fmt.Errorf("decode states: %w", err)
		}
		for i := range recs {
			out = append(out, recs[i].model())
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		start = page.LastEvaluatedKey
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

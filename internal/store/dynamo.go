package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix = "CODE#"
	skMeta   = "META"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore implements CodeStore using AWS DynamoDB. Each code is one item
// keyed PK=CODE#{code}, SK=META. Timestamps are stored as Unix milliseconds
// so the reaper can filter on activatedAt numerically.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
}

// Compile-time interface check.
var _ CodeStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// codeItem is the on-table shape of a Code.
type codeItem struct {
	PK           string        `dynamodbav:"PK"`
	SK           string        `dynamodbav:"SK"`
	Code         string        `dynamodbav:"code"`
	Status       Status        `dynamodbav:"status"`
	DeviceID     string        `dynamodbav:"deviceId,omitempty"`
	ActivatedAt  int64         `dynamodbav:"activatedAt,omitempty"`
	ResultCache  string        `dynamodbav:"resultCache,omitempty"`
	ArtifactRefs []ArtifactRef `dynamodbav:"artifactRefs,omitempty"`
	CreatedAt    int64         `dynamodbav:"createdAt"`
}

// codePK returns the partition key for a code.
func codePK(code string) string {
	return pkPrefix + code
}

func itemKey(code string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: codePK(code)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func toItem(c *Code) codeItem {
	item := codeItem{
		PK:           codePK(c.Code),
		SK:           skMeta,
		Code:         c.Code,
		Status:       c.Status,
		DeviceID:     c.DeviceID,
		ResultCache:  string(c.ResultCache),
		ArtifactRefs: c.ArtifactRefs,
		CreatedAt:    c.CreatedAt.UnixMilli(),
	}
	if c.ActivatedAt != nil {
		item.ActivatedAt = c.ActivatedAt.UnixMilli()
	}
	return item
}

func (it codeItem) toCode() *Code {
	c := &Code{
		Code:         it.Code,
		Status:       it.Status,
		DeviceID:     it.DeviceID,
		ArtifactRefs: it.ArtifactRefs,
		CreatedAt:    time.UnixMilli(it.CreatedAt).UTC(),
	}
	if it.ActivatedAt != 0 {
		t := time.UnixMilli(it.ActivatedAt).UTC()
		c.ActivatedAt = &t
	}
	if it.ResultCache != "" {
		c.ResultCache = json.RawMessage(it.ResultCache)
	}
	return c
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// --- Code operations ---

func (s *DynamoStore) GetCode(ctx context.Context, code string) (*Code, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            itemKey(code),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "GetItem PK=%s", codePK(code))
	}
	if result.Item == nil {
		return nil, nil
	}
	var item codeItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, errors.Wrapf(err, "unmarshal PK=%s", codePK(code))
	}
	return item.toCode(), nil
}

func (s *DynamoStore) CreateCode(ctx context.Context, code string, createdAt time.Time) (bool, error) {
	item, err := attributevalue.MarshalMap(toItem(&Code{Code: code, Status: StatusUnused, CreatedAt: createdAt}))
	if err != nil {
		return false, errors.Wrap(err, "marshal")
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "PutItem PK=%s", codePK(code))
	}

	log.Debug().Str("code", code).Msg("Code created in DynamoDB")
	return true, nil
}

func (s *DynamoStore) ActivateCode(ctx context.Context, code, deviceID string, at time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 itemKey(code),
		UpdateExpression:    aws.String("SET #s = :used, deviceId = :d, activatedAt = :a"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #s = :unused"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status", // "status" is a DynamoDB reserved word
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":used":   &types.AttributeValueMemberS{Value: string(StatusUsed)},
			":unused": &types.AttributeValueMemberS{Value: string(StatusUnused)},
			":d":      &types.AttributeValueMemberS{Value: deviceID},
			":a":      &types.AttributeValueMemberN{Value: formatMillis(at)},
		},
	})
	if isConditionFailed(err) {
		return ErrConditionFailed
	}
	if err != nil {
		return errors.Wrapf(err, "activate code %s", code)
	}

	log.Debug().Str("code", code).Msg("Code activated in DynamoDB")
	return nil
}

func (s *DynamoStore) RebindDevice(ctx context.Context, code, deviceID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 itemKey(code),
		UpdateExpression:    aws.String("SET deviceId = :d"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #s = :used"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":used": &types.AttributeValueMemberS{Value: string(StatusUsed)},
			":d":    &types.AttributeValueMemberS{Value: deviceID},
		},
	})
	if isConditionFailed(err) {
		return ErrConditionFailed
	}
	if err != nil {
		return errors.Wrapf(err, "rebind device for code %s", code)
	}
	return nil
}

func (s *DynamoStore) SetResult(ctx context.Context, code string, result json.RawMessage, refs []ArtifactRef) error {
	refsAV, err := attributevalue.Marshal(refs)
	if err != nil {
		return errors.Wrap(err, "marshal artifact refs")
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 itemKey(code),
		UpdateExpression:    aws.String("SET resultCache = :r, artifactRefs = :refs"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #s = :used AND attribute_not_exists(resultCache)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":used": &types.AttributeValueMemberS{Value: string(StatusUsed)},
			":r":    &types.AttributeValueMemberS{Value: string(result)},
			":refs": refsAV,
		},
	})
	if isConditionFailed(err) {
		return ErrConditionFailed
	}
	if err != nil {
		return errors.Wrapf(err, "set result for code %s", code)
	}

	log.Debug().Str("code", code).Int("artifacts", len(refs)).Msg("Result cached in DynamoDB")
	return nil
}

// ListActivatedBefore scans the table for activated codes older than cutoff.
// The table is small (one item per code) so a filtered Scan is acceptable for
// an hourly sweep.
func (s *DynamoStore) ListActivatedBefore(ctx context.Context, cutoff time.Time) ([]*Code, error) {
	input := &dynamodb.ScanInput{
		TableName:        &s.tableName,
		FilterExpression: aws.String("SK = :meta AND activatedAt < :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":meta":   &types.AttributeValueMemberS{Value: skMeta},
			":cutoff": &types.AttributeValueMemberN{Value: formatMillis(cutoff)},
		},
	}

	var out []*Code

	// DynamoDB returns up to 1MB per Scan call.
	for {
		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, errors.Wrap(err, "Scan activated codes")
		}
		for _, raw := range result.Items {
			var item codeItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, errors.Wrap(err, "unmarshal scanned code")
			}
			out = append(out, item.toCode())
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return out, nil
}

func (s *DynamoStore) DeleteCode(ctx context.Context, code string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.tableName,
		Key:       itemKey(code),
	})
	if err != nil {
		return errors.Wrapf(err, "DeleteItem PK=%s", codePK(code))
	}

	log.Debug().Str("code", code).Msg("Code deleted from DynamoDB")
	return nil
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

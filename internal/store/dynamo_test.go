package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
)

// stubDynamo records the last request of each kind and returns canned responses.
type stubDynamo struct {
	getOut    *dynamodb.GetItemOutput
	putErr    error
	updateErr error
	scanPages []*dynamodb.ScanOutput

	lastPut    *dynamodb.PutItemInput
	lastUpdate *dynamodb.UpdateItemInput
	scans      int
}

func (s *stubDynamo) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if s.getOut == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return s.getOut, nil
}

func (s *stubDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.lastPut = in
	return &dynamodb.PutItemOutput{}, s.putErr
}

func (s *stubDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	s.lastUpdate = in
	return &dynamodb.UpdateItemOutput{}, s.updateErr
}

func (s *stubDynamo) DeleteItem(_ context.Context, _ *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return &dynamodb.DeleteItemOutput{}, nil
}

func (s *stubDynamo) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	page := s.scanPages[s.scans]
	s.scans++
	return page, nil
}

func TestDynamoItemRoundTrip(t *testing.T) {
	activated := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	in := &Code{
		Code:         "ABC123",
		Status:       StatusUsed,
		DeviceID:     "dev-1",
		ActivatedAt:  &activated,
		ResultCache:  json.RawMessage(`{"face_width":40}`),
		ArtifactRefs: []ArtifactRef{{Role: "child", Key: "ABC123_child.jpg", MIMEType: "image/jpeg"}},
		CreatedAt:    activated.Add(-time.Hour),
	}

	av, err := attributevalue.MarshalMap(toItem(in))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if pk := av["PK"].(*types.AttributeValueMemberS).Value; pk != "CODE#ABC123" {
		t.Errorf("expected PK CODE#ABC123, got %s", pk)
	}

	var item codeItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(in, item.toCode()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDynamoGetCode_NotFound(t *testing.T) {
	s := NewDynamoStore(&stubDynamo{}, "codes")
	c, err := s.GetCode(context.Background(), "NOPE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c != nil {
		t.Errorf("expected nil code, got %+v", c)
	}
}

func TestDynamoCreateCode_Duplicate(t *testing.T) {
	stub := &stubDynamo{putErr: &types.ConditionalCheckFailedException{}}
	s := NewDynamoStore(stub, "codes")

	created, err := s.CreateCode(context.Background(), "ABC123", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("expected duplicate to report created=false")
	}
	if got := *stub.lastPut.ConditionExpression; got != "attribute_not_exists(PK)" {
		t.Errorf("expected attribute_not_exists condition, got %s", got)
	}
}

func TestDynamoSetResult_ConditionFailed(t *testing.T) {
	stub := &stubDynamo{updateErr: &types.ConditionalCheckFailedException{}}
	s := NewDynamoStore(stub, "codes")

	err := s.SetResult(context.Background(), "ABC123", json.RawMessage(`{}`), nil)
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	cond := *stub.lastUpdate.ConditionExpression
	if cond != "attribute_exists(PK) AND #s = :used AND attribute_not_exists(resultCache)" {
		t.Errorf("unexpected condition expression: %s", cond)
	}
}

func TestDynamoListActivatedBefore_Paginates(t *testing.T) {
	page := func(code string, last bool) *dynamodb.ScanOutput {
		av, _ := attributevalue.MarshalMap(toItem(&Code{Code: code, Status: StatusUsed, CreatedAt: time.Unix(0, 0)}))
		out := &dynamodb.ScanOutput{Items: []map[string]types.AttributeValue{av}}
		if !last {
			out.LastEvaluatedKey = itemKey(code)
		}
		return out
	}
	stub := &stubDynamo{scanPages: []*dynamodb.ScanOutput{page("AAA", false), page("BBB", true)}}
	s := NewDynamoStore(stub, "codes")

	codes, err := s.ListActivatedBefore(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(codes) != 2 || codes[0].Code != "AAA" || codes[1].Code != "BBB" {
		t.Errorf("expected [AAA BBB], got %+v", codes)
	}
	if stub.scans != 2 {
		t.Errorf("expected 2 scan calls, got %d", stub.scans)
	}
}

package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	return c
}

func sampleExchange() domain.Exchange {
	return domain.Exchange{
		ID:           "abc",
		Mode:         domain.ModeStream,
		Model:        "gpt-4o-mini",
		MessageCount: 3,
		StatusCode:   429,
		Outcome:      domain.OutcomeFailure,
		ErrorMessage: "quota",
		StartedAt:    fixedNow.Add(-2 * time.Second),
		Latency:      1500 * time.Millisecond,
	}
}

func TestRecordExchange_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.RecordExchange(context.Background(), sampleExchange()))
	in := db.lastPutInput
	require.NotNil(t, in)
	require.Equal(t, "test-table", *in.TableName)
	require.Equal(t, "attribute_not_exists(PK)", *in.ConditionExpression)

	item := in.Item
	require.Equal(t, &types.AttributeValueMemberS{Value: "EXCH#abc"}, item["PK"])
	require.Equal(t, &types.AttributeValueMemberS{Value: skExchange}, item["SK"])
	require.Equal(t, &types.AttributeValueMemberN{Value: "3"}, item["messageCount"])
	require.Equal(t, &types.AttributeValueMemberN{Value: "429"}, item["statusCode"])
	require.Equal(t, &types.AttributeValueMemberN{Value: "1500"}, item["latencyMs"])
	require.Equal(t, &types.AttributeValueMemberS{Value: "quota"}, item["errorMessage"])
	require.Equal(t, &types.AttributeValueMemberS{Value: "2026-03-01T11:59:58Z"}, item["startedAt"])

	ttl, err := intAttr(item, "ttl")
	require.NoError(t, err)
	require.Equal(t, fixedNow.Add(30*24*time.Hour).Unix(), int64(ttl))
}

func TestRecordExchange_OmitsEmptyErrorMessage(t *testing.T) {
	db := &fakeDynamo{}
	ex := sampleExchange()
	ex.ErrorMessage = ""

	require.NoError(t, mustNewClient(t, db).RecordExchange(context.Background(), ex))
	require.NotContains(t, db.lastPutInput.Item, "errorMessage")
}

func TestRecordExchange_KeepsExplicitTTL(t *testing.T) {
	db := &fakeDynamo{}
	ex := sampleExchange()
	ex.TTL = 42

	require.NoError(t, mustNewClient(t, db).RecordExchange(context.Background(), ex))
	require.Equal(t, &types.AttributeValueMemberN{Value: "42"}, db.lastPutInput.Item["ttl"])
}

func TestRecordExchange_MissingID(t *testing.T) {
	db := &fakeDynamo{}
	ex := sampleExchange()
	ex.ID = " "

	err := mustNewClient(t, db).RecordExchange(context.Background(), ex)
	require.ErrorContains(t, err, "id is required")
	require.Nil(t, db.lastPutInput)
}

func TestRecordExchange_DynamoError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("throttled")}

	err := mustNewClient(t, db).RecordExchange(context.Background(), sampleExchange())
	require.ErrorContains(t, err, "repository: RecordExchange: throttled")
}

func TestGetExchange_RoundTrip(t *testing.T) {
	want := sampleExchange()
	want.TTL = ttlValue(fixedNow)
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: exchangeItem(want)}}

	got, err := mustNewClient(t, db).GetExchange(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Mode, got.Mode)
	require.Equal(t, want.StatusCode, got.StatusCode)
	require.Equal(t, want.ErrorMessage, got.ErrorMessage)
	require.Equal(t, want.Latency, got.Latency)
	require.True(t, want.StartedAt.Equal(got.StartedAt))
	require.Equal(t, want.TTL, got.TTL)

	key := db.lastGetInput.Key
	require.Equal(t, &types.AttributeValueMemberS{Value: "EXCH#abc"}, key["PK"])
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestGetExchange_NotFound(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}

	_, err := mustNewClient(t, db).GetExchange(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetExchange_GetItemError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}

	_, err := mustNewClient(t, db).GetExchange(context.Background(), "abc")
	require.ErrorContains(t, err, "GetExchange get item: boom")
}

func TestGetExchange_MalformedItem(t *testing.T) {
	item := exchangeItem(sampleExchange())
	item["statusCode"] = &types.AttributeValueMemberS{Value: "429"}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}

	_, err := mustNewClient(t, db).GetExchange(context.Background(), "abc")
	require.ErrorContains(t, err, `attribute "statusCode" is not a number`)
}

func TestExchangePK(t *testing.T) {
	require.Equal(t, "EXCH#abc", exchangePK("abc"))
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "api must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "table name must not be empty")
}

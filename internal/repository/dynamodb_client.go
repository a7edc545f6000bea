package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-relay/internal/domain"
)

const (
	pkPrefix    = "EXCH#"
	skExchange  = "EXCHANGE"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL
)

// ErrNotFound is returned when no ledger entry exists for an id.
var ErrNotFound = errors.New("repository: exchange not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Client wraps a DynamoDB table holding the exchange ledger.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func exchangePK(id string) string {
	return pkPrefix + id
}

// ttlValue returns a Unix timestamp 30 days after now.
func ttlValue(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

// RecordExchange writes one ledger entry. Entries are immutable; writing the
// same id twice fails.
func (c *Client) RecordExchange(ctx context.Context, ex domain.Exchange) error {
	if strings.TrimSpace(ex.ID) == "" {
		return errors.New("repository: RecordExchange: id is required")
	}
	if ex.TTL == 0 {
		ex.TTL = ttlValue(c.now())
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                exchangeItem(ex),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: RecordExchange: %w", err)
	}
	return nil
}

// GetExchange reads a ledger entry by id.
func (c *Client) GetExchange(ctx context.Context, id string) (domain.Exchange, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: exchangePK(id)},
			"SK": &types.AttributeValueMemberS{Value: skExchange},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Exchange{}, fmt.Errorf("repository: GetExchange get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Exchange{}, ErrNotFound
	}

	ex, err := itemToExchange(out.Item)
	if err != nil {
		return domain.Exchange{}, fmt.Errorf("repository: GetExchange unmarshal: %w", err)
	}
	return ex, nil
}

func exchangeItem(ex domain.Exchange) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: exchangePK(ex.ID)},
		"SK":           &types.AttributeValueMemberS{Value: skExchange},
		"exchangeId":   &types.AttributeValueMemberS{Value: ex.ID},
		"mode":         &types.AttributeValueMemberS{Value: ex.Mode},
		"model":        &types.AttributeValueMemberS{Value: ex.Model},
		"messageCount": &types.AttributeValueMemberN{Value: strconv.Itoa(ex.MessageCount)},
		"statusCode":   &types.AttributeValueMemberN{Value: strconv.Itoa(ex.StatusCode)},
		"outcome":      &types.AttributeValueMemberS{Value: ex.Outcome},
		"startedAt":    &types.AttributeValueMemberS{Value: ex.StartedAt.UTC().Format(time.RFC3339Nano)},
		"latencyMs":    &types.AttributeValueMemberN{Value: strconv.FormatInt(ex.Latency.Milliseconds(), 10)},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(ex.TTL, 10)},
	}
	if ex.ErrorMessage != "" {
		item["errorMessage"] = &types.AttributeValueMemberS{Value: ex.ErrorMessage}
	}
	return item
}

func itemToExchange(item map[string]types.AttributeValue) (domain.Exchange, error) {
	var (
		ex  domain.Exchange
		err error
	)
	if ex.ID, err = strAttr(item, "exchangeId"); err != nil {
		return domain.Exchange{}, err
	}
	if ex.Mode, err = strAttr(item, "mode"); err != nil {
		return domain.Exchange{}, err
	}
	if ex.Outcome, err = strAttr(item, "outcome"); err != nil {
		return domain.Exchange{}, err
	}
	ex.Model, _ = strAttr(item, "model")               // allow empty
	ex.ErrorMessage, _ = strAttr(item, "errorMessage") // only set on failures

	if ex.MessageCount, err = intAttr(item, "messageCount"); err != nil {
		return domain.Exchange{}, err
	}
	if ex.StatusCode, err = intAttr(item, "statusCode"); err != nil {
		return domain.Exchange{}, err
	}
	latency, err := intAttr(item, "latencyMs")
	if err != nil {
		return domain.Exchange{}, err
	}
	ex.Latency = time.Duration(latency) * time.Millisecond

	started, err := strAttr(item, "startedAt")
	if err != nil {
		return domain.Exchange{}, err
	}
	if ex.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return domain.Exchange{}, fmt.Errorf("repository: parse attribute %q: %w", "startedAt", err)
	}
	if ttl, err := intAttr(item, "ttl"); err == nil {
		ex.TTL = int64(ttl)
	}
	return ex, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

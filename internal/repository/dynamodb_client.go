package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"persona-agent/internal/domain"
)

const (
	skMeta          = "META#"
	skPrefixMsg     = "MSG#"
	skPrefixProfile = "PROFILE#"

	maxBatchDeleteSize    = 25
	maxBatchDeleteRetries = 3
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Store defines the persona-state operations consumed by the pipeline.
type Store interface {
	IdentityExists(ctx context.Context, identity string) (bool, error)
	CreateIdentity(ctx context.Context, identity string) error
	DeleteIdentity(ctx context.Context, identity string) error
	ThreadHistory(ctx context.Context, identity, persona string, limit int) ([]domain.Turn, error)
	AllHistory(ctx context.Context, identity string) (map[string][]domain.Turn, error)
	ListPersonas(ctx context.Context, identity string) ([]string, error)
	AppendTurn(ctx context.Context, identity, persona, role, text string) (domain.Turn, error)
	GetProfile(ctx context.Context, identity, persona string) (string, bool, error)
	PutProfile(ctx context.Context, identity, persona, instruction string) (string, error)
}

// Client wraps a DynamoDB table holding identities, persona threads and
// instruction profiles in a single-table layout.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// identityPK returns the DynamoDB partition key for an identity.
func identityPK(identity string) string {
	return "USER#" + identity
}

// msgSKPrefix returns the sort-key prefix shared by all turns of one
// persona thread.
func msgSKPrefix(persona string) string {
	return skPrefixMsg + persona + "#"
}

// msgSK returns the sort key for a turn. The uuid suffix keeps turns
// appended within the same nanosecond from colliding on PK/SK.
func msgSK(persona string, ts time.Time) string {
	return msgSKPrefix(persona) + ts.UTC().Format(time.RFC3339Nano) + "#" + uuid.NewString()
}

func profileSK(persona string) string {
	return skPrefixProfile + persona
}

// IdentityExists reports whether the identity meta record is present.
func (c *Client) IdentityExists(ctx context.Context, identity string) (bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: identityPK(identity)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("repository: IdentityExists get item: %w", err)
	}
	return out != nil && len(out.Item) > 0, nil
}

// CreateIdentity writes the identity meta record. A concurrent create of
// the same identity is treated as success; the record has no mutable
// fields so the first writer's item stands.
func (c *Client) CreateIdentity(ctx context.Context, identity string) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: identityPK(identity)},
			"SK":        &types.AttributeValueMemberS{Value: skMeta},
			"identity":  &types.AttributeValueMemberS{Value: identity},
			"createdAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("repository: CreateIdentity: %w", err)
	}
	return nil
}

// ThreadHistory returns the most recent turns of one persona thread in
// chronological order, capped at limit (0 means no cap).
func (c *Client) ThreadHistory(ctx context.Context, identity, persona string, limit int) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: identityPK(identity)},
			":prefix": &types.AttributeValueMemberS{Value: msgSKPrefix(persona)},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: ThreadHistory query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ThreadHistory unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	// Reverse to chronological order before returning to context assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// AllHistory returns every turn for the identity grouped by persona label,
// each thread in chronological order.
func (c *Client) AllHistory(ctx context.Context, identity string) (map[string][]domain.Turn, error) {
	items, err := c.queryAllMessages(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("repository: AllHistory: %w", err)
	}

	grouped := make(map[string][]domain.Turn)
	for _, item := range items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: AllHistory unmarshal: %w", err)
		}
		grouped[turn.Persona] = append(grouped[turn.Persona], turn)
	}
	return grouped, nil
}

// ListPersonas returns the distinct persona labels that have at least one
// persisted turn, sorted for stable output.
func (c *Client) ListPersonas(ctx context.Context, identity string) ([]string, error) {
	items, err := c.queryAllMessages(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("repository: ListPersonas: %w", err)
	}

	seen := make(map[string]struct{})
	personas := make([]string, 0)
	for _, item := range items {
		persona, err := strAttr(item, "persona")
		if err != nil {
			return nil, fmt.Errorf("repository: ListPersonas decode: %w", err)
		}
		if _, ok := seen[persona]; ok {
			continue
		}
		seen[persona] = struct{}{}
		personas = append(personas, persona)
	}
	sort.Strings(personas)
	return personas, nil
}

// AppendTurn persists one turn at the tail of a persona thread. The thread
// has no standalone record; it exists once its first turn does.
func (c *Client) AppendTurn(ctx context.Context, identity, persona, role, text string) (domain.Turn, error) {
	now := time.Now().UTC()
	turn := domain.Turn{
		PK:        identityPK(identity),
		SK:        msgSK(persona, now),
		Identity:  identity,
		Persona:   persona,
		Role:      role,
		Text:      text,
		Timestamp: now,
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return turn, nil
}

// GetProfile returns the stored instruction text for (identity, persona)
// and whether it exists.
func (c *Client) GetProfile(ctx context.Context, identity, persona string) (string, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: identityPK(identity)},
			"SK": &types.AttributeValueMemberS{Value: profileSK(persona)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("repository: GetProfile get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", false, nil
	}
	instruction, err := strAttr(out.Item, "instruction")
	if err != nil {
		return "", false, fmt.Errorf("repository: GetProfile decode: %w", err)
	}
	return instruction, true, nil
}

// PutProfile stores the instruction text with first-writer-wins semantics
// and returns the text that ended up stored. When a concurrent writer got
// there first the conditional put fails and the stored winner is re-read,
// so racing callers converge on one profile.
func (c *Client) PutProfile(ctx context.Context, identity, persona, instruction string) (string, error) {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":          &types.AttributeValueMemberS{Value: identityPK(identity)},
			"SK":          &types.AttributeValueMemberS{Value: profileSK(persona)},
			"identity":    &types.AttributeValueMemberS{Value: identity},
			"persona":     &types.AttributeValueMemberS{Value: persona},
			"instruction": &types.AttributeValueMemberS{Value: instruction},
			"createdAt":   &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err == nil {
		return instruction, nil
	}
	if !isConditionalCheckFailed(err) {
		return "", fmt.Errorf("repository: PutProfile: %w", err)
	}

	stored, ok, getErr := c.GetProfile(ctx, identity, persona)
	if getErr != nil {
		return "", fmt.Errorf("repository: PutProfile read winner: %w", getErr)
	}
	if !ok {
		return "", errors.New("repository: PutProfile: conditional put failed but no stored profile found")
	}
	return stored, nil
}

// DeleteIdentity removes the identity meta record and every turn and
// profile stored under it.
func (c *Client) DeleteIdentity(ctx context.Context, identity string) error {
	keys, err := c.queryAllKeys(ctx, identity)
	if err != nil {
		return fmt.Errorf("repository: DeleteIdentity: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	for start := 0; start < len(keys); start += maxBatchDeleteSize {
		end := start + maxBatchDeleteSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.batchDelete(ctx, keys[start:end]); err != nil {
			return fmt.Errorf("repository: DeleteIdentity: %w", err)
		}
	}
	return nil
}

func (c *Client) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	requests := make([]types.WriteRequest, 0, len(keys))
	for _, key := range keys {
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: key},
		})
	}

	for attempt := 0; attempt <= maxBatchDeleteRetries; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{c.tableName: requests},
		})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		unprocessed := out.UnprocessedItems[c.tableName]
		if len(unprocessed) == 0 {
			return nil
		}
		requests = unprocessed
	}
	return errors.New("batch write: unprocessed delete requests remain")
}

// queryAllMessages pages through every MSG# item under the identity.
func (c *Client) queryAllMessages(ctx context.Context, identity string) ([]map[string]types.AttributeValue, error) {
	return c.queryAll(ctx, aws.String("PK = :pk AND begins_with(SK, :prefix)"), map[string]types.AttributeValue{
		":pk":     &types.AttributeValueMemberS{Value: identityPK(identity)},
		":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
	})
}

// queryAllKeys pages through every item key under the identity partition.
func (c *Client) queryAllKeys(ctx context.Context, identity string) ([]map[string]types.AttributeValue, error) {
	items, err := c.queryAll(ctx, aws.String("PK = :pk"), map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: identityPK(identity)},
	})
	if err != nil {
		return nil, err
	}

	keys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		pk, err := strAttr(item, "PK")
		if err != nil {
			return nil, err
		}
		sk, err := strAttr(item, "SK")
		if err != nil {
			return nil, err
		}
		keys = append(keys, map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		})
	}
	return keys, nil
}

func (c *Client) queryAll(ctx context.Context, keyCondition *string, values map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(c.tableName),
			KeyConditionExpression:    keyCondition,
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Turn{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Turn{}, err
	}
	identity, err := strAttr(item, "identity")
	if err != nil {
		return domain.Turn{}, err
	}
	persona, err := strAttr(item, "persona")
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	rawTS, err := strAttr(item, "ts")
	if err != nil {
		return domain.Turn{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: parse attribute \"ts\": %w", err)
	}

	return domain.Turn{
		PK:        pk,
		SK:        sk,
		Identity:  identity,
		Persona:   persona,
		Role:      role,
		Text:      text,
		Timestamp: ts,
	}, nil
}

func turnItem(turn domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":       &types.AttributeValueMemberS{Value: turn.PK},
		"SK":       &types.AttributeValueMemberS{Value: turn.SK},
		"identity": &types.AttributeValueMemberS{Value: turn.Identity},
		"persona":  &types.AttributeValueMemberS{Value: turn.Persona},
		"role":     &types.AttributeValueMemberS{Value: turn.Role},
		"text":     &types.AttributeValueMemberS{Value: turn.Text},
		"ts":       &types.AttributeValueMemberS{Value: turn.Timestamp.UTC().Format(time.RFC3339Nano)},
	}
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

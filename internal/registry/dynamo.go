// Package registry persists render-job records to DynamoDB for post-mortem:
// one META record per render and one record per terminal chunk attempt, under
// a single-table design with TTL expiry.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix = "RENDER#"
	skMeta   = "META"
	skChunk  = "CHUNK#"
)

// RecordTTL is how long registry records live before DynamoDB expires them.
const RecordTTL = 14 * 24 * time.Hour

// Render statuses stored on the META record.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RenderMeta is the per-render record, written at job start and updated at
// completion or failure.
type RenderMeta struct {
	RenderID    string `dynamodbav:"renderId"`
	Composition string `dynamodbav:"composition"`
	Codec       string `dynamodbav:"codec"`
	TotalFrames int    `dynamodbav:"totalFrames"`
	ChunkCount  int    `dynamodbav:"chunkCount"`
	Status      string `dynamodbav:"status"`
	StartedAt   int64  `dynamodbav:"startedAt"`
	CompletedAt int64  `dynamodbav:"completedAt,omitempty"`
	Error       string `dynamodbav:"error,omitempty"`
}

// ChunkAttempt is one terminal chunk outcome: completed, retried, or failed.
type ChunkAttempt struct {
	RenderID   string `dynamodbav:"renderId"`
	ChunkIndex int    `dynamodbav:"chunkIndex"`
	Attempt    int    `dynamodbav:"attempt"`
	Outcome    string `dynamodbav:"outcome"`
	Rendered   int    `dynamodbav:"rendered"`
	Encoded    int    `dynamodbav:"encoded"`
	DurationMs int64  `dynamodbav:"durationMs,omitempty"`
	ErrorKind  string `dynamodbav:"errorKind,omitempty"`
	ErrorMsg   string `dynamodbav:"errorMsg,omitempty"`
	At         int64  `dynamodbav:"at"`
}

// Store implements the render registry over DynamoDB.
type Store struct {
	client    *dynamodb.Client
	tableName string
}

// NewStore creates a Store for the given table. The client should come from
// the shared AWS config.
func NewStore(client *dynamodb.Client, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

func renderPK(renderID string) string {
	return pkPrefix + renderID
}

func chunkSK(chunkIndex, attempt int) string {
	return fmt.Sprintf("%s%05d#%02d", skChunk, chunkIndex, attempt)
}

func expiresAt() int64 {
	return time.Now().Add(RecordTTL).Unix()
}

// putItem marshals a record and writes it with PK, SK, and TTL attributes.
func (s *Store) putItem(ctx context.Context, pk, sk string, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// getItem reads one item into out, returning false if absent.
func (s *Store) getItem(ctx context.Context, pk, sk string, out interface{}) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return true, nil
}

// PutRenderMeta writes or overwrites the render's META record.
func (s *Store) PutRenderMeta(ctx context.Context, meta *RenderMeta) error {
	if meta.StartedAt == 0 {
		meta.StartedAt = time.Now().Unix()
	}
	return s.putItem(ctx, renderPK(meta.RenderID), skMeta, meta)
}

// GetRenderMeta reads the render's META record. Returns nil when absent.
func (s *Store) GetRenderMeta(ctx context.Context, renderID string) (*RenderMeta, error) {
	var meta RenderMeta
	found, err := s.getItem(ctx, renderPK(renderID), skMeta, &meta)
	if err != nil || !found {
		return nil, err
	}
	return &meta, nil
}

// PutChunkAttempt records one terminal chunk outcome.
func (s *Store) PutChunkAttempt(ctx context.Context, attempt *ChunkAttempt) error {
	if attempt.At == 0 {
		attempt.At = time.Now().Unix()
	}
	return s.putItem(ctx, renderPK(attempt.RenderID), chunkSK(attempt.ChunkIndex, attempt.Attempt), attempt)
}

// ListChunkAttempts returns every recorded chunk attempt for a render, in
// chunk-then-attempt order (the sort key order), following pagination.
func (s *Store) ListChunkAttempts(ctx context.Context, renderID string) ([]ChunkAttempt, error) {
	pk := renderPK(renderID)
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pk},
			":skPrefix": &types.AttributeValueMemberS{Value: skChunk},
		},
	}

	var attempts []ChunkAttempt
	// DynamoDB returns up to 1MB per Query call.
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s: %w", pk, err)
		}
		for _, item := range result.Items {
			var attempt ChunkAttempt
			if err := attributevalue.UnmarshalMap(item, &attempt); err != nil {
				return nil, fmt.Errorf("unmarshal chunk attempt: %w", err)
			}
			attempts = append(attempts, attempt)
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return attempts, nil
}

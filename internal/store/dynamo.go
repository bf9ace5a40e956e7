package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix = "BATCH#"
	skMeta   = "META"
	skImage  = "IMAGE#"
	skGroup  = "GROUP#"
)

// DynamoStore implements BatchStore using AWS DynamoDB.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// Compile-time interface check.
var _ BatchStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// --- Internal helpers ---

// batchPK returns the partition key for a batch.
func batchPK(batchID string) string {
	return pkPrefix + batchID
}

// expiresAt returns the Unix epoch timestamp for record expiration (now + BatchTTL).
func expiresAt() int64 {
	return time.Now().Add(BatchTTL).Unix()
}

// putItem marshals a domain object and writes it to DynamoDB with PK, SK, and TTL.
// The domain object should use dynamodbav:"-" for fields derived from PK/SK.
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	// Add key and TTL attributes (overwrite any conflicting keys from the data).
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

// deleteItem removes a single item from DynamoDB by PK/SK.
func (s *DynamoStore) deleteItem(ctx context.Context, pk, sk string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return fmt.Errorf("DeleteItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// queryBySKPrefix queries all items for a batch where SK begins with the given prefix.
// Returns raw DynamoDB items for flexible processing by the caller.
func (s *DynamoStore) queryBySKPrefix(ctx context.Context, batchID, skPrefix string) ([]map[string]types.AttributeValue, error) {
	pk := batchPK(batchID)

	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pk},
			":skPrefix": &types.AttributeValueMemberS{Value: skPrefix},
		},
	}

	var allItems []map[string]types.AttributeValue

	// Handle pagination — DynamoDB returns up to 1MB per Query call.
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s SK prefix=%s: %w", pk, skPrefix, err)
		}
		allItems = append(allItems, result.Items...)

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return allItems, nil
}

// --- BatchStore operations ---

// ListImages returns every image row for the batch, ordered by group id
// then position so reloads rebuild groups deterministically.
func (s *DynamoStore) ListImages(ctx context.Context, batchID string) ([]ImageRecord, error) {
	items, err := s.queryBySKPrefix(ctx, batchID, skImage)
	if err != nil {
		return nil, fmt.Errorf("list images %s: %w", batchID, err)
	}

	records := make([]ImageRecord, 0, len(items))
	for _, item := range items {
		var rec ImageRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal image row: %w", err)
		}
		if sk, ok := item["SK"].(*types.AttributeValueMemberS); ok {
			rec.ID = strings.TrimPrefix(sk.Value, skImage)
		}
		rec.BatchID = batchID
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].GroupID != records[j].GroupID {
			return records[i].GroupID < records[j].GroupID
		}
		return records[i].Position < records[j].Position
	})

	log.Debug().Str("batchId", batchID).Int("count", len(records)).Msg("Listed image rows")
	return records, nil
}

// UpdateImage applies the non-nil fields of update to one image row.
func (s *DynamoStore) UpdateImage(ctx context.Context, batchID, imageID string, update ImageUpdate) error {
	var sets []string
	names := make(map[string]string)
	values := make(map[string]types.AttributeValue)

	add := func(attr string, value types.AttributeValue) {
		placeholder := "#a" + strconv.Itoa(len(sets))
		valueKey := ":v" + strconv.Itoa(len(sets))
		names[placeholder] = attr
		values[valueKey] = value
		sets = append(sets, placeholder+" = "+valueKey)
	}

	if update.URL != nil {
		add("url", &types.AttributeValueMemberS{Value: *update.URL})
	}
	if update.ThumbURL != nil {
		add("thumbUrl", &types.AttributeValueMemberS{Value: *update.ThumbURL})
	}
	if update.GroupID != nil {
		add("groupId", &types.AttributeValueMemberS{Value: *update.GroupID})
	}
	if update.Position != nil {
		add("position", &types.AttributeValueMemberN{Value: strconv.Itoa(*update.Position)})
	}
	if update.Export != nil {
		add("export", &types.AttributeValueMemberBOOL{Value: *update.Export})
	}
	if update.Deleted != nil {
		add("deleted", &types.AttributeValueMemberBOOL{Value: *update.Deleted})
	}
	if len(sets) == 0 {
		return nil
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: batchPK(batchID)},
			"SK": &types.AttributeValueMemberS{Value: skImage + imageID},
		},
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("update image %s/%s: %w", batchID, imageID, err)
	}

	log.Debug().Str("batchId", batchID).Str("imageId", imageID).Msg("Image row updated")
	return nil
}

// InsertImage writes a new image row, minting an id when the record
// carries none, and returns the id.
func (s *DynamoStore) InsertImage(ctx context.Context, batchID string, rec ImageRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}

	if err := s.putItem(ctx, batchPK(batchID), skImage+rec.ID, rec); err != nil {
		return "", fmt.Errorf("insert image %s/%s: %w", batchID, rec.ID, err)
	}

	log.Debug().Str("batchId", batchID).Str("imageId", rec.ID).Str("provenance", rec.Provenance).Msg("Image row inserted")
	return rec.ID, nil
}

// DeleteImage removes an image row outright.
func (s *DynamoStore) DeleteImage(ctx context.Context, batchID, imageID string) error {
	if err := s.deleteItem(ctx, batchPK(batchID), skImage+imageID); err != nil {
		return fmt.Errorf("delete image %s/%s: %w", batchID, imageID, err)
	}
	log.Debug().Str("batchId", batchID).Str("imageId", imageID).Msg("Image row deleted")
	return nil
}

// CreateGroup persists a group record.
func (s *DynamoStore) CreateGroup(ctx context.Context, batchID string, rec GroupRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := s.putItem(ctx, batchPK(batchID), skGroup+rec.ID, rec); err != nil {
		return "", fmt.Errorf("create group %s/%s: %w", batchID, rec.ID, err)
	}
	log.Debug().Str("batchId", batchID).Str("groupId", rec.ID).Int("sequence", rec.Sequence).Msg("Group record created")
	return rec.ID, nil
}

// DeleteGroup removes a group record.
func (s *DynamoStore) DeleteGroup(ctx context.Context, batchID, groupID string) error {
	if err := s.deleteItem(ctx, batchPK(batchID), skGroup+groupID); err != nil {
		return fmt.Errorf("delete group %s/%s: %w", batchID, groupID, err)
	}
	log.Debug().Str("batchId", batchID).Str("groupId", groupID).Msg("Group record deleted")
	return nil
}

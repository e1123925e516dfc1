// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/xmidt-org/courier/docstore"
)

// client captures the methods of interest from the dynamoDB API. This
// should help mock API calls as well.
type client interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// putCondition restricts a put. The zero value writes unconditionally.
type putCondition struct {
	// absent requires that no item with the same key exists.
	absent bool

	// etag requires the stored item to carry this etag.
	etag string
}

// partitionQuery reads one page of a partition.
type partitionQuery struct {
	PartitionKey string
	Now          time.Time

	// VisibleOnly skips leased documents.
	VisibleOnly bool

	// CreatedBefore, when set, keeps documents created at or before it.
	CreatedBefore time.Time

	// CountOnly asks for the number of matches instead of the items.
	CountOnly bool

	Limit    int32
	StartKey map[string]types.AttributeValue
}

type queryPage struct {
	Items   []storedDocument
	Count   int64
	NextKey map[string]types.AttributeValue
}

// service defines the dynamodb specific DAO interface. It helps keeping middleware
// such as logging and instrumentation orthogonal to business logic.
type service interface {
	Put(ctx context.Context, doc storedDocument, cond putCondition) (*types.ConsumedCapacity, error)
	Get(ctx context.Context, pk, id string) (storedDocument, *types.ConsumedCapacity, error)

	// Lease moves an unleased document's visibility forward, provided its
	// etag is unchanged, and stamps newETag on it.
	Lease(ctx context.Context, pk, id, etag, newETag string, now, visible time.Time) (*types.ConsumedCapacity, error)
	Delete(ctx context.Context, pk, id string) (*types.ConsumedCapacity, error)
	Query(ctx context.Context, q partitionQuery) (queryPage, *types.ConsumedCapacity, error)
}

// executor satisfies the service interface so the collection can then adapt
// the outputs to match the abstract document collection.
type executor struct {
	// c is the dynamodb client
	c client

	// tableName is the name of the dynamodb table
	tableName string
}

// storedDocument is one item. Times are unix milliseconds except expires,
// which is unix seconds so the table's TTL setting can reap it.
type storedDocument struct {
	PartitionKey    string `dynamodbav:"pk"`
	ID              string `dynamodbav:"id"`
	ETag            string `dynamodbav:"etag"`
	NextVisibleTime int64  `dynamodbav:"nvt"`
	CreatedTime     int64  `dynamodbav:"ct"`
	Expires         *int64 `dynamodbav:"expires,omitempty"`
	Body            []byte `dynamodbav:"body"`
}

// Dynamo DB attribute keys
const (
	partitionAttributeKey  = "pk"
	idAttributeKey         = "id"
	etagAttributeKey       = "etag"
	visibleAttributeKey    = "nvt"
	createdAttributeKey    = "ct"
	expirationAttributeKey = "expires"
)

var (
	errDefaultDynamoDBFailure = errors.New("dynamodb operation failed")
	errBadRequest             = errors.New("bad request to dynamodb")

	// ErrThrottled means the table's provisioned throughput or the account's
	// request limit was exceeded. It is worth retrying later.
	ErrThrottled = errors.New("dynamodb request throttled")

	// ErrTableNotFound means the configured table does not exist.
	ErrTableNotFound = errors.New("dynamodb table not found")
)

func handleClientError(err error) error {
	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return docstore.ErrPreconditionFailed
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", ErrTableNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "RequestLimitExceeded", "ThrottlingException":
			return fmt.Errorf("%w: %w", ErrThrottled, err)
		case "ValidationException":
			return fmt.Errorf("%w: %w", errBadRequest, err)
		}
	}
	return fmt.Errorf("%w: %w", errDefaultDynamoDBFailure, err)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func numberValue(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func stringValue(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func itemKey(pk, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		partitionAttributeKey: stringValue(pk),
		idAttributeKey:        stringValue(id),
	}
}

func (d *executor) Put(ctx context.Context, doc storedDocument, cond putCondition) (*types.ConsumedCapacity, error) {
	av, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return nil, err
	}
	input := &dynamodb.PutItemInput{
		Item:                   av,
		TableName:              aws.String(d.tableName),
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	}
	switch {
	case cond.absent:
		input.ConditionExpression = aws.String("attribute_not_exists(#id)")
		input.ExpressionAttributeNames = map[string]string{"#id": idAttributeKey}
	case cond.etag != "":
		input.ConditionExpression = aws.String("#etag = :etag")
		input.ExpressionAttributeNames = map[string]string{"#etag": etagAttributeKey}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{":etag": stringValue(cond.etag)}
	}

	result, err := d.c.PutItem(ctx, input)
	var consumedCapacity *types.ConsumedCapacity
	if result != nil {
		consumedCapacity = result.ConsumedCapacity
	}
	if err != nil {
		return consumedCapacity, handleClientError(err)
	}
	return consumedCapacity, nil
}

func (d *executor) Get(ctx context.Context, pk, id string) (storedDocument, *types.ConsumedCapacity, error) {
	result, err := d.c.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:              aws.String(d.tableName),
		Key:                    itemKey(pk, id),
		ConsistentRead:         aws.Bool(true),
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		return storedDocument{}, nil, handleClientError(err)
	}
	var doc storedDocument
	if err := attributevalue.UnmarshalMap(result.Item, &doc); err != nil {
		return storedDocument{}, result.ConsumedCapacity, err
	}
	if itemNotFound(doc) {
		return storedDocument{}, result.ConsumedCapacity, docstore.ErrNotFound
	}
	return doc, result.ConsumedCapacity, nil
}

func (d *executor) Lease(ctx context.Context, pk, id, etag, newETag string, now, visible time.Time) (*types.ConsumedCapacity, error) {
	result, err := d.c.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 itemKey(pk, id),
		UpdateExpression:    aws.String("SET #etag = :new, #nvt = :visible"),
		ConditionExpression: aws.String("#etag = :etag AND #nvt <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#etag": etagAttributeKey,
			"#nvt":  visibleAttributeKey,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":     stringValue(newETag),
			":etag":    stringValue(etag),
			":visible": numberValue(millis(visible)),
			":now":     numberValue(millis(now)),
		},
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	})
	var consumedCapacity *types.ConsumedCapacity
	if result != nil {
		consumedCapacity = result.ConsumedCapacity
	}
	if err != nil {
		return consumedCapacity, handleClientError(err)
	}
	return consumedCapacity, nil
}

func (d *executor) Delete(ctx context.Context, pk, id string) (*types.ConsumedCapacity, error) {
	result, err := d.c.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(d.tableName),
		Key:                      itemKey(pk, id),
		ConditionExpression:      aws.String("attribute_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": idAttributeKey},
		ReturnConsumedCapacity:   types.ReturnConsumedCapacityTotal,
	})
	var consumedCapacity *types.ConsumedCapacity
	if result != nil {
		consumedCapacity = result.ConsumedCapacity
	}
	if err != nil {
		err = handleClientError(err)
		if errors.Is(err, docstore.ErrPreconditionFailed) {
			err = docstore.ErrNotFound
		}
		return consumedCapacity, err
	}
	return consumedCapacity, nil
}

// Query reads one page. Items that DynamoDB has not reaped yet but whose
// expiration has passed are filtered out.
func (d *executor) Query(ctx context.Context, q partitionQuery) (queryPage, *types.ConsumedCapacity, error) {
	filter := "(attribute_not_exists(#exp) OR #exp > :nowSec)"
	names := map[string]string{
		"#pk":  partitionAttributeKey,
		"#exp": expirationAttributeKey,
	}
	values := map[string]types.AttributeValue{
		":pk":     stringValue(q.PartitionKey),
		":nowSec": numberValue(q.Now.Unix()),
	}
	if q.VisibleOnly {
		filter += " AND #nvt <= :now"
		names["#nvt"] = visibleAttributeKey
		values[":now"] = numberValue(millis(q.Now))
	}
	if !q.CreatedBefore.IsZero() {
		filter += " AND #ct <= :before"
		names["#ct"] = createdAttributeKey
		values[":before"] = numberValue(millis(q.CreatedBefore))
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(d.tableName),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ExclusiveStartKey:         q.StartKey,
		ConsistentRead:            aws.Bool(true),
		ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
	}
	if q.Limit > 0 {
		input.Limit = aws.Int32(q.Limit)
	}
	if q.CountOnly {
		input.Select = types.SelectCount
	}

	result, err := d.c.Query(ctx, input)
	var consumedCapacity *types.ConsumedCapacity
	if result != nil {
		consumedCapacity = result.ConsumedCapacity
	}
	if err != nil {
		return queryPage{}, consumedCapacity, handleClientError(err)
	}

	page := queryPage{
		Count:   int64(result.Count),
		NextKey: result.LastEvaluatedKey,
	}
	for _, i := range result.Items {
		var doc storedDocument
		if err := attributevalue.UnmarshalMap(i, &doc); err != nil {
			continue
		}
		if itemNotFound(doc) {
			continue
		}
		page.Items = append(page.Items, doc)
	}
	return page, consumedCapacity, nil
}

func itemNotFound(doc storedDocument) bool {
	return doc.PartitionKey == "" || doc.ID == ""
}

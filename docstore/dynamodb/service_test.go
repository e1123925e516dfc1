// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package dynamodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/xmidt-org/courier/docstore"
)

const (
	testTableName = "commands-device"
	testPK        = "0a1b.2c3d"
	testID        = "c0ffee"
)

var testNow = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

type errorCase struct {
	name        string
	dynamoErr   error
	expectedErr error
}

type operationType struct {
	name          string
	mockedMethod  string
	mockedReturns []interface{}
}

type ClientErrorTestSuite struct {
	suite.Suite
	operationTypes   []operationType
	clientErrorCases []errorCase
}

func (s *ClientErrorTestSuite) SetupTest() {
	s.operationTypes = []operationType{
		{name: "Put", mockedMethod: "PutItem", mockedReturns: []interface{}{(*dynamodb.PutItemOutput)(nil)}},
		{name: "Get", mockedMethod: "GetItem", mockedReturns: []interface{}{(*dynamodb.GetItemOutput)(nil)}},
		{name: "Lease", mockedMethod: "UpdateItem", mockedReturns: []interface{}{(*dynamodb.UpdateItemOutput)(nil)}},
		{name: "Delete", mockedMethod: "DeleteItem", mockedReturns: []interface{}{(*dynamodb.DeleteItemOutput)(nil)}},
		{name: "Query", mockedMethod: "Query", mockedReturns: []interface{}{(*dynamodb.QueryOutput)(nil)}},
	}
	s.clientErrorCases = []errorCase{
		{
			name:        "Condition failed",
			dynamoErr:   &types.ConditionalCheckFailedException{Message: aws.String("condition")},
			expectedErr: docstore.ErrPreconditionFailed,
		},
		{
			name:        "Missing table",
			dynamoErr:   &types.ResourceNotFoundException{Message: aws.String("no table")},
			expectedErr: ErrTableNotFound,
		},
		{
			name:        "Throttled",
			dynamoErr:   &smithy.GenericAPIError{Code: "ThrottlingException"},
			expectedErr: ErrThrottled,
		},
		{
			name:        "Throughput exceeded",
			dynamoErr:   &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"},
			expectedErr: ErrThrottled,
		},
		{
			name:        "Validation",
			dynamoErr:   &smithy.GenericAPIError{Code: "ValidationException"},
			expectedErr: errBadRequest,
		},
		{
			name:        "Other",
			dynamoErr:   errors.New("connection reset"),
			expectedErr: errDefaultDynamoDBFailure,
		},
	}
}

func (s *ClientErrorTestSuite) TestClientErrors() {
	ctx := context.Background()
	for _, operationType := range s.operationTypes {
		s.T().Run(operationType.name, func(t *testing.T) {
			for _, clientErrorCase := range s.clientErrorCases {
				t.Run(clientErrorCase.name, func(t *testing.T) {
					assert := assert.New(t)
					m := new(mockClient)
					m.On(operationType.mockedMethod, mock.Anything).Return(append(operationType.mockedReturns, clientErrorCase.dynamoErr)...)
					svc := &executor{c: m, tableName: testTableName}

					var (
						consumedCapacity *types.ConsumedCapacity
						err              error
					)
					switch operationType.name {
					case "Put":
						consumedCapacity, err = svc.Put(ctx, storedDocument{PartitionKey: testPK, ID: testID}, putCondition{})
					case "Get":
						_, consumedCapacity, err = svc.Get(ctx, testPK, testID)
					case "Lease":
						consumedCapacity, err = svc.Lease(ctx, testPK, testID, "old", "new", testNow, testNow.Add(time.Minute))
					case "Delete":
						consumedCapacity, err = svc.Delete(ctx, testPK, testID)
					case "Query":
						_, consumedCapacity, err = svc.Query(ctx, partitionQuery{PartitionKey: testPK, Now: testNow})
					}
					assert.Nil(consumedCapacity)
					m.AssertExpectations(t)

					expected := clientErrorCase.expectedErr
					if operationType.name == "Delete" && expected == docstore.ErrPreconditionFailed {
						expected = docstore.ErrNotFound
					}
					assert.ErrorIs(err, expected)
				})
			}
		})
	}
}

func TestClientErrors(t *testing.T) {
	suite.Run(t, new(ClientErrorTestSuite))
}

func TestPutConditions(t *testing.T) {
	tcs := []struct {
		Description string
		Condition   putCondition
		Expression  *string
	}{
		{Description: "Unconditional"},
		{Description: "Absent", Condition: putCondition{absent: true}, Expression: aws.String("attribute_not_exists(#id)")},
		{Description: "Etag", Condition: putCondition{etag: "e1"}, Expression: aws.String("#etag = :etag")},
	}
	for _, tc := range tcs {
		t.Run(tc.Description, func(t *testing.T) {
			assert := assert.New(t)
			m := new(mockClient)
			capacity := &types.ConsumedCapacity{CapacityUnits: aws.Float64(1)}
			m.On("PutItem", mock.MatchedBy(func(input *dynamodb.PutItemInput) bool {
				return aws.ToString(input.TableName) == testTableName &&
					assert.Equal(tc.Expression, input.ConditionExpression)
			})).Return(&dynamodb.PutItemOutput{ConsumedCapacity: capacity}, nil)

			svc := &executor{c: m, tableName: testTableName}
			cc, err := svc.Put(context.Background(), storedDocument{PartitionKey: testPK, ID: testID}, tc.Condition)
			assert.NoError(err)
			assert.Equal(capacity, cc)
			m.AssertExpectations(t)
		})
	}
}

func TestGet(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	expires := testNow.Unix() + 60
	stored := storedDocument{
		PartitionKey:    testPK,
		ID:              testID,
		ETag:            "e1",
		NextVisibleTime: testNow.UnixMilli(),
		CreatedTime:     testNow.UnixMilli(),
		Expires:         &expires,
		Body:            []byte("body"),
	}
	item, err := attributevalue.MarshalMap(stored)
	require.NoError(err)

	m := new(mockClient)
	m.On("GetItem", mock.Anything).Return(&dynamodb.GetItemOutput{Item: item}, nil).Once()
	m.On("GetItem", mock.Anything).Return(&dynamodb.GetItemOutput{}, nil).Once()
	svc := &executor{c: m, tableName: testTableName}

	doc, _, err := svc.Get(context.Background(), testPK, testID)
	assert.NoError(err)
	assert.Equal(stored, doc)

	_, _, err = svc.Get(context.Background(), testPK, testID)
	assert.ErrorIs(err, docstore.ErrNotFound)
}

func TestQueryFilters(t *testing.T) {
	assert := assert.New(t)
	m := new(mockClient)
	var captured *dynamodb.QueryInput
	m.On("Query", mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(0).(*dynamodb.QueryInput)
	}).Return(&dynamodb.QueryOutput{Count: 7}, nil)
	svc := &executor{c: m, tableName: testTableName}

	page, _, err := svc.Query(context.Background(), partitionQuery{
		PartitionKey:  testPK,
		Now:           testNow,
		VisibleOnly:   true,
		CreatedBefore: testNow,
		CountOnly:     true,
		Limit:         10,
	})
	assert.NoError(err)
	assert.EqualValues(7, page.Count)
	assert.Nil(page.NextKey)

	if assert.NotNil(captured) {
		assert.Equal(types.SelectCount, captured.Select)
		assert.Equal(aws.Int32(10), captured.Limit)
		assert.Equal("#pk = :pk", aws.ToString(captured.KeyConditionExpression))
		assert.Equal("(attribute_not_exists(#exp) OR #exp > :nowSec) AND #nvt <= :now AND #ct <= :before",
			aws.ToString(captured.FilterExpression))
		assert.Contains(captured.ExpressionAttributeValues, ":before")
	}
}

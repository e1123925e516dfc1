// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package dynamodb

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/mock"
)

type mockService struct {
	mock.Mock
}

func (s *mockService) Put(ctx context.Context, doc storedDocument, cond putCondition) (*types.ConsumedCapacity, error) {
	args := s.Called(doc, cond)
	return args.Get(0).(*types.ConsumedCapacity), args.Error(1)
}

func (s *mockService) Get(ctx context.Context, pk, id string) (storedDocument, *types.ConsumedCapacity, error) {
	args := s.Called(pk, id)
	return args.Get(0).(storedDocument), args.Get(1).(*types.ConsumedCapacity), args.Error(2)
}

func (s *mockService) Lease(ctx context.Context, pk, id, etag, newETag string, now, visible time.Time) (*types.ConsumedCapacity, error) {
	args := s.Called(pk, id, etag, now, visible)
	return args.Get(0).(*types.ConsumedCapacity), args.Error(1)
}

func (s *mockService) Delete(ctx context.Context, pk, id string) (*types.ConsumedCapacity, error) {
	args := s.Called(pk, id)
	return args.Get(0).(*types.ConsumedCapacity), args.Error(1)
}

func (s *mockService) Query(ctx context.Context, q partitionQuery) (queryPage, *types.ConsumedCapacity, error) {
	args := s.Called(q)
	return args.Get(0).(queryPage), args.Get(1).(*types.ConsumedCapacity), args.Error(2)
}

type mockClient struct {
	mock.Mock
}

func (c *mockClient) PutItem(ctx context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := c.Called(input)
	return args.Get(0).(*dynamodb.PutItemOutput), args.Error(1)
}

func (c *mockClient) GetItem(ctx context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := c.Called(input)
	return args.Get(0).(*dynamodb.GetItemOutput), args.Error(1)
}

func (c *mockClient) UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	args := c.Called(input)
	return args.Get(0).(*dynamodb.UpdateItemOutput), args.Error(1)
}

func (c *mockClient) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	args := c.Called(input)
	return args.Get(0).(*dynamodb.DeleteItemOutput), args.Error(1)
}

func (c *mockClient) Query(ctx context.Context, input *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	args := c.Called(input)
	return args.Get(0).(*dynamodb.QueryOutput), args.Error(1)
}

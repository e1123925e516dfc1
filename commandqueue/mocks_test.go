// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package commandqueue

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/xmidt-org/courier/model"
	"github.com/xmidt-org/courier/queue"
)

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) QueueExists(b queue.Backend) bool {
	return m.Called(b).Bool(0)
}

func (m *mockTracker) StartQueueTracker(b queue.Backend, commandType model.CommandType) {
	m.Called(b, commandType)
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) AccountName() string { return m.Called().String(0) }

func (m *mockBackend) QueueName() string { return m.Called().String(0) }

func (m *mockBackend) AddMessage(ctx context.Context, body []byte, delay, ttl time.Duration) error {
	return m.Called(ctx, body, delay, ttl).Error(0)
}

func (m *mockBackend) DeleteMessage(ctx context.Context, msg queue.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockBackend) UpdateMessage(ctx context.Context, msg queue.Message, visibility time.Duration, fields queue.UpdateFields) (queue.Message, error) {
	args := m.Called(ctx, msg, visibility, fields)
	return args.Get(0).(queue.Message), args.Error(1)
}

func (m *mockBackend) GetMessages(ctx context.Context, max int, visibility time.Duration) ([]queue.Message, error) {
	args := m.Called(ctx, max, visibility)
	msgs, _ := args.Get(0).([]queue.Message)
	return msgs, args.Error(1)
}

func (m *mockBackend) EnsureExists(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *mockBackend) Exists(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockBackend) ApproximateCount(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

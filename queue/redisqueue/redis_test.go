// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package redisqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xmidt-org/courier/queue"
	"github.com/xmidt-org/courier/queue/queuetest"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return s, client
}

func TestBackend(t *testing.T) {
	_, client := newTestClient(t)
	clock := &queuetest.Clock{Now: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	queuetest.BackendTest(t, New(client, "acct", "work", clock.Func()), clock)
}

func TestQueuesAreIsolated(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	_, client := newTestClient(t)

	a := New(client, "acct", "a", nil)
	b := New(client, "acct", "b", nil)
	require.NoError(a.AddMessage(ctx, []byte("x"), 0, 0))

	msgs, err := b.GetMessages(ctx, queue.MaxBatchSize, time.Minute)
	require.NoError(err)
	require.Empty(msgs)

	count, err := a.ApproximateCount(ctx)
	require.NoError(err)
	require.EqualValues(1, count)
}

func TestForeignPopReceipt(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, client := newTestClient(t)
	b := New(client, "acct", "q", nil)

	err := b.DeleteMessage(ctx, queue.Message{ID: "1", PopReceipt: "etag-like"})
	assert.True(errors.Is(err, queue.ErrInvalidPopReceipt))

	_, err = b.UpdateMessage(ctx, queue.Message{ID: "1", PopReceipt: ""}, time.Second, queue.UpdateVisibility)
	assert.True(errors.Is(err, queue.ErrInvalidPopReceipt))

	err = b.DeleteMessage(ctx, queue.Message{ID: "1", PopReceipt: "6f1d0a52-4a5e-4d8e-9a43-0e0c2b3a9c11.1"})
	assert.True(errors.Is(err, queue.ErrMessageNotFound))
}

func TestGetMessagesZero(t *testing.T) {
	_, client := newTestClient(t)
	msgs, err := New(client, "acct", "q", nil).GetMessages(context.Background(), 0, time.Minute)
	assert.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFactory(t *testing.T) {
	require := require.New(t)
	_, c1 := newTestClient(t)
	_, c2 := newTestClient(t)

	f := NewFactoryFromClients(map[string]redis.UniversalClient{"b": c2, "a": c1}, nil)
	require.Equal([]string{"a", "b"}, f.Accounts())

	backends, err := queue.OpenAll(f, "work")
	require.NoError(err)
	require.Len(backends, 2)
	require.Equal("a", backends[0].AccountName())
	require.Equal("work", backends[1].QueueName())

	_, err = f.Open("c", "work")
	require.True(errors.Is(err, queue.ErrUnknownAccount))
}

func TestNewFactory(t *testing.T) {
	s := miniredis.RunT(t)

	tcs := []struct {
		Description string
		Config      Config
		ShouldErr   bool
	}{
		{
			Description: "Success",
			Config:      Config{Accounts: []AccountConfig{{Name: "a", Addresses: []string{s.Addr()}}}},
		},
		{
			Description: "No accounts",
			Config:      Config{},
			ShouldErr:   true,
		},
		{
			Description: "Missing name",
			Config:      Config{Accounts: []AccountConfig{{Addresses: []string{s.Addr()}}}},
			ShouldErr:   true,
		},
		{
			Description: "Duplicate",
			Config: Config{Accounts: []AccountConfig{
				{Name: "a", Addresses: []string{s.Addr()}},
				{Name: "a", Addresses: []string{s.Addr()}},
			}},
			ShouldErr: true,
		},
		{
			Description: "Unreachable",
			Config: Config{Accounts: []AccountConfig{
				{Name: "a", Addresses: []string{"127.0.0.1:1"}, DialTimeout: 100 * time.Millisecond},
			}},
			ShouldErr: true,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.Description, func(t *testing.T) {
			assert := assert.New(t)
			f, err := NewFactory(context.Background(), tc.Config)
			if tc.ShouldErr {
				assert.Error(err)
				assert.Nil(f)
				return
			}
			assert.NoError(err)
			assert.NoError(f.Close())
		})
	}
}

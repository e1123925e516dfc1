// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package queuetest holds a behavioral test every queue.Backend must pass.
package queuetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xmidt-org/courier/queue"
)

// Clock is a settable time source shared between a test and the backend under test.
type Clock struct {
	Now time.Time
}

func (c *Clock) Func() func() time.Time { return func() time.Time { return c.Now } }

func (c *Clock) Advance(d time.Duration) { c.Now = c.Now.Add(d) }

// BackendTest exercises lease, visibility, update, delete and expiry semantics.
// The backend must read time from clock.
func BackendTest(t *testing.T, b queue.Backend, clock *Clock) {
	ctx := context.Background()
	require := require.New(t)
	assert := assert.New(t)

	exists, err := b.Exists(ctx)
	require.NoError(err)
	assert.False(exists)
	require.NoError(b.EnsureExists(ctx))
	require.NoError(b.EnsureExists(ctx))
	exists, err = b.Exists(ctx)
	require.NoError(err)
	assert.True(exists)

	t.Log("publish and lease")
	require.NoError(b.AddMessage(ctx, []byte("one"), 0, time.Hour))
	require.NoError(b.AddMessage(ctx, []byte("two"), 0, 0))
	require.NoError(b.AddMessage(ctx, []byte("later"), time.Minute, 0))

	count, err := b.ApproximateCount(ctx)
	require.NoError(err)
	assert.EqualValues(3, count)

	msgs, err := b.GetMessages(ctx, queue.MaxBatchSize, 30*time.Second)
	require.NoError(err)
	require.Len(msgs, 2)
	assert.ElementsMatch([]string{"one", "two"}, []string{string(msgs[0].Body), string(msgs[1].Body)})
	for _, m := range msgs {
		assert.EqualValues(1, m.DequeueCount)
		assert.NotEmpty(m.PopReceipt)
	}

	leased, err := b.GetMessages(ctx, queue.MaxBatchSize, 30*time.Second)
	require.NoError(err)
	assert.Empty(leased, "leased messages must stay hidden")

	t.Log("update renews the lease and the pop receipt")
	first := msgs[0]
	first.Body = []byte("rewritten")
	updated, err := b.UpdateMessage(ctx, first, 10*time.Second, queue.UpdateVisibility|queue.UpdateContent)
	require.NoError(err)
	assert.NotEqual(first.PopReceipt, updated.PopReceipt)

	err = b.DeleteMessage(ctx, first)
	assert.True(errors.Is(err, queue.ErrMessageNotFound), "stale pop receipt")

	_, err = b.UpdateMessage(ctx, queue.Message{ID: first.ID}, time.Second, queue.UpdateVisibility)
	assert.True(errors.Is(err, queue.ErrInvalidPopReceipt))

	clock.Advance(11 * time.Second)
	again, err := b.GetMessages(ctx, queue.MaxBatchSize, time.Minute)
	require.NoError(err)
	require.Len(again, 1)
	assert.Equal("rewritten", string(again[0].Body))
	assert.EqualValues(2, again[0].DequeueCount)

	t.Log("delete")
	require.NoError(b.DeleteMessage(ctx, again[0]))
	assert.True(errors.Is(b.DeleteMessage(ctx, again[0]), queue.ErrMessageNotFound))

	t.Log("visibility-only update keeps the body")
	clock.Advance(time.Minute)
	rest, err := b.GetMessages(ctx, 1, time.Minute)
	require.NoError(err)
	require.Len(rest, 1)
	rest[0].Body = []byte("ignored")
	_, err = b.UpdateMessage(ctx, rest[0], 0, queue.UpdateVisibility)
	require.NoError(err)
	rest, err = b.GetMessages(ctx, 1, time.Minute)
	require.NoError(err)
	require.Len(rest, 1)
	assert.NotEqual("ignored", string(rest[0].Body))

	t.Log("expiry")
	clock.Advance(2 * time.Hour)
	count, err = b.ApproximateCount(ctx)
	require.NoError(err)
	remaining, err := b.GetMessages(ctx, queue.MaxBatchSize, time.Minute)
	require.NoError(err)
	for _, m := range remaining {
		assert.NotEqual("rewritten", string(m.Body))
		require.NoError(b.DeleteMessage(ctx, m))
	}
	assert.LessOrEqual(count, int64(2))
}

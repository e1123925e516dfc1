// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"context"
	"encoding/base64"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xmidt-org/courier/metric"
	"github.com/xmidt-org/courier/queue"
	"github.com/xmidt-org/courier/queue/inmem"
	"github.com/xmidt-org/courier/queue/queuetest"
	"github.com/xmidt-org/courier/switches"
	"go.uber.org/atomic"
)

type testWork struct {
	Name  string
	Parts []string
}

var errAdd = errors.New("add failed")

// failingBackend rejects every publish.
type failingBackend struct {
	queue.Backend
	adds atomic.Int64
}

func (f *failingBackend) AddMessage(context.Context, []byte, time.Duration, time.Duration) error {
	f.adds.Inc()
	return errAdd
}

type recordedSleeps struct {
	lock   sync.Mutex
	sleeps []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.lock.Lock()
	r.sleeps = append(r.sleeps, d)
	r.lock.Unlock()
	return ctx.Err()
}

func newBackends(clock *queuetest.Clock, accounts ...string) []*inmem.InMem {
	var backends []*inmem.InMem
	for _, a := range accounts {
		b := inmem.NewInMem(a, "testwork")
		b.SetNow(clock.Func())
		backends = append(backends, b)
	}
	return backends
}

func lowest(lo, _ time.Duration) time.Duration { return lo }

func randomText(r *rand.Rand, n int) string {
	b := make([]byte, n)
	r.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}

func count(t *testing.T, b queue.Backend) int64 {
	n, err := b.ApproximateCount(context.Background())
	require.NoError(t, err)
	return n
}

func TestNew(t *testing.T) {
	assert := assert.New(t)
	_, err := New[testWork](nil, Config{})
	assert.ErrorIs(err, errNoBackends)

	clock := &queuetest.Clock{Now: time.Now()}
	b := newBackends(clock, "a")
	_, err = New[testWork]([]queue.Backend{b[0]}, Config{BatchSize: 64})
	assert.Error(err)
	_, err = New[testWork]([]queue.Backend{b[0]}, Config{MinPollBackoff: time.Hour, MaxPollBackoff: time.Minute})
	assert.Error(err)

	q, err := New[testWork]([]queue.Backend{b[0]}, Config{})
	require.NoError(t, err)
	c := q.Config()
	assert.Equal("testwork", c.QueueName)
	assert.Equal(100, c.SoftPendingWorkItemLimit)
	assert.Equal(32, c.BatchSize)
	assert.Equal(time.Minute, c.MinExceptionBackoff)
	assert.Equal(time.Hour, c.MaxExceptionBackoff)
	assert.Len(q.Backends(), 1)

	for i := 0; i < 20; i++ {
		d := q.ExceptionBackoff()
		assert.GreaterOrEqual(d, time.Minute)
		assert.Less(d, time.Hour)
	}
}

func TestNewRaisesUnsetMaximums(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	b := newBackends(&queuetest.Clock{Now: time.Now()}, "a")

	q, err := New[testWork]([]queue.Backend{b[0]}, Config{MinExceptionBackoff: 2 * time.Hour, MinPollBackoff: time.Minute})
	require.NoError(err)
	c := q.Config()
	assert.Equal(2*time.Hour, c.MaxExceptionBackoff)
	assert.Equal(time.Minute, c.MaxPollBackoff)
	assert.Equal(2*time.Hour, q.ExceptionBackoff())

	q, err = New[testWork]([]queue.Backend{b[0]}, Config{MinExceptionBackoff: 10 * time.Minute})
	require.NoError(err)
	assert.Equal(time.Hour, q.Config().MaxExceptionBackoff)
}

func TestPublish(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	clock := &queuetest.Clock{Now: time.Now()}
	b := newBackends(clock, "a", "b")

	q, err := New[testWork]([]queue.Backend{b[0], b[1]}, Config{},
		WithClock(clock.Func()), WithRandom(lowest, func(int) int { return 1 }))
	require.NoError(err)

	require.NoError(q.Publish(ctx, testWork{Name: "one"}, time.Minute))
	assert.EqualValues(0, count(t, b[0]))
	assert.EqualValues(1, count(t, b[1]))

	msgs, err := b[1].GetMessages(ctx, 1, time.Minute)
	require.NoError(err)
	assert.Empty(msgs, "published with a visibility delay")

	clock.Advance(time.Minute)
	msgs, err = b[1].GetMessages(ctx, 1, time.Minute)
	require.NoError(err)
	require.Len(msgs, 1)
	var got testWork
	require.NoError(q.packager.Unpackage(msgs[0].Body, &got))
	assert.Equal("one", got.Name)
}

func TestPublishTooLarge(t *testing.T) {
	clock := &queuetest.Clock{Now: time.Now()}
	b := newBackends(clock, "a")
	q, err := New[testWork]([]queue.Backend{b[0]}, Config{})
	require.NoError(t, err)

	r := rand.New(rand.NewSource(1))
	err = q.Publish(context.Background(), testWork{Name: randomText(r, 64*1024)}, 0)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.EqualValues(t, 0, count(t, b[0]))
}

func TestPublishQuarantine(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	clock := &queuetest.Clock{Now: time.Now()}
	b := newBackends(clock, "a", "b")
	failing := &failingBackend{Backend: b[0]}
	measures := metric.NewMeasures()
	sleeps := new(recordedSleeps)

	q, err := New[testWork]([]queue.Backend{failing, b[1]}, Config{},
		WithClock(clock.Func()),
		WithSleep(sleeps.sleep),
		WithMeasures(measures),
		WithRandom(lowest, func(int) int { return 0 }))
	require.NoError(err)

	require.NoError(q.Publish(ctx, testWork{Name: "one"}, 0))
	assert.EqualValues(1, failing.adds.Load())
	assert.EqualValues(1, count(t, b[1]))
	assert.Equal(1.0, testutil.ToFloat64(measures.BackendQuarantined.WithLabelValues("a", "testwork")))

	require.NoError(q.Publish(ctx, testWork{Name: "two"}, 0))
	assert.EqualValues(1, failing.adds.Load(), "quarantined backend is skipped")

	clock.Advance(minQuarantine)
	require.NoError(q.Publish(ctx, testWork{Name: "three"}, 0))
	assert.EqualValues(2, failing.adds.Load(), "quarantine lapses")
	assert.EqualValues(3, count(t, b[1]))
	assert.Empty(sleeps.sleeps)
}

func TestPublishExhausted(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	clock := &queuetest.Clock{Now: time.Now()}
	b := newBackends(clock, "a", "b")
	sleeps := new(recordedSleeps)

	q, err := New[testWork]([]queue.Backend{&failingBackend{Backend: b[0]}, &failingBackend{Backend: b[1]}}, Config{},
		WithClock(clock.Func()), WithSleep(sleeps.sleep))
	require.NoError(err)

	err = q.Publish(context.Background(), testWork{Name: "one"}, 0)
	var exhausted *ExhaustedError
	require.ErrorAs(err, &exhausted)
	assert.Equal(2, exhausted.Tried)
	assert.ErrorIs(err, ErrBackendsExhausted)
	assert.ErrorIs(err, errAdd)
	assert.Equal([]time.Duration{maxQuarantine}, sleeps.sleeps)

	err = q.Publish(context.Background(), testWork{Name: "two"}, 0)
	require.ErrorAs(err, &exhausted)
	assert.Equal(0, exhausted.Tried)
	assert.Equal(2, exhausted.Skipped)
	assert.NotErrorIs(err, errAdd)
}

func TestPublishDisabledAccount(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	clock := &queuetest.Clock{Now: time.Now()}
	b := newBackends(clock, "a", "b")

	q, err := New[testWork]([]queue.Backend{b[0], b[1]}, Config{},
		WithSwitches(switches.Static{DisablePublishing: []string{"a"}}),
		WithRandom(nil, func(int) int { return 0 }))
	require.NoError(err)

	require.NoError(q.Publish(context.Background(), testWork{Name: "one"}, 0))
	assert.EqualValues(0, count(t, b[0]))
	assert.EqualValues(1, count(t, b[1]))
}

func TestPublishWithSplit(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	clock := &queuetest.Clock{Now: time.Now()}
	b := newBackends(clock, "a")
	q, err := New[testWork]([]queue.Backend{b[0]}, Config{}, WithClock(clock.Func()))
	require.NoError(err)

	r := rand.New(rand.NewSource(7))
	parts := make([]string, 8)
	for i := range parts {
		parts[i] = randomText(r, 8000)
	}

	var (
		lock      sync.Mutex
		positions []int
	)
	delayFor := func(p int) time.Duration {
		lock.Lock()
		positions = append(positions, p)
		lock.Unlock()
		return 0
	}
	build := func(items []string) testWork { return testWork{Name: "split", Parts: items} }

	require.NoError(PublishWithSplit(ctx, q, parts, build, delayFor))
	sort.Ints(positions)
	assert.Equal([]int{0, 1, 2}, positions)
	assert.EqualValues(2, count(t, b[0]))

	msgs, err := b[0].GetMessages(ctx, 10, time.Minute)
	require.NoError(err)
	var got []string
	for _, m := range msgs {
		var w testWork
		require.NoError(q.packager.Unpackage(m.Body, &w))
		assert.Len(w.Parts, 4)
		got = append(got, w.Parts...)
	}
	assert.ElementsMatch(parts, got)

	positions = nil
	require.NoError(PublishWithSplit(ctx, q, []string{}, build, delayFor))
	assert.Empty(positions, "nothing is published for no items")

	err = PublishWithSplit(ctx, q, []string{randomText(r, 64*1024)}, build, nil)
	assert.ErrorIs(err, ErrMessageTooLarge, "a single item is never split")
}

// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xmidt-org/courier/codec"
	"github.com/xmidt-org/courier/commandqueue"
	"github.com/xmidt-org/courier/docstore"
	docinmem "github.com/xmidt-org/courier/docstore/inmem"
	"github.com/xmidt-org/courier/metric"
	"github.com/xmidt-org/courier/model"
	"github.com/xmidt-org/courier/queue"
	"github.com/xmidt-org/courier/queue/inmem"
	"github.com/xmidt-org/courier/workqueue"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
)

var (
	agentID, _      = model.ParseAgentID("2a6ab0f2-9c62-4d3f-a5d6-0b0f7cfb8a11")
	assetGroupID, _ = model.ParseAssetGroupID("7c1e0fd8-3c1b-49d2-9d0e-5b4e8c1e2a37")
)

func newCommand(ct model.CommandType) *model.Command {
	now := time.Now().UTC().Truncate(time.Millisecond)
	c := &model.Command{
		ID:                     model.NewCommandID(),
		AgentID:                agentID,
		AssetGroupID:           assetGroupID,
		Type:                   ct,
		Subject:                model.UserAccountSubject{PUID: 99},
		Timestamp:              now,
		AbsoluteExpirationTime: now.Add(24 * time.Hour),
	}
	if ct == model.CommandTypeAgeOut {
		c.AgeOut = &model.AgeOutPayload{LastActive: now.Add(-365 * 24 * time.Hour)}
	}
	return c
}

// noAccounts is a queue factory with nothing configured.
type noAccounts struct{}

func (noAccounts) Accounts() []string { return nil }
func (noAccounts) Open(string, string) (queue.Backend, error) { return nil, queue.ErrUnknownAccount }
func (noAccounts) Close() error { return nil }

// failingInsert refuses inserts for one command id.
type failingInsert struct {
	*docinmem.Collection
	fail string
}

func (f failingInsert) Insert(ctx context.Context, doc docstore.Document) error {
	if doc.ID == f.fail {
		return assert.AnError
	}
	return f.Collection.Insert(ctx, doc)
}

func collections(subjects ...model.SubjectType) docstore.Set {
	var cs []docstore.Collection
	for _, s := range subjects {
		cs = append(cs, docinmem.NewCollection("local", s))
	}
	return docstore.NewSet(cs...)
}

func quickSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d / 1000)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func TestRoute(t *testing.T) {
	tracker := commandqueue.NewTracker(zaptest.NewLogger(t), nil)
	defer tracker.Close()

	tcs := []struct {
		Description string
		Factory     queue.Factory
		Collections docstore.Set
		Command     *model.Command
		Storage     model.StorageType
		Monikers    []string
		ExpectedErr error
	}{
		{
			Description: "AgeOut goes to queue storage",
			Factory:     inmem.NewFactory("east", "west"),
			Collections: collections(model.SubjectTypeUserAccount),
			Command:     newCommand(model.CommandTypeAgeOut),
			Storage:     model.StorageTypeQueue,
			Monikers:    []string{"east", "west"},
		},
		{
			Description: "AgeOut without queue accounts",
			Factory:     noAccounts{},
			Collections: collections(model.SubjectTypeUserAccount),
			Command:     newCommand(model.CommandTypeAgeOut),
			Storage:     model.StorageTypeDocument,
			Monikers:    []string{"local"},
		},
		{
			Description: "AccountClose goes to document storage",
			Factory:     inmem.NewFactory("east", "west"),
			Collections: collections(model.SubjectTypeUserAccount),
			Command:     newCommand(model.CommandTypeAccountClose),
			Storage:     model.StorageTypeDocument,
			Monikers:    []string{"local"},
		},
		{
			Description: "No collection",
			Factory:     inmem.NewFactory(),
			Collections: collections(model.SubjectTypeDevice),
			Command:     newCommand(model.CommandTypeAccountClose),
			ExpectedErr: ErrNoCollection,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.Description, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			r := NewRouter(tc.Factory, tc.Collections, tracker, nil)
			target, err := r.Route(tc.Command)
			if tc.ExpectedErr != nil {
				assert.ErrorIs(err, tc.ExpectedErr)
				return
			}
			require.NoError(err)
			assert.Equal(tc.Storage, target.Queue.StorageType())
			assert.Contains(tc.Monikers, target.Moniker)

			again, err := r.Route(newCommand(tc.Command.Type))
			require.NoError(err)
			assert.Equal(target.Moniker, again.Moniker, "an agent stays on one account")
		})
	}
}

type deliveryTest struct {
	factory     *inmem.Factory
	collections docstore.Set
	tracker     *commandqueue.Tracker
	router      *Router
	queue       *workqueue.Queue[CommandBatch]
	publisher   *Publisher
	handler     *Handler
}

func newDeliveryTest(t *testing.T, collections docstore.Set) *deliveryTest {
	logger := zaptest.NewLogger(t)
	d := &deliveryTest{
		factory:     inmem.NewFactory("east", "west"),
		collections: collections,
		tracker:     commandqueue.NewTracker(logger, nil),
	}
	t.Cleanup(d.tracker.Close)
	d.router = NewRouter(d.factory, d.collections, d.tracker, logger)

	backends, err := queue.OpenAll(d.factory, DefaultQueueName)
	require.NoError(t, err)
	d.queue, err = workqueue.New[CommandBatch](backends, workqueue.Config{},
		workqueue.WithLogger(logger),
		workqueue.WithMeasures(metric.NewMeasures()),
		workqueue.WithSleep(quickSleep),
	)
	require.NoError(t, err)
	d.publisher = NewPublisher(d.queue)
	d.handler = NewHandler(d.router, logger, func() time.Duration { return time.Minute })
	return d
}

func TestDeliverAndPop(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	d := newDeliveryTest(t, collections(model.SubjectTypes()...))

	commands := []*model.Command{
		newCommand(model.CommandTypeAgeOut),
		newCommand(model.CommandTypeAccountClose),
		newCommand(model.CommandTypeAccountClose),
	}
	require.NoError(d.publisher.Deliver(context.Background(), commands...))
	assert.EqualValues(1, d.queue.ReportDepth(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.queue.BeginProcess(ctx, d.handler)
	}()
	assert.Eventually(func() bool {
		return d.queue.ReportDepth(context.Background()) == 0
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	result := d.router.Pop(context.Background(), agentID, assetGroupID, 10, time.Minute)
	assert.Empty(result.Errors)
	require.Len(result.Commands, 3)
	assert.Equal(model.StorageTypeDocument, result.Commands[0].Receipt.StorageType, "document queues are read first")
	assert.Equal(model.StorageTypeDocument, result.Commands[1].Receipt.StorageType)
	assert.Equal(model.StorageTypeQueue, result.Commands[2].Receipt.StorageType)
	assert.Equal(commands[0].ID, result.Commands[2].ID)

	for _, c := range result.Commands {
		q, err := d.router.Queue(agentID, assetGroupID, c.Receipt)
		require.NoError(err)
		assert.NoError(q.Delete(context.Background(), c.Receipt))
	}

	foreign := *result.Commands[0].Receipt
	foreign.DatabaseMoniker = "elsewhere"
	_, err := d.router.Queue(agentID, assetGroupID, &foreign)
	assert.ErrorIs(err, commandqueue.ErrUnsupportedLeaseReceipt)

	q, err := d.router.Queue(agentID, assetGroupID, nil)
	assert.Nil(q)
	assert.ErrorIs(err, commandqueue.ErrUnsupportedLeaseReceipt)
}

func TestPopLimit(t *testing.T) {
	assert := assert.New(t)
	d := newDeliveryTest(t, collections(model.SubjectTypeUserAccount))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		item := &workqueue.WorkItem[CommandBatch]{}
		c := newCommand(model.CommandTypeAccountClose)
		r, err := codec.Encode(c)
		require.NoError(t, err)
		item.Item.Records = [][]byte{r}
		_, err = d.handler.Process(ctx, item)
		require.NoError(t, err)
	}
	result := d.router.Pop(ctx, agentID, assetGroupID, 2, time.Minute)
	assert.Len(result.Commands, 2)
}

func TestHandlerRetriesRemainder(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	commands := []*model.Command{
		newCommand(model.CommandTypeAccountClose),
		newCommand(model.CommandTypeAccountClose),
		newCommand(model.CommandTypeAccountClose),
	}
	c := docinmem.NewCollection("local", model.SubjectTypeUserAccount)
	d := newDeliveryTest(t, docstore.NewSet(failingInsert{Collection: c, fail: commands[1].ID.String()}))

	item := &workqueue.WorkItem[CommandBatch]{}
	item.Item.Records = append(item.Item.Records, []byte("not a record"))
	for _, c := range commands {
		r, err := codec.Encode(c)
		require.NoError(err)
		item.Item.Records = append(item.Item.Records, r)
	}

	result, err := d.handler.Process(context.Background(), item)
	require.NoError(err)
	require.NotNil(result)
	assert.False(result.IsComplete())
	assert.Equal(time.Minute, result.Delay())
	require.Len(item.Item.Records, 2, "the delivered and undecodable records are dropped")

	d.collections[model.SubjectTypeUserAccount] = c
	d.router = NewRouter(d.factory, d.collections, d.tracker, nil)
	d.handler = NewHandler(d.router, nil, func() time.Duration { return time.Second })
	result, err = d.handler.Process(context.Background(), item)
	require.NoError(err)
	assert.True(result.IsComplete())

	stats, err := c.Statistics(context.Background(), commandqueue.PartitionKey(agentID, assetGroupID), false)
	require.NoError(err)
	assert.EqualValues(3, stats.PendingCount)
}

func TestHandlerIgnoresDuplicates(t *testing.T) {
	d := newDeliveryTest(t, collections(model.SubjectTypeUserAccount))
	r, err := codec.Encode(newCommand(model.CommandTypeAccountClose))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		item := &workqueue.WorkItem[CommandBatch]{}
		item.Item.Records = [][]byte{r}
		result, err := d.handler.Process(context.Background(), item)
		require.NoError(t, err)
		assert.True(t, result.IsComplete())
	}
}

func TestSetup(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	lc := fxtest.NewLifecycle(t)

	out, err := Setup(SetupIn{
		Config:      Config{DefaultLease: time.Minute, Concurrency: 4},
		Factory:     inmem.NewFactory(),
		Collections: collections(model.SubjectTypeUserAccount),
		Measures:    metric.NewMeasures(),
		LC:          lc,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(err)
	assert.Equal(DefaultQueueName, out.Queue.Config().QueueName)
	StartProcessing(lc, out.Queue, out.Handler)
	lc.RequireStart()

	require.NoError(out.Publisher.Deliver(context.Background(), newCommand(model.CommandTypeAccountClose)))
	var result commandqueue.PopResult
	assert.Eventually(func() bool {
		result = out.Router.Pop(context.Background(), agentID, assetGroupID, 1, 0)
		return len(result.Commands) == 1
	}, 10*time.Second, 50*time.Millisecond)
	lc.RequireStop()

	if assert.Len(result.Commands, 1) {
		r := result.Commands[0].Receipt
		assert.WithinDuration(r.LeaseAcquiredTime.Add(time.Minute), r.ApproximateExpirationTime, time.Second)
	}
}

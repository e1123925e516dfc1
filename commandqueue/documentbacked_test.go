// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package commandqueue

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"github.com/xmidt-org/courier/docstore"
	"github.com/xmidt-org/courier/docstore/inmem"
	"github.com/xmidt-org/courier/lease"
	"github.com/xmidt-org/courier/metric"
	"github.com/xmidt-org/courier/model"
	"github.com/xmidt-org/courier/queue/queuetest"
)

const testMoniker = "docs-east"

func accountCloseCommand(now time.Time) *model.Command {
	return &model.Command{
		ID:                     model.NewCommandID(),
		AgentID:                testAgentID,
		AssetGroupID:           testAssetGroupID,
		Type:                   model.CommandTypeAccountClose,
		Subject:                model.UserAccountSubject{PUID: 7},
		Timestamp:              now,
		AbsoluteExpirationTime: now.Add(30 * 24 * time.Hour),
	}
}

type DocumentBackedTestSuite struct {
	suite.Suite
	Clock      *queuetest.Clock
	Collection *inmem.Collection
	Measures   metric.Measures
	Queue      *DocumentBacked
}

func (s *DocumentBackedTestSuite) SetupTest() {
	s.Clock = &queuetest.Clock{Now: testTime}
	s.Collection = inmem.NewCollection(testMoniker, model.SubjectTypeUserAccount)
	s.Collection.SetNow(s.Clock.Func())
	s.Measures = metric.NewMeasures()
	s.Queue = NewDocumentBacked(s.Collection, testAgentID, testAssetGroupID,
		WithClock(s.Clock.Func()), WithMeasures(s.Measures))
}

func (s *DocumentBackedTestSuite) TestTraits() {
	s.Equal(model.StorageTypeDocument, s.Queue.StorageType())
	s.Equal(PriorityHigh, s.Queue.Priority())
	s.True(s.Queue.SupportsQueueFlushByDate())
}

func (s *DocumentBackedTestSuite) TestPopAndComplete() {
	ctx := context.Background()
	a, b := accountCloseCommand(s.Clock.Now), ageOutCommand(s.Clock.Now.Add(time.Second))
	s.Require().NoError(s.Queue.Enqueue(ctx, testMoniker, a))
	s.Require().NoError(s.Queue.Enqueue(ctx, testMoniker, b))
	s.Error(s.Queue.Enqueue(ctx, testMoniker, a), "ids are unique within a partition")

	result, err := s.Queue.Pop(ctx, 0, 0, PriorityDefault)
	s.NoError(err)
	s.Empty(result.Commands)

	result, err = s.Queue.Pop(ctx, 10, 0, PriorityDefault)
	s.Require().NoError(err)
	s.Require().Len(result.Commands, 2)
	s.Equal(a.ID, result.Commands[0].ID, "oldest first")
	s.Equal(b.ID, result.Commands[1].ID)
	s.Equal(1.0, testutil.ToFloat64(s.Measures.CommandPops.WithLabelValues("document", metric.SuccessOutcome)))

	for _, c := range result.Commands {
		r := c.Receipt
		s.Equal(model.StorageTypeDocument, r.StorageType)
		s.Equal(testMoniker, r.DatabaseMoniker)
		s.Equal(c.Type, r.CommandType)
		s.Equal(lease.CurrentVersion, r.Version)
		s.Equal(s.Clock.Now.Add(DefaultDocumentLease), r.ApproximateExpirationTime)
		s.Equal(model.StorageTypeDocument, c.QueueStorageType)
		s.True(s.Queue.SupportsLeaseReceipt(r))
	}
	s.Require().NotNil(result.Commands[1].AgeOut)
	s.Equal(b.AgeOut.LastActive.UnixMilli(), result.Commands[1].AgeOut.LastActive.UnixMilli())

	again, err := s.Queue.Pop(ctx, 10, 0, PriorityDefault)
	s.NoError(err)
	s.Empty(again.Commands, "leased documents stay hidden")
	s.Equal(1.0, testutil.ToFloat64(s.Measures.CommandPops.WithLabelValues("document", metric.EmptyOutcome)))

	for _, c := range result.Commands {
		s.NoError(s.Queue.Delete(ctx, c.Receipt))
	}
	s.Equal(Conflict, CodeOf(s.Queue.Delete(ctx, result.Commands[0].Receipt)))

	stats, err := s.Queue.QueueStatistics(ctx, false)
	s.Require().NoError(err)
	s.Require().Len(stats, 1)
	s.Zero(*stats[0].PendingCommandCount)
}

func (s *DocumentBackedTestSuite) TestReplace() {
	ctx := context.Background()
	s.Require().NoError(s.Queue.Enqueue(ctx, testMoniker, accountCloseCommand(s.Clock.Now)))
	result, err := s.Queue.Pop(ctx, 1, time.Minute, PriorityDefault)
	s.Require().NoError(err)
	s.Require().Len(result.Commands, 1)
	leased := result.Commands[0]

	leased.AgentState = "halfway"
	leased.NextVisibleTime = s.Clock.Now.Add(time.Hour)
	next, err := s.Queue.Replace(ctx, leased.Receipt, leased.Command, ReplaceLeaseExtension|ReplaceCommandContent)
	s.Require().NoError(err)
	s.NotEqual(leased.Receipt.Token, next.Token)
	s.Equal(s.Clock.Now.Add(time.Hour), next.ApproximateExpirationTime)

	_, err = s.Queue.Replace(ctx, leased.Receipt, leased.Command, ReplaceLeaseExtension)
	s.Equal(Conflict, CodeOf(err), "stale etag")
	var cqErr *Error
	s.Require().ErrorAs(err, &cqErr)
	s.True(cqErr.Expected)
	s.ErrorIs(err, docstore.ErrPreconditionFailed)

	empty := *next
	empty.Token = ""
	_, err = s.Queue.Replace(ctx, &empty, leased.Command, ReplaceLeaseExtension)
	s.Equal(InvalidLeaseReceipt, CodeOf(err))

	found, err := s.Queue.QueryCommand(ctx, next)
	s.Require().NoError(err)
	s.Require().NotNil(found)
	s.Equal("halfway", found.AgentState)
	s.Equal(next.Token, found.Receipt.Token)

	s.Clock.Advance(time.Hour)
	result, err = s.Queue.Pop(ctx, 1, time.Minute, PriorityDefault)
	s.Require().NoError(err)
	s.Require().Len(result.Commands, 1)
	s.Equal("halfway", result.Commands[0].AgentState)
}

func (s *DocumentBackedTestSuite) TestQueryMissing() {
	ctx := context.Background()
	c := accountCloseCommand(s.Clock.Now)
	r := s.Queue.identity.Mint(c, "etag", s.Clock.Now, s.Clock.Now)
	found, err := s.Queue.QueryCommand(ctx, r)
	s.NoError(err)
	s.Nil(found)
}

func (s *DocumentBackedTestSuite) TestForeignReceipts() {
	ctx := context.Background()
	c := accountCloseCommand(s.Clock.Now)
	r := s.Queue.identity.Mint(c, "etag", s.Clock.Now, s.Clock.Now)
	r.DatabaseMoniker = "docs-west"
	s.False(s.Queue.SupportsLeaseReceipt(r))
	s.ErrorIs(s.Queue.Delete(ctx, r), ErrUnsupportedLeaseReceipt)
	_, err := s.Queue.Replace(ctx, r, c, ReplaceLeaseExtension)
	s.ErrorIs(err, ErrUnsupportedLeaseReceipt)
	_, err = s.Queue.QueryCommand(ctx, r)
	s.ErrorIs(err, ErrUnsupportedLeaseReceipt)

	r = s.Queue.identity.Mint(c, "etag", s.Clock.Now, s.Clock.Now)
	r.StorageType = model.StorageTypeQueue
	s.False(s.Queue.SupportsLeaseReceipt(r))

	s.ErrorIs(s.Queue.Enqueue(ctx, "docs-west", c), ErrMonikerMismatch)
	s.ErrorIs(s.Queue.Upsert(ctx, "docs-west", Leased{Command: c}), ErrMonikerMismatch)
}

func (s *DocumentBackedTestSuite) TestUpsert() {
	ctx := context.Background()
	c := accountCloseCommand(s.Clock.Now)
	s.Require().NoError(s.Queue.Upsert(ctx, testMoniker, Leased{Command: c}))
	c.AgentState = "second"
	s.Require().NoError(s.Queue.Upsert(ctx, testMoniker, Leased{Command: c}))

	result, err := s.Queue.Pop(ctx, 10, 0, PriorityDefault)
	s.Require().NoError(err)
	s.Require().Len(result.Commands, 1)
	s.Equal("second", result.Commands[0].AgentState)
}

func (s *DocumentBackedTestSuite) TestStatisticsAndFlush() {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.Queue.Enqueue(ctx, testMoniker, accountCloseCommand(s.Clock.Now)))
		s.Clock.Advance(time.Hour)
	}
	_, err := s.Queue.Pop(ctx, 1, 0, PriorityDefault)
	s.Require().NoError(err)

	stats, err := s.Queue.QueueStatistics(ctx, true)
	s.Require().NoError(err)
	s.Require().Len(stats, 1)
	st := stats[0]
	s.Equal(testMoniker, st.DatabaseMoniker)
	s.Equal(model.SubjectTypeUserAccount, st.SubjectType)
	s.Equal(testTime, st.QueryDate)
	s.EqualValues(3, *st.PendingCommandCount)
	s.Require().NotNil(st.UnleasedCommandCount)
	s.EqualValues(2, *st.UnleasedCommandCount)
	s.Equal(testTime, st.OldestPendingCommand)

	stats, err = s.Queue.QueueStatistics(ctx, false)
	s.Require().NoError(err)
	s.Nil(stats[0].UnleasedCommandCount)

	s.Require().NoError(s.Queue.FlushAgentQueue(ctx, testTime.Add(time.Hour)))
	stats, err = s.Queue.QueueStatistics(ctx, false)
	s.Require().NoError(err)
	s.EqualValues(1, *stats[0].PendingCommandCount)
}

func TestDocumentBacked(t *testing.T) {
	suite.Run(t, new(DocumentBackedTestSuite))
}

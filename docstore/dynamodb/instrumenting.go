// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package dynamodb

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/xmidt-org/courier/metric"
)

type instrumentingService struct {
	service
	measures metric.Measures
	table    string
	now      func() time.Time
}

func newInstrumentingService(measures metric.Measures, table string, s service, now func() time.Time) service {
	if now == nil {
		now = time.Now
	}
	return &instrumentingService{service: s, measures: measures, table: table, now: now}
}

func (s *instrumentingService) update(op string, consumedCapacity *types.ConsumedCapacity, err error, start time.Time) {
	outcome := metric.SuccessOutcome
	if err != nil {
		outcome = metric.FailureOutcome
	}
	s.measures.QueueOperations.WithLabelValues(op, outcome, s.table).Inc()
	s.measures.QueueOperationDuration.WithLabelValues(op, s.table).Observe(s.now().Sub(start).Seconds())
	if consumedCapacity != nil {
		s.measures.CapacityUnitsConsumed.WithLabelValues(DynamoDB, op).Add(aws.ToFloat64(consumedCapacity.CapacityUnits))
	}
}

func (s *instrumentingService) Put(ctx context.Context, doc storedDocument, cond putCondition) (*types.ConsumedCapacity, error) {
	start := s.now()
	consumedCapacity, err := s.service.Put(ctx, doc, cond)
	s.update(metric.InsertType, consumedCapacity, err, start)
	return consumedCapacity, err
}

func (s *instrumentingService) Get(ctx context.Context, pk, id string) (storedDocument, *types.ConsumedCapacity, error) {
	start := s.now()
	doc, consumedCapacity, err := s.service.Get(ctx, pk, id)
	s.update(metric.ReadType, consumedCapacity, err, start)
	return doc, consumedCapacity, err
}

func (s *instrumentingService) Lease(ctx context.Context, pk, id, etag, newETag string, now, visible time.Time) (*types.ConsumedCapacity, error) {
	start := s.now()
	consumedCapacity, err := s.service.Lease(ctx, pk, id, etag, newETag, now, visible)
	s.update(metric.UpdateType, consumedCapacity, err, start)
	return consumedCapacity, err
}

func (s *instrumentingService) Delete(ctx context.Context, pk, id string) (*types.ConsumedCapacity, error) {
	start := s.now()
	consumedCapacity, err := s.service.Delete(ctx, pk, id)
	s.update(metric.DeleteType, consumedCapacity, err, start)
	return consumedCapacity, err
}

func (s *instrumentingService) Query(ctx context.Context, q partitionQuery) (queryPage, *types.ConsumedCapacity, error) {
	start := s.now()
	page, consumedCapacity, err := s.service.Query(ctx, q)
	op := metric.FetchType
	if q.CountOnly {
		op = metric.CountType
	}
	s.update(op, consumedCapacity, err, start)
	return page, consumedCapacity, err
}

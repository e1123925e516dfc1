// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xmidt-org/courier/metric"
)

type instrumentingBackend struct {
	Backend
	measures metric.Measures
}

// NewInstrumentingBackend counts and times every backend call.
func NewInstrumentingBackend(measures metric.Measures, b Backend) Backend {
	return &instrumentingBackend{Backend: b, measures: measures}
}

func (b *instrumentingBackend) observe(op string, start time.Time, err error) {
	outcome := metric.SuccessOutcome
	if err != nil {
		outcome = metric.FailureOutcome
	}
	queue := b.Backend.QueueName()
	if b.measures.QueueOperations != nil {
		b.measures.QueueOperations.With(prometheus.Labels{
			metric.TypeLabel:    op,
			metric.OutcomeLabel: outcome,
			metric.QueueLabel:   queue,
		}).Inc()
	}
	if b.measures.QueueOperationDuration != nil {
		b.measures.QueueOperationDuration.With(prometheus.Labels{
			metric.TypeLabel:  op,
			metric.QueueLabel: queue,
		}).Observe(time.Since(start).Seconds())
	}
}

func (b *instrumentingBackend) AddMessage(ctx context.Context, body []byte, delay, ttl time.Duration) (err error) {
	start := time.Now()
	err = b.Backend.AddMessage(ctx, body, delay, ttl)
	b.observe(metric.PublishType, start, err)
	return
}

func (b *instrumentingBackend) DeleteMessage(ctx context.Context, msg Message) (err error) {
	start := time.Now()
	err = b.Backend.DeleteMessage(ctx, msg)
	b.observe(metric.DeleteType, start, err)
	return
}

func (b *instrumentingBackend) UpdateMessage(ctx context.Context, msg Message, visibility time.Duration, fields UpdateFields) (Message, error) {
	start := time.Now()
	updated, err := b.Backend.UpdateMessage(ctx, msg, visibility, fields)
	b.observe(metric.UpdateType, start, err)
	return updated, err
}

func (b *instrumentingBackend) GetMessages(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	start := time.Now()
	msgs, err := b.Backend.GetMessages(ctx, max, visibility)
	b.observe(metric.FetchType, start, err)
	return msgs, err
}

func (b *instrumentingBackend) ApproximateCount(ctx context.Context) (int64, error) {
	start := time.Now()
	count, err := b.Backend.ApproximateCount(ctx)
	b.observe(metric.CountType, start, err)
	return count, err
}

// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/xmidt-org/courier/codec"
	"github.com/xmidt-org/courier/docstore"
	"github.com/xmidt-org/courier/model"
	"github.com/xmidt-org/courier/workqueue"
	"go.uber.org/zap"
)

// CommandBatch is the work item that carries encoded commands to their
// agent queues. Records that have been delivered are removed when the batch
// is retried.
type CommandBatch struct {
	Records [][]byte `json:"r"`
}

// Publisher hands commands to the delivery work queue.
type Publisher struct {
	queue *workqueue.Queue[CommandBatch]
}

func NewPublisher(q *workqueue.Queue[CommandBatch]) *Publisher {
	return &Publisher{queue: q}
}

// Deliver encodes commands and publishes them, split over as many work items
// as it takes to fit the message size limit.
func (p *Publisher) Deliver(ctx context.Context, commands ...*model.Command) error {
	records := make([][]byte, 0, len(commands))
	for _, c := range commands {
		r, err := codec.Encode(c)
		if err != nil {
			return err
		}
		records = append(records, r)
	}
	return workqueue.PublishWithSplit(ctx, p.queue, records,
		func(r [][]byte) CommandBatch { return CommandBatch{Records: r} }, nil)
}

// Handler writes each command of a batch into its agent queue.
type Handler struct {
	router  *Router
	logger  *zap.Logger
	backoff func() time.Duration
}

var _ workqueue.Handler[CommandBatch] = (*Handler)(nil)

// NewHandler builds a Handler. backoff gives the delay before a partly
// delivered batch is retried.
func NewHandler(router *Router, logger *zap.Logger, backoff func() time.Duration) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{router: router, logger: logger, backoff: backoff}
}

func (h *Handler) Priority() workqueue.Priority { return workqueue.PriorityDefault }

func (h *Handler) Process(ctx context.Context, item *workqueue.WorkItem[CommandBatch]) (*workqueue.Result, error) {
	records := item.Item.Records
	for i, r := range records {
		if err := h.deliver(ctx, r); err != nil {
			h.logger.Warn("command delivery failed, retrying the rest of the batch",
				zap.Int("delivered", i), zap.Int("remaining", len(records)-i), zap.Error(err))
			item.Item.Records = records[i:]
			return workqueue.RetryAfter(h.backoff()), nil
		}
	}
	return workqueue.Complete(), nil
}

// deliver enqueues one record. Records that can never be delivered are
// logged and dropped.
func (h *Handler) deliver(ctx context.Context, record []byte) error {
	c, err := codec.Decode(record)
	if err != nil {
		h.logger.Error("dropping undecodable command record", zap.Error(err))
		return nil
	}
	logger := h.logger.With(zap.Stringer("commandId", c.ID), zap.Stringer("agentId", c.AgentID))
	t, err := h.router.Route(c)
	if errors.Is(err, ErrNoCollection) {
		logger.Error("dropping command with no destination", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	err = t.Queue.Enqueue(ctx, t.Moniker, c)
	if errors.Is(err, docstore.ErrConflict) {
		logger.Debug("command already delivered")
		return nil
	}
	if err == nil {
		logger.Debug("command delivered", zap.Stringer("storage", t.Queue.StorageType()))
	}
	return err
}

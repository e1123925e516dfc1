// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xmidt-org/courier/metric"
	"github.com/xmidt-org/courier/queue"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var errHandlerPanic = errors.New("work item handler panicked")

// BeginProcess polls every backend and hands each message to h until ctx is
// done. It returns once the pollers have stopped and every buffered and in
// flight item has been handled.
func (q *Queue[T]) BeginProcess(ctx context.Context, h Handler[T]) {
	var (
		buf     = newBuffer()
		pollers sync.WaitGroup
		workers sync.WaitGroup
		stopped = make(chan struct{})
		slots   = make(chan struct{}, q.config.SoftPendingWorkItemLimit)
	)

	workers.Add(1)
	go func() {
		defer workers.Done()
		q.reportDepth(ctx)
	}()

	for _, b := range q.backends {
		pollers.Add(1)
		go func(b queue.Backend) {
			defer pollers.Done()
			q.poll(ctx, b, buf)
		}(b)
	}
	go func() {
		pollers.Wait()
		close(stopped)
	}()

	pollersDone := false
	for {
		next, ok := buf.pop()
		if !ok {
			if pollersDone {
				break
			}
			select {
			case <-buf.wake:
			case <-stopped:
				pollersDone = true
			}
			continue
		}

		slots <- struct{}{}
		workers.Add(1)
		go func(next buffered) {
			defer func() {
				<-slots
				workers.Done()
			}()
			q.dispatch(context.WithoutCancel(ctx), h, next)
		}(next)
	}
	workers.Wait()
}

// poll fetches from one backend into buf with an adaptive backoff. The
// queue is created before the first fetch and again after a failed one.
func (q *Queue[T]) poll(ctx context.Context, b queue.Backend, buf *buffer) {
	logger := q.logger.With(zap.String("account", b.AccountName()))
	backoff := initialPollBackoff
	ensured := false
	for ctx.Err() == nil {
		if q.sleep(ctx, backoff) != nil {
			return
		}
		for buf.len() >= q.config.SoftPendingWorkItemLimit {
			if q.sleep(ctx, fullBufferWait) != nil {
				return
			}
		}

		if q.switches.ProcessingDelayed(q.typeName) {
			logger.Info("delaying queue poll", zap.Duration("delay", delayedPollWait))
			if q.sleep(ctx, delayedPollWait) != nil {
				return
			}
			continue
		}
		if q.switches.ProcessingDisabled(b.QueueName()) {
			continue
		}

		if !ensured {
			if err := b.EnsureExists(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("failed to create queue", zap.Error(err))
				q.countError(metric.LoopErrorReason)
				backoff = q.config.MaxPollBackoff
				continue
			}
			ensured = true
		}

		msgs, err := b.GetMessages(ctx, q.config.BatchSize, q.config.LeasePeriod)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ensured = false
			logger.Error("failed to poll queue", zap.Error(err))
			q.countError(metric.LoopErrorReason)
			backoff = q.config.MaxPollBackoff
			continue
		}

		items := make([]buffered, len(msgs))
		for i, m := range msgs {
			items[i] = buffered{backend: b, msg: m}
		}
		buf.push(items...)

		switch {
		case len(msgs) == 0:
			backoff = (backoff + q.config.MaxPollBackoff) / 2
		case len(msgs) >= q.config.BatchSize:
			backoff = (backoff + q.config.MinPollBackoff) / 2
		}
	}
}

// dispatch runs h on one message once the priority semaphore admits it.
func (q *Queue[T]) dispatch(ctx context.Context, h Handler[T], next buffered) {
	logger := q.logger.With(
		zap.String("account", next.backend.AccountName()),
		zap.String("messageId", next.msg.ID),
		zap.Int64("dequeueCount", next.msg.DequeueCount),
	)

	release, err := q.semaphore.Acquire(ctx, h.Priority())
	if err != nil {
		logger.Error("unable to acquire work slot", zap.Error(err))
		return
	}
	defer release()

	item := &WorkItem[T]{
		backend: next.backend,
		pack:    q.packager.Package,
		now:     q.now,
		msg:     next.msg,
	}
	reason, err := q.handle(ctx, h, item, logger)
	if err == nil {
		return
	}

	if errors.Is(err, queue.ErrMessageNotFound) {
		logger.Info("work item no longer exists, dropping it", zap.Error(err))
		return
	}
	logger.Error("error processing work item, backing off", zap.String("reason", reason), zap.Error(err))
	q.countError(reason)

	backoff := q.ExceptionBackoff()
	if uerr := item.update(ctx, backoff, queue.UpdateVisibility); uerr != nil {
		logger.Warn("unable to back off work item", zap.Duration("backoff", backoff), zap.Error(uerr))
	}
}

func (q *Queue[T]) handle(ctx context.Context, h Handler[T], item *WorkItem[T], logger *zap.Logger) (reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			reason = metric.PanicReason
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()

	start := q.now()
	reason = metric.HandlerErrorReason
	if err = q.packager.Unpackage(item.msg.Body, &item.Item); err != nil {
		return
	}
	result, err := h.Process(ctx, item)
	if err != nil {
		return
	}
	if result == nil {
		logger.Error("work item handler returned no result")
		q.countError(metric.NullResultReason)
		result = RetryAfter(q.ExceptionBackoff())
	}

	if result.complete {
		err = item.delete(ctx)
	} else {
		err = item.update(ctx, result.delay, queue.UpdateVisibility|queue.UpdateContent)
	}
	if err == nil {
		logger.Debug("work item processed",
			zap.Bool("complete", result.complete),
			zap.Duration("delay", result.delay),
			zap.Int64("durationMs", q.now().Sub(start).Milliseconds()),
		)
	}
	return
}

func (q *Queue[T]) countError(reason string) {
	if q.measures.ProcessingErrors == nil {
		return
	}
	q.measures.ProcessingErrors.With(prometheus.Labels{
		metric.TypeLabel:   q.typeName,
		metric.ReasonLabel: reason,
	}).Inc()
}

// reportDepth sets the depth gauge for every backend at random intervals.
func (q *Queue[T]) reportDepth(ctx context.Context) {
	for ctx.Err() == nil {
		q.ReportDepth(ctx)
		if q.sleep(ctx, q.between(minDepthReportInterval, maxDepthReportInterval)) != nil {
			return
		}
	}
}

// ReportDepth records the approximate count of every backend once and
// returns the total of the counts that could be read.
func (q *Queue[T]) ReportDepth(ctx context.Context) int64 {
	var total atomic.Int64
	var wg sync.WaitGroup
	for _, b := range q.backends {
		wg.Add(1)
		go func(b queue.Backend) {
			defer wg.Done()
			n, err := b.ApproximateCount(ctx)
			if err != nil {
				q.logger.Debug("unable to read queue depth", zap.String("account", b.AccountName()), zap.Error(err))
				return
			}
			total.Add(n)
			if q.measures.QueueDepth != nil {
				q.measures.QueueDepth.With(prometheus.Labels{
					metric.AccountLabel: b.AccountName(),
					metric.QueueLabel:   b.QueueName(),
				}).Set(float64(n))
			}
		}(b)
	}
	wg.Wait()
	return total.Load()
}

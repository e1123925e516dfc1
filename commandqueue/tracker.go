// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package commandqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xmidt-org/courier/model"
	"github.com/xmidt-org/courier/queue"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var errQueueMissing = errors.New("queue does not exist yet")

// ExistenceTracker remembers which queue backends are known to exist.
type ExistenceTracker interface {
	QueueExists(b queue.Backend) bool
	StartQueueTracker(b queue.Backend, commandType model.CommandType)
}

type trackedQueue struct {
	exists  atomic.Bool
	running atomic.Bool
}

// Tracker checks queue existence in the background. Once a queue is seen to
// exist the answer is cached for the life of the tracker.
type Tracker struct {
	logger     *zap.Logger
	newBackOff func() backoff.BackOff

	lock    sync.Mutex
	entries map[string]*trackedQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ExistenceTracker = (*Tracker)(nil)

// NewTracker builds a Tracker. A nil newBackOff uses an exponential backoff
// that retries until Close.
func NewTracker(logger *zap.Logger, newBackOff func() backoff.BackOff) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		logger:     logger,
		newBackOff: newBackOff,
		entries:    make(map[string]*trackedQueue),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 10 * time.Minute
	b.MaxElapsedTime = 0
	return b
}

func trackerKey(b queue.Backend) string {
	return b.AccountName() + "/" + b.QueueName()
}

func (t *Tracker) entry(b queue.Backend) *trackedQueue {
	key := trackerKey(b)
	t.lock.Lock()
	defer t.lock.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = new(trackedQueue)
		t.entries[key] = e
	}
	return e
}

// QueueExists reports the cached answer. It never calls the backend.
func (t *Tracker) QueueExists(b queue.Backend) bool {
	return t.entry(b).exists.Load()
}

// MarkExists records that b exists, for callers that just created it.
func (t *Tracker) MarkExists(b queue.Backend) {
	t.entry(b).exists.Store(true)
}

// StartQueueTracker begins checking b unless it is known to exist or a check
// is already running.
func (t *Tracker) StartQueueTracker(b queue.Backend, commandType model.CommandType) {
	e := t.entry(b)
	if e.exists.Load() || t.ctx.Err() != nil || !e.running.CAS(false, true) {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer e.running.Store(false)
		t.track(b, commandType, e)
	}()
}

func (t *Tracker) track(b queue.Backend, commandType model.CommandType, e *trackedQueue) {
	logger := t.logger.With(
		zap.String("account", b.AccountName()),
		zap.String("queue", b.QueueName()),
		zap.Stringer("commandType", commandType),
	)
	check := func() error {
		ok, err := b.Exists(t.ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errQueueMissing
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Debug("queue not confirmed yet", zap.Duration("retryIn", next), zap.Error(err))
	}
	if err := backoff.RetryNotify(check, backoff.WithContext(t.newBackOff(), t.ctx), notify); err != nil {
		logger.Debug("stopped tracking queue", zap.Error(err))
		return
	}
	e.exists.Store(true)
	logger.Info("queue exists")
}

// Close stops all checks and waits for them to return.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"time"

	"github.com/xmidt-org/courier/commandqueue"
	"github.com/xmidt-org/courier/docstore"
	"github.com/xmidt-org/courier/metric"
	"github.com/xmidt-org/courier/queue"
	"github.com/xmidt-org/courier/switches"
	"github.com/xmidt-org/courier/workqueue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// DefaultQueueName is the work queue delivery uses when none is configured.
const DefaultQueueName = "commanddelivery"

type Config struct {
	WorkQueue workqueue.Config

	// DefaultLease overrides the per storage default lease of every command
	// queue when set.
	DefaultLease time.Duration

	// Concurrency bounds the batches handled at once. Zero uses the work
	// queue default.
	Concurrency int64
}

type SetupIn struct {
	fx.In
	Config      Config
	Factory     queue.Factory
	Collections docstore.Set
	Switches    switches.Switches `optional:"true"`
	Measures    metric.Measures
	LC          fx.Lifecycle
	Logger      *zap.Logger
}

type SetupOut struct {
	fx.Out
	Queue     *workqueue.Queue[CommandBatch]
	Router    *Router
	Publisher *Publisher
	Handler   *Handler
}

func Provide() fx.Option {
	return fx.Options(
		fx.Provide(
			Setup,
		),
		fx.Invoke(
			StartProcessing,
		),
	)
}

// Setup opens the delivery work queue on every queue account and builds the
// router that places commands into agent queues.
func Setup(in SetupIn) (SetupOut, error) {
	logger := in.Logger.Named("delivery")
	config := in.Config.WorkQueue
	if config.QueueName == "" {
		config.QueueName = DefaultQueueName
	}
	backends, err := queue.OpenAll(in.Factory, config.QueueName)
	if err != nil {
		return SetupOut{}, err
	}

	opts := []workqueue.Option{
		workqueue.WithLogger(logger),
		workqueue.WithMeasures(in.Measures),
		workqueue.WithSwitches(in.Switches),
	}
	if in.Config.Concurrency > 0 {
		opts = append(opts, workqueue.WithSemaphore(workqueue.NewPrioritySemaphore(in.Config.Concurrency)))
	}
	q, err := workqueue.New[CommandBatch](backends, config, opts...)
	if err != nil {
		return SetupOut{}, err
	}

	tracker := commandqueue.NewTracker(logger, nil)
	in.LC.Append(fx.Hook{
		OnStop: func(context.Context) error {
			tracker.Close()
			return nil
		},
	})

	cqOpts := []commandqueue.Option{commandqueue.WithMeasures(in.Measures)}
	if in.Config.DefaultLease > 0 {
		cqOpts = append(cqOpts, commandqueue.WithDefaultLease(in.Config.DefaultLease))
	}
	router := NewRouter(in.Factory, in.Collections, tracker, logger, cqOpts...)
	return SetupOut{
		Queue:     q,
		Router:    router,
		Publisher: NewPublisher(q),
		Handler:   NewHandler(router, logger, q.ExceptionBackoff),
	}, nil
}

// StartProcessing runs the delivery work queue for the life of the app.
func StartProcessing(lc fx.Lifecycle, q *workqueue.Queue[CommandBatch], h *Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				q.BeginProcess(ctx, h)
			}()
			return nil
		},
		OnStop: func(stop context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stop.Done():
				return stop.Err()
			}
		},
	})
}

// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"

	"github.com/xmidt-org/courier/metric"
	"github.com/xmidt-org/courier/queue"
	"github.com/xmidt-org/courier/queue/inmem"
	"github.com/xmidt-org/courier/queue/redisqueue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const Redis = "redis"

type Configs struct {
	Redis *redisqueue.Config
}

type SetupIn struct {
	fx.In
	Configs  Configs
	Measures metric.Measures
	LC       fx.Lifecycle
	Logger   *zap.Logger
}

func Provide() fx.Option {
	return fx.Options(
		fx.Provide(
			SetupFactory,
		),
	)
}

// SetupFactory picks the queue implementation from configuration. Every
// backend it opens is instrumented and logged.
func SetupFactory(in SetupIn) (queue.Factory, error) {
	var f queue.Factory
	if in.Configs.Redis != nil {
		in.Logger.Info("using redis queue implementation")
		rf, err := redisqueue.NewFactory(context.Background(), *in.Configs.Redis)
		if err != nil {
			return nil, err
		}
		f = rf
	} else {
		in.Logger.Info("using in memory queue implementation")
		f = inmem.NewFactory()
	}
	in.LC.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return f.Close()
		},
	})
	return NewDecoratedFactory(f, in.Measures, in.Logger), nil
}

type decoratedFactory struct {
	queue.Factory
	measures metric.Measures
	logger   *zap.Logger
}

// NewDecoratedFactory wraps every backend f opens with metrics and logging.
func NewDecoratedFactory(f queue.Factory, measures metric.Measures, logger *zap.Logger) queue.Factory {
	return &decoratedFactory{Factory: f, measures: measures, logger: logger}
}

func (d *decoratedFactory) Open(account, name string) (queue.Backend, error) {
	b, err := d.Factory.Open(account, name)
	if err != nil {
		return nil, err
	}
	return queue.NewLoggingBackend(d.logger, queue.NewInstrumentingBackend(d.measures, b)), nil
}

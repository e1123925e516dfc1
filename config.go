// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"time"

	"github.com/spf13/viper"
	"github.com/xmidt-org/courier/delivery"
	docstoredb "github.com/xmidt-org/courier/docstore/db"
	"github.com/xmidt-org/courier/docstore/cassandra"
	"github.com/xmidt-org/courier/docstore/dynamodb"
	queuedb "github.com/xmidt-org/courier/queue/db"
	"github.com/xmidt-org/courier/queue/redisqueue"
	"github.com/xmidt-org/courier/switches"
	"github.com/xmidt-org/courier/workqueue"
	"github.com/xmidt-org/touchstone"
	"go.uber.org/fx"
)

// Configuration keys.
const (
	PrometheusKey   = "prometheus"
	ServerKey       = "servers.operations"
	RedisKey        = "redis"
	DynamoKey       = "dynamo"
	YugabyteKey     = "yugabyte"
	WorkQueueKey    = "workQueue"
	CommandQueueKey = "commandQueue"
)

const defaultPopBlock = time.Minute

// CommandQueueConfig tunes the command queues.
type CommandQueueConfig struct {
	// DefaultLeaseDuration replaces the per storage default lease when set.
	DefaultLeaseDuration time.Duration

	// PopBlockDuration is how long a partition is skipped after an empty
	// document store pop. Defaults to a minute.
	PopBlockDuration time.Duration

	// Concurrency bounds the delivery batches handled at once.
	Concurrency int64
}

// optionalKey unmarshals key into a new T, or returns nil when key is unset.
func optionalKey[T any](v *viper.Viper, key string) (*T, error) {
	if !v.IsSet(key) {
		return nil, nil
	}
	t := new(T)
	if err := v.UnmarshalKey(key, t); err != nil {
		return nil, err
	}
	return t, nil
}

func unmarshalKey[T any](v *viper.Viper, key string) (T, error) {
	var t T
	err := v.UnmarshalKey(key, &t)
	return t, err
}

func provideConfig() fx.Option {
	return fx.Provide(
		func(v *viper.Viper) (touchstone.Config, error) {
			c, err := unmarshalKey[touchstone.Config](v, PrometheusKey)
			if c.DefaultNamespace == "" {
				c.DefaultNamespace = applicationName
			}
			return c, err
		},
		func(v *viper.Viper) (ServerConfig, error) {
			return unmarshalKey[ServerConfig](v, ServerKey)
		},
		func(v *viper.Viper) (CommandQueueConfig, error) {
			c, err := unmarshalKey[CommandQueueConfig](v, CommandQueueKey)
			if c.PopBlockDuration <= 0 {
				c.PopBlockDuration = defaultPopBlock
			}
			return c, err
		},
		func(v *viper.Viper) (queuedb.Configs, error) {
			redis, err := optionalKey[redisqueue.Config](v, RedisKey)
			return queuedb.Configs{Redis: redis}, err
		},
		func(v *viper.Viper, cq CommandQueueConfig) (docstoredb.Configs, error) {
			dynamo, err := optionalKey[dynamodb.Config](v, DynamoKey)
			if err != nil {
				return docstoredb.Configs{}, err
			}
			yugabyte, err := optionalKey[cassandra.Config](v, YugabyteKey)
			return docstoredb.Configs{
				Dynamo:   dynamo,
				Yugabyte: yugabyte,
				PopBlock: cq.PopBlockDuration,
			}, err
		},
		func(v *viper.Viper, cq CommandQueueConfig) (delivery.Config, error) {
			wq, err := unmarshalKey[workqueue.Config](v, WorkQueueKey)
			return delivery.Config{
				WorkQueue:    wq,
				DefaultLease: cq.DefaultLeaseDuration,
				Concurrency:  cq.Concurrency,
			}, err
		},
		func() *ConfigLock {
			return new(ConfigLock)
		},
		func(v *viper.Viper, lock *ConfigLock) switches.Switches {
			return switches.NewViper(v, switches.Key, &lock.RWMutex)
		},
	)
}

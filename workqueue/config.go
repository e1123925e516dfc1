// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xmidt-org/courier/queue"
)

const (
	defaultSoftPendingWorkItemLimit = 100
	defaultLeasePeriod              = 5 * time.Minute
	defaultMinExceptionBackoff      = time.Minute
	defaultMaxExceptionBackoff      = time.Hour
	defaultMaxPollBackoff           = 30 * time.Second

	initialPollBackoff = time.Second
	delayedPollWait    = 30 * time.Second
	fullBufferWait     = 50 * time.Millisecond

	minQuarantine = 10 * time.Second
	maxQuarantine = 60 * time.Second

	minDepthReportInterval = time.Minute
	maxDepthReportInterval = 3 * time.Minute
)

// Config tunes one work queue. Zero values take defaults.
type Config struct {
	// QueueName defaults to the lower cased work item type name.
	QueueName string `validate:"omitempty,max=63"`

	// SoftPendingWorkItemLimit bounds both the buffered and the in flight
	// work items.
	SoftPendingWorkItemLimit int `validate:"gte=0"`

	// BatchSize is the number of messages requested per poll.
	BatchSize int `validate:"gte=0,lte=32"`

	// LeasePeriod is how long a fetched message stays invisible.
	LeasePeriod time.Duration `validate:"gte=0"`

	// MessageTTL is how long a published message lives. Zero keeps it forever.
	MessageTTL time.Duration `validate:"gte=0"`

	MinExceptionBackoff time.Duration `validate:"gte=0"`
	MaxExceptionBackoff time.Duration `validate:"gtefield=MinExceptionBackoff"`

	MinPollBackoff time.Duration `validate:"gte=0"`
	MaxPollBackoff time.Duration `validate:"gtefield=MinPollBackoff"`
}

func validateConfig(c *Config, typeName string) error {
	if c.QueueName == "" {
		c.QueueName = typeName
	}
	c.QueueName = strings.ToLower(c.QueueName)
	if c.SoftPendingWorkItemLimit == 0 {
		c.SoftPendingWorkItemLimit = defaultSoftPendingWorkItemLimit
	}
	if c.BatchSize == 0 {
		c.BatchSize = queue.MaxBatchSize
	}
	if c.LeasePeriod == 0 {
		c.LeasePeriod = defaultLeasePeriod
	}
	if c.MinExceptionBackoff == 0 {
		c.MinExceptionBackoff = defaultMinExceptionBackoff
	}
	// An unset maximum never falls below a configured minimum.
	if c.MaxExceptionBackoff == 0 {
		c.MaxExceptionBackoff = max(defaultMaxExceptionBackoff, c.MinExceptionBackoff)
	}
	if c.MaxPollBackoff == 0 {
		c.MaxPollBackoff = max(defaultMaxPollBackoff, c.MinPollBackoff)
	}
	return validator.New().Struct(c)
}

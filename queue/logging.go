// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type loggingBackend struct {
	Backend
	logger *zap.Logger
}

// NewLoggingBackend emits a debug entry when each operation finishes and an
// error entry when it fails.
func NewLoggingBackend(logger *zap.Logger, b Backend) Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &loggingBackend{
		Backend: b,
		logger: logger.With(
			zap.String("account", b.AccountName()),
			zap.String("queue", b.QueueName()),
		),
	}
}

func (b *loggingBackend) log(op string, start time.Time, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("op", op), zap.Int64("durationMs", time.Since(start).Milliseconds()))
	if errors.Is(err, ErrMessageNotFound) {
		b.logger.Info("queue message already gone", fields...)
		return
	}
	if err != nil {
		b.logger.Error("queue operation failed", append(fields, zap.Error(err))...)
		return
	}
	b.logger.Debug("queue operation complete", fields...)
}

func (b *loggingBackend) AddMessage(ctx context.Context, body []byte, delay, ttl time.Duration) error {
	start := time.Now()
	err := b.Backend.AddMessage(ctx, body, delay, ttl)
	b.log("publish", start, err, zap.Int("size", len(body)), zap.Duration("delay", delay))
	return err
}

func (b *loggingBackend) DeleteMessage(ctx context.Context, msg Message) error {
	start := time.Now()
	err := b.Backend.DeleteMessage(ctx, msg)
	b.log("delete", start, err, zap.String("messageId", msg.ID))
	return err
}

func (b *loggingBackend) UpdateMessage(ctx context.Context, msg Message, visibility time.Duration, fields UpdateFields) (Message, error) {
	start := time.Now()
	updated, err := b.Backend.UpdateMessage(ctx, msg, visibility, fields)
	b.log("update", start, err, zap.String("messageId", msg.ID), zap.Duration("visibility", visibility))
	return updated, err
}

func (b *loggingBackend) GetMessages(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	start := time.Now()
	msgs, err := b.Backend.GetMessages(ctx, max, visibility)
	b.log("fetch", start, err, zap.Int("requested", max), zap.Int("received", len(msgs)))
	return msgs, err
}

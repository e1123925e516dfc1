// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"time"
)

// MaxBatchSize is the most messages a backend returns from one GetMessages call.
const MaxBatchSize = 32

var (
	// ErrMessageNotFound means the message is gone or its pop receipt is stale,
	// usually because another worker already completed it.
	ErrMessageNotFound = errors.New("queue message not found")

	// ErrInvalidPopReceipt means the pop receipt could not have been issued
	// by this backend.
	ErrInvalidPopReceipt = errors.New("invalid pop receipt")
)

// Message is one backend message as returned by GetMessages.
type Message struct {
	ID              string
	PopReceipt      string
	Body            []byte
	DequeueCount    int64
	InsertedTime    time.Time
	ExpirationTime  time.Time
	NextVisibleTime time.Time
}

// UpdateFields selects what UpdateMessage changes.
type UpdateFields int

const (
	UpdateVisibility UpdateFields = 1 << iota
	UpdateContent
)

// Has reports whether all of f2 is set in f.
func (f UpdateFields) Has(f2 UpdateFields) bool { return f&f2 == f2 }

// Backend is one physical queue.
type Backend interface {
	AccountName() string
	QueueName() string

	// AddMessage enqueues body, invisible for visibilityDelay. A zero ttl
	// means the message never expires.
	AddMessage(ctx context.Context, body []byte, visibilityDelay, ttl time.Duration) error

	DeleteMessage(ctx context.Context, msg Message) error

	// UpdateMessage renews the message lease. Body is written when fields
	// include UpdateContent. The returned message carries the new pop receipt.
	UpdateMessage(ctx context.Context, msg Message, visibility time.Duration, fields UpdateFields) (Message, error)

	// GetMessages leases up to max visible messages for visibility.
	GetMessages(ctx context.Context, max int, visibility time.Duration) ([]Message, error)

	EnsureExists(ctx context.Context) error
	Exists(ctx context.Context) (bool, error)
	ApproximateCount(ctx context.Context) (int64, error)
}

// ErrUnknownAccount is returned by a Factory asked for an account it does not hold.
var ErrUnknownAccount = errors.New("unknown queue account")

// Factory opens backends by account and queue name.
type Factory interface {
	// Accounts lists account names in a stable order.
	Accounts() []string
	Open(account, queue string) (Backend, error)
	Close() error
}

// OpenAll opens the same queue name on every account.
func OpenAll(f Factory, name string) ([]Backend, error) {
	accounts := f.Accounts()
	backends := make([]Backend, 0, len(accounts))
	for _, a := range accounts {
		b, err := f.Open(a, name)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}

// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/xmidt-org/courier/queue"
)

// Result is a handler's verdict on a work item.
type Result struct {
	complete bool
	delay    time.Duration
}

// Complete removes the work item from its queue.
func Complete() *Result { return &Result{complete: true} }

// RetryAfter hides the work item for d and saves its current payload.
func RetryAfter(d time.Duration) *Result { return &Result{delay: d} }

func (r *Result) IsComplete() bool { return r.complete }

func (r *Result) Delay() time.Duration { return r.delay }

// Handler processes work items of type T.
type Handler[T any] interface {
	Priority() Priority

	// Process returns a verdict for item. An error leaves the payload
	// untouched and retries after the exception backoff.
	Process(ctx context.Context, item *WorkItem[T]) (*Result, error)
}

// HandlerFunc adapts a function to a default priority Handler.
type HandlerFunc[T any] func(ctx context.Context, item *WorkItem[T]) (*Result, error)

func (f HandlerFunc[T]) Priority() Priority { return PriorityDefault }

func (f HandlerFunc[T]) Process(ctx context.Context, item *WorkItem[T]) (*Result, error) {
	return f(ctx, item)
}

// WorkItem is a fetched payload together with the message that carries it.
// Handlers may change Item; it is written back on RetryAfter and Update.
type WorkItem[T any] struct {
	Item T

	backend queue.Backend
	pack    func(any) ([]byte, error)
	now     func() time.Time

	lock sync.Mutex
	msg  queue.Message
}

func (w *WorkItem[T]) Backend() queue.Backend { return w.backend }

// Message is the current backend message. Its pop receipt changes on Update.
func (w *WorkItem[T]) Message() queue.Message {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.msg
}

// LeaseRemaining is how long until the message becomes visible again.
func (w *WorkItem[T]) LeaseRemaining() time.Duration {
	return w.Message().NextVisibleTime.Sub(w.now())
}

// Update saves Item and extends the lease to visibility from now.
func (w *WorkItem[T]) Update(ctx context.Context, visibility time.Duration) error {
	return w.update(ctx, visibility, queue.UpdateVisibility|queue.UpdateContent)
}

func (w *WorkItem[T]) update(ctx context.Context, visibility time.Duration, fields queue.UpdateFields) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	msg := w.msg
	if fields.Has(queue.UpdateContent) {
		body, err := w.pack(w.Item)
		if err != nil {
			return err
		}
		msg.Body = body
	}
	updated, err := w.backend.UpdateMessage(ctx, msg, visibility, fields)
	if err != nil {
		return err
	}
	w.msg = updated
	return nil
}

func (w *WorkItem[T]) delete(ctx context.Context) error {
	return w.backend.DeleteMessage(ctx, w.Message())
}

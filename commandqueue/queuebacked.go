// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xmidt-org/courier/codec"
	"github.com/xmidt-org/courier/lease"
	"github.com/xmidt-org/courier/model"
	"github.com/xmidt-org/courier/queue"
	"github.com/xmidt-org/courier/workqueue"
	"go.uber.org/zap"
)

// DefaultQueueLease is the lease used by queue backed pops given none.
const DefaultQueueLease = 900 * time.Second

// QueueCommandTypes are the command types a queue backed command queue accepts.
var QueueCommandTypes = []model.CommandType{model.CommandTypeAgeOut}

// QueueBacked keeps one agent's commands of a single type in a message queue.
type QueueBacked struct {
	settings
	backend     queue.Backend
	tracker     ExistenceTracker
	identity    lease.Identity
	commandType model.CommandType
}

var _ CommandQueue = (*QueueBacked)(nil)

// NewQueueBacked binds backend to one agent, asset group, command type and
// subject type. Only QueueCommandTypes are accepted.
func NewQueueBacked(backend queue.Backend, agentID model.AgentID, assetGroupID model.AssetGroupID,
	commandType model.CommandType, subjectType model.SubjectType, now func() time.Time, tracker ExistenceTracker, opts ...Option) (*QueueBacked, error) {
	supported := false
	for _, ct := range QueueCommandTypes {
		supported = supported || ct == commandType
	}
	if !supported {
		return nil, &RangeError{Field: "commandType", Value: commandType, Allowed: QueueCommandTypes}
	}
	if now != nil {
		opts = append(opts, WithClock(now))
	}
	s := newSettings(DefaultQueueLease, opts)
	s.logger = s.logger.With(
		zap.String("account", backend.AccountName()),
		zap.String("queue", backend.QueueName()),
	)
	return &QueueBacked{
		settings:    s,
		backend:     backend,
		tracker:     tracker,
		commandType: commandType,
		identity: lease.Identity{
			StorageType:     model.StorageTypeQueue,
			DatabaseMoniker: backend.AccountName(),
			AgentID:         agentID,
			AssetGroupID:    assetGroupID,
			SubjectType:     subjectType,
			CommandType:     commandType,
			MinVersion:      lease.MinVersionQueueStorage,
		},
	}, nil
}

func (q *QueueBacked) StorageType() model.StorageType { return model.StorageTypeQueue }

func (q *QueueBacked) Priority() Priority { return PriorityLow }

func (q *QueueBacked) SupportsQueueFlushByDate() bool { return false }

func (q *QueueBacked) SupportsLeaseReceipt(r *lease.Receipt) bool {
	return q.identity.Supports(r)
}

func (q *QueueBacked) Pop(ctx context.Context, desired int, leaseDuration time.Duration, _ Priority) (PopResult, error) {
	var result PopResult
	if !q.tracker.QueueExists(q.backend) {
		q.tracker.StartQueueTracker(q.backend, q.commandType)
		q.countPop(model.StorageTypeQueue, 0, nil)
		return result, nil
	}
	if leaseDuration <= 0 {
		leaseDuration = q.defaultLease
	}

	acquired := q.now()
	msgs, err := workqueue.FetchBounded(ctx, desired, func(ctx context.Context, n int) ([]queue.Message, error) {
		return q.backend.GetMessages(ctx, n, leaseDuration)
	})
	for _, msg := range msgs {
		c, derr := q.decode(msg)
		if derr != nil {
			result.Errors = append(result.Errors, fmt.Errorf("message %s: %w", msg.ID, derr))
			continue
		}
		token := lease.NewQueueToken(msg.ID, msg.PopReceipt)
		result.Commands = append(result.Commands, Leased{
			Command: c,
			Receipt: q.identity.Mint(c, token, acquired, msg.NextVisibleTime),
		})
	}
	if err != nil {
		if len(msgs) == 0 {
			q.countPop(model.StorageTypeQueue, 0, err)
			return result, err
		}
		q.logger.Warn("queue pop stopped early", zap.Int("popped", len(msgs)), zap.Error(err))
		result.Errors = append(result.Errors, err)
	}
	q.countPop(model.StorageTypeQueue, len(result.Commands), nil)
	return result, nil
}

func (q *QueueBacked) decode(msg queue.Message) (*model.Command, error) {
	c, err := codec.DecodeEnvelope(msg.Body)
	if err != nil {
		return nil, err
	}
	c.AgentID = q.identity.AgentID
	c.AssetGroupID = q.identity.AssetGroupID
	c.QueueStorageType = model.StorageTypeQueue
	c.NextVisibleTime = msg.NextVisibleTime
	return c, nil
}

func (q *QueueBacked) Enqueue(ctx context.Context, moniker string, c *model.Command) error {
	if err := checkMoniker(q.identity.DatabaseMoniker, moniker); err != nil {
		return err
	}
	if err := q.backend.EnsureExists(ctx); err != nil {
		return err
	}
	if t, ok := q.tracker.(*Tracker); ok {
		t.MarkExists(q.backend)
	}
	body, err := codec.EncodeEnvelope(c, MessageCompression)
	if err != nil {
		return err
	}
	return q.backend.AddMessage(ctx, body, 0, c.TTL(q.now()))
}

func (q *QueueBacked) Upsert(ctx context.Context, moniker string, c Leased) error {
	if c.Receipt == nil {
		return q.Enqueue(ctx, moniker, c.Command)
	}
	tok, err := c.Receipt.MessageToken()
	if err != nil || tok.MessageID == "" || tok.PopReceipt == "" {
		return q.Enqueue(ctx, moniker, c.Command)
	}
	_, err = q.Replace(ctx, c.Receipt, c.Command, ReplaceCommandContent)
	if CodeOf(err) == Conflict {
		return q.Enqueue(ctx, moniker, c.Command)
	}
	return err
}

// message rebuilds the backend message a receipt refers to.
func (q *QueueBacked) message(r *lease.Receipt) (queue.Message, error) {
	if err := q.identity.Check(r); err != nil {
		return queue.Message{}, err
	}
	tok, err := r.MessageToken()
	if err != nil {
		return queue.Message{}, err
	}
	return queue.Message{ID: tok.MessageID, PopReceipt: tok.PopReceipt}, nil
}

// UpdateFields maps replace operations onto queue update fields.
func UpdateFields(ops ReplaceOperations) queue.UpdateFields {
	var fields queue.UpdateFields
	if ops.Has(ReplaceCommandContent) {
		fields |= queue.UpdateContent
	}
	if ops.Has(ReplaceLeaseExtension) {
		fields |= queue.UpdateVisibility
	}
	return fields
}

func (q *QueueBacked) Replace(ctx context.Context, r *lease.Receipt, c *model.Command, ops ReplaceOperations) (*lease.Receipt, error) {
	msg, err := q.message(r)
	if err != nil {
		return nil, err
	}
	if msg.Body, err = codec.EncodeEnvelope(c, MessageCompression); err != nil {
		return nil, err
	}
	visibility := CreateVisibilityTimeout(q.now(), c.NextVisibleTime)

	// Every update must at least set visibility.
	updated, err := q.backend.UpdateMessage(ctx, msg, visibility, UpdateFields(ops)|queue.UpdateVisibility)
	if err != nil {
		return nil, classifyQueueError(err)
	}
	next := *r
	next.Token = lease.NewQueueToken(updated.ID, updated.PopReceipt)
	return &next, nil
}

func (q *QueueBacked) Delete(ctx context.Context, r *lease.Receipt) error {
	msg, err := q.message(r)
	if err != nil {
		return err
	}
	return classifyQueueError(q.backend.DeleteMessage(ctx, msg))
}

func (q *QueueBacked) QueryCommand(_ context.Context, r *lease.Receipt) (*Leased, error) {
	return nil, &Error{
		Code: NotSupported,
		Err:  fmt.Errorf("query is not supported for %s commands in queue storage", r.CommandType),
	}
}

func (q *QueueBacked) FlushAgentQueue(_ context.Context, before time.Time) error {
	return &Error{
		Code: NotSupported,
		Err:  fmt.Errorf("flush date %s cannot be honored by queue storage", before.Format(time.RFC3339)),
	}
}

func (q *QueueBacked) QueueStatistics(ctx context.Context, _ bool) ([]Statistics, error) {
	if !q.tracker.QueueExists(q.backend) {
		q.tracker.StartQueueTracker(q.backend, q.commandType)
		return nil, nil
	}
	n, err := q.backend.ApproximateCount(ctx)
	if err != nil {
		return nil, err
	}
	return []Statistics{{
		AgentID:             q.identity.AgentID,
		AssetGroupID:        q.identity.AssetGroupID,
		DatabaseMoniker:     q.identity.DatabaseMoniker,
		SubjectType:         q.identity.SubjectType,
		CommandType:         q.commandType,
		QueryDate:           q.now().UTC(),
		PendingCommandCount: &n,
	}}, nil
}

func classifyQueueError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrMessageNotFound):
		// The message is gone or the pop receipt went stale.
		return &Error{Code: Conflict, Expected: true, Err: err}
	case errors.Is(err, queue.ErrInvalidPopReceipt):
		return &Error{Code: InvalidLeaseReceipt, Err: err}
	default:
		return err
	}
}

// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package delivery moves commands from producers into the command queue of
// the agent that will execute them.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/xmidt-org/courier/commandqueue"
	"github.com/xmidt-org/courier/docstore"
	"github.com/xmidt-org/courier/lease"
	"github.com/xmidt-org/courier/model"
	"github.com/xmidt-org/courier/queue"
	"go.uber.org/zap"
)

// ErrNoCollection is returned for a subject type with no document collection.
var ErrNoCollection = errors.New("no document collection for subject type")

// Target is a command queue together with the moniker writes must name.
type Target struct {
	Queue   commandqueue.CommandQueue
	Moniker string
}

// Router picks the command queue that holds a command. Command types that
// queue storage accepts go to a queue account chosen by agent; everything
// else goes to the document collection for the subject type.
type Router struct {
	factory     queue.Factory
	collections docstore.Set
	tracker     commandqueue.ExistenceTracker
	logger      *zap.Logger
	opts        []commandqueue.Option
}

func NewRouter(factory queue.Factory, collections docstore.Set, tracker commandqueue.ExistenceTracker, logger *zap.Logger, opts ...commandqueue.Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		factory:     factory,
		collections: collections,
		tracker:     tracker,
		logger:      logger,
		opts:        append(opts, commandqueue.WithLogger(logger)),
	}
}

func queueStored(ct model.CommandType) bool {
	return slices.Contains(commandqueue.QueueCommandTypes, ct)
}

// account spreads agents over the queue accounts. An agent always lands on
// the same account while the account list is unchanged.
func (r *Router) account(agentID model.AgentID) (string, bool) {
	accounts := r.factory.Accounts()
	if len(accounts) == 0 {
		return "", false
	}
	return accounts[xxhash.Sum64String(agentID.String())%uint64(len(accounts))], true
}

func (r *Router) queueBacked(agentID model.AgentID, assetGroupID model.AssetGroupID, subject model.SubjectType, ct model.CommandType) (Target, error) {
	account, ok := r.account(agentID)
	if !ok {
		return Target{}, fmt.Errorf("%w: no queue accounts", queue.ErrUnknownAccount)
	}
	b, err := r.factory.Open(account, commandqueue.QueueName(assetGroupID, subject, ct))
	if err != nil {
		return Target{}, err
	}
	q, err := commandqueue.NewQueueBacked(b, agentID, assetGroupID, ct, subject, nil, r.tracker, r.opts...)
	if err != nil {
		return Target{}, err
	}
	return Target{Queue: q, Moniker: b.AccountName()}, nil
}

func (r *Router) documentBacked(agentID model.AgentID, assetGroupID model.AssetGroupID, subject model.SubjectType) (Target, error) {
	c, ok := r.collections[subject]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrNoCollection, subject)
	}
	return Target{
		Queue:   commandqueue.NewDocumentBacked(c, agentID, assetGroupID, r.opts...),
		Moniker: c.DatabaseMoniker(),
	}, nil
}

// Route returns the queue that c belongs in.
func (r *Router) Route(c *model.Command) (Target, error) {
	subject := c.SubjectType()
	if queueStored(c.Type) && len(r.factory.Accounts()) > 0 {
		return r.queueBacked(c.AgentID, c.AssetGroupID, subject, c.Type)
	}
	return r.documentBacked(c.AgentID, c.AssetGroupID, subject)
}

// AgentQueues lists every queue an agent reads for an asset group, highest
// priority first.
func (r *Router) AgentQueues(agentID model.AgentID, assetGroupID model.AssetGroupID) []commandqueue.CommandQueue {
	var queues []commandqueue.CommandQueue
	for _, subject := range model.SubjectTypes() {
		if t, err := r.documentBacked(agentID, assetGroupID, subject); err == nil {
			queues = append(queues, t.Queue)
		}
		if len(r.factory.Accounts()) == 0 {
			continue
		}
		for _, ct := range commandqueue.QueueCommandTypes {
			t, err := r.queueBacked(agentID, assetGroupID, subject, ct)
			if err != nil {
				r.logger.Debug("queue storage unavailable", zap.Stringer("subjectType", subject), zap.Error(err))
				continue
			}
			queues = append(queues, t.Queue)
		}
	}
	slices.SortStableFunc(queues, func(a, b commandqueue.CommandQueue) int {
		return rank(a.Priority()) - rank(b.Priority())
	})
	return queues
}

func rank(p commandqueue.Priority) int {
	switch p {
	case commandqueue.PriorityHigh:
		return 0
	case commandqueue.PriorityDefault:
		return 1
	default:
		return 2
	}
}

// Pop reads up to desired commands for an agent across all of its queues in
// priority order. Errors from individual queues are collected, not fatal.
func (r *Router) Pop(ctx context.Context, agentID model.AgentID, assetGroupID model.AssetGroupID, desired int, leaseDuration time.Duration) commandqueue.PopResult {
	var result commandqueue.PopResult
	for _, q := range r.AgentQueues(agentID, assetGroupID) {
		remaining := desired - len(result.Commands)
		if remaining <= 0 {
			break
		}
		popped, err := q.Pop(ctx, remaining, leaseDuration, q.Priority())
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Commands = append(result.Commands, popped.Commands...)
		result.Errors = append(result.Errors, popped.Errors...)
	}
	return result
}

// Queue returns the queue that issued a lease receipt, or an error wrapping
// commandqueue.ErrUnsupportedLeaseReceipt when none of the agent's queues did.
func (r *Router) Queue(agentID model.AgentID, assetGroupID model.AssetGroupID, receipt *lease.Receipt) (commandqueue.CommandQueue, error) {
	if receipt == nil {
		return nil, fmt.Errorf("%w: no lease receipt", commandqueue.ErrUnsupportedLeaseReceipt)
	}
	for _, q := range r.AgentQueues(agentID, assetGroupID) {
		if q.SupportsLeaseReceipt(receipt) {
			return q, nil
		}
	}
	return nil, fmt.Errorf("%w: no queue for command %s", commandqueue.ErrUnsupportedLeaseReceipt, receipt.CommandID)
}

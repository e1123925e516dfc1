// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package commandqueue

import (
	"context"
	"errors"
	"time"

	"github.com/xmidt-org/courier/codec"
	"github.com/xmidt-org/courier/docstore"
	"github.com/xmidt-org/courier/lease"
	"github.com/xmidt-org/courier/model"
	"go.uber.org/zap"
)

// DefaultDocumentLease is the lease used by document backed pops given none.
const DefaultDocumentLease = 15 * time.Minute

// DocumentBacked keeps one agent's commands in a partition of a document
// collection. The collection fixes the subject type.
type DocumentBacked struct {
	settings
	collection docstore.Collection
	identity   lease.Identity
	pk         string
}

var _ CommandQueue = (*DocumentBacked)(nil)

func NewDocumentBacked(collection docstore.Collection, agentID model.AgentID, assetGroupID model.AssetGroupID, opts ...Option) *DocumentBacked {
	s := newSettings(DefaultDocumentLease, opts)
	pk := PartitionKey(agentID, assetGroupID)
	s.logger = s.logger.With(
		zap.String("moniker", collection.DatabaseMoniker()),
		zap.String("partitionKey", pk),
	)
	return &DocumentBacked{
		settings:   s,
		collection: collection,
		pk:         pk,
		identity: lease.Identity{
			StorageType:     model.StorageTypeDocument,
			DatabaseMoniker: collection.DatabaseMoniker(),
			AgentID:         agentID,
			AssetGroupID:    assetGroupID,
			SubjectType:     collection.SubjectType(),
		},
	}
}

func (d *DocumentBacked) StorageType() model.StorageType { return model.StorageTypeDocument }

func (d *DocumentBacked) Priority() Priority { return PriorityHigh }

func (d *DocumentBacked) SupportsQueueFlushByDate() bool { return true }

func (d *DocumentBacked) SupportsLeaseReceipt(r *lease.Receipt) bool {
	return d.identity.Supports(r)
}

func (d *DocumentBacked) Pop(ctx context.Context, desired int, leaseDuration time.Duration, _ Priority) (PopResult, error) {
	var result PopResult
	if desired <= 0 {
		return result, nil
	}
	if leaseDuration <= 0 {
		leaseDuration = d.defaultLease
	}
	acquired := d.now()
	docs, err := d.collection.Pop(ctx, leaseDuration, d.pk, desired)
	if err != nil {
		d.countPop(model.StorageTypeDocument, 0, err)
		return result, err
	}
	for _, doc := range docs {
		c, err := d.decode(doc)
		if err != nil {
			d.logger.Error("unable to decode command document", zap.String("id", doc.ID), zap.Error(err))
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Commands = append(result.Commands, Leased{
			Command: c,
			Receipt: d.identity.Mint(c, doc.ETag, acquired, doc.NextVisibleTime),
		})
	}
	d.countPop(model.StorageTypeDocument, len(result.Commands), nil)
	return result, nil
}

func (d *DocumentBacked) decode(doc docstore.Document) (*model.Command, error) {
	c, err := codec.Decode(doc.Body)
	if err != nil {
		return nil, err
	}
	c.AgentID = d.identity.AgentID
	c.AssetGroupID = d.identity.AssetGroupID
	c.QueueStorageType = model.StorageTypeDocument
	c.NextVisibleTime = doc.NextVisibleTime
	return c, nil
}

func (d *DocumentBacked) document(c *model.Command) (docstore.Document, error) {
	body, err := codec.Encode(c)
	if err != nil {
		return docstore.Document{}, err
	}
	return docstore.Document{
		ID:              c.ID.String(),
		PartitionKey:    d.pk,
		NextVisibleTime: c.NextVisibleTime,
		CreatedTime:     c.Timestamp,
		ExpirationTime:  c.AbsoluteExpirationTime,
		Body:            body,
	}, nil
}

func (d *DocumentBacked) Enqueue(ctx context.Context, moniker string, c *model.Command) error {
	if err := checkMoniker(d.identity.DatabaseMoniker, moniker); err != nil {
		return err
	}
	doc, err := d.document(c)
	if err != nil {
		return err
	}
	return d.collection.Insert(ctx, doc)
}

func (d *DocumentBacked) Upsert(ctx context.Context, moniker string, c Leased) error {
	if err := checkMoniker(d.identity.DatabaseMoniker, moniker); err != nil {
		return err
	}
	doc, err := d.document(c.Command)
	if err != nil {
		return err
	}
	return d.collection.Upsert(ctx, doc)
}

func (d *DocumentBacked) Replace(ctx context.Context, r *lease.Receipt, c *model.Command, _ ReplaceOperations) (*lease.Receipt, error) {
	if err := d.identity.Check(r); err != nil {
		return nil, err
	}
	doc, err := d.document(c)
	if err != nil {
		return nil, err
	}
	etag, err := d.collection.Replace(ctx, doc, r.Token)
	if err != nil {
		return nil, classifyDocumentError(err)
	}
	return d.identity.Mint(c, etag, d.now(), c.NextVisibleTime), nil
}

func (d *DocumentBacked) Delete(ctx context.Context, r *lease.Receipt) error {
	if err := d.identity.Check(r); err != nil {
		return err
	}
	return classifyDocumentError(d.collection.Delete(ctx, d.pk, r.CommandID.String()))
}

func (d *DocumentBacked) QueryCommand(ctx context.Context, r *lease.Receipt) (*Leased, error) {
	if err := d.identity.Check(r); err != nil {
		return nil, err
	}
	doc, err := d.collection.Query(ctx, d.pk, r.CommandID.String())
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c, err := d.decode(doc)
	if err != nil {
		return nil, err
	}
	return &Leased{
		Command: c,
		Receipt: d.identity.Mint(c, doc.ETag, d.now(), doc.NextVisibleTime),
	}, nil
}

func (d *DocumentBacked) FlushAgentQueue(ctx context.Context, before time.Time) error {
	n, err := d.collection.Flush(ctx, d.pk, before)
	if err != nil {
		return err
	}
	d.logger.Info("flushed agent queue", zap.Time("before", before), zap.Int("deleted", n))
	return nil
}

func (d *DocumentBacked) QueueStatistics(ctx context.Context, detailed bool) ([]Statistics, error) {
	st, err := d.collection.Statistics(ctx, d.pk, detailed)
	if err != nil {
		return nil, err
	}
	stats := Statistics{
		AgentID:             d.identity.AgentID,
		AssetGroupID:        d.identity.AssetGroupID,
		DatabaseMoniker:     d.identity.DatabaseMoniker,
		SubjectType:         d.identity.SubjectType,
		QueryDate:           d.now().UTC().Truncate(24 * time.Hour),
		PendingCommandCount: &st.PendingCount,
	}
	if detailed {
		stats.UnleasedCommandCount = &st.UnleasedCount
		stats.OldestPendingCommand = st.OldestPendingTime
	}
	return []Statistics{stats}, nil
}

func classifyDocumentError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, docstore.ErrPreconditionFailed), errors.Is(err, docstore.ErrNotFound):
		return &Error{Code: Conflict, Expected: true, Err: err}
	case errors.Is(err, docstore.ErrEmptyETag):
		return &Error{Code: InvalidLeaseReceipt, Err: err}
	default:
		return err
	}
}

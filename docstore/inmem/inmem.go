// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xmidt-org/courier/docstore"
	"github.com/xmidt-org/courier/model"
)

// Collection is a document collection held in memory.
type Collection struct {
	moniker string
	subject model.SubjectType

	lock  sync.Mutex
	parts map[string]map[string]*docstore.Document
	now   func() time.Time
}

var _ docstore.Collection = (*Collection)(nil)

func NewCollection(moniker string, subject model.SubjectType) *Collection {
	return &Collection{
		moniker: moniker,
		subject: subject,
		parts:   map[string]map[string]*docstore.Document{},
		now:     time.Now,
	}
}

// SetNow replaces the clock, for tests.
func (c *Collection) SetNow(now func() time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = now
}

func (c *Collection) DatabaseMoniker() string { return c.moniker }

func (c *Collection) SubjectType() model.SubjectType { return c.subject }

func (c *Collection) expired(d *docstore.Document, now time.Time) bool {
	return !d.ExpirationTime.IsZero() && !d.ExpirationTime.After(now)
}

// live returns the partition's unexpired documents, dropping expired ones.
func (c *Collection) live(pk string, now time.Time) []*docstore.Document {
	part := c.parts[pk]
	docs := make([]*docstore.Document, 0, len(part))
	for id, d := range part {
		if c.expired(d, now) {
			delete(part, id)
			continue
		}
		docs = append(docs, d)
	}
	return docs
}

func (c *Collection) get(pk, id string) (*docstore.Document, bool) {
	d, ok := c.parts[pk][id]
	if !ok {
		return nil, false
	}
	if c.expired(d, c.now()) {
		delete(c.parts[pk], id)
		return nil, false
	}
	return d, true
}

func (c *Collection) put(doc docstore.Document) {
	part, ok := c.parts[doc.PartitionKey]
	if !ok {
		part = map[string]*docstore.Document{}
		c.parts[doc.PartitionKey] = part
	}
	if doc.CreatedTime.IsZero() {
		doc.CreatedTime = c.now()
	}
	doc.ETag = uuid.NewString()
	doc.Body = append([]byte(nil), doc.Body...)
	part[doc.ID] = &doc
}

func clone(d *docstore.Document) docstore.Document {
	out := *d
	out.Body = append([]byte(nil), d.Body...)
	return out
}

func (c *Collection) Pop(_ context.Context, lease time.Duration, pk string, max int) ([]docstore.Document, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	now := c.now()

	var visible []*docstore.Document
	for _, d := range c.live(pk, now) {
		if !d.NextVisibleTime.After(now) {
			visible = append(visible, d)
		}
	}
	sort.Slice(visible, func(a, b int) bool {
		if !visible[a].NextVisibleTime.Equal(visible[b].NextVisibleTime) {
			return visible[a].NextVisibleTime.Before(visible[b].NextVisibleTime)
		}
		return visible[a].CreatedTime.Before(visible[b].CreatedTime)
	})
	if len(visible) > max {
		visible = visible[:max]
	}

	result := make([]docstore.Document, 0, len(visible))
	for _, d := range visible {
		d.NextVisibleTime = now.Add(lease)
		d.ETag = uuid.NewString()
		result = append(result, clone(d))
	}
	return result, nil
}

func (c *Collection) Insert(_ context.Context, doc docstore.Document) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.get(doc.PartitionKey, doc.ID); ok {
		return docstore.ErrConflict
	}
	c.put(doc)
	return nil
}

func (c *Collection) Upsert(_ context.Context, doc docstore.Document) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.put(doc)
	return nil
}

func (c *Collection) Query(_ context.Context, pk, id string) (docstore.Document, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	d, ok := c.get(pk, id)
	if !ok {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return clone(d), nil
}

func (c *Collection) Replace(_ context.Context, doc docstore.Document, etag string) (string, error) {
	if etag == "" {
		return "", docstore.ErrEmptyETag
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	d, ok := c.get(doc.PartitionKey, doc.ID)
	if !ok {
		return "", docstore.ErrNotFound
	}
	if d.ETag != etag {
		return "", docstore.ErrPreconditionFailed
	}
	if doc.CreatedTime.IsZero() {
		doc.CreatedTime = d.CreatedTime
	}
	c.put(doc)
	return c.parts[doc.PartitionKey][doc.ID].ETag, nil
}

func (c *Collection) Delete(_ context.Context, pk, id string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.get(pk, id); !ok {
		return docstore.ErrNotFound
	}
	delete(c.parts[pk], id)
	return nil
}

func (c *Collection) Statistics(_ context.Context, pk string, detailed bool) (docstore.Statistics, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	now := c.now()
	docs := c.live(pk, now)
	stats := docstore.Statistics{PendingCount: int64(len(docs))}
	if !detailed {
		return stats, nil
	}
	for _, d := range docs {
		if !d.NextVisibleTime.After(now) {
			stats.UnleasedCount++
		}
		if stats.OldestPendingTime.IsZero() || d.CreatedTime.Before(stats.OldestPendingTime) {
			stats.OldestPendingTime = d.CreatedTime
		}
	}
	return stats, nil
}

func (c *Collection) Flush(_ context.Context, pk string, createdBefore time.Time) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	var removed int
	for _, d := range c.live(pk, c.now()) {
		if !d.CreatedTime.After(createdBefore) {
			delete(c.parts[pk], d.ID)
			removed++
		}
	}
	return removed, nil
}

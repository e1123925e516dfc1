// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/xmidt-org/courier/model"
)

var (
	ErrNotFound           = errors.New("document not found")
	ErrPreconditionFailed = errors.New("document etag does not match")
	ErrConflict           = errors.New("document already exists")
	ErrEmptyETag          = errors.New("replace requires an etag")
)

// Document is one stored command in a partitioned collection.
type Document struct {
	ID           string
	PartitionKey string
	ETag         string

	// NextVisibleTime is when the document can be popped again.
	NextVisibleTime time.Time
	CreatedTime     time.Time

	// ExpirationTime is zero when the document never expires.
	ExpirationTime time.Time

	Body []byte
}

// Statistics describes one partition.
type Statistics struct {
	PendingCount int64

	// Detailed statistics only.
	UnleasedCount     int64
	OldestPendingTime time.Time
}

// Collection is a partitioned document collection holding the commands of
// one subject type.
type Collection interface {
	DatabaseMoniker() string
	SubjectType() model.SubjectType

	// Pop leases up to max visible documents from the partition for
	// lease. Each returned document carries its new etag.
	Pop(ctx context.Context, lease time.Duration, pk string, max int) ([]Document, error)

	// Insert fails with ErrConflict when the id exists.
	Insert(ctx context.Context, doc Document) error
	Upsert(ctx context.Context, doc Document) error
	Query(ctx context.Context, pk, id string) (Document, error)

	// Replace writes doc if the stored etag equals etag and returns the new etag.
	Replace(ctx context.Context, doc Document, etag string) (string, error)
	Delete(ctx context.Context, pk, id string) error
	Statistics(ctx context.Context, pk string, detailed bool) (Statistics, error)

	// Flush deletes documents created at or before the given time and
	// reports how many were removed.
	Flush(ctx context.Context, pk string, createdBefore time.Time) (int, error)
}

// Set holds one collection per subject type.
type Set map[model.SubjectType]Collection

// NewSet indexes collections by their subject type.
func NewSet(collections ...Collection) Set {
	s := make(Set, len(collections))
	for _, c := range collections {
		s[c.SubjectType()] = c
	}
	return s
}

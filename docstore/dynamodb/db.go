// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package dynamodb

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/xmidt-org/courier/docstore"
	"github.com/xmidt-org/courier/metric"
	"github.com/xmidt-org/courier/model"
	"go.uber.org/zap"
)

const (
	DynamoDB = "dynamo"

	defaultTable      = "commands"
	defaultMaxRetries = 3
	defaultPageSize   = 100
	defaultMoniker    = "dynamo"

	// maxPopPages bounds how many query pages one Pop reads while looking
	// for visible documents.
	maxPopPages = 4
)

// Config is the dynamo key of the configuration.
type Config struct {
	// Table is the prefix of the tables. Each subject type has its own table
	// named <Table>-<subject type>, keyed by pk (hash) and id (range).
	Table string

	// DatabaseMoniker names this database in lease receipts.
	DatabaseMoniker string

	Endpoint   string
	Region     string
	MaxRetries int
	AccessKey  string
	SecretKey  string

	// PageSize is the number of items read per query page.
	PageSize int32
}

// TableName returns the table holding commands for the subject type.
func TableName(prefix string, subject model.SubjectType) string {
	return prefix + "-" + strings.ToLower(subject.String())
}

// Collection is a document collection on a DynamoDB table.
type Collection struct {
	s        service
	moniker  string
	subject  model.SubjectType
	pageSize int32
	logger   *zap.Logger
	now      func() time.Time
}

var _ docstore.Collection = (*Collection)(nil)

// NewCollections connects to DynamoDB and returns one collection per subject type.
func NewCollections(ctx context.Context, c Config, measures metric.Measures, logger *zap.Logger) ([]docstore.Collection, error) {
	validateConfig(&c)
	if logger == nil {
		logger = zap.NewNop()
	}
	api, err := newClient(ctx, c)
	if err != nil {
		return nil, err
	}
	var collections []docstore.Collection
	for _, subject := range model.SubjectTypes() {
		table := TableName(c.Table, subject)
		var svc service = &executor{c: api, tableName: table}
		svc = newInstrumentingService(measures, table, svc, nil)
		svc = newLoggingService(logger.With(zap.String("table", table)), svc)
		collections = append(collections, newCollection(svc, c, subject, logger))
	}
	return collections, nil
}

func newClient(ctx context.Context, c Config) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(c.Region),
		config.WithRetryMaxAttempts(c.MaxRetries),
	}
	if c.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(awsConfig, func(o *dynamodb.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
	}), nil
}

func newCollection(s service, c Config, subject model.SubjectType, logger *zap.Logger) *Collection {
	return &Collection{
		s:        s,
		moniker:  c.DatabaseMoniker,
		subject:  subject,
		pageSize: c.PageSize,
		logger:   logger,
		now:      time.Now,
	}
}

func (c *Collection) DatabaseMoniker() string { return c.moniker }

func (c *Collection) SubjectType() model.SubjectType { return c.subject }

func toStored(doc docstore.Document, etag string) storedDocument {
	stored := storedDocument{
		PartitionKey:    doc.PartitionKey,
		ID:              doc.ID,
		ETag:            etag,
		NextVisibleTime: millis(doc.NextVisibleTime),
		CreatedTime:     millis(doc.CreatedTime),
		Body:            doc.Body,
	}
	if !doc.ExpirationTime.IsZero() {
		// round up so an item never expires early
		expires := (doc.ExpirationTime.UnixMilli() + 999) / 1000
		stored.Expires = &expires
	}
	return stored
}

func (d storedDocument) document() docstore.Document {
	doc := docstore.Document{
		ID:              d.ID,
		PartitionKey:    d.PartitionKey,
		ETag:            d.ETag,
		NextVisibleTime: fromMillis(d.NextVisibleTime),
		CreatedTime:     fromMillis(d.CreatedTime),
		Body:            d.Body,
	}
	if d.Expires != nil {
		doc.ExpirationTime = time.Unix(*d.Expires, 0).UTC()
	}
	return doc
}

func (d storedDocument) expired(now time.Time) bool {
	return d.Expires != nil && *d.Expires <= now.Unix()
}

func (c *Collection) Pop(ctx context.Context, lease time.Duration, pk string, max int) ([]docstore.Document, error) {
	if max <= 0 {
		return nil, nil
	}
	now := c.now()
	visible := now.Add(lease)

	var (
		docs  []docstore.Document
		start map[string]types.AttributeValue
	)
	for page := 0; page < maxPopPages; page++ {
		result, _, err := c.s.Query(ctx, partitionQuery{
			PartitionKey: pk,
			Now:          now,
			VisibleOnly:  true,
			Limit:        c.pageSize,
			StartKey:     start,
		})
		if err != nil {
			return c.partial(docs, err)
		}
		for _, item := range result.Items {
			if len(docs) == max {
				return docs, nil
			}
			etag := uuid.NewString()
			_, err := c.s.Lease(ctx, pk, item.ID, item.ETag, etag, now, visible)
			if errors.Is(err, docstore.ErrPreconditionFailed) {
				// leased or replaced by someone else since the query
				continue
			}
			if err != nil {
				return c.partial(docs, err)
			}
			item.ETag = etag
			item.NextVisibleTime = millis(visible)
			docs = append(docs, item.document())
		}
		if len(docs) == max || result.NextKey == nil {
			break
		}
		start = result.NextKey
	}
	return docs, nil
}

// partial keeps the documents already leased when a later call fails. They
// would otherwise stay invisible until their lease ran out.
func (c *Collection) partial(docs []docstore.Document, err error) ([]docstore.Document, error) {
	if len(docs) == 0 {
		return nil, err
	}
	c.logger.Warn("dynamodb pop stopped early", zap.Int("leased", len(docs)), zap.Error(err))
	return docs, nil
}

func (c *Collection) Insert(ctx context.Context, doc docstore.Document) error {
	if doc.CreatedTime.IsZero() {
		doc.CreatedTime = c.now()
	}
	_, err := c.s.Put(ctx, toStored(doc, uuid.NewString()), putCondition{absent: true})
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		return docstore.ErrConflict
	}
	return err
}

func (c *Collection) Upsert(ctx context.Context, doc docstore.Document) error {
	if doc.CreatedTime.IsZero() {
		doc.CreatedTime = c.now()
	}
	_, err := c.s.Put(ctx, toStored(doc, uuid.NewString()), putCondition{})
	return err
}

func (c *Collection) Query(ctx context.Context, pk, id string) (docstore.Document, error) {
	stored, _, err := c.s.Get(ctx, pk, id)
	if err != nil {
		return docstore.Document{}, err
	}
	if stored.expired(c.now()) {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return stored.document(), nil
}

// Replace overwrites the document when its stored etag still equals etag.
// A missing document fails the same condition and reports
// docstore.ErrPreconditionFailed.
func (c *Collection) Replace(ctx context.Context, doc docstore.Document, etag string) (string, error) {
	if etag == "" {
		return "", docstore.ErrEmptyETag
	}
	if doc.CreatedTime.IsZero() {
		doc.CreatedTime = c.now()
	}
	newETag := uuid.NewString()
	if _, err := c.s.Put(ctx, toStored(doc, newETag), putCondition{etag: etag}); err != nil {
		return "", err
	}
	return newETag, nil
}

func (c *Collection) Delete(ctx context.Context, pk, id string) error {
	_, err := c.s.Delete(ctx, pk, id)
	return err
}

func (c *Collection) Statistics(ctx context.Context, pk string, detailed bool) (docstore.Statistics, error) {
	var (
		stats docstore.Statistics
		start map[string]types.AttributeValue
		now   = c.now()
	)
	for {
		page, _, err := c.s.Query(ctx, partitionQuery{
			PartitionKey: pk,
			Now:          now,
			CountOnly:    !detailed,
			StartKey:     start,
		})
		if err != nil {
			return docstore.Statistics{}, err
		}
		if !detailed {
			stats.PendingCount += page.Count
		}
		for _, item := range page.Items {
			stats.PendingCount++
			if item.NextVisibleTime <= millis(now) {
				stats.UnleasedCount++
			}
			created := fromMillis(item.CreatedTime)
			if stats.OldestPendingTime.IsZero() || created.Before(stats.OldestPendingTime) {
				stats.OldestPendingTime = created
			}
		}
		if page.NextKey == nil {
			return stats, nil
		}
		start = page.NextKey
	}
}

func (c *Collection) Flush(ctx context.Context, pk string, createdBefore time.Time) (int, error) {
	var (
		removed int
		start   map[string]types.AttributeValue
		now     = c.now()
	)
	for {
		page, _, err := c.s.Query(ctx, partitionQuery{
			PartitionKey:  pk,
			Now:           now,
			CreatedBefore: createdBefore,
			Limit:         c.pageSize,
			StartKey:      start,
		})
		if err != nil {
			return removed, err
		}
		for _, item := range page.Items {
			_, err := c.s.Delete(ctx, pk, item.ID)
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return removed, err
			}
			removed++
		}
		if page.NextKey == nil {
			return removed, nil
		}
		start = page.NextKey
	}
}

func validateConfig(c *Config) {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.DatabaseMoniker == "" {
		c.DatabaseMoniker = defaultMoniker
	}
}

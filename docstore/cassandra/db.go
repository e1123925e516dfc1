// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package cassandra

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"emperror.dev/emperror"
	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/xmidt-org/courier/docstore"
	"github.com/xmidt-org/courier/metric"
	"github.com/xmidt-org/courier/model"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	Yugabyte = "yugabyte"

	defaultOpTimeout             = time.Duration(10) * time.Second
	defaultDatabase              = "courier"
	defaultTable                 = "commands"
	defaultMoniker               = "yugabyte"
	defaultNumRetries            = 0
	defaultWaitTimeMult          = 1
	defaultMaxNumberConnsPerHost = 2
	defaultPageSize              = 500
	pingInterval                 = 5 * time.Second
)

type Config struct {
	// Hosts to  connect to. Must have at least one
	Hosts []string

	// Database aka Keyspace for cassandra
	Database string

	// Table is the prefix of the tables. Each subject type has its own
	// table named <Table>_<subject type>.
	Table string

	// DatabaseMoniker names this database in lease receipts.
	DatabaseMoniker string

	// OpTimeout
	OpTimeout time.Duration

	// SSLRootCert used for enabling tls to the cluster. SSLKey, and SSLCert must also be set.
	SSLRootCert string
	// SSLKey used for enabling tls to the cluster. SSLRootCert, and SSLCert must also be set.
	SSLKey string
	// SSLCert used for enabling tls to the cluster. SSLRootCert, and SSLRootCert must also be set.
	SSLCert string
	// If you want to verify the hostname and server cert (like a wildcard for cass cluster) then you should turn this on
	// This option is basically the inverse of InSecureSkipVerify
	// See InSecureSkipVerify in http://golang.org/pkg/crypto/tls/ for more info
	EnableHostVerification bool

	// Username to authenticate into the cluster. Password must also be provided.
	Username string
	// Password to authenticate into the cluster. Username must also be provided.
	Password string

	// NumRetries for connecting to the db
	NumRetries int

	// WaitTimeMult the amount of time to wait before retrying to connect to the db
	WaitTimeMult time.Duration

	// MaxConnsPerHost max number of connections per host
	MaxConnsPerHost int

	// PageSize is the number of rows fetched per page when scanning a partition.
	PageSize int
}

// TableName returns the table holding commands for the subject type.
func TableName(prefix string, subject model.SubjectType) string {
	return prefix + "_" + strings.ToLower(subject.String())
}

// Collection is a document collection on one Cassandra or Yugabyte table.
type Collection struct {
	client   dbStore
	table    string
	moniker  string
	subject  model.SubjectType
	measures metric.Measures
	logger   *zap.Logger
	now      func() time.Time
}

var _ docstore.Collection = (*Collection)(nil)

// NewCollections connects to the cluster and returns one collection per
// subject type sharing the session. The session is pinged periodically and
// closed when the application stops.
func NewCollections(config Config, measures metric.Measures, lc fx.Lifecycle, logger *zap.Logger) ([]docstore.Collection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	session, err := CreateSession(&config, logger)
	if err != nil {
		return nil, err
	}

	p := pinger{session: session}
	ticker := doEvery(pingInterval, func(_ time.Time) {
		if err := p.Ping(); err != nil {
			measures.QueueOperations.WithLabelValues(metric.PingType, metric.FailureOutcome, config.Database).Inc()
			logger.Error("ping failed", zap.Error(emperror.WrapWith(err, "Pinging connection failed")))
			return
		}
		measures.QueueOperations.WithLabelValues(metric.PingType, metric.SuccessOutcome, config.Database).Inc()
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			ticker.Stop()
			session.Close()
			return nil
		},
	})

	var collections []docstore.Collection
	for _, subject := range model.SubjectTypes() {
		table := TableName(config.Table, subject)
		collections = append(collections, newCollection(&cassandraExecutor{
			session:  session,
			table:    table,
			pageSize: config.PageSize,
			logger:   logger,
		}, table, config.DatabaseMoniker, subject, measures, logger))
	}
	return collections, nil
}

func doEvery(d time.Duration, f func(time.Time)) *time.Ticker {
	ticker := time.NewTicker(d)
	go func() {
		for x := range ticker.C {
			f(x)
		}
	}()
	return ticker
}

// CreateSession validates config, filling in defaults, and connects,
// retrying as configured.
func CreateSession(config *Config, logger *zap.Logger) (*gocql.Session, error) {
	if len(config.Hosts) == 0 {
		return nil, errors.New("number of hosts must be > 0")
	}

	validateConfig(config)

	clusterConfig := gocql.NewCluster(config.Hosts...)
	clusterConfig.Consistency = gocql.LocalQuorum
	clusterConfig.SerialConsistency = gocql.LocalSerial
	clusterConfig.Keyspace = config.Database
	clusterConfig.Timeout = config.OpTimeout
	clusterConfig.NumConns = config.MaxConnsPerHost
	// let retry package handle it
	clusterConfig.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 1}
	// setup ssl
	if config.SSLRootCert != "" && config.SSLCert != "" && config.SSLKey != "" {
		clusterConfig.SslOpts = &gocql.SslOptions{
			CertPath:               config.SSLCert,
			KeyPath:                config.SSLKey,
			CaPath:                 config.SSLRootCert,
			EnableHostVerification: config.EnableHostVerification,
		}
	}
	// setup authentication
	if config.Username != "" && config.Password != "" {
		clusterConfig.Authenticator = gocql.PasswordAuthenticator{
			Username: config.Username,
			Password: config.Password,
		}
	}

	session, err := connect(clusterConfig)

	// retry if it fails
	waitTime := 1 * time.Second
	for attempt := 0; attempt < config.NumRetries && err != nil; attempt++ {
		logger.Warn("connecting to database failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		time.Sleep(waitTime)
		session, err = connect(clusterConfig)
		waitTime = waitTime * config.WaitTimeMult
	}
	if err != nil {
		return nil, emperror.WrapWith(err, "Connecting to database failed", "hosts", config.Hosts)
	}
	return session, nil
}

func newCollection(client dbStore, table, moniker string, subject model.SubjectType, measures metric.Measures, logger *zap.Logger) *Collection {
	return &Collection{
		client:   client,
		table:    table,
		moniker:  moniker,
		subject:  subject,
		measures: measures,
		logger:   logger,
		now:      time.Now,
	}
}

func (c *Collection) DatabaseMoniker() string { return c.moniker }

func (c *Collection) SubjectType() model.SubjectType { return c.subject }

func (c *Collection) observe(op string, err error) {
	outcome := metric.SuccessOutcome
	if err != nil {
		outcome = metric.FailureOutcome
	}
	c.measures.QueueOperations.WithLabelValues(op, outcome, c.table).Inc()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ttl is the row time to live in seconds, zero meaning forever.
func ttl(expires int64, now time.Time) int {
	if expires == 0 {
		return 0
	}
	remaining := (expires - now.UnixMilli() + 999) / 1000
	if remaining < 1 {
		return 1
	}
	return int(remaining)
}

func toRow(doc docstore.Document, etag string) row {
	return row{
		PartitionKey:    doc.PartitionKey,
		ID:              doc.ID,
		ETag:            etag,
		NextVisibleTime: millis(doc.NextVisibleTime),
		CreatedTime:     millis(doc.CreatedTime),
		Expires:         millis(doc.ExpirationTime),
		Body:            doc.Body,
	}
}

func (r row) document() docstore.Document {
	return docstore.Document{
		ID:              r.ID,
		PartitionKey:    r.PartitionKey,
		ETag:            r.ETag,
		NextVisibleTime: fromMillis(r.NextVisibleTime),
		CreatedTime:     fromMillis(r.CreatedTime),
		ExpirationTime:  fromMillis(r.Expires),
		Body:            r.Body,
	}
}

func (c *Collection) Pop(_ context.Context, lease time.Duration, pk string, max int) ([]docstore.Document, error) {
	if max <= 0 {
		return nil, nil
	}
	now := c.now()
	rows, err := c.client.Scan(pk)
	c.observe(metric.FetchType, err)
	if err != nil {
		return nil, err
	}

	var visible []row
	for _, r := range rows {
		if r.NextVisibleTime <= now.UnixMilli() {
			visible = append(visible, r)
		}
	}
	sort.Slice(visible, func(a, b int) bool {
		if visible[a].NextVisibleTime != visible[b].NextVisibleTime {
			return visible[a].NextVisibleTime < visible[b].NextVisibleTime
		}
		return visible[a].CreatedTime < visible[b].CreatedTime
	})

	var docs []docstore.Document
	until := now.Add(lease).UnixMilli()
	for _, r := range visible {
		if len(docs) == max {
			break
		}
		etag := uuid.NewString()
		applied, err := c.client.Lease(pk, r.ID, r.ETag, etag, now.UnixMilli(), until, ttl(r.Expires, now))
		c.observe(metric.UpdateType, err)
		if err != nil {
			if len(docs) > 0 {
				c.logger.Warn("cassandra pop stopped early", zap.Int("leased", len(docs)), zap.Error(err))
				break
			}
			return nil, err
		}
		if !applied {
			continue
		}
		r.ETag = etag
		r.NextVisibleTime = until
		docs = append(docs, r.document())
	}
	return docs, nil
}

func (c *Collection) Insert(_ context.Context, doc docstore.Document) error {
	now := c.now()
	if doc.CreatedTime.IsZero() {
		doc.CreatedTime = now
	}
	r := toRow(doc, uuid.NewString())
	applied, err := c.client.Insert(r, ttl(r.Expires, now), true)
	c.observe(metric.InsertType, err)
	if err != nil {
		return err
	}
	if !applied {
		return docstore.ErrConflict
	}
	return nil
}

func (c *Collection) Upsert(_ context.Context, doc docstore.Document) error {
	now := c.now()
	if doc.CreatedTime.IsZero() {
		doc.CreatedTime = now
	}
	r := toRow(doc, uuid.NewString())
	_, err := c.client.Insert(r, ttl(r.Expires, now), false)
	c.observe(metric.InsertType, err)
	return err
}

func (c *Collection) Query(_ context.Context, pk, id string) (docstore.Document, error) {
	r, err := c.client.Get(pk, id)
	if errors.Is(err, noDataResponse) {
		c.observe(metric.ReadType, nil)
		return docstore.Document{}, docstore.ErrNotFound
	}
	c.observe(metric.ReadType, err)
	if err != nil {
		return docstore.Document{}, err
	}
	return r.document(), nil
}

func (c *Collection) Replace(_ context.Context, doc docstore.Document, etag string) (string, error) {
	if etag == "" {
		return "", docstore.ErrEmptyETag
	}
	now := c.now()
	if doc.CreatedTime.IsZero() {
		doc.CreatedTime = now
	}
	newETag := uuid.NewString()
	r := toRow(doc, newETag)
	applied, exists, err := c.client.Replace(r, ttl(r.Expires, now), etag)
	c.observe(metric.UpdateType, err)
	switch {
	case err != nil:
		return "", err
	case !exists:
		return "", docstore.ErrNotFound
	case !applied:
		return "", docstore.ErrPreconditionFailed
	}
	return newETag, nil
}

func (c *Collection) Delete(_ context.Context, pk, id string) error {
	applied, err := c.client.Delete(pk, id)
	c.observe(metric.DeleteType, err)
	if err != nil {
		return err
	}
	if !applied {
		return docstore.ErrNotFound
	}
	return nil
}

func (c *Collection) Statistics(_ context.Context, pk string, detailed bool) (docstore.Statistics, error) {
	if !detailed {
		count, err := c.client.Count(pk)
		c.observe(metric.CountType, err)
		if err != nil {
			return docstore.Statistics{}, err
		}
		return docstore.Statistics{PendingCount: count}, nil
	}

	rows, err := c.client.Scan(pk)
	c.observe(metric.FetchType, err)
	if err != nil {
		return docstore.Statistics{}, err
	}
	now := c.now().UnixMilli()
	stats := docstore.Statistics{PendingCount: int64(len(rows))}
	for _, r := range rows {
		if r.NextVisibleTime <= now {
			stats.UnleasedCount++
		}
		created := fromMillis(r.CreatedTime)
		if stats.OldestPendingTime.IsZero() || created.Before(stats.OldestPendingTime) {
			stats.OldestPendingTime = created
		}
	}
	return stats, nil
}

func (c *Collection) Flush(_ context.Context, pk string, createdBefore time.Time) (int, error) {
	rows, err := c.client.Scan(pk)
	c.observe(metric.FetchType, err)
	if err != nil {
		return 0, err
	}
	var removed int
	for _, r := range rows {
		if r.CreatedTime > millis(createdBefore) {
			continue
		}
		applied, err := c.client.Delete(pk, r.ID)
		c.observe(metric.DeleteType, err)
		if err != nil {
			return removed, err
		}
		if applied {
			removed++
		}
	}
	return removed, nil
}

func validateConfig(config *Config) {
	zeroDuration := time.Duration(0) * time.Second

	if config.OpTimeout == zeroDuration {
		config.OpTimeout = defaultOpTimeout
	}

	if config.Database == "" {
		config.Database = defaultDatabase
	}
	if config.Table == "" {
		config.Table = defaultTable
	}
	if config.DatabaseMoniker == "" {
		config.DatabaseMoniker = defaultMoniker
	}
	if config.NumRetries < 0 {
		config.NumRetries = defaultNumRetries
	}
	if config.WaitTimeMult < 1 {
		config.WaitTimeMult = defaultWaitTimeMult
	}
	if config.MaxConnsPerHost <= 0 {
		config.MaxConnsPerHost = defaultMaxNumberConnsPerHost
	}
	if config.PageSize <= 0 {
		config.PageSize = defaultPageSize
	}
}

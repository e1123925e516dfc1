// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package cassandra

import (
	"errors"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/hailocab/go-hostpool"
	"go.uber.org/zap"
)

// row is one stored document. Times are unix milliseconds, zero meaning unset.
type row struct {
	PartitionKey    string
	ID              string
	ETag            string
	NextVisibleTime int64
	CreatedTime     int64
	Expires         int64
	Body            []byte
}

type dbStore interface {
	Get(pk, id string) (row, error)

	// Insert writes r. With ifNotExists set it reports false when the row exists.
	Insert(r row, ttl int, ifNotExists bool) (bool, error)

	// Replace overwrites r when the stored etag equals etag. exists is
	// false when there was no row to compare against.
	Replace(r row, ttl int, etag string) (applied bool, exists bool, err error)

	// Lease stamps a new etag and visibility on an unleased row whose etag is unchanged.
	Lease(pk, id, etag, newETag string, now, visible int64, ttl int) (bool, error)

	// Delete reports false when there was nothing to delete.
	Delete(pk, id string) (bool, error)

	// Scan reads every row of a partition.
	Scan(pk string) ([]row, error)
	Count(pk string) (int64, error)
}

var (
	noDataResponse = errors.New("no data from query")
	serverClosed   = errors.New("server is closed")
)

type cassandraExecutor struct {
	session  *gocql.Session
	table    string
	pageSize int
	logger   *zap.Logger
}

func connect(clusterConfig *gocql.ClusterConfig) (*gocql.Session, error) {
	clusterConfig.PoolConfig.HostSelectionPolicy = gocql.HostPoolHostPolicy(hostpool.New(nil))
	return clusterConfig.CreateSession()
}

const columns = "pk, id, etag, nvt, ct, exp, body"

func (s *cassandraExecutor) Get(pk, id string) (row, error) {
	var r row
	err := s.session.Query(fmt.Sprintf("SELECT %s FROM %s WHERE pk = ? AND id = ?", columns, s.table), pk, id).
		Scan(&r.PartitionKey, &r.ID, &r.ETag, &r.NextVisibleTime, &r.CreatedTime, &r.Expires, &r.Body)
	if errors.Is(err, gocql.ErrNotFound) {
		return row{}, noDataResponse
	}
	return r, err
}

func (s *cassandraExecutor) Insert(r row, ttl int, ifNotExists bool) (bool, error) {
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?)", s.table, columns)
	args := []interface{}{r.PartitionKey, r.ID, r.ETag, r.NextVisibleTime, r.CreatedTime, r.Expires, r.Body, ttl}
	if !ifNotExists {
		return true, s.session.Query(stmt+" USING TTL ?", args...).Exec()
	}
	applied, err := s.session.Query(stmt+" IF NOT EXISTS USING TTL ?", args...).MapScanCAS(map[string]interface{}{})
	return applied, err
}

func (s *cassandraExecutor) Replace(r row, ttl int, etag string) (bool, bool, error) {
	previous := map[string]interface{}{}
	applied, err := s.session.Query(
		fmt.Sprintf("UPDATE %s USING TTL ? SET etag = ?, nvt = ?, ct = ?, exp = ?, body = ? WHERE pk = ? AND id = ? IF etag = ?", s.table),
		ttl, r.ETag, r.NextVisibleTime, r.CreatedTime, r.Expires, r.Body, r.PartitionKey, r.ID, etag,
	).MapScanCAS(previous)
	if err != nil {
		return false, false, err
	}
	_, exists := previous["etag"]
	return applied, applied || exists, nil
}

func (s *cassandraExecutor) Lease(pk, id, etag, newETag string, now, visible int64, ttl int) (bool, error) {
	return s.session.Query(
		fmt.Sprintf("UPDATE %s USING TTL ? SET etag = ?, nvt = ? WHERE pk = ? AND id = ? IF etag = ? AND nvt <= ?", s.table),
		ttl, newETag, visible, pk, id, etag, now,
	).MapScanCAS(map[string]interface{}{})
}

func (s *cassandraExecutor) Delete(pk, id string) (bool, error) {
	return s.session.Query(fmt.Sprintf("DELETE FROM %s WHERE pk = ? AND id = ? IF EXISTS", s.table), pk, id).
		MapScanCAS(map[string]interface{}{})
}

func (s *cassandraExecutor) Scan(pk string) ([]row, error) {
	var (
		result []row
		r      row
	)
	iter := s.session.Query(fmt.Sprintf("SELECT %s FROM %s WHERE pk = ?", columns, s.table), pk).
		PageSize(s.pageSize).Iter()
	for iter.Scan(&r.PartitionKey, &r.ID, &r.ETag, &r.NextVisibleTime, &r.CreatedTime, &r.Expires, &r.Body) {
		result = append(result, r)
		r = row{}
	}
	if err := iter.Close(); err != nil {
		s.logger.Error("failed to close iter", zap.String("table", s.table), zap.String("pk", pk), zap.Error(err))
		return nil, err
	}
	return result, nil
}

func (s *cassandraExecutor) Count(pk string) (int64, error) {
	var count int64
	err := s.session.Query(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE pk = ?", s.table), pk).Scan(&count)
	return count, err
}

// pinger checks that the shared session is still usable.
type pinger struct {
	session *gocql.Session
}

func (p pinger) Ping() error {
	if p.session.Closed() {
		return serverClosed
	}
	return nil
}

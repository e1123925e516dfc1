// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package cassandra

import (
	"github.com/stretchr/testify/mock"
)

type mockDB struct {
	mock.Mock
}

func (s *mockDB) Get(pk, id string) (row, error) {
	args := s.Called(pk, id)
	return args.Get(0).(row), args.Error(1)
}

func (s *mockDB) Insert(r row, ttl int, ifNotExists bool) (bool, error) {
	args := s.Called(r, ttl, ifNotExists)
	return args.Bool(0), args.Error(1)
}

func (s *mockDB) Replace(r row, ttl int, etag string) (bool, bool, error) {
	args := s.Called(r, ttl, etag)
	return args.Bool(0), args.Bool(1), args.Error(2)
}

func (s *mockDB) Lease(pk, id, etag, newETag string, now, visible int64, ttl int) (bool, error) {
	args := s.Called(pk, id, etag, now, visible, ttl)
	return args.Bool(0), args.Error(1)
}

func (s *mockDB) Delete(pk, id string) (bool, error) {
	args := s.Called(pk, id)
	return args.Bool(0), args.Error(1)
}

func (s *mockDB) Scan(pk string) ([]row, error) {
	args := s.Called(pk)
	return args.Get(0).([]row), args.Error(1)
}

func (s *mockDB) Count(pk string) (int64, error) {
	args := s.Called(pk)
	return args.Get(0).(int64), args.Error(1)
}

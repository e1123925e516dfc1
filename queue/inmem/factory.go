// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package inmem

import (
	"sort"
	"sync"

	"github.com/xmidt-org/courier/queue"
)

// Factory hands out one InMem per account and queue name.
type Factory struct {
	accounts []string
	lock     sync.Mutex
	queues   map[[2]string]*InMem
}

var _ queue.Factory = (*Factory)(nil)

func NewFactory(accounts ...string) *Factory {
	if len(accounts) == 0 {
		accounts = []string{"local"}
	}
	sorted := append([]string(nil), accounts...)
	sort.Strings(sorted)
	return &Factory{accounts: sorted, queues: map[[2]string]*InMem{}}
}

func (f *Factory) Accounts() []string { return f.accounts }

func (f *Factory) Open(account, name string) (queue.Backend, error) {
	i := sort.SearchStrings(f.accounts, account)
	if i == len(f.accounts) || f.accounts[i] != account {
		return nil, queue.ErrUnknownAccount
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	key := [2]string{account, name}
	q, ok := f.queues[key]
	if !ok {
		q = NewInMem(account, name)
		f.queues[key] = q
	}
	return q, nil
}

func (f *Factory) Close() error { return nil }

// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"context"
	"sync"
	"time"
)

// DefaultPopBlock is how long a partition is skipped after an empty pop.
const DefaultPopBlock = time.Minute

type popBlocker struct {
	Collection
	block time.Duration
	now   func() time.Time

	lock     sync.Mutex
	blockers map[string]time.Time
}

// NewPopBlocker wraps c so that a partition which returned nothing is not
// popped again until block has passed. A non-positive block uses
// DefaultPopBlock and a nil now uses time.Now.
func NewPopBlocker(c Collection, block time.Duration, now func() time.Time) Collection {
	if block <= 0 {
		block = DefaultPopBlock
	}
	if now == nil {
		now = time.Now
	}
	return &popBlocker{
		Collection: c,
		block:      block,
		now:        now,
		blockers:   map[string]time.Time{},
	}
}

func (p *popBlocker) blocked(pk string) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	until, ok := p.blockers[pk]
	if !ok {
		return false
	}
	if p.now().Before(until) {
		return true
	}
	delete(p.blockers, pk)
	return false
}

func (p *popBlocker) Pop(ctx context.Context, lease time.Duration, pk string, max int) ([]Document, error) {
	if p.blocked(pk) {
		return nil, nil
	}
	docs, err := p.Collection.Pop(ctx, lease, pk, max)
	if err == nil && len(docs) == 0 {
		p.lock.Lock()
		p.blockers[pk] = p.now().Add(p.block)
		p.lock.Unlock()
	}
	return docs, err
}

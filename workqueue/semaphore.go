// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Priority is the relative importance of a kind of work item.
type Priority int

const (
	PriorityDefault Priority = iota
	PriorityHigh
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "default"
	}
}

// DefaultConcurrency is the capacity of the shared semaphore.
const DefaultConcurrency = 100

// share is the percentage of total capacity each tier may hold.
var share = map[Priority]int64{
	PriorityHigh:    100,
	PriorityDefault: 75,
	PriorityLow:     50,
}

// PrioritySemaphore bounds concurrent work items. Lower tiers may only hold
// part of the capacity, so there is always room left for higher ones.
type PrioritySemaphore struct {
	total *semaphore.Weighted
	tiers map[Priority]*semaphore.Weighted
}

// NewPrioritySemaphore returns a semaphore with the given total capacity.
// Non-positive capacity means DefaultConcurrency.
func NewPrioritySemaphore(capacity int64) *PrioritySemaphore {
	if capacity <= 0 {
		capacity = DefaultConcurrency
	}
	s := &PrioritySemaphore{
		total: semaphore.NewWeighted(capacity),
		tiers: make(map[Priority]*semaphore.Weighted, len(share)),
	}
	for p, pct := range share {
		s.tiers[p] = semaphore.NewWeighted(max(1, capacity*pct/100))
	}
	return s
}

// Acquire blocks until a slot is free for p or ctx is done. The returned
// function releases the slot and is safe to call more than once.
func (s *PrioritySemaphore) Acquire(ctx context.Context, p Priority) (func(), error) {
	tier, ok := s.tiers[p]
	if !ok {
		tier = s.tiers[PriorityDefault]
	}
	if err := tier.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := s.total.Acquire(ctx, 1); err != nil {
		tier.Release(1)
		return nil, err
	}
	return sync.OnceFunc(func() {
		s.total.Release(1)
		tier.Release(1)
	}), nil
}

// TryAcquire is Acquire without waiting.
func (s *PrioritySemaphore) TryAcquire(p Priority) (func(), bool) {
	tier, ok := s.tiers[p]
	if !ok {
		tier = s.tiers[PriorityDefault]
	}
	if !tier.TryAcquire(1) {
		return nil, false
	}
	if !s.total.TryAcquire(1) {
		tier.Release(1)
		return nil, false
	}
	return sync.OnceFunc(func() {
		s.total.Release(1)
		tier.Release(1)
	}), true
}

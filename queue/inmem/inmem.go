// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package inmem

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xmidt-org/courier/queue"
)

type expireableMessage struct {
	queue.Message
	expiration *time.Time
}

// InMem is a single queue held in memory.
type InMem struct {
	account string
	name    string

	data    map[string]*expireableMessage
	exists  bool
	nextSeq int64
	lock    sync.Mutex
	now     func() time.Time
}

var _ queue.Backend = (*InMem)(nil)

// NewInMem returns an empty queue. It reports that it does not exist until
// EnsureExists is called.
func NewInMem(account, name string) *InMem {
	return &InMem{
		account: account,
		name:    name,
		data:    map[string]*expireableMessage{},
		now:     time.Now,
	}
}

// SetNow replaces the clock, for tests.
func (i *InMem) SetNow(now func() time.Time) {
	i.lock.Lock()
	defer i.lock.Unlock()
	i.now = now
}

func (i *InMem) AccountName() string { return i.account }

func (i *InMem) QueueName() string { return i.name }

func (i *InMem) AddMessage(_ context.Context, body []byte, delay, ttl time.Duration) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	now := i.now()
	i.nextSeq++
	stored := &expireableMessage{
		Message: queue.Message{
			ID:              strconv.FormatInt(i.nextSeq, 10),
			Body:            append([]byte(nil), body...),
			InsertedTime:    now,
			NextVisibleTime: now.Add(delay),
		},
	}
	if ttl > 0 {
		expiration := now.Add(ttl)
		stored.expiration = &expiration
		stored.ExpirationTime = expiration
	}
	i.data[stored.ID] = stored
	return nil
}

// hasExpired returns true if the given message has expired and false otherwise.
// Note: expired messages are automatically removed from the internal map.
func (i *InMem) hasExpired(m *expireableMessage) bool {
	if m.expiration == nil {
		return false
	}
	if !m.expiration.After(i.now()) {
		delete(i.data, m.ID)
		return true
	}
	return false
}

// leased finds the message msg refers to, checking its pop receipt.
func (i *InMem) leased(msg queue.Message) (*expireableMessage, error) {
	if msg.PopReceipt == "" {
		return nil, queue.ErrInvalidPopReceipt
	}
	stored, ok := i.data[msg.ID]
	if !ok || i.hasExpired(stored) || stored.PopReceipt != msg.PopReceipt {
		return nil, queue.ErrMessageNotFound
	}
	return stored, nil
}

func (i *InMem) DeleteMessage(_ context.Context, msg queue.Message) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	stored, err := i.leased(msg)
	if err != nil {
		return err
	}
	delete(i.data, stored.ID)
	return nil
}

func (i *InMem) UpdateMessage(_ context.Context, msg queue.Message, visibility time.Duration, fields queue.UpdateFields) (queue.Message, error) {
	i.lock.Lock()
	defer i.lock.Unlock()
	stored, err := i.leased(msg)
	if err != nil {
		return queue.Message{}, err
	}
	if fields.Has(queue.UpdateContent) {
		stored.Body = append([]byte(nil), msg.Body...)
	}
	stored.NextVisibleTime = i.now().Add(visibility)
	stored.PopReceipt = uuid.NewString()
	return stored.Message, nil
}

func (i *InMem) GetMessages(_ context.Context, max int, visibility time.Duration) ([]queue.Message, error) {
	i.lock.Lock()
	defer i.lock.Unlock()
	now := i.now()

	var visible []*expireableMessage
	for _, m := range i.data {
		if i.hasExpired(m) || m.NextVisibleTime.After(now) {
			continue
		}
		visible = append(visible, m)
	}
	sort.Slice(visible, func(a, b int) bool {
		if visible[a].NextVisibleTime.Equal(visible[b].NextVisibleTime) {
			return visible[a].InsertedTime.Before(visible[b].InsertedTime)
		}
		return visible[a].NextVisibleTime.Before(visible[b].NextVisibleTime)
	})
	if len(visible) > max {
		visible = visible[:max]
	}

	result := make([]queue.Message, 0, len(visible))
	for _, m := range visible {
		m.DequeueCount++
		m.PopReceipt = uuid.NewString()
		m.NextVisibleTime = now.Add(visibility)
		out := m.Message
		out.Body = append([]byte(nil), m.Body...)
		result = append(result, out)
	}
	return result, nil
}

func (i *InMem) EnsureExists(context.Context) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	i.exists = true
	return nil
}

func (i *InMem) Exists(context.Context) (bool, error) {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.exists, nil
}

func (i *InMem) ApproximateCount(context.Context) (int64, error) {
	i.lock.Lock()
	defer i.lock.Unlock()
	var count int64
	for _, m := range i.data {
		if !i.hasExpired(m) {
			count++
		}
	}
	return count, nil
}

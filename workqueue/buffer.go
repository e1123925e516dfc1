// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"sync"

	"github.com/xmidt-org/courier/queue"
)

type buffered struct {
	backend queue.Backend
	msg     queue.Message
}

// buffer is the FIFO between the pollers and the dispatcher.
type buffer struct {
	lock  sync.Mutex
	items []buffered
	wake  chan struct{}
}

func newBuffer() *buffer {
	return &buffer{wake: make(chan struct{}, 1)}
}

func (b *buffer) push(items ...buffered) {
	if len(items) == 0 {
		return
	}
	b.lock.Lock()
	b.items = append(b.items, items...)
	b.lock.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *buffer) pop() (buffered, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if len(b.items) == 0 {
		return buffered{}, false
	}
	next := b.items[0]
	b.items[0] = buffered{}
	b.items = b.items[1:]
	return next, true
}

func (b *buffer) len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.items)
}

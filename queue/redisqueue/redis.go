// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xmidt-org/courier/queue"
)

// Each queue is a set of keys sharing one hash tag so cluster deployments
// keep them on a single slot.
//   visible   ZSET  message id scored by next visible time in unix ms
//   body      HASH  message id -> body
//   pop       HASH  message id -> current pop receipt
//   dequeue   HASH  message id -> dequeue count
//   inserted  HASH  message id -> insertion time in unix ms
//   expires   HASH  message id -> expiration time in unix ms, absent if none
//   exists    STRING marker written by EnsureExists
type keys struct {
	visible, body, pop, dequeue, inserted, expires, exists string
}

func newKeys(account, name string) keys {
	p := fmt.Sprintf("courier:{%s/%s}:", account, name)
	return keys{
		visible:  p + "visible",
		body:     p + "body",
		pop:      p + "pop",
		dequeue:  p + "dequeue",
		inserted: p + "inserted",
		expires:  p + "expires",
		exists:   p + "exists",
	}
}

func (k keys) all() []string {
	return []string{k.visible, k.body, k.pop, k.dequeue, k.inserted, k.expires}
}

// fetchScript leases up to ARGV[3] visible messages, dropping expired ones.
var fetchScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for i, id in ipairs(ids) do
	local exp = redis.call('HGET', KEYS[6], id)
	if exp and tonumber(exp) <= now then
		redis.call('ZREM', KEYS[1], id)
		for k = 2, 6 do redis.call('HDEL', KEYS[k], id) end
	else
		local receipt = ARGV[4] .. '.' .. i
		redis.call('ZADD', KEYS[1], ARGV[2], id)
		redis.call('HSET', KEYS[3], id, receipt)
		local dq = redis.call('HINCRBY', KEYS[4], id, 1)
		table.insert(out, {id, redis.call('HGET', KEYS[2], id) or '', receipt, tostring(dq), redis.call('HGET', KEYS[5], id) or '0', exp or '0'})
	end
end
return out
`)

// updateScript renews a lease when the pop receipt still matches.
var updateScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[4])
if ARGV[5] == '1' then redis.call('HSET', KEYS[2], ARGV[1], ARGV[6]) end
return 1
`)

// deleteScript removes a message when the pop receipt still matches.
var deleteScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
for k = 2, 6 do redis.call('HDEL', KEYS[k], ARGV[1]) end
return 1
`)

// Backend is a queue.Backend stored in Redis.
type Backend struct {
	client  redis.UniversalClient
	account string
	name    string
	keys    keys
	now     func() time.Time
}

var _ queue.Backend = (*Backend)(nil)

// New binds a queue name on an account's Redis client. A nil now uses time.Now.
func New(client redis.UniversalClient, account, name string, now func() time.Time) *Backend {
	if now == nil {
		now = time.Now
	}
	return &Backend{
		client:  client,
		account: account,
		name:    name,
		keys:    newKeys(account, name),
		now:     now,
	}
}

func (b *Backend) AccountName() string { return b.account }

func (b *Backend) QueueName() string { return b.name }

func (b *Backend) AddMessage(ctx context.Context, body []byte, delay, ttl time.Duration) error {
	now := b.now()
	id := uuid.NewString()
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.keys.body, id, body)
		p.HSet(ctx, b.keys.inserted, id, now.UnixMilli())
		if ttl > 0 {
			p.HSet(ctx, b.keys.expires, id, now.Add(ttl).UnixMilli())
		}
		p.ZAdd(ctx, b.keys.visible, redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: id})
		return nil
	})
	return err
}

func (b *Backend) GetMessages(ctx context.Context, max int, visibility time.Duration) ([]queue.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	now := b.now()
	visibleAt := now.Add(visibility)
	raw, err := fetchScript.Run(ctx, b.client, b.keys.all(),
		now.UnixMilli(), visibleAt.UnixMilli(), max, uuid.NewString()).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	msgs := make([]queue.Message, 0, len(raw))
	for _, r := range raw {
		fields, ok := r.([]interface{})
		if !ok || len(fields) != 6 {
			return nil, fmt.Errorf("unexpected fetch reply %v", r)
		}
		s := make([]string, len(fields))
		for i, f := range fields {
			s[i], _ = f.(string)
		}
		dq, _ := strconv.ParseInt(s[3], 10, 64)
		inserted, _ := strconv.ParseInt(s[4], 10, 64)
		expires, _ := strconv.ParseInt(s[5], 10, 64)
		m := queue.Message{
			ID:              s[0],
			Body:            []byte(s[1]),
			PopReceipt:      s[2],
			DequeueCount:    dq,
			InsertedTime:    time.UnixMilli(inserted),
			NextVisibleTime: visibleAt,
		}
		if expires > 0 {
			m.ExpirationTime = time.UnixMilli(expires)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// validReceipt rejects pop receipts this backend could not have issued.
func validReceipt(r string) bool {
	i := strings.LastIndexByte(r, '.')
	if i <= 0 {
		return false
	}
	_, err := uuid.Parse(r[:i])
	return err == nil
}

func (b *Backend) UpdateMessage(ctx context.Context, msg queue.Message, visibility time.Duration, fields queue.UpdateFields) (queue.Message, error) {
	if !validReceipt(msg.PopReceipt) {
		return queue.Message{}, queue.ErrInvalidPopReceipt
	}
	content := "0"
	if fields.Has(queue.UpdateContent) {
		content = "1"
	}
	visibleAt := b.now().Add(visibility)
	receipt := uuid.NewString() + ".1"
	ok, err := updateScript.Run(ctx, b.client, b.keys.all(),
		msg.ID, msg.PopReceipt, visibleAt.UnixMilli(), receipt, content, msg.Body).Int()
	if err != nil {
		return queue.Message{}, err
	}
	if ok == 0 {
		return queue.Message{}, queue.ErrMessageNotFound
	}
	msg.PopReceipt = receipt
	msg.NextVisibleTime = visibleAt
	return msg, nil
}

func (b *Backend) DeleteMessage(ctx context.Context, msg queue.Message) error {
	if !validReceipt(msg.PopReceipt) {
		return queue.ErrInvalidPopReceipt
	}
	ok, err := deleteScript.Run(ctx, b.client, b.keys.all(), msg.ID, msg.PopReceipt).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return queue.ErrMessageNotFound
	}
	return nil
}

func (b *Backend) EnsureExists(ctx context.Context) error {
	return b.client.SetNX(ctx, b.keys.exists, 1, 0).Err()
}

func (b *Backend) Exists(ctx context.Context) (bool, error) {
	n, err := b.client.Exists(ctx, b.keys.exists).Result()
	return n > 0, err
}

// ApproximateCount includes leased and not yet purged expired messages.
func (b *Backend) ApproximateCount(ctx context.Context) (int64, error) {
	return b.client.ZCard(ctx, b.keys.visible).Result()
}

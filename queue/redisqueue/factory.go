// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package redisqueue

import (
	"context"
	"errors"
	"sort"
	"time"

	"emperror.dev/emperror"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/xmidt-org/courier/queue"
)

const defaultDialTimeout = 5 * time.Second

// AccountConfig is one Redis deployment. Each account is an independent
// publish target for the work queue.
type AccountConfig struct {
	Name      string   `validate:"required"`
	Addresses []string `validate:"required,min=1,dive,hostname_port"`
	Username  string
	Password  string
	DB        int `validate:"gte=0"`

	// DialTimeout defaults to 5s.
	DialTimeout time.Duration
}

type Config struct {
	Accounts []AccountConfig `validate:"required,min=1,dive"`
}

// Factory opens queues on a fixed set of Redis accounts.
type Factory struct {
	clients map[string]redis.UniversalClient
	now     func() time.Time
}

var _ queue.Factory = (*Factory)(nil)

var errDuplicateAccount = errors.New("duplicate redis account name")

// NewFactory validates config and pings every account.
func NewFactory(ctx context.Context, config Config) (*Factory, error) {
	if err := validator.New().Struct(config); err != nil {
		return nil, err
	}
	f := &Factory{clients: map[string]redis.UniversalClient{}, now: time.Now}
	for _, a := range config.Accounts {
		if _, ok := f.clients[a.Name]; ok {
			f.Close()
			return nil, emperror.WrapWith(errDuplicateAccount, "invalid redis config", "account", a.Name)
		}
		if a.DialTimeout <= 0 {
			a.DialTimeout = defaultDialTimeout
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:       a.Addresses,
			Username:    a.Username,
			Password:    a.Password,
			DB:          a.DB,
			DialTimeout: a.DialTimeout,
		})
		f.clients[a.Name] = client
		if err := client.Ping(ctx).Err(); err != nil {
			f.Close()
			return nil, emperror.WrapWith(err, "Connecting to redis failed", "account", a.Name, "addresses", a.Addresses)
		}
	}
	return f, nil
}

// NewFactoryFromClients is used when clients are built elsewhere.
func NewFactoryFromClients(clients map[string]redis.UniversalClient, now func() time.Time) *Factory {
	if now == nil {
		now = time.Now
	}
	return &Factory{clients: clients, now: now}
}

func (f *Factory) Accounts() []string {
	names := make([]string, 0, len(f.clients))
	for name := range f.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *Factory) Open(account, name string) (queue.Backend, error) {
	client, ok := f.clients[account]
	if !ok {
		return nil, queue.ErrUnknownAccount
	}
	return New(client, account, name, f.now), nil
}

func (f *Factory) Close() error {
	var errs []error
	for _, c := range f.clients {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

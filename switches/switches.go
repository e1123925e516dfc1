// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package switches holds the operator kill switches for queue processing and
// publishing. Values are read from viper on every check so a watched config
// file takes effect without a restart.
package switches

import (
	"strings"
	"sync"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Key is the default viper key holding the switches.
const Key = "switches"

// Config keys, relative to Key.
const (
	DisableProcessingKey = "disableProcessing"
	DelayProcessingKey   = "delayProcessing"
	DisablePublishingKey = "disablePublishing"
)

// Switches answers whether an emergency switch is on.
type Switches interface {
	// ProcessingDisabled is checked with a queue name.
	ProcessingDisabled(queueName string) bool

	// ProcessingDelayed is checked with a work item type name.
	ProcessingDelayed(workItemType string) bool

	// PublishingDisabled is checked with a backend account name.
	PublishingDisabled(account string) bool
}

// Viper reads switches from a live viper instance. Matching is case
// insensitive and "*" matches everything.
type Viper struct {
	v   *viper.Viper
	key string

	// viper is not safe for reads concurrent with a config reload.
	lock *sync.RWMutex
}

var _ Switches = Viper{}

// NewViper reads the switches under key. An empty key means Key.
func NewViper(v *viper.Viper, key string, lock *sync.RWMutex) Viper {
	if key == "" {
		key = Key
	}
	if lock == nil {
		lock = new(sync.RWMutex)
	}
	return Viper{v: v, key: key, lock: lock}
}

func (s Viper) ProcessingDisabled(queueName string) bool {
	return s.enabled(DisableProcessingKey, queueName)
}

func (s Viper) ProcessingDelayed(workItemType string) bool {
	return s.enabled(DelayProcessingKey, workItemType)
}

func (s Viper) PublishingDisabled(account string) bool {
	return s.enabled(DisablePublishingKey, account)
}

func (s Viper) enabled(name, value string) bool {
	if s.v == nil {
		return false
	}
	s.lock.RLock()
	raw := s.v.Get(s.key + "." + name)
	s.lock.RUnlock()
	return contains(cast.ToStringSlice(raw), value)
}

func contains(list []string, value string) bool {
	for _, v := range list {
		v = strings.TrimSpace(v)
		if v == "*" || strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

// Static is a fixed set of switches.
type Static struct {
	DisableProcessing []string
	DelayProcessing   []string
	DisablePublishing []string
}

var _ Switches = Static{}

func (s Static) ProcessingDisabled(queueName string) bool {
	return contains(s.DisableProcessing, queueName)
}

func (s Static) ProcessingDelayed(workItemType string) bool {
	return contains(s.DelayProcessing, workItemType)
}

func (s Static) PublishingDisabled(account string) bool {
	return contains(s.DisablePublishing, account)
}

// Off never reports a switch as on.
var Off Switches = Static{}

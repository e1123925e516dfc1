// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ConfigLock guards viper reads against a reload of the config file.
type ConfigLock struct {
	sync.RWMutex
}

type WatchIn struct {
	fx.In
	LC      fx.Lifecycle
	Viper   *viper.Viper
	Lock    *ConfigLock
	Reloads *prometheus.CounterVec `name:"config_reloads_total"`
	Logger  *zap.Logger
}

// reload rereads the config file under the write lock.
func reload(v *viper.Viper, lock *ConfigLock) error {
	lock.Lock()
	defer lock.Unlock()
	return v.ReadInConfig()
}

// watchConfig reloads the config file whenever it changes so that switches
// take effect without a restart. The directory is watched because editors
// and config maps replace the file rather than writing it.
func watchConfig(in WatchIn) error {
	file := in.Viper.ConfigFileUsed()
	if file == "" {
		return nil
	}
	file = filepath.Clean(file)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(file)); err != nil {
		w.Close()
		return err
	}

	done := make(chan struct{})
	in.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				for {
					select {
					case e, ok := <-w.Events:
						if !ok {
							return
						}
						if filepath.Clean(e.Name) != file || !e.Has(fsnotify.Write|fsnotify.Create) {
							continue
						}
						outcome := "success"
						if err := reload(in.Viper, in.Lock); err != nil {
							outcome = "failure"
							in.Logger.Error("failed to reload config", zap.String("file", file), zap.Error(err))
						} else {
							in.Logger.Info("config reloaded", zap.String("file", file))
						}
						in.Reloads.WithLabelValues(outcome).Inc()
					case err, ok := <-w.Errors:
						if !ok {
							return
						}
						in.Logger.Warn("config watch error", zap.Error(err))
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			err := w.Close()
			<-done
			return err
		},
	})
	return nil
}

// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xmidt-org/httpaux"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ServerConfig is the operations server exposing metrics and health.
type ServerConfig struct {
	Address     string
	MetricsPath string
	HealthPath  string

	ReadHeaderTimeout time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Address == "" {
		c.Address = ":9090"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	return c
}

type ServerIn struct {
	fx.In
	Config   ServerConfig
	Gatherer prometheus.Gatherer
	Metrics  serverMetrics
	Logger   *zap.Logger
}

// instrument is the middleware chain shared by every route.
func instrument(m serverMetrics) alice.Chain {
	return alice.New(
		func(next http.Handler) http.Handler {
			return promhttp.InstrumentHandlerInFlight(m.InFlight.WithLabelValues("operations"), next)
		},
		func(next http.Handler) http.Handler {
			return promhttp.InstrumentHandlerCounter(m.Requests, next)
		},
		func(next http.Handler) http.Handler {
			return promhttp.InstrumentHandlerDuration(m.Duration, next)
		},
	)
}

func newOperationsHandler(in ServerIn) http.Handler {
	c := in.Config.withDefaults()
	router := mux.NewRouter()
	router.Handle(c.MetricsPath, promhttp.HandlerFor(in.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.Handle(c.HealthPath, httpaux.ConstantHandler{StatusCode: http.StatusOK}).Methods(http.MethodGet)
	return instrument(in.Metrics).Then(router)
}

// provideServer runs the operations server for the life of the app.
func provideServer() fx.Option {
	return fx.Invoke(
		func(lc fx.Lifecycle, in ServerIn) {
			c := in.Config.withDefaults()
			s := &http.Server{
				Addr:              c.Address,
				Handler:           newOperationsHandler(in),
				ReadHeaderTimeout: c.ReadHeaderTimeout,
			}
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					l, err := net.Listen("tcp", s.Addr)
					if err != nil {
						return err
					}
					in.Logger.Info("operations server listening", zap.String("address", l.Addr().String()))
					go func() {
						if err := s.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
							in.Logger.Error("operations server stopped", zap.Error(err))
						}
					}()
					return nil
				},
				OnStop: s.Shutdown,
			})
		},
	)
}

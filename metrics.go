// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xmidt-org/touchstone"
	"go.uber.org/fx"
)

const (
	ServerLabel = "server"
	CodeLabel   = "code"
	MethodLabel = "method"

	RequestCount       = "server_request_count"
	RequestDuration    = "server_request_duration_seconds"
	RequestsInFlight   = "server_requests_in_flight"
	ConfigReloadsCount = "config_reloads_total"
)

// provideMetrics builds the application metrics and makes them available to the container
func provideMetrics() fx.Option {
	return fx.Options(
		touchstone.CounterVec(
			prometheus.CounterOpts{
				Name: RequestCount,
				Help: "total incoming HTTP requests",
			},
			CodeLabel,
			MethodLabel,
		),
		touchstone.HistogramVec(
			prometheus.HistogramOpts{
				Name: RequestDuration,
				Help: "tracks incoming request durations in seconds",
			},
			CodeLabel,
			MethodLabel,
		),
		touchstone.GaugeVec(
			prometheus.GaugeOpts{
				Name: RequestsInFlight,
				Help: "tracks the current number of incoming requests being processed",
			},
			ServerLabel,
		),
		touchstone.CounterVec(
			prometheus.CounterOpts{
				Name: ConfigReloadsCount,
				Help: "configuration file reloads by outcome",
			},
			"outcome",
		),
	)
}

type serverMetrics struct {
	fx.In
	Requests *prometheus.CounterVec   `name:"server_request_count"`
	Duration *prometheus.HistogramVec `name:"server_request_duration_seconds"`
	InFlight *prometheus.GaugeVec     `name:"server_requests_in_flight"`
}

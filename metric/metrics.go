// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xmidt-org/touchstone"
	"go.uber.org/fx"
)

// Names
const (
	QueueOperationsCounter       = "queue_operations_total"
	QueueOperationDuration       = "queue_operation_duration_seconds"
	QueueDepthGauge              = "queue_depth"
	InverseCompressionRatioGauge = "workitem_inverse_compression_ratio"
	ProcessingErrorsCounter      = "workitem_processing_errors_total"
	BackendQuarantinedCounter    = "backend_quarantined_total"
	CapacityUnitConsumedCounter  = "docstore_capacity_units_consumed_total"
	CommandPopCounter            = "commandqueue_pop_total"
)

// Labels
const (
	TypeLabel    = "type"
	OutcomeLabel = "outcome"
	QueueLabel   = "queue"
	AccountLabel = "account"
	ReasonLabel  = "reason"
	OpLabel      = "op"
	StorageLabel = "storage"
)

// Label Values
const (
	SuccessOutcome = "success"
	FailureOutcome = "failure"
	EmptyOutcome   = "empty"

	PublishType = "publish"
	FetchType   = "fetch"
	DeleteType  = "delete"
	UpdateType  = "update"
	CountType   = "count"
	InsertType  = "insert"
	ReadType    = "read"
	PingType    = "ping"

	HandlerErrorReason = "handler_error"
	PanicReason        = "panic"
	NullResultReason   = "null_result"
	LoopErrorReason    = "loop_error"
)

var durationBuckets = []float64{0.0625, 0.125, .25, .5, 1, 5, 10, 20, 40, 80, 160}

// ProvideMetrics returns the Metrics relevant to the queue layer.
func ProvideMetrics() fx.Option {
	return fx.Options(
		touchstone.CounterVec(
			prometheus.CounterOpts{
				Name: QueueOperationsCounter,
				Help: "The total number of queue backend operations by type and outcome.",
			},
			TypeLabel, OutcomeLabel, QueueLabel,
		),
		touchstone.HistogramVec(
			prometheus.HistogramOpts{
				Name:    QueueOperationDuration,
				Help:    "A histogram of queue backend operation latencies.",
				Buckets: durationBuckets,
			},
			TypeLabel, QueueLabel,
		),
		touchstone.GaugeVec(
			prometheus.GaugeOpts{
				Name: QueueDepthGauge,
				Help: "The approximate number of messages waiting in a queue backend.",
			},
			AccountLabel, QueueLabel,
		),
		touchstone.GaugeVec(
			prometheus.GaugeOpts{
				Name: InverseCompressionRatioGauge,
				Help: "Uncompressed size divided by compressed size of the last packaged work item.",
			},
			TypeLabel,
		),
		touchstone.CounterVec(
			prometheus.CounterOpts{
				Name: ProcessingErrorsCounter,
				Help: "The number of work items whose processing failed, by reason.",
			},
			TypeLabel, ReasonLabel,
		),
		touchstone.CounterVec(
			prometheus.CounterOpts{
				Name: BackendQuarantinedCounter,
				Help: "The number of times a queue backend was taken out of the publish rotation.",
			},
			AccountLabel, QueueLabel,
		),
		touchstone.CounterVec(
			prometheus.CounterOpts{
				Name: CapacityUnitConsumedCounter,
				Help: "The number of capacity units consumed by document store operations.",
			},
			TypeLabel, OpLabel,
		),
		touchstone.CounterVec(
			prometheus.CounterOpts{
				Name: CommandPopCounter,
				Help: "The number of command queue pops by storage type and outcome.",
			},
			StorageLabel, OutcomeLabel,
		),
	)
}

type Measures struct {
	fx.In
	QueueOperations         *prometheus.CounterVec   `name:"queue_operations_total"`
	QueueOperationDuration  *prometheus.HistogramVec `name:"queue_operation_duration_seconds"`
	QueueDepth              *prometheus.GaugeVec     `name:"queue_depth"`
	InverseCompressionRatio *prometheus.GaugeVec     `name:"workitem_inverse_compression_ratio"`
	ProcessingErrors        *prometheus.CounterVec   `name:"workitem_processing_errors_total"`
	BackendQuarantined      *prometheus.CounterVec   `name:"backend_quarantined_total"`

	// Document store metrics
	CapacityUnitsConsumed *prometheus.CounterVec `name:"docstore_capacity_units_consumed_total"`
	CommandPops           *prometheus.CounterVec `name:"commandqueue_pop_total"`
}

// NewMeasures builds unregistered vectors. It is meant for tests and for
// callers that do not run an fx container.
func NewMeasures() Measures {
	return Measures{
		QueueOperations: prometheus.NewCounterVec(prometheus.CounterOpts{Name: QueueOperationsCounter},
			[]string{TypeLabel, OutcomeLabel, QueueLabel}),
		QueueOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: QueueOperationDuration, Buckets: durationBuckets},
			[]string{TypeLabel, QueueLabel}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: QueueDepthGauge},
			[]string{AccountLabel, QueueLabel}),
		InverseCompressionRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: InverseCompressionRatioGauge},
			[]string{TypeLabel}),
		ProcessingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{Name: ProcessingErrorsCounter},
			[]string{TypeLabel, ReasonLabel}),
		BackendQuarantined: prometheus.NewCounterVec(prometheus.CounterOpts{Name: BackendQuarantinedCounter},
			[]string{AccountLabel, QueueLabel}),
		CapacityUnitsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{Name: CapacityUnitConsumedCounter},
			[]string{TypeLabel, OpLabel}),
		CommandPops: prometheus.NewCounterVec(prometheus.CounterOpts{Name: CommandPopCounter},
			[]string{StorageLabel, OutcomeLabel}),
	}
}

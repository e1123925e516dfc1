// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package commandqueue leases privacy commands to agents from either a
// message queue or a partitioned document store.
package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xmidt-org/courier/codec"
	"github.com/xmidt-org/courier/lease"
	"github.com/xmidt-org/courier/metric"
	"github.com/xmidt-org/courier/model"
	"go.uber.org/zap"
)

// Priority orders command queues when an agent reads from several.
type Priority int

const (
	PriorityDefault Priority = iota
	PriorityHigh
	PriorityLow
)

// ReplaceOperations says what a Replace changes.
type ReplaceOperations int

const (
	ReplaceLeaseExtension ReplaceOperations = 1 << iota
	ReplaceCommandContent

	ReplaceNone ReplaceOperations = 0
)

func (o ReplaceOperations) Has(o2 ReplaceOperations) bool { return o&o2 == o2 }

// Leased is a command together with the receipt for its current lease.
type Leased struct {
	*model.Command
	Receipt *lease.Receipt
}

// PopResult holds the commands popped and the messages that could not be
// decoded or fetched.
type PopResult struct {
	Commands []Leased
	Errors   []error
}

// Statistics describes one agent queue.
type Statistics struct {
	AgentID         model.AgentID
	AssetGroupID    model.AssetGroupID
	DatabaseMoniker string
	SubjectType     model.SubjectType
	CommandType     model.CommandType
	QueryDate       time.Time

	PendingCommandCount *int64

	// Set for detailed document store statistics only.
	UnleasedCommandCount *int64
	OldestPendingCommand time.Time
}

// CommandQueue is one agent's queue of commands for an asset group.
type CommandQueue interface {
	StorageType() model.StorageType
	Priority() Priority

	// SupportsLeaseReceipt reports whether r was issued by this queue.
	SupportsLeaseReceipt(r *lease.Receipt) bool
	SupportsQueueFlushByDate() bool

	// Pop leases up to desired commands. A non-positive leaseDuration uses
	// the queue default. It never waits for more commands to arrive.
	Pop(ctx context.Context, desired int, leaseDuration time.Duration, priority Priority) (PopResult, error)

	Enqueue(ctx context.Context, moniker string, c *model.Command) error

	// Upsert writes c, replacing the leased copy when c.Receipt allows it.
	Upsert(ctx context.Context, moniker string, c Leased) error

	// Replace rewrites a leased command and returns its new receipt.
	Replace(ctx context.Context, r *lease.Receipt, c *model.Command, ops ReplaceOperations) (*lease.Receipt, error)
	Delete(ctx context.Context, r *lease.Receipt) error

	// QueryCommand returns nil when the command no longer exists.
	QueryCommand(ctx context.Context, r *lease.Receipt) (*Leased, error)
	QueueStatistics(ctx context.Context, detailed bool) ([]Statistics, error)
	FlushAgentQueue(ctx context.Context, before time.Time) error
}

// ErrUnsupportedLeaseReceipt is matched by every receipt identity mismatch.
var ErrUnsupportedLeaseReceipt = lease.ErrUnsupported

// ErrMonikerMismatch is returned when a write names a different shard.
var ErrMonikerMismatch = errors.New("database moniker does not match queue")

// Code classifies command queue failures for callers.
type Code int

const (
	CodeUnknown Code = iota
	Conflict
	InvalidLeaseReceipt
	NotSupported
)

func (c Code) String() string {
	switch c {
	case Conflict:
		return "Conflict"
	case InvalidLeaseReceipt:
		return "InvalidLeaseReceipt"
	case NotSupported:
		return "NotSupported"
	default:
		return "Unknown"
	}
}

// Error is a classified failure. Expected errors are normal races, such as
// a lease that was lost to another reader.
type Error struct {
	Code     Code
	Expected bool
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "command queue: " + e.Code.String()
	}
	return fmt.Sprintf("command queue: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// RangeError reports a value outside what a queue accepts.
type RangeError struct {
	Field   string
	Value   any
	Allowed []model.CommandType
}

func (e *RangeError) Error() string {
	names := make([]string, len(e.Allowed))
	for i, ct := range e.Allowed {
		names[i] = ct.String()
	}
	return fmt.Sprintf("%s %v is out of range, allowed: %s", e.Field, e.Value, strings.Join(names, ", "))
}

// PartitionKey is the document store partition of one agent and asset group.
func PartitionKey(agentID model.AgentID, assetGroupID model.AssetGroupID) string {
	a, g := agentID.String(), assetGroupID.String()
	var b strings.Builder
	b.Grow(len(a) + len(g) + 1)
	b.WriteString(a)
	b.WriteByte('.')
	b.WriteString(g)
	return b.String()
}

// QueueName names the message queue for an asset group, subject type and
// command type. Queue names are lower case and at most 63 characters.
func QueueName(assetGroupID model.AssetGroupID, subjectType model.SubjectType, commandType model.CommandType) string {
	return strings.ToLower(fmt.Sprintf("cq-%d-%d-%s", int(subjectType), int(commandType), assetGroupID))
}

// CreateVisibilityTimeout is the whole number of seconds from now until
// nextVisible, or zero when nextVisible has passed.
func CreateVisibilityTimeout(now, nextVisible time.Time) time.Duration {
	if now.After(nextVisible) {
		return 0
	}
	return nextVisible.Sub(now).Truncate(time.Second)
}

// MessageCompression is used for command messages written to queues.
var MessageCompression = codec.CompressionGzip

// Option changes optional queue settings.
type Option func(*settings)

type settings struct {
	logger       *zap.Logger
	measures     metric.Measures
	now          func() time.Time
	defaultLease time.Duration
}

func WithLogger(l *zap.Logger) Option { return func(s *settings) { s.logger = l } }

func WithMeasures(m metric.Measures) Option { return func(s *settings) { s.measures = m } }

// WithDefaultLease sets the lease used when Pop is given none.
func WithDefaultLease(d time.Duration) Option { return func(s *settings) { s.defaultLease = d } }

func WithClock(now func() time.Time) Option { return func(s *settings) { s.now = now } }

func newSettings(defaultLease time.Duration, opts []Option) settings {
	s := settings{logger: zap.NewNop(), now: time.Now, defaultLease: defaultLease}
	for _, o := range opts {
		o(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.defaultLease <= 0 {
		s.defaultLease = defaultLease
	}
	return s
}

func (s settings) countPop(storage model.StorageType, n int, err error) {
	if s.measures.CommandPops == nil {
		return
	}
	outcome := metric.SuccessOutcome
	switch {
	case err != nil:
		outcome = metric.FailureOutcome
	case n == 0:
		outcome = metric.EmptyOutcome
	}
	s.measures.CommandPops.With(prometheus.Labels{
		metric.StorageLabel: storage.String(),
		metric.OutcomeLabel: outcome,
	}).Inc()
}

func checkMoniker(want, got string) error {
	if want != got {
		return fmt.Errorf("%w: queue for moniker %q does not work for moniker %q", ErrMonikerMismatch, want, got)
	}
	return nil
}

// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package workqueue spreads work items of one type across several queue
// backends. It publishes to any healthy backend and processes from all of them.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xmidt-org/courier/codec"
	"github.com/xmidt-org/courier/metric"
	"github.com/xmidt-org/courier/queue"
	"github.com/xmidt-org/courier/switches"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrMessageTooLarge is returned for a packaged payload over
	// codec.MaxMessageSize. It is never retried.
	ErrMessageTooLarge = errors.New("work item too large to publish")

	// ErrBackendsExhausted means no backend accepted a publish.
	ErrBackendsExhausted = errors.New("all queue backends exhausted")

	errNoBackends = errors.New("work queue has no backends")
)

// ExhaustedError is returned when every backend was tried or skipped.
type ExhaustedError struct {
	Tried   int
	Skipped int

	// Err is the last backend error, if any backend was tried.
	Err error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("%s: tried=%d skipped=%d", ErrBackendsExhausted, e.Tried, e.Skipped)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBackendsExhausted}
	}
	return []error{ErrBackendsExhausted, e.Err}
}

// Option changes how a Queue is built.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	measures  metric.Measures
	switches  switches.Switches
	semaphore *PrioritySemaphore
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
	between   func(lo, hi time.Duration) time.Duration
	intn      func(n int) int
}

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

func WithMeasures(m metric.Measures) Option { return func(o *options) { o.measures = m } }

func WithSwitches(s switches.Switches) Option { return func(o *options) { o.switches = s } }

// WithSemaphore shares one concurrency limit between queues.
func WithSemaphore(s *PrioritySemaphore) Option { return func(o *options) { o.semaphore = s } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithSleep replaces the wait used for backoffs and quarantine.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

// WithRandom replaces the sources of the random backoffs and the random
// publish start.
func WithRandom(between func(lo, hi time.Duration) time.Duration, intn func(n int) int) Option {
	return func(o *options) {
		if between != nil {
			o.between = between
		}
		if intn != nil {
			o.intn = intn
		}
	}
}

// Queue publishes and processes work items of type T.
type Queue[T any] struct {
	options
	config   Config
	typeName string
	backends []queue.Backend
	packager codec.Packager

	lock       sync.Mutex
	quarantine map[int]time.Time
}

// New builds a queue over backends, which all carry the same queue name.
func New[T any](backends []queue.Backend, config Config, opts ...Option) (*Queue[T], error) {
	if len(backends) == 0 {
		return nil, errNoBackends
	}
	var zero T
	typeName := codec.TypeName(zero)
	if err := validateConfig(&config, typeName); err != nil {
		return nil, err
	}
	q := &Queue[T]{
		options: options{
			logger:   zap.NewNop(),
			switches: switches.Off,
			now:      time.Now,
			sleep:    sleep,
			between:  between,
			intn:     rand.IntN,
		},
		config:     config,
		typeName:   typeName,
		backends:   backends,
		quarantine: make(map[int]time.Time),
	}
	for _, o := range opts {
		o(&q.options)
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	if q.switches == nil {
		q.switches = switches.Off
	}
	if q.semaphore == nil {
		q.semaphore = NewPrioritySemaphore(DefaultConcurrency)
	}
	q.packager = codec.Packager{Ratio: q.measures.InverseCompressionRatio}
	q.logger = q.logger.With(zap.String("queue", config.QueueName), zap.String("workItemType", typeName))
	return q, nil
}

func (q *Queue[T]) Config() Config { return q.config }

func (q *Queue[T]) Backends() []queue.Backend { return q.backends }

// ExceptionBackoff is a uniform random duration between the configured
// minimum and maximum exception backoff.
func (q *Queue[T]) ExceptionBackoff() time.Duration {
	return q.between(q.config.MinExceptionBackoff, q.config.MaxExceptionBackoff)
}

// Publish sends item to one backend, hidden for visibilityDelay.
func (q *Queue[T]) Publish(ctx context.Context, item T, visibilityDelay time.Duration) error {
	body, err := q.packager.Package(item)
	if err != nil {
		return err
	}
	return q.publishBytes(ctx, body, visibilityDelay)
}

// publishBytes tries each backend once, round robin from a random start.
func (q *Queue[T]) publishBytes(ctx context.Context, body []byte, delay time.Duration) error {
	if len(body) > codec.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(body))
	}

	var (
		n       = len(q.backends)
		start   = q.intn(n)
		tried   int
		skipped int
		lastErr error
	)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		b := q.backends[idx]
		if q.quarantined(idx) || q.switches.PublishingDisabled(b.AccountName()) {
			skipped++
			continue
		}
		tried++
		err := b.EnsureExists(ctx)
		if err == nil {
			err = b.AddMessage(ctx, body, delay, q.config.MessageTTL)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		q.logger.Error("error adding message to queue",
			zap.String("account", b.AccountName()), zap.Int("size", len(body)), zap.Error(err))
		q.quarantineBackend(idx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	q.logger.Error("all queue backends unavailable, waiting for quarantine to lapse",
		zap.Int("tried", tried), zap.Int("skipped", skipped))
	if err := q.sleep(ctx, maxQuarantine); err != nil {
		return err
	}
	return &ExhaustedError{Tried: tried, Skipped: skipped, Err: lastErr}
}

func (q *Queue[T]) quarantined(idx int) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	until, ok := q.quarantine[idx]
	if !ok {
		return false
	}
	if !q.now().Before(until) {
		delete(q.quarantine, idx)
		return false
	}
	return true
}

func (q *Queue[T]) quarantineBackend(idx int) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if until, ok := q.quarantine[idx]; ok && q.now().Before(until) {
		return
	}
	q.quarantine[idx] = q.now().Add(q.between(minQuarantine, maxQuarantine))
	if q.measures.BackendQuarantined != nil {
		b := q.backends[idx]
		q.measures.BackendQuarantined.With(prometheus.Labels{
			metric.AccountLabel: b.AccountName(),
			metric.QueueLabel:   b.QueueName(),
		}).Inc()
	}
}

// PublishWithSplit publishes build(items), halving items until each part
// fits in one message or holds a single item. Each part has a position in a
// binary tree: the root is 0 and the children of n are 2n+1 and 2n+2.
// delayFor, when set, gives the visibility delay for a position.
func PublishWithSplit[T, I any](ctx context.Context, q *Queue[T], items []I, build func([]I) T, delayFor func(position int) time.Duration) error {
	return publishSplit(ctx, q, 0, items, build, delayFor)
}

func publishSplit[T, I any](ctx context.Context, q *Queue[T], position int, items []I, build func([]I) T, delayFor func(int) time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	body, err := q.packager.Package(build(items))
	if err != nil {
		return err
	}
	var delay time.Duration
	if delayFor != nil {
		delay = delayFor(position)
	}
	if len(items) == 1 || len(body) <= codec.MaxMessageSize {
		return q.publishBytes(ctx, body, delay)
	}

	left := len(items) / 2
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return publishSplit(ctx, q, 2*position+1, items[:left:left], build, delayFor)
	})
	g.Go(func() error {
		return publishSplit(ctx, q, 2*position+2, items[left:], build, delayFor)
	})
	return g.Wait()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

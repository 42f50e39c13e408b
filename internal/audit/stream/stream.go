// Package stream fans committed audit entries out to the downstream
// consumers (risk scoring, correlator, aggregation). Each consumer keeps its
// own cursor and sees every entry at least once, in sequence order; consumer
// processing must therefore be idempotent keyed by sequence id.
package stream

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"vigil/internal/audit"
	"vigil/internal/platform/metrics"
)

// Consumer processes one committed entry. Returning an error means the entry
// is retried with backoff; the cursor does not advance past a failing entry.
type Consumer interface {
	Name() string
	Process(ctx context.Context, entry audit.Entry) error
}

// Dispatcher polls the log on behalf of registered consumers. A Wake call
// (wired to the ingest service's notify hook) short-circuits the poll
// interval so consumers run close to real time without embedding timers in
// business logic.
type Dispatcher struct {
	log       audit.LogStore
	logger    *slog.Logger
	metrics   *metrics.Metrics
	consumers []Consumer

	pollInterval time.Duration
	batchSize    int
	retryBackoff time.Duration

	// one wake channel per consumer so a single Wake reaches all loops
	wakes []chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger injects the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics injects the Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithPollInterval overrides the fallback poll interval.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithBatchSize overrides how many entries are read per poll.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithRetryBackoff overrides the delay before retrying a failed entry.
func WithRetryBackoff(backoff time.Duration) Option {
	return func(d *Dispatcher) {
		if backoff > 0 {
			d.retryBackoff = backoff
		}
	}
}

// NewDispatcher creates a dispatcher over the given log.
func NewDispatcher(log audit.LogStore, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:          log,
		pollInterval: time.Second,
		batchSize:    256,
		retryBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a consumer. Must be called before Run.
func (d *Dispatcher) Register(c Consumer) {
	d.consumers = append(d.consumers, c)
	d.wakes = append(d.wakes, make(chan struct{}, 1))
}

// Wake nudges all consumer loops to poll immediately.
func (d *Dispatcher) Wake() {
	for _, wake := range d.wakes {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Run drives one goroutine per consumer until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, c := range d.consumers {
		i, c := i, c
		g.Go(func() error {
			return d.runConsumer(ctx, c, d.wakes[i])
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runConsumer(ctx context.Context, c Consumer, wake <-chan struct{}) error {
	var cursor audit.Seq

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		advanced, err := d.drain(ctx, c, &cursor)
		if err != nil {
			return err
		}
		if advanced {
			// More entries may already be committed; poll again right away.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

// drain processes every committed entry past the cursor. A failing entry is
// retried with backoff without advancing the cursor, giving at-least-once
// delivery.
func (d *Dispatcher) drain(ctx context.Context, c Consumer, cursor *audit.Seq) (bool, error) {
	entries, err := d.log.ReadFrom(ctx, *cursor, d.batchSize)
	if err != nil {
		if d.logger != nil {
			d.logger.WarnContext(ctx, "failed to read log for consumer",
				"consumer", c.Name(), "cursor", uint64(*cursor), "error", err)
		}
		return false, sleepOrDone(ctx, d.retryBackoff)
	}
	if len(entries) == 0 {
		d.reportLag(ctx, c, *cursor)
		return false, nil
	}

	for _, entry := range entries {
		for {
			if err := c.Process(ctx, entry); err == nil {
				break
			} else {
				if d.metrics != nil {
					d.metrics.ConsumerRetries.WithLabelValues(c.Name()).Inc()
				}
				if d.logger != nil {
					d.logger.WarnContext(ctx, "consumer failed to process entry, retrying",
						"consumer", c.Name(), "seq", uint64(entry.Seq), "error", err)
				}
				if err := sleepOrDone(ctx, d.retryBackoff); err != nil {
					return false, err
				}
			}
		}
		*cursor = entry.Seq
	}
	d.reportLag(ctx, c, *cursor)
	return true, nil
}

func (d *Dispatcher) reportLag(ctx context.Context, c Consumer, cursor audit.Seq) {
	if d.metrics == nil {
		return
	}
	head, err := d.log.Head(ctx)
	if err != nil {
		return
	}
	d.metrics.ConsumerLag.WithLabelValues(c.Name()).Set(float64(head - cursor))
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

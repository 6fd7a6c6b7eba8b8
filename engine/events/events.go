// Package events publishes committed graph changes to NATS so presentation
// and export collaborators can refresh without polling the store.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
	"github.com/WessleyAI/safetygraph/pkg/fn"
	"github.com/WessleyAI/safetygraph/pkg/metrics"
	"github.com/WessleyAI/safetygraph/pkg/natsutil"
	"github.com/WessleyAI/safetygraph/pkg/resilience"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultPrefix roots every subject.
const DefaultPrefix = "safetygraph"

// ChangeEvent is the payload of one published change.
type ChangeEvent struct {
	Revision uint64      `json:"revision"`
	Kind     domain.Kind `json:"kind,omitempty"`
	ID       string      `json:"id,omitempty"`
	Op       graph.Op    `json:"op,omitempty"`
	Full     bool        `json:"full,omitempty"`
	At       time.Time   `json:"at"`
}

// Subject returns prefix.kind.op, or prefix.recomputed for a full pass.
func Subject(prefix string, ev ChangeEvent) string {
	if ev.Full && ev.ID == "" {
		return prefix + ".recomputed"
	}
	return fmt.Sprintf("%s.%s.%s", prefix, ev.Kind, ev.Op)
}

// Publisher sends one event.
type Publisher interface {
	Publish(ctx context.Context, subject string, ev ChangeEvent) error
}

// NATSPublisher publishes JSON events on a NATS connection.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher wraps nc.
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher { return &NATSPublisher{nc: nc} }

func (p *NATSPublisher) Publish(ctx context.Context, subject string, ev ChangeEvent) error {
	return natsutil.Publish(ctx, p.nc, subject, ev)
}

// Listen delivers events published under prefix to handler. Undecodable
// messages are logged and skipped.
func Listen(nc *nats.Conn, prefix string, logger *slog.Logger, handler func(context.Context, ChangeEvent)) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, prefix+".>", handler, func(subject string, err error) {
		logger.Warn("undecodable change event", "subject", subject, "err", err)
	})
}

// Options tunes a Bridge.
type Options struct {
	Prefix    string
	QueueSize int
	Limiter   resilience.LimiterOpts
	Retry     fn.RetryOpts
}

// DefaultOptions returns the bridge defaults.
func DefaultOptions() Options {
	return Options{
		Prefix:    DefaultPrefix,
		QueueSize: 256,
		Limiter:   resilience.LimiterOpts{Rate: 500, Burst: 50},
		Retry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 100 * time.Millisecond,
			MaxWait:     2 * time.Second,
			Jitter:      true,
		},
	}
}

// Bridge queues committed change sets and publishes them in commit order.
// Commits never block on the broker: when the queue is full the change set is
// dropped and counted.
type Bridge struct {
	pub     Publisher
	opts    Options
	limiter *resilience.Limiter
	queue   chan graph.ChangeSet
	logger  *slog.Logger

	published *prometheus.CounterVec
	dropped   prometheus.Counter
}

// NewBridge creates a bridge. reg may be nil.
func NewBridge(pub Publisher, opts Options, reg *metrics.Registry, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultOptions()
	if opts.Prefix == "" {
		opts.Prefix = d.Prefix
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = d.QueueSize
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = d.Retry
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = retryable
	}
	b := &Bridge{
		pub:     pub,
		opts:    opts,
		limiter: resilience.NewLimiter(opts.Limiter),
		queue:   make(chan graph.ChangeSet, opts.QueueSize),
		logger:  logger,
	}
	if reg != nil {
		b.published = reg.Counter("events_published_total", "Change events published by result.", "result")
		b.dropped = reg.Counter("events_dropped_total", "Change sets dropped because the queue was full.").WithLabelValues()
	}
	return b
}

// retryable rejects errors a retry cannot fix.
func retryable(err error) bool {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrMaxPayload), errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Attach subscribes the bridge to store commits.
func (b *Bridge) Attach(store *graph.Store) (cancel func()) {
	return store.Subscribe(b.Enqueue)
}

// Enqueue queues cs without blocking.
func (b *Bridge) Enqueue(cs graph.ChangeSet) {
	select {
	case b.queue <- cs:
	default:
		if b.dropped != nil {
			b.dropped.Inc()
		}
		b.logger.Warn("change set dropped", "revision", cs.Revision, "changes", len(cs.Changes))
	}
}

// Events expands a change set into its published events.
func Events(cs graph.ChangeSet) []ChangeEvent {
	if cs.Full && len(cs.Changes) == 0 {
		return []ChangeEvent{{Revision: cs.Revision, Full: true, At: cs.At}}
	}
	out := make([]ChangeEvent, 0, len(cs.Changes))
	for _, c := range cs.Changes {
		out = append(out, ChangeEvent{Revision: cs.Revision, Kind: c.Kind, ID: c.ID, Op: c.Op, Full: cs.Full, At: cs.At})
	}
	return out
}

// Run publishes queued change sets until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cs := <-b.queue:
			for _, ev := range Events(cs) {
				if err := b.publish(ctx, ev); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					b.logger.Error("publish failed", "revision", ev.Revision, "id", ev.ID, "err", err)
				}
			}
		}
	}
}

// Flush publishes whatever is queued and returns.
func (b *Bridge) Flush(ctx context.Context) error {
	var errs []error
	for {
		select {
		case cs := <-b.queue:
			for _, ev := range Events(cs) {
				if err := b.publish(ctx, ev); err != nil {
					errs = append(errs, err)
				}
			}
		default:
			return errors.Join(errs...)
		}
	}
}

func (b *Bridge) publish(ctx context.Context, ev ChangeEvent) error {
	subject := Subject(b.opts.Prefix, ev)
	opts := b.opts.Retry
	opts.OnRetry = func(attempt int, err error) {
		b.logger.Debug("retrying publish", "subject", subject, "attempt", attempt, "err", err)
	}
	r := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[fn.Void] {
		err := b.limiter.Do(ctx, func(ctx context.Context) error {
			return b.pub.Publish(ctx, subject, ev)
		})
		return fn.Check(err)
	})
	result := "ok"
	if r.IsErr() {
		result = "error"
	}
	if b.published != nil {
		b.published.WithLabelValues(result).Inc()
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	return nil
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tripwire/fim/internal/alert"
	"github.com/tripwire/fim/internal/metrics"
	"github.com/tripwire/fim/internal/queue"
)

// Outbox defaults.
const (
	DefaultRedeliverInterval = 10 * time.Second
	DefaultMaxBackoff        = 5 * time.Minute
	redeliverBatch           = 50
)

// Queue is the persistent store behind an Outbox. *queue.SQLiteQueue
// implements it.
type Queue interface {
	Enqueue(ctx context.Context, channel string, a alert.Alert) error
	Dequeue(ctx context.Context, after int64, n int) ([]queue.Pending, error)
	Ack(ctx context.Context, seqs []int64) error
	Attempt(ctx context.Context, seqs []int64) error
	Depth() int
}

// Outbox delivers to a set of named channels with durable retry. An alert a
// channel rejects is queued under that channel's name and redelivered by
// Run, oldest first, to that channel only; channels that accepted it are
// not sent it again.
//
// Send still reports the original failure, so the pipeline records the
// notification failure and prints its fallback line even though the alert
// will be retried.
type Outbox struct {
	targets map[string]alert.Channel
	order   []string
	queue   Queue
	logger  *slog.Logger

	metrics    *metrics.Metrics
	interval   time.Duration
	maxBackoff time.Duration
}

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithOutboxMetrics publishes the queue depth to m.
func WithOutboxMetrics(m *metrics.Metrics) OutboxOption {
	return func(o *Outbox) { o.metrics = m }
}

// WithRedeliverInterval sets the pause between redelivery rounds and the
// initial backoff after a failed round.
func WithRedeliverInterval(d time.Duration) OutboxOption {
	return func(o *Outbox) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithMaxBackoff caps the delay between failed redelivery rounds.
func WithMaxBackoff(d time.Duration) OutboxOption {
	return func(o *Outbox) {
		if d > 0 {
			o.maxBackoff = d
		}
	}
}

// NewOutbox returns an Outbox delivering to every channel in targets and
// persisting each failed delivery to q. Channel names must be unique and
// stable across restarts, since queued rows are routed by name.
func NewOutbox(targets Multi, q Queue, logger *slog.Logger, opts ...OutboxOption) *Outbox {
	o := &Outbox{
		targets:    make(map[string]alert.Channel, len(targets)),
		queue:      q,
		logger:     logger,
		interval:   DefaultRedeliverInterval,
		maxBackoff: DefaultMaxBackoff,
	}
	for _, t := range targets {
		if _, dup := o.targets[t.Name]; !dup {
			o.order = append(o.order, t.Name)
		}
		o.targets[t.Name] = t.Channel
	}
	for _, opt := range opts {
		opt(o)
	}
	o.metrics.SetOutboxDepth(q.Depth())
	return o
}

// Send implements alert.Channel. Every channel is tried; each one that
// fails gets its own queued row. The error joins the channel failures.
func (o *Outbox) Send(ctx context.Context, a alert.Alert) error {
	var errs []error
	for _, name := range o.order {
		err := o.targets[name].Send(ctx, a)
		if err == nil {
			continue
		}
		err = fmt.Errorf("%s: %w", name, err)
		// The caller's deadline may be what failed the send; persisting
		// must not be cut short by it.
		if qerr := o.queue.Enqueue(context.WithoutCancel(ctx), name, a); qerr != nil {
			errs = append(errs, err, fmt.Errorf("notify: outbox: %w", qerr))
			continue
		}
		o.logger.Warn("notify: delivery failed, alert queued for redelivery",
			slog.String("alert_id", a.ID),
			slog.String("channel", name),
			slog.Int("outbox_depth", o.queue.Depth()),
			slog.Any("error", err),
		)
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		o.metrics.SetOutboxDepth(o.queue.Depth())
	}
	return errors.Join(errs...)
}

// Run redelivers queued alerts until ctx is cancelled. After a failed round
// the pause grows exponentially up to the maximum backoff; a successful
// round resets it.
func (o *Outbox) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.interval
	b.MaxInterval = o.maxBackoff
	b.MaxElapsedTime = 0 // retry indefinitely
	b.Reset()

	wait := o.interval
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		n, err := o.Flush(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			wait = b.NextBackOff()
			o.logger.Warn("notify: outbox redelivery failed",
				slog.Int("delivered", n),
				slog.Int("pending", o.queue.Depth()),
				slog.Duration("retry_after", wait),
				slog.Any("error", err),
			)
			continue
		}
		b.Reset()
		wait = o.interval
		if n > 0 {
			o.logger.Info("notify: outbox redelivered alerts", slog.Int("delivered", n))
		}
	}
}

// Flush attempts every queued row once, oldest first, and returns how many
// were delivered. A channel that fails is skipped for the rest of the round
// so its rows stay in order; the other channels carry on. Rows for a
// channel that is no longer configured are logged and acknowledged.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	delivered := 0
	defer func() { o.metrics.SetOutboxDepth(o.queue.Depth()) }()

	var (
		after int64
		errs  []error
	)
	failed := make(map[string]bool)
	for {
		pending, err := o.queue.Dequeue(ctx, after, redeliverBatch)
		if err != nil {
			return delivered, errors.Join(append(errs, err)...)
		}
		if len(pending) == 0 {
			return delivered, errors.Join(errs...)
		}
		for _, p := range pending {
			after = p.Seq
			if failed[p.Channel] {
				continue
			}
			ch, ok := o.targets[p.Channel]
			if !ok {
				o.logger.Warn("notify: outbox row for unknown channel discarded",
					slog.String("alert_id", p.Alert.ID),
					slog.String("channel", p.Channel),
				)
				if err := o.queue.Ack(ctx, []int64{p.Seq}); err != nil {
					return delivered, errors.Join(append(errs, err)...)
				}
				continue
			}
			if err := ch.Send(ctx, p.Alert); err != nil {
				failed[p.Channel] = true
				if aerr := o.queue.Attempt(ctx, []int64{p.Seq}); aerr != nil {
					err = errors.Join(err, aerr)
				}
				errs = append(errs, fmt.Errorf("notify: redeliver %s to %s: %w", p.Alert.ID, p.Channel, err))
				continue
			}
			if err := o.queue.Ack(ctx, []int64{p.Seq}); err != nil {
				return delivered, errors.Join(append(errs, err)...)
			}
			delivered++
		}
	}
}

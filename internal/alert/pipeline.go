package alert

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/fim/internal/clock"
	"github.com/tripwire/fim/internal/metrics"
)

// DefaultNotifyTimeout bounds a single Channel.Send call.
const DefaultNotifyTimeout = 30 * time.Second

// Refresher is notified after every recorded alert so derived state (the
// status snapshot) can be recomputed.
type Refresher interface {
	Refresh()
}

// Result is the outcome of Trigger. Alert is always recorded; DeliveryErr
// is non-nil when the notification channel failed and wraps
// ErrNotificationFailure.
type Result struct {
	Alert       Alert
	DeliveryErr error
}

// Pipeline raises alerts for confirmed violations.
type Pipeline struct {
	history *History
	logger  *slog.Logger

	channel       Channel
	status        Refresher
	clock         clock.Clock
	metrics       *metrics.Metrics
	notifyTimeout time.Duration

	fallbackMu sync.Mutex
	fallback   io.Writer
}

// Option is a functional option for Pipeline construction.
type Option func(*Pipeline)

// WithChannel sets the notification channel. Without one, alerts are only
// logged and recorded.
func WithChannel(c Channel) Option {
	return func(p *Pipeline) { p.channel = c }
}

// WithStatus registers the component refreshed after each alert.
func WithStatus(r Refresher) Option {
	return func(p *Pipeline) { p.status = r }
}

// WithClock overrides the clock used to timestamp alerts.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithMetrics records violation and delivery-failure counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithNotifyTimeout bounds each Channel.Send call.
func WithNotifyTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.notifyTimeout = d
		}
	}
}

// WithFallback sets where alerts are printed when delivery fails. Defaults
// to os.Stdout.
func WithFallback(w io.Writer) Option {
	return func(p *Pipeline) { p.fallback = w }
}

// NewPipeline returns a Pipeline that records alerts into history.
func NewPipeline(history *History, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		history:       history,
		logger:        logger,
		clock:         clock.System{},
		notifyTimeout: DefaultNotifyTimeout,
		fallback:      os.Stdout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// History returns the history alerts are recorded into.
func (p *Pipeline) History() *History { return p.history }

// Trigger raises one alert. The steps run in order and each runs whatever
// the outcome of the previous one: a warning is logged, the alert is sent
// on the channel, it is appended to the history, and the status is
// refreshed. A delivery failure is logged, printed to the fallback writer,
// and returned in Result.
func (p *Pipeline) Trigger(ctx context.Context, category Category, fullPath, relPath string) Result {
	a := Alert{
		ID:        uuid.NewString(),
		Timestamp: p.clock.Now(),
		Category:  category,
		FileName:  filepath.Base(fullPath),
		FullPath:  fullPath,
		RelPath:   relPath,
		Details:   category.Details(),
	}

	p.logger.Warn("alert: "+a.Title(),
		slog.String("alert_id", a.ID),
		slog.String("category", string(a.Category)),
		slog.String("path", a.FullPath),
		slog.String("rel_path", a.RelPath),
		slog.String("details", a.Details),
	)
	p.metrics.Violation(string(category))

	res := Result{Alert: a}
	if err := p.deliver(ctx, a); err != nil {
		res.DeliveryErr = fmt.Errorf("alert %s: %w: %w", a.ID, ErrNotificationFailure, err)
		p.metrics.NotificationFailed()
		p.logger.Error("alert: notification failed",
			slog.String("alert_id", a.ID),
			slog.String("path", a.FullPath),
			slog.Any("error", err),
		)
		p.printFallback(a)
	}

	p.history.Append(a)

	if p.status != nil {
		p.status.Refresh()
	}
	return res
}

// deliver calls the channel with a bounded context. A panicking channel is
// reported as an ordinary delivery error.
func (p *Pipeline) deliver(ctx context.Context, a Alert) (err error) {
	if p.channel == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.notifyTimeout)
	defer cancel()
	return p.channel.Send(ctx, a)
}

func (p *Pipeline) printFallback(a Alert) {
	if p.fallback == nil {
		return
	}
	p.fallbackMu.Lock()
	defer p.fallbackMu.Unlock()
	if _, err := fmt.Fprintf(p.fallback, "ALERT: %s - %s - %s\n", a.Title(), a.FullPath, a.Details); err != nil {
		p.logger.Error("alert: fallback print failed", slog.Any("error", err))
	}
}

// Package engine contains the integrity monitor orchestrator. It reads raw
// events from a watch source, classifies them against the active baseline on
// a pool of workers, and raises alerts through the alert pipeline.
//
// Events for one path are always handled by the same worker, in arrival
// order. Intake blocks on a full worker queue for at most the configured
// enqueue timeout; an event still unqueued after that is dropped, logged at
// error level and counted in fim_events_dropped_total.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/fim/internal/alert"
	"github.com/tripwire/fim/internal/baseline"
	"github.com/tripwire/fim/internal/classifier"
	"github.com/tripwire/fim/internal/clock"
	"github.com/tripwire/fim/internal/config"
	"github.com/tripwire/fim/internal/event"
	"github.com/tripwire/fim/internal/hasher"
	"github.com/tripwire/fim/internal/metrics"
	"github.com/tripwire/fim/internal/status"
)

// ErrDrainTimeout is returned by Stop when in-flight work did not finish
// within the drain timeout. Remaining notifications are cancelled.
var ErrDrainTimeout = errors.New("engine: drain timeout exceeded")

// WatchSource produces raw events for a directory tree, recursively, until
// stopped. A source is started at most once.
type WatchSource interface {
	// Start begins watching. It returns an error if the source cannot be
	// initialised; this is the only failure that stops the engine.
	Start(ctx context.Context) error
	// Stop ends watching, closes the Events channel and releases
	// resources. Events already buffered stay readable. It blocks until
	// internal goroutines have exited and is safe to call more than once.
	Stop()
	// Events returns the channel events are delivered on.
	Events() <-chan event.Raw
}

// Engine is the central orchestrator of the integrity monitor.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	source   WatchSource
	channel  alert.Channel
	clock    clock.Clock
	hasher   hasher.Hasher
	metrics  *metrics.Metrics
	fallback io.Writer
	preload  *baseline.Store

	active     atomic.Pointer[baseline.Store]
	history    *alert.History
	status     *status.Aggregator
	pipeline   *alert.Pipeline
	classifier *classifier.Classifier

	shards     []chan event.Raw
	workers    sync.WaitGroup
	intakeDone chan struct{}
	stopIntake chan struct{}
	cancelWork context.CancelFunc

	mu        sync.Mutex
	running   bool
	startTime time.Time
}

// Option is a functional option for Engine construction.
type Option func(*Engine)

// WithSource registers the watch source.
func WithSource(s WatchSource) Option {
	return func(e *Engine) { e.source = s }
}

// WithChannel registers the notification channel.
func WithChannel(c alert.Channel) Option {
	return func(e *Engine) { e.channel = c }
}

// WithClock overrides the clock used for alert and status timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithHasher overrides the digest function.
func WithHasher(h hasher.Hasher) Option {
	return func(e *Engine) { e.hasher = h }
}

// WithMetrics records engine counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithFallback sets where alerts are printed when notification fails.
func WithFallback(w io.Writer) Option {
	return func(e *Engine) { e.fallback = w }
}

// WithBaseline installs s as the initial baseline instead of loading
// cfg.BaselineFile on Start.
func WithBaseline(s *baseline.Store) Option {
	return func(e *Engine) { e.preload = s }
}

// New creates an Engine from cfg. Collaborators are supplied through
// options; without a channel alerts are only logged and recorded.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		clock:  clock.System{},
		hasher: hasher.SHA256,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.active.Store(baseline.Empty())
	if e.preload != nil {
		e.active.Store(e.preload)
	}

	e.history = alert.NewHistory(cfg.Engine.HistorySize)
	e.status = status.New(e.Baseline, e.history, e.clock)

	pipelineOpts := []alert.Option{
		alert.WithStatus(e.status),
		alert.WithClock(e.clock),
		alert.WithMetrics(e.metrics),
		alert.WithNotifyTimeout(cfg.Engine.NotifyTimeout),
	}
	if e.channel != nil {
		pipelineOpts = append(pipelineOpts, alert.WithChannel(e.channel))
	}
	if e.fallback != nil {
		pipelineOpts = append(pipelineOpts, alert.WithFallback(e.fallback))
	}
	e.pipeline = alert.NewPipeline(e.history, logger, pipelineOpts...)

	e.classifier = classifier.New(cfg.MonitorDir,
		classifier.WithHasher(e.hasher),
		classifier.WithExclude(cfg.Exclude...),
	)
	return e
}

// Start loads the baseline (unless one was supplied with WithBaseline),
// starts the workers and the watch source, and begins intake. It returns an
// error only if the engine is already running or the source fails to start.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine: already running")
	}
	if e.source == nil {
		return fmt.Errorf("engine: no watch source configured")
	}

	e.logger.Info("starting integrity engine",
		slog.String("monitor_dir", e.cfg.MonitorDir),
		slog.String("baseline_file", e.cfg.BaselineFile),
		slog.Int("workers", e.cfg.Engine.Workers),
		slog.Int("queue_size", e.cfg.Engine.QueueSize),
	)

	if e.preload == nil {
		e.loadInitialBaseline()
	} else {
		e.SwapBaseline(e.preload)
	}

	// Workers outlive ctx so that shutdown can drain them; they are only
	// cancelled when the drain timeout expires.
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancelWork = cancel

	n := e.cfg.Engine.Workers
	if n < 1 {
		n = 1
	}
	depth := e.cfg.Engine.QueueSize / n
	if depth < 1 {
		depth = 1
	}
	e.shards = make([]chan event.Raw, n)
	for i := range e.shards {
		e.shards[i] = make(chan event.Raw, depth)
		e.workers.Add(1)
		go e.work(workCtx, e.shards[i])
	}

	if err := e.source.Start(ctx); err != nil {
		e.closeShards()
		e.workers.Wait()
		cancel()
		return fmt.Errorf("engine: watch source failed to start: %w", err)
	}

	e.stopIntake = make(chan struct{})
	e.intakeDone = make(chan struct{})
	go e.intake(ctx, e.source.Events())

	e.running = true
	e.startTime = e.clock.Now()
	e.logger.Info("integrity engine started",
		slog.Int("files_tracked", e.Baseline().Len()),
	)
	return nil
}

// Stop stops the watch source, lets intake dispatch the events it had
// already buffered, and waits for queued events to be processed. If that
// takes longer than the drain timeout, events intake has not dispatched are
// dropped and counted, outstanding notifications are cancelled and
// ErrDrainTimeout is returned. Calling Stop on an engine that is not running
// is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false

	timer := time.NewTimer(e.cfg.Engine.DrainTimeout)
	defer timer.Stop()

	// The source closes its events channel; intake returns once it has
	// dispatched everything left in it.
	e.source.Stop()

	var err error
	select {
	case <-e.intakeDone:
	case <-timer.C:
		err = ErrDrainTimeout
		close(e.stopIntake)
		<-e.intakeDone
	}
	e.closeShards()

	if err == nil {
		done := make(chan struct{})
		go func() {
			e.workers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-timer.C:
			err = ErrDrainTimeout
		}
	}
	if err != nil {
		e.logger.Error("engine: drain timeout exceeded, abandoning in-flight work",
			slog.Duration("drain_timeout", e.cfg.Engine.DrainTimeout),
		)
	}
	e.cancelWork()

	e.logger.Info("integrity engine stopped")
	return err
}

// Running reports whether the engine has been started and not stopped.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) closeShards() {
	for _, q := range e.shards {
		close(q)
	}
}

// intake reads events from the source and shards them onto worker queues
// until the source closes the channel.
func (e *Engine) intake(ctx context.Context, events <-chan event.Raw) {
	defer close(e.intakeDone)

	for {
		select {
		case <-e.stopIntake:
			e.dropUndispatched(events)
			return
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.metrics.EventReceived(ev.Kind.String())
			e.dispatch(ev)
		}
	}
}

// dispatch enqueues ev on its shard, blocking for at most the enqueue
// timeout.
func (e *Engine) dispatch(ev event.Raw) {
	q := e.shards[shardFor(ev.Path, len(e.shards))]

	select {
	case q <- ev:
		e.metrics.AddQueueDepth(1)
		return
	default:
	}

	timer := time.NewTimer(e.cfg.Engine.EnqueueTimeout)
	defer timer.Stop()
	select {
	case q <- ev:
		e.metrics.AddQueueDepth(1)
	case <-timer.C:
		e.metrics.EventDropped()
		e.logger.Error("engine: worker queue full, event dropped",
			slog.String("path", ev.Path),
			slog.String("kind", ev.Kind.String()),
			slog.Duration("enqueue_timeout", e.cfg.Engine.EnqueueTimeout),
		)
	case <-e.stopIntake:
		e.dropOnShutdown(ev)
	}
}

// dropUndispatched counts every event still buffered in the stopped
// source's channel.
func (e *Engine) dropUndispatched(events <-chan event.Raw) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.metrics.EventReceived(ev.Kind.String())
			e.dropOnShutdown(ev)
		default:
			return
		}
	}
}

func (e *Engine) dropOnShutdown(ev event.Raw) {
	e.metrics.EventDropped()
	e.logger.Error("engine: drain timeout exceeded, event dropped",
		slog.String("path", ev.Path),
		slog.String("kind", ev.Kind.String()),
	)
}

func shardFor(path string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return int(h.Sum32() % uint32(n))
}

// work processes one shard until it is closed.
func (e *Engine) work(ctx context.Context, q <-chan event.Raw) {
	defer e.workers.Done()
	for ev := range q {
		e.metrics.AddQueueDepth(-1)
		e.handle(ctx, ev)
	}
}

// handle classifies one event and raises an alert for a violation. Every
// failure is contained here so that one bad event never stops a worker.
func (e *Engine) handle(ctx context.Context, ev event.Raw) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: panic while handling event",
				slog.String("path", ev.Path),
				slog.Any("panic", r),
			)
		}
	}()

	v := e.classifier.Classify(e.active.Load(), ev)
	if !v.Violation {
		e.metrics.EventIgnored(string(v.Reason))
		switch v.Reason {
		case classifier.ReasonUnreadable:
			e.metrics.HashFailed()
			e.logger.Warn("engine: cannot hash tracked file",
				slog.String("path", ev.Path),
				slog.Any("error", v.Err),
			)
		case classifier.ReasonOutsideRoot:
			e.logger.Warn("engine: event outside monitored root",
				slog.String("path", ev.Path),
				slog.Any("error", v.Err),
			)
		default:
			e.logger.Debug("engine: event ignored",
				slog.String("path", ev.Path),
				slog.String("kind", ev.Kind.String()),
				slog.String("reason", string(v.Reason)),
			)
		}
		return
	}

	e.pipeline.Trigger(ctx, alert.CategoryOf(v.Kind), ev.Path, v.RelPath)
}

// ---------------------------------------------------------------------------
// Baseline
// ---------------------------------------------------------------------------

// loadInitialBaseline loads cfg.BaselineFile. A missing or corrupt file is
// not fatal: the engine runs with an empty baseline, so every file will
// initially be reported as Created.
func (e *Engine) loadInitialBaseline() {
	s, err := baseline.Load(e.cfg.BaselineFile)
	if err != nil {
		e.logger.Error("engine: baseline unavailable, starting with empty baseline",
			slog.String("baseline_file", e.cfg.BaselineFile),
			slog.Any("error", err),
		)
		s = baseline.Empty()
	}
	e.SwapBaseline(s)
}

// ReloadBaseline re-reads cfg.BaselineFile and swaps it in. On failure the
// current baseline stays active and the error is returned.
func (e *Engine) ReloadBaseline() error {
	s, err := baseline.Load(e.cfg.BaselineFile)
	if err != nil {
		e.logger.Error("engine: baseline reload failed, keeping current baseline",
			slog.String("baseline_file", e.cfg.BaselineFile),
			slog.Any("error", err),
		)
		return err
	}
	e.SwapBaseline(s)
	return nil
}

// SwapBaseline atomically replaces the active baseline and refreshes the
// status snapshot. Events already being classified finish against the
// baseline they loaded.
func (e *Engine) SwapBaseline(s *baseline.Store) {
	if s == nil {
		s = baseline.Empty()
	}
	e.active.Store(s)
	e.metrics.BaselineSwapped(s.Len())
	e.status.Refresh()

	meta := s.Metadata()
	e.logger.Info("baseline installed",
		slog.Int("files", s.Len()),
		slog.Int("total_files", meta.TotalFiles),
		slog.Time("created", meta.CreatedAt),
	)
}

// Baseline returns the active baseline. The store is immutable.
func (e *Engine) Baseline() *baseline.Store {
	return e.active.Load()
}

// ---------------------------------------------------------------------------
// Read accessors
// ---------------------------------------------------------------------------

// Status returns the current status snapshot.
func (e *Engine) Status() status.Snapshot {
	return e.status.Snapshot()
}

// Alerts returns the recorded alerts, newest first.
func (e *Engine) Alerts() []alert.Alert {
	return e.history.Newest()
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status       string  `json:"status"`
	UptimeS      float64 `json:"uptime_s"`
	FilesTracked int     `json:"files_tracked"`
	AlertCount   int     `json:"alert_count"`
	LastAlertAt  string  `json:"last_alert_at,omitempty"`
}

// Health returns a snapshot of the current engine health state.
func (e *Engine) Health() HealthStatus {
	e.mu.Lock()
	running, started := e.running, e.startTime
	e.mu.Unlock()

	snap := e.status.Snapshot()
	h := HealthStatus{
		Status:       "stopped",
		FilesTracked: snap.FilesTracked,
		AlertCount:   snap.AlertCount,
	}
	if running {
		h.Status = "ok"
		h.UptimeS = e.clock.Now().Sub(started).Seconds()
	}
	if alerts := e.history.Newest(); len(alerts) > 0 {
		h.LastAlertAt = alerts[0].Timestamp.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the engine's
// health status as a JSON object. It answers 200 while running and 503
// otherwise.
func (e *Engine) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := e.Health()
	w.Header().Set("Content-Type", "application/json")
	if h.Status == "ok" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		e.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}

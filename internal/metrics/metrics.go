// Package metrics – Prometheus collectors for the integrity monitor.
//
// # Overview
//
// Metrics groups every counter and gauge the monitor exports. A nil *Metrics
// is valid: all recording methods are no-ops on nil, so components can take
// an optional *Metrics without guarding each call.
//
// Register the collectors once and serve them with promhttp:
//
//	m := metrics.New()
//	m.Register(prometheus.DefaultRegisterer)
//	mux.Handle("/metrics", promhttp.Handler())
//
// # Metric catalogue
//
//	fim_events_received_total{kind}         – counter: raw events read from the watch source
//	fim_events_dropped_total                – counter: events dropped after the enqueue timeout
//	fim_events_ignored_total{reason}        – counter: events classified as non-violations
//	fim_hash_failures_total                 – counter: tracked files whose digest could not be computed
//	fim_violations_total{category}          – counter: confirmed violations (alerts raised)
//	fim_notification_failures_total         – counter: alerts whose notification delivery failed
//	fim_outbox_depth                        – gauge:   alerts awaiting redelivery
//	fim_baseline_files                      – gauge:   records in the active baseline
//	fim_baseline_swaps_total                – counter: baseline replacements
//	fim_queue_depth                         – gauge:   events buffered between intake and workers
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the monitor's Prometheus collectors.
type Metrics struct {
	EventsReceived       *prometheus.CounterVec
	EventsDropped        prometheus.Counter
	EventsIgnored        *prometheus.CounterVec
	HashFailures         prometheus.Counter
	Violations           *prometheus.CounterVec
	NotificationFailures prometheus.Counter
	OutboxDepth          prometheus.Gauge
	BaselineFiles        prometheus.Gauge
	BaselineSwaps        prometheus.Counter
	QueueDepth           prometheus.Gauge
}

// New allocates the collectors. Call Register before serving them.
func New() *Metrics {
	return &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fim_events_received_total",
			Help: "Raw filesystem events read from the watch source.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fim_events_dropped_total",
			Help: "Events dropped because the worker queue stayed full past the enqueue timeout or shutdown outran the drain timeout.",
		}),
		EventsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fim_events_ignored_total",
			Help: "Events classified as non-violations, by reason.",
		}, []string{"reason"}),
		HashFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fim_hash_failures_total",
			Help: "Tracked files whose current digest could not be computed.",
		}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fim_violations_total",
			Help: "Confirmed integrity violations, by category.",
		}, []string{"category"}),
		NotificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fim_notification_failures_total",
			Help: "Alerts whose notification delivery failed.",
		}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fim_outbox_depth",
			Help: "Alerts persisted in the outbox awaiting redelivery.",
		}),
		BaselineFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fim_baseline_files",
			Help: "Records in the active baseline.",
		}),
		BaselineSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fim_baseline_swaps_total",
			Help: "Times the active baseline was replaced.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fim_queue_depth",
			Help: "Events buffered between intake and the classification workers.",
		}),
	}
}

// Register registers every collector with reg. It panics on duplicate
// registration, like prometheus.MustRegister.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.EventsReceived,
		m.EventsDropped,
		m.EventsIgnored,
		m.HashFailures,
		m.Violations,
		m.NotificationFailures,
		m.OutboxDepth,
		m.BaselineFiles,
		m.BaselineSwaps,
		m.QueueDepth,
	)
}

// EventReceived counts one raw event of the given kind.
func (m *Metrics) EventReceived(kind string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(kind).Inc()
}

// EventDropped counts one event lost to backpressure or to a shutdown
// that outran the drain timeout.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// EventIgnored counts one non-violation verdict.
func (m *Metrics) EventIgnored(reason string) {
	if m == nil {
		return
	}
	m.EventsIgnored.WithLabelValues(reason).Inc()
}

// HashFailed counts one unobtainable digest.
func (m *Metrics) HashFailed() {
	if m == nil {
		return
	}
	m.HashFailures.Inc()
}

// Violation counts one raised alert.
func (m *Metrics) Violation(category string) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(category).Inc()
}

// NotificationFailed counts one failed delivery.
func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.NotificationFailures.Inc()
}

// SetOutboxDepth records the current outbox backlog.
func (m *Metrics) SetOutboxDepth(n int) {
	if m == nil {
		return
	}
	m.OutboxDepth.Set(float64(n))
}

// BaselineSwapped records a baseline replacement holding n records.
func (m *Metrics) BaselineSwapped(n int) {
	if m == nil {
		return
	}
	m.BaselineSwaps.Inc()
	m.BaselineFiles.Set(float64(n))
}

// AddQueueDepth adjusts the buffered event gauge by delta.
func (m *Metrics) AddQueueDepth(delta int) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(float64(delta))
}

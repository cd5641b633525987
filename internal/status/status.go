// Package status maintains the read-only summary shown by the dashboard.
// The snapshot has no write path of its own: it is recomputed from the
// active baseline and the alert history whenever either changes.
package status

import (
	"sync"
	"time"

	"github.com/tripwire/fim/internal/baseline"
	"github.com/tripwire/fim/internal/clock"
)

// Snapshot is a point-in-time summary of the monitor.
type Snapshot struct {
	FilesTracked          int       `json:"files_tracked"`
	LastBaselineCreatedAt time.Time `json:"last_baseline_created_at"`
	AlertCount            int       `json:"alert_count"`
	LastUpdatedAt         time.Time `json:"last_updated_at"`
}

// BaselineSource returns the active baseline.
type BaselineSource func() *baseline.Store

// Counter reports a current count. *alert.History satisfies it.
type Counter interface {
	Len() int
}

// Aggregator recomputes and serves the Snapshot.
type Aggregator struct {
	baseline BaselineSource
	alerts   Counter
	clock    clock.Clock

	mu   sync.RWMutex
	snap Snapshot
}

// New returns an Aggregator and computes its first snapshot.
func New(b BaselineSource, alerts Counter, c clock.Clock) *Aggregator {
	if c == nil {
		c = clock.System{}
	}
	a := &Aggregator{baseline: b, alerts: alerts, clock: c}
	a.Refresh()
	return a
}

// Refresh recomputes the snapshot from its sources. The sources are read
// under the write lock so concurrent refreshes store in the order they read.
func (a *Aggregator) Refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()

	store := a.baseline()
	a.snap = Snapshot{
		FilesTracked:          store.Len(),
		LastBaselineCreatedAt: store.Metadata().CreatedAt,
		AlertCount:            a.alerts.Len(),
		LastUpdatedAt:         a.clock.Now(),
	}
}

// Snapshot returns the latest computed snapshot.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snap
}

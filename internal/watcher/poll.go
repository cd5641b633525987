package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tripwire/fim/internal/baseline"
	"github.com/tripwire/fim/internal/event"
)

// DefaultPollInterval is the frequency at which the Poller scans the tree
// for changes.
const DefaultPollInterval = 2 * time.Second

// fileState holds the stable metadata for a single path snapshot entry.
type fileState struct {
	mode    os.FileMode
	size    int64
	modTime time.Time
	isDir   bool
}

// Poller monitors a directory tree by comparing periodic snapshots. It holds
// no kernel watch handles, so it works on network filesystems and tolerates
// a root that is briefly unavailable. Changes made and reverted between two
// scans are not observed.
//
// A file is compared by size, mode and modification time only. A rewrite
// that keeps the size and mode and lands within the filesystem's mtime
// granularity (one or two seconds on some NFS and SMB mounts, FAT) is not
// reported as Modified. Use the fsnotify watcher where that matters.
type Poller struct {
	root     string
	logger   *slog.Logger
	exclude  []string
	interval time.Duration

	events chan event.Raw
	done   chan struct{}
	// ready is closed once the initial snapshot has been taken. Callers
	// (especially tests) may wait on Ready() before triggering filesystem
	// operations to avoid missed-event races.
	ready chan struct{}

	mu       sync.Mutex
	snapshot map[string]fileState
	wg       sync.WaitGroup

	// stopOnce ensures that close(done), wg.Wait(), and close(events) are
	// each called exactly once, making Stop safe to invoke multiple times.
	stopOnce sync.Once
}

// NewPoller creates a Poller for root. Passing a zero interval uses
// DefaultPollInterval.
func NewPoller(root string, logger *slog.Logger, exclude []string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		root:     root,
		logger:   logger,
		exclude:  exclude,
		interval: interval,
		events:   make(chan event.Raw, DefaultBuffer),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		snapshot: make(map[string]fileState),
	}
}

// Start checks that the root is a readable directory and begins polling in
// a background goroutine. The goroutine exits when ctx is cancelled or Stop
// is called.
func (p *Poller) Start(ctx context.Context) error {
	abs, err := filepath.Abs(p.root)
	if err != nil {
		return fmt.Errorf("poll watcher: resolve root %q: %w", p.root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("poll watcher: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("poll watcher: root %q is not a directory", abs)
	}
	p.root = abs

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop signals the poller to cease monitoring and blocks until the
// background goroutine exits. The Events channel is closed after Stop
// returns. It is safe to call Stop multiple times (idempotent).
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		close(p.events)
	})
}

// Events returns the channel raw events are delivered on.
func (p *Poller) Events() <-chan event.Raw {
	return p.events
}

// Ready returns a channel that is closed once the initial snapshot has been
// taken.
func (p *Poller) Ready() <-chan struct{} {
	return p.ready
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	// Take the initial snapshot before signalling readiness so that the very
	// first poll only emits events for changes made after Start returned.
	p.mu.Lock()
	p.snapshot = p.scan()
	p.mu.Unlock()
	close(p.ready)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			current := p.scan()
			p.diff(p.snapshot, current)
			p.snapshot = current
			p.mu.Unlock()
		}
	}
}

// scan walks the tree and returns a path→fileState snapshot. Unreadable
// subtrees are logged and left out, which the next diff reports as
// deletions of their previous contents.
func (p *Poller) scan() map[string]fileState {
	result := make(map[string]fileState)

	_ = filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			p.logger.Warn("poll watcher: cannot walk path",
				slog.String("path", path),
				slog.Any("error", err),
			)
			if d != nil && d.IsDir() && path != p.root {
				return filepath.SkipDir
			}
			return nil
		}
		if path == p.root {
			return nil
		}
		if rel, err := baseline.RelPath(p.root, path); err == nil && baseline.Excluded(p.exclude, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		result[path] = fileState{
			mode:    fi.Mode(),
			size:    fi.Size(),
			modTime: fi.ModTime(),
			isDir:   d.IsDir(),
		}
		return nil
	})

	return result
}

// diff compares an old snapshot against a new one and emits an event for
// each detected change. Paths are visited in sorted order so a parent's
// Created precedes its children's and deletions are reported deepest
// first. A directory's own modification time is not reported.
func (p *Poller) diff(old, current map[string]fileState) {
	for _, path := range sortedKeys(current) {
		cur := current[path]
		prev, existed := old[path]
		switch {
		case !existed:
			p.emit(event.Raw{Path: path, Kind: event.Created, IsDirectory: cur.isDir})
		case prev.isDir != cur.isDir:
			p.emit(event.Raw{Path: path, Kind: event.Deleted, IsDirectory: prev.isDir})
			p.emit(event.Raw{Path: path, Kind: event.Created, IsDirectory: cur.isDir})
		case cur.isDir:
		case cur.modTime != prev.modTime || cur.size != prev.size || cur.mode != prev.mode:
			p.emit(event.Raw{Path: path, Kind: event.Modified})
		}
	}

	gone := sortedKeys(old)
	for i := len(gone) - 1; i >= 0; i-- {
		path := gone[i]
		if _, ok := current[path]; !ok {
			p.emit(event.Raw{Path: path, Kind: event.Deleted, IsDirectory: old[path].isDir})
		}
	}
}

// emit delivers ev, waiting while the consumer is busy. Events are never
// dropped here; backpressure is applied by the engine.
func (p *Poller) emit(ev event.Raw) {
	select {
	case p.events <- ev:
		p.logger.Debug("poll watcher: event emitted",
			slog.String("path", ev.Path),
			slog.String("kind", ev.Kind.String()),
		)
	case <-p.done:
	}
}

func sortedKeys(m map[string]fileState) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tripwire/fim/internal/baseline"
	"github.com/tripwire/fim/internal/event"
)

// FSNotify watches a directory tree through the kernel notification API
// (inotify, kqueue, ReadDirectoryChangesW). fsnotify watches single
// directories, so FSNotify adds a watch for every directory under the root
// and for every directory created later.
//
// Event mapping:
//
//	Create          → Created (new directories are also scanned, so files
//	                  written before their watch was added are reported)
//	Write, Chmod    → Modified
//	Remove, Rename  → Deleted (the new name of a rename arrives as Create)
type FSNotify struct {
	root    string
	logger  *slog.Logger
	exclude []string

	events chan event.Raw
	done   chan struct{}
	ready  chan struct{}

	w *fsnotify.Watcher

	mu   sync.Mutex
	dirs map[string]bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewFSNotify returns an FSNotify source for root. Directories matching
// exclude (see baseline.Excluded) are not watched.
func NewFSNotify(root string, logger *slog.Logger, exclude []string) *FSNotify {
	return &FSNotify{
		root:    root,
		logger:  logger,
		exclude: exclude,
		events:  make(chan event.Raw, DefaultBuffer),
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
		dirs:    make(map[string]bool),
	}
}

// Start adds watches for the whole tree and begins delivering events. It
// fails if the root cannot be watched.
func (f *FSNotify) Start(ctx context.Context) error {
	abs, err := filepath.Abs(f.root)
	if err != nil {
		return fmt.Errorf("fsnotify watcher: resolve root %q: %w", f.root, err)
	}
	f.root = abs

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify watcher: %w", err)
	}
	f.w = w

	if err := w.Add(abs); err != nil {
		_ = w.Close()
		return fmt.Errorf("fsnotify watcher: watch root %q: %w", abs, err)
	}
	f.mu.Lock()
	f.dirs[abs] = true
	f.mu.Unlock()
	f.addTree(abs, false)

	f.wg.Add(1)
	go f.run(ctx)
	close(f.ready)

	f.logger.Info("fsnotify watcher: started",
		slog.String("root", abs),
		slog.Int("directories", f.watchedDirs()),
	)
	return nil
}

// Stop closes the kernel watches and blocks until the delivery goroutine
// exits. The Events channel is closed after Stop returns. It is safe to call
// Stop multiple times.
func (f *FSNotify) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
		if f.w != nil {
			_ = f.w.Close()
		}
		f.wg.Wait()
		close(f.events)
	})
}

// Events returns the channel raw events are delivered on.
func (f *FSNotify) Events() <-chan event.Raw {
	return f.events
}

// Ready returns a channel that is closed once the initial watches have been
// added.
func (f *FSNotify) Ready() <-chan struct{} {
	return f.ready
}

func (f *FSNotify) run(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case <-f.done:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-f.w.Events:
			if !ok {
				return
			}
			f.handle(ev)
		case err, ok := <-f.w.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				f.logger.Error("fsnotify watcher: kernel event queue overflowed, events were lost",
					slog.Any("error", err),
				)
				continue
			}
			f.logger.Warn("fsnotify watcher: error", slog.Any("error", err))
		}
	}
}

func (f *FSNotify) handle(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(path)
		isDir := err == nil && info.IsDir()
		f.emit(event.Raw{Path: path, Kind: event.Created, IsDirectory: isDir})
		if isDir && !f.excluded(path) {
			f.addWatch(path)
			f.addTree(path, true)
		}

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		isDir := f.forget(path)
		f.emit(event.Raw{Path: path, Kind: event.Deleted, IsDirectory: isDir})

	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		f.mu.Lock()
		isDir := f.dirs[path]
		f.mu.Unlock()
		f.emit(event.Raw{Path: path, Kind: event.Modified, IsDirectory: isDir})
	}
}

// addTree watches every directory below dir. When announce is set, each
// entry found is also emitted as Created: it appeared together with a new
// directory, before that directory was being watched.
func (f *FSNotify) addTree(dir string, announce bool) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			f.logger.Warn("fsnotify watcher: cannot walk path",
				slog.String("path", p),
				slog.Any("error", err),
			)
			if d != nil && d.IsDir() && p != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if p == dir {
			return nil
		}
		if d.IsDir() {
			if f.excluded(p) {
				return filepath.SkipDir
			}
			f.addWatch(p)
		}
		if announce {
			f.emit(event.Raw{Path: p, Kind: event.Created, IsDirectory: d.IsDir()})
		}
		return nil
	})
}

func (f *FSNotify) addWatch(dir string) {
	f.mu.Lock()
	seen := f.dirs[dir]
	f.dirs[dir] = true
	f.mu.Unlock()
	if seen {
		return
	}
	if err := f.w.Add(dir); err != nil {
		f.logger.Warn("fsnotify watcher: cannot watch directory",
			slog.String("path", dir),
			slog.Any("error", err),
		)
	}
}

// forget drops path and everything below it from the directory set and
// reports whether path was a watched directory. The kernel removes the
// watches of deleted directories itself.
func (f *FSNotify) forget(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	wasDir := f.dirs[path]
	if !wasDir {
		return false
	}
	prefix := path + string(filepath.Separator)
	for d := range f.dirs {
		if d == path || strings.HasPrefix(d, prefix) {
			delete(f.dirs, d)
		}
	}
	return true
}

func (f *FSNotify) watchedDirs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dirs)
}

func (f *FSNotify) excluded(p string) bool {
	rel, err := baseline.RelPath(f.root, p)
	if err != nil {
		return false
	}
	return baseline.Excluded(f.exclude, rel)
}

// emit delivers ev, waiting while the consumer is busy. Events are never
// dropped here; backpressure is applied by the engine.
func (f *FSNotify) emit(ev event.Raw) {
	select {
	case f.events <- ev:
	case <-f.done:
	}
}

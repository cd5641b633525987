// Package watcher provides the watch sources that feed raw filesystem
// events to the integrity engine. Both sources watch a directory tree
// recursively and implement engine.WatchSource.
//
// FSNotify uses kernel notifications and is the default. Poller compares
// periodic snapshots of the tree and is meant for filesystems that do not
// deliver notifications, such as NFS and SMB mounts.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tripwire/fim/internal/event"
)

// DefaultBuffer is the capacity of each source's Events channel.
const DefaultBuffer = 256

// Mode names accepted by New.
const (
	ModeFSNotify = "fsnotify"
	ModePoll     = "poll"
)

// Source is implemented by FSNotify and Poller.
type Source interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan event.Raw
	// Ready is closed once the source is observing the tree.
	Ready() <-chan struct{}
}

// New returns the source selected by mode.
func New(mode, root string, logger *slog.Logger, exclude []string, pollInterval time.Duration) (Source, error) {
	switch mode {
	case ModeFSNotify, "":
		return NewFSNotify(root, logger, exclude), nil
	case ModePoll:
		return NewPoller(root, logger, exclude, pollInterval), nil
	default:
		return nil, fmt.Errorf("watcher: unknown mode %q", mode)
	}
}

package baseline

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/tripwire/fim/internal/clock"
	"github.com/tripwire/fim/internal/event"
	"github.com/tripwire/fim/internal/hasher"
)

// Options configures Build.
type Options struct {
	// Hasher computes file digests. Defaults to hasher.SHA256.
	Hasher hasher.Hasher
	// Exclude lists path.Match patterns; matching files and directories
	// are not recorded (see Excluded).
	Exclude []string
	// Logger receives per-file skip warnings. Defaults to slog.Default().
	Logger *slog.Logger
	// Clock stamps Metadata.CreatedAt. Defaults to the system clock.
	Clock clock.Clock
	// OnSkip, when set, is called for every regular file that could not be
	// recorded.
	OnSkip func(rel string, err error)
}

func (o *Options) defaults() {
	if o.Hasher == nil {
		o.Hasher = hasher.SHA256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
}

// Build walks root recursively and records every regular file. Files that
// cannot be hashed or stat'ed are logged and left out, so a later Created
// event for them will be reported as a violation. Metadata.TotalFiles is the
// number of records actually inserted.
func Build(ctx context.Context, root string, opts Options) (*Store, error) {
	opts.defaults()

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("baseline: resolve root %q: %w", root, err)
	}

	var records []FileRecord
	walkErr := filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == absRoot {
				return err
			}
			opts.Logger.Warn("baseline: cannot walk path",
				slog.String("path", p),
				slog.Any("error", err),
			)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == absRoot {
			return nil
		}

		rel, err := RelPath(absRoot, p)
		if err != nil {
			return nil
		}
		if Excluded(opts.Exclude, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rec, err := record(opts.Hasher, p, rel, d)
		if err != nil {
			opts.Logger.Warn("baseline: skipping file",
				slog.String("path", p),
				slog.Any("error", err),
			)
			if opts.OnSkip != nil {
				opts.OnSkip(rel, err)
			}
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("baseline: walk %q: %w", absRoot, walkErr)
	}

	meta := Metadata{
		CreatedAt:     opts.Clock.Now(),
		RootDirectory: absRoot,
		TotalFiles:    len(records),
	}
	return New(meta, records)
}

func record(h hasher.Hasher, p, rel string, d fs.DirEntry) (FileRecord, error) {
	digest, err := h.Hash(p)
	if err != nil {
		return FileRecord{}, err
	}
	info, err := d.Info()
	if err != nil {
		return FileRecord{}, fmt.Errorf("baseline: stat %q: %w", p, err)
	}
	return FileRecord{
		RelativePath: rel,
		Digest:       digest,
		Size:         info.Size(),
		ModifiedAt:   info.ModTime(),
		Permissions:  PermissionString(info.Mode()),
	}, nil
}

// PermissionString renders the permission and special bits of mode as a
// four-digit octal string, the same value as the last four digits of the
// POSIX st_mode.
func PermissionString(mode fs.FileMode) string {
	bits := uint32(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		bits |= 0o4000
	}
	if mode&fs.ModeSetgid != 0 {
		bits |= 0o2000
	}
	if mode&fs.ModeSticky != 0 {
		bits |= 0o1000
	}
	return fmt.Sprintf("%04o", bits)
}

// Change is one difference found by Compare.
type Change struct {
	RelativePath string
	Kind         event.Kind
}

// Compare reports how current differs from want: paths only in current are
// Created, paths only in want are Deleted, and paths whose digests differ
// are Modified. Paths listed in unreadable are never reported as Deleted,
// matching the engine's rule that an unhashable file cannot be evaluated.
// The result is ordered by path.
func Compare(want, current *Store, unreadable map[string]bool) []Change {
	var changes []Change
	for _, w := range want.Records() {
		c, ok := current.Lookup(w.RelativePath)
		switch {
		case !ok && unreadable[w.RelativePath]:
		case !ok:
			changes = append(changes, Change{RelativePath: w.RelativePath, Kind: event.Deleted})
		case c.Digest != w.Digest:
			changes = append(changes, Change{RelativePath: w.RelativePath, Kind: event.Modified})
		}
	}
	for _, c := range current.Records() {
		if _, ok := want.Lookup(c.RelativePath); !ok {
			changes = append(changes, Change{RelativePath: c.RelativePath, Kind: event.Created})
		}
	}
	sortChanges(changes)
	return changes
}

// Verify rebuilds a snapshot of root and compares it against want.
func Verify(ctx context.Context, want *Store, root string, opts Options) ([]Change, error) {
	unreadable := map[string]bool{}
	prev := opts.OnSkip
	opts.OnSkip = func(rel string, err error) {
		unreadable[rel] = true
		if prev != nil {
			prev(rel, err)
		}
	}
	current, err := Build(ctx, root, opts)
	if err != nil {
		return nil, err
	}
	return Compare(want, current, unreadable), nil
}

func sortChanges(cs []Change) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].RelativePath != cs[j].RelativePath {
			return cs[i].RelativePath < cs[j].RelativePath
		}
		return cs[i].Kind < cs[j].Kind
	})
}

// Package classifier decides whether a raw filesystem event is a
// security-relevant violation of the baseline.
//
// Classification is stateless per event: the verdict depends only on the
// event, the baseline passed in, and (for Modified) the file's current
// digest. The baseline is never updated here.
package classifier

import (
	"errors"

	"github.com/tripwire/fim/internal/baseline"
	"github.com/tripwire/fim/internal/event"
	"github.com/tripwire/fim/internal/hasher"
)

// Reason explains a verdict. It is attached to every Verdict, including
// non-violations, so callers can log and count why events were ignored.
type Reason string

const (
	ReasonDirectory      Reason = "directory event"
	ReasonOutsideRoot    Reason = "path outside monitored root"
	ReasonExcluded       Reason = "path excluded"
	ReasonUnknownKind    Reason = "unknown event kind"
	ReasonUntracked      Reason = "path not in baseline"
	ReasonUnreadable     Reason = "digest unobtainable"
	ReasonUnchanged      Reason = "digest matches baseline"
	ReasonDigestMismatch Reason = "digest differs from baseline"
	ReasonNewFile        Reason = "file not in baseline"
	ReasonAlreadyTracked Reason = "path already in baseline"
	ReasonTrackedRemoved Reason = "tracked file removed"
)

// Verdict is the outcome of classifying one event.
type Verdict struct {
	// Violation is true when the event must raise an alert.
	Violation bool
	// Kind is the event kind, and the alert category when Violation is set.
	Kind event.Kind
	// RelPath is the normalised baseline key, empty when the path could not
	// be resolved against the root.
	RelPath string
	Reason  Reason
	// Err carries the hashing or path error behind ReasonUnreadable or
	// ReasonOutsideRoot. It is never set on a violation.
	Err error
}

// Classifier applies the baseline decision table to raw events.
type Classifier struct {
	root    string
	hasher  hasher.Hasher
	exclude []string
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithHasher overrides the digest function used for Modified events.
func WithHasher(h hasher.Hasher) Option {
	return func(c *Classifier) { c.hasher = h }
}

// WithExclude ignores events whose relative path matches one of patterns
// (see baseline.Excluded).
func WithExclude(patterns ...string) Option {
	return func(c *Classifier) { c.exclude = append(c.exclude, patterns...) }
}

// New returns a Classifier for events under root.
func New(root string, opts ...Option) *Classifier {
	c := &Classifier{root: root, hasher: hasher.SHA256}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Root returns the monitored root directory.
func (c *Classifier) Root() string { return c.root }

// Classify evaluates ev against store.
//
//	kind      in baseline  digest        verdict
//	Modified  no           -             none
//	Modified  yes          unobtainable  none (Err set)
//	Modified  yes          equal         none
//	Modified  yes          different     Modified
//	Created   no           -             Created
//	Created   yes          -             none
//	Deleted   yes          -             Deleted
//	Deleted   no           -             none
//
// Directory events never reach the table.
func (c *Classifier) Classify(store *baseline.Store, ev event.Raw) Verdict {
	v := Verdict{Kind: ev.Kind}
	if ev.IsDirectory {
		v.Reason = ReasonDirectory
		return v
	}

	rel, err := baseline.RelPath(c.root, ev.Path)
	if err != nil {
		v.Reason = ReasonOutsideRoot
		v.Err = err
		return v
	}
	v.RelPath = rel
	if baseline.Excluded(c.exclude, rel) {
		v.Reason = ReasonExcluded
		return v
	}

	rec, tracked := store.Lookup(rel)

	switch ev.Kind {
	case event.Modified:
		if !tracked {
			v.Reason = ReasonUntracked
			return v
		}
		digest, err := c.hasher.Hash(ev.Path)
		if err != nil {
			v.Reason = ReasonUnreadable
			v.Err = err
			return v
		}
		if digest == rec.Digest {
			v.Reason = ReasonUnchanged
			return v
		}
		v.Violation = true
		v.Reason = ReasonDigestMismatch

	case event.Created:
		if tracked {
			v.Reason = ReasonAlreadyTracked
			return v
		}
		v.Violation = true
		v.Reason = ReasonNewFile

	case event.Deleted:
		if !tracked {
			v.Reason = ReasonUntracked
			return v
		}
		v.Violation = true
		v.Reason = ReasonTrackedRemoved

	default:
		v.Reason = ReasonUnknownKind
	}
	return v
}

// Unreadable reports whether v was suppressed because the file could not be
// hashed.
func (v Verdict) Unreadable() bool {
	return v.Reason == ReasonUnreadable && errors.Is(v.Err, hasher.ErrUnreadable)
}

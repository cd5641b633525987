// Package baseline holds the trusted snapshot of expected file state that the
// integrity engine compares live events against.
//
// A Store is immutable once constructed. Regeneration produces a new Store
// that replaces the old one by pointer swap; nothing in this package edits a
// Store in place. All methods are safe on a nil *Store, which behaves like an
// empty baseline.
package baseline

import (
	"fmt"
	"sort"
	"time"
)

// FileRecord is the expected state of one file under the monitored root.
type FileRecord struct {
	// RelativePath is the slash-separated path relative to the monitored
	// root. It is the unique key of the record within a Store.
	RelativePath string
	// Digest is the lowercase hex SHA-256 of the file's content.
	Digest string
	// Size is the file size in bytes at snapshot time.
	Size int64
	// ModifiedAt is the file's modification time at snapshot time.
	ModifiedAt time.Time
	// Permissions is the four-digit octal permission string ("0644"),
	// stored verbatim.
	Permissions string
}

// Metadata describes when and where a Store was produced.
type Metadata struct {
	CreatedAt     time.Time
	RootDirectory string
	// TotalFiles is the record count written by the generator. It is not
	// recomputed or repaired if it later disagrees with Len.
	TotalFiles int
}

// Store is an immutable baseline snapshot.
type Store struct {
	meta  Metadata
	files map[string]FileRecord
}

// New builds a Store from meta and records. It returns an error if two
// records share a RelativePath.
func New(meta Metadata, records []FileRecord) (*Store, error) {
	files := make(map[string]FileRecord, len(records))
	for _, r := range records {
		if _, dup := files[r.RelativePath]; dup {
			return nil, fmt.Errorf("baseline: duplicate path %q", r.RelativePath)
		}
		files[r.RelativePath] = r
	}
	return &Store{meta: meta, files: files}, nil
}

// Empty returns a Store with no records and zero metadata. It is what the
// engine runs with when no baseline could be loaded.
func Empty() *Store {
	return &Store{files: map[string]FileRecord{}}
}

// Lookup returns the record stored under rel.
func (s *Store) Lookup(rel string) (FileRecord, bool) {
	if s == nil {
		return FileRecord{}, false
	}
	r, ok := s.files[rel]
	return r, ok
}

// Len returns the number of records.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.files)
}

// Metadata returns the snapshot metadata.
func (s *Store) Metadata() Metadata {
	if s == nil {
		return Metadata{}
	}
	return s.meta
}

// Records returns a copy of all records ordered by RelativePath.
func (s *Store) Records() []FileRecord {
	if s == nil {
		return nil
	}
	out := make([]FileRecord, 0, len(s.files))
	for _, r := range s.files {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out
}

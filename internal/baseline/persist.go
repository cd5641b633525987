package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// ErrLoad is returned by Load when the baseline file is missing or corrupt.
// The engine responds by starting with an Empty store.
var ErrLoad = errors.New("baseline load failed")

// createdLayout is an ISO 8601 layout with microsecond precision and a zone
// offset; it parses with Python's datetime.fromisoformat as well as Go.
const createdLayout = "2006-01-02T15:04:05.000000-07:00"

// naiveLayouts are the zone-less forms written by datetime.isoformat().
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// document is the on-disk JSON layout. Field names are a compatibility
// contract with external baseline tools.
type document struct {
	Metadata metadataJSON        `json:"metadata"`
	Files    map[string]fileJSON `json:"files"`
}

type metadataJSON struct {
	Created    string `json:"created,omitempty"`
	Directory  string `json:"directory,omitempty"`
	TotalFiles int    `json:"total_files"`
}

type fileJSON struct {
	Hash         string  `json:"hash"`
	Size         int64   `json:"size"`
	LastModified float64 `json:"last_modified"`
	Permissions  string  `json:"permissions"`
}

// Load reads and validates the baseline file at path. Every failure wraps
// ErrLoad.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("baseline: read %q: %w: %w", path, ErrLoad, err)
	}
	s, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("baseline: %q: %w", path, err)
	}
	return s, nil
}

// Decode parses a baseline JSON document.
func Decode(data []byte) (*Store, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %w", ErrLoad, err)
	}

	meta := Metadata{
		RootDirectory: doc.Metadata.Directory,
		TotalFiles:    doc.Metadata.TotalFiles,
	}
	if doc.Metadata.Created != "" {
		created, err := parseCreated(doc.Metadata.Created)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata.created: %w", ErrLoad, err)
		}
		meta.CreatedAt = created
	}

	records := make([]FileRecord, 0, len(doc.Files))
	for key, f := range doc.Files {
		if !validDigest(f.Hash) {
			return nil, fmt.Errorf("%w: files[%q]: hash %q is not a lowercase hex SHA-256", ErrLoad, key, f.Hash)
		}
		records = append(records, FileRecord{
			RelativePath: filepath.ToSlash(key),
			Digest:       f.Hash,
			Size:         f.Size,
			ModifiedAt:   fromEpoch(f.LastModified),
			Permissions:  f.Permissions,
		})
	}

	s, err := New(meta, records)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	return s, nil
}

// Save writes s to path in the JSON layout. The file is written to a
// temporary sibling and renamed into place so readers never observe a
// partially written baseline.
func Save(s *Store, path string) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".baseline-*.json")
	if err != nil {
		return fmt.Errorf("baseline: create temp in %q: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("baseline: write %q: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("baseline: sync %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("baseline: close %q: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("baseline: rename to %q: %w", path, err)
	}
	return nil
}

// Encode renders s as an indented JSON document.
func Encode(s *Store) ([]byte, error) {
	meta := s.Metadata()
	doc := document{
		Metadata: metadataJSON{
			Directory:  meta.RootDirectory,
			TotalFiles: meta.TotalFiles,
		},
		Files: make(map[string]fileJSON, s.Len()),
	}
	if !meta.CreatedAt.IsZero() {
		doc.Metadata.Created = meta.CreatedAt.Format(createdLayout)
	}
	for _, r := range s.Records() {
		doc.Files[r.RelativePath] = fileJSON{
			Hash:         r.Digest,
			Size:         r.Size,
			LastModified: toEpoch(r.ModifiedAt),
			Permissions:  r.Permissions,
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("baseline: marshal: %w", err)
	}
	return append(data, '\n'), nil
}

func parseCreated(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	var lastErr error
	for _, layout := range naiveLayouts {
		t, err := time.ParseInLocation(layout, v, time.Local)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func validDigest(h string) bool {
	if len(h) != 64 {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func fromEpoch(f float64) time.Time {
	if f == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}

func toEpoch(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

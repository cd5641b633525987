package classifier_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tripwire/fim/internal/baseline"
	"github.com/tripwire/fim/internal/classifier"
	"github.com/tripwire/fim/internal/event"
	"github.com/tripwire/fim/internal/hasher"
)

// fixture is a monitored root with a baseline built from its initial
// contents.
type fixture struct {
	root  string
	store *baseline.Store
}

func newFixture(t *testing.T, files map[string]string) fixture {
	t.Helper()
	root := t.TempDir()
	var records []baseline.FileRecord
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		digest, err := hasher.Hash(p)
		if err != nil {
			t.Fatal(err)
		}
		records = append(records, baseline.FileRecord{RelativePath: rel, Digest: digest, Permissions: "0644"})
	}
	store, err := baseline.New(baseline.Metadata{RootDirectory: root, TotalFiles: len(records)}, records)
	if err != nil {
		t.Fatal(err)
	}
	return fixture{root: root, store: store}
}

func (f fixture) path(rel string) string {
	return filepath.Join(f.root, filepath.FromSlash(rel))
}

func (f fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	p := f.path(rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// countingHasher records how many times it was asked for a digest.
type countingHasher struct {
	calls int
	err   error
}

func (h *countingHasher) Hash(p string) (string, error) {
	h.calls++
	if h.err != nil {
		return "", h.err
	}
	return hasher.Hash(p)
}

// ---------------------------------------------------------------------------
// Decision table
// ---------------------------------------------------------------------------

func TestClassify_DecisionTable(t *testing.T) {
	f := newFixture(t, map[string]string{
		"tracked.csv":  "original",
		"rewrite.ini":  "same",
		"locked.db":    "secret",
		"removed.conf": "x",
	})
	f.write(t, "tracked.csv", "tampered")
	f.write(t, "rewrite.ini", "same")
	f.write(t, "untracked.txt", "whatever")

	unreadable := hasher.Func(func(p string) (string, error) {
		if filepath.Base(p) == "locked.db" {
			return "", hasher.ErrUnreadable
		}
		return hasher.Hash(p)
	})
	c := classifier.New(f.root, classifier.WithHasher(unreadable))

	tests := []struct {
		name      string
		rel       string
		kind      event.Kind
		violation bool
		reason    classifier.Reason
	}{
		{"modified untracked", "untracked.txt", event.Modified, false, classifier.ReasonUntracked},
		{"modified tracked unreadable", "locked.db", event.Modified, false, classifier.ReasonUnreadable},
		{"modified tracked equal", "rewrite.ini", event.Modified, false, classifier.ReasonUnchanged},
		{"modified tracked different", "tracked.csv", event.Modified, true, classifier.ReasonDigestMismatch},
		{"created untracked", "untracked.txt", event.Created, true, classifier.ReasonNewFile},
		{"created tracked", "rewrite.ini", event.Created, false, classifier.ReasonAlreadyTracked},
		{"deleted tracked", "removed.conf", event.Deleted, true, classifier.ReasonTrackedRemoved},
		{"deleted untracked", "never-existed.txt", event.Deleted, false, classifier.ReasonUntracked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := c.Classify(f.store, event.Raw{Path: f.path(tt.rel), Kind: tt.kind})
			if v.Violation != tt.violation {
				t.Errorf("Violation = %v, want %v", v.Violation, tt.violation)
			}
			if v.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", v.Reason, tt.reason)
			}
			if v.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", v.Kind, tt.kind)
			}
			if v.RelPath != tt.rel {
				t.Errorf("RelPath = %q, want %q", v.RelPath, tt.rel)
			}
			if v.Violation && v.Err != nil {
				t.Errorf("violation carries Err = %v", v.Err)
			}
		})
	}
}

func TestClassify_UnreadableCarriesError(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a"})
	if err := os.Remove(f.path("a.txt")); err != nil {
		t.Fatal(err)
	}
	// A Modified event that races a deletion: the file is tracked but gone.
	v := classifier.New(f.root).Classify(f.store, event.Raw{Path: f.path("a.txt"), Kind: event.Modified})
	if v.Violation {
		t.Fatal("unhashable file raised a violation")
	}
	if !v.Unreadable() {
		t.Errorf("Unreadable() = false, Err = %v", v.Err)
	}
	if !errors.Is(v.Err, os.ErrNotExist) {
		t.Errorf("Err = %v, want to wrap os.ErrNotExist", v.Err)
	}
}

func TestClassify_DirectoryEventsFilteredForEveryKind(t *testing.T) {
	f := newFixture(t, map[string]string{"dir/file.txt": "x"})
	h := &countingHasher{}
	c := classifier.New(f.root, classifier.WithHasher(h))

	// "dir" is deliberately absent from the baseline so a Created verdict
	// would fire if directories were not filtered first.
	for _, kind := range []event.Kind{event.Modified, event.Created, event.Deleted} {
		v := c.Classify(f.store, event.Raw{Path: f.path("dir"), Kind: kind, IsDirectory: true})
		if v.Violation || v.Reason != classifier.ReasonDirectory {
			t.Errorf("%v directory event: Violation = %v, Reason = %q", kind, v.Violation, v.Reason)
		}
	}
	if h.calls != 0 {
		t.Errorf("hasher called %d times for directory events", h.calls)
	}
}

func TestClassify_UntrackedModifiedIsNotHashed(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "big.bin", "data")
	h := &countingHasher{}
	c := classifier.New(f.root, classifier.WithHasher(h))

	v := c.Classify(f.store, event.Raw{Path: f.path("big.bin"), Kind: event.Modified})
	if v.Violation {
		t.Fatal("untracked Modified raised a violation")
	}
	if h.calls != 0 {
		t.Errorf("hasher called %d times, want 0", h.calls)
	}
}

func TestClassify_OutsideRoot(t *testing.T) {
	f := newFixture(t, nil)
	outside := filepath.Join(filepath.Dir(f.root), "elsewhere.txt")

	v := classifier.New(f.root).Classify(f.store, event.Raw{Path: outside, Kind: event.Created})
	if v.Violation {
		t.Fatal("event outside root raised a violation")
	}
	if v.Reason != classifier.ReasonOutsideRoot || !errors.Is(v.Err, baseline.ErrOutsideRoot) {
		t.Errorf("Reason = %q, Err = %v", v.Reason, v.Err)
	}
}

func TestClassify_Excluded(t *testing.T) {
	f := newFixture(t, nil)
	c := classifier.New(f.root, classifier.WithExclude("baseline.json", "*.swp"))

	for _, rel := range []string{"baseline.json", "docs/.notes.swp"} {
		v := c.Classify(f.store, event.Raw{Path: f.path(rel), Kind: event.Created})
		if v.Violation || v.Reason != classifier.ReasonExcluded {
			t.Errorf("%s: Violation = %v, Reason = %q", rel, v.Violation, v.Reason)
		}
	}
}

func TestClassify_UnknownKind(t *testing.T) {
	f := newFixture(t, nil)
	v := classifier.New(f.root).Classify(f.store, event.Raw{Path: f.path("x"), Kind: event.Kind(99)})
	if v.Violation || v.Reason != classifier.ReasonUnknownKind {
		t.Errorf("Violation = %v, Reason = %q", v.Violation, v.Reason)
	}
}

func TestClassify_NilStoreIsColdStart(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "existing.csv", "1")
	c := classifier.New(f.root)

	v := c.Classify(nil, event.Raw{Path: f.path("existing.csv"), Kind: event.Created})
	if !v.Violation || v.Kind != event.Created {
		t.Errorf("cold start Created: Violation = %v, Kind = %v", v.Violation, v.Kind)
	}
	v = c.Classify(nil, event.Raw{Path: f.path("existing.csv"), Kind: event.Modified})
	if v.Violation {
		t.Error("cold start Modified raised a violation")
	}
}

func TestClassify_NestedPathUsesBaselineKey(t *testing.T) {
	f := newFixture(t, map[string]string{"Financial_Transactions/transactions_2025_01.csv": "ID,Amount"})
	f.write(t, "Financial_Transactions/transactions_2025_01.csv", "ID,Amount\n9999,1000000.00")

	// The watcher may report an uncleaned path.
	raw := filepath.Join(f.root, "Financial_Transactions", ".", "transactions_2025_01.csv")
	v := classifier.New(f.root).Classify(f.store, event.Raw{Path: raw, Kind: event.Modified})
	if !v.Violation || v.RelPath != "Financial_Transactions/transactions_2025_01.csv" {
		t.Errorf("Violation = %v, RelPath = %q", v.Violation, v.RelPath)
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestScenario_IdenticalRewriteThenRealChange(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "D1 content"})
	c := classifier.New(f.root)
	ev := event.Raw{Path: f.path("a.txt"), Kind: event.Modified}

	f.write(t, "a.txt", "D1 content")
	if v := c.Classify(f.store, ev); v.Violation {
		t.Fatal("identical rewrite raised a violation")
	}

	f.write(t, "a.txt", "D2 content")
	v := c.Classify(f.store, ev)
	if !v.Violation || v.Kind != event.Modified || v.RelPath != "a.txt" {
		t.Errorf("verdict = %+v, want Modified violation on a.txt", v)
	}
}

func TestScenario_MalwareCreated(t *testing.T) {
	f := newFixture(t, map[string]string{"config.ini": "[db]"})
	f.write(t, "malware.exe", "MZ")

	v := classifier.New(f.root).Classify(f.store, event.Raw{Path: f.path("malware.exe"), Kind: event.Created})
	if !v.Violation || v.Kind != event.Created {
		t.Errorf("verdict = %+v, want Created violation", v)
	}
}

func TestScenario_UntrackedPathOnlyAlertsOnCreate(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "new.txt", "x")
	c := classifier.New(f.root)

	violations := 0
	for _, kind := range []event.Kind{event.Created, event.Modified, event.Deleted} {
		if v := c.Classify(f.store, event.Raw{Path: f.path("new.txt"), Kind: kind}); v.Violation {
			violations++
			if kind != event.Created {
				t.Errorf("%v raised a violation for an untracked path", kind)
			}
		}
	}
	if violations != 1 {
		t.Errorf("violations = %d, want 1", violations)
	}
}

func TestScenario_RepeatDeleteKeepsFiring(t *testing.T) {
	f := newFixture(t, map[string]string{"config.ini": "[db]"})
	c := classifier.New(f.root)
	ev := event.Raw{Path: f.path("config.ini"), Kind: event.Deleted}

	// The baseline is never updated by classification, so each Deleted
	// event for a tracked path yields the same verdict.
	first := c.Classify(f.store, ev)
	second := c.Classify(f.store, ev)
	if !first.Violation || first != second {
		t.Errorf("first = %+v, second = %+v", first, second)
	}
}

// A deleted tracked file that is recreated with different content is not
// reported as Created because its path is still in the baseline. Only a
// later Modified event with a different digest flags it.
func TestScenario_DeleteThenRecreateIsNotCreated(t *testing.T) {
	f := newFixture(t, map[string]string{"config.ini": "[db]\nhost=localhost"})
	c := classifier.New(f.root)

	if err := os.Remove(f.path("config.ini")); err != nil {
		t.Fatal(err)
	}
	v := c.Classify(f.store, event.Raw{Path: f.path("config.ini"), Kind: event.Deleted})
	if !v.Violation || v.Kind != event.Deleted {
		t.Fatalf("delete verdict = %+v, want Deleted violation", v)
	}

	f.write(t, "config.ini", "[db]\nhost=attacker.example")
	v = c.Classify(f.store, event.Raw{Path: f.path("config.ini"), Kind: event.Created})
	if v.Violation {
		t.Fatalf("recreate verdict = %+v, want no violation", v)
	}
	if v.Reason != classifier.ReasonAlreadyTracked {
		t.Errorf("Reason = %q, want %q", v.Reason, classifier.ReasonAlreadyTracked)
	}

	v = c.Classify(f.store, event.Raw{Path: f.path("config.ini"), Kind: event.Modified})
	if !v.Violation || v.Kind != event.Modified {
		t.Errorf("follow-up Modified verdict = %+v, want Modified violation", v)
	}
}

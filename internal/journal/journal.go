// Package journal keeps a tamper-evident local record of every alert. The
// journal is an append-only JSON Lines file whose records are SHA-256
// hash-chained: altering, removing or reordering a record breaks the chain
// at that point, which Verify reports.
//
// # Hash chain
//
// The hash of record N is
//
//	SHA-256( JSON({seq, ts, alert, prev_hash}) )
//
// and record N+1 carries it as prev_hash. The first record's prev_hash is
// GenesisHash.
//
// Journal implements alert.Channel so it can sit alongside the outward
// notification channels.
package journal

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tripwire/fim/internal/alert"
	"github.com/tripwire/fim/internal/clock"
)

// GenesisHash is the prev_hash of the first record.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxRecordSize bounds a single journal line.
const maxRecordSize = 1 << 20

// ErrChain is wrapped by every error that reports a damaged journal.
var ErrChain = errors.New("journal: chain verification failed")

// Record is one journal line.
type Record struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"ts"`
	Alert     alert.Alert `json:"alert"`
	PrevHash  string      `json:"prev_hash"`
	Hash      string      `json:"event_hash"`
}

// sealed is the part of a Record covered by its hash.
type sealed struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"ts"`
	Alert     alert.Alert `json:"alert"`
	PrevHash  string      `json:"prev_hash"`
}

func (r Record) computeHash() string {
	raw, err := json.Marshal(sealed{Seq: r.Seq, Timestamp: r.Timestamp, Alert: r.Alert, PrevHash: r.PrevHash})
	if err != nil {
		panic(fmt.Sprintf("journal: marshal record: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Journal appends alerts to a hash-chained file. It is safe for concurrent
// use.
type Journal struct {
	mu    sync.Mutex
	file  *os.File
	clock clock.Clock
	seq   int64
	head  string
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock sets the clock used to timestamp records.
func WithClock(c clock.Clock) Option {
	return func(j *Journal) { j.clock = c }
}

// Open opens the journal at path, creating it if needed. An existing
// journal is verified first and appending continues its chain; a damaged
// journal is refused with an error wrapping ErrChain.
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{clock: clock.System{}, head: GenesisHash}
	for _, opt := range opts {
		opt(j)
	}

	if f, err := os.Open(path); err == nil {
		last, _, err := scan(f, nil)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("journal: %s: %w", path, err)
		}
		j.seq, j.head = last.Seq, last.Hash
		if last.Seq == 0 {
			j.head = GenesisHash
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s for append: %w", path, err)
	}
	j.file = f
	return j, nil
}

// Append seals a into the next record and writes it. The record is synced
// to disk before Append returns.
func (j *Journal) Append(a alert.Alert) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	r := Record{
		Seq:       j.seq + 1,
		Timestamp: j.clock.Now().UTC(),
		Alert:     a,
		PrevHash:  j.head,
	}
	r.Hash = r.computeHash()

	line, err := json.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("journal: marshal record: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return Record{}, fmt.Errorf("journal: write record %d: %w", r.Seq, err)
	}
	if err := j.file.Sync(); err != nil {
		return Record{}, fmt.Errorf("journal: sync record %d: %w", r.Seq, err)
	}

	j.seq, j.head = r.Seq, r.Hash
	return r, nil
}

// Send implements alert.Channel.
func (j *Journal) Send(_ context.Context, a alert.Alert) error {
	_, err := j.Append(a)
	return err
}

// Head returns the sequence number and hash of the last record.
func (j *Journal) Head() (int64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq, j.head
}

// Close syncs and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("journal: sync: %w", err)
	}
	return j.file.Close()
}

// Verify checks the whole chain of the journal at path and returns its
// records in order. An empty journal is valid.
func Verify(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	if _, _, err := scan(f, func(r Record) { records = append(records, r) }); err != nil {
		return nil, fmt.Errorf("journal: %s: %w", path, err)
	}
	return records, nil
}

// scan walks the records in r, checking each link, and returns the last
// record and the record count. visit, if non-nil, sees each valid record.
func scan(r io.Reader, visit func(Record)) (Record, int, error) {
	var (
		last  Record
		count int
		prev  = GenesisHash
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxRecordSize)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return last, count, fmt.Errorf("%w: line %d: malformed record: %v", ErrChain, line, err)
		}
		if rec.Seq != last.Seq+1 {
			return last, count, fmt.Errorf("%w: line %d: seq %d follows %d", ErrChain, line, rec.Seq, last.Seq)
		}
		if rec.PrevHash != prev {
			return last, count, fmt.Errorf("%w: seq %d: prev_hash does not match the preceding record", ErrChain, rec.Seq)
		}
		if got := rec.computeHash(); got != rec.Hash {
			return last, count, fmt.Errorf("%w: seq %d: content does not match its hash", ErrChain, rec.Seq)
		}
		if visit != nil {
			visit(rec)
		}
		last, prev = rec, rec.Hash
		count++
	}
	if err := sc.Err(); err != nil {
		return last, count, fmt.Errorf("read: %w", err)
	}
	return last, count, nil
}

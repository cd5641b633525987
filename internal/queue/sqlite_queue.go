// Package queue provides the durable outbox behind notification
// redelivery: a WAL-mode SQLite table of alerts whose delivery failed.
// Each row names the channel that rejected the alert, so a retry goes only
// to that channel. Rows stay pending until Ack is called, so an alert
// survives a process restart between the failed send and a successful
// retry.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the engine's
// workers can Enqueue while the redelivery loop runs Dequeue and Ack.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/fim/internal/alert"
)

// SQLiteQueue is a persistent FIFO of undelivered alerts. It is safe for
// concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. ":memory:" gives a throwaway database for
// tests.
//
// The depth counter is seeded from the rows still pending, so Depth is
// accurate straight after a restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows one writer at a time; a single connection serialises
	// writers instead of failing with "database is locked".
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("queue: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)
	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS outbox (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    alert_id    TEXT    NOT NULL,
    channel     TEXT    NOT NULL,
    category    TEXT    NOT NULL,
    file_name   TEXT    NOT NULL,
    full_path   TEXT    NOT NULL,
    rel_path    TEXT    NOT NULL,
    details     TEXT    NOT NULL,
    ts          TEXT    NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0,
    UNIQUE (alert_id, channel)
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending
    ON outbox (delivered, seq);
`

// Enqueue persists a for redelivery to channel. Enqueuing an alert already
// queued for the same channel is a no-op, so a retry path that re-enqueues
// cannot create duplicates.
func (q *SQLiteQueue) Enqueue(ctx context.Context, channel string, a alert.Alert) error {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO outbox (alert_id, channel, category, file_name, full_path, rel_path, details, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (alert_id, channel) DO NOTHING`,
		a.ID,
		channel,
		string(a.Category),
		a.FileName,
		a.FullPath,
		a.RelPath,
		a.Details,
		a.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue %s for %s: %w", a.ID, channel, err)
	}
	n, _ := res.RowsAffected()
	q.depth.Add(n)
	return nil
}

// Pending is an undelivered alert returned by Dequeue. Seq identifies the
// row for Ack and Attempt; Channel names the channel still owed the alert.
type Pending struct {
	Seq      int64
	Channel  string
	Attempts int
	Alert    alert.Alert
}

// Dequeue returns up to n pending rows with Seq greater than after, oldest
// first. Pass 0 to start from the head; pass the last Seq seen to page past
// rows the caller is skipping. Rows are not marked; call Ack with their Seq
// once delivered.
func (q *SQLiteQueue) Dequeue(ctx context.Context, after int64, n int) ([]Pending, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT seq, channel, attempts, alert_id, category, file_name, full_path, rel_path, details, ts
		 FROM   outbox
		 WHERE  delivered = 0 AND seq > ?
		 ORDER  BY seq
		 LIMIT  ?`, after, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		var (
			p        Pending
			category string
			ts       string
		)
		if err := rows.Scan(
			&p.Seq,
			&p.Channel,
			&p.Attempts,
			&p.Alert.ID,
			&category,
			&p.Alert.FileName,
			&p.Alert.FullPath,
			&p.Alert.RelPath,
			&p.Alert.Details,
			&ts,
		); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		p.Alert.Category = alert.Category(category)
		p.Alert.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("queue: row %d: bad timestamp %q: %w", p.Seq, ts, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks the given rows delivered. Already acknowledged rows are
// skipped, so Ack is idempotent.
func (q *SQLiteQueue) Ack(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	query, args := inClause(`UPDATE outbox SET delivered = 1 WHERE delivered = 0 AND seq IN (%s)`, seqs)
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	n, _ := res.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Attempt records one more failed delivery for each row.
func (q *SQLiteQueue) Attempt(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	query, args := inClause(`UPDATE outbox SET attempts = attempts + 1 WHERE seq IN (%s)`, seqs)
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("queue: record attempt: %w", err)
	}
	return nil
}

// Purge deletes delivered rows enqueued before cutoff and returns how many
// were removed.
func (q *SQLiteQueue) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE delivered = 1 AND enqueued_at < ?`,
		cutoff.UTC().Format("2006-01-02T15:04:05.000Z"),
	)
	if err != nil {
		return 0, fmt.Errorf("queue: purge: %w", err)
	}
	return res.RowsAffected()
}

// Depth returns the number of pending alerts without touching the database.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the database. The queue must not be used afterwards.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func inClause(format string, seqs []int64) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	args := make([]any, len(seqs))
	for i, s := range seqs {
		args[i] = s
	}
	return fmt.Sprintf(format, placeholders), args
}

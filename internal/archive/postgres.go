// Package archive stores alerts in PostgreSQL for retention beyond the
// in-memory history. Inserts are batched: Send buffers the alert and a
// background loop writes the buffer in one round-trip when it fills up or
// when the flush interval elapses, whichever comes first.
package archive

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/fim/internal/alert"
)

const (
	// DefaultBatchSize is the number of buffered alerts that triggers an
	// immediate flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often buffered alerts are written even
	// when the batch is not full.
	DefaultFlushInterval = 2 * time.Second

	// maxBuffered caps the buffer while the database is unreachable.
	// Older alerts are discarded first once it is reached.
	maxBuffered = 10000
)

//go:embed schema.sql
var schema string

// Archive is an alert.Channel backed by a PostgreSQL table.
type Archive struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	host   string

	mu            sync.Mutex
	batch         []alert.Alert
	batchSize     int
	flushInterval time.Duration

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// New connects to dsn, applies the schema and starts the flush loop.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, dsn string, logger *slog.Logger, batchSize int, flushInterval time.Duration) (*Archive, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: apply schema: %w", err)
	}

	host, _ := os.Hostname()
	a := &Archive{
		pool:          pool,
		logger:        logger,
		host:          host,
		batch:         make([]alert.Alert, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go a.flushLoop()
	return a, nil
}

// Send buffers al for the next flush. When the buffer reaches the batch
// size the flush happens synchronously, so a caller outpacing the database
// is slowed down rather than growing the buffer.
func (a *Archive) Send(ctx context.Context, al alert.Alert) error {
	a.mu.Lock()
	a.batch = append(a.batch, al)
	full := len(a.batch) >= a.batchSize
	a.mu.Unlock()

	if full {
		return a.Flush(ctx)
	}
	return nil
}

// Flush writes every buffered alert in a single batch. Alerts already in
// the table are skipped, so replaying a batch is harmless. On failure the
// alerts are put back in front of the buffer for the next attempt.
func (a *Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	if len(a.batch) == 0 {
		a.mu.Unlock()
		return nil
	}
	pending := a.batch
	a.batch = make([]alert.Alert, 0, a.batchSize)
	a.mu.Unlock()

	if err := a.insert(ctx, pending); err != nil {
		a.requeue(pending)
		return fmt.Errorf("archive: flush %d alerts: %w", len(pending), err)
	}
	return nil
}

func (a *Archive) insert(ctx context.Context, alerts []alert.Alert) error {
	const query = `
		INSERT INTO fim_alerts
			(alert_id, ts, category, file_name, full_path, rel_path, details, host)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (alert_id) DO NOTHING`

	b := &pgx.Batch{}
	for i := range alerts {
		al := &alerts[i]
		b.Queue(query,
			al.ID, al.Timestamp, string(al.Category),
			al.FileName, al.FullPath, al.RelPath, al.Details,
			a.host,
		)
	}

	br := a.pool.SendBatch(ctx, b)
	defer br.Close()
	for range alerts {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) requeue(failed []alert.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	merged := append(failed, a.batch...)
	if over := len(merged) - maxBuffered; over > 0 {
		a.logger.Error("archive: buffer full, discarding oldest alerts",
			slog.Int("discarded", over),
		)
		merged = merged[over:]
	}
	a.batch = merged
}

func (a *Archive) flushLoop() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			if err := a.Flush(context.Background()); err != nil {
				a.logger.Warn("archive: periodic flush failed", slog.Any("error", err))
			}
		}
	}
}

// Recent returns up to limit archived alerts, newest first. Alerts still
// buffered are not included.
func (a *Archive) Recent(ctx context.Context, limit int) ([]alert.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.pool.Query(ctx, `
		SELECT alert_id, ts, category, file_name, full_path, rel_path, details
		FROM   fim_alerts
		ORDER  BY ts DESC, alert_id
		LIMIT  $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer rows.Close()

	var out []alert.Alert
	for rows.Next() {
		var (
			al       alert.Alert
			category string
		)
		if err := rows.Scan(&al.ID, &al.Timestamp, &category,
			&al.FileName, &al.FullPath, &al.RelPath, &al.Details); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		al.Category = alert.Category(category)
		out = append(out, al)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: rows: %w", err)
	}
	return out, nil
}

// Close stops the flush loop, writes what is still buffered and closes the
// pool. It is safe to call more than once.
func (a *Archive) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		close(a.stopCh)
		<-a.doneCh
		err = a.Flush(ctx)
		a.pool.Close()
	})
	return err
}

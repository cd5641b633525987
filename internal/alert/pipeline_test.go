package alert_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/fim/internal/alert"
	"github.com/tripwire/fim/internal/clock"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type recordingChannel struct {
	mu    sync.Mutex
	sent  []alert.Alert
	err   error
	panic bool
}

func (c *recordingChannel) Send(ctx context.Context, a alert.Alert) error {
	if c.panic {
		panic("smtp exploded")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, a)
	return c.err
}

// refreshRecorder records the history length seen at each refresh so tests can
// check that the alert is appended before the status refresh.
type refreshRecorder struct {
	h    *alert.History
	seen []int
}

func (p *refreshRecorder) Refresh() { p.seen = append(p.seen, p.h.Len()) }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var fixedNow = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

func newPipeline(ch alert.Channel, opts ...alert.Option) (*alert.Pipeline, *refreshRecorder, *syncBuffer, *syncBuffer) {
	h := alert.NewHistory(alert.DefaultHistorySize)
	rec := &refreshRecorder{h: h}
	fallback := &syncBuffer{}
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))

	base := []alert.Option{
		alert.WithChannel(ch),
		alert.WithStatus(rec),
		alert.WithClock(clock.NewManual(fixedNow)),
		alert.WithFallback(fallback),
	}
	return alert.NewPipeline(h, logger, append(base, opts...)...), rec, fallback, logs
}

// ---------------------------------------------------------------------------
// Category
// ---------------------------------------------------------------------------

func TestCategory_Details(t *testing.T) {
	tests := []struct {
		cat  alert.Category
		want string
	}{
		{alert.CategoryModified, "unauthorized content modification"},
		{alert.CategoryCreated, "unauthorized file added"},
		{alert.CategoryDeleted, "unauthorized removal"},
		{alert.Category("RENAMED"), "security-relevant change"},
	}
	for _, tt := range tests {
		if got := tt.cat.Details(); got != tt.want {
			t.Errorf("%s.Details() = %q, want %q", tt.cat, got, tt.want)
		}
	}
}

func TestCategory_TitleAndClass(t *testing.T) {
	if got := alert.CategoryCreated.Title(); got != "New File Detected" {
		t.Errorf("Title = %q", got)
	}
	if got := alert.CategoryDeleted.Class(); got != "deleted" {
		t.Errorf("Class = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Trigger
// ---------------------------------------------------------------------------

func TestTrigger_RecordsAndDelivers(t *testing.T) {
	ch := &recordingChannel{}
	p, rec, fallback, logs := newPipeline(ch)

	res := p.Trigger(context.Background(), alert.CategoryModified, "/srv/data/Financial/tx.csv", "Financial/tx.csv")
	if res.DeliveryErr != nil {
		t.Fatalf("DeliveryErr = %v", res.DeliveryErr)
	}

	a := res.Alert
	if a.ID == "" {
		t.Error("alert has no ID")
	}
	if !a.Timestamp.Equal(fixedNow) {
		t.Errorf("Timestamp = %v, want %v", a.Timestamp, fixedNow)
	}
	if a.FileName != "tx.csv" || a.RelPath != "Financial/tx.csv" || a.FullPath != "/srv/data/Financial/tx.csv" {
		t.Errorf("alert = %+v", a)
	}
	if a.Details != "unauthorized content modification" {
		t.Errorf("Details = %q", a.Details)
	}

	if len(ch.sent) != 1 || ch.sent[0].ID != a.ID {
		t.Errorf("sent = %+v, want the triggered alert", ch.sent)
	}
	hist := p.History().Snapshot()
	if len(hist) != 1 || hist[0] != a {
		t.Errorf("history = %+v", hist)
	}
	if len(rec.seen) != 1 || rec.seen[0] != 1 {
		t.Errorf("refresh saw history lengths %v, want [1]", rec.seen)
	}
	if fallback.String() != "" {
		t.Errorf("fallback written on success: %q", fallback.String())
	}
	if !strings.Contains(logs.String(), `"level":"WARN"`) || !strings.Contains(logs.String(), "File Modified") {
		t.Errorf("missing warning log, got %s", logs.String())
	}
}

func TestTrigger_DeliveryFailureStillRecords(t *testing.T) {
	ch := &recordingChannel{err: errors.New("connection refused")}
	p, rec, fallback, _ := newPipeline(ch)

	res := p.Trigger(context.Background(), alert.CategoryDeleted, "/srv/data/config.ini", "config.ini")

	if !errors.Is(res.DeliveryErr, alert.ErrNotificationFailure) {
		t.Fatalf("DeliveryErr = %v, want ErrNotificationFailure", res.DeliveryErr)
	}
	if p.History().Len() != 1 {
		t.Fatalf("history Len = %d, want 1", p.History().Len())
	}
	if len(rec.seen) != 1 {
		t.Errorf("status refreshed %d times, want 1", len(rec.seen))
	}
	want := "ALERT: File Deleted - /srv/data/config.ini - unauthorized removal\n"
	if fallback.String() != want {
		t.Errorf("fallback = %q, want %q", fallback.String(), want)
	}
}

func TestTrigger_PanickingChannelIsContained(t *testing.T) {
	p, _, fallback, _ := newPipeline(&recordingChannel{panic: true})

	res := p.Trigger(context.Background(), alert.CategoryCreated, "/srv/data/malware.exe", "malware.exe")
	if !errors.Is(res.DeliveryErr, alert.ErrNotificationFailure) {
		t.Fatalf("DeliveryErr = %v, want ErrNotificationFailure", res.DeliveryErr)
	}
	if p.History().Len() != 1 {
		t.Error("alert not recorded after channel panic")
	}
	if !strings.HasPrefix(fallback.String(), "ALERT: New File Detected") {
		t.Errorf("fallback = %q", fallback.String())
	}
}

func TestTrigger_NotifyTimeoutBoundsSend(t *testing.T) {
	slow := alert.ChannelFunc(func(ctx context.Context, a alert.Alert) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p, _, _, _ := newPipeline(slow, alert.WithNotifyTimeout(20*time.Millisecond))

	start := time.Now()
	res := p.Trigger(context.Background(), alert.CategoryModified, "/x", "x")
	if time.Since(start) > 2*time.Second {
		t.Fatal("Trigger did not honour the notify timeout")
	}
	if !errors.Is(res.DeliveryErr, context.DeadlineExceeded) {
		t.Errorf("DeliveryErr = %v, want DeadlineExceeded", res.DeliveryErr)
	}
	if p.History().Len() != 1 {
		t.Error("alert not recorded after timeout")
	}
}

func TestTrigger_NoChannel(t *testing.T) {
	h := alert.NewHistory(5)
	p := alert.NewPipeline(h, slog.New(slog.NewTextHandler(io.Discard, nil)), alert.WithFallback(io.Discard))

	res := p.Trigger(context.Background(), alert.CategoryCreated, "/a", "a")
	if res.DeliveryErr != nil || h.Len() != 1 {
		t.Errorf("DeliveryErr = %v, Len = %d", res.DeliveryErr, h.Len())
	}
}

func TestTrigger_UniqueIDs(t *testing.T) {
	p, _, _, _ := newPipeline(alert.Discard)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		id := p.Trigger(context.Background(), alert.CategoryCreated, "/a", "a").Alert.ID
		if seen[id] {
			t.Fatalf("duplicate alert ID %s", id)
		}
		seen[id] = true
	}
}

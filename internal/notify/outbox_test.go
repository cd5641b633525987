package notify_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tripwire/fim/internal/alert"
	"github.com/tripwire/fim/internal/metrics"
	"github.com/tripwire/fim/internal/notify"
	"github.com/tripwire/fim/internal/queue"
)

// flakyChannel fails while down is set and records what it accepted.
type flakyChannel struct {
	down atomic.Bool

	mu       sync.Mutex
	accepted []string
}

var errUnavailable = errors.New("channel unavailable")

func (c *flakyChannel) Send(_ context.Context, a alert.Alert) error {
	if c.down.Load() {
		return errUnavailable
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted = append(c.accepted, a.ID)
	return nil
}

func (c *flakyChannel) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.accepted...)
}

func openQueue(t *testing.T) *queue.SQLiteQueue {
	t.Helper()
	q, err := queue.New(":memory:")
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// single wraps ch as the outbox's only target.
func single(ch alert.Channel) notify.Multi {
	return notify.Multi{{Name: "remote", Channel: ch}}
}

func alertWithID(id string) alert.Alert {
	a := sampleAlert()
	a.ID = id
	return a
}

// ---------------------------------------------------------------------------
// Outbox
// ---------------------------------------------------------------------------

func TestOutbox_SuccessIsNotQueued(t *testing.T) {
	ch := &flakyChannel{}
	q := openQueue(t)
	o := notify.NewOutbox(single(ch), q, quietLogger())

	if err := o.Send(context.Background(), alertWithID("a1")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d, want 0", d)
	}
}

func TestOutbox_FailureIsQueuedAndReported(t *testing.T) {
	ch := &flakyChannel{}
	ch.down.Store(true)
	q := openQueue(t)
	m := metrics.New()
	o := notify.NewOutbox(single(ch), q, quietLogger(), notify.WithOutboxMetrics(m))

	err := o.Send(context.Background(), alertWithID("a1"))
	if !errors.Is(err, errUnavailable) {
		t.Fatalf("Send error = %v, want the channel failure", err)
	}
	if d := q.Depth(); d != 1 {
		t.Errorf("Depth = %d, want 1", d)
	}
	if got := testutil.ToFloat64(m.OutboxDepth); got != 1 {
		t.Errorf("fim_outbox_depth = %v, want 1", got)
	}
}

func TestOutbox_FlushRedeliversInOrder(t *testing.T) {
	ch := &flakyChannel{}
	ch.down.Store(true)
	q := openQueue(t)
	m := metrics.New()
	o := notify.NewOutbox(single(ch), q, quietLogger(), notify.WithOutboxMetrics(m))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_ = o.Send(ctx, alertWithID(fmt.Sprintf("a%d", i)))
	}

	n, err := o.Flush(ctx)
	if err == nil || n != 0 {
		t.Fatalf("Flush while down = (%d, %v), want (0, error)", n, err)
	}
	pending, _ := q.Dequeue(ctx, 0, 10)
	if pending[0].Attempts != 1 || pending[1].Attempts != 0 {
		t.Errorf("attempts = %d,%d; want only the head attempted", pending[0].Attempts, pending[1].Attempts)
	}

	ch.down.Store(false)
	n, err = o.Flush(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Flush = (%d, %v), want (3, nil)", n, err)
	}
	if got := fmt.Sprint(ch.ids()); got != "[a1 a2 a3]" {
		t.Errorf("delivered = %s, want [a1 a2 a3]", got)
	}
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after Flush, want 0", d)
	}
	if got := testutil.ToFloat64(m.OutboxDepth); got != 0 {
		t.Errorf("fim_outbox_depth = %v, want 0", got)
	}
}

func TestOutbox_RunRedeliversUntilCancelled(t *testing.T) {
	ch := &flakyChannel{}
	ch.down.Store(true)
	q := openQueue(t)
	o := notify.NewOutbox(single(ch), q, quietLogger(),
		notify.WithRedeliverInterval(10*time.Millisecond),
		notify.WithMaxBackoff(20*time.Millisecond),
	)
	_ = o.Send(context.Background(), alertWithID("late"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	ch.down.Store(false)

	deadline := time.Now().Add(3 * time.Second)
	for q.Depth() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d := q.Depth(); d != 0 {
		t.Fatalf("Depth = %d, want queued alert redelivered", d)
	}
	if got := ch.ids(); len(got) != 1 || got[0] != "late" {
		t.Errorf("delivered = %v, want [late]", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOutbox_QueuedAlertSurvivesRestart(t *testing.T) {
	path := t.TempDir() + "/outbox.db"
	ch := &flakyChannel{}
	ch.down.Store(true)

	q1, err := queue.New(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = notify.NewOutbox(single(ch), q1, quietLogger()).Send(context.Background(), alertWithID("persisted"))
	_ = q1.Close()

	ch.down.Store(false)
	q2, err := queue.New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer q2.Close()
	n, err := notify.NewOutbox(single(ch), q2, quietLogger()).Flush(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Flush after restart = (%d, %v), want (1, nil)", n, err)
	}
}

func TestOutbox_RedeliversOnlyToFailedChannel(t *testing.T) {
	email := &flakyChannel{}
	webhook := &flakyChannel{}
	webhook.down.Store(true)
	q := openQueue(t)
	o := notify.NewOutbox(notify.Multi{
		{Name: "email", Channel: email},
		{Name: "webhook", Channel: webhook},
	}, q, quietLogger())
	ctx := context.Background()

	err := o.Send(ctx, alertWithID("a-1"))
	if !errors.Is(err, errUnavailable) {
		t.Fatalf("Send error = %v, want the webhook failure", err)
	}
	if d := q.Depth(); d != 1 {
		t.Fatalf("Depth = %d, want 1 row for the webhook only", d)
	}
	pending, _ := q.Dequeue(ctx, 0, 10)
	if pending[0].Channel != "webhook" {
		t.Errorf("queued channel = %q, want webhook", pending[0].Channel)
	}

	for i := 0; i < 2; i++ {
		if _, err := o.Flush(ctx); err == nil {
			t.Errorf("Flush %d while webhook down: want error", i)
		}
	}
	if got := fmt.Sprint(email.ids()); got != "[a-1]" {
		t.Errorf("email received %s, want [a-1] exactly once", got)
	}

	webhook.down.Store(false)
	n, err := o.Flush(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Flush after recovery = (%d, %v), want (1, nil)", n, err)
	}
	if got := fmt.Sprint(webhook.ids()); got != "[a-1]" {
		t.Errorf("webhook received %s, want [a-1]", got)
	}
	if got := fmt.Sprint(email.ids()); got != "[a-1]" {
		t.Errorf("email received %s after webhook recovery, want [a-1]", got)
	}
}

func TestOutbox_DownChannelDoesNotBlockOthers(t *testing.T) {
	email := &flakyChannel{}
	webhook := &flakyChannel{}
	email.down.Store(true)
	webhook.down.Store(true)
	q := openQueue(t)
	o := notify.NewOutbox(notify.Multi{
		{Name: "email", Channel: email},
		{Name: "webhook", Channel: webhook},
	}, q, quietLogger())
	ctx := context.Background()

	_ = o.Send(ctx, alertWithID("a-1"))
	_ = o.Send(ctx, alertWithID("a-2"))
	if d := q.Depth(); d != 4 {
		t.Fatalf("Depth = %d, want 4", d)
	}

	webhook.down.Store(false)
	n, err := o.Flush(ctx)
	if !errors.Is(err, errUnavailable) || n != 2 {
		t.Fatalf("Flush = (%d, %v), want (2, email failure)", n, err)
	}
	if got := fmt.Sprint(webhook.ids()); got != "[a-1 a-2]" {
		t.Errorf("webhook received %s, want [a-1 a-2]", got)
	}
	if d := q.Depth(); d != 2 {
		t.Errorf("Depth = %d, want the 2 email rows left", d)
	}
}

func TestOutbox_UnknownChannelRowIsDiscarded(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, "pager", alertWithID("old")); err != nil {
		t.Fatal(err)
	}
	ch := &flakyChannel{}
	n, err := notify.NewOutbox(single(ch), q, quietLogger()).Flush(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Flush = (%d, %v), want (0, nil)", n, err)
	}
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d, want row for removed channel acknowledged", d)
	}
	if len(ch.ids()) != 0 {
		t.Errorf("configured channel received %v", ch.ids())
	}
}

package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/beaconlabs/beacon/internal/activity"
	"github.com/beaconlabs/beacon/internal/auth"
	"github.com/beaconlabs/beacon/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingSink struct {
	err error
}

func (s failingSink) Append(context.Context, activity.Record) error { return s.err }

func newTestTracker(sink activity.Sink, clk *fakeClock) *Tracker {
	cfg := Config{
		SessionTTL: 4 * time.Hour,
		Metrics:    metrics.New(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if clk != nil {
		cfg.Now = clk.Now
	}
	return New(sink, cfg)
}

var alice = auth.Principal{ID: "alice"}

func TestRecordVisit_DuplicateIsNoOp(t *testing.T) {
	sink := activity.NewMemorySink()
	tr := newTestTracker(sink, nil)
	ctx := context.Background()

	if err := tr.RecordVisit(ctx, alice); err != nil {
		t.Fatalf("first visit: %v", err)
	}
	if err := tr.RecordVisit(ctx, alice); err != nil {
		t.Fatalf("duplicate visit must still succeed: %v", err)
	}

	visits := sink.ByType(activity.EventPageVisit)
	if len(visits) != 1 {
		t.Fatalf("got %d visit records, want exactly 1", len(visits))
	}
	if tr.OpenSessions() != 1 {
		t.Fatalf("open sessions=%d, want 1", tr.OpenSessions())
	}
}

func TestRecordLeave_ComputesFlooredSeconds(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	sink := activity.NewMemorySink()
	tr := newTestTracker(sink, clk)
	ctx := context.Background()

	if err := tr.RecordVisit(ctx, alice); err != nil {
		t.Fatalf("visit: %v", err)
	}

	clk.Advance(95*time.Second + 900*time.Millisecond)
	if err := tr.RecordLeave(ctx, alice); err != nil {
		t.Fatalf("leave: %v", err)
	}

	leaves := sink.ByType(activity.EventPageLeave)
	if len(leaves) != 1 {
		t.Fatalf("got %d leave records, want 1", len(leaves))
	}
	if got := leaves[0].Details["time_spent"]; got != int64(95) {
		t.Fatalf("time_spent=%v (%T), want 95", got, got)
	}
	if tr.OpenSessions() != 0 {
		t.Fatalf("open sessions=%d, want 0 after leave", tr.OpenSessions())
	}
}

func TestRecordLeave_WithoutOpenSession(t *testing.T) {
	sink := activity.NewMemorySink()
	tr := newTestTracker(sink, nil)

	if err := tr.RecordLeave(context.Background(), alice); err != nil {
		t.Fatalf("leave without session must not fail: %v", err)
	}

	leaves := sink.ByType(activity.EventPageLeave)
	if len(leaves) != 1 {
		t.Fatalf("got %d leave records, want 1", len(leaves))
	}
	if got := leaves[0].Details["time_spent"]; got != int64(0) {
		t.Fatalf("time_spent=%v, want 0", got)
	}
}

func TestRecordVisit_AfterLeaveOpensFreshSession(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	sink := activity.NewMemorySink()
	tr := newTestTracker(sink, clk)
	ctx := context.Background()

	if err := tr.RecordVisit(ctx, alice); err != nil {
		t.Fatalf("visit: %v", err)
	}
	clk.Advance(time.Minute)
	if err := tr.RecordLeave(ctx, alice); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := tr.RecordVisit(ctx, alice); err != nil {
		t.Fatalf("second visit: %v", err)
	}

	if got := len(sink.ByType(activity.EventPageVisit)); got != 2 {
		t.Fatalf("got %d visit records, want 2 (guard resets after leave)", got)
	}
	if tr.OpenSessions() != 1 {
		t.Fatalf("open sessions=%d, want 1", tr.OpenSessions())
	}
}

func TestRecordVisit_ConcurrentSamePrincipal(t *testing.T) {
	sink := activity.NewMemorySink()
	tr := newTestTracker(sink, nil)
	ctx := context.Background()

	const goroutines = 64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			<-start
			_ = tr.RecordVisit(ctx, alice)
		}()
	}
	close(start)
	wg.Wait()

	if got := len(sink.ByType(activity.EventPageVisit)); got != 1 {
		t.Fatalf("got %d visit records from concurrent visits, want exactly 1", got)
	}
	if tr.OpenSessions() != 1 {
		t.Fatalf("open sessions=%d, want exactly 1", tr.OpenSessions())
	}
}

func TestRecordVisit_SinkFailureRollsBackSession(t *testing.T) {
	tr := newTestTracker(failingSink{err: errors.New("disk full")}, nil)
	ctx := context.Background()

	if err := tr.RecordVisit(ctx, alice); err == nil {
		t.Fatalf("expected sink failure to surface")
	}
	if tr.OpenSessions() != 0 {
		t.Fatalf("open sessions=%d, want 0 after rollback", tr.OpenSessions())
	}

	// A retry against a healthy sink must succeed and emit a record.
	sink := activity.NewMemorySink()
	tr2 := newTestTracker(sink, nil)
	if err := tr2.RecordVisit(ctx, alice); err != nil {
		t.Fatalf("retry visit: %v", err)
	}
	if got := len(sink.ByType(activity.EventPageVisit)); got != 1 {
		t.Fatalf("got %d visit records after retry, want 1", got)
	}
}

func TestRecordActivity_StampsTimestampAndNeverDedups(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sink := activity.NewMemorySink()
	tr := newTestTracker(sink, clk)
	ctx := context.Background()

	details := map[string]any{"button": "signup"}
	if err := tr.RecordActivity(ctx, alice, "Button Click", details); err != nil {
		t.Fatalf("activity: %v", err)
	}
	if err := tr.RecordActivity(ctx, alice, "Button Click", details); err != nil {
		t.Fatalf("repeat activity: %v", err)
	}

	recs := sink.ByType("Button Click")
	if len(recs) != 2 {
		t.Fatalf("got %d activity records, want 2 (no dedup)", len(recs))
	}
	if got := recs[0].Details["timestamp"]; got != "2026-03-01T12:00:00Z" {
		t.Fatalf("timestamp=%v, want server-side stamp", got)
	}
	// Caller's map must not be mutated by the stamp.
	if _, ok := details["timestamp"]; ok {
		t.Fatalf("caller details mutated")
	}
}

func TestSweep_EvictsExpiredSessions(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	sink := activity.NewMemorySink()
	tr := New(sink, Config{
		SessionTTL: time.Hour,
		Metrics:    metrics.New(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        clk.Now,
	})
	ctx := context.Background()

	if err := tr.RecordVisit(ctx, alice); err != nil {
		t.Fatalf("visit: %v", err)
	}
	clk.Advance(30 * time.Minute)
	if err := tr.RecordVisit(ctx, auth.Principal{ID: "bob"}); err != nil {
		t.Fatalf("visit bob: %v", err)
	}

	clk.Advance(31 * time.Minute) // alice at 61m (expired), bob at 31m.
	tr.Sweep(ctx)

	if tr.OpenSessions() != 1 {
		t.Fatalf("open sessions=%d, want 1 (only bob)", tr.OpenSessions())
	}
	leaves := sink.ByType(activity.EventPageLeave)
	if len(leaves) != 1 {
		t.Fatalf("got %d leave records from sweep, want 1", len(leaves))
	}
	if leaves[0].UserID != "alice" {
		t.Fatalf("evicted=%q, want alice", leaves[0].UserID)
	}
	if got := leaves[0].Details["evicted"]; got != true {
		t.Fatalf("evicted detail=%v, want true", got)
	}
	if got := leaves[0].Details["time_spent"]; got != int64(3660) {
		t.Fatalf("time_spent=%v, want 3660", got)
	}
}

func TestSweep_DisabledWithoutTTL(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	sink := activity.NewMemorySink()
	tr := New(sink, Config{Metrics: metrics.New(), Now: clk.Now})
	ctx := context.Background()

	if err := tr.RecordVisit(ctx, alice); err != nil {
		t.Fatalf("visit: %v", err)
	}
	clk.Advance(1000 * time.Hour)
	tr.Sweep(ctx)

	if tr.OpenSessions() != 1 {
		t.Fatalf("session evicted despite TTL being disabled")
	}
}

func TestFlushOpenSessions(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	sink := activity.NewMemorySink()
	tr := newTestTracker(sink, clk)
	ctx := context.Background()

	if err := tr.RecordVisit(ctx, alice); err != nil {
		t.Fatalf("visit alice: %v", err)
	}
	if err := tr.RecordVisit(ctx, auth.Principal{ID: "bob"}); err != nil {
		t.Fatalf("visit bob: %v", err)
	}
	clk.Advance(42 * time.Second)

	tr.FlushOpenSessions(ctx)

	if tr.OpenSessions() != 0 {
		t.Fatalf("open sessions=%d, want 0 after flush", tr.OpenSessions())
	}
	leaves := sink.ByType(activity.EventPageLeave)
	if len(leaves) != 2 {
		t.Fatalf("leave records=%d, want 2", len(leaves))
	}
	for _, rec := range leaves {
		if got := rec.Details["time_spent"]; got != int64(42) {
			t.Fatalf("time_spent=%v, want 42", got)
		}
	}
}

func TestStartSweeper_CloseStopsGoroutine(t *testing.T) {
	tr := newTestTracker(activity.NewMemorySink(), nil)
	tr.StartSweeper(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

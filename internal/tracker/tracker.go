// Package tracker owns per-user page-visit state and turns lifecycle events
// into activity records.
//
// Invariant: at most one open visit session per principal. Duplicate visit
// reports are deduplicated; leave reports are idempotent. The per-principal
// check-and-set happens under a lock, while sink writes happen after release
// so a slow store cannot serialize unrelated requests.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beaconlabs/beacon/internal/activity"
	"github.com/beaconlabs/beacon/internal/auth"
	"github.com/beaconlabs/beacon/internal/metrics"
)

// VisitSession is the in-memory record of an open page visit.
type VisitSession struct {
	PrincipalID string
	VisitTime   time.Time
	Logged      bool
}

// Config wires the tracker's runtime dependencies.
type Config struct {
	// SessionTTL bounds how long an open visit may live without a matching
	// leave before the sweeper reaps it. Zero disables eviction.
	SessionTTL time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Now overrides the clock for tests.
	Now func() time.Time
}

type Tracker struct {
	sink activity.Sink
	m    *metrics.Metrics
	log  *slog.Logger
	now  func() time.Time
	ttl  time.Duration

	mu       sync.Mutex
	sessions map[string]*VisitSession

	cancel context.CancelFunc
	done   chan struct{}
}

func New(sink activity.Sink, cfg Config) *Tracker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		sink:     sink,
		m:        cfg.Metrics,
		log:      log,
		now:      now,
		ttl:      cfg.SessionTTL,
		sessions: make(map[string]*VisitSession),
	}
}

// RecordVisit opens a visit session for the principal and emits a "Page Visit"
// record. If a session is already open this is a successful no-op: the Logged
// guard absorbs duplicate client-side visit signals (page re-renders).
//
// The session is created before the sink write and rolled back if the write
// fails, so a client retry can re-attempt cleanly.
func (t *Tracker) RecordVisit(ctx context.Context, p auth.Principal) error {
	now := t.now()

	t.mu.Lock()
	if existing, ok := t.sessions[p.ID]; ok && existing.Logged {
		t.mu.Unlock()
		t.m.Inc(metrics.TrackerDuplicateVisits)
		return nil
	}
	sess := &VisitSession{PrincipalID: p.ID, VisitTime: now, Logged: true}
	t.sessions[p.ID] = sess
	t.mu.Unlock()

	rec := activity.NewRecord(p.ID, activity.EventPageVisit, map[string]any{
		"action":    "visit",
		"timestamp": now.UTC().Format(time.RFC3339),
	}, now)

	if err := t.sink.Append(ctx, rec); err != nil {
		// Roll back the optimistic open so the visit is retryable; only remove
		// the session this call created, not one a concurrent leave+visit pair
		// may have replaced it with.
		t.mu.Lock()
		if cur, ok := t.sessions[p.ID]; ok && cur == sess {
			delete(t.sessions, p.ID)
		}
		t.mu.Unlock()
		t.m.Inc(metrics.TrackerSinkFailures)
		return fmt.Errorf("append visit record: %w", err)
	}

	t.m.Inc(metrics.TrackerVisits)
	return nil
}

// RecordLeave closes the principal's open visit session, if any, and emits a
// "Page Leave" record with the elapsed whole seconds. A missing session is not
// an error: time_spent is reported as 0 so out-of-order events never hard-fail.
func (t *Tracker) RecordLeave(ctx context.Context, p auth.Principal) error {
	now := t.now()

	var timeSpent int64
	t.mu.Lock()
	if sess, ok := t.sessions[p.ID]; ok {
		if d := now.Sub(sess.VisitTime); d > 0 {
			timeSpent = int64(d / time.Second)
		}
		delete(t.sessions, p.ID)
	}
	t.mu.Unlock()

	rec := activity.NewRecord(p.ID, activity.EventPageLeave, map[string]any{
		"action":     "leave",
		"timestamp":  now.UTC().Format(time.RFC3339),
		"time_spent": timeSpent,
	}, now)

	if err := t.sink.Append(ctx, rec); err != nil {
		t.m.Inc(metrics.TrackerSinkFailures)
		return fmt.Errorf("append leave record: %w", err)
	}

	t.m.Inc(metrics.TrackerLeaves)
	return nil
}

// RecordActivity emits a generic activity record stamped with a server-side
// timestamp. No dedup and no state read; every call appends.
func (t *Tracker) RecordActivity(ctx context.Context, p auth.Principal, eventName string, details map[string]any) error {
	now := t.now()

	stamped := make(map[string]any, len(details)+1)
	for k, v := range details {
		stamped[k] = v
	}
	stamped["timestamp"] = now.UTC().Format(time.RFC3339)

	rec := activity.NewRecord(p.ID, eventName, stamped, now)

	if err := t.sink.Append(ctx, rec); err != nil {
		t.m.Inc(metrics.TrackerSinkFailures)
		return fmt.Errorf("append activity record: %w", err)
	}

	t.m.Inc(metrics.TrackerActivities)
	return nil
}

// OpenSessions returns the number of currently open visit sessions.
func (t *Tracker) OpenSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Sweep evicts visit sessions older than the TTL, emitting a "Page Leave"
// record for each so the visit's duration is not silently lost when a client
// disconnects without reporting a leave.
func (t *Tracker) Sweep(ctx context.Context) {
	if t.ttl <= 0 {
		return
	}
	now := t.now()

	var expired []*VisitSession
	t.mu.Lock()
	for id, sess := range t.sessions {
		if now.Sub(sess.VisitTime) > t.ttl {
			delete(t.sessions, id)
			expired = append(expired, sess)
		}
	}
	t.mu.Unlock()

	for _, sess := range expired {
		timeSpent := int64(now.Sub(sess.VisitTime) / time.Second)
		rec := activity.NewRecord(sess.PrincipalID, activity.EventPageLeave, map[string]any{
			"action":     "leave",
			"timestamp":  now.UTC().Format(time.RFC3339),
			"time_spent": timeSpent,
			"evicted":    true,
		}, now)
		if err := t.sink.Append(ctx, rec); err != nil {
			t.m.Inc(metrics.TrackerSinkFailures)
			t.log.Warn("failed to record evicted visit", "principal_id", sess.PrincipalID, "err", err)
			continue
		}
		t.m.Inc(metrics.TrackerEvicted)
	}
}

// FlushOpenSessions emits a "Page Leave" record for every open visit session
// and clears the map. Called on shutdown so in-flight visit durations survive
// a restart.
func (t *Tracker) FlushOpenSessions(ctx context.Context) {
	now := t.now()

	t.mu.Lock()
	open := make([]*VisitSession, 0, len(t.sessions))
	for id, sess := range t.sessions {
		delete(t.sessions, id)
		open = append(open, sess)
	}
	t.mu.Unlock()

	for _, sess := range open {
		var timeSpent int64
		if d := now.Sub(sess.VisitTime); d > 0 {
			timeSpent = int64(d / time.Second)
		}
		rec := activity.NewRecord(sess.PrincipalID, activity.EventPageLeave, map[string]any{
			"action":     "leave",
			"timestamp":  now.UTC().Format(time.RFC3339),
			"time_spent": timeSpent,
		}, now)
		if err := t.sink.Append(ctx, rec); err != nil {
			t.m.Inc(metrics.TrackerSinkFailures)
			t.log.Warn("failed to flush open visit", "principal_id", sess.PrincipalID, "err", err)
			continue
		}
		t.m.Inc(metrics.TrackerLeaves)
	}
}

// StartSweeper runs Sweep on the given interval until Close is called.
func (t *Tracker) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep(ctx)
			}
		}
	}()
}

// Close stops the sweeper. Safe to call even if StartSweeper was never called.
func (t *Tracker) Close() error {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	return nil
}

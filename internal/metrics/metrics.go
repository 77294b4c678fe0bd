// Package metrics is a minimal, concurrency-safe counter registry.
//
// The service is expected to plug into a real metrics backend eventually; this
// type exists to keep enforcement and relay logic testable while still
// exposing counters for scraping.
package metrics

import "sync"

// Counter names.
const (
	AuthFailure = "auth_failure"

	SignalPeersConnected = "signal_peers_connected"
	SignalMessagesIn     = "signal_messages_in"
	SignalMessagesOut    = "signal_messages_out"
	SignalSendFailed     = "signal_send_failed"
	SignalRateLimited    = "signal_rate_limited"
	SignalTooManyPeers   = "signal_too_many_peers"

	TrackerVisits          = "tracker_visits"
	TrackerDuplicateVisits = "tracker_duplicate_visits"
	TrackerLeaves          = "tracker_leaves"
	TrackerActivities      = "tracker_activities"
	TrackerSinkFailures    = "tracker_sink_failures"
	TrackerEvicted         = "tracker_evicted_sessions"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}

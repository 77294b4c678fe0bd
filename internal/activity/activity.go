// Package activity defines the append-only activity record sink fed by the
// session tracker.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known event types emitted by the tracker. Callers of the generic
// activity endpoint supply their own.
const (
	EventPageVisit = "Page Visit"
	EventPageLeave = "Page Leave"
)

// Record is an immutable activity event. Never mutated after creation; exactly
// one record is emitted per lifecycle or generic activity event.
type Record struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewRecord builds a Record with a fresh ID.
func NewRecord(userID, eventType string, details map[string]any, ts time.Time) Record {
	return Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		EventType: eventType,
		Details:   details,
		Timestamp: ts,
	}
}

// Sink is the durable destination for activity records. Append-only; the
// tracker never reads back through this interface and never retries a failed
// append.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// MemorySink retains records in memory. Used by tests and by dev runs without
// a database.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

// Records returns a copy of everything appended so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// ByType returns appended records matching eventType.
func (s *MemorySink) ByType(eventType string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.EventType == eventType {
			out = append(out, r)
		}
	}
	return out
}

var _ Sink = (*MemorySink)(nil)

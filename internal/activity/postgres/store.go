// Package postgres provides PostgreSQL storage for activity records.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/beaconlabs/beacon/internal/activity"
)

const (
	defaultRetentionDays = 90
	defaultQueryCapacity = 100
	maxQueryCapacity     = 10000
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// recordColumns lists columns returned by SELECT queries, in scan order.
var recordColumns = []string{
	"id", "user_id", "event_type", "details", "timestamp",
}

// Store implements activity.Sink using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL activity store.
type Config struct {
	RetentionDays int
}

func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{
		db:            db,
		retentionDays: cfg.RetentionDays,
	}
}

// Append inserts one activity record.
func (s *Store) Append(ctx context.Context, rec activity.Record) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		details = []byte("{}")
	}

	query := `
		INSERT INTO activity_records
		(id, user_id, event_type, details, timestamp, created_date)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		rec.EventType,
		details,
		rec.Timestamp,
		rec.Timestamp.Format("2006-01-02"),
	)
	if err != nil {
		return fmt.Errorf("inserting activity record: %w", err)
	}

	return nil
}

// QueryFilter narrows Query and Count results.
type QueryFilter struct {
	UserID    string
	EventType string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

func applyFilter(qb sq.SelectBuilder, filter QueryFilter) sq.SelectBuilder {
	if filter.UserID != "" {
		qb = qb.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.EventType != "" {
		qb = qb.Where(sq.Eq{"event_type": filter.EventType})
	}
	if filter.StartTime != nil {
		qb = qb.Where(sq.GtOrEq{"timestamp": *filter.StartTime})
	}
	if filter.EndTime != nil {
		qb = qb.Where(sq.LtOrEq{"timestamp": *filter.EndTime})
	}
	return qb
}

// Query retrieves records matching the filter, newest first. The relay and
// tracker never call this; it backs operational inspection only.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]activity.Record, error) {
	qb := applyFilter(psq.Select(recordColumns...).From("activity_records"), filter)
	qb = qb.OrderBy("timestamp DESC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building activity query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultQueryCapacity
	if filter.Limit > 0 && filter.Limit <= maxQueryCapacity {
		allocCap = filter.Limit
	}
	records := make([]activity.Record, 0, allocCap)

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity rows: %w", err)
	}

	return records, nil
}

// Count returns the number of records matching the filter.
func (s *Store) Count(ctx context.Context, filter QueryFilter) (int, error) {
	qb := applyFilter(psq.Select("COUNT(*)").From("activity_records"), filter)

	query, args, err := qb.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting activity records: %w", err)
	}
	return count, nil
}

func scanRecord(rows *sql.Rows) (activity.Record, error) {
	var rec activity.Record
	var details []byte

	err := rows.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.EventType,
		&details,
		&rec.Timestamp,
	)
	if err != nil {
		return rec, fmt.Errorf("scanning activity row: %w", err)
	}

	if len(details) > 0 {
		_ = json.Unmarshal(details, &rec.Details)
	}

	return rec, nil
}

// Cleanup removes records older than the retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	query := `DELETE FROM activity_records WHERE timestamp < $1`
	if _, err := s.db.ExecContext(ctx, query, cutoff); err != nil {
		return fmt.Errorf("cleaning up activity records: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically deletes
// old records. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Close cancels the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ activity.Sink = (*Store)(nil)

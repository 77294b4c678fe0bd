package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconlabs/beacon/internal/activity"
)

func newTestRecord() activity.Record {
	return activity.Record{
		ID:        "rec-123",
		UserID:    "user-abc",
		EventType: activity.EventPageVisit,
		Details:   map[string]any{"action": "visit", "timestamp": "2025-06-15T10:30:00Z"},
		Timestamp: time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC),
	}
}

func TestNew_DefaultRetention(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	t.Run("custom retention", func(t *testing.T) {
		store := New(db, Config{RetentionDays: 30})
		assert.Equal(t, 30, store.retentionDays)
	})

	t.Run("default retention when zero", func(t *testing.T) {
		store := New(db, Config{})
		assert.Equal(t, defaultRetentionDays, store.retentionDays)
	})
}

func TestAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})
	rec := newTestRecord()

	detailsJSON, err := json.Marshal(rec.Details)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO activity_records").WithArgs(
		rec.ID,
		rec.UserID,
		rec.EventType,
		detailsJSON,
		rec.Timestamp,
		rec.Timestamp.Format("2006-01-02"),
	).WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Append(context.Background(), rec)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_NilDetails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})
	rec := newTestRecord()
	rec.Details = nil

	mock.ExpectExec("INSERT INTO activity_records").WithArgs(
		rec.ID, rec.UserID, rec.EventType,
		[]byte("null"),
		rec.Timestamp,
		rec.Timestamp.Format("2006-01-02"),
	).WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Append(context.Background(), rec)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})

	mock.ExpectExec("INSERT INTO activity_records").
		WillReturnError(errors.New("connection refused"))

	err = store.Append(context.Background(), newTestRecord())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "inserting activity record")
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func testRecordRows(mock sqlmock.Sqlmock, records ...activity.Record) {
	rows := sqlmock.NewRows(recordColumns)
	for _, rec := range records {
		detailsJSON, _ := json.Marshal(rec.Details)
		rows.AddRow(rec.ID, rec.UserID, rec.EventType, detailsJSON, rec.Timestamp)
	}
	mock.ExpectQuery("SELECT .+ FROM activity_records").WillReturnRows(rows)
}

func TestQuery_NoFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})
	rec := newTestRecord()
	testRecordRows(mock, rec)

	results, err := store.Query(context.Background(), QueryFilter{})
	assert.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, rec.ID, results[0].ID)
	assert.Equal(t, rec.UserID, results[0].UserID)
	assert.Equal(t, rec.EventType, results[0].EventType)
	assert.Equal(t, "visit", results[0].Details["action"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_Filtered(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 30, 23, 59, 59, 0, time.UTC)

	mock.ExpectQuery("SELECT .+ FROM activity_records").
		WithArgs("user-abc", activity.EventPageLeave, start, end).
		WillReturnRows(sqlmock.NewRows(recordColumns))

	results, err := store.Query(context.Background(), QueryFilter{
		UserID:    "user-abc",
		EventType: activity.EventPageLeave,
		StartTime: &start,
		EndTime:   &end,
		Limit:     10,
	})
	assert.NoError(t, err)
	assert.Empty(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := store.Count(context.Background(), QueryFilter{})
	assert.NoError(t, err)
	assert.Equal(t, 42, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 30})

	mock.ExpectExec("DELETE FROM activity_records").
		WillReturnResult(sqlmock.NewResult(0, 3))

	err = store.Cleanup(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClose_WithoutCleanupRoutine(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	assert.NoError(t, store.Close())
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/anm-bot/internal/domain"
	"github.com/ashureev/anm-bot/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		code TEXT,
		reason TEXT,
		message TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_created ON lifecycle_events(created_at);

	CREATE TABLE IF NOT EXISTS handoffs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		correspondent_id TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_handoffs_created ON handoffs(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordLifecycleEvent appends a lifecycle event.
func (s *SQLiteStore) RecordLifecycleEvent(ctx context.Context, evt domain.Event, at time.Time) error {
	query := `INSERT INTO lifecycle_events (type, code, reason, message, created_at) VALUES (?, ?, ?, ?, ?)`
	return withRetry(ctx, "record lifecycle event", func() error {
		_, err := s.db.ExecContext(ctx, query,
			string(evt.Type), nullable(evt.Code), nullable(evt.Reason), nullable(evt.Message), at.UnixMilli())
		return err
	})
}

// ListLifecycleEvents returns the most recent events, newest first.
func (s *SQLiteStore) ListLifecycleEvents(ctx context.Context, limit int) ([]domain.LifecycleRecord, error) {
	query := `
		SELECT id, type, code, reason, message, created_at
		FROM lifecycle_events ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close lifecycle event rows", "error", closeErr)
		}
	}()

	records := []domain.LifecycleRecord{}
	for rows.Next() {
		var rec domain.LifecycleRecord
		var typ string
		var code, reason, message sql.NullString
		var createdAt int64

		if err := rows.Scan(&rec.ID, &typ, &code, &reason, &message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan lifecycle event row: %w", err)
		}
		rec.Event = domain.Event{
			Type:    domain.EventType(typ),
			Code:    code.String,
			Reason:  reason.String,
			Message: message.String,
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lifecycle events: %w", err)
	}
	return records, nil
}

// RecordHandoff appends a handoff record.
func (s *SQLiteStore) RecordHandoff(ctx context.Context, correspondentID, source string, at time.Time) error {
	query := `INSERT INTO handoffs (correspondent_id, source, created_at) VALUES (?, ?, ?)`
	return withRetry(ctx, "record handoff", func() error {
		_, err := s.db.ExecContext(ctx, query, correspondentID, source, at.UnixMilli())
		return err
	})
}

// ListHandoffs returns the most recent handoffs, newest first.
func (s *SQLiteStore) ListHandoffs(ctx context.Context, limit int) ([]domain.HandoffRecord, error) {
	query := `
		SELECT id, correspondent_id, source, created_at
		FROM handoffs ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query handoffs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close handoff rows", "error", closeErr)
		}
	}()

	records := []domain.HandoffRecord{}
	for rows.Next() {
		var rec domain.HandoffRecord
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.CorrespondentID, &rec.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan handoff row: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handoffs: %w", err)
	}
	return records, nil
}

// DeleteBefore removes events and handoffs created before cutoff.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	threshold := cutoff.UnixMilli()

	var events, handoffs int64
	err := withRetry(ctx, "delete old lifecycle events", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM lifecycle_events WHERE created_at < ?`, threshold)
		if err != nil {
			return err
		}
		events, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, 0, err
	}

	err = withRetry(ctx, "delete old handoffs", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM handoffs WHERE created_at < ?`, threshold)
		if err != nil {
			return err
		}
		handoffs, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return events, 0, err
	}
	return events, handoffs, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying with exponential backoff while SQLite reports
// lock contention.
func withRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // exponential backoff: 50ms, 100ms
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/anm-bot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "anmbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_LifecycleEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordLifecycleEvent(ctx, domain.Event{Type: domain.EventStarted}, base))
	require.NoError(t, s.RecordLifecycleEvent(ctx, domain.QR("2@xyz"), base.Add(time.Second)))
	require.NoError(t, s.RecordLifecycleEvent(ctx, domain.Disconnected("logged_out"), base.Add(2*time.Second)))

	records, err := s.ListLifecycleEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, domain.Disconnected("logged_out"), records[0].Event)
	assert.Equal(t, domain.QR("2@xyz"), records[1].Event)
	assert.Equal(t, domain.EventStarted, records[2].Event.Type)
	assert.True(t, records[1].CreatedAt.Equal(base.Add(time.Second)))

	limited, err := s.ListLifecycleEvents(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteStore_Handoffs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	records, err := s.ListHandoffs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, s.RecordHandoff(ctx, "5215550001@s.whatsapp.net", "service:2/b", now))
	require.NoError(t, s.RecordHandoff(ctx, "5215550002@s.whatsapp.net", "menu", now))

	records, err = s.ListHandoffs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "5215550002@s.whatsapp.net", records[0].CorrespondentID)
	assert.Equal(t, "menu", records[0].Source)
	assert.Equal(t, "service:2/b", records[1].Source)
}

func TestSQLiteStore_DeleteBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.RecordLifecycleEvent(ctx, domain.Event{Type: domain.EventReady}, now.Add(-48*time.Hour)))
	require.NoError(t, s.RecordLifecycleEvent(ctx, domain.Event{Type: domain.EventReady}, now))
	require.NoError(t, s.RecordHandoff(ctx, "a", "menu", now.Add(-48*time.Hour)))
	require.NoError(t, s.RecordHandoff(ctx, "b", "menu", now))

	events, handoffs, err := s.DeleteBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), events)
	assert.Equal(t, int64(1), handoffs)

	remaining, err := s.ListHandoffs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "b", remaining[0].CorrespondentID)
}

func TestNewSQLite_PragmasOnEveryConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Hold the connections open so the pool has to hand out distinct ones.
	for i := 0; i < 3; i++ {
		conn, err := s.db.Conn(ctx)
		require.NoError(t, err)
		defer conn.Close()

		var timeout int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		assert.Equal(t, 5000, timeout, "connection %d", i)

		var mode string
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode, "connection %d", i)
	}
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestWithRetry(t *testing.T) {
	var calls atomic.Int32
	err := withRetry(context.Background(), "op", func() error {
		if calls.Add(1) < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	err = withRetry(context.Background(), "op", func() error {
		calls.Add(1)
		return errors.New("constraint failed")
	})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "non-contention errors are not retried")
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, clampLimit(0))
	assert.Equal(t, DefaultListLimit, clampLimit(-5))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, 1000, clampLimit(5000))
}

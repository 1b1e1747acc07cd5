// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/anm-bot/internal/domain"
)

// DefaultListLimit bounds list queries when the caller passes no limit.
const DefaultListLimit = 100

// Repository defines the interface for persisting lifecycle history and
// handoffs.
type Repository interface {
	// RecordLifecycleEvent appends a lifecycle event.
	RecordLifecycleEvent(ctx context.Context, evt domain.Event, at time.Time) error

	// ListLifecycleEvents returns the most recent events, newest first.
	ListLifecycleEvents(ctx context.Context, limit int) ([]domain.LifecycleRecord, error)

	// RecordHandoff appends a handoff of correspondentID to a human agent.
	RecordHandoff(ctx context.Context, correspondentID, source string, at time.Time) error

	// ListHandoffs returns the most recent handoffs, newest first.
	ListHandoffs(ctx context.Context, limit int) ([]domain.HandoffRecord, error)

	// DeleteBefore removes events and handoffs created before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (events int64, handoffs int64, err error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

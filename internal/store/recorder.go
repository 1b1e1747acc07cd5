package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/anm-bot/internal/domain"
)

type pendingEvent struct {
	evt domain.Event
	at  time.Time
}

// EventRecorder persists published lifecycle events in the background so the
// publisher never waits on the database.
type EventRecorder struct {
	repo   Repository
	queue  chan pendingEvent
	logger *slog.Logger
	now    func() time.Time
}

// NewEventRecorder creates a recorder buffering up to size events.
func NewEventRecorder(repo Repository, size int, logger *slog.Logger) *EventRecorder {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRecorder{
		repo:   repo,
		queue:  make(chan pendingEvent, size),
		logger: logger.With("component", "event_recorder"),
		now:    time.Now,
	}
}

// Publish queues evt. Replies to single observers are not lifecycle history
// and are skipped.
func (r *EventRecorder) Publish(evt domain.Event) {
	if evt.Type == domain.EventPong {
		return
	}
	select {
	case r.queue <- pendingEvent{evt: evt, at: r.now()}:
	default:
		r.logger.Warn("Event recorder queue full, dropping event", "event", evt.Type)
	}
}

// Run writes queued events until ctx is cancelled, then flushes what is left.
func (r *EventRecorder) Run(ctx context.Context) error {
	for {
		select {
		case p := <-r.queue:
			r.write(ctx, p)
		case <-ctx.Done():
			r.flush()
			return nil
		}
	}
}

func (r *EventRecorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case p := <-r.queue:
			r.write(ctx, p)
		default:
			return
		}
	}
}

func (r *EventRecorder) write(ctx context.Context, p pendingEvent) {
	if err := r.repo.RecordLifecycleEvent(ctx, p.evt, p.at); err != nil {
		r.logger.Warn("Failed to record lifecycle event", "event", p.evt.Type, "error", err)
	}
}

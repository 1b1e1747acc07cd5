package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionWorkerInterval = time.Hour

// StartRetentionWorker runs a background goroutine that periodically deletes
// events and handoffs older than retention.
func StartRetentionWorker(ctx context.Context, repo Repository, retention time.Duration) {
	startRetentionWorker(ctx, repo, retention, retentionWorkerInterval, time.Now)
}

func startRetentionWorker(ctx context.Context, repo Repository, retention, interval time.Duration, now func() time.Time) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				sweepExpired(ctx, repo, retention, now)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpired(ctx context.Context, repo Repository, retention time.Duration, now func() time.Time) {
	events, handoffs, err := repo.DeleteBefore(ctx, now().Add(-retention))
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention worker: context canceled during sweep", "error", err)
			return
		}
		slog.Error("Retention worker failed to delete expired rows", "error", err)
		return
	}
	if events > 0 || handoffs > 0 {
		slog.Info("Retention worker cleanup completed", "events", events, "handoffs", handoffs)
	}
}

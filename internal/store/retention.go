package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionSweepInterval = 6 * time.Hour

// StartRetentionWorker periodically deletes sessions that have been idle
// longer than olderThanDays. Message rows go with them via the cascade.
// The worker stops when ctx is cancelled. olderThanDays <= 0 disables
// retention entirely.
func StartRetentionWorker(ctx context.Context, repo Repository, olderThanDays int) {
	if olderThanDays <= 0 {
		slog.Info("Session retention disabled")
		return
	}

	ticker := time.NewTicker(retentionSweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", retentionSweepInterval, "older_than_days", olderThanDays)

		for {
			select {
			case <-ticker.C:
				deleted, err := repo.DeleteOldSessions(ctx, olderThanDays)
				if err != nil {
					slog.Error("Retention sweep failed", "error", err)
					continue
				}
				if deleted > 0 {
					slog.Info("Retention sweep removed stale sessions", "count", deleted)
				}
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

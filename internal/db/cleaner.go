package db

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SessionSupervisor cancels enrollment sessions that have outlived the
// configured maximum age.
type SessionSupervisor interface {
	CancelStale(ctx context.Context, maxAge time.Duration) (bool, error)
}

// StartStaleSessionCleaner cancels stale enrollment sessions with interval.
// The state machine itself is timeout-agnostic; this supervisor layers the
// timeout policy on the session's startedAt field.
func StartStaleSessionCleaner(
	ctx context.Context,
	svc SessionSupervisor,
	interval time.Duration,
	maxAge time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cancelled, err := svc.CancelStale(ctx, maxAge)
				if err != nil {
					log.Error("failed to check for stale session", zap.Error(err))
					continue
				}
				if cancelled {
					log.Info("cancelled stale enrollment session")
				}
			}
		}
	}()
}

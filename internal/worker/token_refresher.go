package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Refresher renews the provider token of an authenticated session.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// StartTokenRefresher calls Refresh every interval until ctx ends. Refresh is
// a no-op while nobody is signed in.
func StartTokenRefresher(ctx context.Context, refresher Refresher, interval time.Duration, logger *zap.Logger) <-chan struct{} {
	if logger == nil {
		logger = zap.NewNop()
	}
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := refresher.Refresh(ctx); err != nil {
					logger.Warn("token refresh failed", zap.Error(err))
				}
			}
		}
	}()
	return done
}

package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper drops rate limiter state that no longer affects any decision.
type Sweeper interface {
	Sweep() int
}

// StartLimiterSweeper calls Sweep every interval until ctx ends.
func StartLimiterSweeper(ctx context.Context, sweeper Sweeper, interval time.Duration, logger *zap.Logger) <-chan struct{} {
	if logger == nil {
		logger = zap.NewNop()
	}
	done := make(chan struct{})
	if sweeper == nil || interval <= 0 {
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
				if removed := sweeper.Sweep(); removed > 0 {
					logger.Debug("swept idle rate limit keys", zap.Int("removed", removed))
				}
			}
		}
	}()
	return done
}

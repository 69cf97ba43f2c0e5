package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Listener is satisfied by the state store: it subscribes to the change
// channel and returns a stop function.
type Listener interface {
	StartListening(ctx context.Context) (func() error, error)
}

// StartBroadcastWorker keeps the change channel subscription alive until ctx
// ends, retrying the subscription with backoff while the backend is down.
// The returned channel closes once the worker has unsubscribed.
func StartBroadcastWorker(ctx context.Context, listener Listener, logger *zap.Logger) <-chan struct{} {
	if logger == nil {
		logger = zap.NewNop()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		backoff := time.Second
		for {
			stop, err := listener.StartListening(ctx)
			if err == nil {
				logger.Info("listening for cross-instance changes")
				<-ctx.Done()
				if err := stop(); err != nil {
					logger.Warn("stop change subscription", zap.Error(err))
				}
				return
			}

			logger.Warn("change subscription failed; retrying", zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
	return done
}

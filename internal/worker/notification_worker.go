package worker

import (
	"context"

	"github.com/spec-kit/session-service/internal/service"
)

// StartNotificationWorker registers notification handlers and detaches them
// when ctx ends.
func StartNotificationWorker(ctx context.Context, notificationService *service.NotificationService) {
	if notificationService == nil {
		return
	}
	notificationService.RegisterHandlers()
	go func() {
		<-ctx.Done()
		notificationService.Stop()
	}()
}

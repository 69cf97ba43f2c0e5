package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/session-service/internal/events"
)

const defaultListenerBuffer = 16

// NotificationService fans state and identity events out to stream
// listeners and keeps an audit trail in the log.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger

	mu        sync.Mutex
	nextID    int
	listeners map[int]chan events.Event
	stops     []func()
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger.Named("notifications"),
		listeners:  make(map[int]chan events.Event),
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.stops) > 0 {
		return
	}
	n.stops = append(n.stops,
		n.dispatcher.Subscribe(events.EventIdentityChanged, n.handleIdentityChanged),
		n.dispatcher.Subscribe(events.EventStateChanged, n.handleStateEvent),
		n.dispatcher.Subscribe(events.EventStateCleared, n.handleStateEvent),
		n.dispatcher.Subscribe(events.EventStateRestored, n.handleStateEvent),
	)
}

// Listen returns a channel of events for one stream client. Slow clients
// miss events rather than block publishers. Call the returned function to
// stop listening; it closes the channel.
func (n *NotificationService) Listen(buffer int) (<-chan events.Event, func()) {
	if buffer <= 0 {
		buffer = defaultListenerBuffer
	}
	ch := make(chan events.Event, buffer)

	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.listeners[id] = ch
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		// Stop may have detached the listener already
		if _, ok := n.listeners[id]; !ok {
			return
		}
		delete(n.listeners, id)
		close(ch)
	}
}

// Listeners reports how many stream clients are attached.
func (n *NotificationService) Listeners() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}

// Stop unsubscribes from the dispatcher and detaches every listener.
func (n *NotificationService) Stop() {
	n.mu.Lock()
	stops := n.stops
	n.stops = nil
	for id, ch := range n.listeners {
		delete(n.listeners, id)
		close(ch)
	}
	n.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

func (n *NotificationService) handleIdentityChanged(ctx context.Context, event events.Event) error {
	if payload, ok := event.Payload.(events.IdentityChangedPayload); ok {
		fields := []zap.Field{zap.String("state", payload.State), zap.Bool("provisional", payload.Provisional)}
		if payload.Identity != nil {
			fields = append(fields, zap.String("identity_id", payload.Identity.ID), zap.String("role", string(payload.Identity.Role)))
		}
		n.logger.Info("IdentityChanged", fields...)
	}
	n.broadcast(event)
	return nil
}

func (n *NotificationService) handleStateEvent(ctx context.Context, event events.Event) error {
	n.logger.Debug(string(event.Type),
		zap.String("key", event.Key),
		zap.Bool("remote", event.Remote),
		zap.String("origin", event.Origin))
	n.broadcast(event)
	return nil
}

func (n *NotificationService) broadcast(event events.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.listeners {
		select {
		case ch <- event:
		default:
			n.logger.Debug("dropping event for slow listener", zap.Int("listener", id), zap.String("event_type", string(event.Type)))
		}
	}
}

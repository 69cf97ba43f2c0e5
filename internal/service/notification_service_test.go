package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/session-service/internal/events"
	"github.com/spec-kit/session-service/internal/statestore"
)

func TestNotificationService_FansOutIdentityAndStateEvents(t *testing.T) {
	h := newHarness(t, nil, true)
	notifications := NewNotificationService(h.store.Dispatcher(), nil)
	notifications.RegisterHandlers()
	defer notifications.Stop()

	ch, stop := notifications.Listen(32)
	defer stop()

	ctx := context.Background()
	h.provider.session = session("u-1", "u1@studio.io")
	h.addProfile(t, "u-1", true)
	h.manager.Initialize(ctx)
	require.NoError(t, h.store.Save(ctx, map[string]int{"page": 2}, statestore.SaveOptions{Key: "grid"}))

	var received []events.Event
	for len(ch) > 0 {
		received = append(received, <-ch)
	}

	var states []string
	keys := map[string]bool{}
	for _, e := range received {
		switch e.Type {
		case events.EventIdentityChanged:
			states = append(states, e.Payload.(events.IdentityChangedPayload).State)
		case events.EventStateChanged:
			keys[e.Key] = true
		}
	}
	assert.Equal(t, []string{"initializing", "authenticated"}, states)
	assert.True(t, keys["grid"])
	assert.True(t, keys[IdentityKey])
}

func TestNotificationService_SlowListenerDoesNotBlock(t *testing.T) {
	dispatcher := events.NewInMemoryDispatcher(nil)
	notifications := NewNotificationService(dispatcher, nil)
	notifications.RegisterHandlers()

	ch, stop := notifications.Listen(1)
	for i := 0; i < 5; i++ {
		_ = dispatcher.Publish(context.Background(), events.Event{Type: events.EventStateRestored})
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, 1, notifications.Listeners())

	stop()
	stop()
	assert.Zero(t, notifications.Listeners())
	_, open := <-ch
	assert.True(t, open, "buffered event is still readable")
	_, open = <-ch
	assert.False(t, open)
}

func TestNotificationService_StopThenListenerStop(t *testing.T) {
	dispatcher := events.NewInMemoryDispatcher(nil)
	notifications := NewNotificationService(dispatcher, nil)
	notifications.RegisterHandlers()

	ch, stop := notifications.Listen(4)
	_ = dispatcher.Publish(context.Background(), events.Event{Type: events.EventStateRestored})

	notifications.Stop()
	assert.Zero(t, notifications.Listeners())
	assert.NotPanics(t, stop, "a stream handler stopping after shutdown closes nothing twice")

	received := 0
	for range ch {
		received++
	}
	assert.Equal(t, 1, received)

	_ = dispatcher.Publish(context.Background(), events.Event{Type: events.EventStateRestored})
	assert.NotPanics(t, notifications.Stop)
}

package events

import (
	"time"

	"github.com/spec-kit/session-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	// EventStateChanged fires when a persisted key is written, locally or by another instance.
	EventStateChanged EventType = "state_changed"
	// EventStateCleared fires when persisted keys are removed.
	EventStateCleared EventType = "state_cleared"
	// EventStateRestored asks consumers to re-pull persisted state.
	EventStateRestored EventType = "state_restored"
	// EventIdentityChanged fires on every session manager state transition.
	EventIdentityChanged EventType = "identity_changed"
)

// Event represents an in-process notification.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Key       string      `json:"key,omitempty"`
	Remote    bool        `json:"remote"`
	Origin    string      `json:"origin,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// IdentityChangedPayload payload.
type IdentityChangedPayload struct {
	State       string           `json:"state"`
	Identity    *domain.Identity `json:"identity,omitempty"`
	Provisional bool             `json:"provisional"`
}

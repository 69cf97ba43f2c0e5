package dto

import (
	"math"
	"time"

	"github.com/spec-kit/session-service/internal/statestore"
)

// StateMetaResponse describes the freshness of one persisted key.
type StateMetaResponse struct {
	Key        string     `json:"key"`
	Present    bool       `json:"present"`
	Stale      bool       `json:"stale"`
	AgeMinutes *float64   `json:"ageMinutes,omitempty"`
	SavedAt    *time.Time `json:"savedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// NewStateMeta builds the response. An infinite age means the key is absent
// and is omitted since JSON has no infinity.
func NewStateMeta(key string, envelope *statestore.Envelope, stale bool, age float64) StateMetaResponse {
	resp := StateMetaResponse{Key: key, Present: envelope != nil, Stale: stale}
	if !math.IsInf(age, 1) {
		resp.AgeMinutes = &age
	}
	if envelope != nil {
		saved, expires := envelope.SavedAt.UTC(), envelope.ExpiresAt.UTC()
		resp.SavedAt = &saved
		resp.ExpiresAt = &expires
	}
	return resp
}

// PositionRequest carries the current route and tab indicator.
type PositionRequest struct {
	Route string `json:"route"`
	Tab   string `json:"tab,omitempty"`
}

// ToPosition converts the payload.
func (p PositionRequest) ToPosition() statestore.Position {
	return statestore.Position{Route: p.Route, Tab: p.Tab}
}

// VisibleResponse tells the caller whether to navigate.
type VisibleResponse struct {
	Navigate bool                 `json:"navigate"`
	Target   *statestore.Position `json:"target,omitempty"`
}

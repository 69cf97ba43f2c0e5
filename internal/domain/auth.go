package domain

import (
	"fmt"
	"time"
)

// Metadata keys understood in the provider's user metadata bag.
const (
	MetadataName   = "name"
	MetadataRole   = "role"
	MetadataAvatar = "avatar_url"
)

// ProviderSession is the identity provider's opaque session plus raw claims.
// It is a claim, not proof; the profile service is authoritative.
type ProviderSession struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time      `json:"expires_at"`
	SubjectID    string         `json:"subject_id"`
	EmailClaim   string         `json:"email"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// MetadataString returns a metadata value rendered as a string.
func (s *ProviderSession) MetadataString(key string) string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	switch v := s.Metadata[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// SessionEventType enumerates provider session change events.
type SessionEventType string

const (
	SessionSignedIn       SessionEventType = "SIGNED_IN"
	SessionSignedOut      SessionEventType = "SIGNED_OUT"
	SessionTokenRefreshed SessionEventType = "TOKEN_REFRESHED"
	SessionUserUpdated    SessionEventType = "USER_UPDATED"
)

// SessionEvent is emitted by the provider whenever its session changes.
type SessionEvent struct {
	Type    SessionEventType
	Session *ProviderSession
}

package dto

import (
	"github.com/spec-kit/session-service/internal/domain"
	"github.com/spec-kit/session-service/internal/service"
)

// LoginRequest payload for password sign-in.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignupRequest payload for new accounts.
type SignupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// ProfileUpdateRequest payload for PATCH /session/profile. Omitted fields
// are left untouched.
type ProfileUpdateRequest struct {
	DisplayName *string `json:"displayName,omitempty"`
	AvatarRef   *string `json:"avatarRef,omitempty"`
}

// ToUpdate converts the payload to a domain update.
func (r ProfileUpdateRequest) ToUpdate() domain.ProfileUpdate {
	return domain.ProfileUpdate{DisplayName: r.DisplayName, AvatarRef: r.AvatarRef}
}

// SessionResponse is the published session snapshot.
type SessionResponse struct {
	State           service.State           `json:"state"`
	Identity        *domain.Identity        `json:"identity,omitempty"`
	IsAuthenticated bool                    `json:"isAuthenticated"`
	Loading         bool                    `json:"loading"`
	Provisional     bool                    `json:"provisional"`
	RateLimit       *service.RateLimitState `json:"rateLimit,omitempty"`
}

// NewSessionResponse renders a snapshot.
func NewSessionResponse(s service.Snapshot) SessionResponse {
	return SessionResponse{
		State:           s.State,
		Identity:        s.Identity,
		IsAuthenticated: s.IsAuthenticated,
		Loading:         s.Loading,
		Provisional:     s.Provisional,
		RateLimit:       s.RateLimit,
	}
}

package domain

import "strings"

// Identity is the validated application identity published by the session manager.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        Role   `json:"role"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Clone returns a copy that callers may keep.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// ProfileUpdate carries optional identity changes. Nil fields are left untouched.
type ProfileUpdate struct {
	DisplayName *string `json:"displayName,omitempty"`
	AvatarRef   *string `json:"avatarRef,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u ProfileUpdate) Empty() bool {
	return u.DisplayName == nil && u.AvatarRef == nil
}

// IdentityFromClaims derives the cheap, claims-only identity used when the
// profile service cannot be consulted.
func IdentityFromClaims(session *ProviderSession) *Identity {
	if session == nil {
		return nil
	}
	name := session.MetadataString(MetadataName)
	if name == "" {
		name = emailLocalPart(session.EmailClaim)
	}
	return &Identity{
		ID:          session.SubjectID,
		DisplayName: name,
		Email:       session.EmailClaim,
		Role:        ParseRole(session.MetadataString(MetadataRole)),
		AvatarRef:   session.MetadataString(MetadataAvatar),
	}
}

// IdentityFromProfile derives the authoritative identity from the profile row,
// keeping provider-only attributes from the session.
func IdentityFromProfile(session *ProviderSession, profile *Profile) *Identity {
	identity := IdentityFromClaims(session)
	if identity == nil || profile == nil {
		return identity
	}
	if profile.Name != "" {
		identity.DisplayName = profile.Name
	}
	if profile.Role != "" {
		identity.Role = ParseRole(string(profile.Role))
	}
	if identity.Email == "" {
		identity.Email = profile.Email
	}
	return identity
}

func emailLocalPart(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}

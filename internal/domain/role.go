package domain

import "strings"

// Role enumerates application roles carried by an Identity.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleStudioOwner Role = "studio_owner"
	RoleInstructor  Role = "instructor"
	RoleMember      Role = "member"
)

// ParseRole maps a raw claim or profile value to a Role. Unknown values
// become RoleMember so a tampered claim can never grant elevated access.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleStudioOwner:
		return RoleStudioOwner
	case RoleInstructor:
		return RoleInstructor
	default:
		return RoleMember
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleStudioOwner, RoleInstructor, RoleMember:
		return true
	}
	return false
}

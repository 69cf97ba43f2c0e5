package domain

import "time"

// Account is a credential record held by the local identity provider.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

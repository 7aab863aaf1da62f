package domain

import "time"

// User account statuses.
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User represents an end user (resource owner) that can authenticate.
type User struct {
	ID            int64
	Email         string
	EmailVerified bool
	PasswordHash  string
	Name          string
	AvatarURL     string
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// APIKey is a long-lived credential bound to a user. The key material is
// stored as a SHA-256 digest so lookups stay O(1); the plaintext is shown
// exactly once at creation.
type APIKey struct {
	ID         int64
	UserID     int64
	Label      string
	Digest     string
	Active     bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

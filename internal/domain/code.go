package domain

import "time"

// AuthorizationCode models short-lived single-use authorization codes.
type AuthorizationCode struct {
	ID                  int64
	ClientID            string
	UserID              int64
	Code                string
	RedirectURI         string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	CreatedAt           time.Time
}

// Expired reports whether the code is past its lifetime at the given instant.
func (c AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

package domain

import "errors"

// Sentinel errors shared across repositories and services.
var (
	// ErrNotFound is returned by repositories when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrCodeConsumed is returned when an authorization code was already redeemed.
	ErrCodeConsumed = errors.New("authorization code already consumed")
	// ErrClientInactive is returned for lookups of deactivated clients.
	ErrClientInactive = errors.New("client inactive")
)

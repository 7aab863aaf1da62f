package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/authgate/internal/domain"
)

// ClientRepository exposes OAuth client metadata.
type ClientRepository interface {
	GetByClientID(ctx context.Context, clientID string) (domain.Client, error)
	Create(ctx context.Context, client domain.Client) (domain.Client, error)
	// UpdateSecret atomically replaces the stored secret hash; the old secret
	// stops verifying the moment this returns.
	UpdateSecret(ctx context.Context, clientID, secretHash string) error
}

// CodeRepository manages single-use authorization codes.
type CodeRepository interface {
	Create(ctx context.Context, code domain.AuthorizationCode) error
	// Consume atomically removes and returns the code. Exactly one of two
	// concurrent calls for the same code succeeds; the loser gets
	// domain.ErrNotFound.
	Consume(ctx context.Context, code string) (domain.AuthorizationCode, error)
}

// KeyRepository stores signing keys.
type KeyRepository interface {
	ListKeys(ctx context.Context) ([]domain.SigningKey, error)
	CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error)
	RetireKey(ctx context.Context, kid string, at time.Time) error
}

// UserRepository exposes persistence for resource owners.
type UserRepository interface {
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	Create(ctx context.Context, user domain.User) (domain.User, error)
}

// APIKeyRepository looks up API keys by digest.
type APIKeyRepository interface {
	GetByDigest(ctx context.Context, digest string) (domain.APIKey, error)
	Create(ctx context.Context, key domain.APIKey) (domain.APIKey, error)
	TouchLastUsed(ctx context.Context, keyID int64, at time.Time) error
}

// RevocationStore tracks revoked token IDs until their natural expiry.
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

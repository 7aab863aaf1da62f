package jwt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/authgate/internal/repository"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	manager := NewKeyManager(repository.NewMemoryKeyRepo())
	require.NoError(t, manager.EnsureSigningKey(context.Background()))
	return NewSigner(manager)
}

func TestSignVerifyRoundtrip(t *testing.T) {
	signer := newTestSigner(t)
	ctx := context.Background()

	custom := TokenClaims{
		TokenType: TokenTypeAccess,
		Scope:     "openid profile",
		ClientID:  "web-app",
		Email:     "jo@example.com",
	}
	token, err := signer.Sign(ctx, baseTestClaims("https://auth.test", "42"), custom)
	require.NoError(t, err)

	std, got, err := signer.Verify(ctx, token, "https://auth.test")
	require.NoError(t, err)
	require.Equal(t, "42", std.Subject)
	require.Equal(t, custom, *got)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	signer := newTestSigner(t)
	ctx := context.Background()

	token, err := signer.Sign(ctx, baseTestClaims("https://auth.test", "42"), TokenClaims{TokenType: TokenTypeAccess})
	require.NoError(t, err)

	_, _, err = signer.Verify(ctx, token, "https://other.test")
	require.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	signer := newTestSigner(t)
	ctx := context.Background()

	token, err := signer.Sign(ctx, baseTestClaims("https://auth.test", "42"), TokenClaims{TokenType: TokenTypeAccess})
	require.NoError(t, err)

	// Move the verifier clock past expiry plus leeway.
	signer.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	_, _, err = signer.Verify(ctx, token, "https://auth.test")
	require.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	signer := newTestSigner(t)
	_, _, err := signer.Verify(context.Background(), "not-a-jwt", "https://auth.test")
	require.Error(t, err)
}

package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/authgate/internal/config"
	"github.com/smallbiznis/authgate/internal/repository"
)

func newClientService(t *testing.T) (*ClientService, *repository.MemoryClientRepo) {
	t.Helper()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	repo := repository.NewMemoryClientRepo()
	cfg := config.Config{SupportedScopes: []string{"openid", "profile", "email", "offline_access"}}
	return NewClientService(repo, node, cfg, zap.NewNop()), repo
}

func TestRegisterReturnsSecretOnce(t *testing.T) {
	svc, repo := newClientService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterClientRequest{
		RedirectURIs: []string{"https://app.test/callback"},
		Scope:        "openid email",
		ClientName:   "Test App",
	})
	require.NoError(t, err)
	require.NotEmpty(t, reg.ClientID)
	require.NotEmpty(t, reg.ClientSecret)
	require.Equal(t, []string{"authorization_code", "refresh_token"}, reg.GrantTypes)
	require.Equal(t, "openid email", reg.Scope)

	stored, err := repo.GetByClientID(ctx, reg.ClientID)
	require.NoError(t, err)
	require.NotEqual(t, reg.ClientSecret, stored.SecretHash)

	ok, err := verifySecret(reg.ClientSecret, stored.SecretHash)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRegisterRejectsRelativeRedirectURI(t *testing.T) {
	svc, _ := newClientService(t)

	_, err := svc.Register(context.Background(), RegisterClientRequest{
		RedirectURIs: []string{"/callback"},
	})
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, "invalid_redirect_uri", oauthErr.Code)
}

func TestRegisterRejectsUnknownGrantType(t *testing.T) {
	svc, _ := newClientService(t)

	_, err := svc.Register(context.Background(), RegisterClientRequest{
		RedirectURIs: []string{"https://app.test/callback"},
		GrantTypes:   []string{"implicit"},
	})
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, "invalid_client_metadata", oauthErr.Code)
}

func TestRegisterRejectsUnsupportedScope(t *testing.T) {
	svc, _ := newClientService(t)

	_, err := svc.Register(context.Background(), RegisterClientRequest{
		RedirectURIs: []string{"https://app.test/callback"},
		Scope:        "openid admin:everything",
	})
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, "invalid_client_metadata", oauthErr.Code)
}

func TestRotateSecretInvalidatesOld(t *testing.T) {
	svc, repo := newClientService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterClientRequest{
		RedirectURIs: []string{"https://app.test/callback"},
	})
	require.NoError(t, err)

	rotated, err := svc.RotateSecret(ctx, reg.ClientID)
	require.NoError(t, err)
	require.NotEqual(t, reg.ClientSecret, rotated)

	stored, err := repo.GetByClientID(ctx, reg.ClientID)
	require.NoError(t, err)

	ok, err := verifySecret(reg.ClientSecret, stored.SecretHash)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = verifySecret(rotated, stored.SecretHash)
	require.NoError(t, err)
	require.True(t, ok)
}

package bootstrap

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/authgate/internal/config"
	pw "github.com/smallbiznis/authgate/internal/password"
	"github.com/smallbiznis/authgate/internal/repository"
	"github.com/smallbiznis/authgate/internal/service"
)

func TestEnsureAdminCreatesAccountOnce(t *testing.T) {
	users := repository.NewMemoryUserRepo()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	svc := service.NewUserService(users, repository.NewMemoryAPIKeyRepo(), node, zap.NewNop())
	cfg := config.Config{AdminEmail: "Admin@Example.com", AdminPassword: "hunter2hunter2!"}

	require.NoError(t, EnsureAdmin(users, svc, cfg, zap.NewNop()))

	created, err := users.GetByEmail(context.Background(), "admin@example.com")
	require.NoError(t, err)
	require.Equal(t, "Administrator", created.Name)

	// A second run finds the account and changes nothing.
	require.NoError(t, EnsureAdmin(users, svc, cfg, zap.NewNop()))
	again, err := users.GetByEmail(context.Background(), "admin@example.com")
	require.NoError(t, err)
	require.Equal(t, created.ID, again.ID)
}

func TestEnsureAdminSkipsWithoutCredentials(t *testing.T) {
	users := repository.NewMemoryUserRepo()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	svc := service.NewUserService(users, repository.NewMemoryAPIKeyRepo(), node, zap.NewNop())

	require.NoError(t, EnsureAdmin(users, svc, config.Config{}, zap.NewNop()))
	_, err = users.GetByEmail(context.Background(), "")
	require.Error(t, err)
}

func TestEnsureDefaultClient(t *testing.T) {
	clients := repository.NewMemoryClientRepo()
	cfg := config.Config{
		DefaultClientID:           "web-app",
		DefaultClientSecret:       "s3cr3t-s3cr3t",
		DefaultClientRedirectURIs: []string{"https://app.test/callback"},
		SupportedScopes:           []string{"openid", "email"},
	}

	require.NoError(t, EnsureDefaultClient(clients, cfg, zap.NewNop()))

	client, err := clients.GetByClientID(context.Background(), "web-app")
	require.NoError(t, err)
	require.True(t, client.Active)
	require.Equal(t, []string{"https://app.test/callback"}, client.RedirectURIs)

	ok, err := pw.Verify("s3cr3t-s3cr3t", client.SecretHash)
	require.NoError(t, err)
	require.True(t, ok)

	// Idempotent across restarts.
	require.NoError(t, EnsureDefaultClient(clients, cfg, zap.NewNop()))
}

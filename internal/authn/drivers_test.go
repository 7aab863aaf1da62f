package authn

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/authgate/internal/domain"
	"github.com/smallbiznis/authgate/internal/password"
	"github.com/smallbiznis/authgate/internal/repository"
)

func seedUser(t *testing.T, users *repository.MemoryUserRepo, email, pass, status string) domain.User {
	t.Helper()
	hash, err := password.Hash(pass)
	require.NoError(t, err)
	user, err := users.Create(context.Background(), domain.User{
		Email:        email,
		PasswordHash: hash,
		Name:         "Jo",
		Status:       status,
	})
	require.NoError(t, err)
	return user
}

func requestWithHeader(t *testing.T, key, value string) *gin.Context {
	c := testContext(t, "/admin/users")
	if key != "" {
		c.Request.Header.Set(key, value)
	}
	return c
}

func TestAPIKeyDriver(t *testing.T) {
	users := repository.NewMemoryUserRepo()
	keys := repository.NewMemoryAPIKeyRepo()
	user := seedUser(t, users, "jo@example.com", "hunter2!", domain.UserStatusActive)

	const plaintext = "ak_test_key"
	_, err := keys.Create(context.Background(), domain.APIKey{
		UserID: user.ID,
		Digest: DigestAPIKey(plaintext),
		Active: true,
	})
	require.NoError(t, err)

	d := NewAPIKeyDriver(keys, users)

	_, err = d.Verify(requestWithHeader(t, "", ""))
	require.ErrorIs(t, err, ErrNoCredential)

	identity, err := d.Verify(requestWithHeader(t, APIKeyHeader, plaintext))
	require.NoError(t, err)
	require.Equal(t, user.ID, identity.UserID)
	require.Equal(t, "api_key", identity.Method)

	_, err = d.Verify(requestWithHeader(t, APIKeyHeader, "ak_wrong"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoCredential)
}

func TestAPIKeyDriverRejectsDisabledKeyAndUser(t *testing.T) {
	users := repository.NewMemoryUserRepo()
	keys := repository.NewMemoryAPIKeyRepo()
	ctx := context.Background()

	active := seedUser(t, users, "jo@example.com", "hunter2!", domain.UserStatusActive)
	disabled := seedUser(t, users, "ex@example.com", "hunter2!", domain.UserStatusDisabled)

	_, err := keys.Create(ctx, domain.APIKey{UserID: active.ID, Digest: DigestAPIKey("ak_inactive"), Active: false})
	require.NoError(t, err)
	_, err = keys.Create(ctx, domain.APIKey{UserID: disabled.ID, Digest: DigestAPIKey("ak_orphan"), Active: true})
	require.NoError(t, err)

	d := NewAPIKeyDriver(keys, users)

	_, err = d.Verify(requestWithHeader(t, APIKeyHeader, "ak_inactive"))
	require.Error(t, err)
	_, err = d.Verify(requestWithHeader(t, APIKeyHeader, "ak_orphan"))
	require.Error(t, err)
}

func basicHeader(email, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(email+":"+pass))
}

func TestBasicDriver(t *testing.T) {
	users := repository.NewMemoryUserRepo()
	user := seedUser(t, users, "jo@example.com", "hunter2!", domain.UserStatusActive)

	d := NewBasicDriver(users)

	_, err := d.Verify(requestWithHeader(t, "", ""))
	require.ErrorIs(t, err, ErrNoCredential)

	// Bearer tokens are someone else's credential, not a failure here.
	_, err = d.Verify(requestWithHeader(t, "Authorization", "Bearer abc"))
	require.ErrorIs(t, err, ErrNoCredential)

	identity, err := d.Verify(requestWithHeader(t, "Authorization", basicHeader("jo@example.com", "hunter2!")))
	require.NoError(t, err)
	require.Equal(t, user.ID, identity.UserID)
	require.Equal(t, "basic", identity.Method)

	_, err = d.Verify(requestWithHeader(t, "Authorization", basicHeader("jo@example.com", "wrong")))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoCredential)
}

func TestBasicDriverNormalizesEmail(t *testing.T) {
	users := repository.NewMemoryUserRepo()
	user := seedUser(t, users, "jo@example.com", "hunter2!", domain.UserStatusActive)

	d := NewBasicDriver(users)
	identity, err := d.Verify(requestWithHeader(t, "Authorization", basicHeader(" Jo@Example.COM ", "hunter2!")))
	require.NoError(t, err)
	require.Equal(t, user.ID, identity.UserID)
}

func TestBasicDriverRejectsInactiveUser(t *testing.T) {
	users := repository.NewMemoryUserRepo()
	seedUser(t, users, "ex@example.com", "hunter2!", domain.UserStatusDisabled)

	d := NewBasicDriver(users)
	_, err := d.Verify(requestWithHeader(t, "Authorization", basicHeader("ex@example.com", "hunter2!")))
	require.Error(t, err)
}

func TestBasicDriverMalformedPayload(t *testing.T) {
	d := NewBasicDriver(repository.NewMemoryUserRepo())

	_, err := d.Verify(requestWithHeader(t, "Authorization", "Basic not-base64!!"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoCredential)
}

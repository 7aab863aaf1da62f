package authn

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/authgate/internal/domain"
	"github.com/smallbiznis/authgate/internal/password"
	"github.com/smallbiznis/authgate/internal/repository"
)

// JWTDriver accepts bearer tokens signed by this server and verifies them
// locally against the key set.
type JWTDriver struct {
	verifier AccessVerifier
	issuer   string
}

// NewJWTDriver builds the driver.
func NewJWTDriver(verifier AccessVerifier, issuer string) *JWTDriver {
	return &JWTDriver{verifier: verifier, issuer: issuer}
}

func (d *JWTDriver) Name() string { return "jwt" }

func (d *JWTDriver) Verify(c *gin.Context) (*domain.Identity, error) {
	token := bearerToken(c)
	if token == "" {
		return nil, ErrNoCredential
	}
	std, custom, err := d.verifier.VerifyAccessToken(c.Request.Context(), token, d.issuer)
	if err != nil {
		return nil, fmt.Errorf("jwt verification failed: %w", err)
	}
	return identityFromClaims(std, custom, d.Name()), nil
}

// OAuth2Driver accepts bearer access tokens like JWTDriver but additionally
// consults the revocation denylist, matching introspection semantics.
type OAuth2Driver struct {
	verifier AccessVerifier
	revoked  RevocationChecker
	issuer   string
}

// NewOAuth2Driver builds the driver.
func NewOAuth2Driver(verifier AccessVerifier, revoked RevocationChecker, issuer string) *OAuth2Driver {
	return &OAuth2Driver{verifier: verifier, revoked: revoked, issuer: issuer}
}

func (d *OAuth2Driver) Name() string { return "oauth2" }

func (d *OAuth2Driver) Verify(c *gin.Context) (*domain.Identity, error) {
	token := bearerToken(c)
	if token == "" {
		return nil, ErrNoCredential
	}
	ctx := c.Request.Context()
	std, custom, err := d.verifier.VerifyAccessToken(ctx, token, d.issuer)
	if err != nil {
		return nil, fmt.Errorf("oauth2 verification failed: %w", err)
	}
	if d.revoked != nil && d.revoked.IsRevoked(ctx, std.ID) {
		return nil, fmt.Errorf("oauth2 token %s revoked", std.ID)
	}
	return identityFromClaims(std, custom, d.Name()), nil
}

// APIKeyHeader carries the key material for APIKeyDriver.
const APIKeyHeader = "X-API-Key"

// APIKeyDriver authenticates long-lived API keys. Keys are looked up by
// SHA-256 digest so the plaintext never touches storage.
type APIKeyDriver struct {
	keys  repository.APIKeyRepository
	users repository.UserRepository
	now   func() time.Time
}

// NewAPIKeyDriver builds the driver.
func NewAPIKeyDriver(keys repository.APIKeyRepository, users repository.UserRepository) *APIKeyDriver {
	return &APIKeyDriver{keys: keys, users: users, now: time.Now}
}

func (d *APIKeyDriver) Name() string { return "api_key" }

func (d *APIKeyDriver) Verify(c *gin.Context) (*domain.Identity, error) {
	raw := strings.TrimSpace(c.GetHeader(APIKeyHeader))
	if raw == "" {
		return nil, ErrNoCredential
	}
	ctx := c.Request.Context()

	key, err := d.keys.GetByDigest(ctx, DigestAPIKey(raw))
	if err != nil {
		return nil, fmt.Errorf("unknown api key")
	}
	if !key.Active {
		return nil, fmt.Errorf("api key %d disabled", key.ID)
	}
	user, err := d.users.GetByID(ctx, key.UserID)
	if err != nil {
		return nil, fmt.Errorf("api key %d user lookup: %w", key.ID, err)
	}
	if user.Status != domain.UserStatusActive {
		return nil, fmt.Errorf("api key %d user inactive", key.ID)
	}
	// Usage tracking is best effort.
	_ = d.keys.TouchLastUsed(ctx, key.ID, d.now().UTC())

	return &domain.Identity{
		Kind:    domain.IdentityUser,
		Subject: strconv.FormatInt(user.ID, 10),
		UserID:  user.ID,
		Email:   user.Email,
		Name:    user.Name,
		Method:  d.Name(),
	}, nil
}

// DigestAPIKey returns the stored form of an API key.
func DigestAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// BasicDriver authenticates HTTP Basic credentials against user accounts.
type BasicDriver struct {
	users repository.UserRepository
}

// NewBasicDriver builds the driver.
func NewBasicDriver(users repository.UserRepository) *BasicDriver {
	return &BasicDriver{users: users}
}

func (d *BasicDriver) Name() string { return "basic" }

func (d *BasicDriver) Verify(c *gin.Context) (*domain.Identity, error) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return nil, ErrNoCredential
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Basic") {
		return nil, ErrNoCredential
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("malformed basic credentials")
	}
	email, pass, found := strings.Cut(string(decoded), ":")
	// Accounts are stored with lowercase emails.
	email = strings.ToLower(strings.TrimSpace(email))
	if !found || email == "" {
		return nil, fmt.Errorf("malformed basic credentials")
	}

	ctx := c.Request.Context()
	user, err := d.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("basic auth failed for %s", email)
	}
	ok, err := password.Verify(pass, user.PasswordHash)
	if err != nil || !ok {
		return nil, fmt.Errorf("basic auth failed for %s", email)
	}
	if user.Status != domain.UserStatusActive {
		return nil, fmt.Errorf("basic auth user %d inactive", user.ID)
	}

	return &domain.Identity{
		Kind:    domain.IdentityUser,
		Subject: strconv.FormatInt(user.ID, 10),
		UserID:  user.ID,
		Email:   user.Email,
		Name:    user.Name,
		Method:  d.Name(),
	}, nil
}

package authn

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/smallbiznis/authgate/internal/domain"
	"github.com/smallbiznis/authgate/internal/jwt"
)

// ErrNoCredential signals that a driver found nothing to verify on the
// request. The resolver treats it differently from a bad credential: absence
// falls through to the next driver, invalidity counts as a failure.
var ErrNoCredential = errors.New("no credential presented")

// Driver authenticates one kind of credential carried by a request.
type Driver interface {
	Name() string
	Verify(c *gin.Context) (*domain.Identity, error)
}

// AccessVerifier validates a bearer access token. *service.TokenService
// satisfies it.
type AccessVerifier interface {
	VerifyAccessToken(ctx context.Context, token, issuer string) (*gojwt.Claims, *jwt.TokenClaims, error)
}

// RevocationChecker reports whether a token ID is on the denylist.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) bool
}

// TokenRefresher exchanges a refresh token for a new access token. The
// session driver uses it to renew sessions before the embedded token expires.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken, issuer string) (accessToken, refreshToken2, idToken string, expiresIn int, err error)
}

// FailureEvent describes a rejected credential. Events feed abuse tracking.
type FailureEvent struct {
	RemoteIP string
	Path     string
	Driver   string
	Reason   string
	At       time.Time
}

// FailureSink consumes authentication failures.
type FailureSink interface {
	HandleFailure(ctx context.Context, event FailureEvent)
}

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func identityFromClaims(std *gojwt.Claims, custom *jwt.TokenClaims, method string) *domain.Identity {
	id := &domain.Identity{
		Kind:     domain.IdentityUser,
		Subject:  std.Subject,
		ClientID: custom.ClientID,
		Email:    custom.Email,
		Name:     custom.Name,
		Scopes:   splitScopes(custom.Scope),
		Method:   method,
	}
	if std.Subject == custom.ClientID && custom.ClientID != "" {
		id.Kind = domain.IdentityClient
		return id
	}
	if userID, err := strconv.ParseInt(std.Subject, 10, 64); err == nil {
		id.UserID = userID
	}
	return id
}

func splitScopes(scope string) []string {
	return strings.Fields(strings.TrimSpace(scope))
}

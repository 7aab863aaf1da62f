package authn

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/authgate/internal/domain"
	"github.com/smallbiznis/authgate/internal/session"
)

// CookieOptions shape the session cookie the driver writes back.
type CookieOptions struct {
	Name   string
	Domain string
	Secure bool
}

// SessionDriver authenticates browser sessions carried in a signed cookie.
// On success it slides the rolling expiry window, and when the embedded
// access token is close to expiring it renews the token set through the
// refresh grant before re-issuing the cookie.
type SessionDriver struct {
	codec     *session.Codec
	refresher TokenRefresher
	issuer    string
	cookie    CookieOptions
	threshold time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewSessionDriver builds the driver. threshold is how far ahead of access
// token expiry a refresh is attempted.
func NewSessionDriver(codec *session.Codec, refresher TokenRefresher, issuer string, cookie CookieOptions, threshold time.Duration, logger *zap.Logger) *SessionDriver {
	return &SessionDriver{
		codec:     codec,
		refresher: refresher,
		issuer:    issuer,
		cookie:    cookie,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

func (d *SessionDriver) Name() string { return "oidc" }

func (d *SessionDriver) Verify(c *gin.Context) (*domain.Identity, error) {
	raw, err := c.Cookie(d.cookie.Name)
	if err != nil || raw == "" {
		return nil, ErrNoCredential
	}

	rec := d.codec.Decode(raw)
	if rec == nil {
		return nil, fmt.Errorf("invalid session cookie")
	}

	now := d.now().UTC()
	if d.refresher != nil && rec.RefreshToken != "" && now.Add(d.threshold).After(rec.TokenExpiresAt) {
		access, refresh, idToken, expiresIn, err := d.refresher.Refresh(c.Request.Context(), rec.RefreshToken, d.issuer)
		if err != nil {
			// A failed renewal does not end the session while the current
			// access token is still valid.
			d.log().Warn("session token refresh failed", zap.Int64("user_id", rec.UserID), zap.Error(err))
		} else {
			rec.AccessToken = access
			if refresh != "" {
				rec.RefreshToken = refresh
			}
			if idToken != "" {
				rec.IDToken = idToken
			}
			rec.TokenExpiresAt = now.Add(time.Duration(expiresIn) * time.Second)
		}
	}
	if !now.Before(rec.TokenExpiresAt) {
		return nil, fmt.Errorf("session access token expired")
	}

	d.codec.Touch(rec)
	if encoded, err := d.codec.Encode(*rec); err != nil {
		d.log().Warn("session re-encode failed", zap.Error(err))
	} else {
		WriteSessionCookie(c, d.cookie, encoded, int(d.codec.MaxAge().Seconds()))
	}

	return &domain.Identity{
		Kind:    domain.IdentityUser,
		Subject: rec.Subject,
		UserID:  rec.UserID,
		Email:   rec.Email,
		Name:    rec.Name,
		Scopes:  splitScopes(rec.Scope),
		Method:  d.Name(),
	}, nil
}

// WriteSessionCookie sets the session cookie with the shared attributes.
// maxAge <= 0 clears the cookie.
func WriteSessionCookie(c *gin.Context, opts CookieOptions, value string, maxAge int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     opts.Name,
		Value:    value,
		Path:     "/",
		Domain:   opts.Domain,
		MaxAge:   maxAge,
		Secure:   opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (d *SessionDriver) log() *zap.Logger {
	if d != nil && d.logger != nil {
		return d.logger
	}
	return zap.L()
}

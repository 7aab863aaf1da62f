package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/authgate/internal/authn"
	"github.com/smallbiznis/authgate/internal/domain"
)

const identityKey = "identity"

// Authenticate runs the resolver over every request. Paths without a
// matching rule pass through anonymously; rejected requests get a JSON 401
// or, for browsers, a redirect to the login form.
func Authenticate(resolver *authn.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, resolveErr := resolver.Resolve(c)
		if resolveErr != nil {
			abortUnauthenticated(c, resolveErr)
			return
		}
		if identity != nil {
			c.Set(identityKey, identity)
		}
		c.Next()
	}
}

// GetIdentity exposes the authenticated identity to handlers.
func GetIdentity(c *gin.Context) (*domain.Identity, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := value.(*domain.Identity)
	return identity, ok
}

func abortUnauthenticated(c *gin.Context, resolveErr *authn.ResolveError) {
	if resolveErr.Status == http.StatusUnauthorized && wantsHTML(c) {
		loginURL := url.URL{Path: "/auth/login"}
		q := loginURL.Query()
		q.Set("continue", c.Request.URL.RequestURI())
		loginURL.RawQuery = q.Encode()
		c.Redirect(http.StatusFound, loginURL.String())
		c.Abort()
		return
	}

	if resolveErr.Status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", "Bearer")
	}
	errCode := "invalid_token"
	if resolveErr.Status == http.StatusForbidden {
		errCode = "insufficient_scope"
	}
	c.AbortWithStatusJSON(resolveErr.Status, gin.H{"error": errCode, "error_description": resolveErr.Reason})
}

// wantsHTML distinguishes browsers from API clients by the Accept header.
func wantsHTML(c *gin.Context) bool {
	accept := c.GetHeader("Accept")
	return strings.Contains(accept, "text/html")
}

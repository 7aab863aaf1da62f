package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/authgate/internal/failban"
	"github.com/smallbiznis/authgate/internal/ratelimit"
)

// Gate sits in front of routing and rejects banned clients before any other
// work happens. Either dependency may be nil.
func Gate(bans *failban.Manager, limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()

		if bans != nil && bans.IsBanned(c.Request.Context(), key) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":             "access_denied",
				"error_description": "Client is temporarily banned.",
			})
			return
		}

		if limiter == nil {
			c.Next()
			return
		}

		path := c.Request.URL.Path
		decision, matched := limiter.Reserve(path, key)
		if !matched {
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retryAfter := int64(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()

		// skip_successful rules only charge failed requests.
		if decision.SkipSuccessful && c.Writer.Status() < http.StatusBadRequest {
			limiter.Refund(path, key)
		}
	}
}

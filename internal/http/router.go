package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/smallbiznis/authgate/internal/authn"
	"github.com/smallbiznis/authgate/internal/config"
	"github.com/smallbiznis/authgate/internal/failban"
	"github.com/smallbiznis/authgate/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/authgate/internal/http/middleware"
	"github.com/smallbiznis/authgate/internal/middleware"
	"github.com/smallbiznis/authgate/internal/ratelimit"
)

// NewRouter wires Gin routes and middleware. The gate runs before anything
// else so banned and throttled clients never reach route handling; the
// resolver then authenticates whatever the rules file demands.
func NewRouter(
	cfg config.Config,
	authHandler *handler.AuthHandler,
	adminHandler *handler.AdminHandler,
	resolver *authn.Resolver,
	bans *failban.Manager,
	limiter *ratelimit.Limiter,
	backstop *middleware.RateLimiter,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	r.Use(httpmiddleware.Gate(bans, limiter))
	if backstop != nil {
		r.Use(backstop.Handler())
	}
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(httpmiddleware.Authenticate(resolver))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/.well-known/openid-configuration", authHandler.OpenIDConfig)
	r.GET("/.well-known/jwks.json", authHandler.JWKS)

	auth := r.Group("/auth")
	{
		auth.POST("/token", authHandler.Token)
		auth.GET("/authorize", authHandler.Authorize)
		auth.GET("/login", authHandler.LoginForm)
		auth.POST("/login", authHandler.Login)
		auth.POST("/logout", authHandler.Logout)
		auth.GET("/logout", authHandler.Logout)
		auth.POST("/introspect", authHandler.Introspect)
		auth.POST("/revoke", authHandler.Revoke)
		auth.GET("/userinfo", authHandler.UserInfo)
	}

	r.POST("/oauth/register", authHandler.Register)

	admin := r.Group("/admin")
	{
		admin.GET("/bans", adminHandler.ListBans)
		admin.POST("/bans", adminHandler.CreateBan)
		admin.DELETE("/bans/:key", adminHandler.DeleteBan)
	}

	return r
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/authgate/internal/authn"
	"github.com/smallbiznis/authgate/internal/config"
	"github.com/smallbiznis/authgate/internal/failban"
	"github.com/smallbiznis/authgate/internal/http/handler"
	"github.com/smallbiznis/authgate/internal/jwt"
	"github.com/smallbiznis/authgate/internal/ratelimit"
	"github.com/smallbiznis/authgate/internal/repository"
	"github.com/smallbiznis/authgate/internal/service"
	"github.com/smallbiznis/authgate/internal/session"
)

// httptest requests carry Host example.com, so this is the issuer every
// token minted through the router ends up with.
const testIssuer = "http://example.com"

type routerEnv struct {
	router *gin.Engine
	users  *service.UserService
	tokens *service.TokenService
	bans   *failban.Manager
}

func newRouterEnv(t *testing.T, authRules []authn.RuleConfig, rateRules []ratelimit.Rule, banOpts failban.Options) *routerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	cfg := config.Config{
		ServiceName:     "authgate",
		Environment:     "test",
		Issuer:          testIssuer,
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
		SupportedScopes: []string{"openid", "profile", "email", "offline_access"},
	}

	clientRepo := repository.NewMemoryClientRepo()
	codeRepo := repository.NewMemoryCodeRepo()
	userRepo := repository.NewMemoryUserRepo()
	apiKeyRepo := repository.NewMemoryAPIKeyRepo()
	revoked := repository.NewMemoryRevocationStore()

	keys := jwt.NewKeyManager(repository.NewMemoryKeyRepo())
	require.NoError(t, keys.EnsureSigningKey(ctx))
	signer := jwt.NewSigner(keys)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	logger := zap.NewNop()
	tokens := service.NewTokenService(clientRepo, codeRepo, userRepo, revoked, signer, keys, node, cfg, logger)
	users := service.NewUserService(userRepo, apiKeyRepo, node, logger)
	clients := service.NewClientService(clientRepo, node, cfg, logger)
	discovery := service.NewDiscoveryService(cfg)

	codec := session.NewCodec([]byte("0123456789abcdef0123456789abcdef"), 24*time.Hour, 7*24*time.Hour, 24*time.Hour)
	cookie := authn.CookieOptions{Name: "ag_session"}

	bans := failban.NewManager(failban.NewMemoryStore(), banOpts, logger)

	drivers := []authn.Driver{
		authn.NewJWTDriver(tokens, cfg.Issuer),
		authn.NewAPIKeyDriver(apiKeyRepo, userRepo),
	}
	resolver, err := authn.NewResolver(drivers, authRules, bans, logger)
	require.NoError(t, err)

	authHandler := handler.NewAuthHandler(tokens, users, clients, discovery, codec, cookie, logger)
	adminHandler := handler.NewAdminHandler(bans, logger)

	return &routerEnv{
		router: NewRouter(cfg, authHandler, adminHandler, resolver, bans, ratelimit.NewLimiter(rateRules), nil),
		users:  users,
		tokens: tokens,
		bans:   bans,
	}
}

func (e *routerEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func formRequest(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestDiscoveryDocument(t *testing.T) {
	env := newRouterEnv(t, nil, nil, failban.Options{})

	w := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, w.Code)

	doc := decodeJSON(t, w)
	require.Equal(t, testIssuer, doc["issuer"])
	require.Equal(t, testIssuer+"/auth/token", doc["token_endpoint"])
	require.Equal(t, testIssuer+"/.well-known/jwks.json", doc["jwks_uri"])
	require.Contains(t, doc["grant_types_supported"], "authorization_code")
	require.Contains(t, doc["code_challenge_methods_supported"], "S256")
}

func TestJWKSServesSigningKey(t *testing.T) {
	env := newRouterEnv(t, nil, nil, failban.Options{})

	w := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, w.Code)

	doc := decodeJSON(t, w)
	keys, ok := doc["keys"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, keys)
}

func TestAuthorizationCodeFlowEndToEnd(t *testing.T) {
	env := newRouterEnv(t, nil, nil, failban.Options{})
	ctx := context.Background()

	// Register a client dynamically.
	regBody, _ := json.Marshal(map[string]any{
		"redirect_uris": []string{"https://app.test/callback"},
		"grant_types":   []string{"authorization_code", "refresh_token"},
		"scope":         "openid email offline_access",
		"client_name":   "Test App",
	})
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", bytes.NewReader(regBody))
	req.Header.Set("Content-Type", "application/json")
	w := env.do(req)
	require.Equal(t, http.StatusCreated, w.Code)
	reg := decodeJSON(t, w)
	clientID, _ := reg["client_id"].(string)
	clientSecret, _ := reg["client_secret"].(string)
	require.NotEmpty(t, clientID)
	require.NotEmpty(t, clientSecret)

	_, err := env.users.CreateUser(ctx, "jo@example.com", "hunter2!", "Jo")
	require.NoError(t, err)

	// Log in; the session cookie carries the authenticated state.
	w = env.do(formRequest("/auth/login", url.Values{
		"email":    {"jo@example.com"},
		"password": {"hunter2!"},
	}))
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	sessionCookie := cookies[0]
	require.Equal(t, "ag_session", sessionCookie.Name)
	require.NotEmpty(t, sessionCookie.Value)

	// Authorize with the session in place yields a code redirect.
	authorizeURL := "/auth/authorize?" + url.Values{
		"client_id":     {clientID},
		"response_type": {"code"},
		"redirect_uri":  {"https://app.test/callback"},
		"scope":         {"openid email offline_access"},
		"state":         {"xyzzy"},
	}.Encode()
	req = httptest.NewRequest(http.MethodGet, authorizeURL, nil)
	req.AddCookie(sessionCookie)
	w = env.do(req)
	require.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "app.test", location.Host)
	require.Equal(t, "xyzzy", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	// Exchange the code using client_secret_basic.
	req = formRequest("/auth/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"https://app.test/callback"},
	})
	req.SetBasicAuth(clientID, clientSecret)
	w = env.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	tokens := decodeJSON(t, w)
	accessToken, _ := tokens["access_token"].(string)
	require.NotEmpty(t, accessToken)
	require.NotEmpty(t, tokens["id_token"])
	require.NotEmpty(t, tokens["refresh_token"])

	// Userinfo accepts the access token.
	req = httptest.NewRequest(http.MethodGet, "/auth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	w = env.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	info := decodeJSON(t, w)
	require.Equal(t, "jo@example.com", info["email"])

	// Introspection sees the token as active until it is revoked.
	w = env.do(formRequest("/auth/introspect", url.Values{"token": {accessToken}}))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decodeJSON(t, w)["active"])

	w = env.do(formRequest("/auth/revoke", url.Values{"token": {accessToken}}))
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(formRequest("/auth/introspect", url.Values{"token": {accessToken}}))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, decodeJSON(t, w)["active"])
}

func TestAuthorizeWithoutSessionRedirectsToLogin(t *testing.T) {
	env := newRouterEnv(t, nil, nil, failban.Options{})

	target := "/auth/authorize?" + url.Values{
		"client_id":    {"web-app"},
		"redirect_uri": {"https://app.test/callback"},
	}.Encode()
	w := env.do(httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/auth/login", location.Path)
	require.NotEmpty(t, location.Query().Get("continue"))
}

func TestIntrospectGarbageTokenInactive(t *testing.T) {
	env := newRouterEnv(t, nil, nil, failban.Options{})

	w := env.do(formRequest("/auth/introspect", url.Values{"token": {"not-a-jwt"}}))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, decodeJSON(t, w)["active"])
}

func TestAdminRequiresCredential(t *testing.T) {
	rules := []authn.RuleConfig{{Pattern: "/admin/**", Drivers: []string{"jwt", "api_key"}}}
	env := newRouterEnv(t, rules, nil, failban.Options{})
	ctx := context.Background()

	w := env.do(httptest.NewRequest(http.MethodGet, "/admin/bans", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// An API key satisfies the rule.
	user, err := env.users.CreateUser(ctx, "ops@example.com", "hunter2!", "Ops")
	require.NoError(t, err)
	plaintext, _, err := env.users.CreateAPIKey(ctx, user.ID, "ops key")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/bans", nil)
	req.Header.Set(authn.APIKeyHeader, plaintext)
	w = env.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	// A locally issued access token satisfies it too.
	resp, err := env.tokens.IssueSessionTokens(ctx, user, "openid", testIssuer)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/admin/bans", nil)
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	w = env.do(req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRepeatedBadCredentialsEscalateToBan(t *testing.T) {
	rules := []authn.RuleConfig{{Pattern: "/admin/**", Drivers: []string{"jwt"}}}
	env := newRouterEnv(t, rules, nil, failban.Options{MaxViolations: 2, Window: 10 * time.Minute, BanDuration: 15 * time.Minute})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/admin/bans", nil)
		req.Header.Set("Authorization", "Bearer forged-token")
		w := env.do(req)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	// The third request never reaches the resolver.
	req := httptest.NewRequest(http.MethodGet, "/admin/bans", nil)
	w := env.do(req)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "access_denied", decodeJSON(t, w)["error"])
}

func TestOperatorBanBlocksAllRoutes(t *testing.T) {
	env := newRouterEnv(t, nil, nil, failban.Options{})

	_, err := env.bans.BanFor(context.Background(), "192.0.2.1", time.Hour)
	require.NoError(t, err)

	w := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimitedRoute(t *testing.T) {
	rateRules := []ratelimit.Rule{{Pattern: "/healthz", Limit: 2, Window: time.Minute}}
	env := newRouterEnv(t, nil, rateRules, failban.Options{})

	for i := 0; i < 2; i++ {
		w := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotEmpty(t, w.Header().Get("Retry-After"))
	require.Equal(t, "rate_limited", decodeJSON(t, w)["error"])
}

func TestLoginFailureCountsAgainstSkipSuccessfulRule(t *testing.T) {
	rateRules := []ratelimit.Rule{{Pattern: "/auth/login", Limit: 2, Window: time.Minute, SkipSuccessful: true}}
	env := newRouterEnv(t, nil, rateRules, failban.Options{})
	ctx := context.Background()

	_, err := env.users.CreateUser(ctx, "jo@example.com", "hunter2!", "Jo")
	require.NoError(t, err)

	// Successful logins are refunded and never exhaust the quota.
	for i := 0; i < 4; i++ {
		w := env.do(formRequest("/auth/login", url.Values{
			"email":    {"jo@example.com"},
			"password": {"hunter2!"},
		}))
		require.Equal(t, http.StatusOK, w.Code)
	}

	// Failures are charged.
	for i := 0; i < 2; i++ {
		w := env.do(formRequest("/auth/login", url.Values{
			"email":    {"jo@example.com"},
			"password": {"wrong"},
		}))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := env.do(formRequest("/auth/login", url.Values{
		"email":    {"jo@example.com"},
		"password": {"hunter2!"},
	}))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

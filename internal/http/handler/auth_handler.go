package handler

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/authgate/internal/authn"
	"github.com/smallbiznis/authgate/internal/service"
	"github.com/smallbiznis/authgate/internal/session"
)

// AuthHandler orchestrates the OAuth and session endpoints.
type AuthHandler struct {
	Tokens    *service.TokenService
	Users     *service.UserService
	Clients   *service.ClientService
	Discovery *service.DiscoveryService
	Codec     *session.Codec
	Cookie    authn.CookieOptions
	Logger    *zap.Logger
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(tokens *service.TokenService, users *service.UserService, clients *service.ClientService, discovery *service.DiscoveryService, codec *session.Codec, cookie authn.CookieOptions, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		Tokens:    tokens,
		Users:     users,
		Clients:   clients,
		Discovery: discovery,
		Codec:     codec,
		Cookie:    cookie,
		Logger:    logger,
	}
}

// OpenIDConfig returns the OpenID discovery document.
func (h *AuthHandler) OpenIDConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.Discovery.Configuration(requestIssuer(c)))
}

// JWKS exposes the public signing keys.
func (h *AuthHandler) JWKS(c *gin.Context) {
	jwks, err := h.Tokens.JWKS(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Key set unavailable."})
		return
	}
	c.JSON(http.StatusOK, jwks)
}

// Token handles OAuth token grant exchanges.
func (h *AuthHandler) Token(c *gin.Context) {
	var req struct {
		GrantType    string `form:"grant_type" binding:"required"`
		ClientID     string `form:"client_id"`
		ClientSecret string `form:"client_secret"`
		Scope        string `form:"scope"`
		RefreshToken string `form:"refresh_token"`
		Code         string `form:"code"`
		RedirectURI  string `form:"redirect_uri"`
		CodeVerifier string `form:"code_verifier"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid token request."})
		return
	}

	// client_secret_basic takes precedence over client_secret_post.
	if basicID, basicSecret, ok := c.Request.BasicAuth(); ok {
		req.ClientID, req.ClientSecret = basicID, basicSecret
	}

	issuer := requestIssuer(c)
	var (
		resp *service.TokenResponse
		err  error
	)
	switch strings.ToLower(req.GrantType) {
	case "client_credentials":
		resp, err = h.Tokens.ClientCredentialsGrant(c.Request.Context(), req.ClientID, req.ClientSecret, req.Scope, issuer)
	case "authorization_code":
		resp, err = h.Tokens.AuthorizationCodeGrant(c.Request.Context(), req.ClientID, req.ClientSecret, req.Code, req.RedirectURI, req.CodeVerifier, issuer)
	case "refresh_token":
		resp, err = h.Tokens.RefreshGrant(c.Request.Context(), req.RefreshToken, req.Scope, issuer)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type", "error_description": "Unsupported grant type."})
		return
	}
	if err != nil {
		h.respondOAuthError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

// Introspect reports token state per RFC 7662. The endpoint always answers
// 200 with at least {"active": false}.
func (h *AuthHandler) Introspect(c *gin.Context) {
	var req struct {
		Token string `form:"token" json:"token"`
	}
	if err := c.ShouldBind(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, h.Tokens.Introspect(c.Request.Context(), req.Token, requestIssuer(c)))
}

// Revoke processes RFC 7009 revocation. Invalid tokens are ignored and the
// endpoint answers 200 unconditionally.
func (h *AuthHandler) Revoke(c *gin.Context) {
	var req struct {
		Token string `form:"token" json:"token"`
	}
	if err := c.ShouldBind(&req); err == nil && strings.TrimSpace(req.Token) != "" {
		h.Tokens.Revoke(c.Request.Context(), req.Token, requestIssuer(c))
	}
	c.Status(http.StatusOK)
}

// Register handles RFC 7591 dynamic client registration.
func (h *AuthHandler) Register(c *gin.Context) {
	var req service.RegisterClientRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client_metadata", "error_description": "Invalid registration request."})
		return
	}
	created, err := h.Clients.Register(c.Request.Context(), req)
	if err != nil {
		h.respondOAuthError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// UserInfo returns OIDC userinfo claims for a bearer access token.
func (h *AuthHandler) UserInfo(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header missing or invalid."})
		return
	}
	std, custom, err := h.Tokens.VerifyAccessToken(c.Request.Context(), strings.TrimSpace(parts[1]), requestIssuer(c))
	if err != nil {
		c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Token could not be verified."})
		return
	}

	info := gin.H{"sub": std.Subject}
	if custom.Email != "" {
		info["email"] = custom.Email
	}
	if custom.Name != "" {
		info["name"] = custom.Name
	}
	if custom.Scope != "" {
		info["scope"] = custom.Scope
	}
	c.JSON(http.StatusOK, info)
}

type authorizeRequest struct {
	ClientID            string `form:"client_id"`
	ResponseType        string `form:"response_type"`
	RedirectURI         string `form:"redirect_uri"`
	Scope               string `form:"scope"`
	State               string `form:"state"`
	Nonce               string `form:"nonce"`
	CodeChallenge       string `form:"code_challenge"`
	CodeChallengeMethod string `form:"code_challenge_method"`
}

// Authorize implements the authorization endpoint. Unauthenticated browsers
// are redirected to the login form with the authorize URL preserved.
func (h *AuthHandler) Authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid authorize request."})
		return
	}

	parsedRedirect, authErr := validateAuthorizeRequest(&req)
	if authErr != nil {
		// The redirect target is not trustworthy yet, so fail in place.
		c.JSON(http.StatusBadRequest, gin.H{"error": authErr.code, "error_description": authErr.description})
		return
	}

	rec := h.sessionRecord(c)
	if rec == nil {
		h.redirectToLogin(c)
		return
	}

	code, err := h.Tokens.MintAuthorizationCode(
		c.Request.Context(),
		req.ClientID,
		rec.UserID,
		req.RedirectURI,
		req.Scope,
		req.Nonce,
		req.CodeChallenge,
		req.CodeChallengeMethod,
	)
	if err != nil {
		var oauthErr *service.OAuthError
		if errors.As(err, &oauthErr) {
			redirectWithError(c, parsedRedirect, req.State, oauthErr)
			return
		}
		h.log().Error("authorize failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		return
	}

	q := parsedRedirect.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	parsedRedirect.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, parsedRedirect.String())
}

var loginPage = template.Must(template.New("login").Parse(`<!doctype html>
<html>
<head><title>Sign in</title></head>
<body>
<form method="post" action="/auth/login">
  <input type="hidden" name="continue" value="{{.Continue}}">
  <label>Email <input type="email" name="email" required></label>
  <label>Password <input type="password" name="password" required></label>
  <button type="submit">Sign in</button>
  {{if .Error}}<p>{{.Error}}</p>{{end}}
</form>
</body>
</html>`))

// LoginForm renders the resource-owner login page.
func (h *AuthHandler) LoginForm(c *gin.Context) {
	h.renderLogin(c, http.StatusOK, c.Query("continue"), "")
}

// Login authenticates the resource owner and establishes the session cookie.
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `form:"email" json:"email" binding:"required"`
		Password string `form:"password" json:"password" binding:"required"`
		Continue string `form:"continue" json:"continue"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "email and password are required."})
		return
	}

	ctx := c.Request.Context()
	user, err := h.Users.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			if wantsHTML(c) {
				h.renderLogin(c, http.StatusUnauthorized, req.Continue, "Invalid email or password.")
				return
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials", "error_description": "Invalid email or password."})
			return
		}
		h.log().Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		return
	}

	tokens, err := h.Tokens.IssueSessionTokens(ctx, user, "", requestIssuer(c))
	if err != nil {
		h.log().Error("session token issue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		return
	}

	now := time.Now().UTC()
	rec := session.Record{
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		IDToken:        tokens.IDToken,
		Subject:        strconv.FormatInt(user.ID, 10),
		UserID:         user.ID,
		Email:          user.Email,
		Name:           user.Name,
		Scope:          tokens.Scope,
		IssuedAt:       now,
		LastActivity:   now,
		TokenExpiresAt: now.Add(time.Duration(tokens.ExpiresIn) * time.Second),
	}
	encoded, err := h.Codec.Encode(rec)
	if err != nil {
		h.log().Error("session encode failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		return
	}
	authn.WriteSessionCookie(c, h.Cookie, encoded, int(h.Codec.MaxAge().Seconds()))

	if target := safeContinue(req.Continue); target != "" {
		c.Redirect(http.StatusFound, target)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "authenticated"})
}

// Logout revokes the session's tokens and clears the cookie.
func (h *AuthHandler) Logout(c *gin.Context) {
	if rec := h.sessionRecord(c); rec != nil {
		issuer := requestIssuer(c)
		ctx := c.Request.Context()
		h.Tokens.Revoke(ctx, rec.AccessToken, issuer)
		if rec.RefreshToken != "" {
			h.Tokens.Revoke(ctx, rec.RefreshToken, issuer)
		}
	}
	authn.WriteSessionCookie(c, h.Cookie, "", -1)

	if target := safeContinue(c.Query("continue")); target != "" {
		c.Redirect(http.StatusFound, target)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

func (h *AuthHandler) sessionRecord(c *gin.Context) *session.Record {
	raw, err := c.Cookie(h.Cookie.Name)
	if err != nil || raw == "" {
		return nil
	}
	return h.Codec.Decode(raw)
}

func (h *AuthHandler) renderLogin(c *gin.Context, status int, cont, errMsg string) {
	c.Status(status)
	c.Header("Content-Type", "text/html; charset=utf-8")
	_ = loginPage.Execute(c.Writer, gin.H{"Continue": safeContinue(cont), "Error": errMsg})
}

func (h *AuthHandler) redirectToLogin(c *gin.Context) {
	loginURL := url.URL{Path: "/auth/login"}
	q := loginURL.Query()
	q.Set("continue", c.Request.URL.RequestURI())
	loginURL.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, loginURL.String())
}

func (h *AuthHandler) respondOAuthError(c *gin.Context, err error) {
	var oauthErr *service.OAuthError
	if errors.As(err, &oauthErr) {
		if oauthErr.Status == http.StatusUnauthorized {
			c.Header("WWW-Authenticate", `Basic realm="token"`)
		}
		c.JSON(oauthErr.Status, gin.H{"error": oauthErr.Code, "error_description": oauthErr.Description})
		return
	}
	h.log().Error("token endpoint failure", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
}

func (h *AuthHandler) log() *zap.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return zap.L()
}

type authorizeError struct {
	code        string
	description string
}

// validateAuthorizeRequest normalizes the query parameters and parses the
// redirect target. Deeper validation against the client registration happens
// when the code is minted.
func validateAuthorizeRequest(req *authorizeRequest) (*url.URL, *authorizeError) {
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		return nil, &authorizeError{"invalid_request", "client_id is required."}
	}

	req.ResponseType = strings.TrimSpace(req.ResponseType)
	if req.ResponseType == "" {
		req.ResponseType = "code"
	}
	if !strings.EqualFold(req.ResponseType, "code") {
		return nil, &authorizeError{"unsupported_response_type", "Only response_type=code is supported."}
	}

	req.RedirectURI = strings.TrimSpace(req.RedirectURI)
	if req.RedirectURI == "" {
		return nil, &authorizeError{"invalid_request", "redirect_uri is required."}
	}
	parsed, err := url.Parse(req.RedirectURI)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, &authorizeError{"invalid_request", "redirect_uri must be absolute."}
	}

	req.CodeChallenge = strings.TrimSpace(req.CodeChallenge)
	method := strings.TrimSpace(req.CodeChallengeMethod)
	if method != "" {
		normalized := strings.ToUpper(method)
		if normalized != "S256" && normalized != "PLAIN" {
			return nil, &authorizeError{"invalid_request", "code_challenge_method must be S256 or plain."}
		}
		req.CodeChallengeMethod = normalized
	}
	if req.CodeChallengeMethod != "" && req.CodeChallenge == "" {
		return nil, &authorizeError{"invalid_request", "code_challenge is required with code_challenge_method."}
	}
	return parsed, nil
}

func redirectWithError(c *gin.Context, redirect *url.URL, state string, oauthErr *service.OAuthError) {
	q := redirect.Query()
	q.Set("error", oauthErr.Code)
	q.Set("error_description", oauthErr.Description)
	if state != "" {
		q.Set("state", state)
	}
	redirect.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, redirect.String())
}

// safeContinue only allows same-site relative redirect targets.
func safeContinue(target string) string {
	target = strings.TrimSpace(target)
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return ""
	}
	return target
}

func wantsHTML(c *gin.Context) bool {
	accept := c.GetHeader("Accept")
	return strings.Contains(accept, "text/html")
}

// requestIssuer derives the issuer URL the way clients see this server,
// honoring proxy headers. The host keeps its port so issuer claims stay
// stable between minting and verification.
func requestIssuer(c *gin.Context) string {
	return fmt.Sprintf("%s://%s", schemeOnly(c.Request), hostOnly(c.Request))
}

func schemeOnly(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme
}

func hostOnly(r *http.Request) string {
	if host := r.Header.Get("X-Forwarded-Host"); host != "" {
		return host
	}
	return r.Host
}

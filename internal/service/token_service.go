package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/authgate/internal/config"
	"github.com/smallbiznis/authgate/internal/domain"
	"github.com/smallbiznis/authgate/internal/jwt"
	"github.com/smallbiznis/authgate/internal/repository"
)

// TokenResponse matches OAuth2 token endpoint responses.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IntrospectionResult is the RFC 7662 response shape.
type IntrospectionResult struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// OAuthError standardizes OAuth compliant errors.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newOAuthError(code, desc string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: desc, Status: status}
}

const authorizationCodeTTL = 10 * time.Minute

// TokenService implements the grant-type state machine.
type TokenService struct {
	clients repository.ClientRepository
	codes   repository.CodeRepository
	users   repository.UserRepository
	revoked repository.RevocationStore
	signer  *jwt.Signer
	keys    *jwt.KeyManager
	node    *snowflake.Node
	cfg     config.Config
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewTokenService wires dependencies.
func NewTokenService(clients repository.ClientRepository, codes repository.CodeRepository, users repository.UserRepository, revoked repository.RevocationStore, signer *jwt.Signer, keys *jwt.KeyManager, node *snowflake.Node, cfg config.Config, logger *zap.Logger) *TokenService {
	return &TokenService{
		clients: clients,
		codes:   codes,
		users:   users,
		revoked: revoked,
		signer:  signer,
		keys:    keys,
		node:    node,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("github.com/smallbiznis/authgate/internal/service"),
		now:     time.Now,
	}
}

// ClientCredentialsGrant issues an access token scoped to the client itself.
func (s *TokenService) ClientCredentialsGrant(ctx context.Context, clientID, clientSecret, scope, issuer string) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "TokenService.ClientCredentialsGrant")
	defer span.End()

	client, oauthErr := s.authenticateClient(ctx, clientID, clientSecret)
	if oauthErr != nil {
		span.RecordError(oauthErr)
		return nil, oauthErr
	}
	if !client.AllowsGrant("client_credentials") {
		return nil, newOAuthError("unauthorized_client", "Grant type not allowed for client.", http.StatusBadRequest)
	}

	scopes := parseScope(scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	}
	if !subsetOf(scopes, s.cfg.SupportedScopes) || !client.AllowsScopes(scopes) {
		return nil, newOAuthError("invalid_scope", "Requested scope exceeds client registration.", http.StatusBadRequest)
	}

	access, err := s.signAccessToken(ctx, client.ClientID, client.ClientID, strings.Join(scopes, " "), issuer, "", "")
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("client credentials sign: %w", err)
	}

	s.audit("client_credentials.success", "client_id", client.ClientID)
	return &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:       strings.Join(scopes, " "),
	}, nil
}

// AuthorizationCodeGrant redeems a single-use authorization code. The code is
// removed from the store atomically with redemption; a replay, even racing
// concurrently, fails with invalid_grant.
func (s *TokenService) AuthorizationCodeGrant(ctx context.Context, clientID, clientSecret, code, redirectURI, codeVerifier, issuer string) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "TokenService.AuthorizationCodeGrant")
	defer span.End()

	if strings.TrimSpace(code) == "" {
		return nil, newOAuthError("invalid_request", "Authorization code missing.", http.StatusBadRequest)
	}

	client, oauthErr := s.lookupGrantClient(ctx, clientID, clientSecret, codeVerifier)
	if oauthErr != nil {
		span.RecordError(oauthErr)
		return nil, oauthErr
	}
	if !client.AllowsGrant("authorization_code") {
		return nil, newOAuthError("unauthorized_client", "Grant type not allowed for client.", http.StatusBadRequest)
	}

	stored, err := s.codes.Consume(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, newOAuthError("invalid_grant", "Invalid authorization code.", http.StatusBadRequest)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	if stored.Expired(s.now()) || stored.ClientID != client.ClientID {
		return nil, newOAuthError("invalid_grant", "Invalid authorization code.", http.StatusBadRequest)
	}
	if stored.RedirectURI != strings.TrimSpace(redirectURI) {
		return nil, newOAuthError("invalid_grant", "Mismatched redirect_uri.", http.StatusBadRequest)
	}
	if oauthErr := verifyPKCE(stored, codeVerifier); oauthErr != nil {
		return nil, oauthErr
	}

	user, err := s.users.GetByID(ctx, stored.UserID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("authorization code load user: %w", err)
	}

	resp, err := s.issueUserTokens(ctx, client, user, parseScope(stored.Scope), stored.Nonce, issuer)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.audit("authorization_code.success", "client_id", client.ClientID, "user_id", user.ID)
	return resp, nil
}

// RefreshGrant verifies a refresh token and issues a fresh access token. The
// newly requested scope set must be contained in the original grant. Refresh
// tokens are not consumed unless rotation is enabled in configuration.
func (s *TokenService) RefreshGrant(ctx context.Context, refreshToken, scope, issuer string) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "TokenService.RefreshGrant")
	defer span.End()

	if strings.TrimSpace(refreshToken) == "" {
		return nil, newOAuthError("invalid_request", "Refresh token missing.", http.StatusBadRequest)
	}

	std, custom, err := s.signer.Verify(ctx, refreshToken, issuer)
	if err != nil || custom.TokenType != jwt.TokenTypeRefresh {
		if err != nil {
			span.RecordError(err)
		}
		return nil, newOAuthError("invalid_grant", "Invalid refresh token.", http.StatusBadRequest)
	}
	if revoked, err := s.revoked.IsRevoked(ctx, std.ID); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("refresh revocation check: %w", err)
	} else if revoked {
		return nil, newOAuthError("invalid_grant", "Invalid refresh token.", http.StatusBadRequest)
	}

	granted := parseScope(custom.Scope)
	effective := parseScope(scope)
	if len(effective) == 0 {
		effective = granted
	}
	if !subsetOf(effective, granted) {
		return nil, newOAuthError("invalid_scope", "Requested scope exceeds original grant.", http.StatusBadRequest)
	}

	userID, err := strconv.ParseInt(std.Subject, 10, 64)
	if err != nil {
		return nil, newOAuthError("invalid_grant", "Invalid refresh token subject.", http.StatusBadRequest)
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, newOAuthError("invalid_grant", "Unknown account.", http.StatusBadRequest)
	}

	scopeStr := strings.Join(effective, " ")
	access, err := s.signAccessToken(ctx, std.Subject, custom.ClientID, scopeStr, issuer, user.Email, user.Name)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("refresh token sign: %w", err)
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:       scopeStr,
	}
	if containsScope(effective, "openid") {
		idToken, err := s.signIDToken(ctx, std.Subject, custom.ClientID, issuer, "", user)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("refresh id token sign: %w", err)
		}
		resp.IDToken = idToken
	}

	if s.cfg.RotateRefreshTokens {
		next, err := s.signRefreshToken(ctx, std.Subject, custom.ClientID, strings.Join(granted, " "), issuer)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("rotate refresh token: %w", err)
		}
		if std.Expiry != nil {
			if err := s.revoked.Revoke(ctx, std.ID, std.Expiry.Time()); err != nil {
				span.RecordError(err)
				return nil, fmt.Errorf("revoke rotated refresh token: %w", err)
			}
		}
		resp.RefreshToken = next
	}

	s.audit("refresh_token.success", "client_id", custom.ClientID, "user_id", user.ID)
	return resp, nil
}

// MintAuthorizationCode validates the authorize parameters against the client
// registration and persists a fresh single-use code.
func (s *TokenService) MintAuthorizationCode(ctx context.Context, clientID string, userID int64, redirectURI, scope, nonce, codeChallenge, codeChallengeMethod string) (string, error) {
	ctx, span := s.startSpan(ctx, "TokenService.MintAuthorizationCode")
	defer span.End()

	client, err := s.clients.GetByClientID(ctx, strings.TrimSpace(clientID))
	if err != nil {
		span.RecordError(err)
		return "", newOAuthError("invalid_request", "Unknown client.", http.StatusBadRequest)
	}
	if !client.Active {
		return "", newOAuthError("invalid_request", "Client is disabled.", http.StatusBadRequest)
	}
	redirect := strings.TrimSpace(redirectURI)
	if !client.AllowsRedirectURI(redirect) {
		return "", newOAuthError("invalid_request", "redirect_uri not registered for this client.", http.StatusBadRequest)
	}
	scopes := parseScope(scope)
	if !client.AllowsScopes(scopes) || !subsetOf(scopes, s.cfg.SupportedScopes) {
		return "", newOAuthError("invalid_scope", "Requested scope exceeds client registration.", http.StatusBadRequest)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("authorize load user: %w", err)
	}

	now := s.now().UTC()
	record := domain.AuthorizationCode{
		ID:                  s.node.Generate().Int64(),
		ClientID:            client.ClientID,
		UserID:              user.ID,
		Code:                randomString(32),
		RedirectURI:         redirect,
		Scope:               strings.Join(scopes, " "),
		Nonce:               strings.TrimSpace(nonce),
		CodeChallenge:       strings.TrimSpace(codeChallenge),
		CodeChallengeMethod: strings.TrimSpace(codeChallengeMethod),
		ExpiresAt:           now.Add(authorizationCodeTTL),
		CreatedAt:           now,
	}
	if err := s.codes.Create(ctx, record); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("persist authorization code: %w", err)
	}

	s.audit("authorization_code.issued", "client_id", client.ClientID, "user_id", user.ID)
	return record.Code, nil
}

// Introspect reports token state per RFC 7662. Invalid and unknown tokens
// yield active:false rather than an error, by design.
func (s *TokenService) Introspect(ctx context.Context, token, issuer string) IntrospectionResult {
	std, custom, err := s.signer.Verify(ctx, token, issuer)
	if err != nil {
		return IntrospectionResult{Active: false}
	}
	if revoked, err := s.revoked.IsRevoked(ctx, std.ID); err != nil || revoked {
		return IntrospectionResult{Active: false}
	}

	result := IntrospectionResult{
		Active:    true,
		Subject:   std.Subject,
		Scope:     custom.Scope,
		ClientID:  custom.ClientID,
		TokenType: custom.TokenType,
	}
	if std.Expiry != nil {
		result.ExpiresAt = std.Expiry.Time().Unix()
	}
	if std.IssuedAt != nil {
		result.IssuedAt = std.IssuedAt.Time().Unix()
	}
	return result
}

// Revoke places a verified token's ID on the denylist. Invalid tokens are
// ignored silently per RFC 7009; the endpoint answers 200 either way.
func (s *TokenService) Revoke(ctx context.Context, token, issuer string) {
	std, _, err := s.signer.Verify(ctx, token, issuer)
	if err != nil || std.ID == "" || std.Expiry == nil {
		return
	}
	if err := s.revoked.Revoke(ctx, std.ID, std.Expiry.Time()); err != nil {
		s.log().Warn("revocation persist failed", zap.Error(err))
		return
	}
	s.audit("token.revoked", "sub", std.Subject)
}

// VerifyAccessToken validates a bearer token and requires the access token type.
func (s *TokenService) VerifyAccessToken(ctx context.Context, token, issuer string) (*gojwt.Claims, *jwt.TokenClaims, error) {
	std, custom, err := s.signer.Verify(ctx, token, issuer)
	if err != nil {
		return nil, nil, err
	}
	if custom.TokenType != jwt.TokenTypeAccess {
		return nil, nil, fmt.Errorf("unexpected token_type %q", custom.TokenType)
	}
	return std, custom, nil
}

// IsRevoked exposes the denylist to callers that verify tokens themselves.
func (s *TokenService) IsRevoked(ctx context.Context, tokenID string) bool {
	revoked, err := s.revoked.IsRevoked(ctx, tokenID)
	if err != nil {
		s.log().Warn("revocation lookup failed", zap.Error(err))
		return false
	}
	return revoked
}

// JWKS exposes the public key set.
func (s *TokenService) JWKS(ctx context.Context) (any, error) {
	return s.keys.JWKS(ctx)
}

// IssueSessionTokens issues the token set backing a browser session after
// resource-owner authentication (login form), outside any client grant.
func (s *TokenService) IssueSessionTokens(ctx context.Context, user domain.User, scope, issuer string) (*TokenResponse, error) {
	scopes := parseScope(scope)
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email", "offline_access"}
	}
	client := domain.Client{ClientID: "session"}
	return s.issueUserTokens(ctx, client, user, scopes, "", issuer)
}

func (s *TokenService) issueUserTokens(ctx context.Context, client domain.Client, user domain.User, scopes []string, nonce, issuer string) (*TokenResponse, error) {
	subject := strconv.FormatInt(user.ID, 10)
	scopeStr := strings.Join(scopes, " ")

	access, err := s.signAccessToken(ctx, subject, client.ClientID, scopeStr, issuer, user.Email, user.Name)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:       scopeStr,
	}

	if containsScope(scopes, "openid") {
		idToken, err := s.signIDToken(ctx, subject, client.ClientID, issuer, nonce, user)
		if err != nil {
			return nil, fmt.Errorf("sign id token: %w", err)
		}
		resp.IDToken = idToken
	}
	if containsScope(scopes, "offline_access") {
		refresh, err := s.signRefreshToken(ctx, subject, client.ClientID, scopeStr, issuer)
		if err != nil {
			return nil, fmt.Errorf("sign refresh token: %w", err)
		}
		resp.RefreshToken = refresh
	}
	return resp, nil
}

func (s *TokenService) signAccessToken(ctx context.Context, subject, clientID, scope, issuer, email, name string) (string, error) {
	std, custom := s.baseClaims(subject, clientID, issuer, s.cfg.AccessTokenTTL)
	custom.TokenType = jwt.TokenTypeAccess
	custom.Scope = scope
	custom.Email = email
	custom.Name = name
	return s.signer.Sign(ctx, std, custom)
}

func (s *TokenService) signRefreshToken(ctx context.Context, subject, clientID, scope, issuer string) (string, error) {
	std, custom := s.baseClaims(subject, clientID, issuer, s.cfg.RefreshTokenTTL)
	custom.TokenType = jwt.TokenTypeRefresh
	custom.Scope = scope
	return s.signer.Sign(ctx, std, custom)
}

func (s *TokenService) signIDToken(ctx context.Context, subject, clientID, issuer, nonce string, user domain.User) (string, error) {
	std, custom := s.baseClaims(subject, clientID, issuer, s.cfg.AccessTokenTTL)
	custom.TokenType = jwt.TokenTypeID
	custom.Nonce = nonce
	custom.Email = user.Email
	custom.Name = user.Name
	return s.signer.Sign(ctx, std, custom)
}

func (s *TokenService) baseClaims(subject, clientID, issuer string, ttl time.Duration) (gojwt.Claims, jwt.TokenClaims) {
	now := s.now().UTC()
	std := gojwt.Claims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    issuer,
		Audience:  gojwt.Audience{clientID},
		IssuedAt:  gojwt.NewNumericDate(now),
		NotBefore: gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(ttl)),
	}
	return std, jwt.TokenClaims{ClientID: clientID}
}

func (s *TokenService) authenticateClient(ctx context.Context, clientID, clientSecret string) (domain.Client, *OAuthError) {
	client, err := s.clients.GetByClientID(ctx, strings.TrimSpace(clientID))
	if err != nil {
		return domain.Client{}, newOAuthError("invalid_client", "Client authentication failed.", http.StatusUnauthorized)
	}
	if !client.Active {
		return domain.Client{}, newOAuthError("invalid_client", "Client authentication failed.", http.StatusUnauthorized)
	}
	if client.Public() {
		return domain.Client{}, newOAuthError("invalid_client", "Client has no secret.", http.StatusUnauthorized)
	}
	ok, err := verifySecret(clientSecret, client.SecretHash)
	if err != nil || !ok {
		return domain.Client{}, newOAuthError("invalid_client", "Client authentication failed.", http.StatusUnauthorized)
	}
	return client, nil
}

// lookupGrantClient resolves the client for the authorization_code grant.
// Confidential clients must present their secret; public clients are accepted
// when they carry a PKCE verifier instead.
func (s *TokenService) lookupGrantClient(ctx context.Context, clientID, clientSecret, codeVerifier string) (domain.Client, *OAuthError) {
	client, err := s.clients.GetByClientID(ctx, strings.TrimSpace(clientID))
	if err != nil {
		return domain.Client{}, newOAuthError("invalid_client", "Client authentication failed.", http.StatusUnauthorized)
	}
	if !client.Active {
		return domain.Client{}, newOAuthError("invalid_client", "Client authentication failed.", http.StatusUnauthorized)
	}
	if client.Public() {
		if strings.TrimSpace(codeVerifier) == "" {
			return domain.Client{}, newOAuthError("invalid_client", "Public clients must use PKCE.", http.StatusUnauthorized)
		}
		return client, nil
	}
	ok, err := verifySecret(clientSecret, client.SecretHash)
	if err != nil || !ok {
		return domain.Client{}, newOAuthError("invalid_client", "Client authentication failed.", http.StatusUnauthorized)
	}
	return client, nil
}

func verifyPKCE(stored domain.AuthorizationCode, verifier string) *OAuthError {
	if stored.CodeChallenge == "" {
		return nil
	}
	verifier = strings.TrimSpace(verifier)
	if verifier == "" {
		return newOAuthError("invalid_grant", "code_verifier is required.", http.StatusBadRequest)
	}
	switch strings.ToUpper(stored.CodeChallengeMethod) {
	case "", "PLAIN":
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(stored.CodeChallenge)) != 1 {
			return newOAuthError("invalid_grant", "PKCE verification failed.", http.StatusBadRequest)
		}
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(computed), []byte(stored.CodeChallenge)) != 1 {
			return newOAuthError("invalid_grant", "PKCE verification failed.", http.StatusBadRequest)
		}
	default:
		return newOAuthError("invalid_grant", "Unsupported code_challenge_method.", http.StatusBadRequest)
	}
	return nil
}

func parseScope(scope string) []string {
	return strings.Fields(strings.TrimSpace(scope))
}

func subsetOf(requested, granted []string) bool {
	for _, want := range requested {
		if !containsScope(granted, want) {
			return false
		}
	}
	return true
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func randomString(n int) string {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func (s *TokenService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *TokenService) audit(event string, attrs ...any) {
	logger := s.log()
	if logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	logger.Info("audit", fields...)
}

func (s *TokenService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

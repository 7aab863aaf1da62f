package jwt

import (
	"context"
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
)

// Token type discriminators carried in the token_type claim.
const (
	TokenTypeAccess  = "access_token"
	TokenTypeRefresh = "refresh_token"
	TokenTypeID      = "id_token"
)

// TokenClaims is the custom claim set layered over the registered claims.
type TokenClaims struct {
	TokenType string `json:"token_type"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

// Signer signs and verifies JWTs against the KeyManager's key set.
type Signer struct {
	keys   *KeyManager
	leeway time.Duration
	now    func() time.Time
}

// NewSigner constructs a Signer with the default 1 minute clock-skew leeway.
func NewSigner(keys *KeyManager) *Signer {
	return &Signer{keys: keys, leeway: time.Minute, now: time.Now}
}

// Sign produces a signed JWT carrying both registered and custom claims,
// using the current signing key and embedding its kid header.
func (s *Signer) Sign(ctx context.Context, std gojwt.Claims, custom TokenClaims) (string, error) {
	kid, private, err := s.keys.SigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("signing key: %w", err)
	}

	opts := (&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid)
	signer, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.RS256, Key: private}, opts)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}
	return token, nil
}

// Verify checks the signature and registered claims of a token. The key named
// by the token's kid header is tried first; when the header is absent or
// unknown every known public key is tried before failing closed.
func (s *Signer) Verify(ctx context.Context, token, issuer string) (*gojwt.Claims, *TokenClaims, error) {
	if err := s.keys.EnsureSigningKey(ctx); err != nil {
		return nil, nil, fmt.Errorf("verify: %w", err)
	}

	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.RS256})
	if err != nil {
		return nil, nil, fmt.Errorf("parse token: %w", err)
	}

	var std gojwt.Claims
	var custom TokenClaims
	if err := s.claims(parsed, &std, &custom); err != nil {
		return nil, nil, err
	}

	expected := gojwt.Expected{Issuer: issuer, Time: s.now()}
	if err := std.ValidateWithLeeway(expected, s.leeway); err != nil {
		return nil, nil, fmt.Errorf("validate claims: %w", err)
	}
	return &std, &custom, nil
}

func (s *Signer) claims(parsed *gojwt.JSONWebToken, std *gojwt.Claims, custom *TokenClaims) error {
	if kid := tokenKID(parsed); kid != "" {
		if public, ok := s.keys.VerificationKey(kid); ok {
			if err := parsed.Claims(public, std, custom); err != nil {
				return fmt.Errorf("verify token: %w", err)
			}
			return nil
		}
	}
	for _, public := range s.keys.VerificationKeys() {
		if err := parsed.Claims(public, std, custom); err == nil {
			return nil
		}
	}
	return fmt.Errorf("verify token: no key matches signature")
}

func tokenKID(parsed *gojwt.JSONWebToken) string {
	for _, header := range parsed.Headers {
		if header.KeyID != "" {
			return header.KeyID
		}
	}
	return ""
}

package service

import (
	"strings"

	"github.com/smallbiznis/authgate/internal/config"
	"github.com/smallbiznis/authgate/internal/jwt"
)

// OpenIDConfiguration is the discovery document served at
// /.well-known/openid-configuration.
type OpenIDConfiguration struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// DiscoveryService renders provider metadata for an issuer base URL.
type DiscoveryService struct {
	cfg config.Config
}

// NewDiscoveryService wires dependencies.
func NewDiscoveryService(cfg config.Config) *DiscoveryService {
	return &DiscoveryService{cfg: cfg}
}

// Configuration builds the discovery document for the given issuer.
func (s *DiscoveryService) Configuration(issuer string) OpenIDConfiguration {
	base := strings.TrimRight(issuer, "/")
	return OpenIDConfiguration{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/auth/authorize",
		TokenEndpoint:                     base + "/auth/token",
		UserinfoEndpoint:                  base + "/auth/userinfo",
		IntrospectionEndpoint:             base + "/auth/introspect",
		RevocationEndpoint:                base + "/auth/revoke",
		RegistrationEndpoint:              base + "/oauth/register",
		EndSessionEndpoint:                base + "/auth/logout",
		JWKSURI:                           base + "/.well-known/jwks.json",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "client_credentials", "refresh_token"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{jwt.SigningAlgorithm},
		ScopesSupported:                   s.cfg.SupportedScopes,
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{"plain", "S256"},
		ClaimsSupported:                   []string{"sub", "iss", "aud", "exp", "iat", "email", "name", "nonce"},
	}
}

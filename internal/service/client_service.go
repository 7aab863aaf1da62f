package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smallbiznis/authgate/internal/config"
	"github.com/smallbiznis/authgate/internal/domain"
	pw "github.com/smallbiznis/authgate/internal/password"
	"github.com/smallbiznis/authgate/internal/repository"
)

// RegisterClientRequest carries RFC 7591 dynamic registration input.
type RegisterClientRequest struct {
	RedirectURIs  []string `json:"redirect_uris" form:"redirect_uris"`
	GrantTypes    []string `json:"grant_types,omitempty" form:"grant_types"`
	ResponseTypes []string `json:"response_types,omitempty" form:"response_types"`
	Scope         string   `json:"scope,omitempty" form:"scope"`
	ClientName    string   `json:"client_name,omitempty" form:"client_name"`
}

// ClientRegistration is the registration response. The secret appears exactly
// once; only its hash is stored.
type ClientRegistration struct {
	ClientID      string   `json:"client_id"`
	ClientSecret  string   `json:"client_secret"`
	ClientName    string   `json:"client_name,omitempty"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	Scope         string   `json:"scope"`
}

// ClientService manages client registrations.
type ClientService struct {
	clients repository.ClientRepository
	node    *snowflake.Node
	cfg     config.Config
	logger  *zap.Logger
}

// NewClientService wires dependencies.
func NewClientService(clients repository.ClientRepository, node *snowflake.Node, cfg config.Config, logger *zap.Logger) *ClientService {
	return &ClientService{clients: clients, node: node, cfg: cfg, logger: logger}
}

// Register creates a new confidential client.
func (s *ClientService) Register(ctx context.Context, req RegisterClientRequest) (*ClientRegistration, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, newOAuthError("invalid_client_metadata", "redirect_uris is required.", http.StatusBadRequest)
	}
	for _, raw := range req.RedirectURIs {
		parsed, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || parsed.Host == "" || (parsed.Scheme != "https" && parsed.Scheme != "http") {
			return nil, newOAuthError("invalid_redirect_uri", fmt.Sprintf("redirect_uri %q must be absolute http(s).", raw), http.StatusBadRequest)
		}
	}

	grants := req.GrantTypes
	if len(grants) == 0 {
		grants = []string{"authorization_code", "refresh_token"}
	}
	for _, g := range grants {
		switch g {
		case "authorization_code", "refresh_token", "client_credentials":
		default:
			return nil, newOAuthError("invalid_client_metadata", fmt.Sprintf("Unsupported grant type %q.", g), http.StatusBadRequest)
		}
	}

	responses := req.ResponseTypes
	if len(responses) == 0 {
		responses = []string{"code"}
	}

	scopes := parseScope(req.Scope)
	if len(scopes) == 0 {
		scopes = s.cfg.SupportedScopes
	}
	if !subsetOf(scopes, s.cfg.SupportedScopes) {
		return nil, newOAuthError("invalid_client_metadata", "Requested scope is not supported.", http.StatusBadRequest)
	}

	secret := randomString(32)
	hash, err := pw.Hash(secret)
	if err != nil {
		return nil, fmt.Errorf("hash client secret: %w", err)
	}

	now := time.Now().UTC()
	client := domain.Client{
		ID:            s.node.Generate().Int64(),
		ClientID:      uuid.NewString(),
		SecretHash:    hash,
		Name:          strings.TrimSpace(req.ClientName),
		RedirectURIs:  req.RedirectURIs,
		GrantTypes:    grants,
		ResponseTypes: responses,
		Scopes:        scopes,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.clients.Create(ctx, client); err != nil {
		return nil, fmt.Errorf("persist client: %w", err)
	}

	s.log().Info("client registered", zap.String("client_id", client.ClientID), zap.String("client_name", client.Name))
	return &ClientRegistration{
		ClientID:      client.ClientID,
		ClientSecret:  secret,
		ClientName:    client.Name,
		RedirectURIs:  client.RedirectURIs,
		GrantTypes:    client.GrantTypes,
		ResponseTypes: client.ResponseTypes,
		Scope:         strings.Join(client.Scopes, " "),
	}, nil
}

// RotateSecret replaces the client secret. The old secret is invalidated
// atomically by the repository update.
func (s *ClientService) RotateSecret(ctx context.Context, clientID string) (string, error) {
	secret := randomString(32)
	hash, err := pw.Hash(secret)
	if err != nil {
		return "", fmt.Errorf("hash client secret: %w", err)
	}
	if err := s.clients.UpdateSecret(ctx, clientID, hash); err != nil {
		return "", fmt.Errorf("rotate secret: %w", err)
	}
	s.log().Info("client secret rotated", zap.String("client_id", clientID))
	return secret, nil
}

func (s *ClientService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func verifySecret(secret, hash string) (bool, error) {
	return pw.Verify(secret, hash)
}

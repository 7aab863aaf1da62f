package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/authgate/internal/config"
	"github.com/smallbiznis/authgate/internal/domain"
	pw "github.com/smallbiznis/authgate/internal/password"
	"github.com/smallbiznis/authgate/internal/repository"
)

// EnsureDefaultClient seeds a well-known OAuth client on startup so
// deployments can talk to the server without going through dynamic
// registration first. A no-op when the client env vars are unset or the
// client already exists.
func EnsureDefaultClient(clients repository.ClientRepository, cfg config.Config, logger *zap.Logger) error {
	if cfg.DefaultClientID == "" || cfg.DefaultClientSecret == "" {
		logger.Info("default client bootstrap skipped, credentials not configured")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := clients.GetByClientID(ctx, cfg.DefaultClientID); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("default client lookup: %w", err)
	}

	hash, err := pw.Hash(cfg.DefaultClientSecret)
	if err != nil {
		return fmt.Errorf("default client secret hash: %w", err)
	}

	now := time.Now().UTC()
	client := domain.Client{
		ClientID:      cfg.DefaultClientID,
		SecretHash:    hash,
		Name:          "Default Client",
		RedirectURIs:  cfg.DefaultClientRedirectURIs,
		GrantTypes:    []string{"authorization_code", "refresh_token", "client_credentials"},
		ResponseTypes: []string{"code"},
		Scopes:        cfg.SupportedScopes,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := clients.Create(ctx, client); err != nil {
		return fmt.Errorf("default client bootstrap: %w", err)
	}
	logger.Info("default client created", zap.String("client_id", client.ClientID))
	return nil
}

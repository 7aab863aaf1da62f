package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/authgate/internal/config"
	"github.com/smallbiznis/authgate/internal/domain"
	"github.com/smallbiznis/authgate/internal/repository"
	"github.com/smallbiznis/authgate/internal/service"
)

// EnsureAdmin seeds the administrator account on startup. It is a no-op when
// the admin credentials are not configured or the account already exists.
func EnsureAdmin(users repository.UserRepository, userSvc *service.UserService, cfg config.Config, logger *zap.Logger) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		logger.Info("admin bootstrap skipped, credentials not configured")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	email := strings.ToLower(strings.TrimSpace(cfg.AdminEmail))
	if _, err := users.GetByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("admin lookup: %w", err)
	}

	created, err := userSvc.CreateUser(ctx, email, cfg.AdminPassword, "Administrator")
	if err != nil {
		return fmt.Errorf("admin bootstrap: %w", err)
	}
	logger.Info("admin account created", zap.Int64("user_id", created.ID), zap.String("email", created.Email))
	return nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/smallbiznis/authgate/internal/authn"
	"github.com/smallbiznis/authgate/internal/domain"
	pw "github.com/smallbiznis/authgate/internal/password"
	"github.com/smallbiznis/authgate/internal/repository"
)

// ErrInvalidCredentials is returned for unknown accounts and bad passwords
// alike, so callers cannot probe which of the two failed.
var ErrInvalidCredentials = errors.New("invalid credentials")

// UserService covers resource-owner account operations.
type UserService struct {
	users   repository.UserRepository
	apiKeys repository.APIKeyRepository
	node    *snowflake.Node
	logger  *zap.Logger
}

// NewUserService wires dependencies.
func NewUserService(users repository.UserRepository, apiKeys repository.APIKeyRepository, node *snowflake.Node, logger *zap.Logger) *UserService {
	return &UserService{users: users, apiKeys: apiKeys, node: node, logger: logger}
}

// Authenticate verifies an email and password pair.
func (s *UserService) Authenticate(ctx context.Context, email, pass string) (domain.User, error) {
	user, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, fmt.Errorf("authenticate lookup: %w", err)
	}
	ok, err := pw.Verify(pass, user.PasswordHash)
	if err != nil || !ok {
		return domain.User{}, ErrInvalidCredentials
	}
	if user.Status != domain.UserStatusActive {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// CreateUser registers a new account with a hashed password.
func (s *UserService) CreateUser(ctx context.Context, email, pass, name string) (domain.User, error) {
	hash, err := pw.Hash(pass)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           s.node.Generate().Int64(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
		Name:         strings.TrimSpace(name),
		Status:       domain.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := s.users.Create(ctx, user)
	if err != nil {
		return domain.User{}, fmt.Errorf("persist user: %w", err)
	}
	s.log().Info("user created", zap.Int64("user_id", created.ID), zap.String("email", created.Email))
	return created, nil
}

// CreateAPIKey mints a key for the user. The plaintext is returned once;
// only its digest is stored.
func (s *UserService) CreateAPIKey(ctx context.Context, userID int64, label string) (string, domain.APIKey, error) {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("api key user lookup: %w", err)
	}

	plaintext := "ak_" + randomString(24)
	key := domain.APIKey{
		ID:        s.node.Generate().Int64(),
		UserID:    userID,
		Label:     strings.TrimSpace(label),
		Digest:    authn.DigestAPIKey(plaintext),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	created, err := s.apiKeys.Create(ctx, key)
	if err != nil {
		return "", domain.APIKey{}, fmt.Errorf("persist api key: %w", err)
	}
	s.log().Info("api key created", zap.Int64("user_id", userID), zap.Int64("key_id", created.ID))
	return plaintext, created, nil
}

func (s *UserService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

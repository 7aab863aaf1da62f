package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/authgate/internal/domain"
)

// Compile-time interface assertions.
var (
	_ ClientRepository = (*PostgresClientRepo)(nil)
	_ CodeRepository   = (*PostgresCodeRepo)(nil)
	_ KeyRepository    = (*PostgresKeyRepo)(nil)
	_ UserRepository   = (*PostgresUserRepo)(nil)
	_ APIKeyRepository = (*PostgresAPIKeyRepo)(nil)
)

// PostgresClientRepo implements ClientRepository on pgx.
type PostgresClientRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresClientRepo(pool *pgxpool.Pool) *PostgresClientRepo {
	return &PostgresClientRepo{pool: pool}
}

func (r *PostgresClientRepo) GetByClientID(ctx context.Context, clientID string) (domain.Client, error) {
	const q = `SELECT id, client_id, secret_hash, name, redirect_uris, grant_types, response_types, scopes, active, created_at, updated_at
		FROM oauth_clients WHERE client_id = $1`
	var c domain.Client
	err := r.pool.QueryRow(ctx, q, clientID).Scan(
		&c.ID, &c.ClientID, &c.SecretHash, &c.Name, &c.RedirectURIs, &c.GrantTypes,
		&c.ResponseTypes, &c.Scopes, &c.Active, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Client{}, domain.ErrNotFound
		}
		return domain.Client{}, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

func (r *PostgresClientRepo) Create(ctx context.Context, client domain.Client) (domain.Client, error) {
	const q = `INSERT INTO oauth_clients (id, client_id, secret_hash, name, redirect_uris, grant_types, response_types, scopes, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10) RETURNING id`
	err := r.pool.QueryRow(ctx, q,
		client.ID, client.ClientID, client.SecretHash, client.Name, client.RedirectURIs,
		client.GrantTypes, client.ResponseTypes, client.Scopes, client.Active, client.CreatedAt,
	).Scan(&client.ID)
	if err != nil {
		return domain.Client{}, fmt.Errorf("create client: %w", err)
	}
	return client, nil
}

func (r *PostgresClientRepo) UpdateSecret(ctx context.Context, clientID, secretHash string) error {
	const q = `UPDATE oauth_clients SET secret_hash = $2, updated_at = now() WHERE client_id = $1`
	tag, err := r.pool.Exec(ctx, q, clientID, secretHash)
	if err != nil {
		return fmt.Errorf("rotate client secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// PostgresCodeRepo implements CodeRepository on pgx. Consumption relies on
// DELETE ... RETURNING so two racing redemptions produce exactly one winner.
type PostgresCodeRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresCodeRepo(pool *pgxpool.Pool) *PostgresCodeRepo {
	return &PostgresCodeRepo{pool: pool}
}

func (r *PostgresCodeRepo) Create(ctx context.Context, code domain.AuthorizationCode) error {
	const q = `INSERT INTO oauth_codes (id, client_id, user_id, code, redirect_uri, scope, nonce, code_challenge, code_challenge_method, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, q,
		code.ID, code.ClientID, code.UserID, code.Code, code.RedirectURI, code.Scope,
		code.Nonce, code.CodeChallenge, code.CodeChallengeMethod, code.ExpiresAt, code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create code: %w", err)
	}
	return nil
}

func (r *PostgresCodeRepo) Consume(ctx context.Context, code string) (domain.AuthorizationCode, error) {
	const q = `DELETE FROM oauth_codes WHERE code = $1
		RETURNING id, client_id, user_id, code, redirect_uri, scope, nonce, code_challenge, code_challenge_method, expires_at, created_at`
	var c domain.AuthorizationCode
	err := r.pool.QueryRow(ctx, q, code).Scan(
		&c.ID, &c.ClientID, &c.UserID, &c.Code, &c.RedirectURI, &c.Scope,
		&c.Nonce, &c.CodeChallenge, &c.CodeChallengeMethod, &c.ExpiresAt, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AuthorizationCode{}, domain.ErrNotFound
		}
		return domain.AuthorizationCode{}, fmt.Errorf("consume code: %w", err)
	}
	return c, nil
}

// PostgresKeyRepo implements KeyRepository on pgx.
type PostgresKeyRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresKeyRepo(pool *pgxpool.Pool) *PostgresKeyRepo {
	return &PostgresKeyRepo{pool: pool}
}

func (r *PostgresKeyRepo) ListKeys(ctx context.Context) ([]domain.SigningKey, error) {
	const q = `SELECT id, kid, algorithm, private_pem, created_at, retired_at FROM signing_keys ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.SigningKey
	for rows.Next() {
		var k domain.SigningKey
		if err := rows.Scan(&k.ID, &k.KID, &k.Algorithm, &k.PrivatePEM, &k.CreatedAt, &k.RetiredAt); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *PostgresKeyRepo) CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	const q = `INSERT INTO signing_keys (kid, algorithm, private_pem, created_at) VALUES ($1, $2, $3, $4) RETURNING id`
	if err := r.pool.QueryRow(ctx, q, key.KID, key.Algorithm, key.PrivatePEM, key.CreatedAt).Scan(&key.ID); err != nil {
		return domain.SigningKey{}, fmt.Errorf("create key: %w", err)
	}
	return key, nil
}

func (r *PostgresKeyRepo) RetireKey(ctx context.Context, kid string, at time.Time) error {
	const q = `UPDATE signing_keys SET retired_at = $2 WHERE kid = $1 AND retired_at IS NULL`
	tag, err := r.pool.Exec(ctx, q, kid, at)
	if err != nil {
		return fmt.Errorf("retire key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// PostgresUserRepo implements UserRepository on pgx.
type PostgresUserRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{pool: pool}
}

const userColumns = `id, email, email_verified, password_hash, name, avatar_url, status, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.EmailVerified, &u.PasswordHash, &u.Name, &u.AvatarURL, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	return scanUser(r.pool.QueryRow(ctx, q, email))
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, q, userID))
}

func (r *PostgresUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	const q = `INSERT INTO users (id, email, email_verified, password_hash, name, avatar_url, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8) RETURNING id`
	err := r.pool.QueryRow(ctx, q,
		user.ID, user.Email, user.EmailVerified, user.PasswordHash, user.Name, user.AvatarURL, user.Status, user.CreatedAt,
	).Scan(&user.ID)
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// PostgresAPIKeyRepo implements APIKeyRepository on pgx.
type PostgresAPIKeyRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresAPIKeyRepo(pool *pgxpool.Pool) *PostgresAPIKeyRepo {
	return &PostgresAPIKeyRepo{pool: pool}
}

func (r *PostgresAPIKeyRepo) GetByDigest(ctx context.Context, digest string) (domain.APIKey, error) {
	const q = `SELECT id, user_id, label, digest, active, created_at, last_used_at FROM api_keys WHERE digest = $1`
	var k domain.APIKey
	err := r.pool.QueryRow(ctx, q, digest).Scan(&k.ID, &k.UserID, &k.Label, &k.Digest, &k.Active, &k.CreatedAt, &k.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.APIKey{}, domain.ErrNotFound
		}
		return domain.APIKey{}, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

func (r *PostgresAPIKeyRepo) Create(ctx context.Context, key domain.APIKey) (domain.APIKey, error) {
	const q = `INSERT INTO api_keys (id, user_id, label, digest, active, created_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	err := r.pool.QueryRow(ctx, q, key.ID, key.UserID, key.Label, key.Digest, key.Active, key.CreatedAt).Scan(&key.ID)
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("create api key: %w", err)
	}
	return key, nil
}

func (r *PostgresAPIKeyRepo) TouchLastUsed(ctx context.Context, keyID int64, at time.Time) error {
	const q = `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, keyID, at); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/authgate/internal/domain"
)

// In-memory implementations. Thread-safe; suitable for development, tests,
// and single-node deployments without a database.

// MemoryClientRepo keeps clients in a mutex-guarded map keyed by client_id.
type MemoryClientRepo struct {
	mu      sync.RWMutex
	clients map[string]domain.Client
	nextID  atomic.Int64
}

var _ ClientRepository = (*MemoryClientRepo)(nil)

// NewMemoryClientRepo creates an empty in-memory client store.
func NewMemoryClientRepo() *MemoryClientRepo {
	return &MemoryClientRepo{clients: make(map[string]domain.Client)}
}

func (r *MemoryClientRepo) GetByClientID(_ context.Context, clientID string) (domain.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	if !ok {
		return domain.Client{}, domain.ErrNotFound
	}
	return client, nil
}

func (r *MemoryClientRepo) Create(_ context.Context, client domain.Client) (domain.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client.ID == 0 {
		client.ID = r.nextID.Add(1)
	}
	r.clients[client.ClientID] = client
	return client, nil
}

func (r *MemoryClientRepo) UpdateSecret(_ context.Context, clientID, secretHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[clientID]
	if !ok {
		return domain.ErrNotFound
	}
	client.SecretHash = secretHash
	client.UpdatedAt = time.Now().UTC()
	r.clients[clientID] = client
	return nil
}

// MemoryCodeRepo stores authorization codes with compare-and-delete semantics.
type MemoryCodeRepo struct {
	mu    sync.Mutex
	codes map[string]domain.AuthorizationCode
}

var _ CodeRepository = (*MemoryCodeRepo)(nil)

// NewMemoryCodeRepo creates an empty in-memory code store.
func NewMemoryCodeRepo() *MemoryCodeRepo {
	return &MemoryCodeRepo{codes: make(map[string]domain.AuthorizationCode)}
}

func (r *MemoryCodeRepo) Create(_ context.Context, code domain.AuthorizationCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[code.Code] = code
	return nil
}

// Consume deletes the code under the lock, so two racing redemptions of the
// same code produce exactly one winner.
func (r *MemoryCodeRepo) Consume(_ context.Context, code string) (domain.AuthorizationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.codes[code]
	if !ok {
		return domain.AuthorizationCode{}, domain.ErrNotFound
	}
	delete(r.codes, code)
	return stored, nil
}

// MemoryKeyRepo stores signing keys in memory.
type MemoryKeyRepo struct {
	mu     sync.RWMutex
	keys   []domain.SigningKey
	nextID atomic.Int64
}

var _ KeyRepository = (*MemoryKeyRepo)(nil)

// NewMemoryKeyRepo creates an empty in-memory key store.
func NewMemoryKeyRepo() *MemoryKeyRepo {
	return &MemoryKeyRepo{}
}

func (r *MemoryKeyRepo) ListKeys(_ context.Context) ([]domain.SigningKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SigningKey, len(r.keys))
	copy(out, r.keys)
	return out, nil
}

func (r *MemoryKeyRepo) CreateKey(_ context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key.ID = r.nextID.Add(1)
	r.keys = append(r.keys, key)
	return key, nil
}

func (r *MemoryKeyRepo) RetireKey(_ context.Context, kid string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.keys {
		if r.keys[i].KID == kid {
			retired := at
			r.keys[i].RetiredAt = &retired
			return nil
		}
	}
	return domain.ErrNotFound
}

// MemoryUserRepo keeps users keyed by id and lowercase email.
type MemoryUserRepo struct {
	mu      sync.RWMutex
	byID    map[int64]domain.User
	byEmail map[string]int64
	nextID  atomic.Int64
}

var _ UserRepository = (*MemoryUserRepo)(nil)

// NewMemoryUserRepo creates an empty in-memory user store.
func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{byID: make(map[int64]domain.User), byEmail: make(map[string]int64)}
}

func (r *MemoryUserRepo) GetByEmail(_ context.Context, email string) (domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[email]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return r.byID[id], nil
}

func (r *MemoryUserRepo) GetByID(_ context.Context, userID int64) (domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.byID[userID]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return user, nil
}

func (r *MemoryUserRepo) Create(_ context.Context, user domain.User) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user.ID == 0 {
		user.ID = r.nextID.Add(1)
	}
	r.byID[user.ID] = user
	r.byEmail[user.Email] = user.ID
	return user, nil
}

// MemoryAPIKeyRepo keeps API keys keyed by digest.
type MemoryAPIKeyRepo struct {
	mu       sync.RWMutex
	byDigest map[string]domain.APIKey
	nextID   atomic.Int64
}

var _ APIKeyRepository = (*MemoryAPIKeyRepo)(nil)

// NewMemoryAPIKeyRepo creates an empty in-memory API key store.
func NewMemoryAPIKeyRepo() *MemoryAPIKeyRepo {
	return &MemoryAPIKeyRepo{byDigest: make(map[string]domain.APIKey)}
}

func (r *MemoryAPIKeyRepo) GetByDigest(_ context.Context, digest string) (domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byDigest[digest]
	if !ok {
		return domain.APIKey{}, domain.ErrNotFound
	}
	return key, nil
}

func (r *MemoryAPIKeyRepo) Create(_ context.Context, key domain.APIKey) (domain.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key.ID == 0 {
		key.ID = r.nextID.Add(1)
	}
	r.byDigest[key.Digest] = key
	return key, nil
}

func (r *MemoryAPIKeyRepo) TouchLastUsed(_ context.Context, keyID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for digest, key := range r.byDigest {
		if key.ID == keyID {
			used := at
			key.LastUsedAt = &used
			r.byDigest[digest] = key
			return nil
		}
	}
	return domain.ErrNotFound
}

// MemoryRevocationStore tracks revoked token IDs and lazily prunes entries
// past their natural expiry.
type MemoryRevocationStore struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	now     func() time.Time
}

var _ RevocationStore = (*MemoryRevocationStore)(nil)

// NewMemoryRevocationStore creates an empty in-memory revocation list.
func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{revoked: make(map[string]time.Time), now: time.Now}
}

func (r *MemoryRevocationStore) Revoke(_ context.Context, tokenID string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[tokenID] = until
	return nil
}

func (r *MemoryRevocationStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for id, until := range r.revoked {
		if now.After(until) {
			delete(r.revoked, id)
		}
	}
	_, ok := r.revoked[tokenID]
	return ok, nil
}

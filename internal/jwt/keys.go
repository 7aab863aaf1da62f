package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/smallbiznis/authgate/internal/domain"
	"github.com/smallbiznis/authgate/internal/repository"
)

const (
	// SigningAlgorithm is the only algorithm issued tokens are signed with.
	SigningAlgorithm = string(jose.RS256)

	rsaKeyBits = 2048
)

type signingKey struct {
	id        int64
	kid       string
	private   *rsa.PrivateKey
	createdAt time.Time
}

// KeyManager owns the asymmetric signing keys. Exactly one key is current
// (used to sign); rotated keys stay loaded for verification until purged.
type KeyManager struct {
	repo repository.KeyRepository
	now  func() time.Time

	mu      sync.RWMutex
	loaded  bool
	current *signingKey
	retired []*signingKey
}

// NewKeyManager creates a KeyManager backed by the given key store.
func NewKeyManager(repo repository.KeyRepository) *KeyManager {
	return &KeyManager{repo: repo, now: time.Now}
}

// EnsureSigningKey returns the current key, generating and persisting one on
// first use when the store is empty.
func (m *KeyManager) EnsureSigningKey(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(ctx)
}

func (m *KeyManager) ensureLocked(ctx context.Context) error {
	if !m.loaded {
		keys, err := m.repo.ListKeys(ctx)
		if err != nil {
			return fmt.Errorf("load signing keys: %w", err)
		}
		for _, stored := range keys {
			parsed, err := parsePrivateKey(stored.PrivatePEM)
			if err != nil {
				return fmt.Errorf("parse signing key %s: %w", stored.KID, err)
			}
			entry := &signingKey{id: stored.ID, kid: stored.KID, private: parsed, createdAt: stored.CreatedAt}
			if stored.Retired() {
				m.retired = append(m.retired, entry)
			} else if m.current == nil || stored.CreatedAt.After(m.current.createdAt) {
				if m.current != nil {
					m.retired = append(m.retired, m.current)
				}
				m.current = entry
			} else {
				m.retired = append(m.retired, entry)
			}
		}
		m.loaded = true
	}

	if m.current != nil {
		return nil
	}

	created, err := m.generateLocked(ctx)
	if err != nil {
		return err
	}
	m.current = created
	return nil
}

func (m *KeyManager) generateLocked(ctx context.Context) (*signingKey, error) {
	private, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	encoded, err := encodePrivateKey(private)
	if err != nil {
		return nil, err
	}

	record := domain.SigningKey{
		KID:        uuid.NewString(),
		Algorithm:  SigningAlgorithm,
		PrivatePEM: encoded,
		CreatedAt:  m.now().UTC(),
	}
	stored, err := m.repo.CreateKey(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}

	return &signingKey{id: stored.ID, kid: stored.KID, private: private, createdAt: stored.CreatedAt}, nil
}

// Rotate creates a new current key and demotes the prior one to
// retired-but-verifiable. Tokens signed moments before rotation keep verifying.
func (m *KeyManager) Rotate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLocked(ctx); err != nil {
		return err
	}

	next, err := m.generateLocked(ctx)
	if err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}

	prior := m.current
	if err := m.repo.RetireKey(ctx, prior.kid, m.now().UTC()); err != nil {
		return fmt.Errorf("retire key %s: %w", prior.kid, err)
	}

	m.retired = append(m.retired, prior)
	m.current = next
	return nil
}

// SigningKey returns the kid and private key used for new signatures.
func (m *KeyManager) SigningKey(ctx context.Context) (string, *rsa.PrivateKey, error) {
	if err := m.EnsureSigningKey(ctx); err != nil {
		return "", nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.kid, m.current.private, nil
}

// VerificationKey looks up a public key by kid across current and retired keys.
func (m *KeyManager) VerificationKey(kid string) (*rsa.PublicKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current != nil && m.current.kid == kid {
		return &m.current.private.PublicKey, true
	}
	for _, k := range m.retired {
		if k.kid == kid {
			return &k.private.PublicKey, true
		}
	}
	return nil, false
}

// VerificationKeys returns every known public key, current first. Used as the
// fallback when a token carries no kid header.
func (m *KeyManager) VerificationKeys() []*rsa.PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]*rsa.PublicKey, 0, len(m.retired)+1)
	if m.current != nil {
		keys = append(keys, &m.current.private.PublicKey)
	}
	for _, k := range m.retired {
		keys = append(keys, &k.private.PublicKey)
	}
	return keys
}

// JWKS returns the public JSON Web Key Set reflecting live key state.
func (m *KeyManager) JWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	if err := m.EnsureSigningKey(ctx); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	set := jose.JSONWebKeySet{}
	appendKey := func(k *signingKey) {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			KeyID:     k.kid,
			Use:       "sig",
			Algorithm: SigningAlgorithm,
			Key:       &k.private.PublicKey,
		})
	}
	appendKey(m.current)
	for _, k := range m.retired {
		appendKey(k)
	}
	return set, nil
}

func encodePrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func parsePrivateKey(encoded []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(encoded)
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8: %w", err)
	}
	private, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", parsed)
	}
	return private, nil
}

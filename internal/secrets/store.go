package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"sankey-license-server/config"

	"github.com/hashicorp/vault/api"
)

// MasterKeySize is the fixed length of per-user secret material. The same
// key both verifies inbound submission signatures and keys the license
// codec: the external client holds exactly one secret per user, so both
// uses must share it.
const MasterKeySize = 32

// ErrSecretNotFound marks a lookup for a user who has no stored secret.
// Callers must distinguish it from transport failures: only a confirmed
// absence may trigger key generation, never a failed read.
var ErrSecretNotFound = errors.New("master secret not found")

// Store keeps one symmetric master secret per user in Vault KV v2.
// Secrets are created on first use and never rotated automatically.
type Store struct {
	client       *api.Client
	config       config.VaultConfig
	mu           sync.RWMutex
	cache        map[string][]byte
	cacheEnabled bool
}

// NewStore creates a Vault-backed secret store. With Vault disabled the
// store falls back to process-local storage (development/testing only).
func NewStore(cfg config.VaultConfig) (*Store, error) {
	if !cfg.Enabled {
		return &Store{
			config:       cfg,
			cache:        make(map[string][]byte),
			cacheEnabled: true,
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Store{
		client:       client,
		config:       cfg,
		cache:        make(map[string][]byte),
		cacheEnabled: true,
	}, nil
}

// EnsureSecret returns the user's master secret, generating and storing a
// fresh one when none exists. Deployed licenses and the external client's
// copy of the secret depend on the key staying stable, so generation only
// happens on a confirmed absence; a failed read propagates instead.
func (s *Store) EnsureSecret(ctx context.Context, userID string) ([]byte, error) {
	secret, err := s.GetSecret(ctx, userID)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return nil, err
	}

	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master secret: %w", err)
	}

	if err := s.storeSecret(ctx, userID, key); err != nil {
		return nil, err
	}

	return key, nil
}

// GetSecret fetches the user's master secret. The secret is stored base64
// encoded and decoded here before use.
func (s *Store) GetSecret(ctx context.Context, userID string) ([]byte, error) {
	if s.cacheEnabled {
		s.mu.RLock()
		if cached, ok := s.cache[userID]; ok {
			s.mu.RUnlock()
			return cached, nil
		}
		s.mu.RUnlock()
	}

	if !s.config.Enabled {
		return nil, fmt.Errorf("user %s: %w", userID, ErrSecretNotFound)
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, s.secretPath(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to read master secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("user %s: %w", userID, ErrSecretNotFound)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format for user %s", userID)
	}

	encoded, _ := data["master_key"].(string)
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master secret: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master secret for user %s has wrong length %d", userID, len(key))
	}

	if s.cacheEnabled {
		s.mu.Lock()
		s.cache[userID] = key
		s.mu.Unlock()
	}

	return key, nil
}

// Exists reports whether a secret has been created for the user.
func (s *Store) Exists(ctx context.Context, userID string) (bool, error) {
	if s.cacheEnabled {
		s.mu.RLock()
		_, ok := s.cache[userID]
		s.mu.RUnlock()
		if ok {
			return true, nil
		}
	}

	if !s.config.Enabled {
		return false, nil
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, s.secretPath(userID))
	if err != nil {
		return false, fmt.Errorf("failed to check secret existence: %w", err)
	}
	return secret != nil && secret.Data != nil, nil
}

func (s *Store) storeSecret(ctx context.Context, userID string, key []byte) error {
	if !s.config.Enabled {
		s.mu.Lock()
		s.cache[userID] = key
		s.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"master_key": base64.StdEncoding.EncodeToString(key),
		},
	}

	if _, err := s.client.Logical().WriteWithContext(ctx, s.secretPath(userID), secretData); err != nil {
		return fmt.Errorf("failed to store master secret in vault: %w", err)
	}

	if s.cacheEnabled {
		s.mu.Lock()
		s.cache[userID] = key
		s.mu.Unlock()
	}

	return nil
}

// InvalidateCacheForUser removes one user's cached secret.
func (s *Store) InvalidateCacheForUser(userID string) {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
}

// Health checks the Vault connection.
func (s *Store) Health(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	health, err := s.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (s *Store) secretPath(userID string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.config.MountPath, s.config.SecretPath, userID)
}

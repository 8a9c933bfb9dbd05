// Package apikeys resolves the broker API token a session trades with.
// Tokens come from Vault when it is enabled, otherwise from the database
// where they are stored sealed with XChaCha20-Poly1305.
package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/errs"
	"digit-trading-bot/internal/vault"
)

// ErrNoToken is returned when no broker token is configured for the user
var ErrNoToken = errors.New("no broker token configured")

// TokenStore persists sealed tokens
type TokenStore interface {
	GetBrokerToken(ctx context.Context, userID, accountType string) ([]byte, error)
	SaveBrokerToken(ctx context.Context, userID, accountType string, encrypted []byte) error
}

// VaultTokens is the subset of the Vault client the service uses
type VaultTokens interface {
	IsEnabled() bool
	GetToken(ctx context.Context, userID, accountType string) (*vault.TokenData, error)
	StoreToken(ctx context.Context, userID string, data vault.TokenData) error
}

// Service provides broker tokens per user and account type
type Service struct {
	store TokenStore
	vault VaultTokens
	key   []byte
}

// NewService creates a token service. vaultClient may be nil. The encryption
// key is stretched to 32 bytes with SHA-256.
func NewService(store TokenStore, vaultClient VaultTokens, encryptionKey string) (*Service, error) {
	if encryptionKey == "" {
		return nil, errs.New(errs.KindConfig, "apikeys.new", "encryption key is required")
	}
	sum := sha256.Sum256([]byte(encryptionKey))
	return &Service{
		store: store,
		vault: vaultClient,
		key:   sum[:],
	}, nil
}

func (s *Service) vaultEnabled() bool {
	return s.vault != nil && s.vault.IsEnabled()
}

// Token returns the plaintext broker token of userID for accountType
func (s *Service) Token(ctx context.Context, userID, accountType string) (string, error) {
	if s.vaultEnabled() {
		data, err := s.vault.GetToken(ctx, userID, accountType)
		if err == nil {
			return data.Token, nil
		}
		if !errors.Is(err, vault.ErrTokenNotFound) {
			return "", errs.Wrap(errs.KindBroker, "apikeys.vault_token", err)
		}
	}

	if s.store == nil {
		return "", errs.Wrap(errs.KindBroker, "apikeys.token", ErrNoToken)
	}
	sealed, err := s.store.GetBrokerToken(ctx, userID, accountType)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return "", errs.Wrap(errs.KindBroker, "apikeys.token", ErrNoToken)
		}
		return "", errs.Wrap(errs.KindPersistence, "apikeys.token", err)
	}
	token, err := s.open(sealed)
	if err != nil {
		return "", errs.Wrap(errs.KindBroker, "apikeys.decrypt", err)
	}
	return token, nil
}

// SaveToken stores a token in Vault when enabled, otherwise sealed in the database
func (s *Service) SaveToken(ctx context.Context, userID, accountType, token string) error {
	if token == "" {
		return errs.New(errs.KindConfig, "apikeys.save", "token is empty")
	}
	if s.vaultEnabled() {
		if err := s.vault.StoreToken(ctx, userID, vault.TokenData{Token: token, AccountType: accountType}); err != nil {
			return errs.Wrap(errs.KindPersistence, "apikeys.vault_store", err)
		}
		return nil
	}

	sealed, err := s.seal(token)
	if err != nil {
		return errs.Wrap(errs.KindConfig, "apikeys.encrypt", err)
	}
	if err := s.store.SaveBrokerToken(ctx, userID, accountType, sealed); err != nil {
		return errs.Wrap(errs.KindPersistence, "apikeys.save", err)
	}
	return nil
}

// seal encrypts plaintext as base64(nonce || ciphertext)
func (s *Service) seal(plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

func (s *Service) open(encoded []byte) (string, error) {
	data := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(data, encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	data = data[:n]

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// PaperTokens hands every user a deterministic token for the simulated broker
type PaperTokens struct{}

// Token returns "paper-<userID>"
func (PaperTokens) Token(ctx context.Context, userID, accountType string) (string, error) {
	return "paper-" + userID, nil
}

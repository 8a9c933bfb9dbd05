// Package vault stores broker API tokens in a HashiCorp Vault KV v2 engine.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"digit-trading-bot/config"
)

// ErrTokenNotFound is returned when no token is stored for the user and account type
var ErrTokenNotFound = errors.New("broker token not found")

// TokenData is the broker token stored per user and account type
type TokenData struct {
	Token       string `json:"token"`
	AccountType string `json:"account_type"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client       *api.Client
	config       config.VaultConfig
	mu           sync.RWMutex
	cache        map[string]*TokenData // userID/accountType -> token
	cacheEnabled bool
}

// NewClient creates a new Vault client. A disabled config yields a cache-only client.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.SecretPath == "" {
		cfg.SecretPath = "digit-bot/broker-tokens"
	}
	if !cfg.Enabled {
		return &Client{
			config:       cfg,
			cache:        make(map[string]*TokenData),
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

	return &Client{
		client:       client,
		config:       cfg,
		cache:        make(map[string]*TokenData),
		cacheEnabled: true,
	}, nil
}

// StoreToken writes a broker token for a user
func (c *Client) StoreToken(ctx context.Context, userID string, data TokenData) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[cacheKey(userID, data.AccountType)] = &data
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"token":        data.Token,
			"account_type": data.AccountType,
		},
	}

	_, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(userID, data.AccountType), secretData)
	if err != nil {
		return fmt.Errorf("failed to store broker token in vault: %w", err)
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[cacheKey(userID, data.AccountType)] = &data
		c.mu.Unlock()
	}

	return nil
}

// GetToken reads the broker token of a user for an account type
func (c *Client) GetToken(ctx context.Context, userID, accountType string) (*TokenData, error) {
	if c.cacheEnabled {
		c.mu.RLock()
		if cached, ok := c.cache[cacheKey(userID, accountType)]; ok {
			c.mu.RUnlock()
			return cached, nil
		}
		c.mu.RUnlock()
	}

	if !c.config.Enabled {
		return nil, ErrTokenNotFound
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(userID, accountType))
	if err != nil {
		return nil, fmt.Errorf("failed to read broker token from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, ErrTokenNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	token := &TokenData{
		Token:       getString(data, "token"),
		AccountType: getString(data, "account_type"),
	}
	if token.Token == "" {
		return nil, ErrTokenNotFound
	}
	if token.AccountType == "" {
		token.AccountType = accountType
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[cacheKey(userID, accountType)] = token
		c.mu.Unlock()
	}

	return token, nil
}

// DeleteToken removes a user's token for an account type
func (c *Client) DeleteToken(ctx context.Context, userID, accountType string) error {
	c.mu.Lock()
	delete(c.cache, cacheKey(userID, accountType))
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(userID, accountType)); err != nil {
		return fmt.Errorf("failed to delete broker token from vault: %w", err)
	}
	return nil
}

// InvalidateCacheForUser drops cached tokens of one user
func (c *Client) InvalidateCacheForUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := userID + "/"
	for key := range c.cache {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.cache, key)
		}
	}
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func (c *Client) secretPath(userID, accountType string) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", c.config.MountPath, c.config.SecretPath, userID, accountType)
}

func (c *Client) metadataPath(userID, accountType string) string {
	return fmt.Sprintf("%s/metadata/%s/%s/%s", c.config.MountPath, c.config.SecretPath, userID, accountType)
}

func cacheKey(userID, accountType string) string {
	return userID + "/" + accountType
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

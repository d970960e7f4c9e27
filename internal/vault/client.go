// Package vault reads and writes the broker API credentials in HashiCorp
// Vault (KV v2). When Vault is disabled the client degrades to an in-memory
// store so development setups work without a Vault server.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
)

// BrokerCredentials are the Kite Connect secrets kept in Vault. The access
// token is rotated daily by the session refresh job.
type BrokerCredentials struct {
	APIKey      string `json:"api_key"`
	AccessToken string `json:"access_token"`
}

// Config holds the Vault connection settings.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string // KV v2 mount, e.g. "secret"
	SecretPath string // path under the mount, e.g. "sodme/kite"
}

// Client wraps the HashiCorp Vault client.
type Client struct {
	client *api.Client
	config Config

	mu    sync.RWMutex
	cache *BrokerCredentials
}

// NewClient creates a Vault client. With Enabled=false the client only uses
// its in-memory cache.
func NewClient(cfg Config) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.SecretPath == "" {
		cfg.SecretPath = "sodme/kite"
	}
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

func (c *Client) dataPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

// StoreCredentials writes the broker credentials to Vault.
func (c *Client) StoreCredentials(ctx context.Context, creds BrokerCredentials) error {
	c.mu.Lock()
	c.cache = &creds
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":      creds.APIKey,
			"access_token": creds.AccessToken,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(), payload); err != nil {
		return fmt.Errorf("store broker credentials: %w", err)
	}
	return nil
}

// GetCredentials reads the broker credentials, preferring the cache.
func (c *Client) GetCredentials(ctx context.Context) (*BrokerCredentials, error) {
	c.mu.RLock()
	if c.cache != nil {
		cached := *c.cache
		c.mu.RUnlock()
		return &cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("vault disabled and no cached credentials")
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath())
	if err != nil {
		return nil, fmt.Errorf("read broker credentials: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no broker credentials at %s", c.dataPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format at %s", c.dataPath())
	}

	creds := &BrokerCredentials{}
	if v, ok := data["api_key"].(string); ok {
		creds.APIKey = v
	}
	if v, ok := data["access_token"].(string); ok {
		creds.AccessToken = v
	}
	if creds.APIKey == "" {
		return nil, fmt.Errorf("broker credentials at %s missing api_key", c.dataPath())
	}

	c.mu.Lock()
	c.cache = creds
	c.mu.Unlock()
	return creds, nil
}

// InvalidateCache drops the cached credentials, forcing a Vault read on the
// next access. Called when the broker reports the session invalid.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

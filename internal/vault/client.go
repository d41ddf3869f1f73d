// Package vault fetches venue API credentials from HashiCorp Vault KV v2.
// When Vault is not configured the engine falls back to the JSON config;
// credential values are never logged either way.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"multibroker-trading-bot/internal/broker"
)

// Config selects and authenticates the Vault backend.
type Config struct {
	Enabled   bool
	Address   string
	Token     string
	MountPath string // KV v2 mount, default "secret"
	BasePath  string // path prefix under the mount, default "trading-bot/venues"
}

// Client wraps the Vault API client with a read-through credential cache.
type Client struct {
	client *api.Client
	cfg    Config
	log    zerolog.Logger

	mu    sync.RWMutex
	cache map[string]broker.Credentials
}

// NewClient builds a client. A disabled config yields a client whose lookups
// report not-found, letting the caller fall back to file config.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "trading-bot/venues"
	}

	c := &Client{
		cfg:   cfg,
		cache: make(map[string]broker.Credentials),
		log:   log.With().Str("component", "vault").Logger(),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	c.log.Info().Str("address", cfg.Address).Msg("vault enabled")
	return c, nil
}

// VenueCredentials returns the credentials stored for a venue, reading
// through the cache. A disabled client or missing secret returns ok=false.
func (c *Client) VenueCredentials(ctx context.Context, venue string) (broker.Credentials, bool, error) {
	if c == nil || !c.cfg.Enabled {
		return broker.Credentials{}, false, nil
	}

	c.mu.RLock()
	if creds, ok := c.cache[venue]; ok {
		c.mu.RUnlock()
		return creds, true, nil
	}
	c.mu.RUnlock()

	secret, err := c.client.KVv2(c.cfg.MountPath).Get(ctx, c.cfg.BasePath+"/"+venue)
	if err != nil {
		return broker.Credentials{}, false, fmt.Errorf("vault read %s: %w", venue, err)
	}
	if secret == nil || secret.Data == nil {
		return broker.Credentials{}, false, nil
	}

	creds := broker.Credentials{
		APIKey:       str(secret.Data, "api_key"),
		APISecret:    str(secret.Data, "api_secret"),
		RefreshToken: str(secret.Data, "refresh_token"),
		ClientID:     str(secret.Data, "client_id"),
	}

	c.mu.Lock()
	c.cache[venue] = creds
	c.mu.Unlock()

	c.log.Info().Str("venue", venue).Msg("credentials loaded from vault")
	return creds, true, nil
}

// StoreVenueCredentials writes credentials for a venue and refreshes the
// cache, for operator tooling.
func (c *Client) StoreVenueCredentials(ctx context.Context, venue string, creds broker.Credentials) error {
	if c == nil || !c.cfg.Enabled {
		return fmt.Errorf("vault disabled")
	}
	_, err := c.client.KVv2(c.cfg.MountPath).Put(ctx, c.cfg.BasePath+"/"+venue, map[string]interface{}{
		"api_key":       creds.APIKey,
		"api_secret":    creds.APISecret,
		"refresh_token": creds.RefreshToken,
		"client_id":     creds.ClientID,
	})
	if err != nil {
		return fmt.Errorf("vault write %s: %w", venue, err)
	}

	c.mu.Lock()
	c.cache[venue] = creds
	c.mu.Unlock()
	return nil
}

func str(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// Package vault resolves deployment secrets from HashiCorp Vault's KV v2
// secrets engine into KEY=VALUE environment assignments. It supports token
// and AppRole authentication.
package vault

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"

	"github.com/jvreagan/remote-deploy/pkg/logging"
	"github.com/jvreagan/remote-deploy/pkg/manifest"
)

// Config holds Vault configuration including address and authentication details.
type Config struct {
	// Address is the Vault server address (e.g., "http://127.0.0.1:8200")
	Address string

	// Auth holds authentication configuration
	Auth AuthConfig

	// TLSSkipVerify skips TLS certificate verification (not recommended for production)
	TLSSkipVerify bool
}

// AuthConfig specifies the authentication method and credentials.
type AuthConfig struct {
	// Method is the auth method: "token" or "approle"
	Method string

	// Token for token authentication
	Token string

	// RoleID for AppRole authentication
	RoleID string

	// SecretID for AppRole authentication
	SecretID string
}

// SecretRef binds an environment variable to a key in a Vault secret.
type SecretRef struct {
	// Name of the environment variable
	Name string

	// Path is the full Vault path (e.g., "secret/data/myapp/database")
	Path string

	// Key is the key within the secret (e.g., "url")
	Key string
}

// FromManifest extracts the Vault settings and secret references. It
// returns a nil Config when the manifest has no vault section.
func FromManifest(m *manifest.Manifest) (*Config, []SecretRef) {
	if m.Vault == nil {
		return nil, nil
	}

	cfg := &Config{
		Address: m.Vault.Address,
		Auth: AuthConfig{
			Method:   m.Vault.Auth.Method,
			Token:    m.Vault.Auth.Token,
			RoleID:   m.Vault.Auth.RoleID,
			SecretID: m.Vault.Auth.SecretID,
		},
		TLSSkipVerify: m.Vault.TLSSkipVerify,
	}

	refs := make([]SecretRef, 0, len(m.Secrets))
	for _, s := range m.Secrets {
		refs = append(refs, SecretRef{Name: s.Name, Path: s.Path, Key: s.Key})
	}
	return cfg, refs
}

// Client wraps the Vault API client and provides secret retrieval methods.
type Client struct {
	client *vault.Client
	config *Config
}

// NewClient creates a new Vault client with the given configuration.
// It initializes the client but does not authenticate yet.
func NewClient(config *Config) (*Client, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = config.Address

	if config.TLSSkipVerify {
		tlsConfig := &vault.TLSConfig{
			Insecure: true,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	return &Client{
		client: client,
		config: config,
	}, nil
}

// Authenticate authenticates to Vault using the configured auth method.
// This must be called before fetching secrets.
func (c *Client) Authenticate(ctx context.Context) error {
	switch c.config.Auth.Method {
	case "token", "":
		return c.authenticateWithToken()

	case "approle":
		return c.authenticateWithAppRole(ctx)

	default:
		return fmt.Errorf("unsupported auth method: %s", c.config.Auth.Method)
	}
}

// authenticateWithToken sets the token directly on the client.
func (c *Client) authenticateWithToken() error {
	if c.config.Auth.Token == "" {
		return fmt.Errorf("vault token is required for token authentication")
	}

	c.client.SetToken(c.config.Auth.Token)
	return nil
}

// authenticateWithAppRole authenticates using AppRole role_id and secret_id.
func (c *Client) authenticateWithAppRole(ctx context.Context) error {
	if c.config.Auth.RoleID == "" {
		return fmt.Errorf("role_id is required for approle authentication")
	}
	if c.config.Auth.SecretID == "" {
		return fmt.Errorf("secret_id is required for approle authentication")
	}

	data := map[string]interface{}{
		"role_id":   c.config.Auth.RoleID,
		"secret_id": c.config.Auth.SecretID,
	}

	resp, err := c.client.Logical().WriteWithContext(ctx, "auth/approle/login", data)
	if err != nil {
		return fmt.Errorf("approle login failed: %w", err)
	}

	if resp == nil || resp.Auth == nil {
		return fmt.Errorf("approle login returned no auth token")
	}

	c.client.SetToken(resp.Auth.ClientToken)
	return nil
}

// GetSecret fetches one key of a KV v2 secret.
//
// Note: For KV v2, the path must include "/data/" after the mount point.
// For example: "secret/data/myapp/database" not "secret/myapp/database"
func (c *Client) GetSecret(ctx context.Context, path, key string) (string, error) {
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret at %s: %w", path, err)
	}

	if secret == nil {
		return "", fmt.Errorf("secret not found at path: %s", path)
	}

	// For KV v2, secrets are nested under "data"
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("unexpected secret format at path: %s", path)
	}

	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %s not found in secret at path: %s", key, path)
	}

	valueStr, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("value for key %s is not a string at path: %s", key, path)
	}

	return valueStr, nil
}

// Assignments fetches every reference and returns NAME=VALUE strings in
// the order of refs. Values are never logged.
func (c *Client) Assignments(ctx context.Context, refs []SecretRef) ([]string, error) {
	assignments := make([]string, 0, len(refs))

	for _, ref := range refs {
		value, err := c.GetSecret(ctx, ref.Path, ref.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch secret %s: %w", ref.Name, err)
		}
		assignments = append(assignments, ref.Name+"="+value)
	}

	logging.Info("Resolved secrets from Vault", "count", len(assignments))
	return assignments, nil
}

// Resolve connects, authenticates and fetches refs in one call. A nil
// config or empty refs resolves to nothing.
func Resolve(ctx context.Context, config *Config, refs []SecretRef) ([]string, error) {
	if config == nil || len(refs) == 0 {
		return nil, nil
	}

	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	if err := client.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("failed to authenticate to vault: %w", err)
	}
	return client.Assignments(ctx, refs)
}

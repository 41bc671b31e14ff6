// Package credentials resolves the AWS keys remote-deploy runs with, from
// the environment or from an AWS Secrets Manager secret.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/jvreagan/remote-deploy/pkg/logging"
	"github.com/jvreagan/remote-deploy/pkg/manifest"
)

// SecretsAPI is the subset of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Manager handles credential retrieval from various sources
type Manager struct {
	Source   string // "environment" or "secrets-manager"
	SecretID string // Secrets Manager secret name or ARN
	Region   string

	// Client overrides the Secrets Manager client - optional
	Client SecretsAPI
}

// AWSCredentials is the JSON shape of a credentials secret.
type AWSCredentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
}

// GetCredentials retrieves credentials based on the configured source
func (m *Manager) GetCredentials(ctx context.Context) (*AWSCredentials, error) {
	switch m.Source {
	case "environment":
		return m.getFromEnvironment()
	case "secrets-manager":
		return m.getFromSecretsManager(ctx)
	default:
		return nil, fmt.Errorf("unknown credentials source: %s", m.Source)
	}
}

// getFromEnvironment retrieves credentials from environment variables
func (m *Manager) getFromEnvironment() (*AWSCredentials, error) {
	creds := &AWSCredentials{
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("AWS credentials not found in environment")
	}
	return creds, nil
}

// getFromSecretsManager retrieves credentials from AWS Secrets Manager
func (m *Manager) getFromSecretsManager(ctx context.Context) (*AWSCredentials, error) {
	if m.SecretID == "" {
		return nil, fmt.Errorf("no secret configured for secrets-manager source")
	}

	client := m.Client
	if client == nil {
		// The lookup itself uses the default chain.
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(m.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = secretsmanager.NewFromConfig(cfg)
	}

	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(m.SecretID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve secret %s: %w", m.SecretID, err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", m.SecretID)
	}

	creds := &AWSCredentials{}
	if err := json.Unmarshal([]byte(*result.SecretString), creds); err != nil {
		return nil, fmt.Errorf("failed to parse secret JSON: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("secret %s: %w", m.SecretID, err)
	}

	logging.Info("Loaded credentials from Secrets Manager", "secret_id", m.SecretID)
	return creds, nil
}

// Validate checks that both keys are present.
func (c *AWSCredentials) Validate() error {
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return fmt.Errorf("AWS credentials are incomplete")
	}
	return nil
}

// Resolve fills static keys into the manifest's credentials when a source
// is configured. Manifests without a source are left to the default chain.
func Resolve(ctx context.Context, m *manifest.Manifest, client SecretsAPI) error {
	cfg := m.Provider.Credentials
	if cfg == nil || cfg.Source == "" {
		return nil
	}

	mgr := &Manager{
		Source:   cfg.Source,
		SecretID: cfg.SecretID,
		Region:   m.Provider.Region,
		Client:   client,
	}
	creds, err := mgr.GetCredentials(ctx)
	if err != nil {
		return err
	}

	cfg.AccessKeyID = creds.AccessKeyID
	cfg.SecretAccessKey = creds.SecretAccessKey
	cfg.SessionToken = creds.SessionToken
	return nil
}

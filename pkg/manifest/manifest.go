// Package manifest provides types and functions for parsing and validating
// remote-deploy manifest files. A manifest is a YAML file describing where a
// project is deployed (region, image, security groups), what is deployed
// (repository, flavor, role) and how long each wait may take. Platform
// settings can also come from the environment, as AWS_* variables.
package manifest

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jvreagan/remote-deploy/pkg/deploy"
)

// Manifest represents the complete deployment configuration.
//
// Example:
//
//	manifest := &Manifest{
//	  Provider: ProviderConfig{Name: "aws", Region: "us-east-1"},
//	  Platform: PlatformConfig{ImageID: "ami-0abc", SecurityGroupIDs: []string{"sg-0abc"}},
//	  Project:  ProjectConfig{Repository: "https://github.com/acme/api.git", Role: "backend"},
//	}
type Manifest struct {
	// Version of the manifest schema (currently "1.0")
	Version string `yaml:"version"`

	// Provider configuration (cloud provider, region, credentials)
	Provider ProviderConfig `yaml:"provider"`

	// Platform configuration (image, network, instance profile)
	Platform PlatformConfig `yaml:"platform"`

	// Instance configuration (type, title, existing instance)
	Instance InstanceConfig `yaml:"instance"`

	// Project to deploy
	Project ProjectConfig `yaml:"project"`

	// Environment variables written to the project's .env file, in order.
	// Each entry is KEY=VALUE - optional
	EnvironmentVariables []string `yaml:"environment_variables,omitempty"`

	// Vault configuration for secret injection - optional
	Vault *VaultConfig `yaml:"vault,omitempty"`

	// Secrets fetched from Vault and appended to the environment - optional
	Secrets []SecretConfig `yaml:"secrets,omitempty"`

	// Output configuration for full command logs - optional
	Output OutputConfig `yaml:"output,omitempty"`

	// Timeouts for each wait - optional
	Timeouts TimeoutsConfig `yaml:"timeouts,omitempty"`

	// Tags to apply to new instances - optional
	Tags map[string]string `yaml:"tags,omitempty"`
}

// ProviderConfig specifies which cloud provider to use and how to authenticate.
type ProviderConfig struct {
	// Name of the cloud provider (only aws is supported)
	Name string `yaml:"name"`

	// Region to deploy to (e.g., us-east-1)
	Region string `yaml:"region"`

	// Credentials for authentication - optional, the default chain is used otherwise
	Credentials *CredentialsConfig `yaml:"credentials,omitempty"`
}

// CredentialsConfig contains cloud provider credentials.
// Note: It's recommended to use the default credential chain or a secrets
// source instead of storing keys in the manifest.
type CredentialsConfig struct {
	// Source of the credentials: "environment" or "secrets-manager" - optional
	Source string `yaml:"source,omitempty"`

	// SecretID names the Secrets Manager secret holding the keys
	SecretID string `yaml:"secret_id,omitempty"`

	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`
}

// PlatformConfig holds account-specific launch settings for new instances.
type PlatformConfig struct {
	// ImageID is the machine image (AWS_AMI_ID)
	ImageID string `yaml:"image_id"`

	// SecurityGroupIDs attached to new instances (AWS_SECURITY_GROUP_ID)
	SecurityGroupIDs []string `yaml:"security_group_ids"`

	// InstanceProfile grants the node SSM access (AWS_IAM_ROLE_NAME)
	InstanceProfile string `yaml:"instance_profile,omitempty"`

	SubnetID string `yaml:"subnet_id,omitempty"`
	KeyName  string `yaml:"key_name,omitempty"`
}

// InstanceConfig selects the node.
type InstanceConfig struct {
	// Type of instance (default t2.micro)
	Type string `yaml:"type,omitempty"`

	// Title becomes the Name tag of a new instance
	Title string `yaml:"title,omitempty"`

	// ID of an existing instance to deploy onto instead of launching one
	ID string `yaml:"id,omitempty"`
}

// ProjectConfig describes what is deployed.
type ProjectConfig struct {
	// Repository is the git URL to clone
	Repository string `yaml:"repository"`

	// Flavor is javascript (default) or typescript
	Flavor string `yaml:"flavor,omitempty"`

	// Role is backend (default) or frontend
	Role string `yaml:"role,omitempty"`

	Entries EntriesConfig `yaml:"entries,omitempty"`

	// Verify runs a best-effort check after deploying
	Verify bool `yaml:"verify,omitempty"`
}

// Name returns the checkout directory name derived from the repository.
func (p ProjectConfig) Name() string {
	return deploy.ProjectName(p.Repository)
}

// EntriesConfig overrides the default entry points.
type EntriesConfig struct {
	Source   string `yaml:"source,omitempty"`
	Compiled string `yaml:"compiled,omitempty"`
	OutDir   string `yaml:"out_dir,omitempty"`
	BuildDir string `yaml:"build_dir,omitempty"`
}

// VaultConfig holds HashiCorp Vault connection settings.
type VaultConfig struct {
	// Address of the Vault server (e.g., https://vault.example.com:8200)
	Address string `yaml:"address"`

	Auth VaultAuthConfig `yaml:"auth"`

	// TLSSkipVerify skips certificate verification (not recommended for production)
	TLSSkipVerify bool `yaml:"tls_skip_verify,omitempty"`
}

// VaultAuthConfig specifies how to authenticate to Vault.
type VaultAuthConfig struct {
	// Method is "token" or "approle"
	Method   string `yaml:"method"`
	Token    string `yaml:"token,omitempty"`
	RoleID   string `yaml:"role_id,omitempty"`
	SecretID string `yaml:"secret_id,omitempty"`
}

// SecretConfig maps an environment variable to a Vault KV v2 key.
type SecretConfig struct {
	// Name of the environment variable
	Name string `yaml:"name"`

	// Path is the full KV v2 path (e.g., secret/data/api/database)
	Path string `yaml:"path"`

	// Key within the secret
	Key string `yaml:"key"`
}

// OutputConfig sends full command output to S3.
type OutputConfig struct {
	Bucket string `yaml:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
}

// TimeoutsConfig bounds each wait. Values are Go durations ("10m", "5s").
// Zero values take the orchestrator defaults.
type TimeoutsConfig struct {
	// Ready bounds the wait for a new instance
	Ready time.Duration `yaml:"ready,omitempty"`

	// PollInterval between command status checks
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// MaxAttempts bounds status checks per stage
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Command bounds one batch on the node
	Command time.Duration `yaml:"command,omitempty"`
}

// Load reads a manifest file from disk, parses it, fills gaps from the
// environment and validates it.
func Load(filename string) (*Manifest, error) {
	manifest, err := Read(filename)
	if err != nil {
		return nil, err
	}

	manifest.ApplyEnvironment()
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	return manifest, nil
}

// Read parses a manifest file without validating it, for callers that
// complete it from other sources first.
func Read(filename string) (*Manifest, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}

// FromEnvironment builds a manifest from AWS_* variables only. The project
// is left for the caller to fill in.
func FromEnvironment() *Manifest {
	m := &Manifest{Version: "1.0"}
	m.ApplyEnvironment()
	return m
}

// ApplyEnvironment fills empty provider and platform fields from the
// environment.
func (m *Manifest) ApplyEnvironment() {
	if m.Provider.Name == "" {
		m.Provider.Name = "aws"
	}
	setIfEmpty(&m.Provider.Region, "AWS_REGION")
	setIfEmpty(&m.Platform.ImageID, "AWS_AMI_ID")
	setIfEmpty(&m.Platform.InstanceProfile, "AWS_IAM_ROLE_NAME")
	setIfEmpty(&m.Platform.SubnetID, "AWS_SUBNET_ID")
	setIfEmpty(&m.Platform.KeyName, "AWS_KEY_NAME")
	setIfEmpty(&m.Output.Bucket, "REMOTE_DEPLOY_OUTPUT_BUCKET")

	if len(m.Platform.SecurityGroupIDs) == 0 {
		for _, id := range strings.Split(os.Getenv("AWS_SECURITY_GROUP_ID"), ",") {
			if id = strings.TrimSpace(id); id != "" {
				m.Platform.SecurityGroupIDs = append(m.Platform.SecurityGroupIDs, id)
			}
		}
	}
}

func setIfEmpty(field *string, key string) {
	if *field == "" {
		*field = os.Getenv(key)
	}
}

// ValidateProvider checks only what is needed to talk to the provider.
func (m *Manifest) ValidateProvider() error {
	if m.Provider.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if m.Provider.Name != "aws" {
		return fmt.Errorf("unsupported provider: %s", m.Provider.Name)
	}
	if m.Provider.Region == "" {
		return fmt.Errorf("provider region is required (or set AWS_REGION)")
	}
	if creds := m.Provider.Credentials; creds != nil && creds.Source == "secrets-manager" && creds.SecretID == "" {
		return fmt.Errorf("provider.credentials.secret_id is required for secrets-manager")
	}
	return nil
}

// Validate checks if the manifest has all required fields and valid values.
func (m *Manifest) Validate() error {
	if err := m.ValidateProvider(); err != nil {
		return err
	}
	if m.Project.Repository == "" {
		return fmt.Errorf("project repository is required")
	}

	// A new instance needs launch settings; an existing one does not.
	if m.Instance.ID == "" {
		if m.Platform.ImageID == "" {
			return fmt.Errorf("platform image_id is required (or set AWS_AMI_ID)")
		}
		if len(m.Platform.SecurityGroupIDs) == 0 {
			return fmt.Errorf("platform security_group_ids is required (or set AWS_SECURITY_GROUP_ID)")
		}
	}

	if len(m.Secrets) > 0 {
		if m.Vault == nil || m.Vault.Address == "" {
			return fmt.Errorf("vault address is required when secrets are configured")
		}
		for i, s := range m.Secrets {
			if s.Name == "" || s.Path == "" || s.Key == "" {
				return fmt.Errorf("secrets[%d]: name, path and key are required", i)
			}
		}
	}

	if m.Timeouts.MaxAttempts < 0 || m.Timeouts.Ready < 0 || m.Timeouts.PollInterval < 0 || m.Timeouts.Command < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if err := m.Request().Validate(); err != nil {
		return err
	}
	return nil
}

// Request converts the manifest into a deployment request. Secrets are not
// resolved here.
func (m *Manifest) Request() deploy.Request {
	flavor := deploy.Flavor(m.Project.Flavor)
	if flavor == "" {
		flavor = deploy.FlavorJavaScript
	}
	role := deploy.Role(m.Project.Role)
	if role == "" {
		role = deploy.RoleBackend
	}

	env := make([]string, len(m.EnvironmentVariables))
	copy(env, m.EnvironmentVariables)

	return deploy.Request{
		RepositoryURL:  m.Project.Repository,
		Flavor:         flavor,
		Role:           role,
		Title:          m.Instance.Title,
		InstanceType:   m.Instance.Type,
		ExistingNodeID: m.Instance.ID,
		Environment:    env,
		Entries: deploy.Entries{
			Source:   m.Project.Entries.Source,
			Compiled: m.Project.Entries.Compiled,
			OutDir:   m.Project.Entries.OutDir,
			BuildDir: m.Project.Entries.BuildDir,
		},
		Verify: m.Project.Verify,
	}
}

// Options converts the timeouts into orchestrator options.
func (t TimeoutsConfig) Options() deploy.Options {
	return deploy.Options{
		PollInterval: t.PollInterval,
		MaxAttempts:  t.MaxAttempts,
		ReadyTimeout: t.Ready,
	}
}

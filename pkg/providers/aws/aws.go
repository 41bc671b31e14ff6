// Package aws implements node provisioning on EC2 and remote command
// execution through AWS Systems Manager Run Command, using the AWS SDK for
// Go v2.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/jvreagan/remote-deploy/pkg/clock"
	"github.com/jvreagan/remote-deploy/pkg/deploy"
	"github.com/jvreagan/remote-deploy/pkg/logging"
	"github.com/jvreagan/remote-deploy/pkg/manifest"
	"github.com/jvreagan/remote-deploy/pkg/types"
)

// Provider holds the AWS clients for one process. The provisioner and
// channel it hands out share them.
type Provider struct {
	region      string
	stsClient   *sts.Client
	provisioner *NodeProvisioner
	channel     *CommandChannel
}

// New creates the AWS clients for the given region.
// If credentials are provided in the manifest, they will be used.
// Otherwise, it falls back to the AWS SDK default credential chain (environment variables,
// shared credentials file, or IAM role).
func New(ctx context.Context, m *manifest.Manifest, clk clock.Clock) (*Provider, error) {
	cfg, err := LoadConfig(ctx, m.Provider.Region, m.Provider.Credentials)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}

	ec2Client := ec2.NewFromConfig(cfg)
	ssmClient := ssm.NewFromConfig(cfg)

	var s3Client S3API
	if m.Output.Bucket != "" {
		s3Client = s3.NewFromConfig(cfg)
	}

	return &Provider{
		region:      m.Provider.Region,
		stsClient:   sts.NewFromConfig(cfg),
		provisioner: NewNodeProvisioner(ec2Client, ssmClient, PlatformFromManifest(m), clk),
		channel: NewCommandChannel(ssmClient, s3Client, ChannelConfig{
			OutputBucket:     m.Output.Bucket,
			OutputPrefix:     m.Output.Prefix,
			ExecutionTimeout: m.Timeouts.Command,
			Comment:          fmt.Sprintf("remote-deploy %s", m.Project.Name()),
		}),
	}, nil
}

// LoadConfig builds the SDK configuration from static manifest credentials
// or the default chain.
func LoadConfig(ctx context.Context, region string, creds *manifest.CredentialsConfig) (aws.Config, error) {
	var cfg aws.Config
	var err error

	if creds != nil && creds.AccessKeyID != "" && creds.SecretAccessKey != "" {
		logging.Info("Using credentials from manifest", "region", region)
		cfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				creds.AccessKeyID,
				creds.SecretAccessKey,
				creds.SessionToken,
			)),
		)
	} else {
		logging.Info("Using AWS default credential chain", "region", region)
		cfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(region))
	}

	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "aws"
}

// Region returns the region the clients target.
func (p *Provider) Region() string {
	return p.region
}

// Provisioner returns the EC2 node provisioner.
func (p *Provider) Provisioner() *NodeProvisioner {
	return p.provisioner
}

// Channel returns the SSM command channel.
func (p *Provider) Channel() *CommandChannel {
	return p.channel
}

// CallerIdentity asks STS who the configured credentials belong to.
func (p *Provider) CallerIdentity(ctx context.Context) (*types.Identity, error) {
	out, err := p.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get caller identity: %w", err)
	}
	return &types.Identity{
		Account: aws.ToString(out.Account),
		ARN:     aws.ToString(out.Arn),
		UserID:  aws.ToString(out.UserId),
	}, nil
}

// Orchestrator returns a pipeline runner over this provider's EC2
// provisioner and SSM channel.
func (p *Provider) Orchestrator(opts deploy.Options) *deploy.Orchestrator {
	return deploy.NewOrchestrator(p.provisioner, p.channel, opts)
}

// Status describes a node.
func (p *Provider) Status(ctx context.Context, nodeID string) (*types.NodeStatus, error) {
	return p.provisioner.Describe(ctx, nodeID)
}

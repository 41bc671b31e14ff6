// Package provider defines the interface a cloud backend implements to run
// remote-deploy pipelines. Only AWS (EC2 + Systems Manager) is supported.
package provider

import (
	"context"
	"fmt"

	"github.com/jvreagan/remote-deploy/pkg/clock"
	"github.com/jvreagan/remote-deploy/pkg/credentials"
	"github.com/jvreagan/remote-deploy/pkg/deploy"
	"github.com/jvreagan/remote-deploy/pkg/manifest"
	"github.com/jvreagan/remote-deploy/pkg/providers/aws"
	"github.com/jvreagan/remote-deploy/pkg/types"
)

// Provider defines what the CLI needs from a cloud backend.
type Provider interface {
	// Name returns the provider name (e.g., "aws")
	Name() string

	// Orchestrator returns a pipeline runner bound to the provider's
	// provisioner and command channel.
	Orchestrator(opts deploy.Options) *deploy.Orchestrator

	// Status returns the current state of a node.
	Status(ctx context.Context, nodeID string) (*types.NodeStatus, error)

	// CallerIdentity reports who the provider authenticates as.
	CallerIdentity(ctx context.Context) (*types.Identity, error)
}

// Factory creates a provider based on the manifest configuration. Credentials
// with a configured source are resolved first.
//
// Example:
//
//	p, err := provider.Factory(ctx, manifest, clock.Real{})
//	if err != nil {
//	  log.Fatal(err)
//	}
//	result, err := p.Orchestrator(manifest.Timeouts.Options()).Deploy(ctx, manifest.Request())
func Factory(ctx context.Context, m *manifest.Manifest, clk clock.Clock) (Provider, error) {
	switch m.Provider.Name {
	case "aws":
		if err := credentials.Resolve(ctx, m, nil); err != nil {
			return nil, fmt.Errorf("failed to resolve credentials: %w", err)
		}
		return aws.New(ctx, m, clk)
	case "gcp", "azure", "oci":
		return nil, fmt.Errorf("%s provider not supported: only aws can run remote commands", m.Provider.Name)
	default:
		return nil, fmt.Errorf("unknown provider: %s", m.Provider.Name)
	}
}

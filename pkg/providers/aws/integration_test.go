//go:build integration

package aws

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jvreagan/remote-deploy/pkg/clock"
	"github.com/jvreagan/remote-deploy/pkg/deploy"
	"github.com/jvreagan/remote-deploy/pkg/manifest"
)

// TestAWSIntegration runs a trivial batch on an existing instance through
// SSM. It never launches instances.
//
// Required environment variables:
//   - AWS_ACCESS_KEY_ID
//   - AWS_SECRET_ACCESS_KEY
//   - REMOTE_DEPLOY_TEST_INSTANCE_ID (an instance with a registered SSM agent)
//   - AWS_REGION (optional, defaults to us-east-1)
//
// Run with: go test -tags=integration ./pkg/providers/aws -v
func TestAWSIntegration(t *testing.T) {
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" || os.Getenv("AWS_SECRET_ACCESS_KEY") == "" {
		t.Skip("Skipping AWS integration test: credentials not available")
	}
	instanceID := os.Getenv("REMOTE_DEPLOY_TEST_INSTANCE_ID")
	if instanceID == "" {
		t.Skip("Skipping AWS integration test: REMOTE_DEPLOY_TEST_INSTANCE_ID not set")
	}

	ctx := context.Background()
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}

	m := &manifest.Manifest{
		Provider: manifest.ProviderConfig{Name: "aws", Region: region},
		Project:  manifest.ProjectConfig{Repository: "https://github.com/jvreagan/remote-deploy.git"},
	}

	provider, err := New(ctx, m, clock.Real{})
	if err != nil {
		t.Fatalf("Failed to create AWS provider: %v", err)
	}

	t.Run("CallerIdentity", func(t *testing.T) {
		id, err := provider.CallerIdentity(ctx)
		if err != nil {
			t.Fatalf("CallerIdentity failed: %v", err)
		}
		t.Logf("Authenticated as %s in account %s", id.ARN, id.Account)
	})

	t.Run("Status", func(t *testing.T) {
		status, err := provider.Status(ctx, instanceID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		t.Logf("Instance %s is %s at %s", status.NodeID, status.State, status.Address)
	})

	t.Run("Readiness", func(t *testing.T) {
		node, err := provider.Provisioner().AwaitReady(ctx, deploy.NodeHandle{ID: instanceID}, 2*time.Minute)
		if err != nil {
			t.Fatalf("AwaitReady failed: %v", err)
		}
		address, err := provider.Provisioner().ResolveAddress(ctx, node)
		if err != nil {
			t.Fatalf("ResolveAddress failed: %v", err)
		}
		t.Logf("Instance %s is reachable at %s", node.ID, address)
	})

	t.Run("RunCommand", func(t *testing.T) {
		exec := deploy.NewStageExecutor(provider.Channel(), clock.Real{}, 2*time.Second, 60)
		res := exec.Run(ctx, instanceID, deploy.Stage{
			Name:     "smoke",
			Commands: []deploy.Command{deploy.Cmd("echo", "remote-deploy integration")},
		})
		if !res.Succeeded() {
			t.Fatalf("Command did not succeed: %v", res.Err)
		}
	})
}

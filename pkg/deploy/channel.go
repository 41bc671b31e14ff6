package deploy

import (
	"context"
	"time"

	"github.com/jvreagan/remote-deploy/pkg/clock"
)

// NodeHandle identifies the node a pipeline acts on.
type NodeHandle struct {
	ID string

	// Address is the cached public address, empty until resolved.
	Address string

	// Adopted is true for caller-supplied nodes, which are assumed ready.
	Adopted bool
}

// ProvisionSpec describes a node to create.
type ProvisionSpec struct {
	// Title becomes the node's Name tag when set.
	Title string

	// InstanceType defaults to DefaultInstanceType.
	InstanceType string
}

// Provisioner creates and inspects compute nodes.
type Provisioner interface {
	// Provision creates exactly one node. Failures are *ProvisionError.
	Provision(ctx context.Context, spec ProvisionSpec) (NodeHandle, error)

	// AwaitReady blocks until the node is healthy and its command agent is
	// reachable, or returns *ReadinessTimeoutError after timeout.
	AwaitReady(ctx context.Context, node NodeHandle, timeout time.Duration) (NodeHandle, error)

	// ResolveAddress returns the node's public address or
	// *AddressUnavailableError.
	ResolveAddress(ctx context.Context, node NodeHandle) (string, error)
}

// CommandHandle identifies a submitted batch on one node.
type CommandHandle struct {
	CommandID string
	NodeID    string
}

// Channel runs command batches on remote nodes asynchronously.
type Channel interface {
	// Submit hands lines to the node's agent, which runs them in order as
	// one non-interactive script. Failures are *SubmissionError.
	Submit(ctx context.Context, nodeID string, lines []string) (CommandHandle, error)

	// Poll performs one non-blocking status check.
	Poll(ctx context.Context, handle CommandHandle) (Outcome, error)
}

// Diagnoser is implemented by channels that can explain a failed batch.
type Diagnoser interface {
	Diagnose(ctx context.Context, handle CommandHandle) (string, error)
}

// AwaitCompletion polls handle at a fixed interval until a terminal outcome
// or maxAttempts polls. When attempts run out it returns the last observed
// outcome, which is Pending, without an error; the caller decides what a
// non-terminal outcome means.
func AwaitCompletion(ctx context.Context, ch Channel, handle CommandHandle, interval time.Duration, maxAttempts int, clk clock.Clock) (Outcome, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	last := Pending
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := clk.Sleep(ctx, interval); err != nil {
			return last, err
		}

		outcome, err := ch.Poll(ctx, handle)
		if err != nil {
			return last, err
		}
		last = outcome
		if outcome.Terminal() {
			return outcome, nil
		}
	}
	return last, nil
}

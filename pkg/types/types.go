// Package types provides shared types used across remote-deploy packages.
package types

import "time"

// DeploymentResult contains information about a completed deployment.
// This is returned by Orchestrator.Deploy.
type DeploymentResult struct {
	// RunID correlates the log lines of one deployment
	RunID string

	// ID of the node the project runs on
	NodeID string

	// Public address of the node (IP or DNS name)
	Address string

	// Name of the project directory derived from the repository URL
	ProjectName string

	// Role the project was deployed as (backend or frontend)
	Role string

	// True when the node was supplied by the caller instead of created
	Adopted bool

	// Final pipeline state (e.g., "Done")
	Status string

	// Per-stage outcomes in execution order
	Stages []StageReport

	// Human-readable message with deployment details
	Message string

	StartedAt  time.Time
	FinishedAt time.Time
}

// StageReport summarizes one executed stage.
type StageReport struct {
	Name      string
	Outcome   string
	CommandID string

	// Set when the stage failed but was allowed to fail
	Ignored bool

	Error string
}

// NodeStatus contains the current status of a node.
// This is returned by the provisioner's Describe method.
type NodeStatus struct {
	// ID of the node
	NodeID string

	// Lifecycle state (e.g., "pending", "running", "stopped")
	State string

	// Sizing class (e.g., "t2.micro")
	InstanceType string

	// Value of the Name tag, if any
	Title string

	// Public address, empty when none is assigned
	Address string

	// When the node was launched
	LaunchTime time.Time
}

// IgnoredFailures returns the stages that failed without aborting the
// deployment.
func (r *DeploymentResult) IgnoredFailures() []StageReport {
	var ignored []StageReport
	for _, s := range r.Stages {
		if s.Ignored {
			ignored = append(ignored, s)
		}
	}
	return ignored
}

// Identity describes the account and principal the cloud clients act as.
type Identity struct {
	Account string
	ARN     string
	UserID  string
}

package deploy

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRequest indicates that a Request failed validation.
var ErrInvalidRequest = errors.New("invalid deployment request")

// ProvisionError is returned when the platform rejects a request to create
// a node (quota, invalid image, IAM misconfiguration).
type ProvisionError struct {
	Err error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("failed to provision node: %v", e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ReadinessTimeoutError is returned when a node does not become ready
// within the readiness timeout.
type ReadinessTimeoutError struct {
	NodeID  string
	Timeout time.Duration
	// LastStatus is the last status observed before giving up.
	LastStatus string
}

func (e *ReadinessTimeoutError) Error() string {
	if e.LastStatus == "" {
		return fmt.Sprintf("node %s not ready after %s", e.NodeID, e.Timeout)
	}
	return fmt.Sprintf("node %s not ready after %s (last status: %s)", e.NodeID, e.Timeout, e.LastStatus)
}

// AddressUnavailableError is returned when a node has no reachable address.
type AddressUnavailableError struct {
	NodeID string
	Err    error
}

func (e *AddressUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no address available for node %s: %v", e.NodeID, e.Err)
	}
	return fmt.Sprintf("no address available for node %s", e.NodeID)
}

func (e *AddressUnavailableError) Unwrap() error { return e.Err }

// SubmissionError is returned when a command batch cannot be handed to the
// remote agent.
type SubmissionError struct {
	NodeID string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("failed to submit commands to node %s: %v", e.NodeID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// StageFailedError reports a stage whose command batch did not succeed.
// LastOutcome is Pending when the poll attempts ran out.
type StageFailedError struct {
	Stage       string
	LastOutcome Outcome
	Reason      string
}

func (e *StageFailedError) Error() string {
	msg := fmt.Sprintf("stage %s failed (last outcome: %s)", e.Stage, e.LastOutcome)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// DeployError is what Orchestrator.Deploy returns on any fatal failure.
// It names the stage that failed and the furthest state reached before it.
type DeployError struct {
	Stage     string
	Completed State
	NodeID    string
	Err       error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deployment aborted at %s (completed: %s): %v", e.Stage, e.Completed, e.Err)
}

func (e *DeployError) Unwrap() error { return e.Err }

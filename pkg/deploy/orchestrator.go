// Package deploy turns a deployment request into ordered batches of remote
// shell commands and drives them to completion on one node.
//
// The Orchestrator provisions a node (or adopts an existing one), runs the
// base-setup, clone-and-configure and role stages strictly in order through
// a StageExecutor, and resolves the node's public address. Nothing is
// rolled back when a stage fails; the returned *DeployError names the
// failed stage and the furthest state reached.
package deploy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jvreagan/remote-deploy/pkg/clock"
	"github.com/jvreagan/remote-deploy/pkg/logging"
	"github.com/jvreagan/remote-deploy/pkg/types"
)

// State is a step of the pipeline state machine.
type State string

const (
	StateStart          State = "Start"
	StateProvisioned    State = "Provisioned"
	StateAdopted        State = "Adopted"
	StateReady          State = "Ready"
	StateBaseConfigured State = "BaseConfigured"
	StateCloned         State = "Cloned"
	StateRoleDeployed   State = "RoleDeployed"
	StateDone           State = "Done"
	StateAborted        State = "Aborted"
)

// Pseudo-stage names used in errors for steps that are not command batches.
const (
	StepProvision      = "provision"
	StepAwaitReady     = "await-ready"
	StepResolveAddress = "resolve-address"
)

// stateAfter maps a stage name to the state its success reaches. Stages
// not listed leave the state unchanged.
var stateAfter = map[string]State{
	StageBaseSetup:         StateBaseConfigured,
	StageCloneAndConfigure: StateCloned,
	StageDeployBackend:     StateRoleDeployed,
	StageDeployFrontend:    StateRoleDeployed,
}

// Options tune the orchestrator's waits. Zero values take the defaults.
type Options struct {
	// PollInterval between command status checks (default 5s).
	PollInterval time.Duration

	// MaxAttempts bounds the status checks per stage (default 360).
	MaxAttempts int

	// ReadyTimeout bounds the wait for a new node (default 10m).
	ReadyTimeout time.Duration

	// AddressRetryDelay is waited once before re-resolving a missing
	// address (default 5s).
	AddressRetryDelay time.Duration

	// Clock drives every wait (default clock.Real).
	Clock clock.Clock

	// OnTransition is called after every state change - optional.
	OnTransition func(from, to State)
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 360
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 10 * time.Minute
	}
	if o.AddressRetryDelay <= 0 {
		o.AddressRetryDelay = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	return o
}

// Orchestrator runs one deployment pipeline per Deploy call. The
// provisioner and channel are shared across calls and hold no per-stage
// state.
type Orchestrator struct {
	provisioner Provisioner
	executor    *StageExecutor
	opts        Options
}

// NewOrchestrator wires a provisioner and channel into an orchestrator.
func NewOrchestrator(p Provisioner, ch Channel, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		provisioner: p,
		executor:    NewStageExecutor(ch, opts.Clock, opts.PollInterval, opts.MaxAttempts),
		opts:        opts,
	}
}

// run tracks one invocation.
type run struct {
	o      *Orchestrator
	state  State
	node   NodeHandle
	result *types.DeploymentResult
}

func (r *run) transition(to State) {
	from := r.state
	r.state = to
	logging.Info("Deployment state changed",
		"run_id", r.result.RunID,
		"from", string(from),
		"to", string(to),
		"node_id", r.node.ID)
	if r.o.opts.OnTransition != nil {
		r.o.opts.OnTransition(from, to)
	}
}

func (r *run) abort(step string, err error) error {
	completed := r.state
	r.transition(StateAborted)
	logging.Error("Deployment aborted",
		"stage", step,
		"completed", string(completed),
		"node_id", r.node.ID,
		"error", logging.SanitizeString(err.Error()))
	return &DeployError{Stage: step, Completed: completed, NodeID: r.node.ID, Err: err}
}

// Deploy runs the full pipeline for req and returns the node and its
// address. Invalid requests fail before any remote call with an error
// wrapping ErrInvalidRequest; every later failure is a *DeployError.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) (*types.DeploymentResult, error) {
	stages, err := Plan(req)
	if err != nil {
		return nil, err
	}

	result := &types.DeploymentResult{
		RunID:       uuid.NewString(),
		ProjectName: ProjectName(req.RepositoryURL),
		Role:        string(req.Role),
		StartedAt:   o.opts.Clock.Now(),
	}
	r := &run{o: o, state: StateStart, result: result}

	logging.InfoContext("Starting deployment", map[string]interface{}{
		"run_id":      result.RunID,
		"repository":  req.RepositoryURL,
		"flavor":      string(req.Flavor),
		"role":        string(req.Role),
		"environment": logging.RedactAssignments(req.Environment),
	})

	if err := r.acquireNode(ctx, req); err != nil {
		return nil, err
	}

	for _, stage := range stages {
		res := o.executor.Run(ctx, r.node.ID, stage)
		r.result.Stages = append(r.result.Stages, report(stage, res))

		if !res.Succeeded() {
			if stage.OnFailure == Ignorable {
				logging.Warn("Ignoring failed stage",
					"stage", stage.Name,
					"outcome", res.Outcome.String(),
					"error", res.Err.Error())
				continue
			}
			return nil, r.abort(stage.Name, res.Err)
		}

		if next, ok := stateAfter[stage.Name]; ok {
			r.transition(next)
		}
	}

	address, err := o.resolveAddress(ctx, r.node)
	if err != nil {
		return nil, r.abort(StepResolveAddress, err)
	}
	r.node.Address = address
	r.transition(StateDone)

	r.result.NodeID = r.node.ID
	r.result.Address = address
	r.result.Adopted = r.node.Adopted
	r.result.Status = string(StateDone)
	r.result.Message = "Deployment successful"
	r.result.FinishedAt = o.opts.Clock.Now()
	return r.result, nil
}

// acquireNode provisions and waits for a new node, or adopts the
// caller's node without a readiness wait.
func (r *run) acquireNode(ctx context.Context, req Request) error {
	o := r.o
	if req.ExistingNodeID != "" {
		r.node = NodeHandle{ID: req.ExistingNodeID, Adopted: true}
		r.transition(StateAdopted)
		return nil
	}

	instanceType := req.InstanceType
	if instanceType == "" {
		instanceType = DefaultInstanceType
	}
	node, err := o.provisioner.Provision(ctx, ProvisionSpec{Title: req.Title, InstanceType: instanceType})
	if err != nil {
		return r.abort(StepProvision, err)
	}
	r.node = node
	r.transition(StateProvisioned)

	node, err = o.provisioner.AwaitReady(ctx, r.node, o.opts.ReadyTimeout)
	if err != nil {
		return r.abort(StepAwaitReady, err)
	}
	r.node = node
	r.transition(StateReady)
	return nil
}

// resolveAddress retries once after AddressRetryDelay when the node has
// no address yet.
func (o *Orchestrator) resolveAddress(ctx context.Context, node NodeHandle) (string, error) {
	address, err := o.provisioner.ResolveAddress(ctx, node)
	if err == nil {
		return address, nil
	}

	var unavailable *AddressUnavailableError
	if !errors.As(err, &unavailable) {
		return "", err
	}

	logging.Info("Address not assigned yet, retrying", "node_id", node.ID, "delay", o.opts.AddressRetryDelay.String())
	if err := o.opts.Clock.Sleep(ctx, o.opts.AddressRetryDelay); err != nil {
		return "", err
	}
	return o.provisioner.ResolveAddress(ctx, node)
}

func report(stage Stage, res StageResult) types.StageReport {
	rep := types.StageReport{
		Name:      stage.Name,
		Outcome:   res.Outcome.String(),
		CommandID: res.CommandID,
		Ignored:   !res.Succeeded() && stage.OnFailure == Ignorable,
	}
	if res.Err != nil {
		rep.Error = res.Err.Error()
	}
	return rep
}

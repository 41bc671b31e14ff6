package deploy

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jvreagan/remote-deploy/pkg/clock"
)

func newTestOrchestrator(p Provisioner, ch Channel, clk *clock.Fake, transitions *[]State) *Orchestrator {
	return NewOrchestrator(p, ch, Options{
		PollInterval: 5 * time.Second,
		MaxAttempts:  10,
		ReadyTimeout: time.Minute,
		Clock:        clk,
		OnTransition: func(_, to State) {
			if transitions != nil {
				*transitions = append(*transitions, to)
			}
		},
	})
}

func TestDeployAdoptedBackendEndToEnd(t *testing.T) {
	p := &fakeProvisioner{addresses: []string{"198.51.100.7"}}
	ch := newFakeChannel()
	var transitions []State
	o := newTestOrchestrator(p, ch, clock.NewFake(epoch), &transitions)

	result, err := o.Deploy(context.Background(), Request{
		RepositoryURL:  "https://git.example.com/acme/shop.git",
		Flavor:         FlavorJavaScript,
		Role:           RoleBackend,
		ExistingNodeID: "i-0123456789abcdef0",
		Environment:    []string{"PORT=3000"},
	})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	if !reflect.DeepEqual(p.calls, []string{"resolve-address"}) {
		t.Errorf("Adopted node must not be provisioned or awaited, calls: %v", p.calls)
	}

	expectedStates := []State{StateAdopted, StateBaseConfigured, StateCloned, StateRoleDeployed, StateDone}
	if !reflect.DeepEqual(transitions, expectedStates) {
		t.Errorf("Expected transitions %v, got %v", expectedStates, transitions)
	}

	if len(ch.submissions) != 3 {
		t.Fatalf("Expected 3 submissions, got %d", len(ch.submissions))
	}
	for _, s := range ch.submissions {
		if s.NodeID != "i-0123456789abcdef0" {
			t.Errorf("Submission to wrong node %s", s.NodeID)
		}
	}

	clone := strings.Join(ch.submissions[1].Lines, "\n")
	if !strings.Contains(clone, `printf '%s\n' PORT=3000 > .env`) {
		t.Errorf("Clone stage does not write PORT=3000 to .env:\n%s", clone)
	}
	deployLines := strings.Join(ch.submissions[2].Lines, "\n")
	if !strings.Contains(deployLines, "pm2 start src/index.js --name shop -i max") {
		t.Errorf("Deploy stage does not start the plain entry point:\n%s", deployLines)
	}

	if result.NodeID != "i-0123456789abcdef0" || result.Address != "198.51.100.7" {
		t.Errorf("Unexpected result: %+v", result)
	}
	if !result.Adopted || result.ProjectName != "shop" || result.Status != "Done" {
		t.Errorf("Unexpected result metadata: %+v", result)
	}
	if result.RunID == "" {
		t.Error("Expected a run ID")
	}
	if len(result.Stages) != 3 || result.Stages[2].Name != StageDeployBackend {
		t.Fatalf("Unexpected stage reports: %+v", result.Stages)
	}
	for i, s := range result.Stages {
		if want := fmt.Sprintf("cmd-%d", i); s.CommandID != want {
			t.Errorf("Stage %s: expected command ID %s, got %q", s.Name, want, s.CommandID)
		}
	}

	// One poll interval per stage.
	if !result.StartedAt.Equal(epoch) {
		t.Errorf("Expected start %v, got %v", epoch, result.StartedAt)
	}
	if want := epoch.Add(15 * time.Second); !result.FinishedAt.Equal(want) {
		t.Errorf("Expected finish %v, got %v", want, result.FinishedAt)
	}
}

func TestDeployProvisionsNewNode(t *testing.T) {
	p := &fakeProvisioner{nodeID: "i-new"}
	ch := newFakeChannel()
	var transitions []State
	o := newTestOrchestrator(p, ch, clock.NewFake(epoch), &transitions)

	req := validRequest()
	req.Title = "shop-prod"
	result, err := o.Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	if !reflect.DeepEqual(p.calls, []string{"provision", "await-ready", "resolve-address"}) {
		t.Errorf("Unexpected provisioner calls: %v", p.calls)
	}
	if p.specs[0].InstanceType != DefaultInstanceType || p.specs[0].Title != "shop-prod" {
		t.Errorf("Unexpected provision spec: %+v", p.specs[0])
	}
	if p.readyTimeout != time.Minute {
		t.Errorf("Expected ready timeout 1m, got %s", p.readyTimeout)
	}
	if transitions[0] != StateProvisioned || transitions[1] != StateReady {
		t.Errorf("Expected Provisioned then Ready, got %v", transitions)
	}
	if result.Adopted {
		t.Error("Provisioned node reported as adopted")
	}
	if ch.submissions[0].NodeID != "i-new" {
		t.Errorf("Stages submitted to %s instead of new node", ch.submissions[0].NodeID)
	}
}

func TestDeployStagesWaitForPredecessor(t *testing.T) {
	p := &fakeProvisioner{}
	ch := newFakeChannel()
	var events []string
	ch.events = &events
	ch.scripts[0] = []Outcome{Pending, Pending, Succeeded}
	ch.scripts[1] = []Outcome{Pending, Succeeded}

	req := validRequest()
	req.ExistingNodeID = "i-1"
	if _, err := newTestOrchestrator(p, ch, clock.NewFake(epoch), nil).Deploy(context.Background(), req); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	expected := []string{"submit:0", "Succeeded:0", "submit:1", "Succeeded:1", "submit:2", "Succeeded:2"}
	if !reflect.DeepEqual(events, expected) {
		t.Errorf("Expected %v, got %v", expected, events)
	}
}

func TestDeployAbortsOnStageFailure(t *testing.T) {
	p := &fakeProvisioner{}
	ch := newFakeChannel()
	ch.scripts[1] = []Outcome{Pending, Failed}
	var transitions []State
	o := newTestOrchestrator(p, ch, clock.NewFake(epoch), &transitions)

	req := validRequest()
	req.ExistingNodeID = "i-1"
	_, err := o.Deploy(context.Background(), req)

	var deployErr *DeployError
	if !errors.As(err, &deployErr) {
		t.Fatalf("Expected DeployError, got %v", err)
	}
	if deployErr.Stage != StageCloneAndConfigure || deployErr.Completed != StateBaseConfigured {
		t.Errorf("Unexpected error location: stage=%s completed=%s", deployErr.Stage, deployErr.Completed)
	}
	var failed *StageFailedError
	if !errors.As(err, &failed) || failed.LastOutcome != Failed {
		t.Errorf("Expected underlying StageFailedError, got %v", err)
	}
	if len(ch.submissions) != 2 {
		t.Errorf("No stage may run after a failure, got %d submissions", len(ch.submissions))
	}
	if transitions[len(transitions)-1] != StateAborted {
		t.Errorf("Expected final Aborted state, got %v", transitions)
	}
	for _, c := range p.calls {
		if c == "resolve-address" {
			t.Error("Address must not be resolved after an abort")
		}
	}
}

func TestDeployExhaustedAttemptsAbort(t *testing.T) {
	p := &fakeProvisioner{}
	ch := newFakeChannel()
	ch.scripts[0] = []Outcome{Pending}
	clk := clock.NewFake(epoch)

	req := validRequest()
	req.ExistingNodeID = "i-1"
	_, err := newTestOrchestrator(p, ch, clk, nil).Deploy(context.Background(), req)

	var failed *StageFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Expected StageFailedError, got %v", err)
	}
	if failed.Stage != StageBaseSetup || failed.LastOutcome != Pending {
		t.Errorf("Unexpected failure: %+v", failed)
	}
	if len(ch.submissions) != 1 {
		t.Errorf("Pipeline continued after exhausted attempts: %d submissions", len(ch.submissions))
	}
	if elapsed := clk.Now().Sub(epoch); elapsed != 50*time.Second {
		t.Errorf("Expected 10 polls of 5s, waited %s", elapsed)
	}
}

func TestDeployIgnorableStageFailure(t *testing.T) {
	p := &fakeProvisioner{}
	ch := newFakeChannel()
	ch.scripts[3] = []Outcome{Failed}

	req := validRequest()
	req.ExistingNodeID = "i-1"
	req.Verify = true
	result, err := newTestOrchestrator(p, ch, clock.NewFake(epoch), nil).Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("Ignorable failure aborted the pipeline: %v", err)
	}
	last := result.Stages[len(result.Stages)-1]
	if last.Name != StageVerify || !last.Ignored || last.Outcome != "Failed" {
		t.Errorf("Unexpected verify report: %+v", last)
	}
}

func TestDeployProvisionFailure(t *testing.T) {
	p := &fakeProvisioner{provisionErr: errors.New("InstanceLimitExceeded")}
	ch := newFakeChannel()

	_, err := newTestOrchestrator(p, ch, clock.NewFake(epoch), nil).Deploy(context.Background(), validRequest())

	var provErr *ProvisionError
	if !errors.As(err, &provErr) {
		t.Fatalf("Expected ProvisionError, got %v", err)
	}
	var deployErr *DeployError
	if !errors.As(err, &deployErr) || deployErr.Stage != StepProvision || deployErr.Completed != StateStart {
		t.Errorf("Unexpected DeployError: %+v", deployErr)
	}
	if len(ch.submissions) != 0 {
		t.Error("No stage may run when provisioning fails")
	}
}

func TestDeployReadinessTimeout(t *testing.T) {
	p := &fakeProvisioner{nodeID: "i-slow", readyErr: &ReadinessTimeoutError{NodeID: "i-slow", Timeout: time.Minute}}
	ch := newFakeChannel()

	_, err := newTestOrchestrator(p, ch, clock.NewFake(epoch), nil).Deploy(context.Background(), validRequest())

	var timeoutErr *ReadinessTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected ReadinessTimeoutError, got %v", err)
	}
	var deployErr *DeployError
	if errors.As(err, &deployErr) && (deployErr.Completed != StateProvisioned || deployErr.NodeID != "i-slow") {
		t.Errorf("Unexpected DeployError: %+v", deployErr)
	}
}

func TestDeployAddressRetry(t *testing.T) {
	t.Run("second attempt succeeds", func(t *testing.T) {
		p := &fakeProvisioner{
			addressErrs: []error{&AddressUnavailableError{NodeID: "i-1"}},
			addresses:   []string{"", "192.0.2.44"},
		}
		clk := clock.NewFake(epoch)
		o := newTestOrchestrator(p, newFakeChannel(), clk, nil)

		req := validRequest()
		req.ExistingNodeID = "i-1"
		result, err := o.Deploy(context.Background(), req)
		if err != nil {
			t.Fatalf("Deploy failed: %v", err)
		}
		if result.Address != "192.0.2.44" {
			t.Errorf("Expected retried address, got %q", result.Address)
		}
		sleeps := clk.Sleeps()
		if sleeps[len(sleeps)-1] != 5*time.Second {
			t.Errorf("Expected default 5s retry delay, got %s", sleeps[len(sleeps)-1])
		}
	})

	t.Run("repeated failure aborts", func(t *testing.T) {
		p := &fakeProvisioner{
			addressErrs: []error{&AddressUnavailableError{NodeID: "i-1"}, &AddressUnavailableError{NodeID: "i-1"}},
		}
		o := newTestOrchestrator(p, newFakeChannel(), clock.NewFake(epoch), nil)

		req := validRequest()
		req.ExistingNodeID = "i-1"
		_, err := o.Deploy(context.Background(), req)

		var deployErr *DeployError
		if !errors.As(err, &deployErr) || deployErr.Stage != StepResolveAddress || deployErr.Completed != StateRoleDeployed {
			t.Fatalf("Unexpected error: %v", err)
		}
		if n := len(filterCalls(p.calls, "resolve-address")); n != 2 {
			t.Errorf("Expected exactly 2 address lookups, got %d", n)
		}
	})
}

func TestDeployInvalidRequest(t *testing.T) {
	p := &fakeProvisioner{}
	req := validRequest()
	req.Environment = []string{"not an assignment"}

	_, err := newTestOrchestrator(p, newFakeChannel(), clock.NewFake(epoch), nil).Deploy(context.Background(), req)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Expected ErrInvalidRequest, got %v", err)
	}
	if len(p.calls) != 0 {
		t.Errorf("Invalid request reached the provisioner: %v", p.calls)
	}
}

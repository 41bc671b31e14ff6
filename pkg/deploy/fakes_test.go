package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// submission records one batch handed to fakeChannel.
type submission struct {
	NodeID string
	Lines  []string
}

// fakeChannel records submissions and replays a scripted sequence of
// outcomes per submission. A submission without a script succeeds on the
// first poll.
type fakeChannel struct {
	mu          sync.Mutex
	submissions []submission
	scripts     map[int][]Outcome
	polls       map[string]int
	submitErr   map[int]error
	pollErr     error
	diagnosis   string
	events      *[]string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		scripts:   map[int][]Outcome{},
		polls:     map[string]int{},
		submitErr: map[int]error{},
	}
}

func (c *fakeChannel) Submit(_ context.Context, nodeID string, lines []string) (CommandHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := len(c.submissions)
	if err, ok := c.submitErr[idx]; ok {
		return CommandHandle{}, &SubmissionError{NodeID: nodeID, Err: err}
	}
	c.submissions = append(c.submissions, submission{NodeID: nodeID, Lines: lines})
	if c.events != nil {
		*c.events = append(*c.events, fmt.Sprintf("submit:%d", idx))
	}
	return CommandHandle{CommandID: fmt.Sprintf("cmd-%d", idx), NodeID: nodeID}, nil
}

func (c *fakeChannel) Poll(_ context.Context, handle CommandHandle) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pollErr != nil {
		return Pending, c.pollErr
	}

	var idx int
	fmt.Sscanf(handle.CommandID, "cmd-%d", &idx)
	n := c.polls[handle.CommandID]
	c.polls[handle.CommandID] = n + 1

	script, ok := c.scripts[idx]
	if !ok {
		return c.terminal(idx, Succeeded), nil
	}
	if n >= len(script) {
		return c.terminal(idx, script[len(script)-1]), nil
	}
	return c.terminal(idx, script[n]), nil
}

func (c *fakeChannel) terminal(idx int, o Outcome) Outcome {
	if o.Terminal() && c.events != nil {
		*c.events = append(*c.events, fmt.Sprintf("%s:%d", o, idx))
	}
	return o
}

// diagnosingChannel adds failure output to fakeChannel.
type diagnosingChannel struct {
	*fakeChannel
}

func (c diagnosingChannel) Diagnose(_ context.Context, handle CommandHandle) (string, error) {
	return c.diagnosis + " (" + handle.CommandID + ")", nil
}

// fakeProvisioner records calls and returns scripted results.
type fakeProvisioner struct {
	calls        []string
	specs        []ProvisionSpec
	nodeID       string
	provisionErr error
	readyErr     error
	addresses    []string
	addressErrs  []error
	readyTimeout time.Duration
}

func (p *fakeProvisioner) Provision(_ context.Context, spec ProvisionSpec) (NodeHandle, error) {
	p.calls = append(p.calls, "provision")
	p.specs = append(p.specs, spec)
	if p.provisionErr != nil {
		return NodeHandle{}, &ProvisionError{Err: p.provisionErr}
	}
	return NodeHandle{ID: p.nodeID}, nil
}

func (p *fakeProvisioner) AwaitReady(_ context.Context, node NodeHandle, timeout time.Duration) (NodeHandle, error) {
	p.calls = append(p.calls, "await-ready")
	p.readyTimeout = timeout
	if p.readyErr != nil {
		return node, p.readyErr
	}
	return node, nil
}

func (p *fakeProvisioner) ResolveAddress(_ context.Context, node NodeHandle) (string, error) {
	n := len(filterCalls(p.calls, "resolve-address"))
	p.calls = append(p.calls, "resolve-address")
	if n < len(p.addressErrs) && p.addressErrs[n] != nil {
		return "", p.addressErrs[n]
	}
	if n < len(p.addresses) {
		return p.addresses[n], nil
	}
	return "203.0.113.10", nil
}

func filterCalls(calls []string, name string) []string {
	var out []string
	for _, c := range calls {
		if c == name {
			out = append(out, c)
		}
	}
	return out
}

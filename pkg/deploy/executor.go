package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/jvreagan/remote-deploy/pkg/clock"
	"github.com/jvreagan/remote-deploy/pkg/logging"
)

// StageExecutor runs one stage on a node through a Channel.
type StageExecutor struct {
	channel      Channel
	clock        clock.Clock
	pollInterval time.Duration
	maxAttempts  int
}

// NewStageExecutor returns an executor polling every pollInterval, at most
// maxAttempts times per stage.
func NewStageExecutor(ch Channel, clk clock.Clock, pollInterval time.Duration, maxAttempts int) *StageExecutor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &StageExecutor{
		channel:      ch,
		clock:        clk,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

// Run submits the stage, waits for it and maps the outcome. A stage still
// Pending after the last attempt is reported as failed.
func (e *StageExecutor) Run(ctx context.Context, nodeID string, stage Stage) StageResult {
	result := StageResult{Stage: stage.Name, Outcome: Pending}

	handle, err := e.channel.Submit(ctx, nodeID, stage.Lines())
	if err != nil {
		result.Err = err
		return result
	}
	result.CommandID = handle.CommandID
	logging.Debug("Stage submitted",
		"stage", stage.Name,
		"node_id", nodeID,
		"command_id", handle.CommandID,
		"commands", len(stage.Commands))

	outcome, err := AwaitCompletion(ctx, e.channel, handle, e.pollInterval, e.maxAttempts, e.clock)
	result.Outcome = outcome
	if err != nil {
		result.Err = fmt.Errorf("failed to poll stage %s: %w", stage.Name, err)
		return result
	}

	switch outcome {
	case Succeeded:
		return result
	case Failed:
		result.Err = &StageFailedError{
			Stage:       stage.Name,
			LastOutcome: outcome,
			Reason:      e.diagnose(ctx, handle),
		}
	default:
		result.Err = &StageFailedError{
			Stage:       stage.Name,
			LastOutcome: outcome,
			Reason:      fmt.Sprintf("no terminal status after %d polls every %s", e.maxAttempts, e.pollInterval),
		}
	}
	return result
}

func (e *StageExecutor) diagnose(ctx context.Context, handle CommandHandle) string {
	d, ok := e.channel.(Diagnoser)
	if !ok {
		return ""
	}
	reason, err := d.Diagnose(ctx, handle)
	if err != nil {
		logging.Warn("Could not fetch failure output",
			"command_id", handle.CommandID,
			"node_id", handle.NodeID,
			"error", err)
		return ""
	}
	return reason
}

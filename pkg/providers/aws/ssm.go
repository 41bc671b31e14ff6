package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/jvreagan/remote-deploy/pkg/deploy"
	"github.com/jvreagan/remote-deploy/pkg/logging"
)

// shellDocument is the managed SSM document that runs a list of shell lines.
const shellDocument = "AWS-RunShellScript"

// maxDiagnosis bounds how much failure output is carried into errors.
const maxDiagnosis = 2048

// SSMAPI is the subset of the SSM client used by CommandChannel.
type SSMAPI interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
}

// S3API reads command output that SSM wrote to a bucket.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ChannelConfig tunes SendCommand.
type ChannelConfig struct {
	// OutputBucket receives the full stdout and stderr when set. The inline
	// output returned by GetCommandInvocation is truncated.
	OutputBucket string
	OutputPrefix string

	// ExecutionTimeout bounds each batch on the node. Zero uses the
	// document default of one hour.
	ExecutionTimeout time.Duration

	Comment string
}

// CommandChannel implements deploy.Channel and deploy.Diagnoser over SSM
// Run Command.
type CommandChannel struct {
	ssm    SSMAPI
	s3     S3API
	config ChannelConfig
}

// NewCommandChannel creates a channel. s3Client may be nil when no output
// bucket is configured.
func NewCommandChannel(ssmClient SSMAPI, s3Client S3API, cfg ChannelConfig) *CommandChannel {
	return &CommandChannel{ssm: ssmClient, s3: s3Client, config: cfg}
}

// Submit sends lines to the node as a single AWS-RunShellScript invocation.
func (c *CommandChannel) Submit(ctx context.Context, nodeID string, lines []string) (deploy.CommandHandle, error) {
	params := map[string][]string{"commands": lines}
	if c.config.ExecutionTimeout > 0 {
		secs := int(c.config.ExecutionTimeout / time.Second)
		params["executionTimeout"] = []string{strconv.Itoa(secs)}
	}

	input := &ssm.SendCommandInput{
		DocumentName: aws.String(shellDocument),
		InstanceIds:  []string{nodeID},
		Parameters:   params,
	}
	if c.config.Comment != "" {
		input.Comment = aws.String(truncate(c.config.Comment, 100))
	}
	if c.config.OutputBucket != "" {
		input.OutputS3BucketName = aws.String(c.config.OutputBucket)
		if c.config.OutputPrefix != "" {
			input.OutputS3KeyPrefix = aws.String(c.config.OutputPrefix)
		}
	}

	out, err := c.ssm.SendCommand(ctx, input)
	if err != nil {
		return deploy.CommandHandle{}, &deploy.SubmissionError{NodeID: nodeID, Err: err}
	}
	if out.Command == nil || out.Command.CommandId == nil {
		return deploy.CommandHandle{}, &deploy.SubmissionError{NodeID: nodeID, Err: errors.New("SendCommand returned no command id")}
	}

	handle := deploy.CommandHandle{CommandID: aws.ToString(out.Command.CommandId), NodeID: nodeID}
	logging.Debug("Command submitted", "command_id", handle.CommandID, "node_id", nodeID, "lines", len(lines))
	return handle, nil
}

// Poll checks the invocation status once.
func (c *CommandChannel) Poll(ctx context.Context, handle deploy.CommandHandle) (deploy.Outcome, error) {
	out, err := c.invocation(ctx, handle)
	if err != nil {
		// The invocation is not visible for a short while after SendCommand.
		var notYet *ssmtypes.InvocationDoesNotExist
		if errors.As(err, &notYet) {
			return deploy.Pending, nil
		}
		return deploy.Pending, fmt.Errorf("failed to get command invocation %s: %w", handle.CommandID, err)
	}
	return OutcomeFor(out.Status), nil
}

// OutcomeFor maps an SSM invocation status onto a pipeline outcome.
func OutcomeFor(status ssmtypes.CommandInvocationStatus) deploy.Outcome {
	switch status {
	case ssmtypes.CommandInvocationStatusSuccess:
		return deploy.Succeeded
	case ssmtypes.CommandInvocationStatusFailed,
		ssmtypes.CommandInvocationStatusCancelled,
		ssmtypes.CommandInvocationStatusCancelling,
		ssmtypes.CommandInvocationStatusTimedOut:
		return deploy.Failed
	default:
		return deploy.Pending
	}
}

// Diagnose returns the failed batch's stderr, preferring the full copy in
// the output bucket.
func (c *CommandChannel) Diagnose(ctx context.Context, handle deploy.CommandHandle) (string, error) {
	if c.s3 != nil && c.config.OutputBucket != "" {
		text, err := c.readOutput(ctx, handle)
		if err == nil && text != "" {
			return tail(text, maxDiagnosis), nil
		}
		if err != nil {
			logging.Debug("Failed to read command output from S3", "command_id", handle.CommandID, "error", err)
		}
	}

	out, err := c.invocation(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("failed to get command invocation %s: %w", handle.CommandID, err)
	}

	text := strings.TrimSpace(aws.ToString(out.StandardErrorContent))
	if text == "" {
		text = strings.TrimSpace(aws.ToString(out.StatusDetails))
		if out.ResponseCode != 0 {
			text = fmt.Sprintf("%s (exit code %d)", text, out.ResponseCode)
		}
	}
	return tail(text, maxDiagnosis), nil
}

func (c *CommandChannel) invocation(ctx context.Context, handle deploy.CommandHandle) (*ssm.GetCommandInvocationOutput, error) {
	return c.ssm.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(handle.CommandID),
		InstanceId: aws.String(handle.NodeID),
	})
}

// OutputKey returns where SSM writes stderr for a RunShellScript invocation.
func OutputKey(prefix string, handle deploy.CommandHandle) string {
	return path.Join(prefix, handle.CommandID, handle.NodeID,
		"awsrunShellScript", "0.awsrunShellScript", "stderr")
}

func (c *CommandChannel) readOutput(ctx context.Context, handle deploy.CommandHandle) (string, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.OutputBucket),
		Key:    aws.String(OutputKey(c.config.OutputPrefix, handle)),
	})
	if err != nil {
		return "", err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// truncate keeps at most n bytes of s without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// tail keeps at most the last n bytes, where the failing command's output
// usually is, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "..." + s[start:]
}

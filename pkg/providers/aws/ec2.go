package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/google/uuid"

	"github.com/jvreagan/remote-deploy/pkg/clock"
	"github.com/jvreagan/remote-deploy/pkg/deploy"
	"github.com/jvreagan/remote-deploy/pkg/logging"
	"github.com/jvreagan/remote-deploy/pkg/manifest"
	"github.com/jvreagan/remote-deploy/pkg/types"
)

// EC2API is the subset of the EC2 client used by NodeProvisioner.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceStatus(ctx context.Context, params *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
}

// AgentAPI reports SSM agent registration.
type AgentAPI interface {
	DescribeInstanceInformation(ctx context.Context, params *ssm.DescribeInstanceInformationInput, optFns ...func(*ssm.Options)) (*ssm.DescribeInstanceInformationOutput, error)
}

// Platform holds the account-specific launch settings.
type Platform struct {
	ImageID          string
	SecurityGroupIDs []string
	InstanceProfile  string
	SubnetID         string
	KeyName          string
	Tags             map[string]string
}

// PlatformFromManifest extracts launch settings from a manifest.
func PlatformFromManifest(m *manifest.Manifest) Platform {
	return Platform{
		ImageID:          m.Platform.ImageID,
		SecurityGroupIDs: m.Platform.SecurityGroupIDs,
		InstanceProfile:  m.Platform.InstanceProfile,
		SubnetID:         m.Platform.SubnetID,
		KeyName:          m.Platform.KeyName,
		Tags:             m.Tags,
	}
}

// NodeProvisioner implements deploy.Provisioner on EC2.
type NodeProvisioner struct {
	ec2      EC2API
	agents   AgentAPI
	platform Platform
	clock    clock.Clock

	// PollInterval between readiness checks (default 15s).
	PollInterval time.Duration
}

// NewNodeProvisioner creates a provisioner. agents may be nil, in which
// case readiness only checks EC2 status.
func NewNodeProvisioner(ec2Client EC2API, agents AgentAPI, platform Platform, clk clock.Clock) *NodeProvisioner {
	if clk == nil {
		clk = clock.Real{}
	}
	return &NodeProvisioner{
		ec2:          ec2Client,
		agents:       agents,
		platform:     platform,
		clock:        clk,
		PollInterval: 15 * time.Second,
	}
}

// Provision launches exactly one instance.
func (p *NodeProvisioner) Provision(ctx context.Context, spec deploy.ProvisionSpec) (deploy.NodeHandle, error) {
	instanceType := spec.InstanceType
	if instanceType == "" {
		instanceType = deploy.DefaultInstanceType
	}

	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(p.platform.ImageID),
		InstanceType:     ec2types.InstanceType(instanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: p.platform.SecurityGroupIDs,
		UserData:         aws.String(base64.StdEncoding.EncodeToString([]byte(UserData))),
		ClientToken:      aws.String(uuid.NewString()),
	}
	if p.platform.InstanceProfile != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{
			Name: aws.String(p.platform.InstanceProfile),
		}
	}
	if p.platform.SubnetID != "" {
		input.SubnetId = aws.String(p.platform.SubnetID)
	}
	if p.platform.KeyName != "" {
		input.KeyName = aws.String(p.platform.KeyName)
	}
	if tags := p.tags(spec.Title); len(tags) > 0 {
		input.TagSpecifications = []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: tags},
		}
	}

	logging.Info("Launching instance",
		"image_id", p.platform.ImageID,
		"instance_type", instanceType,
		"title", spec.Title)

	out, err := p.ec2.RunInstances(ctx, input)
	if err != nil {
		return deploy.NodeHandle{}, &deploy.ProvisionError{Err: err}
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return deploy.NodeHandle{}, &deploy.ProvisionError{Err: errors.New("RunInstances returned no instance")}
	}

	id := aws.ToString(out.Instances[0].InstanceId)
	logging.Info("Instance launched", "node_id", id)
	return deploy.NodeHandle{ID: id}, nil
}

// tags merges the platform tags with the Name tag, sorted by key.
func (p *NodeProvisioner) tags(title string) []ec2types.Tag {
	merged := make(map[string]string, len(p.platform.Tags)+1)
	for k, v := range p.platform.Tags {
		merged[k] = v
	}
	if title != "" {
		merged["Name"] = title
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]ec2types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(merged[k])})
	}
	return tags
}

// AwaitReady polls until the instance passes its status checks and its SSM
// agent is online.
func (p *NodeProvisioner) AwaitReady(ctx context.Context, node deploy.NodeHandle, timeout time.Duration) (deploy.NodeHandle, error) {
	deadline := p.clock.Now().Add(timeout)
	logging.Info("Waiting for instance to be ready", "node_id", node.ID, "timeout", timeout.String())

	for {
		callCtx, cancel := context.WithTimeout(ctx, deadline.Sub(p.clock.Now()))
		ready, status, err := p.checkReady(callCtx, node.ID)
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return node, ctxErr
		}
		if err != nil {
			// Fresh instances are not visible to every API right away.
			logging.Debug("Readiness check failed", "node_id", node.ID, "error", err)
			status = err.Error()
		}
		if ready {
			logging.Info("Instance is ready", "node_id", node.ID)
			return node, nil
		}

		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			return node, &deploy.ReadinessTimeoutError{NodeID: node.ID, Timeout: timeout, LastStatus: status}
		}
		logging.Debug("Instance not ready", "node_id", node.ID, "status", status)

		wait := p.PollInterval
		if wait > remaining {
			wait = remaining
		}
		if err := p.clock.Sleep(ctx, wait); err != nil {
			return node, err
		}
	}
}

// checkReady returns whether the node is ready and a short status summary.
func (p *NodeProvisioner) checkReady(ctx context.Context, id string) (bool, string, error) {
	out, err := p.ec2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{id},
		IncludeAllInstances: aws.Bool(true),
	})
	if err != nil {
		return false, "", err
	}
	if len(out.InstanceStatuses) == 0 {
		return false, "not found", nil
	}

	st := out.InstanceStatuses[0]
	state := ""
	if st.InstanceState != nil {
		state = string(st.InstanceState.Name)
	}
	instance := summary(st.InstanceStatus)
	system := summary(st.SystemStatus)
	status := fmt.Sprintf("state=%s instance=%s system=%s", state, instance, system)

	if state != string(ec2types.InstanceStateNameRunning) {
		return false, status, nil
	}
	if instance != string(ec2types.SummaryStatusOk) || system != string(ec2types.SummaryStatusOk) {
		return false, status, nil
	}

	if p.agents == nil {
		return true, status, nil
	}

	info, err := p.agents.DescribeInstanceInformation(ctx, &ssm.DescribeInstanceInformationInput{
		Filters: []ssmtypes.InstanceInformationStringFilter{
			{Key: aws.String("InstanceIds"), Values: []string{id}},
		},
	})
	if err != nil {
		return false, status, err
	}
	if len(info.InstanceInformationList) == 0 {
		return false, status + " agent=unregistered", nil
	}
	ping := info.InstanceInformationList[0].PingStatus
	status += " agent=" + string(ping)
	return ping == ssmtypes.PingStatusOnline, status, nil
}

func summary(s *ec2types.InstanceStatusSummary) string {
	if s == nil {
		return ""
	}
	return string(s.Status)
}

// ResolveAddress returns the public IP, or the public DNS name when no IP
// is assigned.
func (p *NodeProvisioner) ResolveAddress(ctx context.Context, node deploy.NodeHandle) (string, error) {
	instance, err := p.describe(ctx, node.ID)
	if err != nil {
		return "", &deploy.AddressUnavailableError{NodeID: node.ID, Err: err}
	}
	if ip := aws.ToString(instance.PublicIpAddress); ip != "" {
		return ip, nil
	}
	if dns := aws.ToString(instance.PublicDnsName); dns != "" {
		return dns, nil
	}
	return "", &deploy.AddressUnavailableError{NodeID: node.ID}
}

// Describe reports the node's current state.
func (p *NodeProvisioner) Describe(ctx context.Context, id string) (*types.NodeStatus, error) {
	instance, err := p.describe(ctx, id)
	if err != nil {
		return nil, err
	}

	status := &types.NodeStatus{
		NodeID:       id,
		InstanceType: string(instance.InstanceType),
		Address:      aws.ToString(instance.PublicIpAddress),
	}
	if instance.State != nil {
		status.State = string(instance.State.Name)
	}
	if instance.LaunchTime != nil {
		status.LaunchTime = *instance.LaunchTime
	}
	for _, tag := range instance.Tags {
		if aws.ToString(tag.Key) == "Name" {
			status.Title = aws.ToString(tag.Value)
		}
	}
	return status, nil
}

func (p *NodeProvisioner) describe(ctx context.Context, id string) (*ec2types.Instance, error) {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance %s: %w", id, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, fmt.Errorf("instance not found: %s", id)
	}
	return &out.Reservations[0].Instances[0], nil
}

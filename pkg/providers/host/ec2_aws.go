package host

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// ec2Client is the subset of the SDK client used by AWSInstanceAPI.
type ec2Client interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// AWSInstanceAPI implements InstanceAPI with the AWS SDK.
type AWSInstanceAPI struct {
	client ec2Client
}

// NewAWSInstanceAPI loads the default AWS credential chain for region.
// An empty region uses the one from the environment or shared config.
func NewAWSInstanceAPI(ctx context.Context, region string) (*AWSInstanceAPI, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWSInstanceAPI{client: ec2.NewFromConfig(cfg)}, nil
}

// RunInstance launches exactly one instance.
func (a *AWSInstanceAPI) RunInstance(ctx context.Context, in RunInstanceInput) (*Instance, error) {
	req := &ec2.RunInstancesInput{
		ImageId:        aws.String(in.ImageID),
		MinCount:       aws.Int32(1),
		MaxCount:       aws.Int32(1),
		InstanceType:   types.InstanceType(in.InstanceType),
		SecurityGroups: in.SecurityGroups,
	}
	if in.KeyName != "" {
		req.KeyName = aws.String(in.KeyName)
	}

	out, err := a.client.RunInstances(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(out.Instances) == 0 {
		return nil, errors.New("RunInstances returned no instance")
	}
	return toInstance(out.Instances[0]), nil
}

// TagInstance sets tags on an instance.
func (a *AWSInstanceAPI) TagInstance(ctx context.Context, instanceID string, tags map[string]string) error {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	awsTags := make([]types.Tag, 0, len(tags))
	for _, k := range keys {
		awsTags = append(awsTags, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	_, err := a.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      awsTags,
	})
	return err
}

// DescribeInstance returns the instance or nil when it does not exist.
func (a *AWSInstanceAPI) DescribeInstance(ctx context.Context, instanceID string) (*Instance, error) {
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound" {
			return nil, nil
		}
		return nil, err
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			return toInstance(inst), nil
		}
	}
	return nil, nil
}

// FindInstanceByName returns the newest live instance tagged Name=name.
func (a *AWSInstanceAPI) FindInstanceByName(ctx context.Context, name string) (*Instance, error) {
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{
				InstanceStatePending, InstanceStateRunning, InstanceStateStopping, InstanceStateStopped,
			}},
		},
	})
	if err != nil {
		return nil, err
	}

	var newest *types.Instance
	for _, r := range out.Reservations {
		for i := range r.Instances {
			inst := &r.Instances[i]
			if newest == nil || (inst.LaunchTime != nil && newest.LaunchTime != nil && inst.LaunchTime.After(*newest.LaunchTime)) {
				newest = inst
			}
		}
	}
	if newest == nil {
		return nil, nil
	}
	return toInstance(*newest), nil
}

// StartInstance starts a stopped instance.
func (a *AWSInstanceAPI) StartInstance(ctx context.Context, instanceID string) error {
	_, err := a.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}})
	return err
}

// StopInstance stops a running instance.
func (a *AWSInstanceAPI) StopInstance(ctx context.Context, instanceID string) error {
	_, err := a.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}})
	return err
}

// TerminateInstance terminates an instance.
func (a *AWSInstanceAPI) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := a.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	return err
}

func toInstance(in types.Instance) *Instance {
	out := &Instance{
		ID:            aws.ToString(in.InstanceId),
		PublicDNSName: aws.ToString(in.PublicDnsName),
		PublicIP:      aws.ToString(in.PublicIpAddress),
	}
	if in.State != nil {
		out.State = string(in.State.Name)
	}
	return out
}

var _ InstanceAPI = (*AWSInstanceAPI)(nil)

package launch

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
)

// runInAnyZone tries the launch templates in order and returns the first
// instance that launches. Capacity and constraint errors in one zone fall
// through to the next; when every zone refuses, the last error is wrapped.
func (l *Launcher) runInAnyZone(ctx context.Context, zones []zone, imageID string, opts Options, mappings []types.BlockDeviceMapping) (*types.Instance, zone, error) {
	log := clog.FromContext(ctx)

	var lastErr error
	for _, z := range zones {
		log.Info("attempting launch", "zone", z.name, "launch_template", z.templateID)
		inst, err := l.runInstance(ctx, z, imageID, opts, mappings)
		if err != nil {
			log.Warn("launch failed in zone", "zone", z.name, "error", err)
			lastErr = err
			continue
		}
		return inst, z, nil
	}

	if lastErr != nil {
		return nil, zone{}, fmt.Errorf("%w: %w", ErrNoCapacity, lastErr)
	}
	return nil, zone{}, ErrNoCapacity
}

func (l *Launcher) runInstance(ctx context.Context, z zone, imageID string, opts Options, mappings []types.BlockDeviceMapping) (*types.Instance, error) {
	out, err := l.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
		LaunchTemplate: &types.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(z.templateID),
			Version:          aws.String("$Latest"),
		},
		ImageId:             aws.String(imageID),
		InstanceType:        types.InstanceType(opts.InstanceType),
		KeyName:             aws.String(opts.KeyPair),
		MinCount:            aws.Int32(1),
		MaxCount:            aws.Int32(1),
		BlockDeviceMappings: mappings,
		ClientToken:         aws.String(uuid.NewString()),
		TagSpecifications:   launchTags(opts.Project, opts.InstanceType, z),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("run instances returned no instance")
	}
	return &out.Instances[0], nil
}

// launchTags stamps the instance, its volumes, and its network interfaces.
// Volumes carry extra tags so the backup tooling and the snapshot pipeline
// can find them after the instance is gone.
func launchTags(project, instanceType string, z zone) []types.TagSpecification {
	common := []types.Tag{
		{Key: aws.String("Name"), Value: aws.String("devbox-" + project)},
		{Key: aws.String(tagKeyProject), Value: aws.String(project)},
		{Key: aws.String("InstanceType"), Value: aws.String(instanceType)},
		{Key: aws.String("Environment"), Value: aws.String("devbox")},
		{Key: aws.String("ManagedBy"), Value: aws.String(ManagedBy)},
		{Key: aws.String("LaunchTemplateId"), Value: aws.String(z.templateID)},
		{Key: aws.String("AvailabilityZone"), Value: aws.String(z.name)},
	}
	volume := append(append(make([]types.Tag, 0, len(common)+3), common...),
		types.Tag{Key: aws.String("Application"), Value: aws.String("devbox")},
		types.Tag{Key: aws.String("DeleteOnTermination"), Value: aws.String("true")},
		types.Tag{Key: aws.String("Backup"), Value: aws.String("true")},
	)

	return []types.TagSpecification{
		{ResourceType: types.ResourceTypeInstance, Tags: common},
		{ResourceType: types.ResourceTypeVolume, Tags: volume},
		{ResourceType: types.ResourceTypeNetworkInterface, Tags: common},
	}
}

// awaitRunning polls until the instance reaches running and returns its
// refreshed description. An instance that dies on the way up aborts the
// wait.
func (l *Launcher) awaitRunning(ctx context.Context, instanceID string) (*types.Instance, error) {
	log := clog.FromContext(ctx)

	for attempt := 1; attempt <= l.cfg.RunningMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.RunningWaitInterval):
		}

		out, err := l.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			log.Warn("describe failed while waiting for running", "instance_id", instanceID, "error", err)
			continue
		}

		inst := firstInstance(out)
		if inst == nil {
			continue
		}
		switch name := instanceStateName(inst); name {
		case string(types.InstanceStateNameRunning):
			return inst, nil
		case string(types.InstanceStateNameShuttingDown), string(types.InstanceStateNameTerminated):
			return nil, fmt.Errorf("%w: %s is %s", ErrLaunchAborted, instanceID, name)
		default:
			log.Info("instance not running yet", "instance_id", instanceID, "state", name,
				"attempt", attempt, "max_attempts", l.cfg.RunningMaxAttempts)
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrRunningTimeout, instanceID, l.cfg.RunningMaxAttempts)
}

func firstInstance(out *ec2.DescribeInstancesOutput) *types.Instance {
	for _, r := range out.Reservations {
		for i := range r.Instances {
			return &r.Instances[i]
		}
	}
	return nil
}

package lifecycle

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"

	"github.com/omsf-eco-infra/devbox/internal/state"
)

var (
	ErrInstanceDescribe  = fmt.Errorf("failed to describe instance")
	ErrVolumeDescribe    = fmt.Errorf("failed to describe volumes")
	ErrSnapshotCreate    = fmt.Errorf("failed to create snapshot")
	ErrMissingAttachment = fmt.Errorf("volume attachment missing for instance")
)

// HandleInstanceShutdown snapshots every volume attached to a shutting-down
// devbox instance. It rewrites the project record with the instance's launch
// parameters (so the next launch can reproduce them) and creates one PENDING
// volume record per snapshot for HandleSnapshotCompleted to tick off.
func (l *Lifecycle) HandleInstanceShutdown(ctx context.Context, detail InstanceStateDetail) error {
	log := clog.FromContext(ctx)

	if detail.State != instanceStateShuttingDown {
		log.Debug("ignoring instance state", "instance_id", detail.InstanceID, "state", detail.State)
		return nil
	}
	if detail.InstanceID == "" {
		log.Warn("shutdown event carries no instance id")
		return nil
	}
	log = log.With("instance_id", detail.InstanceID)

	instance, err := l.describeInstance(ctx, detail.InstanceID)
	if err != nil {
		return err
	}
	project := projectTag(instance.Tags)
	if project == "" {
		log.Warn("instance has no Project tag, nothing to snapshot")
		return nil
	}
	log = log.With("project", project)
	log.Info("creating snapshots")

	volumes, err := l.instanceVolumes(ctx, detail.InstanceID)
	if err != nil {
		return err
	}
	if len(volumes) == 0 {
		log.Info("no volumes attached, nothing to snapshot")
		return nil
	}

	// The shutdown rewrite would otherwise drop the username chosen at
	// launch time; carry it over from the previous record.
	var username string
	if existing, err := l.store.GetProject(ctx, project); err != nil {
		log.Warn("failed to load existing project record", "error", err)
	} else if existing != nil {
		username = existing.Username
	}

	rec := &state.Project{
		Name:               project,
		Status:             state.StatusSnapshotting,
		AMI:                aws.ToString(instance.ImageId),
		VolumeCount:        len(volumes),
		RootDeviceName:     aws.ToString(instance.RootDeviceName),
		Architecture:       string(instance.Architecture),
		VirtualizationType: string(instance.VirtualizationType),
		LastInstanceType:   string(instance.InstanceType),
		LastKeyPair:        aws.ToString(instance.KeyName),
		Username:           username,
	}
	if err := l.store.PutProject(ctx, rec); err != nil {
		return err
	}

	for _, vol := range volumes {
		volID := aws.ToString(vol.VolumeId)
		snap, err := l.ec2.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
			VolumeId:    vol.VolumeId,
			Description: aws.String(fmt.Sprintf("%s-%s", project, volID)),
			TagSpecifications: []types.TagSpecification{{
				ResourceType: types.ResourceTypeSnapshot,
				Tags: []types.Tag{
					{Key: aws.String(tagKeyProject), Value: aws.String(project)},
					{Key: aws.String(tagKeyVolumeID), Value: aws.String(volID)},
				},
			}},
		})
		if err != nil {
			return fmt.Errorf("%w: volume %s: %w", ErrSnapshotCreate, volID, err)
		}
		snapID := aws.ToString(snap.SnapshotId)
		log.Info("creating snapshot", "snapshot_id", snapID, "volume_id", volID)

		device := attachmentDevice(vol, detail.InstanceID)
		if device == "" {
			return fmt.Errorf("%w: volume %s, instance %s", ErrMissingAttachment, volID, detail.InstanceID)
		}

		if err := l.store.PutMeta(ctx, &state.VolumeMeta{
			Project:    project,
			VolumeID:   volID,
			InstanceID: detail.InstanceID,
			DeviceName: device,
			SnapshotID: snapID,
			State:      state.MetaPending,
		}); err != nil {
			return err
		}
	}

	log.Info("snapshot creation complete", "volume_count", len(volumes))
	return nil
}

func (l *Lifecycle) describeInstance(ctx context.Context, instanceID string) (*types.Instance, error) {
	out, err := l.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInstanceDescribe, instanceID, err)
	}
	for _, res := range out.Reservations {
		for i := range res.Instances {
			return &res.Instances[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s: not in describe response", ErrInstanceDescribe, instanceID)
}

func (l *Lifecycle) instanceVolumes(ctx context.Context, instanceID string) ([]types.Volume, error) {
	var volumes []types.Volume
	var token *string
	for {
		out, err := l.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
			Filters: []types.Filter{{
				Name:   aws.String("attachment.instance-id"),
				Values: []string{instanceID},
			}},
			NextToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: instance %s: %w", ErrVolumeDescribe, instanceID, err)
		}
		volumes = append(volumes, out.Volumes...)
		if out.NextToken == nil {
			return volumes, nil
		}
		token = out.NextToken
	}
}

func attachmentDevice(vol types.Volume, instanceID string) string {
	for _, att := range vol.Attachments {
		if aws.ToString(att.InstanceId) == instanceID {
			return aws.ToString(att.Device)
		}
	}
	return ""
}

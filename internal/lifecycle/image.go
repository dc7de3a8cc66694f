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
	ErrDuplicateSnapshotRef = fmt.Errorf("multiple volume records reference one snapshot")
	ErrSnapshotDescribe     = fmt.Errorf("failed to describe snapshot")
	ErrImageDescribe        = fmt.Errorf("failed to describe image")
	ErrImageRegister        = fmt.Errorf("failed to register image")
)

// HandleSnapshotCompleted records a finished snapshot and, once every volume
// of the project has one, retires the previous devbox-managed AMI and
// registers a replacement from the new snapshots. The project moves to
// IMAGING; HandleImageAvailable finishes the cycle when the AMI comes up.
func (l *Lifecycle) HandleSnapshotCompleted(ctx context.Context, detail SnapshotResultDetail) error {
	log := clog.FromContext(ctx)

	if detail.Result != snapshotResultSucceeded {
		log.Debug("ignoring snapshot result", "snapshot", detail.SnapshotARN, "result", detail.Result)
		return nil
	}
	if detail.SnapshotARN == "" {
		log.Warn("snapshot event carries no snapshot arn")
		return nil
	}
	snapID := detail.SnapshotID()
	log = log.With("snapshot_id", snapID)

	metas, err := l.store.MetaBySnapshot(ctx, snapID)
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		log.Warn("no volume record for snapshot, not devbox-managed")
		return nil
	}
	if len(metas) != 1 {
		return fmt.Errorf("%w: %s has %d", ErrDuplicateSnapshotRef, snapID, len(metas))
	}
	meta := metas[0]
	log = log.With("project", meta.Project)
	log.Info("snapshot completed", "volume_id", meta.VolumeID, "instance_id", meta.InstanceID, "device_name", meta.DeviceName)

	if err := l.store.MarkMetaCompleted(ctx, meta.Project, meta.VolumeID); err != nil {
		return err
	}

	rec, err := l.store.GetProject(ctx, meta.Project)
	if err != nil {
		return err
	}
	if rec == nil {
		log.Warn("no project record, cannot register image")
		return nil
	}

	all, err := l.store.MetasForProject(ctx, meta.Project)
	if err != nil {
		return err
	}
	done := 0
	for _, m := range all {
		if m.State == state.MetaCompleted {
			done++
		}
	}
	log.Info("snapshot completion progress", "done", done, "total", rec.VolumeCount)
	if done < rec.VolumeCount {
		return nil
	}

	// Two final snapshots can complete close enough together that both
	// invocations reach this point; the second registration wins the record
	// and the first AMI strands until the next cycle retires it.
	mappings, rootDevice, err := l.imageMappings(ctx, all, rec)
	if err != nil {
		return err
	}

	if rec.AMI != "" {
		proceed, err := l.retireImage(ctx, rec.AMI)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}

	input := &ec2.RegisterImageInput{
		Name:                aws.String(fmt.Sprintf("%s-ami", rec.Name)),
		BlockDeviceMappings: mappings,
		RootDeviceName:      aws.String(rootDevice),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeImage,
			Tags: []types.Tag{
				{Key: aws.String(tagKeyProject), Value: aws.String(rec.Name)},
				{Key: aws.String(tagKeyManagedBy), Value: aws.String(l.cfg.ManagedByTag)},
			},
		}},
	}
	if rec.Architecture != "" {
		input.Architecture = types.ArchitectureValues(rec.Architecture)
	}
	if rec.VirtualizationType != "" {
		input.VirtualizationType = aws.String(rec.VirtualizationType)
	}
	out, err := l.ec2.RegisterImage(ctx, input)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrImageRegister, rec.Name, err)
	}
	newAMI := aws.ToString(out.ImageId)
	log.Info("registered new ami", "ami_id", newAMI)

	return l.store.SetProjectImage(ctx, rec.Name, newAMI, state.StatusImaging)
}

// imageMappings builds one block device mapping per recorded volume, sized
// from the snapshot. The root device is the one the instance reported at
// shutdown, falling back to the first volume when no record matches it.
func (l *Lifecycle) imageMappings(ctx context.Context, metas []state.VolumeMeta, rec *state.Project) ([]types.BlockDeviceMapping, string, error) {
	log := clog.FromContext(ctx)

	mappings := make([]types.BlockDeviceMapping, 0, len(metas))
	rootDevice := ""
	for _, m := range metas {
		size, err := l.snapshotSize(ctx, m.SnapshotID)
		if err != nil {
			return nil, "", err
		}
		mappings = append(mappings, types.BlockDeviceMapping{
			DeviceName: aws.String(m.DeviceName),
			Ebs: &types.EbsBlockDevice{
				SnapshotId:          aws.String(m.SnapshotID),
				VolumeSize:          aws.Int32(size),
				VolumeType:          defaultVolumeType,
				DeleteOnTermination: aws.Bool(true),
			},
		})
		if m.DeviceName == rec.RootDeviceName {
			rootDevice = m.DeviceName
		}
	}
	if rootDevice == "" {
		rootDevice = metas[0].DeviceName
		log.Warn("no volume record matches the recorded root device", "recorded", rec.RootDeviceName, "using", rootDevice)
	}
	return mappings, rootDevice, nil
}

func (l *Lifecycle) snapshotSize(ctx context.Context, snapshotID string) (int32, error) {
	out, err := l.ec2.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		SnapshotIds: []string{snapshotID},
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrSnapshotDescribe, snapshotID, err)
	}
	if len(out.Snapshots) == 0 {
		return 0, fmt.Errorf("%w: %s: not in describe response", ErrSnapshotDescribe, snapshotID)
	}
	return aws.ToInt32(out.Snapshots[0].VolumeSize), nil
}

// retireImage removes the project's previous AMI ahead of registering its
// replacement. It reports false when the AMI vanished out from under us, in
// which case registration is abandoned for this invocation. Images the
// pipeline does not manage are left in place.
func (l *Lifecycle) retireImage(ctx context.Context, imageID string) (bool, error) {
	log := clog.FromContext(ctx)

	out, err := l.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	})
	if err != nil {
		if isImageNotFound(err) {
			log.Warn("old ami not found", "ami_id", imageID)
			return false, nil
		}
		return false, fmt.Errorf("%w: %s: %w", ErrImageDescribe, imageID, err)
	}
	if len(out.Images) == 0 {
		log.Warn("old ami not found", "ami_id", imageID)
		return false, nil
	}

	if tagValue(out.Images[0].Tags, tagKeyManagedBy) != l.cfg.ManagedByTag {
		log.Info("old ami not managed by devbox", "ami_id", imageID)
		return true, nil
	}

	log.Info("cleaning up old ami", "ami_id", imageID)
	if err := l.cleanupImage(ctx, imageID); err != nil {
		return false, err
	}
	return true, nil
}

package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

var (
	ErrImageDeregister = fmt.Errorf("failed to deregister image")
	ErrCleanupTimeout  = fmt.Errorf("timed out waiting for image to deregister")
)

// cleanupImage deregisters an AMI, deletes its backing snapshots, and waits
// for the deregistration to take effect. Registering the replacement before
// the old AMI is fully gone trips EC2's name uniqueness check, hence the
// wait.
func (l *Lifecycle) cleanupImage(ctx context.Context, imageID string) error {
	log := clog.FromContext(ctx).With("ami_id", imageID)

	out, err := l.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrImageDescribe, imageID, err)
	}
	if len(out.Images) == 0 {
		return fmt.Errorf("%w: %s: not in describe response", ErrImageDescribe, imageID)
	}
	snapshots := backingSnapshots(out.Images[0])
	log.Info("ami backed by snapshots", "snapshot_ids", snapshots)

	log.Info("deregistering ami")
	if _, err := l.ec2.DeregisterImage(ctx, &ec2.DeregisterImageInput{
		ImageId: aws.String(imageID),
	}); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrImageDeregister, imageID, err)
	}

	for _, snapID := range snapshots {
		log.Info("deleting snapshot", "snapshot_id", snapID)
		if _, err := l.ec2.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{
			SnapshotId: aws.String(snapID),
		}); err != nil {
			log.Warn("failed to delete snapshot", "snapshot_id", snapID, "error", err)
		}
	}

	log.Info("waiting for ami to vanish")
	for attempt := 0; attempt < l.cfg.CleanupMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for ami %s to deregister: %w", imageID, ctx.Err())
		case <-time.After(l.cfg.CleanupWaitInterval):
		}

		out, err := l.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
			ImageIds: []string{imageID},
		})
		if err != nil {
			if isImageNotFound(err) {
				log.Info("ami no longer exists")
				return nil
			}
			return fmt.Errorf("%w: %s: %w", ErrImageDescribe, imageID, err)
		}
		if len(out.Images) == 0 {
			log.Info("ami no longer exists")
			return nil
		}
		log.Info("ami still present", "attempt", attempt+1)
	}
	return fmt.Errorf("%w: %s", ErrCleanupTimeout, imageID)
}

func backingSnapshots(image types.Image) []string {
	var ids []string
	for _, m := range image.BlockDeviceMappings {
		if m.Ebs != nil && m.Ebs.SnapshotId != nil {
			ids = append(ids, *m.Ebs.SnapshotId)
		}
	}
	return ids
}

package lifecycle

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/clog"

	"github.com/omsf-eco-infra/devbox/internal/state"
)

// HandleVolumeAvailable deletes a detached devbox volume once its snapshot
// is safely taken. A volume detaching while its snapshot is still PENDING
// means the disk would be lost, so the project is quarantined as ERROR
// instead.
func (l *Lifecycle) HandleVolumeAvailable(ctx context.Context, detail VolumeStateDetail) error {
	log := clog.FromContext(ctx)

	if detail.State != volumeStateAvailable {
		log.Debug("ignoring volume state", "volume_id", detail.VolumeID, "state", detail.State)
		return nil
	}
	if detail.VolumeID == "" {
		log.Warn("volume event carries no volume id")
		return nil
	}
	log = log.With("volume_id", detail.VolumeID)

	meta, err := l.store.MetaByVolume(ctx, detail.VolumeID)
	if err != nil {
		return err
	}
	if meta == nil {
		log.Info("volume not part of a snapshot cycle")
		return nil
	}
	log = log.With("project", meta.Project)

	if meta.State == state.MetaCompleted {
		log.Info("deleting detached volume")
		if _, err := l.ec2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{
			VolumeId: aws.String(detail.VolumeID),
		}); err != nil {
			log.Error("failed to delete volume", "error", err)
		}
		return nil
	}

	log.Warn("volume detached before its snapshot completed, marking project error")
	return l.store.SetProjectStatus(ctx, meta.Project, state.StatusError)
}

package lifecycle

import (
	"context"

	"github.com/chainguard-dev/clog"

	"github.com/omsf-eco-infra/devbox/internal/state"
)

// HandleImageAvailable closes out a snapshot cycle once the registered AMI
// becomes usable: the per-volume records are dropped and the project is
// marked READY for the next launch.
func (l *Lifecycle) HandleImageAvailable(ctx context.Context, detail ImageStateDetail) error {
	log := clog.FromContext(ctx)

	if detail.State != imageStateAvailable {
		log.Debug("ignoring image state", "ami_id", detail.ImageID, "state", detail.State)
		return nil
	}
	if detail.ImageID == "" {
		log.Warn("image event carries no ami id")
		return nil
	}
	log = log.With("ami_id", detail.ImageID)

	rec, err := l.store.FindProjectByImage(ctx, detail.ImageID)
	if err != nil {
		return err
	}
	if rec == nil {
		log.Warn("no project record for ami, not devbox-managed")
		return nil
	}
	log = log.With("project", rec.Name)
	log.Info("marking project ready")

	metas, err := l.store.MetasForProject(ctx, rec.Name)
	if err != nil {
		return err
	}
	for _, m := range metas {
		if err := l.store.DeleteMeta(ctx, rec.Name, m.VolumeID); err != nil {
			log.Warn("failed to delete volume record", "volume_id", m.VolumeID, "error", err)
			continue
		}
		log.Info("deleted volume record", "volume_id", m.VolumeID)
	}

	return l.store.SetProjectStatus(ctx, rec.Name, state.StatusReady)
}

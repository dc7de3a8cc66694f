package launch

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"

	"github.com/omsf-eco-infra/devbox/internal/state"
)

var ErrProjectExists = fmt.Errorf("project already exists")

// CreateProject registers a READY project record around a base AMI without
// launching anything. The name is slugified so "ML Experiments" and
// "ml-experiments" land on the same record.
func (l *Launcher) CreateProject(ctx context.Context, name, baseAMI string) (*state.Project, error) {
	log := clog.FromContext(ctx)

	project := slug.Make(name)
	if project == "" {
		return nil, fmt.Errorf("%w: %q", ErrProjectName, name)
	}
	if baseAMI == "" {
		return nil, ErrNoBaseImage
	}

	existing, err := l.store.GetProject(ctx, project)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %q is in status %q", ErrProjectExists, project, existing.Status)
	}

	// volumePlan doubles as the existence check for the AMI.
	mappings, err := l.volumePlan(ctx, baseAMI, 0)
	if err != nil {
		return nil, err
	}

	rec := &state.Project{
		Name:        project,
		Status:      state.StatusReady,
		BaseAMI:     baseAMI,
		VolumeCount: len(mappings),
		LastUpdated: nowStamp(),
	}
	if err := l.store.PutProject(ctx, rec); err != nil {
		return nil, err
	}
	log.Info("project created", "project", project, "base_ami", baseAMI, "volumes", rec.VolumeCount)
	return rec, nil
}

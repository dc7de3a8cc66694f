package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"

	"github.com/omsf-eco-infra/devbox/internal/state"
)

var (
	ErrAmbiguousProject = fmt.Errorf("multiple instances found for project, specify an instance id instead")
	ErrInstanceNotFound = fmt.Errorf("no instance found with that id or project name")
	ErrNotManaged       = fmt.Errorf("instance is not managed by devbox")
	ErrTerminate        = fmt.Errorf("failed to terminate instance")
	ErrNoImage          = fmt.Errorf("no AMI id provided")
	ErrImageNotFound    = fmt.Errorf("image not found")
	ErrImageDescribe    = fmt.Errorf("failed to describe image")
	ErrImageDeregister  = fmt.Errorf("failed to deregister image")
	ErrSnapshotDelete   = fmt.Errorf("failed to delete snapshot")
	ErrProjectNotFound  = fmt.Errorf("project not found")
	ErrProjectInUse     = fmt.Errorf("project is in use")
)

// Termination identifies the instance a TerminateInstance call acted on.
type Termination struct {
	InstanceID string
	Project    string
}

// TerminateInstance terminates by project name or by instance id. A project
// name must resolve to exactly one running instance; a bare instance id must
// carry the Project tag to count as devbox-managed.
func (m *Manager) TerminateInstance(ctx context.Context, identifier string) (*Termination, error) {
	instances, err := m.ListInstances(ctx, identifier)
	if err != nil {
		return nil, err
	}

	var instanceID, project string
	switch len(instances) {
	case 0:
		instanceID, project, err = m.resolveInstanceID(ctx, identifier)
		if err != nil {
			return nil, err
		}
	case 1:
		instanceID, project = instances[0].ID, instances[0].Project
	default:
		return nil, fmt.Errorf("%w: %q has %d running instances", ErrAmbiguousProject, identifier, len(instances))
	}

	if _, err := m.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	}); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrTerminate, instanceID, err)
	}
	clog.FromContext(ctx).Info("terminating instance", "instance_id", instanceID, "project", project)
	return &Termination{InstanceID: instanceID, Project: project}, nil
}

// resolveInstanceID treats the identifier as an instance id and verifies the
// instance is devbox-managed.
func (m *Manager) resolveInstanceID(ctx context.Context, identifier string) (instanceID, project string, err error) {
	out, err := m.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{identifier},
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInstanceNotFound, identifier)
	}

	var inst *types.Instance
	for _, r := range out.Reservations {
		for i := range r.Instances {
			inst = &r.Instances[i]
			break
		}
	}
	if inst == nil {
		return "", "", fmt.Errorf("%w: %q", ErrInstanceNotFound, identifier)
	}

	project = projectTag(inst.Tags)
	if project == "" {
		return "", "", fmt.Errorf("%w: %s has no Project tag", ErrNotManaged, identifier)
	}
	return aws.ToString(inst.InstanceId), project, nil
}

// ProjectInUse reports whether the project has live instances or a record
// status the lifecycle is still working through, with a human-readable
// reason.
func (m *Manager) ProjectInUse(ctx context.Context, project string, rec *state.Project) (bool, string, error) {
	out, err := m.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + tagKeyProject), Values: []string{project}},
			{Name: aws.String("instance-state-name"), Values: []string{
				"pending", "running", "stopping", "stopped", "shutting-down",
			}},
		},
	})
	if err != nil {
		return false, "", fmt.Errorf("%w: %w", ErrListInstances, err)
	}

	states := map[string]struct{}{}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			states[string(instanceState(inst))] = struct{}{}
		}
	}
	if len(states) > 0 {
		names := make([]string, 0, len(states))
		for s := range states {
			names = append(names, s)
		}
		sort.Strings(names)
		return true, fmt.Sprintf("EC2 instances in states: %s", strings.Join(names, ", ")), nil
	}

	if rec != nil && rec.Status.InUse() {
		return true, fmt.Sprintf("project status is %s", rec.Status), nil
	}
	return false, "", nil
}

// ImageDeletion reports what DeleteImage removed.
type ImageDeletion struct {
	ImageID          string
	DeletedSnapshots []string
	FailedSnapshots  []string
}

// DeleteImage deregisters the AMI and deletes its backing snapshots.
// Snapshot deletion is best effort: failures are collected and returned as a
// joined error alongside the partial result.
func (m *Manager) DeleteImage(ctx context.Context, imageID string) (*ImageDeletion, error) {
	log := clog.FromContext(ctx)
	if imageID == "" {
		return nil, ErrNoImage
	}

	out, err := m.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrImageDescribe, imageID, err)
	}
	if len(out.Images) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}

	var snapshotIDs []string
	for _, mapping := range out.Images[0].BlockDeviceMappings {
		if mapping.Ebs != nil && aws.ToString(mapping.Ebs.SnapshotId) != "" {
			snapshotIDs = append(snapshotIDs, aws.ToString(mapping.Ebs.SnapshotId))
		}
	}

	if _, err := m.ec2.DeregisterImage(ctx, &ec2.DeregisterImageInput{
		ImageId: aws.String(imageID),
	}); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrImageDeregister, imageID, err)
	}

	deletion := &ImageDeletion{ImageID: imageID}
	var failures []error
	for _, snapshotID := range snapshotIDs {
		if _, err := m.ec2.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{
			SnapshotId: aws.String(snapshotID),
		}); err != nil {
			log.Warn("unable to delete backing snapshot", "snapshot_id", snapshotID, "error", err)
			deletion.FailedSnapshots = append(deletion.FailedSnapshots, snapshotID)
			failures = append(failures, fmt.Errorf("%w %s: %w", ErrSnapshotDelete, snapshotID, err))
			continue
		}
		deletion.DeletedSnapshots = append(deletion.DeletedSnapshots, snapshotID)
	}

	log.Info("deregistered image", "image_id", imageID,
		"snapshots_deleted", len(deletion.DeletedSnapshots),
		"snapshots_failed", len(deletion.FailedSnapshots))
	return deletion, errors.Join(failures...)
}

// ProjectDeletion reports what DeleteProject removed.
type ProjectDeletion struct {
	Project          string
	ImageID          string
	DeletedSnapshots []string
	MetaRows         int
}

// DeleteProject removes a project: its registered AMI and backing snapshots,
// its volume bookkeeping rows, and finally its record. In-use projects are
// refused unless force is set.
func (m *Manager) DeleteProject(ctx context.Context, project string, force bool) (*ProjectDeletion, error) {
	log := clog.FromContext(ctx).With("project", project)

	rec, err := m.store.GetProject(ctx, project)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %q", ErrProjectNotFound, project)
	}

	inUse, reason, err := m.ProjectInUse(ctx, project, rec)
	if err != nil {
		return nil, err
	}
	if inUse {
		if !force {
			return nil, fmt.Errorf("%w: %s", ErrProjectInUse, reason)
		}
		log.Warn("deleting project despite being in use", "reason", reason)
	}

	deletion := &ProjectDeletion{Project: project}
	if rec.AMI != "" {
		imgDeletion, err := m.DeleteImage(ctx, rec.AMI)
		if errors.Is(err, ErrImageNotFound) {
			log.Info("registered ami already gone", "image_id", rec.AMI)
		} else if imgDeletion == nil && err != nil {
			return nil, err
		} else {
			if err != nil {
				// Snapshot leftovers show up under status --orphans; the
				// record teardown still proceeds.
				log.Warn("some backing snapshots were not deleted", "error", err)
			}
			deletion.ImageID = imgDeletion.ImageID
			deletion.DeletedSnapshots = imgDeletion.DeletedSnapshots
		}
	}

	metas, err := m.store.MetasForProject(ctx, project)
	if err != nil {
		log.Warn("unable to list volume records", "error", err)
	}
	for _, meta := range metas {
		if err := m.store.DeleteMeta(ctx, project, meta.VolumeID); err != nil {
			log.Warn("unable to delete volume record", "volume_id", meta.VolumeID, "error", err)
			continue
		}
		deletion.MetaRows++
	}

	if err := m.store.DeleteProject(ctx, project); err != nil {
		return nil, err
	}
	log.Info("project deleted", "image_id", deletion.ImageID, "meta_rows", deletion.MetaRows)
	return deletion, nil
}

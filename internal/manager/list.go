package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

// Instance is a running devbox instance.
type Instance struct {
	ID         string
	Project    string
	PublicIP   string
	LaunchTime time.Time
	State      string
	Type       string
}

// Volume is a Project-tagged EBS volume. Orphaned volumes are detached and
// waiting for the lifecycle to reclaim them.
type Volume struct {
	ID       string
	Project  string
	State    string
	SizeGiB  int32
	Zone     string
	Orphaned bool
}

// Snapshot is a Project-tagged EBS snapshot. Orphaned snapshots back no
// registered AMI.
type Snapshot struct {
	ID        string
	Project   string
	Progress  string
	SizeGiB   int32
	StartTime time.Time
	Orphaned  bool
}

// ProjectStatus bundles the three listings for display.
type ProjectStatus struct {
	Instances []Instance
	Volumes   []Volume
	Snapshots []Snapshot
}

// Status gathers instances, volumes, and snapshots concurrently. orphanOnly
// restricts volumes and snapshots to the orphaned ones; instances are always
// the running set.
func (m *Manager) Status(ctx context.Context, project string, orphanOnly bool) (*ProjectStatus, error) {
	var status ProjectStatus

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		status.Instances, err = m.ListInstances(ctx, project)
		return err
	})
	g.Go(func() error {
		var err error
		status.Volumes, err = m.ListVolumes(ctx, project, orphanOnly)
		return err
	})
	g.Go(func() error {
		var err error
		status.Snapshots, err = m.ListSnapshots(ctx, project, orphanOnly)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListInstances returns the running Project-tagged instances, optionally
// restricted to one project.
func (m *Manager) ListInstances(ctx context.Context, project string) ([]Instance, error) {
	filters := []types.Filter{
		{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		{Name: aws.String("tag-key"), Values: []string{tagKeyProject}},
	}
	if project != "" {
		filters = append(filters, types.Filter{
			Name:   aws.String("tag:" + tagKeyProject),
			Values: []string{project},
		})
	}

	var instances []Instance
	var nextToken *string
	for {
		out, err := m.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters:   filters,
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrListInstances, err)
		}
		for _, r := range out.Reservations {
			for _, inst := range r.Instances {
				instances = append(instances, Instance{
					ID:         aws.ToString(inst.InstanceId),
					Project:    projectTag(inst.Tags),
					PublicIP:   aws.ToString(inst.PublicIpAddress),
					LaunchTime: aws.ToTime(inst.LaunchTime),
					State:      string(instanceState(inst)),
					Type:       string(inst.InstanceType),
				})
			}
		}
		nextToken = out.NextToken
		if nextToken == nil {
			return instances, nil
		}
	}
}

// ListVolumes returns the Project-tagged volumes. A volume is orphaned when
// it is available, meaning detached and not yet reclaimed.
func (m *Manager) ListVolumes(ctx context.Context, project string, orphanOnly bool) ([]Volume, error) {
	filters := []types.Filter{
		{Name: aws.String("tag-key"), Values: []string{tagKeyProject}},
	}
	if project != "" {
		filters = append(filters, types.Filter{
			Name:   aws.String("tag:" + tagKeyProject),
			Values: []string{project},
		})
	}

	var volumes []Volume
	var nextToken *string
	for {
		out, err := m.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
			Filters:   filters,
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrListVolumes, err)
		}
		for _, vol := range out.Volumes {
			orphaned := vol.State == types.VolumeStateAvailable
			if orphanOnly && !orphaned {
				continue
			}
			volumes = append(volumes, Volume{
				ID:       aws.ToString(vol.VolumeId),
				Project:  projectTag(vol.Tags),
				State:    string(vol.State),
				SizeGiB:  aws.ToInt32(vol.Size),
				Zone:     aws.ToString(vol.AvailabilityZone),
				Orphaned: orphaned,
			})
		}
		nextToken = out.NextToken
		if nextToken == nil {
			return volumes, nil
		}
	}
}

// ListSnapshots returns the self-owned Project-tagged snapshots. A snapshot
// is orphaned when no AMI's block device mappings reference it; when the
// image lookup fails the snapshot is reported as not orphaned so nothing is
// offered for deletion on bad information.
func (m *Manager) ListSnapshots(ctx context.Context, project string, orphanOnly bool) ([]Snapshot, error) {
	log := clog.FromContext(ctx)

	filters := []types.Filter{
		{Name: aws.String("tag-key"), Values: []string{tagKeyProject}},
	}
	if project != "" {
		filters = append(filters, types.Filter{
			Name:   aws.String("tag:" + tagKeyProject),
			Values: []string{project},
		})
	}

	var snapshots []Snapshot
	var nextToken *string
	for {
		out, err := m.ec2.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
			OwnerIds:  []string{"self"},
			Filters:   filters,
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrListSnapshots, err)
		}
		for _, snap := range out.Snapshots {
			snapshotID := aws.ToString(snap.SnapshotId)

			orphaned := true
			if aws.ToString(snap.VolumeId) != "" {
				images, err := m.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
					Filters: []types.Filter{{
						Name:   aws.String("block-device-mapping.snapshot-id"),
						Values: []string{snapshotID},
					}},
				})
				if err != nil {
					log.Warn("unable to check snapshot ami references", "snapshot_id", snapshotID, "error", err)
					orphaned = false
				} else {
					orphaned = len(images.Images) == 0
				}
			}
			if orphanOnly && !orphaned {
				continue
			}
			snapshots = append(snapshots, Snapshot{
				ID:        snapshotID,
				Project:   projectTag(snap.Tags),
				Progress:  aws.ToString(snap.Progress),
				SizeGiB:   aws.ToInt32(snap.VolumeSize),
				StartTime: aws.ToTime(snap.StartTime),
				Orphaned:  orphaned,
			})
		}
		nextToken = out.NextToken
		if nextToken == nil {
			return snapshots, nil
		}
	}
}

func instanceState(inst types.Instance) types.InstanceStateName {
	if inst.State == nil {
		return ""
	}
	return inst.State.Name
}

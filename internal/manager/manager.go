// manager provides the CLI-facing view of devbox resources: listing
// instances, volumes, and snapshots by project, and tearing down what the
// event pipeline leaves behind.
package manager

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/omsf-eco-infra/devbox/internal/state"
)

const tagKeyProject = "Project"

var (
	ErrListInstances = fmt.Errorf("failed to list instances")
	ErrListVolumes   = fmt.Errorf("failed to list volumes")
	ErrListSnapshots = fmt.Errorf("failed to list snapshots")
)

// EC2API is the subset of the EC2 client the manager uses.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DeregisterImage(ctx context.Context, params *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error)
	DeleteSnapshot(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
}

// Store is the record-store capability the manager needs, satisfied by
// *state.Store.
type Store interface {
	GetProject(ctx context.Context, name string) (*state.Project, error)
	DeleteProject(ctx context.Context, name string) error
	MetasForProject(ctx context.Context, project string) ([]state.VolumeMeta, error)
	DeleteMeta(ctx context.Context, project, volumeID string) error
}

// Manager answers status queries and tears down devbox resources.
type Manager struct {
	ec2   EC2API
	store Store
}

func New(client EC2API, store Store) *Manager {
	return &Manager{ec2: client, store: store}
}

func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func projectTag(tags []types.Tag) string {
	return tagValue(tags, tagKeyProject)
}

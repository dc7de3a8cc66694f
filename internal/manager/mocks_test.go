package manager

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/omsf-eco-infra/devbox/internal/state"
)

const (
	opDescribeInstances  = "DescribeInstances"
	opDescribeVolumes    = "DescribeVolumes"
	opDescribeSnapshots  = "DescribeSnapshots"
	opDescribeImages     = "DescribeImages"
	opTerminateInstances = "TerminateInstances"
	opDeregisterImage    = "DeregisterImage"
	opDeleteSnapshot     = "DeleteSnapshot"
)

// mockEC2Client implements EC2API with canned success responses: one running
// tagged instance, one available tagged volume, one self-owned tagged
// snapshot, and no images (so snapshots default to orphaned). Individual
// operations are overridden per test via the function fields.
type mockEC2Client struct {
	operations []string

	describeInstancesFunc  func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	describeVolumesFunc    func(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	describeSnapshotsFunc  func(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	describeImagesFunc     func(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	terminateInstancesFunc func(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	deregisterImageFunc    func(ctx context.Context, params *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error)
	deleteSnapshotFunc     func(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
}

func projectTags(project string) []types.Tag {
	return []types.Tag{{Key: aws.String("Project"), Value: aws.String(project)}}
}

func (m *mockEC2Client) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.operations = append(m.operations, opDescribeInstances)
	if m.describeInstancesFunc != nil {
		return m.describeInstancesFunc(ctx, params, optFns...)
	}
	launched := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{
			Instances: []types.Instance{{
				InstanceId:      aws.String("i-0abc"),
				State:           &types.InstanceState{Name: types.InstanceStateNameRunning},
				InstanceType:    types.InstanceTypeT3Medium,
				PublicIpAddress: aws.String("54.0.0.10"),
				LaunchTime:      aws.Time(launched),
				Tags:            projectTags("proj-one"),
			}},
		}},
	}, nil
}

func (m *mockEC2Client) DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	m.operations = append(m.operations, opDescribeVolumes)
	if m.describeVolumesFunc != nil {
		return m.describeVolumesFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeVolumesOutput{
		Volumes: []types.Volume{{
			VolumeId:         aws.String("vol-0abc"),
			State:            types.VolumeStateAvailable,
			Size:             aws.Int32(100),
			AvailabilityZone: aws.String("us-east-1a"),
			Tags:             projectTags("proj-one"),
		}},
	}, nil
}

func (m *mockEC2Client) DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	m.operations = append(m.operations, opDescribeSnapshots)
	if m.describeSnapshotsFunc != nil {
		return m.describeSnapshotsFunc(ctx, params, optFns...)
	}
	started := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	return &ec2.DescribeSnapshotsOutput{
		Snapshots: []types.Snapshot{{
			SnapshotId: aws.String("snap-0abc"),
			VolumeId:   aws.String("vol-0abc"),
			Progress:   aws.String("100%"),
			VolumeSize: aws.Int32(100),
			StartTime:  aws.Time(started),
			Tags:       projectTags("proj-one"),
		}},
	}, nil
}

func (m *mockEC2Client) DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	m.operations = append(m.operations, opDescribeImages)
	if m.describeImagesFunc != nil {
		return m.describeImagesFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeImagesOutput{}, nil
}

func (m *mockEC2Client) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.operations = append(m.operations, opTerminateInstances)
	if m.terminateInstancesFunc != nil {
		return m.terminateInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (m *mockEC2Client) DeregisterImage(ctx context.Context, params *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error) {
	m.operations = append(m.operations, opDeregisterImage)
	if m.deregisterImageFunc != nil {
		return m.deregisterImageFunc(ctx, params, optFns...)
	}
	return &ec2.DeregisterImageOutput{}, nil
}

func (m *mockEC2Client) DeleteSnapshot(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
	m.operations = append(m.operations, opDeleteSnapshot)
	if m.deleteSnapshotFunc != nil {
		return m.deleteSnapshotFunc(ctx, params, optFns...)
	}
	return &ec2.DeleteSnapshotOutput{}, nil
}

func (m *mockEC2Client) opCount(op string) int {
	n := 0
	for _, o := range m.operations {
		if o == op {
			n++
		}
	}
	return n
}

// fakeStore is an in-memory Store that records the deletes it sees.
type fakeStore struct {
	projects        map[string]*state.Project
	metas           map[string][]state.VolumeMeta
	deletedProjects []string
	deletedMetas    []string

	getProjectFunc      func(ctx context.Context, name string) (*state.Project, error)
	deleteProjectFunc   func(ctx context.Context, name string) error
	metasForProjectFunc func(ctx context.Context, project string) ([]state.VolumeMeta, error)
	deleteMetaFunc      func(ctx context.Context, project, volumeID string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: map[string]*state.Project{},
		metas:    map[string][]state.VolumeMeta{},
	}
}

func (s *fakeStore) GetProject(ctx context.Context, name string) (*state.Project, error) {
	if s.getProjectFunc != nil {
		return s.getProjectFunc(ctx, name)
	}
	p, ok := s.projects[name]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) DeleteProject(ctx context.Context, name string) error {
	if s.deleteProjectFunc != nil {
		return s.deleteProjectFunc(ctx, name)
	}
	delete(s.projects, name)
	s.deletedProjects = append(s.deletedProjects, name)
	return nil
}

func (s *fakeStore) MetasForProject(ctx context.Context, project string) ([]state.VolumeMeta, error) {
	if s.metasForProjectFunc != nil {
		return s.metasForProjectFunc(ctx, project)
	}
	return s.metas[project], nil
}

func (s *fakeStore) DeleteMeta(ctx context.Context, project, volumeID string) error {
	if s.deleteMetaFunc != nil {
		return s.deleteMetaFunc(ctx, project, volumeID)
	}
	s.deletedMetas = append(s.deletedMetas, volumeID)
	return nil
}

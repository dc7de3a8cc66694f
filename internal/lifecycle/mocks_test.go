package lifecycle

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/omsf-eco-infra/devbox/internal/state"
)

const (
	opDescribeInstances = "DescribeInstances"
	opDescribeVolumes   = "DescribeVolumes"
	opCreateSnapshot    = "CreateSnapshot"
	opDescribeSnapshots = "DescribeSnapshots"
	opDescribeImages    = "DescribeImages"
	opRegisterImage     = "RegisterImage"
	opDeregisterImage   = "DeregisterImage"
	opDeleteSnapshot    = "DeleteSnapshot"
	opDeleteVolume      = "DeleteVolume"
)

// mockEC2Client implements EC2API with canned success responses describing a
// single-volume instance tagged Project=proj-one. Individual operations are
// overridden per test via the function fields.
type mockEC2Client struct {
	operations []string

	describeInstancesFunc func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	describeVolumesFunc   func(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	createSnapshotFunc    func(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
	describeSnapshotsFunc func(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	describeImagesFunc    func(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	registerImageFunc     func(ctx context.Context, params *ec2.RegisterImageInput, optFns ...func(*ec2.Options)) (*ec2.RegisterImageOutput, error)
	deregisterImageFunc   func(ctx context.Context, params *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error)
	deleteSnapshotFunc    func(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
	deleteVolumeFunc      func(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
}

func (m *mockEC2Client) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.operations = append(m.operations, opDescribeInstances)
	if m.describeInstancesFunc != nil {
		return m.describeInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{
			Instances: []types.Instance{{
				InstanceId:         aws.String(params.InstanceIds[0]),
				ImageId:            aws.String("ami-base"),
				RootDeviceName:     aws.String("/dev/sda1"),
				Architecture:       types.ArchitectureValuesX8664,
				VirtualizationType: types.VirtualizationTypeHvm,
				InstanceType:       types.InstanceTypeT3Medium,
				KeyName:            aws.String("test-key"),
				Tags: []types.Tag{
					{Key: aws.String("Project"), Value: aws.String("proj-one")},
				},
			}},
		}},
	}, nil
}

func (m *mockEC2Client) DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	m.operations = append(m.operations, opDescribeVolumes)
	if m.describeVolumesFunc != nil {
		return m.describeVolumesFunc(ctx, params, optFns...)
	}
	instanceID := ""
	if len(params.Filters) > 0 && len(params.Filters[0].Values) > 0 {
		instanceID = params.Filters[0].Values[0]
	}
	return &ec2.DescribeVolumesOutput{
		Volumes: []types.Volume{{
			VolumeId: aws.String("vol-1"),
			Attachments: []types.VolumeAttachment{{
				InstanceId: aws.String(instanceID),
				Device:     aws.String("/dev/sda1"),
			}},
		}},
	}, nil
}

func (m *mockEC2Client) CreateSnapshot(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error) {
	m.operations = append(m.operations, opCreateSnapshot)
	if m.createSnapshotFunc != nil {
		return m.createSnapshotFunc(ctx, params, optFns...)
	}
	return &ec2.CreateSnapshotOutput{
		SnapshotId: aws.String(fmt.Sprintf("snap-for-%s", aws.ToString(params.VolumeId))),
	}, nil
}

func (m *mockEC2Client) DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	m.operations = append(m.operations, opDescribeSnapshots)
	if m.describeSnapshotsFunc != nil {
		return m.describeSnapshotsFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeSnapshotsOutput{
		Snapshots: []types.Snapshot{{
			SnapshotId: aws.String(params.SnapshotIds[0]),
			VolumeSize: aws.Int32(8),
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

func (m *mockEC2Client) RegisterImage(ctx context.Context, params *ec2.RegisterImageInput, optFns ...func(*ec2.Options)) (*ec2.RegisterImageOutput, error) {
	m.operations = append(m.operations, opRegisterImage)
	if m.registerImageFunc != nil {
		return m.registerImageFunc(ctx, params, optFns...)
	}
	return &ec2.RegisterImageOutput{ImageId: aws.String("ami-new")}, nil
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

func (m *mockEC2Client) DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	m.operations = append(m.operations, opDeleteVolume)
	if m.deleteVolumeFunc != nil {
		return m.deleteVolumeFunc(ctx, params, optFns...)
	}
	return &ec2.DeleteVolumeOutput{}, nil
}

// fakeStore is an in-memory Store. Defaults read and write the maps the way
// the DynamoDB tables would (updates upsert); function fields override
// individual operations.
type fakeStore struct {
	projects map[string]*state.Project
	metas    map[string]*state.VolumeMeta

	getProjectFunc        func(ctx context.Context, name string) (*state.Project, error)
	putProjectFunc        func(ctx context.Context, p *state.Project) error
	setProjectStatusFunc  func(ctx context.Context, name string, status state.Status) error
	setProjectImageFunc   func(ctx context.Context, name, ami string, status state.Status) error
	findProjectByImgFunc  func(ctx context.Context, ami string) (*state.Project, error)
	findProjectByInstFunc func(ctx context.Context, instanceID string) (*state.Project, error)
	putMetaFunc           func(ctx context.Context, m *state.VolumeMeta) error
	markMetaCompletedFunc func(ctx context.Context, project, volumeID string) error
	metasForProjectFunc   func(ctx context.Context, project string) ([]state.VolumeMeta, error)
	metaBySnapshotFunc    func(ctx context.Context, snapshotID string) ([]state.VolumeMeta, error)
	metaByVolumeFunc      func(ctx context.Context, volumeID string) (*state.VolumeMeta, error)
	deleteMetaFunc        func(ctx context.Context, project, volumeID string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: map[string]*state.Project{},
		metas:    map[string]*state.VolumeMeta{},
	}
}

func metaKey(project, volumeID string) string {
	return project + "/" + volumeID
}

func (f *fakeStore) GetProject(ctx context.Context, name string) (*state.Project, error) {
	if f.getProjectFunc != nil {
		return f.getProjectFunc(ctx, name)
	}
	p, ok := f.projects[name]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) PutProject(ctx context.Context, p *state.Project) error {
	if f.putProjectFunc != nil {
		return f.putProjectFunc(ctx, p)
	}
	cp := *p
	f.projects[p.Name] = &cp
	return nil
}

func (f *fakeStore) SetProjectStatus(ctx context.Context, name string, status state.Status) error {
	if f.setProjectStatusFunc != nil {
		return f.setProjectStatusFunc(ctx, name, status)
	}
	p, ok := f.projects[name]
	if !ok {
		p = &state.Project{Name: name}
		f.projects[name] = p
	}
	p.Status = status
	return nil
}

func (f *fakeStore) SetProjectImage(ctx context.Context, name, ami string, status state.Status) error {
	if f.setProjectImageFunc != nil {
		return f.setProjectImageFunc(ctx, name, ami, status)
	}
	p, ok := f.projects[name]
	if !ok {
		p = &state.Project{Name: name}
		f.projects[name] = p
	}
	p.AMI = ami
	p.Status = status
	return nil
}

func (f *fakeStore) FindProjectByImage(ctx context.Context, ami string) (*state.Project, error) {
	if f.findProjectByImgFunc != nil {
		return f.findProjectByImgFunc(ctx, ami)
	}
	for _, p := range f.projects {
		if p.AMI == ami {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindProjectByInstance(ctx context.Context, instanceID string) (*state.Project, error) {
	if f.findProjectByInstFunc != nil {
		return f.findProjectByInstFunc(ctx, instanceID)
	}
	for _, p := range f.projects {
		if p.InstanceID == instanceID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) PutMeta(ctx context.Context, m *state.VolumeMeta) error {
	if f.putMetaFunc != nil {
		return f.putMetaFunc(ctx, m)
	}
	cp := *m
	f.metas[metaKey(m.Project, m.VolumeID)] = &cp
	return nil
}

func (f *fakeStore) MarkMetaCompleted(ctx context.Context, project, volumeID string) error {
	if f.markMetaCompletedFunc != nil {
		return f.markMetaCompletedFunc(ctx, project, volumeID)
	}
	m, ok := f.metas[metaKey(project, volumeID)]
	if !ok {
		m = &state.VolumeMeta{Project: project, VolumeID: volumeID}
		f.metas[metaKey(project, volumeID)] = m
	}
	m.State = state.MetaCompleted
	return nil
}

func (f *fakeStore) MetasForProject(ctx context.Context, project string) ([]state.VolumeMeta, error) {
	if f.metasForProjectFunc != nil {
		return f.metasForProjectFunc(ctx, project)
	}
	var out []state.VolumeMeta
	for _, m := range f.metas {
		if m.Project == project {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VolumeID < out[j].VolumeID })
	return out, nil
}

func (f *fakeStore) MetaBySnapshot(ctx context.Context, snapshotID string) ([]state.VolumeMeta, error) {
	if f.metaBySnapshotFunc != nil {
		return f.metaBySnapshotFunc(ctx, snapshotID)
	}
	var out []state.VolumeMeta
	for _, m := range f.metas {
		if m.SnapshotID == snapshotID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VolumeID < out[j].VolumeID })
	return out, nil
}

func (f *fakeStore) MetaByVolume(ctx context.Context, volumeID string) (*state.VolumeMeta, error) {
	if f.metaByVolumeFunc != nil {
		return f.metaByVolumeFunc(ctx, volumeID)
	}
	var keys []string
	for k, m := range f.metas {
		if m.VolumeID == volumeID {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)
	cp := *f.metas[keys[0]]
	return &cp, nil
}

func (f *fakeStore) DeleteMeta(ctx context.Context, project, volumeID string) error {
	if f.deleteMetaFunc != nil {
		return f.deleteMetaFunc(ctx, project, volumeID)
	}
	delete(f.metas, metaKey(project, volumeID))
	return nil
}

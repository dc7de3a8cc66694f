package launch

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/omsf-eco-infra/devbox/internal/dns"
	"github.com/omsf-eco-infra/devbox/internal/state"
)

const (
	opRunInstances            = "RunInstances"
	opDescribeInstances       = "DescribeInstances"
	opDescribeImages          = "DescribeImages"
	opDescribeTemplates       = "DescribeLaunchTemplates"
	opDescribeTemplateVersion = "DescribeLaunchTemplateVersions"
	opDescribeSubnets         = "DescribeSubnets"
)

// mockEC2Client implements EC2API with canned success responses: one image
// with an 8 GiB root mapping, launch templates named after us-east-1 zones,
// and instances that come up running with public addresses. Individual
// operations are overridden per test via the function fields.
type mockEC2Client struct {
	operations []string

	runInstancesFunc            func(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	describeInstancesFunc       func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	describeImagesFunc          func(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	describeTemplatesFunc       func(ctx context.Context, params *ec2.DescribeLaunchTemplatesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error)
	describeTemplateVersionFunc func(ctx context.Context, params *ec2.DescribeLaunchTemplateVersionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplateVersionsOutput, error)
	describeSubnetsFunc         func(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
}

func (m *mockEC2Client) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	m.operations = append(m.operations, opRunInstances)
	if m.runInstancesFunc != nil {
		return m.runInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.RunInstancesOutput{
		Instances: []types.Instance{{
			InstanceId:   aws.String("i-new"),
			InstanceType: params.InstanceType,
			State:        &types.InstanceState{Name: types.InstanceStateNamePending},
		}},
	}, nil
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
				InstanceId:         aws.String(params.InstanceIds[0]),
				State:              &types.InstanceState{Name: types.InstanceStateNameRunning},
				InstanceType:       types.InstanceTypeT3Medium,
				Architecture:       types.ArchitectureValuesX8664,
				VirtualizationType: types.VirtualizationTypeHvm,
				RootDeviceName:     aws.String("/dev/sda1"),
				PublicIpAddress:    aws.String("54.0.0.10"),
				PrivateIpAddress:   aws.String("10.0.0.10"),
				PublicDnsName:      aws.String("ec2-54-0-0-10.compute-1.amazonaws.com"),
				LaunchTime:         aws.Time(launched),
				Placement:          &types.Placement{AvailabilityZone: aws.String("us-east-1a")},
				BlockDeviceMappings: []types.InstanceBlockDeviceMapping{{
					DeviceName: aws.String("/dev/sda1"),
				}},
			}},
		}},
	}, nil
}

func (m *mockEC2Client) DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	m.operations = append(m.operations, opDescribeImages)
	if m.describeImagesFunc != nil {
		return m.describeImagesFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeImagesOutput{
		Images: []types.Image{{
			ImageId: aws.String(params.ImageIds[0]),
			BlockDeviceMappings: []types.BlockDeviceMapping{{
				DeviceName: aws.String("/dev/sda1"),
				Ebs: &types.EbsBlockDevice{
					VolumeSize: aws.Int32(8),
					VolumeType: types.VolumeTypeGp3,
				},
			}},
		}},
	}, nil
}

func (m *mockEC2Client) DescribeLaunchTemplates(ctx context.Context, params *ec2.DescribeLaunchTemplatesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error) {
	m.operations = append(m.operations, opDescribeTemplates)
	if m.describeTemplatesFunc != nil {
		return m.describeTemplatesFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeLaunchTemplatesOutput{
		LaunchTemplates: []types.LaunchTemplate{{
			LaunchTemplateId:   aws.String(params.LaunchTemplateIds[0]),
			LaunchTemplateName: aws.String("devbox-us-east-1a-template"),
		}},
	}, nil
}

func (m *mockEC2Client) DescribeLaunchTemplateVersions(ctx context.Context, params *ec2.DescribeLaunchTemplateVersionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplateVersionsOutput, error) {
	m.operations = append(m.operations, opDescribeTemplateVersion)
	if m.describeTemplateVersionFunc != nil {
		return m.describeTemplateVersionFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeLaunchTemplateVersionsOutput{
		LaunchTemplateVersions: []types.LaunchTemplateVersion{{
			LaunchTemplateId:   params.LaunchTemplateId,
			LaunchTemplateData: &types.ResponseLaunchTemplateData{},
		}},
	}, nil
}

func (m *mockEC2Client) DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	m.operations = append(m.operations, opDescribeSubnets)
	if m.describeSubnetsFunc != nil {
		return m.describeSubnetsFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeSubnetsOutput{
		Subnets: []types.Subnet{{
			SubnetId:         aws.String(params.SubnetIds[0]),
			AvailabilityZone: aws.String("us-east-1a"),
		}},
	}, nil
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

// fakeStore is an in-memory Store that records the launch updates it sees.
type fakeStore struct {
	projects map[string]*state.Project
	launches []state.LaunchRecord

	getProjectFunc   func(ctx context.Context, name string) (*state.Project, error)
	putProjectFunc   func(ctx context.Context, p *state.Project) error
	recordLaunchFunc func(ctx context.Context, name string, rec state.LaunchRecord) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{projects: map[string]*state.Project{}}
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

func (s *fakeStore) PutProject(ctx context.Context, p *state.Project) error {
	if s.putProjectFunc != nil {
		return s.putProjectFunc(ctx, p)
	}
	cp := *p
	s.projects[p.Name] = &cp
	return nil
}

func (s *fakeStore) RecordLaunch(ctx context.Context, name string, rec state.LaunchRecord) error {
	if s.recordLaunchFunc != nil {
		return s.recordLaunchFunc(ctx, name, rec)
	}
	s.launches = append(s.launches, rec)
	if p, ok := s.projects[name]; ok {
		p.Status = state.StatusRunning
		p.InstanceID = rec.InstanceID
		p.AMI = rec.AMI
		p.State = rec.State
		if rec.CNAMEDomain != "" {
			p.CNAMEDomain = rec.CNAMEDomain
		}
	}
	return nil
}

// fakeTemplates is a TemplateSource over a fixed id list.
type fakeTemplates struct {
	ids []string
	err error
}

func (f *fakeTemplates) LaunchTemplateIDs(ctx context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ids, nil
}

// fakeProvider is an in-memory dns.Provider.
type fakeProvider struct {
	records   map[string]string
	createErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{records: map[string]string{}}
}

func (p *fakeProvider) ZoneName() string { return "example.com" }

func (p *fakeProvider) GetCNAME(ctx context.Context, subdomain string) (*dns.Record, error) {
	target, ok := p.records[subdomain]
	if !ok {
		return nil, nil
	}
	return &dns.Record{Name: subdomain + ".example.com", Target: target}, nil
}

func (p *fakeProvider) CreateCNAME(ctx context.Context, subdomain, target string) (*dns.Record, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.records[subdomain] = target
	return &dns.Record{Name: subdomain + ".example.com", Target: target}, nil
}

func (p *fakeProvider) DeleteCNAME(ctx context.Context, subdomain string) (bool, error) {
	if _, ok := p.records[subdomain]; !ok {
		return false, nil
	}
	delete(p.records, subdomain)
	return true, nil
}

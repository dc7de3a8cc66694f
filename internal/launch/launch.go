// launch creates devbox EC2 instances from a project's registered AMI.
//
// A launch resolves the image to boot (restore > base > registered, with a
// --base-ami escape hatch for brand new projects), sizes the volume plan
// from the image's block device mappings, then tries each deployed launch
// template in turn until one availability zone accepts the instance. Once
// the instance reaches running the project record moves to RUNNING and the
// project's CNAME is pointed at the new public DNS name.
package launch

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"

	"github.com/omsf-eco-infra/devbox/internal/dns"
	"github.com/omsf-eco-infra/devbox/internal/state"
)

const (
	tagKeyProject = "Project"

	// ManagedBy marks resources created by interactive launches, as opposed
	// to the AMIs the snapshot pipeline stamps with its own value.
	ManagedBy = "devbox-cli"

	defaultUsername = "ec2-user"
)

var (
	ErrProjectName          = fmt.Errorf("project name must be alphanumeric with optional hyphens")
	ErrVolumeSize           = fmt.Errorf("volume size must be non-negative")
	ErrProjectBusy          = fmt.Errorf("project is not ready to launch")
	ErrNoBaseImage          = fmt.Errorf("no AMI recorded for project, provide a base AMI to create one")
	ErrInstanceTypeRequired = fmt.Errorf("instance type required and none recorded for project")
	ErrKeyPairRequired      = fmt.Errorf("key pair required and none recorded for project")
	ErrImageDescribe        = fmt.Errorf("failed to describe image")
	ErrImageNotFound        = fmt.Errorf("image not found")
	ErrNoCapacity           = fmt.Errorf("failed to launch instance in all availability zones")
	ErrRunningTimeout       = fmt.Errorf("timed out waiting for instance to run")
	ErrLaunchAborted        = fmt.Errorf("instance failed before reaching running state")
)

var projectNameRe = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// EC2API is the subset of the EC2 client the launch flow uses.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeLaunchTemplates(ctx context.Context, params *ec2.DescribeLaunchTemplatesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error)
	DescribeLaunchTemplateVersions(ctx context.Context, params *ec2.DescribeLaunchTemplateVersionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplateVersionsOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
}

// Store is the record-store capability the launch flow needs, satisfied by
// *state.Store.
type Store interface {
	GetProject(ctx context.Context, name string) (*state.Project, error)
	PutProject(ctx context.Context, p *state.Project) error
	RecordLaunch(ctx context.Context, name string, rec state.LaunchRecord) error
}

// TemplateSource resolves the deployed launch template ids, satisfied by
// *params.Client.
type TemplateSource interface {
	LaunchTemplateIDs(ctx context.Context) ([]string, error)
}

// Options are the caller-facing launch parameters. InstanceType and KeyPair
// may be left empty for projects that have launched before; the values from
// the previous launch are reused.
type Options struct {
	Project      string
	InstanceType string
	KeyPair      string
	BaseAMI      string
	VolumeSize   int32
}

func (o Options) validate() error {
	if !projectNameRe.MatchString(o.Project) || strings.Trim(o.Project, "-") == "" {
		return fmt.Errorf("%w: %q", ErrProjectName, o.Project)
	}
	if o.VolumeSize < 0 {
		return fmt.Errorf("%w: %d", ErrVolumeSize, o.VolumeSize)
	}
	return nil
}

// Result describes the launched instance for display.
type Result struct {
	Project      string
	InstanceID   string
	ImageID      string
	InstanceType string
	Zone         string
	State        string
	PublicIP     string
	PrivateIP    string
	PublicDNS    string
	CNAME        string
	Username     string
	KeyPair      string
	NewProject   bool
}

// Config tunes the launch flow. The zero value is completed by New.
type Config struct {
	// RunningMaxAttempts and RunningWaitInterval bound the wait for the
	// launched instance to reach running.
	RunningMaxAttempts  int
	RunningWaitInterval time.Duration
}

// Launcher starts devbox instances and keeps the project records current.
type Launcher struct {
	ec2    EC2API
	store  Store
	params TemplateSource
	dns    *dns.Manager
	cfg    Config
}

func New(client EC2API, store Store, params TemplateSource, manager *dns.Manager, cfg Config) *Launcher {
	if cfg.RunningMaxAttempts <= 0 {
		cfg.RunningMaxAttempts = 40
	}
	if cfg.RunningWaitInterval <= 0 {
		cfg.RunningWaitInterval = 15 * time.Second
	}
	return &Launcher{ec2: client, store: store, params: params, dns: manager, cfg: cfg}
}

// Launch boots an instance for the project and returns its details once it
// is running and recorded.
func (l *Launcher) Launch(ctx context.Context, opts Options) (*Result, error) {
	log := clog.FromContext(ctx).With("project", opts.Project)

	if err := opts.validate(); err != nil {
		return nil, err
	}

	rec, err := l.store.GetProject(ctx, opts.Project)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.Status != state.StatusReady {
		return nil, fmt.Errorf("%w: %q is in status %q, wait for READY or delete and recreate the project",
			ErrProjectBusy, opts.Project, rec.Status)
	}

	imageID, err := chooseImage(ctx, rec, opts.BaseAMI)
	if err != nil {
		return nil, err
	}
	log.Info("launching instance", "image_id", imageID)

	if opts.InstanceType == "" && rec != nil {
		opts.InstanceType = rec.LastInstanceType
	}
	if opts.InstanceType == "" {
		return nil, ErrInstanceTypeRequired
	}
	if opts.KeyPair == "" && rec != nil {
		opts.KeyPair = rec.LastKeyPair
	}
	if opts.KeyPair == "" {
		return nil, ErrKeyPairRequired
	}

	mappings, err := l.volumePlan(ctx, imageID, opts.VolumeSize)
	if err != nil {
		return nil, err
	}

	templateIDs, err := l.params.LaunchTemplateIDs(ctx)
	if err != nil {
		return nil, err
	}
	zones := l.templateZones(ctx, templateIDs)

	inst, z, err := l.runInAnyZone(ctx, zones, imageID, opts, mappings)
	if err != nil {
		return nil, err
	}
	instanceID := aws.ToString(inst.InstanceId)
	log.Info("instance launched, waiting for running state", "instance_id", instanceID, "zone", z.name)

	// The LAUNCHING record makes the project visible as in-use while the
	// instance boots. The post-boot write is the authoritative one, so a
	// failure here only warns.
	if err := l.store.PutProject(ctx, launchingRecord(rec, opts, imageID, inst)); err != nil {
		log.Warn("unable to record launching state", "instance_id", instanceID, "error", err)
	}

	inst, err = l.awaitRunning(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	label, fqdn := l.assignDNS(ctx, opts.Project, rec, inst)

	if err := l.recordRunning(ctx, rec, opts, imageID, inst, label); err != nil {
		return nil, err
	}
	log.Info("instance running", "instance_id", instanceID, "public_ip", aws.ToString(inst.PublicIpAddress))

	return &Result{
		Project:      opts.Project,
		InstanceID:   instanceID,
		ImageID:      imageID,
		InstanceType: string(inst.InstanceType),
		Zone:         instanceZone(inst, z),
		State:        instanceStateName(inst),
		PublicIP:     aws.ToString(inst.PublicIpAddress),
		PrivateIP:    aws.ToString(inst.PrivateIpAddress),
		PublicDNS:    aws.ToString(inst.PublicDnsName),
		CNAME:        fqdn,
		Username:     recordUsername(rec),
		KeyPair:      opts.KeyPair,
		NewProject:   rec == nil,
	}, nil
}

// chooseImage picks the AMI to boot. A restore AMI placed by an operator
// wins over the project's base AMI, which wins over the AMI the snapshot
// pipeline registered, which wins over the --base-ami flag.
func chooseImage(ctx context.Context, rec *state.Project, flagAMI string) (string, error) {
	var restore, base, registered string
	if rec != nil {
		restore, base, registered = rec.RestoreAMI, rec.BaseAMI, rec.AMI
	}
	if restore != "" && flagAMI != "" {
		clog.FromContext(ctx).Warn("base AMI is ignored when restoring from an existing snapshot",
			"restore_ami", restore, "base_ami", flagAMI)
	}

	for _, id := range []string{restore, base, registered, flagAMI} {
		if id != "" {
			return id, nil
		}
	}
	return "", ErrNoBaseImage
}

// assignDNS points the project's CNAME at the instance and returns the bare
// label that was used plus the fully qualified name. DNS problems never fail
// a launch; both values come back empty instead.
func (l *Launcher) assignDNS(ctx context.Context, project string, rec *state.Project, inst *types.Instance) (label, fqdn string) {
	log := clog.FromContext(ctx)
	if !l.dns.Enabled() {
		return "", ""
	}

	publicDNS := aws.ToString(inst.PublicDnsName)
	if publicDNS == "" {
		log.Info("instance has no public dns name, skipping cname assignment")
		return "", ""
	}

	custom := ""
	if rec != nil {
		if stored := strings.TrimSpace(rec.CNAMEDomain); stored != "" {
			custom = dns.NormalizeSubdomain(stored)
			if custom == "" {
				log.Warn("stored dns value cannot be reused, falling back to the project name", "stored", stored)
			}
		}
	}

	fqdn, err := l.dns.AssignInstanceCNAME(ctx, project, publicDNS, custom)
	if err != nil {
		log.Warn("cname assignment failed", "error", err)
		return "", ""
	}
	if fqdn == "" {
		return "", ""
	}

	label = custom
	if label == "" {
		s, err := dns.SanitizeName(project)
		if err != nil {
			log.Warn("project name does not sanitize to a dns label", "error", err)
			return "", fqdn
		}
		label = s
	}
	log.Info("cname assigned", "cname", fqdn)
	return label, fqdn
}

// launchingRecord merges the in-flight launch onto the existing record, or
// starts a fresh one for a first launch.
func launchingRecord(existing *state.Project, opts Options, imageID string, inst *types.Instance) *state.Project {
	rec := &state.Project{Name: opts.Project}
	if existing != nil {
		cp := *existing
		rec = &cp
	}
	rec.Status = state.StatusLaunching
	rec.AMI = imageID
	rec.InstanceID = aws.ToString(inst.InstanceId)
	rec.LastInstanceType = opts.InstanceType
	rec.LastKeyPair = opts.KeyPair
	rec.State = instanceStateName(inst)
	rec.LastUpdated = nowStamp()
	return rec
}

func (l *Launcher) recordRunning(ctx context.Context, existing *state.Project, opts Options, imageID string, inst *types.Instance, label string) error {
	if existing == nil {
		return l.store.PutProject(ctx, &state.Project{
			Name:               opts.Project,
			Status:             state.StatusRunning,
			AMI:                imageID,
			InstanceID:         aws.ToString(inst.InstanceId),
			VirtualizationType: string(inst.VirtualizationType),
			Architecture:       string(inst.Architecture),
			VolumeCount:        len(inst.BlockDeviceMappings),
			RootDeviceName:     aws.ToString(inst.RootDeviceName),
			InstanceType:       string(inst.InstanceType),
			LastInstanceType:   opts.InstanceType,
			LastKeyPair:        opts.KeyPair,
			LaunchTime:         launchTime(inst),
			LastUpdated:        nowStamp(),
			State:              instanceStateName(inst),
			PrivateIP:          aws.ToString(inst.PrivateIpAddress),
			PublicIP:           aws.ToString(inst.PublicIpAddress),
			CNAMEDomain:        label,
		})
	}
	return l.store.RecordLaunch(ctx, opts.Project, state.LaunchRecord{
		InstanceID:  aws.ToString(inst.InstanceId),
		AMI:         imageID,
		State:       instanceStateName(inst),
		PrivateIP:   aws.ToString(inst.PrivateIpAddress),
		PublicIP:    aws.ToString(inst.PublicIpAddress),
		CNAMEDomain: label,
		LastUpdated: nowStamp(),
	})
}

func instanceStateName(inst *types.Instance) string {
	if inst == nil || inst.State == nil {
		return ""
	}
	return string(inst.State.Name)
}

func instanceZone(inst *types.Instance, z zone) string {
	if inst.Placement != nil && aws.ToString(inst.Placement.AvailabilityZone) != "" {
		return aws.ToString(inst.Placement.AvailabilityZone)
	}
	return z.name
}

func launchTime(inst *types.Instance) string {
	if inst.LaunchTime == nil {
		return ""
	}
	return inst.LaunchTime.UTC().Format(time.RFC3339)
}

func recordUsername(rec *state.Project) string {
	if rec != nil && rec.Username != "" {
		return rec.Username
	}
	return defaultUsername
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// lifecycle implements the event-driven snapshot-to-AMI pipeline that
// preserves a devbox project's disks across instance terminations.
//
// Four handlers react to EventBridge notifications:
//
//  1. HandleInstanceShutdown - a tagged instance enters shutting-down:
//     snapshot every attached volume and mark the project SNAPSHOTTING.
//  2. HandleSnapshotCompleted - a snapshot finishes: track per-volume
//     completion and, once all volumes are done, retire the previous AMI
//     and register a new one (project becomes IMAGING).
//  3. HandleImageAvailable - the new AMI becomes available: drop the
//     per-volume bookkeeping and mark the project READY.
//  4. HandleVolumeAvailable - a volume detaches: delete it if its snapshot
//     completed, otherwise quarantine the project as ERROR.
//
// Handlers return nil for events that are not devbox's business (foreign
// resources, uninteresting states) so the Lambda runtime does not retry
// them; they return errors only for faults worth a retry or an alert.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/omsf-eco-infra/devbox/internal/state"
)

const (
	tagKeyProject   = "Project"
	tagKeyVolumeID  = "VolumeID"
	tagKeyManagedBy = "ManagedBy"

	// DefaultManagedBy marks AMIs this pipeline owns and may deregister.
	DefaultManagedBy = "devbox-lambda"

	defaultVolumeType = types.VolumeTypeGp3
)

// EC2API is the subset of the EC2 client the lifecycle uses.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	CreateSnapshot(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	RegisterImage(ctx context.Context, params *ec2.RegisterImageInput, optFns ...func(*ec2.Options)) (*ec2.RegisterImageOutput, error)
	DeregisterImage(ctx context.Context, params *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error)
	DeleteSnapshot(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
	DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
}

// Store is the record-store capability the lifecycle needs, satisfied by
// *state.Store.
type Store interface {
	GetProject(ctx context.Context, name string) (*state.Project, error)
	PutProject(ctx context.Context, p *state.Project) error
	SetProjectStatus(ctx context.Context, name string, status state.Status) error
	SetProjectImage(ctx context.Context, name, ami string, status state.Status) error
	FindProjectByImage(ctx context.Context, ami string) (*state.Project, error)
	FindProjectByInstance(ctx context.Context, instanceID string) (*state.Project, error)
	PutMeta(ctx context.Context, m *state.VolumeMeta) error
	MarkMetaCompleted(ctx context.Context, project, volumeID string) error
	MetasForProject(ctx context.Context, project string) ([]state.VolumeMeta, error)
	MetaBySnapshot(ctx context.Context, snapshotID string) ([]state.VolumeMeta, error)
	MetaByVolume(ctx context.Context, volumeID string) (*state.VolumeMeta, error)
	DeleteMeta(ctx context.Context, project, volumeID string) error
}

// Config tunes the lifecycle. The zero value is completed by New.
type Config struct {
	// ManagedByTag is the ManagedBy tag value stamped on registered AMIs;
	// only AMIs carrying it are deregistered during cleanup.
	ManagedByTag string

	// CleanupMaxAttempts and CleanupWaitInterval bound the wait for an AMI
	// deregistration to take effect.
	CleanupMaxAttempts  int
	CleanupWaitInterval time.Duration
}

// Lifecycle reacts to instance, snapshot, image, and volume events for
// devbox-managed projects.
type Lifecycle struct {
	ec2   EC2API
	store Store
	cfg   Config
}

func New(client EC2API, store Store, cfg Config) *Lifecycle {
	if cfg.ManagedByTag == "" {
		cfg.ManagedByTag = DefaultManagedBy
	}
	if cfg.CleanupMaxAttempts <= 0 {
		cfg.CleanupMaxAttempts = 12
	}
	if cfg.CleanupWaitInterval <= 0 {
		cfg.CleanupWaitInterval = 5 * time.Second
	}
	return &Lifecycle{ec2: client, store: store, cfg: cfg}
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

// isImageNotFound reports whether an EC2 error means the referenced AMI no
// longer exists. DescribeImages surfaces this as an API error rather than an
// empty result when the id is unknown to the region.
func isImageNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidAMIID.NotFound", "InvalidAMIID.Unavailable", "InvalidAMIID.Malformed":
			return true
		}
	}
	return false
}

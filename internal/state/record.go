// state holds the DynamoDB-backed records that track devbox projects and
// their in-flight volume snapshots.
//
// The main table is keyed by project name and carries the project's
// lifecycle status plus the instance attributes needed to rebuild an AMI.
// The meta table is keyed by project+volumeId, with a SnapshotIndex GSI on
// snapshotId, and tracks one row per volume snapshot until the cycle
// completes.
package state

// Status is the lifecycle status stored on a project record.
type Status string

const (
	// StatusLaunching and StatusRunning are written by the launch flow.
	StatusLaunching Status = "LAUNCHING"
	StatusRunning   Status = "RUNNING"

	// StatusSnapshotting through StatusReady are written by the snapshot
	// lifecycle handlers as a project's volumes move through snapshot,
	// image registration, and image availability.
	StatusSnapshotting Status = "SNAPSHOTTING"
	StatusImaging      Status = "IMAGING"
	StatusReady        Status = "READY"

	// StatusError quarantines a project whose volume detached before its
	// snapshot completed. Operator intervention is required.
	StatusError Status = "ERROR"
)

// InUse reports whether the status marks a project the lifecycle is still
// working on.
func (s Status) InUse() bool {
	switch s {
	case StatusLaunching, StatusSnapshotting, StatusImaging:
		return true
	default:
		return false
	}
}

// MetaState is the per-volume snapshot progress marker.
type MetaState string

const (
	MetaPending   MetaState = "PENDING"
	MetaCompleted MetaState = "COMPLETED"
)

// Project is a main-table record. Attribute names match the deployed table
// schema; the launch-flow attributes are optional.
type Project struct {
	Name               string `dynamodbav:"project"`
	Status             Status `dynamodbav:"Status"`
	AMI                string `dynamodbav:"AMI,omitempty"`
	BaseAMI            string `dynamodbav:"BaseAmi,omitempty"`
	RestoreAMI         string `dynamodbav:"RestoreAmi,omitempty"`
	VolumeCount        int    `dynamodbav:"VolumeCount"`
	RootDeviceName     string `dynamodbav:"RootDeviceName,omitempty"`
	Architecture       string `dynamodbav:"Architecture,omitempty"`
	VirtualizationType string `dynamodbav:"VirtualizationType,omitempty"`
	LastInstanceType   string `dynamodbav:"LastInstanceType,omitempty"`
	LastKeyPair        string `dynamodbav:"LastKeyPair,omitempty"`
	Username           string `dynamodbav:"Username,omitempty"`
	CNAMEDomain        string `dynamodbav:"CNAMEDomain,omitempty"`
	InstanceID         string `dynamodbav:"InstanceId,omitempty"`
	InstanceType       string `dynamodbav:"InstanceType,omitempty"`
	PrivateIP          string `dynamodbav:"PrivateIp,omitempty"`
	PublicIP           string `dynamodbav:"PublicIp,omitempty"`
	LaunchTime         string `dynamodbav:"LaunchTime,omitempty"`
	LastUpdated        string `dynamodbav:"LastUpdated,omitempty"`
	State              string `dynamodbav:"State,omitempty"`
}

// VolumeMeta is a meta-table record tracking one volume's snapshot.
type VolumeMeta struct {
	Project    string    `dynamodbav:"project"`
	VolumeID   string    `dynamodbav:"volumeId"`
	InstanceID string    `dynamodbav:"instanceId"`
	DeviceName string    `dynamodbav:"deviceName"`
	SnapshotID string    `dynamodbav:"snapshotId"`
	State      MetaState `dynamodbav:"State"`
}

package lifecycle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventBridge detail states the handlers act on. Everything else is logged
// and ignored.
const (
	instanceStateShuttingDown = "shutting-down"
	instanceStateTerminated   = "terminated"
	snapshotResultSucceeded   = "succeeded"
	imageStateAvailable       = "available"
	volumeStateAvailable      = "available"
)

var ErrEventDecode = fmt.Errorf("failed to decode event detail")

// InstanceStateDetail is the detail of an "EC2 Instance State-change
// Notification" event.
type InstanceStateDetail struct {
	InstanceID string `json:"instance-id"`
	State      string `json:"state"`
}

func ParseInstanceState(detail json.RawMessage) (InstanceStateDetail, error) {
	var d InstanceStateDetail
	if err := json.Unmarshal(detail, &d); err != nil {
		return InstanceStateDetail{}, fmt.Errorf("%w: %w", ErrEventDecode, err)
	}
	return d, nil
}

// SnapshotResultDetail is the detail of an "EBS Snapshot Notification"
// event. The snapshot_id field carries the full snapshot ARN.
type SnapshotResultDetail struct {
	SnapshotARN string `json:"snapshot_id"`
	Result      string `json:"result"`
}

func ParseSnapshotResult(detail json.RawMessage) (SnapshotResultDetail, error) {
	var d SnapshotResultDetail
	if err := json.Unmarshal(detail, &d); err != nil {
		return SnapshotResultDetail{}, fmt.Errorf("%w: %w", ErrEventDecode, err)
	}
	return d, nil
}

// SnapshotID returns the bare snap- id from the event's ARN.
func (d SnapshotResultDetail) SnapshotID() string {
	if i := strings.LastIndex(d.SnapshotARN, "/"); i >= 0 {
		return d.SnapshotARN[i+1:]
	}
	return d.SnapshotARN
}

// ImageStateDetail is the detail of an "EC2 AMI State Change" event.
type ImageStateDetail struct {
	ImageID string `json:"ImageId"`
	State   string `json:"State"`
}

func ParseImageState(detail json.RawMessage) (ImageStateDetail, error) {
	var d ImageStateDetail
	if err := json.Unmarshal(detail, &d); err != nil {
		return ImageStateDetail{}, fmt.Errorf("%w: %w", ErrEventDecode, err)
	}
	return d, nil
}

// VolumeStateDetail is the detail of an "EBS Volume Notification" event.
type VolumeStateDetail struct {
	VolumeID string `json:"volume-id"`
	State    string `json:"state"`
}

func ParseVolumeState(detail json.RawMessage) (VolumeStateDetail, error) {
	var d VolumeStateDetail
	if err := json.Unmarshal(detail, &d); err != nil {
		return VolumeStateDetail{}, fmt.Errorf("%w: %w", ErrEventDecode, err)
	}
	return d, nil
}

package launch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

// volumePlan builds the block device mappings for a launch from the image's
// own mappings, growing the largest volume to minSize when the image ships
// smaller. Images with no sized mappings get a fresh encrypted gp3 root.
func (l *Launcher) volumePlan(ctx context.Context, imageID string, minSize int32) ([]types.BlockDeviceMapping, error) {
	out, err := l.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrImageDescribe, imageID, err)
	}
	if len(out.Images) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}
	mappings := out.Images[0].BlockDeviceMappings

	largest := -1
	var largestSize int32
	for i, m := range mappings {
		if m.Ebs == nil || m.Ebs.VolumeSize == nil {
			continue
		}
		if size := aws.ToInt32(m.Ebs.VolumeSize); largest < 0 || size > largestSize {
			largest, largestSize = i, size
		}
	}

	if minSize > 0 && largestSize < minSize {
		log := clog.FromContext(ctx)
		if largest >= 0 {
			log.Info("growing largest volume", "image_id", imageID,
				"from_gib", largestSize, "to_gib", minSize)
			mappings[largest].Ebs.VolumeSize = aws.Int32(minSize)
			if mappings[largest].Ebs.VolumeType == "" {
				mappings[largest].Ebs.VolumeType = types.VolumeTypeGp3
			}
		} else {
			log.Info("image has no sized mappings, adding a root volume",
				"image_id", imageID, "size_gib", minSize)
			mappings = append(mappings, types.BlockDeviceMapping{
				DeviceName: aws.String("/dev/sda1"),
				Ebs: &types.EbsBlockDevice{
					VolumeSize:          aws.Int32(minSize),
					VolumeType:          types.VolumeTypeGp3,
					Encrypted:           aws.Bool(true),
					DeleteOnTermination: aws.Bool(true),
				},
			})
		}
	}
	return mappings, nil
}

package launch

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/clog"
)

// Launch template names embed their zone, e.g. devbox-us-east-1a-template.
var zoneNameRe = regexp.MustCompile(`[a-z]{2}-[a-z]+-\d+[a-z]`)

// zone pairs a launch template with the availability zone it targets.
type zone struct {
	templateID string
	name       string
}

// templateZones resolves the availability zone behind each launch template,
// trying the template name first and the template's subnet second. A zone
// that cannot be determined keeps a positional placeholder name so the
// template is still tried at launch.
func (l *Launcher) templateZones(ctx context.Context, templateIDs []string) []zone {
	log := clog.FromContext(ctx)

	zones := make([]zone, 0, len(templateIDs))
	for i, id := range templateIDs {
		z := zone{templateID: id, name: fmt.Sprintf("az-%d", i+1)}

		desc, err := l.ec2.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{
			LaunchTemplateIds: []string{id},
		})
		if err != nil {
			log.Warn("unable to describe launch template", "launch_template", id, "error", err)
			zones = append(zones, z)
			continue
		}
		if len(desc.LaunchTemplates) > 0 {
			if m := zoneNameRe.FindString(aws.ToString(desc.LaunchTemplates[0].LaunchTemplateName)); m != "" {
				z.name = m
			}
		}

		if name := l.templateSubnetZone(ctx, id); name != "" {
			z.name = name
		}
		zones = append(zones, z)
	}
	return zones
}

// templateSubnetZone reads the zone off the template's latest version: the
// subnet of its first network interface when one is pinned, otherwise the
// placement's availability zone. Returns "" when neither is set or the
// lookups fail.
func (l *Launcher) templateSubnetZone(ctx context.Context, templateID string) string {
	log := clog.FromContext(ctx)

	versions, err := l.ec2.DescribeLaunchTemplateVersions(ctx, &ec2.DescribeLaunchTemplateVersionsInput{
		LaunchTemplateId: aws.String(templateID),
		Versions:         []string{"$Latest"},
	})
	if err != nil {
		log.Warn("unable to describe launch template versions", "launch_template", templateID, "error", err)
		return ""
	}
	if len(versions.LaunchTemplateVersions) == 0 || versions.LaunchTemplateVersions[0].LaunchTemplateData == nil {
		return ""
	}
	data := versions.LaunchTemplateVersions[0].LaunchTemplateData

	subnetID := ""
	if len(data.NetworkInterfaces) > 0 {
		subnetID = aws.ToString(data.NetworkInterfaces[0].SubnetId)
	}
	if subnetID == "" {
		if data.Placement != nil {
			return aws.ToString(data.Placement.AvailabilityZone)
		}
		return ""
	}

	subnets, err := l.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: []string{subnetID}})
	if err != nil {
		log.Warn("unable to describe subnet", "subnet_id", subnetID, "error", err)
		return ""
	}
	if len(subnets.Subnets) == 0 {
		return ""
	}
	return aws.ToString(subnets.Subnets[0].AvailabilityZone)
}

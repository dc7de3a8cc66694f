package lifecycle

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/clog"

	"github.com/omsf-eco-infra/devbox/internal/dns"
	"github.com/omsf-eco-infra/devbox/internal/state"
)

// DNSCleanup removes the CNAME of a terminated devbox instance. It runs off
// the same instance state-change events as the snapshot handler but tolerates
// far more: by the time it fires the instance may already be gone, so every
// lookup has a fallback and only provider failures surface.
type DNSCleanup struct {
	ec2     EC2API
	store   Store
	manager *dns.Manager
}

func NewDNSCleanup(client EC2API, store Store, manager *dns.Manager) *DNSCleanup {
	return &DNSCleanup{ec2: client, store: store, manager: manager}
}

// HandleInstanceTerminated deletes the project's CNAME once its instance is
// shutting down or terminated.
func (c *DNSCleanup) HandleInstanceTerminated(ctx context.Context, detail InstanceStateDetail) error {
	log := clog.FromContext(ctx)

	instanceState := strings.ToLower(detail.State)
	if instanceState != instanceStateShuttingDown && instanceState != instanceStateTerminated {
		log.Debug("ignoring non-termination state", "instance_id", detail.InstanceID, "state", detail.State)
		return nil
	}
	if detail.InstanceID == "" {
		log.Warn("termination event carries no instance id")
		return nil
	}
	log = log.With("instance_id", detail.InstanceID)

	project := c.instanceProject(ctx, detail.InstanceID)

	var rec *state.Project
	if project != "" {
		var err error
		rec, err = c.store.GetProject(ctx, project)
		if err != nil {
			log.Warn("failed to load project record", "project", project, "error", err)
			rec = nil
		}
	}
	if rec == nil {
		var err error
		rec, err = c.store.FindProjectByInstance(ctx, detail.InstanceID)
		if err != nil {
			return err
		}
		if rec != nil && project == "" {
			project = rec.Name
		}
	}
	if rec == nil {
		log.Info("no devbox project for instance")
		return nil
	}
	log = log.With("project", project)

	storedName := strings.TrimSpace(rec.CNAMEDomain)
	if storedName == "" {
		log.Info("no cname recorded, nothing to clean up")
		return nil
	}

	if !c.manager.Enabled() {
		log.Info("dns provider not configured, skipping cleanup", "stored", storedName)
		return nil
	}

	subdomain := dns.NormalizeSubdomain(storedName)
	if subdomain == "" {
		log.Warn("stored dns value cannot be normalized, skipping cleanup", "stored", storedName)
		return nil
	}

	if project == "" {
		project = subdomain
	}
	deleted, err := c.manager.RemoveProjectCNAME(ctx, project, subdomain)
	if err != nil {
		return err
	}
	if deleted {
		log.Info("deleted cname record", "subdomain", subdomain)
	} else {
		log.Info("cname record already absent", "subdomain", subdomain)
	}
	return nil
}

// instanceProject reads the instance's Project tag. Terminated instances
// disappear from the API quickly, so describe failures just mean falling
// back to the record scan.
func (c *DNSCleanup) instanceProject(ctx context.Context, instanceID string) string {
	log := clog.FromContext(ctx)

	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		log.Warn("unable to describe instance", "instance_id", instanceID, "error", err)
		return ""
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if project := strings.TrimSpace(tagValue(inst.Tags, tagKeyProject)); project != "" {
				return project
			}
		}
	}
	return ""
}

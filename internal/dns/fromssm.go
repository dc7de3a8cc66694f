package dns

import (
	"context"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/omsf-eco-infra/devbox/internal/params"
)

// ManagerFromSSM builds a Manager from the deployment's SSM parameters:
//
//	<prefix>/dns/provider                  "cloudflare", "route53", or "none"
//	<prefix>/dns/zone                      zone records are created in
//	<prefix>/dns/route53/zoneId            hosted zone id (route53 only)
//	<prefix>/secrets/cloudflare/apiToken   api token (cloudflare only)
//	<prefix>/secrets/cloudflare/zoneId     zone id (cloudflare only)
//
// Missing or incomplete configuration disables DNS rather than failing; only
// SSM transport errors surface.
func ManagerFromSSM(ctx context.Context, p *params.Client, route53Client Route53API) (*Manager, error) {
	log := clog.FromContext(ctx)

	provider, err := p.GetOptional(ctx, "dns/provider")
	if err != nil {
		return nil, err
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || provider == "none" {
		log.Info("dns provider not configured, dns disabled")
		return NewManager(nil), nil
	}

	zoneName, err := p.GetOptional(ctx, "dns/zone")
	if err != nil {
		return nil, err
	}
	zoneName = strings.TrimSuffix(strings.TrimSpace(zoneName), ".")
	if zoneName == "" {
		log.Warn("dns zone parameter missing, dns disabled")
		return NewManager(nil), nil
	}

	switch provider {
	case "cloudflare":
		apiToken, err := p.GetOptional(ctx, "secrets/cloudflare/apiToken")
		if err != nil {
			return nil, err
		}
		zoneID, err := p.GetOptional(ctx, "secrets/cloudflare/zoneId")
		if err != nil {
			return nil, err
		}
		apiToken = strings.TrimSpace(apiToken)
		zoneID = strings.TrimSpace(zoneID)
		if apiToken == "" || zoneID == "" {
			log.Warn("cloudflare configuration incomplete, dns disabled")
			return NewManager(nil), nil
		}
		return NewManager(NewCloudflareProvider(apiToken, zoneID, zoneName)), nil

	case "route53":
		zoneID, err := p.GetOptional(ctx, "dns/route53/zoneId")
		if err != nil {
			return nil, err
		}
		zoneID = strings.TrimSpace(zoneID)
		if zoneID == "" {
			log.Warn("route53 hosted zone id missing, dns disabled", "zone", zoneName)
			return NewManager(nil), nil
		}
		return NewManager(NewRoute53Provider(route53Client, zoneID, zoneName)), nil
	}

	log.Warn("unknown dns provider, dns disabled", "provider", provider)
	return NewManager(nil), nil
}

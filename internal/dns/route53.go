package dns

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
)

var ErrRoute53 = fmt.Errorf("route53 request failed")

// Route53API is the subset of the Route53 client the provider uses.
type Route53API interface {
	ListResourceRecordSets(ctx context.Context, params *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
	ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// Route53Provider manages CNAME records in a Route53 hosted zone.
type Route53Provider struct {
	client   Route53API
	zoneID   string
	zoneName string
}

func NewRoute53Provider(client Route53API, zoneID, zoneName string) *Route53Provider {
	return &Route53Provider{
		client:   client,
		zoneID:   zoneID,
		zoneName: strings.TrimSuffix(zoneName, "."),
	}
}

func (p *Route53Provider) ZoneName() string {
	return p.zoneName
}

func (p *Route53Provider) fqdn(subdomain string) string {
	return subdomain + "." + p.zoneName
}

func (p *Route53Provider) GetCNAME(ctx context.Context, subdomain string) (*Record, error) {
	name := p.fqdn(subdomain)
	out, err := p.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(p.zoneID),
		StartRecordName: aws.String(name),
		StartRecordType: types.RRTypeCname,
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get cname %s: %w", ErrRoute53, name, err)
	}
	if len(out.ResourceRecordSets) == 0 {
		return nil, nil
	}

	// Route53 lists from the start name onward; the first record may be a
	// different name entirely.
	record := out.ResourceRecordSets[0]
	if strings.TrimSuffix(aws.ToString(record.Name), ".") != name {
		return nil, nil
	}

	target := ""
	if len(record.ResourceRecords) > 0 {
		target = strings.TrimSuffix(aws.ToString(record.ResourceRecords[0].Value), ".")
	}
	return &Record{
		Name:   name,
		Target: target,
		TTL:    aws.ToInt64(record.TTL),
	}, nil
}

func (p *Route53Provider) CreateCNAME(ctx context.Context, subdomain, target string) (*Record, error) {
	name := p.fqdn(subdomain)
	_, err := p.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(p.zoneID),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{{
				Action: types.ChangeActionUpsert,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name: aws.String(name),
					Type: types.RRTypeCname,
					TTL:  aws.Int64(DefaultTTL),
					ResourceRecords: []types.ResourceRecord{
						{Value: aws.String(target)},
					},
				},
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: upsert cname %s: %w", ErrRoute53, name, err)
	}
	return &Record{Name: name, Target: target, TTL: DefaultTTL}, nil
}

func (p *Route53Provider) DeleteCNAME(ctx context.Context, subdomain string) (bool, error) {
	existing, err := p.GetCNAME(ctx, subdomain)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}

	ttl := existing.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	_, err = p.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(p.zoneID),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{{
				Action: types.ChangeActionDelete,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name: aws.String(existing.Name),
					Type: types.RRTypeCname,
					TTL:  aws.Int64(ttl),
					ResourceRecords: []types.ResourceRecord{
						{Value: aws.String(existing.Target)},
					},
				},
			}},
		},
	})
	if err != nil {
		return false, fmt.Errorf("%w: delete cname %s: %w", ErrRoute53, existing.Name, err)
	}
	return true, nil
}

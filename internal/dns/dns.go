// Package dns manages the CNAME records that point a project's friendly
// name at its current EC2 instance. Records live in a single zone served by
// either Cloudflare or Route53; which one is a deployment choice read from
// SSM Parameter Store.
package dns

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"
)

// DefaultTTL is applied to every record devbox creates.
const DefaultTTL int64 = 300

var (
	ErrInvalidSubdomain = fmt.Errorf("invalid subdomain")

	subdomainPattern = regexp.MustCompile(`^[a-z0-9-]+$`)
	dashRuns         = regexp.MustCompile(`-{2,}`)
)

// Record is a provider-agnostic CNAME record.
type Record struct {
	// Name is the fully qualified record name.
	Name   string
	Target string
	TTL    int64
	// ProviderID is the provider-native record id, where the provider
	// exposes one.
	ProviderID string
}

// Provider implementations manage CNAME records within one hosted zone.
type Provider interface {
	ZoneName() string
	GetCNAME(ctx context.Context, subdomain string) (*Record, error)
	CreateCNAME(ctx context.Context, subdomain, target string) (*Record, error)
	DeleteCNAME(ctx context.Context, subdomain string) (bool, error)
}

// SanitizeName turns a project name into a DNS-safe subdomain label. Unlike
// NormalizeSubdomain it treats its input as trusted enough to clean up
// (underscores become hyphens, runs collapse) but still rejects characters
// that cannot appear in a label.
func SanitizeName(name string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, "_", "-")
	if !subdomainPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q must contain only letters, numbers, and hyphens", ErrInvalidSubdomain, name)
	}
	s = dashRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "", fmt.Errorf("%w: %q is empty after sanitization", ErrInvalidSubdomain, name)
	}
	if len(s) > 63 {
		return "", fmt.Errorf("%w: %q exceeds 63 characters", ErrInvalidSubdomain, name)
	}
	return s, nil
}

// NormalizeSubdomain validates a user- or store-supplied subdomain label and
// returns its canonical form, or "" when the value is unusable. Dotted names
// are rejected: the store holds bare labels, never fully qualified names.
func NormalizeSubdomain(subdomain string) string {
	candidate := strings.ToLower(strings.TrimSpace(subdomain))
	if candidate == "" || strings.Contains(candidate, ".") {
		return ""
	}
	s, err := SanitizeName(candidate)
	if err != nil {
		return ""
	}
	return s
}

// Manager dispatches CNAME operations to the configured provider. A nil
// provider means DNS is not configured for this deployment; operations
// log and do nothing.
type Manager struct {
	provider Provider
}

func NewManager(provider Provider) *Manager {
	return &Manager{provider: provider}
}

// Enabled reports whether a provider is configured.
func (m *Manager) Enabled() bool {
	return m != nil && m.provider != nil
}

// subdomainFor derives the label for a project: the custom subdomain when
// one is given, the sanitized project name otherwise.
func subdomainFor(project, customSubdomain string) (string, error) {
	if customSubdomain == "" {
		return SanitizeName(project)
	}
	s := NormalizeSubdomain(customSubdomain)
	if s == "" {
		return "", fmt.Errorf("%w: %q must be a bare label without domain suffixes", ErrInvalidSubdomain, customSubdomain)
	}
	return s, nil
}

// AssignInstanceCNAME creates (or updates) the project's CNAME to point at
// the instance's public DNS name and returns the fully qualified name. With
// DNS unconfigured it returns "" and no error.
func (m *Manager) AssignInstanceCNAME(ctx context.Context, project, instancePublicDNS, customSubdomain string) (string, error) {
	log := clog.FromContext(ctx)
	if !m.Enabled() {
		log.Info("dns not configured, skipping cname assignment")
		return "", nil
	}

	subdomain, err := subdomainFor(project, customSubdomain)
	if err != nil {
		return "", err
	}
	record, err := m.provider.CreateCNAME(ctx, subdomain, instancePublicDNS)
	if err != nil {
		return "", err
	}
	return record.Name, nil
}

// RemoveProjectCNAME deletes the project's CNAME if it exists, reporting
// whether a record was removed.
func (m *Manager) RemoveProjectCNAME(ctx context.Context, project, customSubdomain string) (bool, error) {
	log := clog.FromContext(ctx)
	if !m.Enabled() {
		log.Info("dns not configured, skipping cname removal")
		return false, nil
	}

	subdomain, err := subdomainFor(project, customSubdomain)
	if err != nil {
		return false, err
	}
	return m.provider.DeleteCNAME(ctx, subdomain)
}

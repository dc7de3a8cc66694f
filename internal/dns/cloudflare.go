package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const cloudflareAPIBase = "https://api.cloudflare.com/client/v4"

var ErrCloudflareAPI = fmt.Errorf("cloudflare api request failed")

// CloudflareProvider manages CNAME records through the Cloudflare v4 REST
// API. Rate-limited and transiently failing requests are retried by the
// underlying client.
type CloudflareProvider struct {
	apiToken string
	zoneID   string
	zoneName string
	baseURL  string
	client   *retryablehttp.Client
}

// CloudflareOption adjusts a CloudflareProvider, mainly for tests.
type CloudflareOption func(*CloudflareProvider)

func WithBaseURL(base string) CloudflareOption {
	return func(p *CloudflareProvider) { p.baseURL = base }
}

func WithHTTPClient(client *retryablehttp.Client) CloudflareOption {
	return func(p *CloudflareProvider) { p.client = client }
}

func NewCloudflareProvider(apiToken, zoneID, zoneName string, opts ...CloudflareOption) *CloudflareProvider {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 1 * time.Second
	client.Logger = nil

	p := &CloudflareProvider{
		apiToken: apiToken,
		zoneID:   zoneID,
		zoneName: strings.TrimSuffix(zoneName, "."),
		baseURL:  cloudflareAPIBase,
		client:   client,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *CloudflareProvider) ZoneName() string {
	return p.zoneName
}

func (p *CloudflareProvider) fqdn(subdomain string) string {
	return subdomain + "." + p.zoneName
}

type cloudflareEnvelope struct {
	Success bool              `json:"success"`
	Errors  []cloudflareError `json:"errors"`
	Result  json.RawMessage   `json:"result"`
}

type cloudflareError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cloudflareRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int64  `json:"ttl"`
}

type cloudflareRecordBody struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int64  `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

func (p *CloudflareProvider) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var rawBody any
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCloudflareAPI, err)
		}
		rawBody = bytes.NewReader(buf)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, p.baseURL+path, rawBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCloudflareAPI, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCloudflareAPI, err)
	}
	defer resp.Body.Close()

	var envelope cloudflareEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: status %d: %w", ErrCloudflareAPI, resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices || !envelope.Success {
		msg := "unknown error"
		if len(envelope.Errors) > 0 {
			msg = envelope.Errors[0].Message
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrCloudflareAPI, resp.StatusCode, msg)
	}
	return envelope.Result, nil
}

func (p *CloudflareProvider) GetCNAME(ctx context.Context, subdomain string) (*Record, error) {
	name := p.fqdn(subdomain)
	query := url.Values{}
	query.Set("type", "CNAME")
	query.Set("name", name)

	result, err := p.do(ctx, http.MethodGet, fmt.Sprintf("/zones/%s/dns_records?%s", p.zoneID, query.Encode()), nil)
	if err != nil {
		return nil, err
	}

	var records []cloudflareRecord
	if err := json.Unmarshal(result, &records); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCloudflareAPI, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &Record{
		Name:       records[0].Name,
		Target:     records[0].Content,
		TTL:        records[0].TTL,
		ProviderID: records[0].ID,
	}, nil
}

// CreateCNAME upserts the record: an existing record with the same target is
// reused, one with a different target is updated in place.
func (p *CloudflareProvider) CreateCNAME(ctx context.Context, subdomain, target string) (*Record, error) {
	existing, err := p.GetCNAME(ctx, subdomain)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Target == target {
		return existing, nil
	}

	name := p.fqdn(subdomain)
	body := cloudflareRecordBody{
		Type:    "CNAME",
		Name:    name,
		Content: target,
		TTL:     DefaultTTL,
		Proxied: false,
	}

	method := http.MethodPost
	path := fmt.Sprintf("/zones/%s/dns_records", p.zoneID)
	if existing != nil && existing.ProviderID != "" {
		method = http.MethodPut
		path = fmt.Sprintf("/zones/%s/dns_records/%s", p.zoneID, existing.ProviderID)
	}

	result, err := p.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	var record cloudflareRecord
	if err := json.Unmarshal(result, &record); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCloudflareAPI, err)
	}

	out := &Record{Name: name, Target: target, TTL: DefaultTTL}
	if record.Name != "" {
		out.Name = record.Name
	}
	if record.Content != "" {
		out.Target = record.Content
	}
	if record.TTL != 0 {
		out.TTL = record.TTL
	}
	out.ProviderID = record.ID
	if out.ProviderID == "" && existing != nil {
		out.ProviderID = existing.ProviderID
	}
	return out, nil
}

func (p *CloudflareProvider) DeleteCNAME(ctx context.Context, subdomain string) (bool, error) {
	existing, err := p.GetCNAME(ctx, subdomain)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.ProviderID == "" {
		return false, nil
	}

	if _, err := p.do(ctx, http.MethodDelete, fmt.Sprintf("/zones/%s/dns_records/%s", p.zoneID, existing.ProviderID), nil); err != nil {
		return false, err
	}
	return true, nil
}

// Package params resolves devbox configuration from SSM Parameter Store.
// All parameters live under a common prefix, /devbox by default.
package params

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

const DefaultPrefix = "/devbox"

var (
	ErrParameterGet      = fmt.Errorf("failed to get ssm parameter")
	ErrParameterDecode   = fmt.Errorf("failed to decode ssm parameter")
	ErrNoLaunchTemplates = fmt.Errorf("no launch templates configured")
)

// SSMAPI is the subset of the SSM client used here.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Client reads parameters beneath a single prefix.
type Client struct {
	ssm    SSMAPI
	prefix string
}

// New normalizes the prefix to a leading slash and no trailing one, so both
// "devbox" and "/devbox/" address the same tree.
func New(api SSMAPI, prefix string) *Client {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	prefix = "/" + strings.Trim(prefix, "/")
	return &Client{ssm: api, prefix: prefix}
}

func (c *Client) name(param string) string {
	return c.prefix + "/" + param
}

// Get returns the decrypted value of the named parameter.
func (c *Client) Get(ctx context.Context, param string) (string, error) {
	out, err := c.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(c.name(param)),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrParameterGet, c.name(param), err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("%w: %s: empty response", ErrParameterGet, c.name(param))
	}
	return aws.ToString(out.Parameter.Value), nil
}

// GetOptional is Get for parameters that may legitimately be absent; a
// missing parameter yields "" rather than an error.
func (c *Client) GetOptional(ctx context.Context, param string) (string, error) {
	v, err := c.Get(ctx, param)
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", err
	}
	return v, nil
}

// TableNames resolves the main and meta DynamoDB table names. Deployments
// predating the metaTable parameter derive the meta table name from the
// main one.
func (c *Client) TableNames(ctx context.Context) (main, meta string, err error) {
	main, err = c.Get(ctx, "snapshotTable")
	if err != nil {
		return "", "", err
	}
	meta, err = c.GetOptional(ctx, "metaTable")
	if err != nil {
		return "", "", err
	}
	if meta == "" {
		meta = main + "-meta"
	}
	return main, meta, nil
}

// LaunchTemplateIDs returns the configured launch template ids, one per
// availability zone. The parameter is JSON: a plain list as Terraform writes
// it, or the legacy name-to-id object whose values are returned in name
// order.
func (c *Client) LaunchTemplateIDs(ctx context.Context) ([]string, error) {
	raw, err := c.Get(ctx, "launchTemplateIds")
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err == nil {
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoLaunchTemplates, c.name("launchTemplateIds"))
		}
		return ids, nil
	}

	var legacy map[string]string
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParameterDecode, c.name("launchTemplateIds"), err)
	}
	if len(legacy) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoLaunchTemplates, c.name("launchTemplateIds"))
	}
	names := make([]string, 0, len(legacy))
	for name := range legacy {
		names = append(names, name)
	}
	sort.Strings(names)
	ids = make([]string, 0, len(legacy))
	for _, name := range names {
		ids = append(ids, legacy[name])
	}
	return ids, nil
}

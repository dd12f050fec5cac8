// Package docker adapts the engine API into the typed image, container,
// network, and log operations the lifecycle pipelines drive.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/sungreong/openstream-gallery/internal/fault"
)

// AppPort is the fixed Streamlit port every app container exposes.
const AppPort = "8501"

// Container labels identifying platform-owned resources.
const (
	LabelOwned     = "platform.owned"
	LabelAppID     = "platform.app_id"
	LabelAppName   = "platform.app_name"
	LabelSubdomain = "platform.subdomain"
	LabelImage     = "platform.image"
)

// ContainerName returns the canonical container name for a subdomain.
func ContainerName(subdomain string) string {
	return "app-" + subdomain
}

// ImageTag returns the canonical image tag for a subdomain at a commit.
func ImageTag(subdomain, shortCommit string) string {
	return fmt.Sprintf("app-%s:%s", subdomain, shortCommit)
}

// AppLabels builds the label set every app container must carry.
func AppLabels(appID int64, appName, subdomain, imageTag string) map[string]string {
	return map[string]string{
		LabelOwned:     "true",
		LabelAppID:     fmt.Sprintf("%d", appID),
		LabelAppName:   appName,
		LabelSubdomain: subdomain,
		LabelImage:     imageTag,
	}
}

// Client wraps the engine SDK client.
type Client struct {
	inner *client.Client
}

// New creates a client against the given host, falling back to environment
// defaults when empty.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the engine daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return transportErr("docker ping", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// EnsureNetwork creates the shared application network when it is missing.
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("network name cannot be empty")
	}
	_, err := c.inner.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return transportErr("inspect network", err)
	}
	if _, err := c.inner.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
		return transportErr("create network", err)
	}
	return nil
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// transportErr classifies daemon connectivity failures as transient so the
// task engine retries them; everything else passes through wrapped.
func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return fault.Wrap(fault.KindTransient, err, "%s", op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

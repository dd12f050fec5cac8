package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/sungreong/openstream-gallery/internal/fault"
)

// ContainerSpec describes an app container start request.
type ContainerSpec struct {
	Name          string
	Image         string
	Labels        map[string]string
	Network       string
	Env           []string
	RestartPolicy string
}

// State summarizes a container inspection.
type State struct {
	ID        string
	Name      string
	Running   bool
	Status    string
	Health    string
	ExitCode  int
	StartedAt time.Time
	Networks  []string
	Labels    map[string]string
}

// Summary describes one platform-owned container.
type Summary struct {
	ID        string
	Name      string
	AppID     int64
	Subdomain string
	Image     string
	State     string
	Status    string
}

// StartAppContainer creates and starts a container on the shared application
// network. Starting is idempotent with respect to the name: a leftover
// container with the same name is removed first.
func (c *Client) StartAppContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image reference cannot be empty")
	}
	if err := c.RemoveContainer(ctx, spec.Name); err != nil {
		return "", err
	}

	appPort := nat.Port(AppPort + "/tcp")
	config := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{appPort: struct{}{}},
	}
	policy := spec.RestartPolicy
	if policy == "" {
		policy = string(container.RestartPolicyUnlessStopped)
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(policy)},
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}},
		}
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", transportErr("container create", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", transportErr("container start", err)
	}
	return created.ID, nil
}

// StopContainer stops a container gracefully, escalating to kill after
// timeout seconds. Missing containers are treated as already stopped.
func (c *Client) StopContainer(ctx context.Context, nameOrID string, timeoutSeconds int) error {
	if strings.TrimSpace(nameOrID) == "" {
		return fmt.Errorf("container reference cannot be empty")
	}
	opts := container.StopOptions{}
	if timeoutSeconds > 0 {
		opts.Timeout = &timeoutSeconds
	}
	if err := c.inner.ContainerStop(ctx, nameOrID, opts); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return transportErr("container stop", err)
	}
	return nil
}

// RemoveContainer force-removes a container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, nameOrID string) error {
	if strings.TrimSpace(nameOrID) == "" {
		return fmt.Errorf("container reference cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return transportErr("container remove", err)
	}
	return nil
}

// InspectContainer returns runtime state for a container, or ErrNotFound.
func (c *Client) InspectContainer(ctx context.Context, nameOrID string) (State, error) {
	if strings.TrimSpace(nameOrID) == "" {
		return State{}, fmt.Errorf("container reference cannot be empty")
	}
	inspect, err := c.inner.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return State{}, ErrNotFound
		}
		return State{}, transportErr("container inspect", err)
	}

	state := State{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.Config != nil {
		state.Labels = inspect.Config.Labels
	}
	if inspect.State != nil {
		state.Running = inspect.State.Running
		state.Status = inspect.State.Status
		state.ExitCode = inspect.State.ExitCode
		if inspect.State.Health != nil {
			state.Health = inspect.State.Health.Status
		}
		if started, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			state.StartedAt = started
		}
	}
	if inspect.NetworkSettings != nil {
		for name := range inspect.NetworkSettings.Networks {
			state.Networks = append(state.Networks, name)
		}
	}
	return state, nil
}

// WaitHealthy polls the container until its healthcheck reports healthy. A
// container without a declared healthcheck counts as healthy once running.
// The caller bounds the wait through ctx.
func (c *Client) WaitHealthy(ctx context.Context, nameOrID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		state, err := c.InspectContainer(ctx, nameOrID)
		if err != nil {
			return err
		}
		if !state.Running {
			if state.ExitCode != 0 {
				return fault.New(fault.KindDeployFailure, "container exited with code %d", state.ExitCode)
			}
			return fault.New(fault.KindDeployFailure, "container is not running")
		}
		switch state.Health {
		case "healthy", "":
			return nil
		case "unhealthy":
			return fault.New(fault.KindDeployFailure, "container reported unhealthy")
		}

		select {
		case <-ctx.Done():
			return fault.Wrap(fault.KindDeployFailure, ctx.Err(), "health check timed out")
		case <-ticker.C:
		}
	}
}

// ContainerLogs returns up to tail lines of demuxed container output. The
// read is finite; callers may re-invoke for fresher lines.
func (c *Client) ContainerLogs(ctx context.Context, nameOrID string, tail int) ([]string, error) {
	if strings.TrimSpace(nameOrID) == "" {
		return nil, fmt.Errorf("container reference cannot be empty")
	}
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	reader, err := c.inner.ContainerLogs(ctx, nameOrID, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, transportErr("container logs", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return nil, fmt.Errorf("demux container logs: %w", err)
	}
	text := strings.TrimRight(buf.String(), "\n")
	if text == "" {
		return []string{}, nil
	}
	return strings.Split(text, "\n"), nil
}

// ListAppContainers returns every container carrying the platform ownership
// label, running or not.
func (c *Client) ListAppContainers(ctx context.Context) ([]Summary, error) {
	opts := container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelOwned+"=true")),
	}
	containers, err := c.inner.ContainerList(ctx, opts)
	if err != nil {
		return nil, transportErr("list containers", err)
	}

	summaries := make([]Summary, 0, len(containers))
	for _, ctr := range containers {
		summary := Summary{
			ID:        ctr.ID,
			Image:     ctr.Image,
			Subdomain: ctr.Labels[LabelSubdomain],
			State:     ctr.State,
			Status:    ctr.Status,
		}
		if len(ctr.Names) > 0 {
			summary.Name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		if raw, ok := ctr.Labels[LabelAppID]; ok {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				summary.AppID = id
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// CleanupOrphans removes platform-owned containers whose app id is absent
// from activeIDs. Containers with a missing or unparsable app id label claim
// ownership without an identity and are removed as well.
func (c *Client) CleanupOrphans(ctx context.Context, activeIDs []int64) ([]string, error) {
	active := make(map[int64]bool, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = true
	}

	summaries, err := c.ListAppContainers(ctx)
	if err != nil {
		return nil, err
	}

	removed := make([]string, 0)
	for _, summary := range summaries {
		if summary.AppID != 0 && active[summary.AppID] {
			continue
		}
		if err := c.RemoveContainer(ctx, summary.ID); err != nil {
			return removed, fmt.Errorf("remove orphan %s: %w", summary.Name, err)
		}
		removed = append(removed, summary.Name)
	}
	return removed, nil
}

// ExecContainer runs a command inside a container and returns its exit code
// and combined output.
func (c *Client) ExecContainer(ctx context.Context, nameOrID string, cmd []string) (int, string, error) {
	if strings.TrimSpace(nameOrID) == "" {
		return 0, "", fmt.Errorf("container reference cannot be empty")
	}
	if len(cmd) == 0 {
		return 0, "", fmt.Errorf("exec command cannot be empty")
	}

	created, err := c.inner.ContainerExecCreate(ctx, nameOrID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return 0, "", ErrNotFound
		}
		return 0, "", transportErr("exec create", err)
	}

	attach, err := c.inner.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, "", transportErr("exec attach", err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, attach.Reader); err != nil {
		return 0, "", fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := c.inner.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, "", transportErr("exec inspect", err)
	}
	return inspect.ExitCode, buf.String(), nil
}

// KillContainer delivers a signal to a running container.
func (c *Client) KillContainer(ctx context.Context, nameOrID, signal string) error {
	if strings.TrimSpace(nameOrID) == "" {
		return fmt.Errorf("container reference cannot be empty")
	}
	if err := c.inner.ContainerKill(ctx, nameOrID, signal); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return transportErr("container kill", err)
	}
	return nil
}

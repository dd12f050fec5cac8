package docker

import (
	"context"
)

// EngineStatus summarizes the daemon for the admin surface.
type EngineStatus struct {
	ServerVersion string `json:"server_version"`
	APIVersion    string `json:"api_version"`
	OSType        string `json:"os_type"`
	Architecture  string `json:"architecture"`
	Containers    int    `json:"containers"`
	Running       int    `json:"containers_running"`
	Paused        int    `json:"containers_paused"`
	Stopped       int    `json:"containers_stopped"`
	Images        int    `json:"images"`
}

// Status reports daemon version and resource counts.
func (c *Client) Status(ctx context.Context) (EngineStatus, error) {
	info, err := c.inner.Info(ctx)
	if err != nil {
		return EngineStatus{}, transportErr("docker info", err)
	}
	version, err := c.inner.ServerVersion(ctx)
	if err != nil {
		return EngineStatus{}, transportErr("docker version", err)
	}
	return EngineStatus{
		ServerVersion: version.Version,
		APIVersion:    version.APIVersion,
		OSType:        info.OSType,
		Architecture:  info.Architecture,
		Containers:    info.Containers,
		Running:       info.ContainersRunning,
		Paused:        info.ContainersPaused,
		Stopped:       info.ContainersStopped,
		Images:        info.Images,
	}, nil
}

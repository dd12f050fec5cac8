package ingress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sungreong/openstream-gallery/internal/docker"
)

// ReloadResult reports whether the proxy accepted its configuration.
type ReloadResult struct {
	Valid  bool
	Errors string
}

// Reloader asks the proxy to test, and optionally apply, its configuration.
type Reloader interface {
	// Test runs a syntax check without applying anything.
	Test(ctx context.Context) (ReloadResult, error)
	// Reload tests the configuration and applies it when valid.
	Reload(ctx context.Context) (ReloadResult, error)
}

// DockerReloader validates config with nginx -t inside the proxy container
// and delivers SIGHUP on success.
type DockerReloader struct {
	engine    docker.Engine
	container string
	timeout   time.Duration
}

// NewDockerReloader targets the named proxy container. timeout bounds each
// exec against the proxy; zero means no bound beyond the caller's context.
func NewDockerReloader(engine docker.Engine, container string, timeout time.Duration) (*DockerReloader, error) {
	container = strings.TrimSpace(container)
	if container == "" {
		return nil, fmt.Errorf("proxy container name required")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	return &DockerReloader{engine: engine, container: container, timeout: timeout}, nil
}

// Test runs nginx -t inside the proxy container.
func (r *DockerReloader) Test(ctx context.Context) (ReloadResult, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	code, output, err := r.engine.ExecContainer(ctx, r.container, []string{"nginx", "-t"})
	if err != nil {
		return ReloadResult{}, fmt.Errorf("test proxy config: %w", err)
	}
	if code != 0 {
		return ReloadResult{Valid: false, Errors: strings.TrimSpace(output)}, nil
	}
	return ReloadResult{Valid: true}, nil
}

// Reload applies the configuration with SIGHUP after a successful test. An
// invalid configuration is reported, not signalled.
func (r *DockerReloader) Reload(ctx context.Context) (ReloadResult, error) {
	result, err := r.Test(ctx)
	if err != nil || !result.Valid {
		return result, err
	}
	signalCtx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.engine.KillContainer(signalCtx, r.container, "HUP"); err != nil {
		return ReloadResult{}, fmt.Errorf("signal proxy reload: %w", err)
	}
	return result, nil
}

func (r *DockerReloader) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

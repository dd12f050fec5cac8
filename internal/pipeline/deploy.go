package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sungreong/openstream-gallery/internal/docker"
	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/fault"
	"github.com/sungreong/openstream-gallery/internal/repository"
	"github.com/sungreong/openstream-gallery/internal/task"
)

// DeployPipeline starts the app's built image as its container, waits for it
// to become healthy and routes it through the proxy. Any failure before the
// app goes live rolls the partial work back.
type DeployPipeline struct {
	base
}

// NewDeployPipeline wires the deploy runner.
func NewDeployPipeline(deps Deps) *DeployPipeline {
	return &DeployPipeline{base{deps.normalized()}}
}

type deployState struct {
	app             *domain.App
	containerID     string
	replacedOld     bool
	fragmentWritten bool
	committed       bool
}

// Run executes one deploy attempt.
func (p *DeployPipeline) Run(ctx context.Context, exec *task.Execution) (err error) {
	app, err := p.loadApp(ctx, exec.Task.AppID)
	if err != nil {
		return err
	}
	state := &deployState{app: app}
	defer func() { p.finish(exec, state, err) }()

	if err = exec.Checkpoint(ctx, 0, 100, "starting deployment"); err != nil {
		return err
	}
	if err = p.setStatus(ctx, app.ID, domain.AppStatusDeploying); err != nil {
		return err
	}

	if app.ImageTag == "" {
		return fault.New(fault.KindDeployFailure, "no built image recorded for app %d", app.ID)
	}
	exists, err := p.Docker.ImageExists(ctx, app.ImageTag)
	if err != nil {
		return err
	}
	if !exists {
		return fault.New(fault.KindDeployFailure, "image %s is missing from the engine", app.ImageTag)
	}

	if err = exec.Checkpoint(ctx, 30, 100, "starting container"); err != nil {
		return err
	}

	name := docker.ContainerName(app.Subdomain)
	if err = p.Docker.RemoveContainer(ctx, name); err != nil {
		return err
	}
	state.replacedOld = true

	state.containerID, err = p.Docker.StartAppContainer(ctx, docker.ContainerSpec{
		Name:    name,
		Image:   app.ImageTag,
		Labels:  docker.AppLabels(app.ID, app.Name, app.Subdomain, app.ImageTag),
		Network: p.Network,
		Env:     containerEnv(app),
	})
	if err != nil {
		return err
	}

	if err = p.waitHealthy(ctx, exec, state.containerID); err != nil {
		return err
	}

	if err = exec.Checkpoint(ctx, 60, 100, "configuring proxy"); err != nil {
		return err
	}
	if err = p.Ingress.Write(ctx, app.Subdomain); err != nil {
		return err
	}
	state.fragmentWritten = true

	if err = p.Apps.SetAppContainer(ctx, app.ID, state.containerID, time.Now().UTC()); err != nil {
		return fault.Wrap(fault.KindTransient, err, "record container")
	}
	if err = exec.Checkpoint(ctx, 100, 100, "deployment complete"); err != nil {
		return err
	}
	if err = p.setStatus(ctx, app.ID, domain.AppStatusRunning); err != nil {
		return err
	}
	state.committed = true
	p.Log.Info("app deployed", "app_id", app.ID, "subdomain", app.Subdomain, "container_id", state.containerID, "image", app.ImageTag)
	return nil
}

func (p *DeployPipeline) waitHealthy(ctx context.Context, exec *task.Execution, containerID string) error {
	healthCtx, cancel := context.WithTimeout(ctx, p.Timeouts.Start)
	defer cancel()
	stop := watchCancel(exec, healthCtx, cancel)
	err := p.Docker.WaitHealthy(healthCtx, containerID)
	stop()
	if err == nil {
		return nil
	}
	if cErr := cancelled(exec); cErr != nil {
		return cErr
	}
	return p.withContainerLogs(ctx, containerID, err)
}

// withContainerLogs attaches the container's last output to a health
// failure, since the container is removed during rollback.
func (p *DeployPipeline) withContainerLogs(ctx context.Context, containerID string, healthErr error) error {
	lines, err := p.Docker.ContainerLogs(ctx, containerID, 50)
	if err != nil || len(lines) == 0 {
		return healthErr
	}
	tail := fault.TruncateLog(fault.Redact(strings.Join(lines, "\n")), 4096)
	return fault.Wrap(fault.KindOf(healthErr), healthErr, "container output:\n%s", tail)
}

func (p *DeployPipeline) finish(exec *task.Execution, state *deployState, runErr error) {
	if runErr == nil || state.committed {
		return
	}
	ctx, cancel := cleanupContext()
	defer cancel()

	wasCancelled := fault.Is(runErr, fault.KindCanceled)
	retrying := !wasCancelled && fault.Retryable(runErr) && !exec.LastAttempt()

	if state.fragmentWritten {
		if err := p.Ingress.Remove(ctx, state.app.Subdomain); err != nil {
			p.Log.Error("remove route during rollback failed", "subdomain", state.app.Subdomain, "error", err)
		}
	}
	if state.containerID != "" {
		if err := p.Docker.RemoveContainer(ctx, state.containerID); err != nil {
			p.Log.Error("remove container during rollback failed", "container_id", state.containerID, "error", err)
		}
	}
	if state.replacedOld {
		// The previously recorded container is gone either way.
		if err := p.Apps.ClearAppContainer(ctx, state.app.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			p.Log.Error("clear container record failed", "app_id", state.app.ID, "error", err)
		}
	}

	if retrying {
		return
	}
	if wasCancelled {
		prior := exec.Task.Params.PriorStatus
		if prior == "" {
			prior = domain.AppStatusStopped
		}
		p.writeStatus(state.app.ID, prior)
		return
	}

	p.recordFailure(ctx, state, fault.Redact(runErr.Error()))
	p.writeStatus(state.app.ID, domain.AppStatusError)
}

// recordFailure adds a failed history row so deploy failures show up next to
// build failures.
func (p *DeployPipeline) recordFailure(ctx context.Context, state *deployState, message string) {
	commit := ""
	if idx := strings.LastIndex(state.app.ImageTag, ":"); idx >= 0 {
		commit = state.app.ImageTag[idx+1:]
	}
	deployment := &domain.Deployment{
		AppID:        state.app.ID,
		CommitHash:   commit,
		Status:       domain.DeploymentStatusFailed,
		ErrorMessage: message,
	}
	if err := p.Deployments.CreateDeployment(ctx, deployment); err != nil {
		p.Log.Error("record failed deployment failed", "app_id", state.app.ID, "error", err)
	}
}

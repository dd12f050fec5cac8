package pipeline

import (
	"context"
	"errors"

	"github.com/sungreong/openstream-gallery/internal/docker"
	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/fault"
	"github.com/sungreong/openstream-gallery/internal/repository"
	"github.com/sungreong/openstream-gallery/internal/task"
)

// stopGrace is how many seconds the container gets to exit before the
// engine kills it.
const stopGrace = 10

// StopPipeline takes the app offline: route first, then the container. Every
// step tolerates the resource already being gone, so stopping a half-torn
// app converges instead of failing.
type StopPipeline struct {
	base
}

// NewStopPipeline wires the stop runner.
func NewStopPipeline(deps Deps) *StopPipeline {
	return &StopPipeline{base{deps.normalized()}}
}

// Run executes one stop attempt.
func (p *StopPipeline) Run(ctx context.Context, exec *task.Execution) (err error) {
	app, err := p.loadApp(ctx, exec.Task.AppID)
	if err != nil {
		return err
	}
	defer func() { p.finish(exec, app, err) }()

	if err = exec.Checkpoint(ctx, 0, 100, "stopping app"); err != nil {
		return err
	}
	if err = p.setStatus(ctx, app.ID, domain.AppStatusStopping); err != nil {
		return err
	}

	if err = exec.Checkpoint(ctx, 30, 100, "removing route"); err != nil {
		return err
	}
	if err = p.Ingress.Remove(ctx, app.Subdomain); err != nil {
		return err
	}

	if err = exec.Checkpoint(ctx, 60, 100, "removing container"); err != nil {
		return err
	}
	name := docker.ContainerName(app.Subdomain)
	if err = p.Docker.StopContainer(ctx, name, stopGrace); err != nil {
		return err
	}
	if err = p.Docker.RemoveContainer(ctx, name); err != nil {
		return err
	}

	if err = p.Apps.ClearAppContainer(ctx, app.ID); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return fault.Wrap(fault.KindTransient, err, "clear container record")
		}
		err = nil
	}
	if err = p.setStatus(ctx, app.ID, domain.AppStatusStopped); err != nil {
		return err
	}
	if err = exec.Checkpoint(ctx, 100, 100, "stopped"); err != nil {
		return err
	}
	p.Log.Info("app stopped", "app_id", app.ID, "subdomain", app.Subdomain)
	return nil
}

func (p *StopPipeline) finish(exec *task.Execution, app *domain.App, runErr error) {
	if runErr == nil {
		return
	}
	if fault.Is(runErr, fault.KindCanceled) {
		// The route or container may already be gone; the reconciler settles
		// whatever the restored status no longer matches.
		p.writeStatus(app.ID, exec.Task.Params.PriorStatus)
		return
	}
	if fault.Retryable(runErr) && !exec.LastAttempt() {
		return
	}
	p.writeStatus(app.ID, domain.AppStatusError)
}

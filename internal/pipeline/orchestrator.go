package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/sungreong/openstream-gallery/internal/docker"
	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/fault"
	"github.com/sungreong/openstream-gallery/internal/ingress"
	"github.com/sungreong/openstream-gallery/internal/repository"
	"github.com/sungreong/openstream-gallery/internal/task"
)

// defaultRetention is how long settled deployment history is kept when a
// purge does not name its own window.
const defaultRetention = 30 * 24 * time.Hour

// transitional statuses refuse new lifecycle requests until the current
// operation settles.
var transitional = map[string]bool{
	domain.AppStatusBuilding:  true,
	domain.AppStatusDeploying: true,
	domain.AppStatusStopping:  true,
}

// Orchestrator validates lifecycle requests against the app's declared state
// and submits the matching tasks.
type Orchestrator struct {
	apps        repository.AppRepository
	tasks       repository.TaskRepository
	deployments repository.DeploymentRepository
	engine      *task.Engine
	docker      docker.Engine
	ingress     *ingress.Manager
	log         *slog.Logger
}

// NewOrchestrator wires the request surface over the task engine.
func NewOrchestrator(
	apps repository.AppRepository,
	tasks repository.TaskRepository,
	deployments repository.DeploymentRepository,
	engine *task.Engine,
	dockerEngine docker.Engine,
	ingressManager *ingress.Manager,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		apps:        apps,
		tasks:       tasks,
		deployments: deployments,
		engine:      engine,
		docker:      dockerEngine,
		ingress:     ingressManager,
		log:         log,
	}
}

// RequestBuild queues a build. With buildOnly the app returns to its prior
// status afterwards instead of chaining a deployment.
func (o *Orchestrator) RequestBuild(ctx context.Context, appID int64, buildOnly, force bool) (*domain.Task, error) {
	app, err := o.loadApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	if transitional[app.Status] {
		return nil, fault.New(fault.KindConflict, "app is %s; wait for the current operation to finish", app.Status)
	}
	t := &domain.Task{
		Kind:  domain.TaskKindBuild,
		AppID: app.ID,
		Params: domain.TaskParams{
			BuildOnly:   buildOnly,
			Force:       force,
			PriorStatus: app.Status,
		},
	}
	if err := o.engine.Submit(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// RequestDeploy queues a deployment. When the app has no usable image, or
// force asks for a rebuild, the build pipeline runs first and chains the
// deployment itself.
func (o *Orchestrator) RequestDeploy(ctx context.Context, appID int64, force bool) (*domain.Task, error) {
	app, err := o.loadApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	if transitional[app.Status] {
		return nil, fault.New(fault.KindConflict, "app is %s; wait for the current operation to finish", app.Status)
	}

	kind := domain.TaskKindDeploy
	if force || !o.imageUsable(ctx, app) {
		kind = domain.TaskKindBuild
	}
	t := &domain.Task{
		Kind:  kind,
		AppID: app.ID,
		Params: domain.TaskParams{
			Force:       force,
			PriorStatus: app.Status,
		},
	}
	if err := o.engine.Submit(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// RequestStop queues a stop for a running app. Apps stuck in error may also
// be stopped to converge back to a clean state.
func (o *Orchestrator) RequestStop(ctx context.Context, appID int64) (*domain.Task, error) {
	app, err := o.loadApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	if transitional[app.Status] {
		return nil, fault.New(fault.KindConflict, "app is %s; wait for the current operation to finish", app.Status)
	}
	if app.Status != domain.AppStatusRunning && app.Status != domain.AppStatusError {
		return nil, fault.New(fault.KindConflict, "app is %s, nothing to stop", app.Status)
	}
	t := &domain.Task{
		Kind:   domain.TaskKindStop,
		AppID:  app.ID,
		Params: domain.TaskParams{PriorStatus: app.Status},
	}
	if err := o.engine.Submit(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// CancelActive cancels the app's current non-terminal task.
func (o *Orchestrator) CancelActive(ctx context.Context, appID int64) (*domain.Task, error) {
	app, err := o.loadApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	for _, kind := range []string{domain.TaskKindStop, domain.TaskKindDeploy, domain.TaskKindBuild} {
		id := app.TaskIDFor(kind)
		if id == "" {
			continue
		}
		t, err := o.tasks.GetTask(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.Terminal() {
			continue
		}
		if err := o.engine.Cancel(ctx, t); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fault.New(fault.KindNotFound, "no active task for app %d", appID)
}

// DeleteApp cancels outstanding work, tears down the app's route, container
// and image, then removes its rows. Resource teardown is best effort; only
// the row delete can fail the call.
func (o *Orchestrator) DeleteApp(ctx context.Context, appID int64) error {
	app, err := o.loadApp(ctx, appID)
	if err != nil {
		return err
	}
	if transitional[app.Status] {
		return fault.New(fault.KindConflict, "app is %s; wait or cancel before deleting", app.Status)
	}

	for _, kind := range []string{domain.TaskKindStop, domain.TaskKindDeploy, domain.TaskKindBuild} {
		id := app.TaskIDFor(kind)
		if id == "" {
			continue
		}
		t, err := o.tasks.GetTask(ctx, id)
		if err != nil || t.Terminal() {
			continue
		}
		if err := o.engine.Cancel(ctx, t); err != nil {
			o.log.Warn("cancel task before delete failed", "app_id", appID, "task_id", id, "error", err)
		}
	}

	if app.Subdomain != "" {
		if err := o.ingress.Remove(ctx, app.Subdomain); err != nil {
			o.log.Warn("remove route before delete failed", "app_id", appID, "subdomain", app.Subdomain, "error", err)
		}
		name := docker.ContainerName(app.Subdomain)
		if err := o.docker.StopContainer(ctx, name, stopGrace); err != nil {
			o.log.Warn("stop container before delete failed", "app_id", appID, "container", name, "error", err)
		}
		if err := o.docker.RemoveContainer(ctx, name); err != nil {
			o.log.Warn("remove container before delete failed", "app_id", appID, "container", name, "error", err)
		}
	}
	if app.ImageTag != "" {
		if err := o.docker.RemoveImage(ctx, app.ImageTag); err != nil {
			o.log.Warn("remove image before delete failed", "app_id", appID, "image", app.ImageTag, "error", err)
		}
	}

	if err := o.apps.DeleteApp(ctx, appID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fault.New(fault.KindNotFound, "app %d not found", appID)
		}
		return fmt.Errorf("delete app %d: %w", appID, err)
	}
	o.log.Info("app deleted", "app_id", appID, "subdomain", app.Subdomain)
	return nil
}

// PurgeDeployments removes settled history rows older than the retention
// window and reports how many went away.
func (o *Orchestrator) PurgeDeployments(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = defaultRetention
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	removed, err := o.deployments.PurgeDeploymentsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge deployments: %w", err)
	}
	if removed > 0 {
		o.log.Info("purged deployment history", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// imageUsable reports whether the recorded image can be started as-is. A
// check failure counts as unusable; the build pipeline rebuilds it then.
func (o *Orchestrator) imageUsable(ctx context.Context, app *domain.App) bool {
	if app.ImageTag == "" {
		return false
	}
	exists, err := o.docker.ImageExists(ctx, app.ImageTag)
	if err != nil {
		o.log.Warn("image existence check failed", "app_id", app.ID, "image", app.ImageTag, "error", err)
		return false
	}
	return exists
}

func (o *Orchestrator) loadApp(ctx context.Context, appID int64) (*domain.App, error) {
	app, err := o.apps.GetAppByID(ctx, appID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fault.New(fault.KindNotFound, "app %d not found", appID)
		}
		return nil, fmt.Errorf("load app %d: %w", appID, err)
	}
	return app, nil
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/sungreong/openstream-gallery/internal/docker"
	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/ingress"
	"github.com/sungreong/openstream-gallery/internal/repository"
	"github.com/sungreong/openstream-gallery/internal/task"
)

const defaultInterval = time.Minute

var lifecycleKinds = []string{domain.TaskKindBuild, domain.TaskKindDeploy, domain.TaskKindStop}

// Report summarizes one reconciliation pass.
type Report struct {
	OrphanContainersRemoved []string `json:"orphan_containers_removed"`
	StaleFragmentsRemoved   []string `json:"stale_fragments_removed"`
	AppsMarkedStopped       []int64  `json:"apps_marked_stopped"`
}

// Controller runs periodic reconciliation: orphaned containers and stale
// proxy fragments are removed, and declared-running apps whose container
// died are marked stopped.
type Controller struct {
	apps     repository.AppRepository
	tasks    repository.TaskRepository
	docker   docker.Engine
	ingress  *ingress.Manager
	engine   *task.Engine
	interval time.Duration
	log      *slog.Logger
}

// NewController wires a reconciler.
func NewController(
	apps repository.AppRepository,
	tasks repository.TaskRepository,
	dockerEngine docker.Engine,
	ingressManager *ingress.Manager,
	engine *task.Engine,
	interval time.Duration,
	log *slog.Logger,
) *Controller {
	if interval <= 0 {
		interval = defaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		apps:     apps,
		tasks:    tasks,
		docker:   dockerEngine,
		ingress:  ingressManager,
		engine:   engine,
		interval: interval,
		log:      log,
	}
}

// Start launches the periodic loop. It returns immediately; the loop ends
// with ctx.
func (c *Controller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		c.log.Info("reconciler started", "interval", c.interval)
		for {
			select {
			case <-ctx.Done():
				c.log.Info("reconciler stopped")
				return
			case <-ticker.C:
				if _, err := c.RunOnce(ctx); err != nil {
					c.log.Error("reconciliation pass failed", "error", err)
				}
			}
		}
	}()
}

// RunOnce performs a single reconciliation pass.
func (c *Controller) RunOnce(ctx context.Context) (Report, error) {
	report := Report{
		OrphanContainersRemoved: []string{},
		StaleFragmentsRemoved:   []string{},
		AppsMarkedStopped:       []int64{},
	}

	apps, err := c.apps.ListApps(ctx)
	if err != nil {
		return report, fmt.Errorf("list apps: %w", err)
	}

	activeIDs := make([]int64, 0, len(apps))
	subdomains := make([]string, 0, len(apps))
	for i := range apps {
		activeIDs = append(activeIDs, apps[i].ID)
		if apps[i].Subdomain != "" {
			subdomains = append(subdomains, apps[i].Subdomain)
		}
	}

	removed, err := c.docker.CleanupOrphans(ctx, activeIDs)
	if err != nil {
		c.log.Error("orphan container cleanup failed", "error", err)
	} else if len(removed) > 0 {
		report.OrphanContainersRemoved = removed
		c.log.Info("removed orphaned containers", "containers", removed)
	}

	// Fragments are only treated as stale when no app claims the subdomain
	// at all; a stopped app's leftover fragment is handled by its stop task
	// or an explicit admin cleanup.
	fragments, err := c.ingress.CleanupAuto(ctx, subdomains)
	if err != nil {
		c.log.Error("stale fragment cleanup failed", "error", err)
	} else if len(fragments) > 0 {
		report.StaleFragmentsRemoved = fragments
	}

	for i := range apps {
		if c.repairApp(ctx, &apps[i]) {
			report.AppsMarkedStopped = append(report.AppsMarkedStopped, apps[i].ID)
		}
	}
	return report, nil
}

// activeTaskKind returns the kind of the app's non-terminal lifecycle task,
// or "" when every recorded task has settled.
func (c *Controller) activeTaskKind(ctx context.Context, app *domain.App) string {
	for _, kind := range lifecycleKinds {
		id := app.TaskIDFor(kind)
		if id == "" {
			continue
		}
		t, err := c.tasks.GetTask(ctx, id)
		if err == nil && !t.Terminal() {
			return kind
		}
	}
	return ""
}

// Observe gathers the live pieces Evaluate needs for one app.
func (c *Controller) Observe(ctx context.Context, app *domain.App) Observation {
	obs := Observation{}
	if kind := c.activeTaskKind(ctx, app); kind != "" {
		obs.TaskActive = true
		obs.TaskKind = kind
	}
	if app.Subdomain != "" {
		state, err := c.docker.InspectContainer(ctx, docker.ContainerName(app.Subdomain))
		if err == nil {
			obs.Container = &state
		}
	}
	if app.Status == domain.AppStatusRunning {
		status, err := c.ingress.Validate(ctx, app.Subdomain)
		if err == nil {
			obs.Fragment = &status
		}
	}
	return obs
}

// Assess is Observe followed by Evaluate.
func (c *Controller) Assess(ctx context.Context, app *domain.App) Assessment {
	return Evaluate(app, c.Observe(ctx, app))
}

// AssessBatch evaluates many apps with a single proxy config test instead of
// one per app. Status listings use it.
func (c *Controller) AssessBatch(ctx context.Context, apps []domain.App) []Assessment {
	running := make([]string, 0, len(apps))
	for i := range apps {
		if apps[i].Status == domain.AppStatusRunning && apps[i].Subdomain != "" {
			running = append(running, apps[i].Subdomain)
		}
	}
	fragments := make(map[string]*ingress.FragmentStatus, len(running))
	if len(running) > 0 {
		statuses, err := c.ingress.ConfigsStatus(ctx, running)
		if err != nil {
			c.log.Warn("batch fragment status failed", "error", err)
		} else {
			for i := range statuses {
				fragments[statuses[i].Subdomain] = &statuses[i]
			}
		}
	}

	assessments := make([]Assessment, len(apps))
	for i := range apps {
		app := &apps[i]
		obs := Observation{Fragment: fragments[app.Subdomain]}
		if kind := c.activeTaskKind(ctx, app); kind != "" {
			obs.TaskActive = true
			obs.TaskKind = kind
		}
		if app.Subdomain != "" {
			state, err := c.docker.InspectContainer(ctx, docker.ContainerName(app.Subdomain))
			if err == nil {
				obs.Container = &state
			}
		}
		assessments[i] = Evaluate(app, obs)
	}
	return assessments
}

// repairApp marks a declared-running app stopped when its container is gone
// or has exited. It reports whether it acted.
func (c *Controller) repairApp(ctx context.Context, app *domain.App) bool {
	if app.Status != domain.AppStatusRunning || app.Subdomain == "" {
		return false
	}
	// A live task owns the app; leave its state to the pipeline.
	if c.activeTaskKind(ctx, app) != "" {
		return false
	}
	state, err := c.docker.InspectContainer(ctx, docker.ContainerName(app.Subdomain))
	if errors.Is(err, docker.ErrNotFound) {
		c.markStopped(ctx, app, "container missing")
		return true
	}
	if err != nil {
		c.log.Warn("inspect app container failed", "app_id", app.ID, "error", err)
		return false
	}
	if state.Running {
		return false
	}
	if state.Status == "restarting" {
		// The engine's restart policy is still working on it.
		c.log.Warn("app container restarting", "app_id", app.ID, "subdomain", app.Subdomain)
		return false
	}
	c.markStopped(ctx, app, fmt.Sprintf("container %s", state.Status))
	return true
}

func (c *Controller) markStopped(ctx context.Context, app *domain.App, reason string) {
	c.log.Warn("app no longer serving, marking stopped", "app_id", app.ID, "subdomain", app.Subdomain, "reason", reason)
	if err := c.ingress.Remove(ctx, app.Subdomain); err != nil {
		c.log.Error("remove route for dead app failed", "app_id", app.ID, "error", err)
	}
	if err := c.apps.ClearAppContainer(ctx, app.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		c.log.Error("clear container record failed", "app_id", app.ID, "error", err)
	}
	if err := c.apps.UpdateAppStatus(ctx, app.ID, domain.AppStatusStopped); err != nil {
		c.log.Error("mark app stopped failed", "app_id", app.ID, "error", err)
		return
	}
	c.engine.NotifyStatus(app.ID, domain.AppStatusStopped)
}

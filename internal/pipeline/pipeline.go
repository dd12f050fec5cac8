// Package pipeline implements the build, deploy and stop runners executed by
// the task engine, plus the orchestrator that validates and submits them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/sungreong/openstream-gallery/internal/docker"
	"github.com/sungreong/openstream-gallery/internal/dockerfile"
	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/fault"
	"github.com/sungreong/openstream-gallery/internal/git"
	"github.com/sungreong/openstream-gallery/internal/ingress"
	"github.com/sungreong/openstream-gallery/internal/repository"
	"github.com/sungreong/openstream-gallery/internal/task"
	"github.com/sungreong/openstream-gallery/internal/workspace"
)

// cleanupTimeout bounds unwind work running on a fresh context after the
// task context is gone.
const cleanupTimeout = 30 * time.Second

// CredentialSource resolves a stored credential id into usable git auth.
type CredentialSource interface {
	GitAuth(ctx context.Context, credentialID int64) (git.Auth, error)
}

// Timeouts bounds the long-running pipeline stages.
type Timeouts struct {
	Clone time.Duration
	Build time.Duration
	Start time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Clone <= 0 {
		t.Clone = 2 * time.Minute
	}
	if t.Build <= 0 {
		t.Build = 30 * time.Minute
	}
	if t.Start <= 0 {
		t.Start = time.Minute
	}
	return t
}

// Deps collects the collaborators shared by all pipelines.
type Deps struct {
	Apps        repository.AppRepository
	Deployments repository.DeploymentRepository
	Credentials CredentialSource
	Engine      *task.Engine
	Docker      docker.Engine
	Workspaces  *workspace.Manager
	Composer    *dockerfile.Composer
	Ingress     *ingress.Manager
	Network     string
	Timeouts    Timeouts
	Log         *slog.Logger
}

func (d Deps) normalized() Deps {
	d.Timeouts = d.Timeouts.withDefaults()
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return d
}

type base struct {
	Deps
}

func (b base) loadApp(ctx context.Context, appID int64) (*domain.App, error) {
	app, err := b.Apps.GetAppByID(ctx, appID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fault.New(fault.KindNotFound, "app %d not found", appID)
		}
		return nil, fmt.Errorf("load app %d: %w", appID, err)
	}
	return app, nil
}

// setStatus updates the declared status and tells watchers.
func (b base) setStatus(ctx context.Context, appID int64, status string) error {
	if err := b.Apps.UpdateAppStatus(ctx, appID, status); err != nil {
		return fmt.Errorf("set app %d status %s: %w", appID, status, err)
	}
	b.Engine.NotifyStatus(appID, status)
	return nil
}

// writeStatus is setStatus for unwind paths, on a fresh context because the
// task context may already be cancelled.
func (b base) writeStatus(appID int64, status string) {
	if status == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := b.Apps.UpdateAppStatus(ctx, appID, status); err != nil {
		b.Log.Error("write app status failed", "app_id", appID, "status", status, "error", err)
		return
	}
	b.Engine.NotifyStatus(appID, status)
}

func (b base) gitAuth(ctx context.Context, app *domain.App) (git.Auth, error) {
	if app.CredentialID == nil {
		return git.Auth{}, nil
	}
	if b.Credentials == nil {
		return git.Auth{}, fault.New(fault.KindInvalidInput, "app references credential %d but no credential source is configured", *app.CredentialID)
	}
	auth, err := b.Credentials.GitAuth(ctx, *app.CredentialID)
	if err != nil {
		return git.Auth{}, fmt.Errorf("resolve git credential %d: %w", *app.CredentialID, err)
	}
	return auth, nil
}

// cancelled converts a pending cancellation request into the cancelled
// fault. Stage error paths call it first so an abort caused by cancellation
// is not misreported as a stage failure.
func cancelled(exec *task.Execution) error {
	if exec.Cancelled() {
		return fault.New(fault.KindCanceled, "task %s cancelled", exec.Task.ID)
	}
	return nil
}

// watchCancel aborts a stage context once a cancellation request appears, so
// a long clone or image build stops without waiting for its next checkpoint.
// The returned stop function must be called when the stage ends.
func watchCancel(exec *task.Execution, stageCtx context.Context, abort context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stageCtx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if exec.Cancelled() {
					abort()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// containerEnv renders the app's environment pairs in registration order.
func containerEnv(app *domain.App) []string {
	if len(app.EnvVars) == 0 {
		return nil
	}
	env := make([]string, 0, len(app.EnvVars))
	for _, v := range app.EnvVars {
		env = append(env, v.Key+"="+v.Value)
	}
	return env
}

func cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cleanupTimeout)
}

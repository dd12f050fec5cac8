package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/sungreong/openstream-gallery/internal/docker"
	"github.com/sungreong/openstream-gallery/internal/dockerfile"
	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/fault"
	"github.com/sungreong/openstream-gallery/internal/git"
	"github.com/sungreong/openstream-gallery/internal/requirements"
	"github.com/sungreong/openstream-gallery/internal/task"
)

// BuildPipeline clones an app repository, composes its Dockerfile and builds
// the versioned image. Unless the task is build-only it chains a deploy task
// on success.
type BuildPipeline struct {
	base
}

// NewBuildPipeline wires the build runner.
func NewBuildPipeline(deps Deps) *BuildPipeline {
	return &BuildPipeline{base{deps.normalized()}}
}

type buildState struct {
	app                *domain.App
	workdir            string
	commit             string
	imageTag           string
	variant            string
	dockerfileHash     string
	deploymentID       int64
	deploymentFinished bool
	buildFailed        bool
	logs               strings.Builder
}

// Run executes one build attempt.
func (p *BuildPipeline) Run(ctx context.Context, exec *task.Execution) (err error) {
	app, err := p.loadApp(ctx, exec.Task.AppID)
	if err != nil {
		return err
	}
	state := &buildState{app: app}
	defer func() { p.finish(exec, state, err) }()

	if err = exec.Checkpoint(ctx, 0, 100, "preparing workspace"); err != nil {
		return err
	}
	if err = p.setStatus(ctx, app.ID, domain.AppStatusBuilding); err != nil {
		return err
	}

	auth, err := p.gitAuth(ctx, app)
	if err != nil {
		return err
	}
	state.workdir, err = p.Workspaces.Prepare(exec.Task.ID)
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "prepare workspace")
	}

	if err = exec.Checkpoint(ctx, 20, 100, "cloning repository"); err != nil {
		return err
	}
	state.commit, err = p.clone(ctx, exec, app, auth, state.workdir)
	if err != nil {
		return err
	}

	classification, err := requirements.Analyze(state.workdir)
	if err != nil {
		return err
	}
	composed, err := p.Composer.Compose(dockerfile.Input{
		AppID:           app.ID,
		EntryFile:       app.EntryFile,
		BaseImageChoice: app.BaseImageChoice,
		CustomBaseImage: app.CustomBaseImage,
		CustomOverlay:   app.CustomOverlay,
		Classification:  classification,
	})
	if err != nil {
		return err
	}
	state.variant = composed.Variant
	state.dockerfileHash = composed.Hash
	if err = os.WriteFile(filepath.Join(state.workdir, "Dockerfile"), []byte(composed.Dockerfile), 0o644); err != nil {
		return fault.Wrap(fault.KindTransient, err, "write dockerfile")
	}

	state.imageTag = docker.ImageTag(app.Subdomain, git.ShortCommit(state.commit))
	deployment := &domain.Deployment{
		AppID:          app.ID,
		CommitHash:     state.commit,
		Status:         domain.DeploymentStatusInProgress,
		Variant:        composed.Variant,
		DockerfileHash: composed.Hash,
	}
	if err = p.Deployments.CreateDeployment(ctx, deployment); err != nil {
		return fault.Wrap(fault.KindTransient, err, "record deployment")
	}
	state.deploymentID = deployment.ID

	if err = exec.Checkpoint(ctx, 40, 100, "building image"); err != nil {
		return err
	}
	if err = p.buildImage(ctx, exec, state); err != nil {
		return err
	}

	if err = p.Apps.SetAppImage(ctx, app.ID, state.imageTag); err != nil {
		return fault.Wrap(fault.KindTransient, err, "record image tag")
	}
	if err = p.Deployments.FinishDeployment(ctx, state.deploymentID, domain.DeploymentStatusSuccess, p.buildLog(state), ""); err != nil {
		return fault.Wrap(fault.KindTransient, err, "finish deployment record")
	}
	state.deploymentFinished = true

	if err = exec.Checkpoint(ctx, 100, 100, "build complete"); err != nil {
		return err
	}
	p.Log.Info("image built", "app_id", app.ID, "image", state.imageTag, "variant", state.variant, "commit", git.ShortCommit(state.commit))

	if exec.Task.Params.BuildOnly {
		prior := exec.Task.Params.PriorStatus
		if prior == "" || prior == domain.AppStatusBuilding {
			prior = domain.AppStatusStopped
		}
		return p.setStatus(ctx, app.ID, prior)
	}

	exec.FollowUp = &domain.Task{
		Kind:   domain.TaskKindDeploy,
		AppID:  app.ID,
		Params: domain.TaskParams{PriorStatus: exec.Task.Params.PriorStatus},
	}
	return nil
}

func (p *BuildPipeline) clone(ctx context.Context, exec *task.Execution, app *domain.App, auth git.Auth, workdir string) (string, error) {
	cloneCtx, cancel := context.WithTimeout(ctx, p.Timeouts.Clone)
	defer cancel()
	stop := watchCancel(exec, cloneCtx, cancel)
	result, err := git.Clone(cloneCtx, app.GitURL, app.Branch, workdir, auth)
	stop()
	if err != nil {
		if cErr := cancelled(exec); cErr != nil {
			return "", cErr
		}
		if errors.Is(cloneCtx.Err(), context.DeadlineExceeded) {
			return "", fault.Wrap(fault.KindTransient, err, "clone timed out after %s", p.Timeouts.Clone)
		}
		return "", err
	}
	return result.CommitHash, nil
}

func (p *BuildPipeline) buildImage(ctx context.Context, exec *task.Execution, state *buildState) error {
	buildCtx, cancel := context.WithTimeout(ctx, p.Timeouts.Build)
	defer cancel()
	stop := watchCancel(exec, buildCtx, cancel)
	_, err := p.Docker.BuildImage(buildCtx, state.workdir, "Dockerfile", state.imageTag, func(line string) {
		state.logs.WriteString(line)
		state.logs.WriteByte('\n')
	})
	stop()
	if err != nil {
		state.buildFailed = true
		if cErr := cancelled(exec); cErr != nil {
			return cErr
		}
		if errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			return fault.Wrap(fault.KindBuildFailure, err, "image build timed out after %s", p.Timeouts.Build)
		}
		return err
	}
	return nil
}

func (p *BuildPipeline) buildLog(state *buildState) string {
	return fault.TruncateLog(fault.Redact(state.logs.String()), fault.LogLimit)
}

// finish unwinds after Run. The workspace never outlives the attempt; what
// else happens depends on how the attempt ended.
func (p *BuildPipeline) finish(exec *task.Execution, state *buildState, runErr error) {
	ctx, cancel := cleanupContext()
	defer cancel()

	if state.workdir != "" {
		if err := p.Workspaces.Cleanup(state.workdir); err != nil {
			p.Log.Error("workspace cleanup failed", "task_id", exec.Task.ID, "error", err)
		}
	}
	if runErr == nil {
		return
	}

	if fault.Is(runErr, fault.KindCanceled) {
		if state.imageTag != "" {
			if err := p.Docker.RemoveImage(ctx, state.imageTag); err != nil {
				p.Log.Warn("remove cancelled build image failed", "image", state.imageTag, "error", err)
			}
		}
		p.settleDeploymentRow(ctx, state, "build cancelled")
		prior := exec.Task.Params.PriorStatus
		if prior == "" {
			prior = domain.AppStatusStopped
		}
		p.writeStatus(state.app.ID, prior)
		return
	}

	if fault.Retryable(runErr) && !exec.LastAttempt() {
		// Another attempt follows; close out this attempt's history row and
		// keep the building status.
		if state.deploymentID != 0 {
			p.settleDeploymentRow(ctx, state, "attempt failed, retrying: "+fault.Redact(runErr.Error()))
		}
		return
	}

	if state.buildFailed && state.imageTag != "" {
		if err := p.Docker.RemoveImage(ctx, state.imageTag); err != nil {
			p.Log.Warn("remove partial build image failed", "image", state.imageTag, "error", err)
		}
	}
	p.settleDeploymentRow(ctx, state, fault.Redact(runErr.Error()))
	p.writeStatus(state.app.ID, domain.AppStatusError)
}

// settleDeploymentRow marks the history row failed, creating one when the
// attempt died before compose recorded it.
func (p *BuildPipeline) settleDeploymentRow(ctx context.Context, state *buildState, message string) {
	if state.deploymentFinished {
		return
	}
	state.deploymentFinished = true
	if state.deploymentID != 0 {
		if err := p.Deployments.FinishDeployment(ctx, state.deploymentID, domain.DeploymentStatusFailed, p.buildLog(state), message); err != nil {
			p.Log.Error("finish deployment record failed", "deployment_id", state.deploymentID, "error", err)
		}
		return
	}
	deployment := &domain.Deployment{
		AppID:          state.app.ID,
		CommitHash:     state.commit,
		Status:         domain.DeploymentStatusFailed,
		BuildLog:       p.buildLog(state),
		ErrorMessage:   message,
		Variant:        state.variant,
		DockerfileHash: state.dockerfileHash,
	}
	if err := p.Deployments.CreateDeployment(ctx, deployment); err != nil {
		p.Log.Error("record failed deployment failed", "app_id", state.app.ID, "error", err)
	}
}

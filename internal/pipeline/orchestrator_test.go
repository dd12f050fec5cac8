package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/fault"
	"github.com/sungreong/openstream-gallery/internal/ingress"
)

func (f *pipeFixture) orchestrator() *Orchestrator {
	return NewOrchestrator(f.apps, f.tasks, f.deployments, f.engine, f.docker, f.ingress, f.deps.Log)
}

func TestRequestBuildQueuesTask(t *testing.T) {
	f := newPipeFixture(t)
	f.apps.app = &domain.App{ID: 7, Name: "Demo", Subdomain: "demo-7", Status: domain.AppStatusStopped}
	orch := f.orchestrator()

	queued, err := orch.RequestBuild(context.Background(), 7, true, true)
	if err != nil {
		t.Fatalf("RequestBuild: %v", err)
	}
	if queued.Kind != domain.TaskKindBuild {
		t.Fatalf("kind = %q, want build", queued.Kind)
	}
	if !queued.Params.BuildOnly || !queued.Params.Force || queued.Params.PriorStatus != domain.AppStatusStopped {
		t.Fatalf("params = %+v", queued.Params)
	}
	stored, err := f.tasks.GetTask(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.State != domain.TaskStatePending {
		t.Fatalf("state = %q, want pending", stored.State)
	}
}

func TestRequestBuildUnknownApp(t *testing.T) {
	f := newPipeFixture(t)
	orch := f.orchestrator()

	if _, err := orch.RequestBuild(context.Background(), 99, false, false); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestRequestBuildRefusedWhileTransitional(t *testing.T) {
	f := newPipeFixture(t)
	f.apps.app = &domain.App{ID: 7, Name: "Demo", Subdomain: "demo-7", Status: domain.AppStatusDeploying}
	orch := f.orchestrator()

	_, err := orch.RequestBuild(context.Background(), 7, false, false)
	if !fault.Is(err, fault.KindConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if !strings.Contains(err.Error(), "wait for the current operation") {
		t.Fatalf("err = %v", err)
	}
	if f.tasks.count() != 0 {
		t.Fatalf("task count = %d, want nothing queued", f.tasks.count())
	}
}

func TestRequestBuildRefusesSecondLiveBuild(t *testing.T) {
	f := newPipeFixture(t)
	f.apps.app = &domain.App{ID: 7, Name: "Demo", Subdomain: "demo-7", Status: domain.AppStatusStopped}
	orch := f.orchestrator()

	if _, err := orch.RequestBuild(context.Background(), 7, false, false); err != nil {
		t.Fatalf("first RequestBuild: %v", err)
	}
	if _, err := orch.RequestBuild(context.Background(), 7, false, false); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("second RequestBuild err = %v, want conflict", err)
	}
}

func TestRequestDeployUsesExistingImage(t *testing.T) {
	f := newPipeFixture(t)
	f.apps.app = &domain.App{ID: 7, Name: "Demo", Subdomain: "demo-7", Status: domain.AppStatusStopped, ImageTag: "app-demo-7:abc123def456"}
	f.docker.images["app-demo-7:abc123def456"] = true
	orch := f.orchestrator()

	queued, err := orch.RequestDeploy(context.Background(), 7, false)
	if err != nil {
		t.Fatalf("RequestDeploy: %v", err)
	}
	if queued.Kind != domain.TaskKindDeploy {
		t.Fatalf("kind = %q, want deploy", queued.Kind)
	}
}

func TestRequestDeployRebuildsWhenImageMissing(t *testing.T) {
	f := newPipeFixture(t)
	f.apps.app = &domain.App{ID: 7, Name: "Demo", Subdomain: "demo-7", Status: domain.AppStatusStopped, ImageTag: "app-demo-7:abc123def456"}
	orch := f.orchestrator()

	queued, err := orch.RequestDeploy(context.Background(), 7, false)
	if err != nil {
		t.Fatalf("RequestDeploy: %v", err)
	}
	if queued.Kind != domain.TaskKindBuild {
		t.Fatalf("kind = %q, want build when the image is gone", queued.Kind)
	}
}

func TestRequestDeployForceRebuilds(t *testing.T) {
	f := newPipeFixture(t)
	f.apps.app = &domain.App{ID: 7, Name: "Demo", Subdomain: "demo-7", Status: domain.AppStatusStopped, ImageTag: "app-demo-7:abc123def456"}
	f.docker.images["app-demo-7:abc123def456"] = true
	orch := f.orchestrator()

	queued, err := orch.RequestDeploy(context.Background(), 7, true)
	if err != nil {
		t.Fatalf("RequestDeploy: %v", err)
	}
	if queued.Kind != domain.TaskKindBuild || !queued.Params.Force {
		t.Fatalf("task = kind %q force %v, want forced build", queued.Kind, queued.Params.Force)
	}
}

func TestRequestStopStates(t *testing.T) {
	f := newPipeFixture(t)
	f.apps.app = &domain.App{ID: 7, Name: "Demo", Subdomain: "demo-7", Status: domain.AppStatusStopped}
	orch := f.orchestrator()

	if _, err := orch.RequestStop(context.Background(), 7); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("stop of stopped app err = %v, want conflict", err)
	} else if !strings.Contains(err.Error(), "nothing to stop") {
		t.Fatalf("err = %v", err)
	}

	f.apps.app.Status = domain.AppStatusRunning
	queued, err := orch.RequestStop(context.Background(), 7)
	if err != nil {
		t.Fatalf("stop of running app: %v", err)
	}
	if queued.Kind != domain.TaskKindStop || queued.Params.PriorStatus != domain.AppStatusRunning {
		t.Fatalf("task = %+v", queued)
	}
}

func TestRequestStopConvergesErroredApp(t *testing.T) {
	f := newPipeFixture(t)
	f.apps.app = &domain.App{ID: 7, Name: "Demo", Subdomain: "demo-7", Status: domain.AppStatusError}
	orch := f.orchestrator()

	queued, err := orch.RequestStop(context.Background(), 7)
	if err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	if queued.Kind != domain.TaskKindStop {
		t.Fatalf("kind = %q, want stop", queued.Kind)
	}
}

func TestCancelActiveRevokesPendingTask(t *testing.T) {
	f := newPipeFixture(t)
	f.apps.app = &domain.App{ID: 7, Name: "Demo", Subdomain: "demo-7", Status: domain.AppStatusStopped}
	orch := f.orchestrator()

	queued, err := orch.RequestBuild(context.Background(), 7, false, false)
	if err != nil {
		t.Fatalf("RequestBuild: %v", err)
	}
	f.apps.app.BuildTaskID = queued.ID

	cancelled, err := orch.CancelActive(context.Background(), 7)
	if err != nil {
		t.Fatalf("CancelActive: %v", err)
	}
	if cancelled.ID != queued.ID {
		t.Fatalf("cancelled %s, want %s", cancelled.ID, queued.ID)
	}
	stored, err := f.tasks.GetTask(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.State != domain.TaskStateRevoked {
		t.Fatalf("state = %q, want revoked", stored.State)
	}
}

func TestCancelActiveWithoutLiveTask(t *testing.T) {
	f := newPipeFixture(t)
	f.apps.app = &domain.App{ID: 7, Name: "Demo", Subdomain: "demo-7", Status: domain.AppStatusStopped}
	orch := f.orchestrator()

	if _, err := orch.CancelActive(context.Background(), 7); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestDeleteAppTearsDownEverything(t *testing.T) {
	f := newPipeFixture(t)
	f.apps.app = &domain.App{
		ID: 7, Name: "Demo", Subdomain: "demo-7",
		Status: domain.AppStatusStopped, ImageTag: "app-demo-7:abc123def456", ContainerID: "container-9",
	}
	if err := os.WriteFile(filepath.Join(f.fragDir, "demo-7.conf"), []byte(ingress.RenderFragment("demo-7")), 0o644); err != nil {
		t.Fatalf("seed fragment: %v", err)
	}
	orch := f.orchestrator()

	queued, err := orch.RequestBuild(context.Background(), 7, false, false)
	if err != nil {
		t.Fatalf("RequestBuild: %v", err)
	}
	f.apps.app.BuildTaskID = queued.ID

	if err := orch.DeleteApp(context.Background(), 7); err != nil {
		t.Fatalf("DeleteApp: %v", err)
	}

	stored, err := f.tasks.GetTask(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.State != domain.TaskStateRevoked {
		t.Fatalf("pending task state = %q, want revoked before delete", stored.State)
	}
	if f.fragmentExists("demo-7.conf") {
		t.Fatal("route fragment should be removed")
	}
	f.docker.mu.Lock()
	stopped := append([]string(nil), f.docker.stopped...)
	removed := append([]string(nil), f.docker.removed...)
	removedImages := append([]string(nil), f.docker.removedImages...)
	f.docker.mu.Unlock()
	if len(stopped) != 1 || stopped[0] != "app-demo-7" {
		t.Fatalf("stopped = %v", stopped)
	}
	if len(removed) != 1 || removed[0] != "app-demo-7" {
		t.Fatalf("removed = %v", removed)
	}
	if len(removedImages) != 1 || removedImages[0] != "app-demo-7:abc123def456" {
		t.Fatalf("removed images = %v", removedImages)
	}
	f.apps.mu.Lock()
	deleted := append([]int64(nil), f.apps.deleted...)
	f.apps.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != 7 {
		t.Fatalf("deleted = %v", deleted)
	}
}

func TestDeleteAppRefusedWhileTransitional(t *testing.T) {
	f := newPipeFixture(t)
	f.apps.app = &domain.App{ID: 7, Name: "Demo", Subdomain: "demo-7", Status: domain.AppStatusBuilding}
	orch := f.orchestrator()

	err := orch.DeleteApp(context.Background(), 7)
	if !fault.Is(err, fault.KindConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	f.apps.mu.Lock()
	deleted := len(f.apps.deleted)
	f.apps.mu.Unlock()
	if deleted != 0 {
		t.Fatal("transitional app must not be deleted")
	}
}

func TestPurgeDeploymentsDefaultsRetention(t *testing.T) {
	f := newPipeFixture(t)
	f.deployments.purgeN = 4
	orch := f.orchestrator()

	removed, err := orch.PurgeDeployments(context.Background(), 0)
	if err != nil {
		t.Fatalf("PurgeDeployments: %v", err)
	}
	if removed != 4 {
		t.Fatalf("removed = %d, want 4", removed)
	}
	f.deployments.mu.Lock()
	cutoffs := append([]time.Time(nil), f.deployments.purged...)
	f.deployments.mu.Unlock()
	if len(cutoffs) != 1 {
		t.Fatalf("purge calls = %d, want 1", len(cutoffs))
	}
	want := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if diff := cutoffs[0].Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("cutoff = %v, want about %v", cutoffs[0], want)
	}
}

func TestPurgeDeploymentsExplicitWindow(t *testing.T) {
	f := newPipeFixture(t)
	f.deployments.purgeN = 1
	orch := f.orchestrator()

	if _, err := orch.PurgeDeployments(context.Background(), 24*time.Hour); err != nil {
		t.Fatalf("PurgeDeployments: %v", err)
	}
	f.deployments.mu.Lock()
	cutoff := f.deployments.purged[0]
	f.deployments.mu.Unlock()
	want := time.Now().UTC().Add(-24 * time.Hour)
	if diff := cutoff.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("cutoff = %v, want about %v", cutoff, want)
	}
}

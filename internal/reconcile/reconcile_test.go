package reconcile

import (
	"strings"
	"testing"

	"github.com/sungreong/openstream-gallery/internal/docker"
	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/ingress"
)

func healthyFragment(subdomain string) *ingress.FragmentStatus {
	return &ingress.FragmentStatus{
		Subdomain:               subdomain,
		Exists:                  true,
		SyntacticallyValid:      true,
		UpstreamContainerExists: true,
		UpstreamRunning:         true,
		Issues:                  []string{},
	}
}

func TestEvaluate(t *testing.T) {
	running := &docker.State{Running: true, Status: "running"}
	exited := &docker.State{Running: false, Status: "exited (1)"}

	cases := []struct {
		name       string
		app        domain.App
		obs        Observation
		wantStatus string
		wantIssue  string
	}{
		{
			name:       "pending build task maps to building",
			app:        domain.App{Status: domain.AppStatusRunning, ContainerID: "c1"},
			obs:        Observation{TaskActive: true, TaskKind: domain.TaskKindBuild},
			wantStatus: domain.AppStatusBuilding,
		},
		{
			name:       "pending deploy task maps to deploying",
			app:        domain.App{Status: domain.AppStatusStopped},
			obs:        Observation{TaskActive: true, TaskKind: domain.TaskKindDeploy},
			wantStatus: domain.AppStatusDeploying,
		},
		{
			name:       "pending stop task maps to stopping",
			app:        domain.App{Status: domain.AppStatusRunning, ContainerID: "c1"},
			obs:        Observation{TaskActive: true, TaskKind: domain.TaskKindStop},
			wantStatus: domain.AppStatusStopping,
		},
		{
			name:       "active task of unknown kind keeps declared status",
			app:        domain.App{Status: domain.AppStatusBuilding},
			obs:        Observation{TaskActive: true},
			wantStatus: domain.AppStatusBuilding,
		},
		{
			name:       "declared error stands",
			app:        domain.App{Status: domain.AppStatusError, ContainerID: "c1"},
			obs:        Observation{Container: running},
			wantStatus: domain.AppStatusError,
		},
		{
			name:       "never deployed",
			app:        domain.App{Status: domain.AppStatusStopped},
			wantStatus: StatusNotDeployed,
		},
		{
			name:       "declared running without container record",
			app:        domain.App{Status: domain.AppStatusRunning},
			wantStatus: StatusNotDeployed,
			wantIssue:  "no container recorded",
		},
		{
			name:       "stopped app with missing container stays stopped",
			app:        domain.App{Status: domain.AppStatusStopped, ContainerID: "c1"},
			wantStatus: domain.AppStatusStopped,
		},
		{
			name:       "running app with missing container",
			app:        domain.App{Status: domain.AppStatusRunning, ContainerID: "c1"},
			wantStatus: StatusAppError,
			wantIssue:  "recorded container is missing",
		},
		{
			name:       "running app with exited container",
			app:        domain.App{Status: domain.AppStatusRunning, ContainerID: "c1"},
			obs:        Observation{Container: exited},
			wantStatus: StatusAppError,
			wantIssue:  "container is exited (1)",
		},
		{
			name:       "stopped app with exited container",
			app:        domain.App{Status: domain.AppStatusStopped, ContainerID: "c1"},
			obs:        Observation{Container: exited},
			wantStatus: domain.AppStatusStopped,
		},
		{
			name:       "stopped app with live container",
			app:        domain.App{Status: domain.AppStatusStopped, ContainerID: "c1"},
			obs:        Observation{Container: running},
			wantStatus: domain.AppStatusRunning,
			wantIssue:  "declared stopped but container running",
		},
		{
			name:       "running app with healthy route",
			app:        domain.App{Status: domain.AppStatusRunning, ContainerID: "c1", Subdomain: "demo"},
			obs:        Observation{Container: running, Fragment: healthyFragment("demo")},
			wantStatus: domain.AppStatusRunning,
		},
		{
			name: "running app with broken route",
			app:  domain.App{Status: domain.AppStatusRunning, ContainerID: "c1", Subdomain: "demo"},
			obs: Observation{Container: running, Fragment: &ingress.FragmentStatus{
				Subdomain: "demo",
				Issues:    []string{"fragment file missing"},
			}},
			wantStatus: StatusProxyError,
			wantIssue:  "fragment file missing",
		},
		{
			name:       "running app without route check",
			app:        domain.App{Status: domain.AppStatusRunning, ContainerID: "c1"},
			obs:        Observation{Container: running},
			wantStatus: domain.AppStatusRunning,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(&tc.app, tc.obs)
			if got.ActualStatus != tc.wantStatus {
				t.Fatalf("actual status = %q, want %q (issues %v)", got.ActualStatus, tc.wantStatus, got.Issues)
			}
			if tc.wantIssue == "" {
				if len(got.Issues) != 0 {
					t.Fatalf("issues = %v, want none", got.Issues)
				}
				return
			}
			if !strings.Contains(strings.Join(got.Issues, "; "), tc.wantIssue) {
				t.Fatalf("issues = %v, want mention of %q", got.Issues, tc.wantIssue)
			}
		})
	}
}

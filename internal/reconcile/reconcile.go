// Package reconcile compares the declared state of apps against what the
// container engine and proxy actually show, and repairs the drift it can.
package reconcile

import (
	"fmt"

	"github.com/sungreong/openstream-gallery/internal/docker"
	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/ingress"
)

// Synthetic actual statuses beyond the declared set.
const (
	StatusNotDeployed = "not_deployed"
	StatusAppError    = "app_error"
	StatusProxyError  = "proxy_error"
)

// Observation is what one reconciliation pass saw for an app.
type Observation struct {
	// TaskActive marks a non-terminal lifecycle task for the app.
	TaskActive bool
	// TaskKind is the kind of that task when TaskActive is set.
	TaskKind string
	// Container is the inspected state, nil when no container was found.
	Container *docker.State
	// Fragment is the routing cross-check, nil when it was not taken.
	Fragment *ingress.FragmentStatus
}

// Assessment is the derived view of an app.
type Assessment struct {
	ActualStatus string   `json:"actual_status"`
	Issues       []string `json:"issues,omitempty"`
}

// Evaluate derives the actual status from the declared state and the
// observation. Rules apply first-match: an in-flight task means the pipelines
// own the app right now, so its kind decides the transitional status.
func Evaluate(app *domain.App, obs Observation) Assessment {
	if obs.TaskActive {
		return Assessment{ActualStatus: transitional(obs.TaskKind, app.Status)}
	}
	if app.Status == domain.AppStatusError {
		return Assessment{ActualStatus: domain.AppStatusError}
	}
	if app.ContainerID == "" {
		assessment := Assessment{ActualStatus: StatusNotDeployed}
		if app.Status == domain.AppStatusRunning {
			assessment.Issues = append(assessment.Issues, "declared running but no container recorded")
		}
		return assessment
	}
	if obs.Container == nil {
		if app.Status == domain.AppStatusStopped {
			return Assessment{ActualStatus: domain.AppStatusStopped}
		}
		return Assessment{
			ActualStatus: StatusAppError,
			Issues:       []string{"recorded container is missing"},
		}
	}
	if !obs.Container.Running {
		if app.Status == domain.AppStatusStopped {
			return Assessment{ActualStatus: domain.AppStatusStopped}
		}
		return Assessment{
			ActualStatus: StatusAppError,
			Issues:       []string{fmt.Sprintf("container is %s", obs.Container.Status)},
		}
	}

	var issues []string
	if app.Status == domain.AppStatusStopped {
		issues = append(issues, "declared stopped but container running")
	}
	if obs.Fragment != nil && !obs.Fragment.Healthy() {
		return Assessment{
			ActualStatus: StatusProxyError,
			Issues:       append(issues, obs.Fragment.Issues...),
		}
	}
	return Assessment{ActualStatus: domain.AppStatusRunning, Issues: issues}
}

// transitional maps a live task kind to the status it implies. Unknown kinds
// fall back to the declared status.
func transitional(kind, declared string) string {
	switch kind {
	case domain.TaskKindBuild:
		return domain.AppStatusBuilding
	case domain.TaskKindDeploy:
		return domain.AppStatusDeploying
	case domain.TaskKindStop:
		return domain.AppStatusStopping
	default:
		return declared
	}
}

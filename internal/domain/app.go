package domain

import "time"

// AppStatus enumerates declared app lifecycle states.
const (
	AppStatusStopped   = "stopped"
	AppStatusBuilding  = "building"
	AppStatusDeploying = "deploying"
	AppStatusRunning   = "running"
	AppStatusStopping  = "stopping"
	AppStatusError     = "error"
)

// BaseImageChoice enumerates selectable base Dockerfile variants. Auto defers
// the decision to the requirements classification.
const (
	BaseImageAuto    = "auto"
	BaseImageMinimal = "minimal"
	BaseImagePy39    = "py39"
	BaseImagePy310   = "py310"
	BaseImagePy311   = "py311"
)

// EnvVar is a single key/value pair injected into the app container.
// Order is preserved from registration.
type EnvVar struct {
	Key   string
	Value string
}

// App is a user-declared deployable unit: a Git repository with a Streamlit
// entry file plus build and routing configuration.
type App struct {
	ID              int64
	OwnerID         string
	Name            string
	Description     string
	GitURL          string
	Branch          string
	EntryFile       string
	BaseImageChoice string
	CustomBaseImage string
	CustomOverlay   string
	CredentialID    *int64
	EnvVars         []EnvVar
	Subdomain       string
	Status          string
	ContainerID     string
	ImageTag        string
	BuildTaskID     string
	DeployTaskID    string
	StopTaskID      string
	IsPublic        bool
	LastDeployedAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TaskIDFor returns the task id recorded on the app for the given kind.
func (a App) TaskIDFor(kind string) string {
	switch kind {
	case TaskKindBuild:
		return a.BuildTaskID
	case TaskKindDeploy:
		return a.DeployTaskID
	case TaskKindStop:
		return a.StopTaskID
	}
	return ""
}

// Updatable reports whether app configuration may be edited in the current
// declared state.
func (a App) Updatable() bool {
	return a.Status == AppStatusStopped || a.Status == AppStatusError
}

package domain

import "time"

// DeploymentStatus enumerates history record outcomes.
const (
	DeploymentStatusInProgress = "in_progress"
	DeploymentStatusSuccess    = "success"
	DeploymentStatusFailed     = "failed"
)

// Deployment captures one build/deploy attempt for the history view.
// Variant and DockerfileHash identify the exact composed Dockerfile.
type Deployment struct {
	ID             int64
	AppID          int64
	CommitHash     string
	Status         string
	BuildLog       string
	ErrorMessage   string
	Variant        string
	DockerfileHash string
	DeployedAt     time.Time
}

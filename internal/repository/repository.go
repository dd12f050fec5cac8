package repository

import (
	"context"
	"time"

	"github.com/sungreong/openstream-gallery/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// AppRepository persists app configuration and lifecycle fields.
type AppRepository interface {
	CreateApp(ctx context.Context, app *domain.App) error
	GetAppByID(ctx context.Context, id int64) (*domain.App, error)
	GetAppBySubdomain(ctx context.Context, subdomain string) (*domain.App, error)
	ListAppsByOwner(ctx context.Context, ownerID string) ([]domain.App, error)
	ListPublicApps(ctx context.Context) ([]domain.App, error)
	ListApps(ctx context.Context) ([]domain.App, error)
	ListAppSubdomains(ctx context.Context) ([]string, error)
	UpdateAppConfig(ctx context.Context, app *domain.App) error
	UpdateAppStatus(ctx context.Context, id int64, status string) error
	SetAppImage(ctx context.Context, id int64, imageTag string) error
	SetAppContainer(ctx context.Context, id int64, containerID string, deployedAt time.Time) error
	ClearAppContainer(ctx context.Context, id int64) error
	DeleteApp(ctx context.Context, id int64) error
}

// TaskRepository stores lifecycle tasks. EnqueueTask enforces the
// one-non-terminal-task-per-kind invariant at the store level.
type TaskRepository interface {
	EnqueueTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ClaimTask(ctx context.Context, id string) (*domain.Task, error)
	MarkTaskState(ctx context.Context, id, state, errorMessage string) error
	MarkTaskRetry(ctx context.Context, id string, attempt int, errorMessage string) error
	UpdateTaskProgress(ctx context.Context, id string, progress domain.Progress) error
	RevokeTask(ctx context.Context, id string) (bool, error)
	ListTasksByApp(ctx context.Context, appID int64, limit int) ([]domain.Task, error)
	ListUnsettledTasks(ctx context.Context) ([]domain.Task, error)
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	FinishDeployment(ctx context.Context, id int64, status, buildLog, errorMessage string) error
	ListDeploymentsByApp(ctx context.Context, appID int64, limit int) ([]domain.Deployment, error)
	LatestSuccessfulDeployment(ctx context.Context, appID int64) (*domain.Deployment, error)
	PurgeDeploymentsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CredentialRepository stores encrypted git credentials.
type CredentialRepository interface {
	CreateCredential(ctx context.Context, credential *domain.GitCredential) error
	GetCredentialByID(ctx context.Context, id int64) (*domain.GitCredential, error)
	ListCredentialsByOwner(ctx context.Context, ownerID string) ([]domain.GitCredential, error)
	DeleteCredential(ctx context.Context, id int64, ownerID string) error
}

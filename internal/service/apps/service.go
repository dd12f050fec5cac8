// Package apps implements app registration and configuration. Lifecycle
// operations (build, deploy, stop, cancel, delete) live on the pipeline
// orchestrator; this service owns the catalog side.
package apps

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"

	"log/slog"

	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/fault"
	"github.com/sungreong/openstream-gallery/internal/repository"
)

const (
	defaultBranch    = "main"
	defaultEntryFile = "streamlit_app.py"

	maxNameLength   = 100
	maxGitURLLength = 500
	maxBranchLength = 100
	maxEntryLength  = 200
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Service manages the app catalog.
type Service struct {
	apps        repository.AppRepository
	credentials repository.CredentialRepository
	deployments repository.DeploymentRepository
	tasks       repository.TaskRepository
	logger      *slog.Logger
}

// New constructs a Service.
func New(apps repository.AppRepository, credentials repository.CredentialRepository,
	deployments repository.DeploymentRepository, tasks repository.TaskRepository, logger *slog.Logger) Service {
	return Service{apps: apps, credentials: credentials, deployments: deployments, tasks: tasks, logger: logger}
}

// Input carries app registration attributes. Update reuses the same shape.
type Input struct {
	Name            string
	Description     string
	GitURL          string
	Branch          string
	EntryFile       string
	BaseImageChoice string
	CustomBaseImage string
	CustomOverlay   string
	CredentialID    *int64
	EnvVars         []domain.EnvVar
	IsPublic        bool
}

// Create registers a new app. The subdomain is derived from the name and the
// assigned id by the store and is stable for the app's lifetime.
func (s Service) Create(ctx context.Context, ownerID string, input Input) (*domain.App, error) {
	normalized, err := s.normalize(ctx, ownerID, input)
	if err != nil {
		return nil, err
	}
	app := &domain.App{
		OwnerID:         ownerID,
		Name:            normalized.Name,
		Description:     normalized.Description,
		GitURL:          normalized.GitURL,
		Branch:          normalized.Branch,
		EntryFile:       normalized.EntryFile,
		BaseImageChoice: normalized.BaseImageChoice,
		CustomBaseImage: normalized.CustomBaseImage,
		CustomOverlay:   normalized.CustomOverlay,
		CredentialID:    normalized.CredentialID,
		EnvVars:         normalized.EnvVars,
		IsPublic:        normalized.IsPublic,
		Status:          domain.AppStatusStopped,
	}
	if err := s.apps.CreateApp(ctx, app); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fault.New(fault.KindConflict, "an app with that name already exists")
		}
		return nil, err
	}
	s.logger.Info("app created", "app_id", app.ID, "subdomain", app.Subdomain, "owner_id", ownerID)
	return app, nil
}

// Update rewrites app configuration. Only stopped or errored apps may change;
// the subdomain assigned at registration never does.
func (s Service) Update(ctx context.Context, ownerID string, id int64, input Input) (*domain.App, error) {
	app, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !app.Updatable() {
		return nil, fault.New(fault.KindConflict, "app is %s; stop it before editing", app.Status)
	}
	normalized, err := s.normalize(ctx, ownerID, input)
	if err != nil {
		return nil, err
	}
	app.Name = normalized.Name
	app.Description = normalized.Description
	app.GitURL = normalized.GitURL
	app.Branch = normalized.Branch
	app.EntryFile = normalized.EntryFile
	app.BaseImageChoice = normalized.BaseImageChoice
	app.CustomBaseImage = normalized.CustomBaseImage
	app.CustomOverlay = normalized.CustomOverlay
	app.CredentialID = normalized.CredentialID
	app.EnvVars = normalized.EnvVars
	app.IsPublic = normalized.IsPublic
	if err := s.apps.UpdateAppConfig(ctx, app); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fault.New(fault.KindNotFound, "app %d not found", id)
		}
		if errors.Is(err, repository.ErrConflict) {
			return nil, fault.New(fault.KindConflict, "an app with that name already exists")
		}
		return nil, err
	}
	s.logger.Info("app updated", "app_id", app.ID, "owner_id", ownerID)
	return app, nil
}

// Get returns an app the user owns.
func (s Service) Get(ctx context.Context, ownerID string, id int64) (*domain.App, error) {
	app, err := s.apps.GetAppByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fault.New(fault.KindNotFound, "app %d not found", id)
		}
		return nil, err
	}
	if app.OwnerID != ownerID {
		return nil, fault.New(fault.KindNotFound, "app %d not found", id)
	}
	return app, nil
}

// BySubdomain resolves an app by its routing subdomain.
func (s Service) BySubdomain(ctx context.Context, subdomain string) (*domain.App, error) {
	app, err := s.apps.GetAppBySubdomain(ctx, subdomain)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fault.New(fault.KindNotFound, "no app at subdomain %q", subdomain)
		}
		return nil, err
	}
	return app, nil
}

// ListByOwner returns the user's apps, newest first.
func (s Service) ListByOwner(ctx context.Context, ownerID string) ([]domain.App, error) {
	return s.apps.ListAppsByOwner(ctx, ownerID)
}

// ListPublic returns apps published to the gallery. Environment variables and
// credential references are stripped.
func (s Service) ListPublic(ctx context.Context) ([]domain.App, error) {
	apps, err := s.apps.ListPublicApps(ctx)
	if err != nil {
		return nil, err
	}
	for i := range apps {
		apps[i].EnvVars = nil
		apps[i].CredentialID = nil
	}
	return apps, nil
}

// Deployments returns recent deployment history for an owned app.
func (s Service) Deployments(ctx context.Context, ownerID string, appID int64, limit int) ([]domain.Deployment, error) {
	if _, err := s.Get(ctx, ownerID, appID); err != nil {
		return nil, err
	}
	return s.deployments.ListDeploymentsByApp(ctx, appID, limit)
}

// Tasks returns recent lifecycle tasks for an owned app.
func (s Service) Tasks(ctx context.Context, ownerID string, appID int64, limit int) ([]domain.Task, error) {
	if _, err := s.Get(ctx, ownerID, appID); err != nil {
		return nil, err
	}
	return s.tasks.ListTasksByApp(ctx, appID, limit)
}

// Task returns a single task belonging to one of the owner's apps. Foreign
// tasks are indistinguishable from missing ones.
func (s Service) Task(ctx context.Context, ownerID, taskID string) (*domain.Task, error) {
	t, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fault.New(fault.KindNotFound, "task %s not found", taskID)
		}
		return nil, err
	}
	if _, err := s.Get(ctx, ownerID, t.AppID); err != nil {
		return nil, fault.New(fault.KindNotFound, "task %s not found", taskID)
	}
	return t, nil
}

// normalize validates and fills defaults. Returned values are trimmed and
// ready to persist.
func (s Service) normalize(ctx context.Context, ownerID string, input Input) (Input, error) {
	out := input
	out.Name = strings.TrimSpace(input.Name)
	out.Description = strings.TrimSpace(input.Description)
	out.GitURL = strings.TrimSpace(input.GitURL)
	out.Branch = strings.TrimSpace(input.Branch)
	out.EntryFile = strings.TrimSpace(input.EntryFile)
	out.BaseImageChoice = strings.ToLower(strings.TrimSpace(input.BaseImageChoice))
	out.CustomBaseImage = strings.TrimSpace(input.CustomBaseImage)

	if out.Name == "" {
		return Input{}, fault.New(fault.KindInvalidInput, "app name is required")
	}
	if len(out.Name) > maxNameLength {
		return Input{}, fault.New(fault.KindInvalidInput, "app name exceeds %d characters", maxNameLength)
	}
	if err := validateGitURL(out.GitURL); err != nil {
		return Input{}, err
	}
	if out.Branch == "" {
		out.Branch = defaultBranch
	}
	if err := validateBranch(out.Branch); err != nil {
		return Input{}, err
	}
	if out.EntryFile == "" {
		out.EntryFile = defaultEntryFile
	}
	if err := validateEntryFile(out.EntryFile); err != nil {
		return Input{}, err
	}
	if out.BaseImageChoice == "" {
		out.BaseImageChoice = domain.BaseImageAuto
	}
	if err := validateBaseImageChoice(out.BaseImageChoice); err != nil {
		return Input{}, err
	}
	if err := validateEnvVars(out.EnvVars); err != nil {
		return Input{}, err
	}
	if out.CredentialID != nil && *out.CredentialID != 0 {
		credential, err := s.credentials.GetCredentialByID(ctx, *out.CredentialID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return Input{}, fault.New(fault.KindInvalidInput, "credential %d not found", *out.CredentialID)
			}
			return Input{}, err
		}
		if credential.OwnerID != ownerID {
			return Input{}, fault.New(fault.KindInvalidInput, "credential %d not found", *out.CredentialID)
		}
	} else {
		out.CredentialID = nil
	}
	return out, nil
}

// validateGitURL accepts http(s) URLs, ssh:// URLs, and scp-like git@host:path
// forms.
func validateGitURL(raw string) error {
	if raw == "" {
		return fault.New(fault.KindInvalidInput, "git URL is required")
	}
	if len(raw) > maxGitURLLength {
		return fault.New(fault.KindInvalidInput, "git URL exceeds %d characters", maxGitURLLength)
	}
	if strings.ContainsAny(raw, " \t\n") {
		return fault.New(fault.KindInvalidInput, "git URL must not contain whitespace")
	}
	if strings.HasPrefix(raw, "git@") && strings.Contains(raw, ":") {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fault.New(fault.KindInvalidInput, "git URL is not parseable: %v", err)
	}
	switch parsed.Scheme {
	case "http", "https", "ssh":
		if parsed.Host == "" {
			return fault.New(fault.KindInvalidInput, "git URL is missing a host")
		}
		return nil
	}
	return fault.New(fault.KindInvalidInput, "git URL must use http(s), ssh, or git@host:path form")
}

func validateBranch(branch string) error {
	if len(branch) > maxBranchLength {
		return fault.New(fault.KindInvalidInput, "branch exceeds %d characters", maxBranchLength)
	}
	if strings.HasPrefix(branch, "-") || strings.Contains(branch, "..") || strings.ContainsAny(branch, " \t\n~^:?*[\\") {
		return fault.New(fault.KindInvalidInput, "branch %q is not a valid git ref name", branch)
	}
	return nil
}

// validateEntryFile constrains the Streamlit entry point to a python file
// inside the repository.
func validateEntryFile(entry string) error {
	if len(entry) > maxEntryLength {
		return fault.New(fault.KindInvalidInput, "entry file path exceeds %d characters", maxEntryLength)
	}
	if !strings.HasSuffix(entry, ".py") {
		return fault.New(fault.KindInvalidInput, "entry file must be a .py file")
	}
	if strings.HasPrefix(entry, "/") || strings.Contains(entry, "..") || strings.Contains(entry, "\\") {
		return fault.New(fault.KindInvalidInput, "entry file must be a relative path inside the repository")
	}
	return nil
}

func validateBaseImageChoice(choice string) error {
	switch choice {
	case domain.BaseImageAuto, domain.BaseImageMinimal, domain.BaseImagePy39, domain.BaseImagePy310, domain.BaseImagePy311:
		return nil
	}
	return fault.New(fault.KindInvalidInput,
		"base image choice must be one of auto, minimal, py39, py310, py311")
}

func validateEnvVars(vars []domain.EnvVar) error {
	seen := make(map[string]bool, len(vars))
	for _, v := range vars {
		if !envKeyPattern.MatchString(v.Key) {
			return fault.New(fault.KindInvalidInput, "environment variable key %q is invalid", v.Key)
		}
		if seen[v.Key] {
			return fault.New(fault.KindInvalidInput, "environment variable %q appears more than once", v.Key)
		}
		seen[v.Key] = true
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.AppRepository        = (*Repository)(nil)
	_ repository.TaskRepository       = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.CredentialRepository = (*Repository)(nil)
)

// storeError translates driver-level constraint failures into repository
// sentinels. Unique violations become ErrConflict, broken references become
// ErrNotFound.
func storeError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrConflict
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	if user == nil {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO users (id, username, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, NOW()) RETURNING created_at`
	if err := r.pool.QueryRow(ctx, query, user.ID, user.Username, user.Email, user.PasswordHash).Scan(&user.CreatedAt); err != nil {
		return storeError(err)
	}
	return nil
}

// GetUserByUsername fetches a user by login name.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	const query = `SELECT id, username, email, password_hash, created_at FROM users WHERE username = $1`
	return scanUser(r.pool.QueryRow(ctx, query, username))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, username, email, password_hash, created_at FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

const appColumns = `id, owner_id, name, description, git_url, branch, entry_file,
	base_image_choice, custom_base_image, custom_overlay, credential_id, subdomain,
	status, container_id, image_tag, build_task_id, deploy_task_id, stop_task_id,
	is_public, last_deployed_at, created_at, updated_at`

// CreateApp inserts the app and derives its subdomain from the assigned id in
// one transaction, together with its environment variables.
func (r *Repository) CreateApp(ctx context.Context, app *domain.App) error {
	if app == nil {
		return repository.ErrInvalidArgument
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insert = `INSERT INTO apps (owner_id, name, description, git_url, branch, entry_file,
			base_image_choice, custom_base_image, custom_overlay, credential_id, status, is_public, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING id, created_at, updated_at`
	if err := tx.QueryRow(ctx, insert,
		app.OwnerID,
		app.Name,
		app.Description,
		app.GitURL,
		app.Branch,
		app.EntryFile,
		app.BaseImageChoice,
		app.CustomBaseImage,
		app.CustomOverlay,
		int64PtrToNil(app.CredentialID),
		app.Status,
		app.IsPublic,
	).Scan(&app.ID, &app.CreatedAt, &app.UpdatedAt); err != nil {
		return storeError(err)
	}

	app.Subdomain = domain.SubdomainFor(app.Name, app.ID)
	if _, err := tx.Exec(ctx, `UPDATE apps SET subdomain = $2 WHERE id = $1`, app.ID, app.Subdomain); err != nil {
		return storeError(err)
	}
	if err := insertEnvVars(ctx, tx, app.ID, app.EnvVars); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetAppByID fetches an app with its environment variables.
func (r *Repository) GetAppByID(ctx context.Context, id int64) (*domain.App, error) {
	const query = `SELECT ` + appColumns + ` FROM apps WHERE id = $1`
	app, err := scanApp(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	app.EnvVars, err = r.listAppEnvVars(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// GetAppBySubdomain fetches an app by its routing subdomain.
func (r *Repository) GetAppBySubdomain(ctx context.Context, subdomain string) (*domain.App, error) {
	const query = `SELECT ` + appColumns + ` FROM apps WHERE subdomain = $1`
	app, err := scanApp(r.pool.QueryRow(ctx, query, subdomain))
	if err != nil {
		return nil, err
	}
	app.EnvVars, err = r.listAppEnvVars(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// ListAppsByOwner returns an owner's apps, newest first. Environment variables
// are omitted from list results.
func (r *Repository) ListAppsByOwner(ctx context.Context, ownerID string) ([]domain.App, error) {
	const query = `SELECT ` + appColumns + ` FROM apps WHERE owner_id = $1 ORDER BY created_at DESC`
	return r.queryApps(ctx, query, ownerID)
}

// ListPublicApps returns apps visible without authentication.
func (r *Repository) ListPublicApps(ctx context.Context) ([]domain.App, error) {
	const query = `SELECT ` + appColumns + ` FROM apps WHERE is_public ORDER BY created_at DESC`
	return r.queryApps(ctx, query)
}

// ListApps returns every registered app.
func (r *Repository) ListApps(ctx context.Context) ([]domain.App, error) {
	const query = `SELECT ` + appColumns + ` FROM apps ORDER BY id`
	return r.queryApps(ctx, query)
}

// ListAppSubdomains returns the subdomains of every registered app.
func (r *Repository) ListAppSubdomains(ctx context.Context) ([]string, error) {
	const query = `SELECT subdomain FROM apps WHERE subdomain <> '' ORDER BY subdomain`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subdomains := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		subdomains = append(subdomains, s)
	}
	return subdomains, rows.Err()
}

func (r *Repository) queryApps(ctx context.Context, query string, args ...any) ([]domain.App, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := make([]domain.App, 0)
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// UpdateAppConfig rewrites editable configuration and replaces environment
// variables. The subdomain assigned at registration is kept even when the
// name changes.
func (r *Repository) UpdateAppConfig(ctx context.Context, app *domain.App) error {
	if app == nil {
		return repository.ErrInvalidArgument
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `UPDATE apps
		SET name = $2,
			description = $3,
			git_url = $4,
			branch = $5,
			entry_file = $6,
			base_image_choice = $7,
			custom_base_image = $8,
			custom_overlay = $9,
			credential_id = $10,
			is_public = $11,
			updated_at = NOW()
		WHERE id = $1 RETURNING updated_at`
	if err := tx.QueryRow(ctx, query,
		app.ID,
		app.Name,
		app.Description,
		app.GitURL,
		app.Branch,
		app.EntryFile,
		app.BaseImageChoice,
		app.CustomBaseImage,
		app.CustomOverlay,
		int64PtrToNil(app.CredentialID),
		app.IsPublic,
	).Scan(&app.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return storeError(err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM app_env_vars WHERE app_id = $1`, app.ID); err != nil {
		return err
	}
	if err := insertEnvVars(ctx, tx, app.ID, app.EnvVars); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateAppStatus records a declared lifecycle transition.
func (r *Repository) UpdateAppStatus(ctx context.Context, id int64, status string) error {
	const query = `UPDATE apps SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return storeError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetAppImage records the image tag produced by a successful build.
func (r *Repository) SetAppImage(ctx context.Context, id int64, imageTag string) error {
	const query = `UPDATE apps SET image_tag = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, imageTag)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetAppContainer records the running container after a successful deploy.
func (r *Repository) SetAppContainer(ctx context.Context, id int64, containerID string, deployedAt time.Time) error {
	const query = `UPDATE apps SET container_id = $2, last_deployed_at = $3, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, containerID, deployedAt.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ClearAppContainer drops the container reference after a stop.
func (r *Repository) ClearAppContainer(ctx context.Context, id int64) error {
	const query = `UPDATE apps SET container_id = '', updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteApp removes the app row. Environment variables, deployments, and
// tasks cascade.
func (r *Repository) DeleteApp(ctx context.Context, id int64) error {
	const query = `DELETE FROM apps WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) listAppEnvVars(ctx context.Context, appID int64) ([]domain.EnvVar, error) {
	const query = `SELECT key, value FROM app_env_vars WHERE app_id = $1 ORDER BY position`
	rows, err := r.pool.Query(ctx, query, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := make([]domain.EnvVar, 0)
	for rows.Next() {
		var v domain.EnvVar
		if err := rows.Scan(&v.Key, &v.Value); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

func insertEnvVars(ctx context.Context, tx pgx.Tx, appID int64, vars []domain.EnvVar) error {
	if len(vars) == 0 {
		return nil
	}
	const query = `INSERT INTO app_env_vars (app_id, position, key, value) VALUES ($1, $2, $3, $4)`
	batch := &pgx.Batch{}
	for i, v := range vars {
		batch.Queue(query, appID, i, v.Key, v.Value)
	}
	br := tx.SendBatch(ctx, batch)
	for range vars {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return storeError(err)
		}
	}
	return br.Close()
}

func scanApp(row pgx.Row) (*domain.App, error) {
	var (
		app          domain.App
		credentialID sql.NullInt64
		deployedAt   sql.NullTime
	)
	if err := row.Scan(
		&app.ID,
		&app.OwnerID,
		&app.Name,
		&app.Description,
		&app.GitURL,
		&app.Branch,
		&app.EntryFile,
		&app.BaseImageChoice,
		&app.CustomBaseImage,
		&app.CustomOverlay,
		&credentialID,
		&app.Subdomain,
		&app.Status,
		&app.ContainerID,
		&app.ImageTag,
		&app.BuildTaskID,
		&app.DeployTaskID,
		&app.StopTaskID,
		&app.IsPublic,
		&deployedAt,
		&app.CreatedAt,
		&app.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if credentialID.Valid {
		value := credentialID.Int64
		app.CredentialID = &value
	}
	if deployedAt.Valid {
		value := deployedAt.Time.UTC()
		app.LastDeployedAt = &value
	}
	return &app, nil
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if deployment == nil {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO deployments (app_id, commit_hash, status, build_log, error_message, variant, dockerfile_hash, deployed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW()) RETURNING id, deployed_at`
	if err := r.pool.QueryRow(ctx, query,
		deployment.AppID,
		deployment.CommitHash,
		deployment.Status,
		deployment.BuildLog,
		deployment.ErrorMessage,
		deployment.Variant,
		deployment.DockerfileHash,
	).Scan(&deployment.ID, &deployment.DeployedAt); err != nil {
		return storeError(err)
	}
	return nil
}

// FinishDeployment records the outcome of an in-progress deployment.
func (r *Repository) FinishDeployment(ctx context.Context, id int64, status, buildLog, errorMessage string) error {
	const query = `UPDATE deployments SET status = $2, build_log = $3, error_message = $4 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, status, buildLog, errorMessage)
	if err != nil {
		return storeError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeploymentsByApp returns recent deployments, newest first.
func (r *Repository) ListDeploymentsByApp(ctx context.Context, appID int64, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, app_id, commit_hash, status, build_log, error_message, variant, dockerfile_hash, deployed_at
		FROM deployments WHERE app_id = $1 ORDER BY deployed_at DESC, id DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, appID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.AppID, &d.CommitHash, &d.Status, &d.BuildLog, &d.ErrorMessage, &d.Variant, &d.DockerfileHash, &d.DeployedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// LatestSuccessfulDeployment returns the most recent deployment that produced
// a usable image.
func (r *Repository) LatestSuccessfulDeployment(ctx context.Context, appID int64) (*domain.Deployment, error) {
	const query = `SELECT id, app_id, commit_hash, status, build_log, error_message, variant, dockerfile_hash, deployed_at
		FROM deployments WHERE app_id = $1 AND status = 'success' ORDER BY deployed_at DESC, id DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, appID)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.AppID, &d.CommitHash, &d.Status, &d.BuildLog, &d.ErrorMessage, &d.Variant, &d.DockerfileHash, &d.DeployedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// PurgeDeploymentsBefore deletes finished deployment records older than the
// cutoff and reports how many were removed.
func (r *Repository) PurgeDeploymentsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM deployments WHERE deployed_at < $1 AND status <> 'in_progress'`
	tag, err := r.pool.Exec(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateCredential stores an encrypted git credential.
func (r *Repository) CreateCredential(ctx context.Context, credential *domain.GitCredential) error {
	if credential == nil {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO git_credentials (owner_id, name, provider, auth_kind, username, secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW()) RETURNING id, created_at, updated_at`
	if err := r.pool.QueryRow(ctx, query,
		credential.OwnerID,
		credential.Name,
		credential.Provider,
		credential.AuthKind,
		credential.Username,
		credential.Secret,
	).Scan(&credential.ID, &credential.CreatedAt, &credential.UpdatedAt); err != nil {
		return storeError(err)
	}
	return nil
}

// GetCredentialByID fetches a credential with its encrypted secret.
func (r *Repository) GetCredentialByID(ctx context.Context, id int64) (*domain.GitCredential, error) {
	const query = `SELECT id, owner_id, name, provider, auth_kind, username, secret, created_at, updated_at
		FROM git_credentials WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var c domain.GitCredential
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Provider, &c.AuthKind, &c.Username, &c.Secret, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListCredentialsByOwner returns an owner's credentials ordered by name.
func (r *Repository) ListCredentialsByOwner(ctx context.Context, ownerID string) ([]domain.GitCredential, error) {
	const query = `SELECT id, owner_id, name, provider, auth_kind, username, secret, created_at, updated_at
		FROM git_credentials WHERE owner_id = $1 ORDER BY name`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	credentials := make([]domain.GitCredential, 0)
	for rows.Next() {
		var c domain.GitCredential
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Provider, &c.AuthKind, &c.Username, &c.Secret, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		credentials = append(credentials, c)
	}
	return credentials, rows.Err()
}

// DeleteCredential removes a credential owned by the given user.
func (r *Repository) DeleteCredential(ctx context.Context, id int64, ownerID string) error {
	const query = `DELETE FROM git_credentials WHERE id = $1 AND owner_id = $2`
	tag, err := r.pool.Exec(ctx, query, id, ownerID)
	if err != nil {
		return storeError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func int64PtrToNil(v *int64) any {
	if v == nil || *v == 0 {
		return nil
	}
	return *v
}

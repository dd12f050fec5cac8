package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/repository"
)

const taskColumns = `id, kind, app_id, state, progress_current, progress_total, progress_message,
	error_message, attempt, params, created_at, started_at, finished_at`

// EnqueueTask inserts the task and records its id on the app inside one
// transaction. The partial unique index over non-terminal (app_id, kind)
// pairs turns a concurrent enqueue of the same kind into ErrConflict.
func (r *Repository) EnqueueTask(ctx context.Context, task *domain.Task) error {
	if task == nil || task.ID == "" {
		return repository.ErrInvalidArgument
	}
	params, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("encode task params: %w", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insert = `INSERT INTO tasks (id, kind, app_id, state, progress_current, progress_total, progress_message, attempt, params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW()) RETURNING created_at`
	if err := tx.QueryRow(ctx, insert,
		task.ID,
		task.Kind,
		task.AppID,
		task.State,
		task.Progress.Current,
		task.Progress.Total,
		task.Progress.Message,
		task.Attempt,
		params,
	).Scan(&task.CreatedAt); err != nil {
		return storeError(err)
	}

	var record string
	switch task.Kind {
	case domain.TaskKindBuild:
		record = `UPDATE apps SET build_task_id = $2, updated_at = NOW() WHERE id = $1`
	case domain.TaskKindDeploy:
		record = `UPDATE apps SET deploy_task_id = $2, updated_at = NOW() WHERE id = $1`
	case domain.TaskKindStop:
		record = `UPDATE apps SET stop_task_id = $2, updated_at = NOW() WHERE id = $1`
	default:
		return repository.ErrInvalidArgument
	}
	tag, err := tx.Exec(ctx, record, task.AppID, task.ID)
	if err != nil {
		return storeError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return tx.Commit(ctx)
}

// GetTask fetches a task by identifier.
func (r *Repository) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	const query = `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(r.pool.QueryRow(ctx, query, id))
}

// ClaimTask transitions a pending or retry-waiting task to running. A task
// revoked in the meantime yields ErrNotFound so the worker drops it.
func (r *Repository) ClaimTask(ctx context.Context, id string) (*domain.Task, error) {
	const query = `UPDATE tasks
		SET state = 'running',
			started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND state IN ('pending', 'retry')
		RETURNING ` + taskColumns
	return scanTask(r.pool.QueryRow(ctx, query, id))
}

// MarkTaskState records a state transition, stamping finished_at on terminal
// states.
func (r *Repository) MarkTaskState(ctx context.Context, id, state, errorMessage string) error {
	const query = `UPDATE tasks
		SET state = $2,
			error_message = $3,
			finished_at = CASE WHEN $2 IN ('success', 'failure', 'revoked') THEN NOW() ELSE finished_at END
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, state, errorMessage)
	if err != nil {
		return storeError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkTaskRetry parks a running task while the engine backs off before the
// next attempt.
func (r *Repository) MarkTaskRetry(ctx context.Context, id string, attempt int, errorMessage string) error {
	const query = `UPDATE tasks
		SET state = 'retry',
			attempt = $2,
			error_message = $3
		WHERE id = $1 AND state = 'running'`
	tag, err := r.pool.Exec(ctx, query, id, attempt, errorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateTaskProgress records a progress checkpoint.
func (r *Repository) UpdateTaskProgress(ctx context.Context, id string, progress domain.Progress) error {
	const query = `UPDATE tasks
		SET progress_current = $2,
			progress_total = $3,
			progress_message = $4
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, progress.Current, progress.Total, progress.Message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RevokeTask cancels a task that has not started running. It reports whether
// the revocation applied; a running task must be cancelled through the engine
// instead.
func (r *Repository) RevokeTask(ctx context.Context, id string) (bool, error) {
	const query = `UPDATE tasks
		SET state = 'revoked',
			finished_at = NOW()
		WHERE id = $1 AND state IN ('pending', 'retry')`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListTasksByApp returns recent tasks for an app, newest first.
func (r *Repository) ListTasksByApp(ctx context.Context, appID int64, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + taskColumns + ` FROM tasks WHERE app_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, appID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// ListUnsettledTasks returns tasks in non-terminal states, oldest first.
// Startup recovery uses it to settle work interrupted by a restart and to
// re-queue tasks that never ran.
func (r *Repository) ListUnsettledTasks(ctx context.Context) ([]domain.Task, error) {
	const query = `SELECT ` + taskColumns + ` FROM tasks WHERE state IN ('pending', 'running', 'retry') ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		task       domain.Task
		params     []byte
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := row.Scan(
		&task.ID,
		&task.Kind,
		&task.AppID,
		&task.State,
		&task.Progress.Current,
		&task.Progress.Total,
		&task.Progress.Message,
		&task.ErrorMessage,
		&task.Attempt,
		&params,
		&task.CreatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &task.Params); err != nil {
			return nil, fmt.Errorf("decode task params: %w", err)
		}
	}
	if startedAt.Valid {
		value := startedAt.Time.UTC()
		task.StartedAt = &value
	}
	if finishedAt.Valid {
		value := finishedAt.Time.UTC()
		task.FinishedAt = &value
	}
	return &task, nil
}

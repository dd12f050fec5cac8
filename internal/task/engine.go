// Package task runs the lifecycle task engine: a worker pool that claims
// queued tasks, drives the registered pipeline for each kind and keeps the
// task rows, progress and cancellation state consistent.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	retry "github.com/sethvargo/go-retry"

	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/fault"
	"github.com/sungreong/openstream-gallery/internal/repository"
)

const (
	defaultWorkers     = 2
	defaultMaxAttempts = 3
	defaultRetryBase   = 2 * time.Second

	// settleTimeout bounds the bookkeeping writes after a task finishes.
	// They run on a fresh context so a shutdown cannot cut them off.
	settleTimeout = 10 * time.Second
)

// Event types pushed to watchers.
const (
	EventTaskProgress = "task_progress"
	EventTaskState    = "task_state"
	EventAppStatus    = "app_status"
)

// Event describes a task or app transition for live status streaming.
type Event struct {
	Type     string           `json:"type"`
	AppID    int64            `json:"app_id"`
	TaskID   string           `json:"task_id,omitempty"`
	Kind     string           `json:"kind,omitempty"`
	State    string           `json:"state,omitempty"`
	Status   string           `json:"status,omitempty"`
	Progress *domain.Progress `json:"progress,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Notifier receives engine events. The websocket hub implements it.
type Notifier interface {
	NotifyTask(event Event)
}

// Runner executes one task kind. Implementations call Execution.Checkpoint
// between stages; a checkpoint error means the task was cancelled and the
// runner must unwind and return that error.
type Runner interface {
	Run(ctx context.Context, exec *Execution) error
}

// Execution carries per-attempt state into a Runner.
type Execution struct {
	Task    *domain.Task
	Attempt int

	// FollowUp, when set by the runner, is submitted once the task settles
	// as success. The build pipeline chains deployment through it.
	FollowUp *domain.Task

	engine *Engine
}

// Checkpoint persists progress, notifies watchers and honors a pending
// cancellation request.
func (x *Execution) Checkpoint(ctx context.Context, current, total int, message string) error {
	return x.engine.checkpoint(ctx, x.Task, current, total, message)
}

// LastAttempt reports whether no retry remains after a retryable failure.
func (x *Execution) LastAttempt() bool {
	return x.Attempt >= x.engine.maxAttempts
}

// Cancelled reports a pending cancellation request without recording a
// checkpoint. Long stages poll it so cancellation does not wait for the
// stage to finish.
func (x *Execution) Cancelled() bool {
	_, ok := x.engine.cancels.Load(x.Task.ID)
	return ok
}

// Config tunes the engine.
type Config struct {
	Workers     int
	MaxAttempts int
	RetryBase   time.Duration
}

// Engine claims queued tasks and drives registered runners with retry,
// cancellation and progress bookkeeping. It knows nothing about what a
// given kind does; that lives in the Runner.
type Engine struct {
	tasks    repository.TaskRepository
	apps     repository.AppRepository
	queue    Queue
	notifier Notifier
	log      *slog.Logger

	workers     int
	maxAttempts int
	retryBase   time.Duration

	mu      sync.RWMutex
	runners map[string]Runner

	cancels sync.Map

	wg sync.WaitGroup
}

// New wires an engine. Runners are registered afterwards, before Start.
func New(cfg Config, tasks repository.TaskRepository, apps repository.AppRepository, queue Queue, notifier Notifier, log *slog.Logger) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	if log == nil {
		log = slog.Default()
	}
	initMetrics()
	return &Engine{
		tasks:       tasks,
		apps:        apps,
		queue:       queue,
		notifier:    notifier,
		log:         log,
		workers:     workers,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		runners:     make(map[string]Runner),
	}
}

// Register binds a runner to a task kind.
func (e *Engine) Register(kind string, runner Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[kind] = runner
}

func (e *Engine) runnerFor(kind string) (Runner, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	runner, ok := e.runners[kind]
	return runner, ok
}

// Start launches the worker pool. Workers exit when ctx ends or the queue
// closes; Wait blocks until they have drained.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func(id int) {
			defer e.wg.Done()
			e.workerLoop(ctx, id)
		}(i)
	}
	e.log.Info("task engine started", "workers", e.workers)
}

// Wait blocks until all workers have returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Submit persists the task and hands it to the workers. A second live task
// of the same kind for the app is refused with a conflict.
func (e *Engine) Submit(ctx context.Context, task *domain.Task) error {
	if task == nil || task.AppID == 0 {
		return fault.New(fault.KindInvalidInput, "task requires an app")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.State == "" {
		task.State = domain.TaskStatePending
	}
	if err := e.tasks.EnqueueTask(ctx, task); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fault.New(fault.KindConflict, "a %s task is already active for this app", task.Kind)
		}
		return err
	}
	e.notifyTask(task, domain.TaskStatePending, "")

	if err := e.queue.Push(ctx, task.ID); err != nil {
		// The row exists but never reached the workers. Settle it so the one
		// live task per kind rule does not block future submissions.
		markCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		if mErr := e.tasks.MarkTaskState(markCtx, task.ID, domain.TaskStateFailure, "task queue unavailable"); mErr != nil {
			e.log.Error("settle unqueued task failed", "task_id", task.ID, "error", mErr)
		}
		return fault.Wrap(fault.KindTransient, err, "queue task %s", task.ID)
	}
	e.log.Info("task queued", "task_id", task.ID, "kind", task.Kind, "app_id", task.AppID)
	return nil
}

// Cancel revokes a queued task immediately or flags a running one. A running
// task observes the flag at its next checkpoint, unwinds and settles as
// revoked. Cancelling a finished task is a conflict.
func (e *Engine) Cancel(ctx context.Context, task *domain.Task) error {
	if task == nil {
		return fault.New(fault.KindInvalidInput, "task required")
	}
	if task.Terminal() {
		return fault.New(fault.KindConflict, "task %s already finished", task.ID)
	}
	revoked, err := e.tasks.RevokeTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if revoked {
		e.restorePriorStatus(ctx, task)
		e.notifyTask(task, domain.TaskStateRevoked, "")
		e.log.Info("task revoked", "task_id", task.ID, "kind", task.Kind, "app_id", task.AppID)
		return nil
	}

	fresh, err := e.tasks.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if fresh.Terminal() {
		return fault.New(fault.KindConflict, "task %s already finished", task.ID)
	}
	e.cancels.Store(task.ID, struct{}{})
	e.log.Info("task cancellation requested", "task_id", task.ID, "kind", task.Kind, "app_id", task.AppID)
	return nil
}

// RecoverInterrupted settles tasks a previous process left running and
// re-queues tasks that never ran. Call once before Start.
func (e *Engine) RecoverInterrupted(ctx context.Context) error {
	unsettled, err := e.tasks.ListUnsettledTasks(ctx)
	if err != nil {
		return fmt.Errorf("list unsettled tasks: %w", err)
	}
	for i := range unsettled {
		t := &unsettled[i]
		switch t.State {
		case domain.TaskStateRunning:
			if err := e.tasks.MarkTaskState(ctx, t.ID, domain.TaskStateFailure, "interrupted by orchestrator restart"); err != nil {
				e.log.Error("settle interrupted task failed", "task_id", t.ID, "error", err)
				continue
			}
			e.restorePriorStatus(ctx, t)
			e.notifyTask(t, domain.TaskStateFailure, "interrupted by orchestrator restart")
			e.log.Warn("settled task interrupted by restart", "task_id", t.ID, "kind", t.Kind, "app_id", t.AppID)
		case domain.TaskStatePending, domain.TaskStateRetry:
			// Claim-on-pop makes duplicate queue entries harmless, so a task
			// already sitting in a durable queue is simply pushed again.
			if err := e.queue.Push(ctx, t.ID); err != nil {
				e.log.Error("requeue task failed", "task_id", t.ID, "error", err)
			}
		}
	}
	return nil
}

// NotifyStatus publishes an app status transition to watchers. Pipelines
// call it alongside their status writes.
func (e *Engine) NotifyStatus(appID int64, status string) {
	if e.notifier == nil {
		return
	}
	e.notifier.NotifyTask(Event{Type: EventAppStatus, AppID: appID, Status: status})
}

func (e *Engine) workerLoop(ctx context.Context, id int) {
	log := e.log.With("worker", id)
	for {
		taskID, err := e.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				log.Error("queue pop failed", "error", err)
			}
			log.Info("task worker stopping")
			return
		}
		e.process(ctx, taskID, log)
	}
}

func (e *Engine) process(ctx context.Context, taskID string, log *slog.Logger) {
	var (
		current *domain.Task
		follow  *domain.Task
	)

	backoff := retry.WithMaxRetries(uint64(e.maxAttempts-1), retry.NewExponential(e.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		claimed, err := e.tasks.ClaimTask(ctx, taskID)
		if errors.Is(err, repository.ErrNotFound) {
			// Revoked or already settled between queueing and claim.
			current = nil
			return nil
		}
		if err != nil {
			return retry.RetryableError(fmt.Errorf("claim task %s: %w", taskID, err))
		}
		current = claimed

		exec := &Execution{Task: claimed, Attempt: claimed.Attempt + 1, engine: e}
		e.notifyTask(claimed, domain.TaskStateRunning, "")
		log.Info("task started", "task_id", claimed.ID, "kind", claimed.Kind, "app_id", claimed.AppID, "attempt", exec.Attempt)

		runErr := e.run(ctx, exec)
		if runErr == nil {
			follow = exec.FollowUp
			return nil
		}
		if fault.Retryable(runErr) && exec.Attempt < e.maxAttempts {
			if err := e.retryLater(ctx, claimed, exec.Attempt, fault.Redact(runErr.Error())); err != nil {
				return runErr
			}
			log.Warn("task attempt failed, will retry", "task_id", claimed.ID, "attempt", exec.Attempt, "error", runErr)
			return retry.RetryableError(runErr)
		}
		return runErr
	})

	e.settle(taskID, current, err, follow, log)
}

func (e *Engine) run(ctx context.Context, exec *Execution) error {
	runner, ok := e.runnerFor(exec.Task.Kind)
	if !ok {
		return fault.New(fault.KindInvalidInput, "no runner for task kind %q", exec.Task.Kind)
	}
	return runner.Run(ctx, exec)
}

func (e *Engine) settle(taskID string, task *domain.Task, runErr error, follow *domain.Task, log *slog.Logger) {
	defer e.cancels.Delete(taskID)

	if task == nil {
		if runErr != nil {
			log.Error("task claim failed", "task_id", taskID, "error", runErr)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	switch {
	case runErr == nil:
		if err := e.tasks.MarkTaskState(ctx, task.ID, domain.TaskStateSuccess, ""); err != nil {
			log.Error("mark task success failed", "task_id", task.ID, "error", err)
			return
		}
		recordResult(task.Kind, domain.TaskStateSuccess)
		e.notifyTask(task, domain.TaskStateSuccess, "")
		log.Info("task finished", "task_id", task.ID, "kind", task.Kind, "app_id", task.AppID)
		if follow != nil {
			if err := e.Submit(ctx, follow); err != nil {
				log.Error("submit follow-up task failed", "task_id", task.ID, "follow_kind", follow.Kind, "error", err)
			}
		}
	case fault.Is(runErr, fault.KindCanceled):
		if err := e.tasks.MarkTaskState(ctx, task.ID, domain.TaskStateRevoked, ""); err != nil {
			log.Error("mark task revoked failed", "task_id", task.ID, "error", err)
			return
		}
		recordResult(task.Kind, domain.TaskStateRevoked)
		e.notifyTask(task, domain.TaskStateRevoked, "")
		log.Info("task cancelled", "task_id", task.ID, "kind", task.Kind, "app_id", task.AppID)
	default:
		message := fault.TruncateLog(fault.Redact(runErr.Error()), 2048)
		if err := e.tasks.MarkTaskState(ctx, task.ID, domain.TaskStateFailure, message); err != nil {
			log.Error("mark task failure failed", "task_id", task.ID, "error", err)
			return
		}
		recordResult(task.Kind, domain.TaskStateFailure)
		e.notifyTask(task, domain.TaskStateFailure, message)
		log.Error("task failed", "task_id", task.ID, "kind", task.Kind, "app_id", task.AppID, "error", runErr)
	}
}

func (e *Engine) checkpoint(ctx context.Context, task *domain.Task, current, total int, message string) error {
	if _, ok := e.cancels.Load(task.ID); ok {
		return fault.New(fault.KindCanceled, "task %s cancelled", task.ID)
	}
	progress := domain.Progress{Current: current, Total: total, Message: message}
	if err := e.tasks.UpdateTaskProgress(ctx, task.ID, progress); err != nil {
		e.log.Warn("persist task progress failed", "task_id", task.ID, "error", err)
	}
	if e.notifier != nil {
		e.notifier.NotifyTask(Event{
			Type:     EventTaskProgress,
			AppID:    task.AppID,
			TaskID:   task.ID,
			Kind:     task.Kind,
			Progress: &progress,
		})
	}
	return nil
}

func (e *Engine) retryLater(ctx context.Context, task *domain.Task, attempt int, message string) error {
	if err := e.tasks.MarkTaskRetry(ctx, task.ID, attempt, message); err != nil {
		e.log.Error("mark task retry failed", "task_id", task.ID, "error", err)
		return err
	}
	recordRetry(task.Kind)
	e.notifyTask(task, domain.TaskStateRetry, message)
	return nil
}

func (e *Engine) restorePriorStatus(ctx context.Context, task *domain.Task) {
	prior := task.Params.PriorStatus
	if prior == "" {
		return
	}
	if err := e.apps.UpdateAppStatus(ctx, task.AppID, prior); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			e.log.Error("restore app status failed", "app_id", task.AppID, "status", prior, "error", err)
		}
		return
	}
	e.NotifyStatus(task.AppID, prior)
}

func (e *Engine) notifyTask(task *domain.Task, state, errorMessage string) {
	if e.notifier == nil {
		return
	}
	e.notifier.NotifyTask(Event{
		Type:   EventTaskState,
		AppID:  task.AppID,
		TaskID: task.ID,
		Kind:   task.Kind,
		State:  state,
		Error:  errorMessage,
	})
}

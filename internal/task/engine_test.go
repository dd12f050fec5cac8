package task

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/fault"
	"github.com/sungreong/openstream-gallery/internal/repository"
)

// taskRepoStub keeps tasks in memory and enforces the same one live task
// per kind rule the postgres store does.
type taskRepoStub struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	order []string

	enqueueErr error
	retries    []int
}

func newTaskRepoStub() *taskRepoStub {
	return &taskRepoStub{tasks: make(map[string]*domain.Task)}
}

func (r *taskRepoStub) EnqueueTask(_ context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enqueueErr != nil {
		return r.enqueueErr
	}
	for _, existing := range r.tasks {
		if existing.AppID == task.AppID && existing.Kind == task.Kind && !existing.Terminal() {
			return repository.ErrConflict
		}
	}
	stored := *task
	stored.CreatedAt = time.Now()
	r.tasks[task.ID] = &stored
	r.order = append(r.order, task.ID)
	return nil
}

func (r *taskRepoStub) GetTask(_ context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *task
	return &copied, nil
}

func (r *taskRepoStub) ClaimTask(_ context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || (task.State != domain.TaskStatePending && task.State != domain.TaskStateRetry) {
		return nil, repository.ErrNotFound
	}
	now := time.Now()
	task.State = domain.TaskStateRunning
	task.StartedAt = &now
	copied := *task
	return &copied, nil
}

func (r *taskRepoStub) MarkTaskState(_ context.Context, id, state, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return repository.ErrNotFound
	}
	task.State = state
	task.ErrorMessage = errorMessage
	if domain.TaskStateTerminal(state) {
		now := time.Now()
		task.FinishedAt = &now
	}
	return nil
}

func (r *taskRepoStub) MarkTaskRetry(_ context.Context, id string, attempt int, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return repository.ErrNotFound
	}
	task.State = domain.TaskStateRetry
	task.Attempt = attempt
	task.ErrorMessage = errorMessage
	r.retries = append(r.retries, attempt)
	return nil
}

func (r *taskRepoStub) UpdateTaskProgress(_ context.Context, id string, progress domain.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return repository.ErrNotFound
	}
	task.Progress = progress
	return nil
}

func (r *taskRepoStub) RevokeTask(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if task.State != domain.TaskStatePending && task.State != domain.TaskStateRetry {
		return false, nil
	}
	task.State = domain.TaskStateRevoked
	now := time.Now()
	task.FinishedAt = &now
	return true, nil
}

func (r *taskRepoStub) ListTasksByApp(_ context.Context, appID int64, limit int) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Task, 0)
	for _, id := range r.order {
		task := r.tasks[id]
		if task.AppID == appID {
			out = append(out, *task)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *taskRepoStub) ListUnsettledTasks(_ context.Context) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Task, 0)
	for _, id := range r.order {
		if task := r.tasks[id]; !task.Terminal() {
			out = append(out, *task)
		}
	}
	return out, nil
}

func (r *taskRepoStub) seed(task domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := task
	r.tasks[task.ID] = &stored
	r.order = append(r.order, task.ID)
}

// appStatusStub records status writes. The engine touches nothing else on
// the app repository, so the embedded interface stays nil.
type appStatusStub struct {
	repository.AppRepository
	mu       sync.Mutex
	statuses map[int64]string
}

func (s *appStatusStub) UpdateAppStatus(_ context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func (s *appStatusStub) statusOf(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

type notifierStub struct {
	mu     sync.Mutex
	events []Event
}

func (n *notifierStub) NotifyTask(event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *notifierStub) snapshot() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

func (n *notifierStub) taskStates() []string {
	states := make([]string, 0)
	for _, event := range n.snapshot() {
		if event.Type == EventTaskState {
			states = append(states, event.State)
		}
	}
	return states
}

type runnerFunc func(ctx context.Context, exec *Execution) error

func (f runnerFunc) Run(ctx context.Context, exec *Execution) error { return f(ctx, exec) }

type engineFixture struct {
	engine   *Engine
	repo     *taskRepoStub
	apps     *appStatusStub
	notifier *notifierStub
	queue    Queue
}

func newEngineFixture(cfg Config) *engineFixture {
	repo := newTaskRepoStub()
	apps := &appStatusStub{statuses: make(map[int64]string)}
	notifier := &notifierStub{}
	queue := NewMemoryQueue(16)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &engineFixture{
		engine:   New(cfg, repo, apps, queue, notifier, log),
		repo:     repo,
		apps:     apps,
		notifier: notifier,
		queue:    queue,
	}
}

func (f *engineFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.engine.Start(ctx)
	t.Cleanup(func() {
		cancel()
		f.engine.Wait()
	})
}

func waitTerminal(t *testing.T, repo *taskRepoStub, id string) *domain.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := repo.GetTask(context.Background(), id)
		if err == nil && task.Terminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never settled", id)
	return nil
}

func TestSubmitQueuesTask(t *testing.T) {
	f := newEngineFixture(Config{})
	task := &domain.Task{AppID: 7, Kind: domain.TaskKindBuild}

	if err := f.engine.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.ID == "" {
		t.Fatal("submit must assign a task id")
	}
	stored, err := f.repo.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.State != domain.TaskStatePending {
		t.Fatalf("state = %q, want pending", stored.State)
	}

	popCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	queued, err := f.queue.Pop(popCtx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if queued != task.ID {
		t.Fatalf("queued id = %q, want %q", queued, task.ID)
	}

	states := f.notifier.taskStates()
	if len(states) != 1 || states[0] != domain.TaskStatePending {
		t.Fatalf("notified states = %v, want [pending]", states)
	}
}

func TestSubmitRejectsSecondLiveTaskOfSameKind(t *testing.T) {
	f := newEngineFixture(Config{})
	if err := f.engine.Submit(context.Background(), &domain.Task{AppID: 7, Kind: domain.TaskKindBuild}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	err := f.engine.Submit(context.Background(), &domain.Task{AppID: 7, Kind: domain.TaskKindBuild})
	if fault.KindOf(err) != fault.KindConflict {
		t.Fatalf("kind = %q, want %q", fault.KindOf(err), fault.KindConflict)
	}
}

func TestSubmitRequiresApp(t *testing.T) {
	f := newEngineFixture(Config{})
	if err := f.engine.Submit(context.Background(), nil); fault.KindOf(err) != fault.KindInvalidInput {
		t.Fatalf("nil task kind = %q, want invalid input", fault.KindOf(err))
	}
	if err := f.engine.Submit(context.Background(), &domain.Task{Kind: domain.TaskKindBuild}); fault.KindOf(err) != fault.KindInvalidInput {
		t.Fatalf("missing app kind = %q, want invalid input", fault.KindOf(err))
	}
}

type failingQueue struct{ Queue }

func (failingQueue) Push(context.Context, string) error {
	return fmt.Errorf("redis connection refused")
}

func TestSubmitSettlesTaskWhenQueueRejectsIt(t *testing.T) {
	repo := newTaskRepoStub()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := New(Config{}, repo, &appStatusStub{statuses: map[int64]string{}}, failingQueue{}, nil, log)

	task := &domain.Task{AppID: 7, Kind: domain.TaskKindBuild}
	err := engine.Submit(context.Background(), task)
	if fault.KindOf(err) != fault.KindTransient {
		t.Fatalf("kind = %q, want transient", fault.KindOf(err))
	}
	stored, getErr := repo.GetTask(context.Background(), task.ID)
	if getErr != nil {
		t.Fatalf("GetTask: %v", getErr)
	}
	if stored.State != domain.TaskStateFailure {
		t.Fatalf("state = %q, want failure", stored.State)
	}
	if stored.ErrorMessage != "task queue unavailable" {
		t.Fatalf("error message = %q", stored.ErrorMessage)
	}
}

func TestEngineRunsTaskToSuccess(t *testing.T) {
	f := newEngineFixture(Config{Workers: 1})
	f.engine.Register(domain.TaskKindBuild, runnerFunc(func(ctx context.Context, exec *Execution) error {
		return exec.Checkpoint(ctx, 2, 4, "halfway")
	}))
	f.start(t)

	task := &domain.Task{AppID: 7, Kind: domain.TaskKindBuild}
	if err := f.engine.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	settled := waitTerminal(t, f.repo, task.ID)
	if settled.State != domain.TaskStateSuccess {
		t.Fatalf("state = %q, want success (error %q)", settled.State, settled.ErrorMessage)
	}
	if settled.Progress.Message != "halfway" {
		t.Fatalf("progress = %+v", settled.Progress)
	}

	var sawProgress bool
	for _, event := range f.notifier.snapshot() {
		if event.Type == EventTaskProgress && event.Progress != nil && event.Progress.Current == 2 {
			sawProgress = true
		}
	}
	if !sawProgress {
		t.Fatal("no progress event published")
	}
	states := f.notifier.taskStates()
	if len(states) < 3 || states[len(states)-1] != domain.TaskStateSuccess {
		t.Fatalf("notified states = %v, want pending..success", states)
	}
}

func TestEngineRunsUnknownKindToFailure(t *testing.T) {
	f := newEngineFixture(Config{Workers: 1})
	f.start(t)

	task := &domain.Task{AppID: 7, Kind: "repaint"}
	if err := f.engine.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	settled := waitTerminal(t, f.repo, task.ID)
	if settled.State != domain.TaskStateFailure {
		t.Fatalf("state = %q, want failure", settled.State)
	}
	if !strings.Contains(settled.ErrorMessage, "no runner") {
		t.Fatalf("error message = %q", settled.ErrorMessage)
	}
}

func TestEngineRetriesTransientFailure(t *testing.T) {
	f := newEngineFixture(Config{Workers: 1, MaxAttempts: 2, RetryBase: time.Millisecond})
	var attempts atomic.Int32
	f.engine.Register(domain.TaskKindBuild, runnerFunc(func(ctx context.Context, exec *Execution) error {
		if attempts.Add(1) == 1 {
			return fault.New(fault.KindTransient, "registry unreachable")
		}
		return nil
	}))
	f.start(t)

	task := &domain.Task{AppID: 7, Kind: domain.TaskKindBuild}
	if err := f.engine.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	settled := waitTerminal(t, f.repo, task.ID)
	if settled.State != domain.TaskStateSuccess {
		t.Fatalf("state = %q, want success after retry", settled.State)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	f.repo.mu.Lock()
	retries := append([]int(nil), f.repo.retries...)
	f.repo.mu.Unlock()
	if len(retries) != 1 || retries[0] != 1 {
		t.Fatalf("recorded retries = %v, want [1]", retries)
	}
}

func TestEngineExhaustsRetriesToFailure(t *testing.T) {
	f := newEngineFixture(Config{Workers: 1, MaxAttempts: 2, RetryBase: time.Millisecond})
	var attempts atomic.Int32
	f.engine.Register(domain.TaskKindBuild, runnerFunc(func(ctx context.Context, exec *Execution) error {
		attempts.Add(1)
		return fault.New(fault.KindTransient, "registry unreachable")
	}))
	f.start(t)

	task := &domain.Task{AppID: 7, Kind: domain.TaskKindBuild}
	if err := f.engine.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	settled := waitTerminal(t, f.repo, task.ID)
	if settled.State != domain.TaskStateFailure {
		t.Fatalf("state = %q, want failure", settled.State)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	if !strings.Contains(settled.ErrorMessage, "registry unreachable") {
		t.Fatalf("error message = %q", settled.ErrorMessage)
	}
}

func TestEngineDoesNotRetryPermanentFailure(t *testing.T) {
	f := newEngineFixture(Config{Workers: 1, MaxAttempts: 3, RetryBase: time.Millisecond})
	var attempts atomic.Int32
	f.engine.Register(domain.TaskKindBuild, runnerFunc(func(ctx context.Context, exec *Execution) error {
		attempts.Add(1)
		return fault.New(fault.KindBuildFailure, "dockerfile invalid")
	}))
	f.start(t)

	task := &domain.Task{AppID: 7, Kind: domain.TaskKindBuild}
	if err := f.engine.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	settled := waitTerminal(t, f.repo, task.ID)
	if settled.State != domain.TaskStateFailure {
		t.Fatalf("state = %q, want failure", settled.State)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestCancelPendingTaskRevokesAndRestoresStatus(t *testing.T) {
	f := newEngineFixture(Config{})
	task := &domain.Task{
		AppID:  7,
		Kind:   domain.TaskKindBuild,
		Params: domain.TaskParams{PriorStatus: domain.AppStatusStopped},
	}
	if err := f.engine.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := f.engine.Cancel(context.Background(), task); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	stored, err := f.repo.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.State != domain.TaskStateRevoked {
		t.Fatalf("state = %q, want revoked", stored.State)
	}
	if got := f.apps.statusOf(7); got != domain.AppStatusStopped {
		t.Fatalf("app status = %q, want restored prior status", got)
	}
}

func TestCancelFinishedTaskIsConflict(t *testing.T) {
	f := newEngineFixture(Config{})
	task := &domain.Task{ID: "done-1", AppID: 7, Kind: domain.TaskKindBuild, State: domain.TaskStateSuccess}
	f.repo.seed(*task)

	err := f.engine.Cancel(context.Background(), task)
	if fault.KindOf(err) != fault.KindConflict {
		t.Fatalf("kind = %q, want conflict", fault.KindOf(err))
	}
}

func TestCancelRunningTaskStopsAtNextCheckpoint(t *testing.T) {
	f := newEngineFixture(Config{Workers: 1})
	started := make(chan struct{})
	f.engine.Register(domain.TaskKindBuild, runnerFunc(func(ctx context.Context, exec *Execution) error {
		close(started)
		for {
			if err := exec.Checkpoint(ctx, 1, 3, "cloning repository"); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}))
	f.start(t)

	task := &domain.Task{AppID: 7, Kind: domain.TaskKindBuild}
	if err := f.engine.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never started")
	}

	running, err := f.repo.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if err := f.engine.Cancel(context.Background(), running); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	settled := waitTerminal(t, f.repo, task.ID)
	if settled.State != domain.TaskStateRevoked {
		t.Fatalf("state = %q, want revoked", settled.State)
	}
}

func TestFollowUpSubmittedAfterSuccess(t *testing.T) {
	f := newEngineFixture(Config{Workers: 1})
	deployDone := make(chan string, 1)
	f.engine.Register(domain.TaskKindBuild, runnerFunc(func(ctx context.Context, exec *Execution) error {
		exec.FollowUp = &domain.Task{AppID: exec.Task.AppID, Kind: domain.TaskKindDeploy}
		return nil
	}))
	f.engine.Register(domain.TaskKindDeploy, runnerFunc(func(ctx context.Context, exec *Execution) error {
		deployDone <- exec.Task.ID
		return nil
	}))
	f.start(t)

	build := &domain.Task{AppID: 7, Kind: domain.TaskKindBuild}
	if err := f.engine.Submit(context.Background(), build); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var deployID string
	select {
	case deployID = <-deployDone:
	case <-time.After(5 * time.Second):
		t.Fatal("follow-up deploy never ran")
	}
	settled := waitTerminal(t, f.repo, deployID)
	if settled.State != domain.TaskStateSuccess || settled.Kind != domain.TaskKindDeploy {
		t.Fatalf("follow-up settled as %q %q", settled.Kind, settled.State)
	}
}

func TestRecoverInterruptedSettlesRunningAndRequeuesPending(t *testing.T) {
	f := newEngineFixture(Config{})
	f.repo.seed(domain.Task{
		ID: "was-running", AppID: 1, Kind: domain.TaskKindBuild,
		State:  domain.TaskStateRunning,
		Params: domain.TaskParams{PriorStatus: domain.AppStatusStopped},
	})
	f.repo.seed(domain.Task{ID: "was-pending", AppID: 2, Kind: domain.TaskKindDeploy, State: domain.TaskStatePending})
	f.repo.seed(domain.Task{ID: "was-retry", AppID: 3, Kind: domain.TaskKindStop, State: domain.TaskStateRetry})
	f.repo.seed(domain.Task{ID: "was-done", AppID: 4, Kind: domain.TaskKindBuild, State: domain.TaskStateSuccess})

	if err := f.engine.RecoverInterrupted(context.Background()); err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}

	settled, err := f.repo.GetTask(context.Background(), "was-running")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if settled.State != domain.TaskStateFailure {
		t.Fatalf("interrupted task state = %q, want failure", settled.State)
	}
	if !strings.Contains(settled.ErrorMessage, "interrupted") {
		t.Fatalf("error message = %q", settled.ErrorMessage)
	}
	if got := f.apps.statusOf(1); got != domain.AppStatusStopped {
		t.Fatalf("app status = %q, want prior status restored", got)
	}

	requeued := map[string]bool{}
	for i := 0; i < 2; i++ {
		popCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		id, err := f.queue.Pop(popCtx)
		cancel()
		if err != nil {
			t.Fatalf("Pop %d: %v", i, err)
		}
		requeued[id] = true
	}
	if !requeued["was-pending"] || !requeued["was-retry"] {
		t.Fatalf("requeued = %v, want pending and retry tasks", requeued)
	}

	popCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if id, err := f.queue.Pop(popCtx); err == nil {
		t.Fatalf("unexpected extra queue entry %q", id)
	}
}

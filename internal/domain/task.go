package domain

import "time"

// TaskKind enumerates the pipelines a task can execute.
const (
	TaskKindBuild  = "build"
	TaskKindDeploy = "deploy"
	TaskKindStop   = "stop"
)

// TaskState enumerates task lifecycle states.
const (
	TaskStatePending = "pending"
	TaskStateRunning = "running"
	TaskStateSuccess = "success"
	TaskStateFailure = "failure"
	TaskStateRevoked = "revoked"
	TaskStateRetry   = "retry"
)

// TaskStateTerminal reports whether a state admits no further transitions.
func TaskStateTerminal(state string) bool {
	switch state {
	case TaskStateSuccess, TaskStateFailure, TaskStateRevoked:
		return true
	}
	return false
}

// Progress is the last reported position of a running task. Current is
// monotonic within a phase; a new phase may reset it and change Total.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// TaskParams carries pipeline options recorded at enqueue time.
type TaskParams struct {
	BuildOnly   bool   `json:"build_only,omitempty"`
	Force       bool   `json:"force,omitempty"`
	PriorStatus string `json:"prior_status,omitempty"`
}

// Task is a queued unit of work against a single app.
type Task struct {
	ID           string
	Kind         string
	AppID        int64
	State        string
	Progress     Progress
	ErrorMessage string
	Attempt      int
	Params       TaskParams
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Terminal reports whether the task has finished in any way.
func (t Task) Terminal() bool {
	return TaskStateTerminal(t.State)
}

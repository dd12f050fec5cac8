// Package fault carries the failure classification used across the
// orchestrator. Pipelines and the task engine branch on the kind rather than
// on error string contents.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestrator failure.
type Kind string

const (
	// KindInvalidInput marks request validation failures. No state changed.
	KindInvalidInput Kind = "invalid_input"
	// KindConflict marks invariant violations such as a second non-terminal
	// task of the same kind or a duplicate subdomain.
	KindConflict Kind = "conflict"
	// KindNotFound marks unknown app, task, or credential identifiers.
	KindNotFound Kind = "not_found"
	// KindTransient marks network or engine transport failures that the task
	// engine may retry with backoff.
	KindTransient Kind = "transient"
	// KindBuildFailure marks a terminal image build failure with captured log.
	KindBuildFailure Kind = "build_failure"
	// KindDeployFailure marks container start, health, or proxy reload
	// failures that trigger rollback.
	KindDeployFailure Kind = "deploy_failure"
	// KindCanceled marks user-requested cancellation. Cleanup still runs.
	KindCanceled Kind = "canceled"
	// KindConfigDrift marks reconciler-detected discrepancies. It is surfaced
	// through actual_status and never aborts a pipeline.
	KindConfigDrift Kind = "config_drift"
)

// Error couples a failure kind with context and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return e.Message + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and context. Returns nil for a nil err.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind carried by err, or the empty kind for plain errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the task engine may re-attempt the failed work.
func Retryable(err error) bool {
	return Is(err, KindTransient)
}

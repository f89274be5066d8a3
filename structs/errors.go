// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when no task row exists for a key.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotOwner is returned for progress or finalize writes from a worker
	// that no longer holds the task's lock.
	ErrNotOwner = errors.New("worker does not own the task lock")

	// ErrLockLost is returned by lock extension when the lease has expired
	// or passed to another worker.
	ErrLockLost = errors.New("task lock lost")

	// ErrLockHeld is returned when acquisition finds a live lock owned by a
	// different worker.
	ErrLockHeld = errors.New("task lock held by another worker")

	// ErrStoreUnavailable wraps backend failures; callers treat it as
	// transient and retry.
	ErrStoreUnavailable = errors.New("state store unavailable")

	// ErrTaskTombstoned is returned when an operation targets a task whose
	// underlying resource was deleted.
	ErrTaskTombstoned = errors.New("task resource deleted")

	// ErrTaskTerminal is returned when an operation requires a live task
	// but the row is already completed or failed.
	ErrTaskTerminal = errors.New("task already terminal")

	// ErrInvalidTransition is returned by stores refusing a status change
	// outside the lifecycle DAG.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrTaskModified is returned by compare-and-swap writes when the row
	// changed after the caller observed it.
	ErrTaskModified = errors.New("task modified concurrently")
)

// Task error kinds, surfaced verbatim to polling clients. Stack traces
// never cross this boundary; a kind plus a short message does.
const (
	TaskErrTransientUpstream = "transient_upstream"
	TaskErrPermanentUpstream = "permanent_upstream"
	TaskErrResourceDeleted   = "resource_deleted"
	TaskErrCancelled         = "cancelled"
	TaskErrTimeout           = "timeout"
	TaskErrTooManyReclaims   = "too_many_reclaims"
	TaskErrStoreUnavailable  = "store_unavailable"
	TaskErrInvalidKind       = "invalid_kind"
	TaskErrInternal          = "internal"
)

// TaskError is the failure record persisted on a failed task.
type TaskError struct {
	Kind    string
	Message string
}

func NewTaskError(kind, format string, args ...interface{}) *TaskError {
	return &TaskError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Transient reports whether the executor's inner retry loop may retry the
// failing phase rather than failing the task.
func (e *TaskError) Transient() bool {
	return e != nil && e.Kind == TaskErrTransientUpstream
}

// WrapTaskError coerces an arbitrary error into a TaskError, preserving an
// existing kind and classifying everything else as a permanent upstream
// failure.
func WrapTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return NewTaskError(TaskErrPermanentUpstream, "%s", err.Error())
}

// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package state provides the shared durable store for tasks and their
// execution locks. Every worker in the fleet operates against the same
// store; no execution state lives on worker disks, which is what makes
// crash recovery a matter of lock expiry rather than node resurrection.
//
// Two implementations exist: a go-memdb store for dev mode and tests, and
// a Redis store for production. Both provide linearizable per-key
// operations; the task row's ModifyIndex backs compare-and-swap writes and
// the lock namespace enforces the single-holder invariant.
package state

import (
	"context"
	"time"

	"github.com/opsislabs/windlass/structs"
)

// Store is the durability contract of the execution core.
//
// Ownership rules: progress and finalization writes require the caller to
// hold the task's lock; they fail with structs.ErrNotOwner otherwise. Lock
// operations are keyed by worker ID and are reentrant for the holder.
type Store interface {
	// PutTaskIfAbsent inserts a new pending task. If a row already exists
	// for the task's key, nothing is written and the existing row is
	// returned with created=false.
	PutTaskIfAbsent(ctx context.Context, task *structs.Task) (created bool, existing *structs.Task, err error)

	// SwapTask atomically replaces a terminal row with a fresh run. The
	// caller passes the ModifyIndex it observed; the swap fails with
	// structs.ErrTaskModified if the row changed since.
	SwapTask(ctx context.Context, fresh *structs.Task, expectedIndex uint64) error

	// LoadTask returns a copy of the row, or structs.ErrTaskNotFound.
	LoadTask(ctx context.Context, key structs.TaskKey) (*structs.Task, error)

	// LoadTaskByID resolves a task by the ID handed out at submission.
	// IDs of swapped-out runs stop resolving once replaced.
	LoadTaskByID(ctx context.Context, id string) (*structs.Task, error)

	// ListTasks returns copies of all rows, optionally filtered to one
	// kind.
	ListTasks(ctx context.Context, kind string) ([]*structs.Task, error)

	// MarkRunning transitions a pending or abandoned row to running and
	// records the worker as owner. The worker must hold the task's lock.
	MarkRunning(ctx context.Context, key structs.TaskKey, worker string) (*structs.Task, error)

	// UpdateTaskProgress commits a phase boundary or throttled intra-phase
	// progress write. The worker must hold the lock; the row must be
	// running and not tombstoned (structs.ErrTaskTombstoned otherwise).
	// The phase cursor may not move backwards and the stored progress
	// percentage never regresses.
	UpdateTaskProgress(ctx context.Context, key structs.TaskKey, worker string, up structs.ProgressUpdate) error

	// FinalizeTask moves the row to a terminal status and releases the
	// worker's lock in the same operation.
	FinalizeTask(ctx context.Context, key structs.TaskKey, worker string, fin structs.Finalization) error

	// MarkAbandoned transitions running -> abandoned after the owner's
	// lock expired, increments the reclaim attempt counter, and returns
	// the new count. It fails with structs.ErrLockHeld if the lock is live
	// again, and with structs.ErrTaskModified if the row's owner is no
	// longer expectedOwner.
	MarkAbandoned(ctx context.Context, key structs.TaskKey, expectedOwner string) (attempts int, err error)

	// RequestCancel sets the row's cancel flag. The executor observes the
	// flag on its next heartbeat. Terminal rows return
	// structs.ErrTaskTerminal.
	RequestCancel(ctx context.Context, key structs.TaskKey) error

	// DeleteTask tombstones the row after the underlying resource was
	// deleted. The row lingers for observability until purged.
	DeleteTask(ctx context.Context, key structs.TaskKey) error

	// PurgeTask removes the row and any lock state entirely.
	PurgeTask(ctx context.Context, key structs.TaskKey) error

	// TryAcquireLock attempts to take the task's lock for the worker with
	// the given lease. Acquisition is reentrant: the current holder
	// re-acquires and re-arms its lease. A held lock is not an error; the
	// result carries the holder and remaining lease.
	TryAcquireLock(ctx context.Context, key structs.TaskKey, worker string, lease time.Duration) (structs.LockAcquisition, error)

	// ExtendLock re-arms the lease for the holding worker, failing with
	// structs.ErrLockLost when the lock expired or moved.
	ExtendLock(ctx context.Context, key structs.TaskKey, worker string, lease time.Duration) error

	// ReleaseLock drops the worker's lock. Releasing an expired or
	// foreign lock is a no-op.
	ReleaseLock(ctx context.Context, key structs.TaskKey, worker string) error

	// ListExpiredLocks returns the keys of locks whose lease deadline
	// passed before now and which were never released. These are the
	// candidates for reclaim.
	ListExpiredLocks(ctx context.Context, now time.Time) ([]structs.TaskKey, error)

	Close() error
}

// applyProgress merges a progress update into a task row, enforcing the
// cursor and monotonicity rules shared by both store implementations.
func applyProgress(t *structs.Task, up structs.ProgressUpdate, now time.Time) error {
	if t.Tombstoned() {
		return structs.ErrTaskTombstoned
	}
	if t.Status != structs.TaskStatusRunning {
		return structs.ErrInvalidTransition
	}
	if up.PhaseCursor < t.PhaseCursor {
		return structs.NewTaskError(structs.TaskErrInternal,
			"phase cursor may not move backwards: %d < %d", up.PhaseCursor, t.PhaseCursor)
	}
	t.PhaseCursor = up.PhaseCursor
	if up.Checkpoint != nil {
		t.Checkpoint = up.Checkpoint
	}
	if up.ProgressPercent > t.ProgressPercent {
		t.ProgressPercent = up.ProgressPercent
	}
	if up.ProgressMessage != "" {
		t.ProgressMessage = up.ProgressMessage
	}
	t.UpdatedAt = now
	return nil
}

// applyFinalization merges a terminal transition into a task row. The
// caller has already verified lock ownership.
func applyFinalization(t *structs.Task, fin structs.Finalization, now time.Time) error {
	if err := fin.Validate(); err != nil {
		return err
	}
	if !structs.ValidTaskStatusTransition(t.Status, fin.Status) {
		return structs.ErrInvalidTransition
	}
	t.Status = fin.Status
	t.ResultRef = fin.ResultRef
	t.Error = fin.Error
	if fin.Attempts != nil {
		t.Attempts = *fin.Attempts
	}
	t.CompletedAt = now
	t.UpdatedAt = now
	t.OwnerWorker = ""
	t.Checkpoint = nil
	if fin.Status == structs.TaskStatusCompleted {
		t.ProgressPercent = 100
	}
	return nil
}

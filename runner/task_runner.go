// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package runner executes admitted tasks. A TaskRunner drives one task's
// pipeline phase by phase, committing a checkpoint after each phase,
// heartbeating the task lock on a timer independent of phase duration,
// and finalizing the row exactly once. The Dispatcher bounds how many
// runners execute concurrently in one worker process.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/semaphore"

	"github.com/opsislabs/windlass/helper/backoff"
	"github.com/opsislabs/windlass/pipeline"
	"github.com/opsislabs/windlass/state"
	"github.com/opsislabs/windlass/structs"
)

// Config builds a TaskRunner.
type Config struct {
	Logger   hclog.Logger
	Store    state.Store
	Registry *pipeline.Registry

	// WorkerID identifies this process in lock ownership.
	WorkerID string

	// Task is the admitted row snapshot. The runner re-loads the row
	// before executing; the snapshot supplies identity and policy.
	Task *structs.Task

	CoreConfig *structs.CoreConfig

	// Slots gates execution concurrency when set. The runner holds a slot
	// for the duration of phase execution; heartbeats run regardless, so a
	// queued task keeps its lease alive.
	Slots *semaphore.Weighted
}

// TaskRunner executes one task to a terminal state or a silent exit.
type TaskRunner struct {
	logger   hclog.Logger
	store    state.Store
	registry *pipeline.Registry
	workerID string

	key    structs.TaskKey
	taskID string
	policy *structs.Policy
	input  *structs.InputDescriptor

	coreConfig *structs.CoreConfig
	retryBase  time.Duration
	retryCap   time.Duration
	maxRetries int

	slots   *semaphore.Weighted
	tracker *progressTracker

	lockLost        atomic.Bool
	cancelRequested atomic.Bool

	waitCh chan struct{}
}

func NewTaskRunner(cfg *Config) (*TaskRunner, error) {
	if cfg.Store == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("task runner requires a store and a pipeline registry")
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("task runner requires a worker id")
	}
	task := cfg.Task
	if task == nil {
		return nil, fmt.Errorf("task runner requires a task")
	}
	if err := task.Policy.Validate(); err != nil {
		return nil, err
	}
	if err := task.Input.Validate(); err != nil {
		return nil, err
	}

	coreConfig := cfg.CoreConfig
	if coreConfig == nil {
		coreConfig = structs.DefaultCoreConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	base := coreConfig.PhaseRetryBaseBackoff
	if base <= 0 {
		base = 2 * time.Second
	}
	maxRetries := coreConfig.MaxPhaseRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &TaskRunner{
		logger:     logger.Named("task_runner").With("task_key", task.Key.String(), "task_id", task.ID),
		store:      cfg.Store,
		registry:   cfg.Registry,
		workerID:   cfg.WorkerID,
		key:        task.Key,
		taskID:     task.ID,
		policy:     task.Policy.Copy(),
		input:      task.Input.Copy(),
		coreConfig: coreConfig,
		retryBase:  base,
		retryCap:   base << uint(maxRetries),
		maxRetries: maxRetries,
		slots:      cfg.Slots,
		waitCh:     make(chan struct{}),
	}, nil
}

// WaitCh closes when the runner has fully exited.
func (r *TaskRunner) WaitCh() <-chan struct{} {
	return r.waitCh
}

// outcome is the terminal decision of one execution attempt. A nil fin
// means exit without touching the row: either another owner has taken
// over or the row is orphaned for GC.
type outcome struct {
	fin         *structs.Finalization
	releaseLock bool
	reason      string
}

// Run drives the task to an outcome. It blocks until the run is over and
// must be called at most once.
func (r *TaskRunner) Run(ctx context.Context) {
	defer close(r.waitCh)
	defer metrics.MeasureSince([]string{"windlass", "runner", "run"}, time.Now())

	runCtx, cancel := context.WithTimeout(ctx, r.policy.Deadline)
	defer cancel()

	hbDone := make(chan struct{})
	go r.heartbeat(runCtx, cancel, hbDone)

	oc := r.execute(runCtx)

	// Stop the heartbeat before any terminal write so no lease extension
	// lands after the deadline or after finalization.
	cancel()
	<-hbDone

	r.conclude(ctx, oc)
}

// heartbeat extends the lock lease every policy interval and watches the
// row's cancel flag. Lock loss means a sweeper reclaimed the task: the
// run is cancelled and exits without writing anything further.
func (r *TaskRunner) heartbeat(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.policy.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := r.store.ExtendLock(ctx, r.key, r.workerID, r.policy.LockTTL); err != nil {
			if errors.Is(err, structs.ErrLockLost) {
				r.logger.Warn("task lock lost, cancelling run")
				metrics.IncrCounter([]string{"windlass", "runner", "lock_lost"}, 1)
				r.lockLost.Store(true)
				cancel()
				return
			}
			// The lease has margin over the heartbeat interval; isolated
			// store failures are survivable.
			r.logger.Warn("lock extension failed", "error", err)
			continue
		}
		metrics.IncrCounter([]string{"windlass", "runner", "heartbeat"}, 1)

		task, err := r.store.LoadTask(ctx, r.key)
		if err != nil {
			continue
		}
		if task.CancelRequested {
			r.logger.Info("cancellation requested, cancelling run")
			r.cancelRequested.Store(true)
			cancel()
			return
		}
	}
}

// execute runs the phase loop and returns the terminal decision.
func (r *TaskRunner) execute(ctx context.Context) *outcome {
	if r.slots != nil {
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return r.abortOutcome(ctx, err)
		}
		defer r.slots.Release(1)
	}

	task, err := r.store.LoadTask(ctx, r.key)
	if err != nil {
		return &outcome{reason: fmt.Sprintf("task load failed: %v", err)}
	}
	switch {
	case task.ID != r.taskID:
		return &outcome{reason: "task row superseded by a newer run"}
	case task.TerminalStatus():
		return &outcome{reason: "task already terminal"}
	case task.Tombstoned():
		return &outcome{releaseLock: true, reason: "resource deleted"}
	case task.Status != structs.TaskStatusRunning:
		return &outcome{reason: fmt.Sprintf("task not running (status %s)", task.Status)}
	}

	phases, err := r.registry.Phases(r.input, r.policy.Segments)
	if err != nil {
		return &outcome{fin: &structs.Finalization{
			Status: structs.TaskStatusFailed,
			Error:  structs.WrapTaskError(err),
		}}
	}
	n := len(phases)

	r.tracker = newProgressTracker(r.store, r.key, r.workerID, n, r.coreConfig, r.logger)
	r.tracker.seed(task.ProgressPercent, task.ProgressMessage)

	chk, _ := task.LiveCheckpoint()
	if task.PhaseCursor > 0 {
		r.logger.Info("resuming from checkpoint", "phase_cursor", task.PhaseCursor, "phases", n)
		metrics.IncrCounter([]string{"windlass", "runner", "resume"}, 1)
	}

	for i := task.PhaseCursor; i < n; i++ {
		if oc := r.prePhaseCheck(ctx); oc != nil {
			return oc
		}

		out, perr := r.runPhase(ctx, phases[i], i, chk)
		if perr != nil {
			return r.abortOutcome(ctx, perr)
		}
		chk = out

		if oc := r.commitPhase(ctx, i, n, phases[i].Name, chk); oc != nil {
			return oc
		}
		r.logger.Debug("phase committed", "phase", phases[i].Name, "phase_cursor", i+1)
	}

	ref, err := pipeline.FinalRef(chk)
	if err != nil {
		return &outcome{fin: &structs.Finalization{
			Status: structs.TaskStatusFailed,
			Error:  structs.NewTaskError(structs.TaskErrInternal, "pipeline produced no result ref: %v", err),
		}}
	}
	return &outcome{fin: &structs.Finalization{
		Status:    structs.TaskStatusCompleted,
		ResultRef: ref,
	}}
}

// prePhaseCheck consults the row between phases: a deleted resource
// aborts the run without a terminal write, a cancel request finalizes
// the task as cancelled without waiting for the next heartbeat.
func (r *TaskRunner) prePhaseCheck(ctx context.Context) *outcome {
	task, err := r.store.LoadTask(ctx, r.key)
	if err != nil {
		if errors.Is(err, structs.ErrTaskNotFound) {
			return &outcome{reason: "task row purged mid-run"}
		}
		// Store hiccup: the phase commit is the write that matters, let
		// it arbitrate.
		return nil
	}
	switch {
	case task.Tombstoned():
		return &outcome{releaseLock: true, reason: "resource deleted"}
	case task.CancelRequested:
		r.cancelRequested.Store(true)
		return &outcome{fin: &structs.Finalization{
			Status: structs.TaskStatusFailed,
			Error:  structs.NewTaskError(structs.TaskErrCancelled, "cancelled by client"),
		}}
	case task.TerminalStatus():
		return &outcome{reason: "task already terminal"}
	}
	return nil
}

// runPhase invokes one phase with the inner transient-retry loop.
func (r *TaskRunner) runPhase(ctx context.Context, phase pipeline.Phase, idx int, prev []byte) ([]byte, error) {
	sink := r.tracker.phaseSink(ctx, idx)

	var lastErr error
	for retry := 0; ; retry++ {
		out, err := phase.Run(ctx, r.input, prev, sink)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		te := structs.WrapTaskError(err)
		if !te.Transient() {
			return nil, te
		}
		if retry >= r.maxRetries {
			// Exhausted the inner budget: the transient failure is
			// escalated and finalizes the task.
			return nil, structs.NewTaskError(structs.TaskErrPermanentUpstream,
				"phase %s still failing after %d retries: %s", phase.Name, r.maxRetries, te.Message)
		}

		lastErr = te
		r.logger.Warn("phase failed, retrying", "phase", phase.Name, "retry", retry+1, "error", lastErr)
		metrics.IncrCounter([]string{"windlass", "runner", "phase_retry"}, 1)
		if err := backoff.Wait(ctx, r.retryBase, r.retryCap, retry); err != nil {
			return nil, err
		}
	}
}

// commitPhase writes the durable phase boundary. This is the write that
// makes the phase's work survive a crash; store outages are retried
// before giving the attempt up to reclaim.
func (r *TaskRunner) commitPhase(ctx context.Context, i, n int, name string, chk []byte) *outcome {
	pct := float64(i+1) / float64(n) * 100
	msg := name + " done"
	up := structs.ProgressUpdate{
		PhaseCursor:     i + 1,
		Checkpoint:      chk,
		ProgressPercent: pct,
		ProgressMessage: msg,
	}

	var err error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err = r.store.UpdateTaskProgress(ctx, r.key, r.workerID, up)
		if err == nil {
			r.tracker.committed(pct, msg)
			metrics.IncrCounter([]string{"windlass", "runner", "phase_commit"}, 1)
			return nil
		}
		if !errors.Is(err, structs.ErrStoreUnavailable) {
			break
		}
		if werr := backoff.Wait(ctx, r.retryBase, r.retryCap, attempt); werr != nil {
			break
		}
	}

	switch {
	case errors.Is(err, structs.ErrNotOwner):
		return &outcome{reason: "phase commit rejected: lock moved"}
	case errors.Is(err, structs.ErrTaskTombstoned):
		return &outcome{releaseLock: true, reason: "resource deleted"}
	case errors.Is(err, structs.ErrInvalidTransition):
		return &outcome{reason: "phase commit rejected: task no longer running"}
	case ctx.Err() != nil:
		return r.abortOutcome(ctx, err)
	default:
		// Store unreachable: exit without finalize and let lease expiry
		// hand the task to a reclaiming worker.
		return &outcome{reason: fmt.Sprintf("phase commit failed: %v", err)}
	}
}

// abortOutcome classifies an interrupted phase into its exit path.
func (r *TaskRunner) abortOutcome(ctx context.Context, err error) *outcome {
	if r.lockLost.Load() {
		return &outcome{reason: "lock lost to reclaim"}
	}
	if ctx.Err() != nil {
		if r.cancelRequested.Load() {
			return &outcome{fin: &structs.Finalization{
				Status: structs.TaskStatusFailed,
				Error:  structs.NewTaskError(structs.TaskErrCancelled, "cancelled by client"),
			}}
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &outcome{fin: &structs.Finalization{
				Status: structs.TaskStatusFailed,
				Error: structs.NewTaskError(structs.TaskErrTimeout,
					"execution exceeded its %s deadline", r.policy.Deadline),
			}}
		}
		// Worker shutdown: leave the row running; the lease will expire
		// and a peer reclaims from the last checkpoint.
		return &outcome{reason: "worker shutting down"}
	}

	te := structs.WrapTaskError(err)
	if te.Kind == structs.TaskErrResourceDeleted {
		return &outcome{releaseLock: true, reason: "resource deleted"}
	}
	return &outcome{fin: &structs.Finalization{Status: structs.TaskStatusFailed, Error: te}}
}

// conclude applies the outcome: finalize terminal runs, release the lock
// for orphaned rows, or exit silently.
func (r *TaskRunner) conclude(ctx context.Context, oc *outcome) {
	if oc.releaseLock {
		if err := r.store.ReleaseLock(ctx, r.key, r.workerID); err != nil {
			r.logger.Warn("lock release failed", "error", err)
		}
	}
	if oc.fin == nil {
		r.logger.Info("execution exited without finalizing", "reason", oc.reason)
		metrics.IncrCounter([]string{"windlass", "runner", "silent_exit"}, 1)
		return
	}
	if ctx.Err() != nil {
		// Shutdown raced the terminal write; reclaim will settle it.
		return
	}

	var err error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err = r.store.FinalizeTask(ctx, r.key, r.workerID, *oc.fin)
		if err == nil || !errors.Is(err, structs.ErrStoreUnavailable) {
			break
		}
		if werr := backoff.Wait(ctx, r.retryBase, r.retryCap, attempt); werr != nil {
			break
		}
	}

	labels := []metrics.Label{{Name: "status", Value: oc.fin.Status}}
	switch {
	case err == nil:
		if oc.fin.Status == structs.TaskStatusCompleted {
			r.logger.Info("task completed", "result_ref", oc.fin.ResultRef)
		} else {
			r.logger.Info("task failed", "error_kind", oc.fin.Error.Kind, "error", oc.fin.Error.Message)
			labels = append(labels, metrics.Label{Name: "error_kind", Value: oc.fin.Error.Kind})
		}
		metrics.IncrCounterWithLabels([]string{"windlass", "runner", "finalize"}, 1, labels)
	case errors.Is(err, structs.ErrNotOwner):
		r.logger.Info("finalize rejected: task reclaimed by another worker")
	default:
		r.logger.Error("finalize failed", "error", err)
		metrics.IncrCounter([]string{"windlass", "runner", "finalize_failed"}, 1)
	}
}

// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package guard admits submissions into the task store. The admission
// guard guarantees at most one running execution per task key: duplicate
// submissions attach to the live run, fresh successes are answered from
// the stored result, and expired runs are reclaimed. The sweeper is the
// background half of the same contract, picking up work whose owner died
// and garbage-collecting tombstoned rows.
package guard

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"

	"github.com/opsislabs/windlass/helper/pointer"
	"github.com/opsislabs/windlass/helper/uuid"
	"github.com/opsislabs/windlass/policy"
	"github.com/opsislabs/windlass/runner"
	"github.com/opsislabs/windlass/state"
	"github.com/opsislabs/windlass/structs"
)

// submitRetries bounds how often one Submit call re-runs its decision
// after losing a compare-and-swap race.
const submitRetries = 3

// errRetryAdmission signals that the row moved between the decision and
// its write; the admission flow restarts from a fresh read.
var errRetryAdmission = errors.New("admission state moved")

// SubmitResult reports the admission outcome (one of the
// structs.SubmitOutcome constants) with a snapshot of the row it refers
// to.
type SubmitResult struct {
	Outcome string
	Task    *structs.Task
}

// Config builds a Guard.
type Config struct {
	Logger     hclog.Logger
	Store      state.Store
	Dispatcher *runner.Dispatcher
	CoreConfig *structs.CoreConfig
}

// Guard converts submissions into at most one running execution per key.
type Guard struct {
	logger     hclog.Logger
	store      state.Store
	dispatcher *runner.Dispatcher
	coreConfig *structs.CoreConfig
}

func NewGuard(cfg *Config) (*Guard, error) {
	if cfg.Store == nil {
		return nil, errors.New("guard requires a store")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("guard requires a dispatcher")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	coreConfig := cfg.CoreConfig
	if coreConfig == nil {
		coreConfig = structs.DefaultCoreConfig()
	}
	return &Guard{
		logger:     logger.Named("guard"),
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		coreConfig: coreConfig,
	}, nil
}

// Submit admits one analysis request. Concurrent submissions for the
// same key collapse onto a single execution; exactly one caller observes
// the started outcome per run.
func (g *Guard) Submit(ctx context.Context, desc *structs.InputDescriptor) (*SubmitResult, error) {
	defer metrics.MeasureSince([]string{"windlass", "guard", "submit"}, time.Now())

	if err := desc.Validate(); err != nil {
		return nil, err
	}
	key := structs.NewTaskKey(desc.Kind, desc.ResourceID)
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var res *SubmitResult
	var err error
	for attempt := 0; attempt < submitRetries; attempt++ {
		res, err = g.submitOnce(ctx, key, desc)
		if !errors.Is(err, errRetryAdmission) {
			break
		}
	}
	if errors.Is(err, errRetryAdmission) {
		err = structs.NewTaskError(structs.TaskErrInternal,
			"admission for %s raced repeatedly, try again", key)
	}
	if err != nil {
		metrics.IncrCounter([]string{"windlass", "guard", "submit_error"}, 1)
		return nil, err
	}

	metrics.IncrCounterWithLabels([]string{"windlass", "guard", "submit_outcome"}, 1,
		[]metrics.Label{{Name: "outcome", Value: res.Outcome}})
	g.logger.Debug("submission admitted", "task_key", key, "outcome", res.Outcome, "task_id", res.Task.ID)
	return res, nil
}

func (g *Guard) submitOnce(ctx context.Context, key structs.TaskKey, desc *structs.InputDescriptor) (*SubmitResult, error) {
	pol, err := policy.ForDescriptor(desc, g.coreConfig)
	if err != nil {
		return nil, err
	}
	fresh := newTask(key, desc, pol)

	created, existing, err := g.store.PutTaskIfAbsent(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if created {
		return g.start(ctx, fresh)
	}

	task := existing
	switch {
	case task.Tombstoned():
		return nil, structs.NewTaskError(structs.TaskErrResourceDeleted,
			"resource %s was deleted; task awaits garbage collection", key)

	case task.Status == structs.TaskStatusCompleted:
		if time.Since(task.CompletedAt) < g.coreConfig.SkipRecentSuccessWindow {
			return &SubmitResult{Outcome: structs.SubmitOutcomeSkippedRecentSuccess, Task: task}, nil
		}
		// Stale success: the client explicitly wants a fresh analysis.
		return g.resubmit(ctx, task, fresh)

	case task.Status == structs.TaskStatusFailed:
		return g.resubmit(ctx, task, fresh)

	case task.Status == structs.TaskStatusPending:
		// A concurrent admission inserted the row; race it for the lock.
		return g.start(ctx, task)

	case task.Status == structs.TaskStatusAbandoned:
		return g.reclaim(ctx, task)

	default: // running
		attempts, err := g.store.MarkAbandoned(ctx, key, task.OwnerWorker)
		switch {
		case err == nil:
			// The owner's lease had expired; the row is ours to reclaim.
			if attempts > g.coreConfig.MaxReclaimAttempts {
				return g.failReclaimCap(ctx, key, attempts)
			}
			cur, lerr := g.store.LoadTask(ctx, key)
			if lerr != nil {
				return nil, lerr
			}
			return g.reclaim(ctx, cur)
		case errors.Is(err, structs.ErrLockHeld):
			return &SubmitResult{Outcome: structs.SubmitOutcomeAttached, Task: task}, nil
		case errors.Is(err, structs.ErrTaskTerminal),
			errors.Is(err, structs.ErrTaskModified),
			errors.Is(err, structs.ErrInvalidTransition):
			return nil, errRetryAdmission
		default:
			return nil, err
		}
	}
}

// reclaim restarts an abandoned run from its persisted checkpoint,
// enforcing the attempts cap.
func (g *Guard) reclaim(ctx context.Context, task *structs.Task) (*SubmitResult, error) {
	if task.Attempts > g.coreConfig.MaxReclaimAttempts {
		return g.failReclaimCap(ctx, task.Key, task.Attempts)
	}
	g.logger.Info("reclaiming abandoned task", "task_key", task.Key, "attempts", task.Attempts)
	metrics.IncrCounter([]string{"windlass", "guard", "reclaimed"}, 1)
	return g.start(ctx, task)
}

// resubmit replaces a terminal row with a fresh run. The CAS on the
// observed modify index keeps two racing resubmissions from both
// winning.
func (g *Guard) resubmit(ctx context.Context, prior, fresh *structs.Task) (*SubmitResult, error) {
	if err := g.store.SwapTask(ctx, fresh, prior.ModifyIndex); err != nil {
		switch {
		case errors.Is(err, structs.ErrTaskModified), errors.Is(err, structs.ErrInvalidTransition):
			return nil, errRetryAdmission
		case errors.Is(err, structs.ErrTaskTombstoned):
			return nil, structs.NewTaskError(structs.TaskErrResourceDeleted,
				"resource %s was deleted; task awaits garbage collection", fresh.Key)
		default:
			return nil, err
		}
	}
	g.logger.Info("resubmitted terminal task as fresh run",
		"task_key", fresh.Key, "prior_status", prior.Status, "task_id", fresh.ID)
	return g.start(ctx, fresh)
}

// start performs step five of admission: take the lock, mark the row
// running, dispatch. Losing the lock race degrades to attached.
func (g *Guard) start(ctx context.Context, task *structs.Task) (*SubmitResult, error) {
	started, run, err := acquireAndDispatch(ctx, g.store, g.dispatcher, g.logger, task)
	if err != nil {
		return nil, err
	}
	if !started {
		cur, lerr := g.store.LoadTask(ctx, task.Key)
		if lerr != nil {
			return nil, lerr
		}
		return &SubmitResult{Outcome: structs.SubmitOutcomeAttached, Task: cur}, nil
	}
	return &SubmitResult{Outcome: structs.SubmitOutcomeStarted, Task: run}, nil
}

// failReclaimCap finalizes a task that has exhausted its reclaim budget.
// The submission attaches to the failed row; only an explicit resubmit
// starts it over.
func (g *Guard) failReclaimCap(ctx context.Context, key structs.TaskKey, attempts int) (*SubmitResult, error) {
	if err := finalizeReclaimCap(ctx, g.store, g.dispatcher.WorkerID(), g.coreConfig, g.logger, key, attempts); err != nil {
		return nil, err
	}
	cur, err := g.store.LoadTask(ctx, key)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Outcome: structs.SubmitOutcomeAttached, Task: cur}, nil
}

func newTask(key structs.TaskKey, desc *structs.InputDescriptor, pol *structs.Policy) *structs.Task {
	return &structs.Task{
		ID:     uuid.Generate(),
		Key:    key,
		Status: structs.TaskStatusPending,
		Policy: pol,
		Input:  desc.Copy(),
	}
}

// acquireAndDispatch takes the task's lock under the dispatcher's worker
// id, transitions the row to running, and hands it to the dispatcher.
// Returns false without error when another worker holds the lock.
func acquireAndDispatch(ctx context.Context, store state.Store, disp *runner.Dispatcher, logger hclog.Logger, task *structs.Task) (bool, *structs.Task, error) {
	worker := disp.WorkerID()

	acq, err := store.TryAcquireLock(ctx, task.Key, worker, task.Policy.LockTTL)
	if err != nil {
		return false, nil, err
	}
	if !acq.Acquired {
		logger.Debug("lost lock race", "task_key", task.Key, "held_by", acq.HeldBy)
		return false, nil, nil
	}

	run, err := store.MarkRunning(ctx, task.Key, worker)
	if err != nil {
		// The row moved while we took the lock; don't hold it hostage.
		if rerr := store.ReleaseLock(ctx, task.Key, worker); rerr != nil {
			logger.Warn("lock release after failed start", "task_key", task.Key, "error", rerr)
		}
		switch {
		case errors.Is(err, structs.ErrInvalidTransition),
			errors.Is(err, structs.ErrTaskTombstoned),
			errors.Is(err, structs.ErrNotOwner):
			return false, nil, errRetryAdmission
		default:
			return false, nil, err
		}
	}

	if err := disp.Dispatch(run); err != nil {
		// The dispatcher is shutting down. Surrender the lock so a peer
		// reclaims the row instead of waiting out the lease.
		if rerr := store.ReleaseLock(ctx, task.Key, worker); rerr != nil {
			logger.Warn("lock release after failed dispatch", "task_key", task.Key, "error", rerr)
		}
		return false, nil, structs.NewTaskError(structs.TaskErrInternal,
			"worker not accepting new executions: %v", err)
	}
	return true, run, nil
}

// finalizeReclaimCap fails a row whose reclaim budget is spent. The
// expired lock is re-taken briefly so the terminal write carries an
// owner.
func finalizeReclaimCap(ctx context.Context, store state.Store, worker string, cc *structs.CoreConfig, logger hclog.Logger, key structs.TaskKey, attempts int) error {
	acq, err := store.TryAcquireLock(ctx, key, worker, time.Minute)
	if err != nil {
		return err
	}
	if !acq.Acquired {
		// Someone else is handling the row.
		return nil
	}

	// The abandonment that tripped the cap never ran; the row records
	// the reclaims that did.
	reclaims := attempts - 1
	if reclaims < 0 {
		reclaims = 0
	}
	fin := structs.Finalization{
		Status: structs.TaskStatusFailed,
		Error: structs.NewTaskError(structs.TaskErrTooManyReclaims,
			"reclaimed %d times without completing, exhausting the budget of %d", reclaims, cc.MaxReclaimAttempts),
		Attempts: pointer.Of(reclaims),
	}
	if err := store.FinalizeTask(ctx, key, worker, fin); err != nil {
		if rerr := store.ReleaseLock(ctx, key, worker); rerr != nil {
			logger.Warn("lock release after failed finalize", "task_key", key, "error", rerr)
		}
		if errors.Is(err, structs.ErrInvalidTransition) {
			// Already terminal; nothing to enforce.
			return nil
		}
		return err
	}

	logger.Warn("task failed after exhausting reclaim budget", "task_key", key, "attempts", attempts)
	metrics.IncrCounter([]string{"windlass", "guard", "reclaim_cap"}, 1)
	return nil
}

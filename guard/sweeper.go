// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"

	"github.com/opsislabs/windlass/runner"
	"github.com/opsislabs/windlass/state"
	"github.com/opsislabs/windlass/structs"
)

// SweeperConfig builds a Sweeper.
type SweeperConfig struct {
	Logger hclog.Logger
	Store  state.Store

	// Dispatcher, when set, receives reclaimed tasks for immediate
	// redispatch. Without one the sweeper only transitions state and the
	// next submission resumes the work.
	Dispatcher *runner.Dispatcher

	CoreConfig *structs.CoreConfig

	// WorkerID is the lock identity for terminal writes the sweeper
	// itself performs. Defaults to the dispatcher's worker id.
	WorkerID string
}

// Sweeper periodically reclaims executions whose owner stopped
// heartbeating and purges tombstoned rows past the GC age.
type Sweeper struct {
	logger     hclog.Logger
	store      state.Store
	dispatcher *runner.Dispatcher
	coreConfig *structs.CoreConfig
	workerID   string
	interval   time.Duration
}

func NewSweeper(cfg *SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("sweeper requires a store")
	}
	worker := cfg.WorkerID
	if worker == "" && cfg.Dispatcher != nil {
		worker = cfg.Dispatcher.WorkerID()
	}
	if worker == "" {
		return nil, errors.New("sweeper requires a worker id")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	coreConfig := cfg.CoreConfig
	if coreConfig == nil {
		coreConfig = structs.DefaultCoreConfig()
	}
	interval := coreConfig.ReclaimSweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		logger:     logger.Named("sweeper"),
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		coreConfig: coreConfig,
		workerID:   worker,
		interval:   interval,
	}, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Debug("sweeper starting", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sweeper stopping")
			return
		case <-ticker.C:
		}
		if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep pass failed", "error", err)
		}
	}
}

// Sweep runs one full pass: expired-lock reclaim, then tombstone GC.
// Failures on individual rows do not stop the pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	defer metrics.MeasureSince([]string{"windlass", "sweeper", "sweep"}, time.Now())

	var mErr *multierror.Error
	mErr = multierror.Append(mErr, s.reclaimExpired(ctx))
	mErr = multierror.Append(mErr, s.collectTombstones(ctx))
	return mErr.ErrorOrNil()
}

func (s *Sweeper) reclaimExpired(ctx context.Context) error {
	keys, err := s.store.ListExpiredLocks(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("expired lock listing failed: %w", err)
	}

	var mErr *multierror.Error
	for _, key := range keys {
		if err := s.reclaimOne(ctx, key); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("reclaim %s: %w", key, err))
		}
	}
	return mErr.ErrorOrNil()
}

func (s *Sweeper) reclaimOne(ctx context.Context, key structs.TaskKey) error {
	task, err := s.store.LoadTask(ctx, key)
	if err != nil {
		if errors.Is(err, structs.ErrTaskNotFound) {
			return nil
		}
		return err
	}

	attempts, err := s.store.MarkAbandoned(ctx, key, task.OwnerWorker)
	switch {
	case errors.Is(err, structs.ErrLockHeld):
		// Revived between the listing and now.
		return nil
	case errors.Is(err, structs.ErrTaskTerminal):
		// Stale lock on a finalized row was cleaned up.
		return nil
	case errors.Is(err, structs.ErrTaskModified):
		// Ownership moved under us; the next pass re-evaluates.
		return nil
	case errors.Is(err, structs.ErrInvalidTransition):
		// A pending row with a dead admission lock; submission recovers
		// it by re-taking the expired lock.
		s.logger.Debug("skipping non-running row with expired lock", "task_key", key, "status", task.Status)
		return nil
	case err != nil:
		return err
	}

	s.logger.Info("abandoned expired execution",
		"task_key", key, "prior_owner", task.OwnerWorker, "attempts", attempts)
	metrics.IncrCounter([]string{"windlass", "sweeper", "reclaimed"}, 1)

	if attempts > s.coreConfig.MaxReclaimAttempts {
		return finalizeReclaimCap(ctx, s.store, s.workerID, s.coreConfig, s.logger, key, attempts)
	}
	if s.dispatcher == nil {
		return nil
	}
	return s.redispatch(ctx, key)
}

// redispatch resumes a freshly abandoned task on this worker. Losing the
// lock race to a concurrent submission is fine; the work runs either way.
func (s *Sweeper) redispatch(ctx context.Context, key structs.TaskKey) error {
	task, err := s.store.LoadTask(ctx, key)
	if err != nil {
		if errors.Is(err, structs.ErrTaskNotFound) {
			return nil
		}
		return err
	}
	if task.Status != structs.TaskStatusAbandoned {
		return nil
	}

	started, _, err := acquireAndDispatch(ctx, s.store, s.dispatcher, s.logger, task)
	if errors.Is(err, errRetryAdmission) {
		return nil
	}
	if err != nil {
		return err
	}
	if started {
		s.logger.Info("redispatched reclaimed task", "task_key", key, "attempts", task.Attempts)
		metrics.IncrCounter([]string{"windlass", "sweeper", "redispatched"}, 1)
	}
	return nil
}

func (s *Sweeper) collectTombstones(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx, "")
	if err != nil {
		return fmt.Errorf("task listing failed: %w", err)
	}

	cutoff := time.Now().UTC().Add(-s.coreConfig.TombstoneGCAge)
	var mErr *multierror.Error
	for _, task := range tasks {
		if !task.Tombstoned() || task.TombstonedAt.After(cutoff) {
			continue
		}
		if err := s.store.PurgeTask(ctx, task.Key); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("purge %s: %w", task.Key, err))
			continue
		}
		s.logger.Info("purged tombstoned task", "task_key", task.Key)
		metrics.IncrCounter([]string{"windlass", "sweeper", "tombstones_purged"}, 1)
	}
	return mErr.ErrorOrNil()
}

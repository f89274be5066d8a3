// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/semaphore"

	"github.com/opsislabs/windlass/pipeline"
	"github.com/opsislabs/windlass/state"
	"github.com/opsislabs/windlass/structs"
)

// DefaultMaxConcurrent bounds phase execution per worker process when the
// dispatcher config does not say otherwise.
const DefaultMaxConcurrent = 8

// DispatcherConfig builds a Dispatcher.
type DispatcherConfig struct {
	Logger     hclog.Logger
	Store      state.Store
	Registry   *pipeline.Registry
	CoreConfig *structs.CoreConfig

	// WorkerID identifies this process in lock ownership.
	WorkerID string

	// MaxConcurrent caps how many runners execute phases at once.
	// Dispatched tasks above the cap queue with their heartbeat running,
	// so their leases stay live while they wait for a slot.
	MaxConcurrent int
}

// Dispatcher starts TaskRunners and bounds their execution concurrency.
// It owns the lifetime context runners observe on worker shutdown.
type Dispatcher struct {
	logger     hclog.Logger
	store      state.Store
	registry   *pipeline.Registry
	coreConfig *structs.CoreConfig
	workerID   string

	slots *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	running  map[structs.TaskKey]*TaskRunner
	wg       sync.WaitGroup
	shutdown bool
}

func NewDispatcher(cfg *DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("dispatcher requires a store and a pipeline registry")
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("dispatcher requires a worker id")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:     logger.Named("dispatcher"),
		store:      cfg.Store,
		registry:   cfg.Registry,
		coreConfig: cfg.CoreConfig,
		workerID:   cfg.WorkerID,
		slots:      semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:        ctx,
		cancel:     cancel,
		running:    make(map[structs.TaskKey]*TaskRunner),
	}, nil
}

// WorkerID returns the lock-ownership identity runners dispatch under.
func (d *Dispatcher) WorkerID() string {
	return d.workerID
}

// Dispatch starts a runner for an admitted task. The task's lock must
// already be held by this worker and the row marked running. Dispatching
// a key that is already live in this process is a no-op.
func (d *Dispatcher) Dispatch(task *structs.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shutdown {
		return fmt.Errorf("dispatcher is shut down")
	}
	if _, ok := d.running[task.Key]; ok {
		d.logger.Debug("task already running in this process", "task_key", task.Key.String())
		return nil
	}

	tr, err := NewTaskRunner(&Config{
		Logger:     d.logger,
		Store:      d.store,
		Registry:   d.registry,
		WorkerID:   d.workerID,
		Task:       task,
		CoreConfig: d.coreConfig,
		Slots:      d.slots,
	})
	if err != nil {
		return err
	}

	d.running[task.Key] = tr
	d.wg.Add(1)
	metrics.IncrCounter([]string{"windlass", "dispatcher", "dispatched"}, 1)

	go func() {
		defer d.wg.Done()
		tr.Run(d.ctx)

		d.mu.Lock()
		delete(d.running, task.Key)
		d.mu.Unlock()
	}()
	return nil
}

// ActiveCount reports how many runners are live, queued ones included.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Running reports whether a runner for the key is live in this process.
func (d *Dispatcher) Running(key structs.TaskKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[key]
	return ok
}

// Shutdown cancels all runners and waits for them to exit or for ctx to
// expire. Runners exit without releasing their locks so the leases lapse
// and peers reclaim the work from the last committed checkpoint.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.shutdown = true
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown interrupted: %w", ctx.Err())
	}
}
